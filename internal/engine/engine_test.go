package engine

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/fwlite/fwlite/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBoundedBufferAppendAndExceeded(t *testing.T) {
	b := NewBoundedBuffer(10)
	b.Append([]byte("hello"))
	if b.Exceeded() || b.Len() != 5 {
		t.Fatalf("got exceeded=%v len=%d", b.Exceeded(), b.Len())
	}
	b.Append([]byte("world!!"))
	if !b.Exceeded() {
		t.Fatal("want Exceeded() true once the ceiling is crossed")
	}
	if len(b.Bytes()) != 0 {
		t.Fatal("want buffered content dropped once exceeded")
	}
	b.Append([]byte("more"))
	if b.Len() != 0 {
		t.Fatal("want Append to stay a no-op forever after exceeding")
	}
}

func TestBoundedBufferReset(t *testing.T) {
	b := NewBoundedBuffer(4)
	b.Append([]byte("12345"))
	if !b.Exceeded() {
		t.Fatal("setup: want exceeded")
	}
	b.Reset()
	if b.Exceeded() || b.Len() != 0 {
		t.Fatal("want Reset to clear exceeded and length")
	}
	b.Append([]byte("ok"))
	if b.Len() != 2 {
		t.Fatalf("want buffer usable again after Reset, got len %d", b.Len())
	}
}

func TestNormalizeTargetAbsoluteForm(t *testing.T) {
	e := &Engine{}
	rc := &requestContext{target: "http://example.com:8080/path?q=1", headers: &wire.Headers{}}
	if err := e.normalizeTarget(rc); err != nil {
		t.Fatal(err)
	}
	if rc.destHost != "example.com" || rc.destPort != 8080 {
		t.Fatalf("got host=%q port=%d", rc.destHost, rc.destPort)
	}
}

func TestNormalizeTargetOriginFormNeedsHost(t *testing.T) {
	e := &Engine{}
	rc := &requestContext{target: "/path", headers: &wire.Headers{}}
	if err := e.normalizeTarget(rc); err == nil {
		t.Fatal("want an error for an origin-form target with no Host header")
	}
}

func TestNormalizeTargetOriginFormWithHost(t *testing.T) {
	e := &Engine{}
	h := &wire.Headers{}
	h.Set("Host", "example.com")
	rc := &requestContext{target: "/path", headers: h}
	if err := e.normalizeTarget(rc); err != nil {
		t.Fatal(err)
	}
	if rc.destHost != "example.com" || rc.destPort != 80 {
		t.Fatalf("got host=%q port=%d", rc.destHost, rc.destPort)
	}
}

func TestNormalizeTargetDoubleHTTPPrefix(t *testing.T) {
	e := &Engine{}
	rc := &requestContext{target: "http://http://example.com/x", headers: &wire.Headers{}}
	if err := e.normalizeTarget(rc); err != nil {
		t.Fatal(err)
	}
	if rc.destHost != "example.com" {
		t.Fatalf("want the doubled http:// prefix canonicalized away, got host=%q", rc.destHost)
	}
}

func TestNormalizeTargetRejectsFTP(t *testing.T) {
	e := &Engine{}
	rc := &requestContext{target: "ftp://example.com/", headers: &wire.Headers{}}
	if err := e.normalizeTarget(rc); err == nil {
		t.Fatal("want ftp:// rejected")
	}
}

func TestHandleSelfAddressedForbiddenWithoutAdmin(t *testing.T) {
	e := &Engine{Log: discardLogger()}
	rc := &requestContext{method: "GET", target: "http://self/", version: "HTTP/1.1", clientID: "127.0.0.1:1234", headers: &wire.Headers{}}

	server, client := net.Pipe()
	defer client.Close()
	done := make(chan struct{})
	go func() {
		e.handleSelfAddressed(server, rc)
		server.Close()
		close(done)
	}()

	br := bufio.NewReader(client)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(line, "403") {
		t.Fatalf("want a 403 response when Admin is nil, got %q", line)
	}
	// Drain the headers and body so the handler's later pipe writes complete.
	go io.Copy(io.Discard, br)
	<-done
}

func TestHandleSelfAddressedServesAdminForLoopback(t *testing.T) {
	admin := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	e := &Engine{Log: discardLogger(), Admin: admin}
	rc := &requestContext{method: "GET", target: "http://self/", version: "HTTP/1.1", clientID: "127.0.0.1:1234", headers: &wire.Headers{}}

	server, client := net.Pipe()
	defer client.Close()
	done := make(chan struct{})
	go func() {
		e.handleSelfAddressed(server, rc)
		server.Close()
		close(done)
	}()

	br := bufio.NewReader(client)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(line, "200") {
		t.Fatalf("want a 200 response served by the admin handler, got %q", line)
	}
	// Drain the headers and body so the handler's later pipe writes complete.
	go io.Copy(io.Discard, br)
	<-done
}
