package listener

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/fwlite/fwlite/internal/engine"
	"github.com/fwlite/fwlite/internal/ports"
	"github.com/fwlite/fwlite/internal/upstream"
	"github.com/fwlite/fwlite/internal/wire"
)

func TestPrependRequestLine(t *testing.T) {
	rl := wire.RequestLine{Method: "GET", Target: "/foo", Version: "HTTP/1.1"}
	br := bufio.NewReader(strings.NewReader("Host: example.com\r\n\r\n"))

	out := prependRequestLine(br, rl)
	got, err := wire.ReadRequestLine(out)
	if err != nil {
		t.Fatal(err)
	}
	if got != rl {
		t.Fatalf("got %+v, want %+v", got, rl)
	}

	headers, err := wire.ReadHeaders(out)
	if err != nil {
		t.Fatal(err)
	}
	if headers.Get("Host") != "example.com" {
		t.Errorf("prependRequestLine lost the rest of the stream: got Host=%q", headers.Get("Host"))
	}
}

type stubResolver struct{}

func (stubResolver) Redirect(ctx context.Context, req ports.RequestInfo) (ports.RedirectVerdict, error) {
	return ports.RedirectVerdict{}, nil
}
func (stubResolver) GetProxy(ctx context.Context, req ports.RequestInfo, failed []string) ([]*upstream.Descriptor, error) {
	return []*upstream.Descriptor{{Name: "direct", Scheme: upstream.SchemeDirect}}, nil
}
func (stubResolver) Notify(upstreamName string, latency time.Duration, success bool) {}
func (stubResolver) Bad302(location string) bool                                     { return false }

type stubDNS struct{}

func (stubDNS) Resolve(ctx context.Context, host string) (net.IP, error) { return nil, nil }
func (stubDNS) IsLoopback(ip net.IP) bool                                { return false }

// TestDispatchPlainRequestReplaysRequestLine exercises dispatch's
// non-CONNECT path end to end against an upstream that echoes back what it
// receives, confirming the request line consumed by wire.ReadRequestLine in
// dispatch reaches the engine via prependRequestLine rather than being lost.
func TestDispatchPlainRequestReplaysRequestLine(t *testing.T) {
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer upstreamLn.Close()

	received := make(chan string, 1)
	go func() {
		c, err := upstreamLn.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		br := bufio.NewReader(c)
		line, _ := wire.ReadRequestLine(br)
		received <- line.Method + " " + line.Target
		c.Write([]byte("HTTP/1.1 204 No Content\r\nContent-Length: 0\r\n\r\n"))
	}()

	eng := engine.New(engine.Config{BaseTimeout: time.Second, MaxTimeout: time.Second, MaxRetries: 1, RetryCeiling: 4096}, stubResolver{}, stubDNS{}, nil, nil)
	// The request target names the upstream listener's own address, so the
	// direct dial reaches it without any IP override.
	host, _, _ := net.SplitHostPort(upstreamLn.Addr().String())
	_ = host

	srv := &Server{Engine: eng}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	go srv.dispatch(context.Background(), serverConn, 0)

	target := "http://" + upstreamLn.Addr().String() + "/hello"
	req := "GET " + target + " HTTP/1.1\r\nHost: " + upstreamLn.Addr().String() + "\r\nConnection: close\r\n\r\n"
	clientConn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := clientConn.Write([]byte(req)); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 4096)
	n, err := clientConn.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatal(err)
	}
	if !strings.Contains(string(buf[:n]), "204") {
		t.Fatalf("want a 204 response relayed back, got %q", buf[:n])
	}

	select {
	case got := <-received:
		if got != "GET /hello" {
			t.Errorf("want the upstream to see the replayed request line (absolute-form stripped to origin-form), got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("upstream never received a request: the request line was lost in dispatch/prependRequestLine")
	}
}
