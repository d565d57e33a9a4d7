// Package connectengine implements the CONNECT tunnel handler — immediate
// 200 reply, early-byte peek/classification (plaintext
// HTTP vs TLS ClientHello vs opaque), SNI-based destination refinement,
// stage-0 upstream selection, and bidirectional forwarding with half-close
// semantics.
package connectengine

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/fwlite/fwlite/internal/engine"
	"github.com/fwlite/fwlite/internal/ports"
	"github.com/fwlite/fwlite/internal/sni"
	"github.com/fwlite/fwlite/internal/upstream"
)

// peekWindow bounds how much of the client's first flight is inspected to
// classify plaintext HTTP vs TLS vs opaque, and to look for an SNI.
const peekWindow = 4096

// Handle services one CONNECT request. conn is the raw client connection;
// br is its buffered reader, already past the CONNECT request-line and
// headers.
func Handle(ctx context.Context, e *engine.Engine, conn net.Conn, br *bufio.Reader, target string, level int) {
	connID := engine.ConnIDFromContext(ctx)
	if e.Metrics != nil {
		e.Metrics.IncRequest(level)
	}

	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return
	}

	// Step 1: reply 200 immediately, before any upstream is opened.
	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n")); err != nil {
		return
	}

	// Step 2: peek early client bytes to classify the tunnel payload.
	_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	peeked, _ := br.Peek(peekWindow)
	peeked = append([]byte(nil), peeked...)
	_ = conn.SetReadDeadline(time.Time{})

	if port == 80 && looksLikeHTTPMethod(peeked) {
		// Plaintext HTTP inside CONNECT: re-dispatch to the request
		// engine on the same buffered stream. None of the peeked bytes
		// are consumed here; br still owns them.
		e.ServeConnectionReader(ctx, conn, br, level)
		return
	}

	destHost := host
	if sni.LooksLikeClientHello(peeked) {
		if name, err := sni.ExtractServerName(peeked); err == nil && name != "" {
			destHost = name
		}
	}

	// Consume what was peeked; it becomes the seed of the replay buffer
	// that gets written to whichever upstream is selected below.
	discard(br, len(peeked))
	replay := engine.NewBoundedBuffer(e.Cfg.RetryCeiling)
	replay.Append(peeked)

	info := ports.RequestInfo{
		Method:      "CONNECT",
		TargetURL:   target,
		Host:        destHost,
		ListenLevel: level,
		ClientAddr:  conn.RemoteAddr(),
	}

	if e.Resolver != nil {
		verdict, err := e.Resolver.Redirect(ctx, info)
		if err == nil {
			// reset/adblock/return all mean "silently drop" for CONNECT.
			switch verdict.Control {
			case "reset", "adblock", "return":
				return
			}
			if verdict.Status != 0 || verdict.Location != "" {
				return
			}
			info.ForcedUpstreams = verdict.ForcedUpstreams
		}
	}

	runConnectLoop(ctx, e, conn, br, destHost, port, replay, info, connID)
}

func looksLikeHTTPMethod(b []byte) bool {
	s := string(b)
	for _, m := range []string{"GET ", "POST", "PUT ", "HEAD", "DELE", "OPTI"} {
		if strings.HasPrefix(s, m) {
			return true
		}
	}
	return false
}

// discard advances br past n already-peeked bytes.
func discard(br *bufio.Reader, n int) {
	if n <= 0 {
		return
	}
	buf := make([]byte, n)
	_, _ = br.Read(buf)
}

// runConnectLoop drives upstream selection with exponential backoff,
// early-byte replay, stage-0 select, and transition to forwarding.
func runConnectLoop(ctx context.Context, e *engine.Engine, conn net.Conn, br *bufio.Reader, destHost string, destPort int, replay *engine.BoundedBuffer, info ports.RequestInfo, connID string) {
	destHostport := net.JoinHostPort(destHost, strconv.Itoa(destPort))
	var tried []string

	if e.Resolver == nil {
		return
	}

	// replay is seeded once from the stage-1 peek and only ever shrinks
	// (Reset on a successful stage-0 select); bytes the client sends after
	// that peek are never appended here, so a first flight larger than
	// peekWindow only replays its first peekWindow bytes on retry. Fine
	// for a ClientHello-sized flight; a client that free-runs well past
	// peekWindow before the first upstream attempt fails would lose the
	// tail on replay.
	for attempt := 0; attempt < e.Cfg.MaxRetries; attempt++ {
		candidates, err := e.Resolver.GetProxy(ctx, info, tried)
		if err != nil || len(candidates) == 0 {
			return
		}
		up := candidates[0]

		timeout := attemptTimeout(e, up, attempt)
		start := time.Now()
		upConn, err := e.Connector.Connect(ctx, destHostport, up, upstream.Tunnel, timeout, 0)
		if err != nil {
			notifyFailure(e, up.Name)
			tried = append(tried, up.Name)
			continue
		}

		if replay.Len() > 0 {
			if _, err := upConn.Write(replay.Bytes()); err != nil {
				upConn.Close()
				notifyFailure(e, up.Name)
				tried = append(tried, up.Name)
				continue
			}
		}

		firstBytes, ok := stage0Select(upConn, e.Cfg.BaseTimeout*e.Cfg.Stage0Factor)
		if !ok {
			upConn.Close()
			notifyFailure(e, up.Name)
			tried = append(tried, up.Name)
			continue
		}

		e.Resolver.Notify(up.Name, time.Since(start), true)
		if e.Log != nil {
			e.Log.Debug("tunnel established", "conn_id", connID, "upstream", up.Name, "dest", destHostport)
		}
		replay.Reset()
		if len(firstBytes) > 0 {
			if _, err := conn.Write(firstBytes); err != nil {
				upConn.Close()
				return
			}
		}
		forward(conn, upConn, e.Cfg.IdleTimeout)
		upConn.Close()
		return
	}
}

func notifyFailure(e *engine.Engine, upstreamName string) {
	if e.Resolver != nil {
		e.Resolver.Notify(upstreamName, 10*time.Second, false)
	}
	if e.Metrics != nil {
		e.Metrics.IncUpstreamError(upstreamName)
	}
}

func attemptTimeout(e *engine.Engine, up *upstream.Descriptor, attempt int) time.Duration {
	if up.Scheme == upstream.SchemeDirect {
		return e.Cfg.BaseTimeout
	}
	backoff := e.Cfg.BaseTimeout + (time.Duration(1<<uint(attempt))-1)*time.Second
	if backoff > e.Cfg.MaxTimeout {
		return e.Cfg.MaxTimeout
	}
	return backoff
}

// stage0Select waits up to timeout for the upstream to produce its first
// bytes, confirming the tunnel is actually live before the client is
// committed to it. The bytes read are returned so the caller can relay them
// on to the client before the forwarding pump takes over the connection.
func stage0Select(upConn net.Conn, timeout time.Duration) ([]byte, bool) {
	_ = upConn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 32*1024)
	n, err := upConn.Read(buf)
	_ = upConn.SetReadDeadline(time.Time{})
	if err != nil && n == 0 {
		return nil, false
	}
	return buf[:n], true
}

// forward pumps bytes bidirectionally between client and upstream with
// half-close semantics: when one side returns EOF, the other side's write
// half is shut down; the pump exits when both directions are done or the
// idle timeout fires. The upstream socket is never returned to the
// keep-alive pool afterward.
func forward(client, upstreamConn net.Conn, idleTimeout time.Duration) {
	done := make(chan struct{}, 2)

	pump := func(dst, src net.Conn) {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 32*1024)
		for {
			_ = src.SetReadDeadline(time.Now().Add(idleTimeout))
			n, err := src.Read(buf)
			if n > 0 {
				if _, werr := dst.Write(buf[:n]); werr != nil {
					break
				}
			}
			if err != nil {
				break
			}
		}
		if tc, ok := dst.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		} else if th, ok := dst.(interface{ CloseWrite() error }); ok {
			_ = th.CloseWrite()
		}
	}

	go pump(upstreamConn, client)
	go pump(client, upstreamConn)

	<-done
	<-done
}
