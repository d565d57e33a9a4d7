package engine

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fwlite/fwlite/internal/errkind"
	"github.com/fwlite/fwlite/internal/pool"
	"github.com/fwlite/fwlite/internal/ports"
	"github.com/fwlite/fwlite/internal/upstream"
	"github.com/fwlite/fwlite/internal/wire"
)

// requestContext holds per-request state, discarded at request end.
type requestContext struct {
	method     string
	target     string
	version    string
	headers    *wire.Headers
	destHost   string
	destPort   int
	resolvedIP net.IP

	tried           []string
	forcedUpstreams []string
	replay          *BoundedBuffer
	retryable       bool

	level      int
	clientID   string // "ip:port" of the inbound client
	clientAddr net.Addr

	bodyLen int64
	hasLen  bool
	chunked bool

	expect100 bool
}

// ServeConnection processes requests serially off conn until a
// non-retryable error surfaces, Connection: close is negotiated, or the
// peer closes.
func (e *Engine) ServeConnection(ctx context.Context, conn net.Conn, level int) {
	defer conn.Close()
	e.ServeConnectionReader(ctx, conn, bufio.NewReader(conn), level)
}

// ServeConnectionReader is ServeConnection against an already-constructed
// reader, so the CONNECT engine can re-dispatch plaintext HTTP found inside
// a CONNECT tunnel onto the same buffered stream without losing
// already-peeked bytes. It does not close conn.
func (e *Engine) ServeConnectionReader(ctx context.Context, conn net.Conn, br *bufio.Reader, level int) {
	clientID := conn.RemoteAddr().String()
	connID := ConnIDFromContext(ctx)

	for {
		rl, err := wire.ReadRequestLine(br)
		if err != nil {
			return
		}

		if rl.Method == "CONNECT" {
			// The listener hands a connection whose first request is
			// CONNECT to the CONNECT engine; this loop only drives
			// non-CONNECT requests, so a CONNECT arriving here (for
			// example later on a keep-alive connection) ends the
			// connection.
			e.Log.Warn("unexpected CONNECT in request loop", "client", clientID, "conn_id", connID)
			return
		}

		headers, err := wire.ReadHeaders(br)
		if err != nil {
			e.Log.Debug("malformed headers", "client", clientID, "conn_id", connID, "err", err)
			return
		}

		rc := &requestContext{
			method:     rl.Method,
			target:     rl.Target,
			version:    rl.Version,
			headers:    headers,
			level:      level,
			clientID:   clientID,
			clientAddr: conn.RemoteAddr(),
			retryable:  true,
			replay:     NewBoundedBuffer(e.Cfg.RetryCeiling),
		}
		e.metricRequest(level)

		keepAlive, err := e.handleRequest(ctx, conn, br, rc)
		if err != nil {
			e.Log.Debug("request failed", "client", clientID, "conn_id", connID, "target", rc.target, "err", err)
		}
		if !keepAlive {
			return
		}
	}
}

// handleRequest runs the preamble, self-loop check, policy consultation,
// hop-by-hop scrubbing, and the forward/retry loop. It returns whether the
// connection should stay open for another request.
func (e *Engine) handleRequest(ctx context.Context, conn net.Conn, br *bufio.Reader, rc *requestContext) (bool, error) {
	if err := e.normalizeTarget(rc); err != nil {
		e.writeSimpleStatus(conn, rc.version, http.StatusBadRequest, "Bad Request")
		return false, err
	}

	if e.Resolver != nil {
		ip, err := e.resolveDest(ctx, rc.destHost)
		if err == nil {
			rc.resolvedIP = ip
			if e.isSelfAddressed(ip, rc.destPort) {
				return e.handleSelfAddressed(conn, rc)
			}
		}
	}

	e.scrubHopByHop(rc)

	if e.Resolver != nil {
		verdict, err := e.Resolver.Redirect(ctx, e.reqInfo(rc))
		if err == nil {
			if done, keepAlive := e.applyVerdict(conn, rc, verdict); done {
				return keepAlive, nil
			}
		}
	}

	return e.forwardLoop(ctx, conn, br, rc)
}

// normalizeTarget resolves the request target: absolute-form passthrough,
// origin-form-plus-Host promotion, the "http://http://x -> http://x"
// client-bug canonicalization, and the ftp:// rejection.
func (e *Engine) normalizeTarget(rc *requestContext) error {
	target := rc.target
	for strings.HasPrefix(target, "http://http://") {
		target = target[len("http://"):]
	}

	if strings.HasPrefix(target, "ftp://") {
		return errkind.Malform(fmt.Errorf("ftp scheme not supported"))
	}

	var u *url.URL
	var err error
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		u, err = url.Parse(target)
	} else {
		host := rc.headers.Get("Host")
		if host == "" {
			return errkind.Malform(fmt.Errorf("origin-form request without Host header"))
		}
		u, err = url.Parse("http://" + host + target)
	}
	if err != nil {
		return errkind.Malform(err)
	}

	host := u.Hostname()
	portStr := u.Port()
	if portStr == "" {
		if u.Scheme == "https" {
			portStr = "443"
		} else {
			portStr = "80"
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errkind.Malform(fmt.Errorf("invalid port in %q: %w", target, err))
	}

	rc.target = u.String()
	rc.destHost = host
	rc.destPort = port
	return nil
}

func (e *Engine) resolveDest(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	return e.DNS.Resolve(ctx, host)
}

// scrubHopByHop removes Proxy-Connection/Proxy-Authenticate, appends
// X-Forwarded-For, and overrides the Connection header default.
func (e *Engine) scrubHopByHop(rc *requestContext) {
	rc.headers.Del("Proxy-Connection")
	rc.headers.Del("Proxy-Authenticate")

	if host, _, err := net.SplitHostPort(rc.clientID); err == nil {
		if ip := net.ParseIP(host); ip != nil && !ip.IsLoopback() {
			rc.headers.Set("X-Forwarded-For", host)
		}
	}

	if up := rc.headers.Get("Upgrade"); up != "" {
		rc.headers.Set("Connection", "close")
		rc.retryable = false
		return
	}

	conn := rc.headers.Get("Connection")
	rc.chunked = rc.headers.IsChunked()
	if n, ok, err := rc.headers.ContentLength(); ok && err == nil {
		rc.hasLen = true
		rc.bodyLen = n
	}
	rc.expect100 = strings.EqualFold(rc.headers.Get("Expect"), "100-continue")

	if conn == "" {
		rc.headers.Set("Connection", "keep-alive")
	}
}

func (e *Engine) reqInfo(rc *requestContext) ports.RequestInfo {
	return ports.RequestInfo{
		Method:          rc.method,
		TargetURL:       rc.target,
		Host:            rc.destHost,
		ResolvedIP:      rc.resolvedIP,
		ListenLevel:     rc.level,
		ClientAddr:      rc.clientAddr,
		ForcedUpstreams: rc.forcedUpstreams,
	}
}

// applyVerdict applies a policy.Redirect outcome, writing a direct response
// if one is called for. done reports whether the request is fully
// handled; keepAlive reports whether the connection should stay open.
func (e *Engine) applyVerdict(conn net.Conn, rc *requestContext, v ports.RedirectVerdict) (done, keepAlive bool) {
	switch v.Control {
	case "reset":
		return true, false
	case "adblock":
		e.writeGIF(conn, rc.version)
		return true, true
	case "return":
		// The policy engine has already fully handled this request (e.g.
		// logged and dropped it); it must not be forwarded upstream.
		return true, !strings.EqualFold(rc.headers.Get("Connection"), "close") && e.http10Keeps(rc)
	}
	if v.Location != "" {
		e.writeRedirect(conn, rc.version, v.Location)
		return true, true
	}
	if v.Status != 0 {
		e.writeSimpleStatus(conn, rc.version, v.Status, http.StatusText(v.Status))
		return true, true
	}
	if len(v.ForcedUpstreams) > 0 {
		// Stash the forced upstreams on the context; forwardLoop passes
		// them to GetProxy through reqInfo's ForcedUpstreams field.
		rc.forcedUpstreams = v.ForcedUpstreams
	}
	return false, false
}

func (e *Engine) writeSimpleStatus(conn net.Conn, version string, status int, reason string) {
	body := reason
	wire.WriteStatusLine(conn, wire.StatusLine{Version: version, Code: status, Reason: reason})
	h := &wire.Headers{}
	h.Set("Server", ServerBanner)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Connection", "close")
	wire.WriteHeaders(conn, h)
	conn.Write([]byte(body))
}

func (e *Engine) writeRedirect(conn net.Conn, version, location string) {
	wire.WriteStatusLine(conn, wire.StatusLine{Version: version, Code: http.StatusFound, Reason: "Found"})
	h := &wire.Headers{}
	h.Set("Server", ServerBanner)
	h.Set("Location", location)
	h.Set("Content-Length", "0")
	wire.WriteHeaders(conn, h)
}

func (e *Engine) writeGIF(conn net.Conn, version string) {
	wire.WriteStatusLine(conn, wire.StatusLine{Version: version, Code: http.StatusOK, Reason: "OK"})
	h := &wire.Headers{}
	h.Set("Server", ServerBanner)
	h.Set("Content-Type", "image/gif")
	h.Set("Content-Length", strconv.Itoa(len(gif89a1x1)))
	wire.WriteHeaders(conn, h)
	conn.Write(gif89a1x1)
}

// forwardLoop drives upstream selection, dial, send, and response relay
// with retry and failure classification, up to Cfg.MaxRetries iterations
// (the safety-stop cap).
func (e *Engine) forwardLoop(ctx context.Context, conn net.Conn, br *bufio.Reader, rc *requestContext) (bool, error) {
	var upConn net.Conn
	var pooled bool
	headersCommitted := false

	defer func() {
		if upConn != nil && !pooled {
			upConn.Close()
		}
	}()

	for attempt := 0; attempt < e.Cfg.MaxRetries; attempt++ {
		if upConn != nil {
			upConn.Close()
			upConn = nil
		}

		if !rc.retryable && attempt > 0 {
			// If no response bytes were ever committed, this is a
			// silent drop, not a synthesized 504.
			return false, errkind.Exhausted(rc.destHost)
		}

		// ForcedUpstreams (policy.redirect's whitespace-separated
		// upstream-name list) is threaded through as part of the
		// request info the policy engine consults; GetProxy is
		// expected to honor it ahead of its own ranking when present.
		candidates, err := e.Resolver.GetProxy(ctx, e.reqInfo(rc), rc.tried)
		if err != nil || len(candidates) == 0 {
			if headersCommitted {
				return false, errkind.Exhausted(rc.destHost)
			}
			e.writeSimpleStatus(conn, rc.version, http.StatusGatewayTimeout, "Gateway Timeout")
			return false, errkind.Exhausted(rc.destHost)
		}
		up := candidates[0]

		timeout := e.attemptTimeout(up, attempt)
		key := pool.Key{ClientIdentity: rc.clientID, DestHostport: net.JoinHostPort(rc.destHost, strconv.Itoa(rc.destPort))}

		if attempt == 0 {
			if entry, ok := e.Pool.Take(key); ok {
				upConn = entry.Conn
				pooled = true
			}
		}
		if upConn == nil {
			conn2, derr := e.Connector.Connect(ctx, net.JoinHostPort(rc.destHost, strconv.Itoa(rc.destPort)), up, upstream.NoTunnel, timeout, timeout)
			if derr != nil {
				e.notify(up, 10*time.Second, false)
				rc.tried = append(rc.tried, up.Name)
				continue
			}
			upConn = conn2
			pooled = false
		}

		ubr := bufio.NewReader(upConn)
		start := time.Now()
		preludeSL, preludeHeaders, err := e.sendUpstreamRequest(conn, upConn, ubr, br, rc, up)
		if err != nil {
			if errkind.Is(err, errkind.ClientError) {
				return false, err
			}
			e.notify(up, 10*time.Second, false)
			rc.tried = append(rc.tried, up.Name)
			continue
		}

		var status int
		var respHeaders *wire.Headers
		if preludeSL != nil {
			// Expect: 100-continue got a non-100 final response before any
			// body was uploaded; that prelude *is* the response.
			status, respHeaders = preludeSL.Code, preludeHeaders
		} else {
			status, respHeaders, err = e.readUpstreamResponse(ubr)
			if err != nil {
				e.notify(up, 10*time.Second, false)
				rc.tried = append(rc.tried, up.Name)
				continue
			}
		}

		if (status == 301 || status == 302) && e.Resolver.Bad302(respHeaders.Get("Location")) {
			e.notify(up, 10*time.Second, false)
			rc.tried = append(rc.tried, up.Name)
			continue
		}

		latency := time.Since(start)
		stage := newStagingWriter(conn)
		wire.WriteStatusLine(stage, wire.StatusLine{Version: rc.version, Code: status, Reason: http.StatusText(status)})
		respHeaders.Set("Server", ServerBanner)
		wire.WriteHeaders(stage, respHeaders)
		if err := stage.Commit(); err != nil {
			return false, errkind.Client(err)
		}
		headersCommitted = true
		rc.retryable = false

		if err := e.streamResponseBody(conn, ubr, rc, status, respHeaders); err != nil {
			upConn.Close()
			upConn = nil
			return false, err
		}

		e.notify(up, latency, true)

		keepClient := !strings.EqualFold(rc.headers.Get("Connection"), "close") && e.http10Keeps(rc)
		keepUpstream := !strings.EqualFold(respHeaders.Get("Connection"), "close")
		if keepClient && keepUpstream {
			e.Pool.Put(key, upConn, up.Name)
			upConn = nil
			pooled = true
		}
		return keepClient, nil
	}

	// Safety stop: resolved as a silent drop rather than a synthesized 504.
	e.Log.Error("retry safety stop exceeded", "client", rc.clientID, "conn_id", ConnIDFromContext(ctx), "target", rc.destHost)
	return false, errkind.Exhausted(rc.destHost)
}

func (e *Engine) notify(up *upstream.Descriptor, latency time.Duration, success bool) {
	if e.Resolver != nil {
		e.Resolver.Notify(up.Name, latency, success)
	}
	if !success {
		e.metricUpstreamError(up.Name)
	}
}

// http10Keeps implements the HTTP/1.0 keep-alive check. Note the
// underscore in "keep_alive" below — this has always checked the
// underscore form for HTTP/1.0 rather than the hyphenated "keep-alive"
// token used elsewhere; left as-is rather than silently changed.
func (e *Engine) http10Keeps(rc *requestContext) bool {
	if rc.version != "HTTP/1.0" {
		return true
	}
	return strings.Contains(strings.ToLower(rc.headers.Get("Connection")), "keep_alive")
}

// sendUpstreamRequest writes the request line, headers, and body to the
// upstream connection, rewriting the request line to absolute-form (with
// Proxy-Authorization) for HTTP-proxy upstreams or origin-form otherwise.
// Every client body byte is teed into the replay buffer until the retry
// ceiling is crossed.
//
// When the client sent Expect: 100-continue, the body is held back until
// the upstream's preliminary response is read off ubr: a 100 is relayed to
// conn (the client) and the body upload proceeds; any other status is the
// upstream's final answer, the body upload is skipped entirely, and that
// status/header pair is returned to the caller instead of nil so it isn't
// read a second time.
func (e *Engine) sendUpstreamRequest(conn, upConn net.Conn, ubr, br *bufio.Reader, rc *requestContext, up *upstream.Descriptor) (*wire.StatusLine, *wire.Headers, error) {
	var requestLine string
	switch up.Scheme {
	case upstream.SchemeHTTP, upstream.SchemeHTTPS:
		requestLine = fmt.Sprintf("%s %s %s\r\n", rc.method, rc.target, rc.version)
	default:
		path := rc.target
		if u, err := url.Parse(rc.target); err == nil {
			path = u.RequestURI()
		}
		requestLine = fmt.Sprintf("%s %s %s\r\n", rc.method, path, rc.version)
	}
	if _, err := upConn.Write([]byte(requestLine)); err != nil {
		return nil, nil, errkind.Transient(up.Name, err)
	}

	if (up.Scheme == upstream.SchemeHTTP || up.Scheme == upstream.SchemeHTTPS) && up.Username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(up.Username + ":" + up.Password))
		rc.headers.Set("Proxy-Authorization", "Basic "+auth)
	}

	if err := wire.WriteHeaders(upConn, rc.headers); err != nil {
		return nil, nil, errkind.Transient(up.Name, err)
	}

	if rc.expect100 {
		sl, err := wire.ReadStatusLine(ubr)
		if err != nil {
			return nil, nil, errkind.Transient(up.Name, err)
		}
		headers, err := wire.ReadHeaders(ubr)
		if err != nil {
			return nil, nil, errkind.Transient(up.Name, err)
		}
		if sl.Code != 100 {
			return &sl, headers, nil
		}
		if err := wire.WriteStatusLine(conn, sl); err != nil {
			return nil, nil, errkind.Client(err)
		}
		if err := wire.WriteHeaders(conn, headers); err != nil {
			return nil, nil, errkind.Client(err)
		}
	}

	tee := func(b []byte) {
		rc.replay.Append(b)
		if rc.replay.Exceeded() {
			rc.retryable = false
		}
	}

	switch {
	case rc.chunked:
		if err := wire.CopyChunked(upConn, br, tee); err != nil {
			return nil, nil, errkind.Transient(up.Name, err)
		}
	case rc.hasLen && rc.bodyLen > 0:
		if err := wire.CopyFixed(upConn, br, rc.bodyLen, tee); err != nil {
			return nil, nil, errkind.Transient(up.Name, err)
		}
	}
	return nil, nil, nil
}

// readUpstreamResponse reads the final status line (skipping interim 1xx;
// 101 Switching Protocols is final) and the response headers.
func (e *Engine) readUpstreamResponse(ubr *bufio.Reader) (int, *wire.Headers, error) {
	for {
		sl, err := wire.ReadStatusLine(ubr)
		if err != nil {
			return 0, nil, errkind.Transient("", err)
		}
		if sl.Code >= 100 && sl.Code < 200 && sl.Code != 101 {
			if _, err := wire.ReadHeaders(ubr); err != nil {
				return 0, nil, errkind.Transient("", err)
			}
			continue
		}
		headers, err := wire.ReadHeaders(ubr)
		if err != nil {
			return 0, nil, errkind.Transient("", err)
		}
		return sl.Code, headers, nil
	}
}

// streamResponseBody forwards the response body to the client using the
// same framing rules as the request body. HEAD and 204/205/304 responses
// carry no body regardless of any Content-Length header.
func (e *Engine) streamResponseBody(conn net.Conn, ubr *bufio.Reader, rc *requestContext, status int, h *wire.Headers) error {
	if rc.method == "HEAD" || status == 204 || status == 205 || status == 304 {
		return nil
	}
	switch {
	case h.IsChunked():
		if err := wire.CopyChunked(conn, ubr, nil); err != nil {
			return errkind.Client(err)
		}
	default:
		if n, ok, err := h.ContentLength(); ok && err == nil {
			if err := wire.CopyFixed(conn, ubr, n, nil); err != nil {
				return errkind.Client(err)
			}
		} else if err := wire.CopyUntilClose(conn, ubr, nil); err != nil {
			return errkind.Client(err)
		}
	}
	return nil
}
