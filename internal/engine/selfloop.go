package engine

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/fwlite/fwlite/internal/wire"
)

// handleSelfAddressed implements the self-addressed-request check: a
// request resolving to this process's own listener address is either
// served by the admin API (loopback client, or remote API enabled) or
// rejected with 403 — it is never forwarded to an upstream.
func (e *Engine) handleSelfAddressed(conn net.Conn, rc *requestContext) (bool, error) {
	clientHost, _, _ := net.SplitHostPort(rc.clientID)
	clientIP := net.ParseIP(clientHost)
	loopbackClient := clientIP != nil && clientIP.IsLoopback()

	if e.Admin == nil || (!loopbackClient && !e.Cfg.AdminRemote) {
		e.writeSimpleStatus(conn, rc.version, http.StatusForbidden, "Forbidden")
		return false, fmt.Errorf("self-addressed request rejected from %s", rc.clientID)
	}

	req, err := http.NewRequest(rc.method, rc.target, nil)
	if err != nil {
		e.writeSimpleStatus(conn, rc.version, http.StatusBadRequest, "Bad Request")
		return false, err
	}
	for _, f := range rc.headers.Fields() {
		req.Header.Add(f.Name, f.Value)
	}

	rec := e.dispatchAdmin(req)

	wire.WriteStatusLine(conn, wire.StatusLine{Version: rc.version, Code: rec.status, Reason: http.StatusText(rec.status)})
	h := &wire.Headers{}
	for name, values := range rec.header {
		for _, v := range values {
			h.Add(name, v)
		}
	}
	h.Set("Server", ServerBanner)
	h.Set("Content-Length", fmt.Sprint(rec.body.Len()))
	wire.WriteHeaders(conn, h)
	conn.Write(rec.body.Bytes())

	keepAlive := !strings.EqualFold(rc.headers.Get("Connection"), "close")
	return keepAlive, nil
}
