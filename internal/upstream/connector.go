package upstream

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	netproxy "golang.org/x/net/proxy"

	"github.com/fwlite/fwlite/internal/shadow"
)

// TunnelMode selects whether an HTTP-family upstream should issue CONNECT
// (tunnel mode, used by the CONNECT engine) or forward an absolute-form
// request line (used by the request engine for every non-CONNECT request).
type TunnelMode bool

const (
	Tunnel    TunnelMode = true
	NoTunnel  TunnelMode = false
)

// Connector dials upstreams.
type Connector struct {
	// IPOverride, when set, is consulted for SchemeDirect connections:
	// the connector attempts the supplied addresses in order instead of
	// resolving destination.Host itself.
	IPOverride map[string][]net.IP
}

// Connect returns a connected stream suitable for the chosen upstream's
// payload protocol. destHostport is the final destination (e.g.
// "example.test:443"); up is the chosen upstream descriptor; tunnel
// selects CONNECT vs absolute-form for HTTP-family upstreams.
func (c *Connector) Connect(ctx context.Context, destHostport string, up *Descriptor, tunnel TunnelMode, connectTimeout, readTimeout time.Duration) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	var (
		conn net.Conn
		err  error
	)

	switch up.Scheme {
	case SchemeDirect:
		conn, err = c.connectDirect(dctx, destHostport, connectTimeout)
	case SchemeHTTP, SchemeHTTPS:
		conn, err = c.connectViaHTTPProxy(dctx, up, destHostport, connectTimeout, bool(tunnel))
	case SchemeSOCKS4:
		conn, err = c.connectViaSOCKS4Proxy(dctx, up, destHostport, connectTimeout)
	case SchemeSOCKS5:
		conn, err = c.connectViaSOCKS5Proxy(up, destHostport, connectTimeout)
	case SchemeShadow:
		conn, err = shadow.Dial(dctx, up.Addr(), destHostport, up.ShadowCipherKey, connectTimeout)
	default:
		return nil, fmt.Errorf("upstream: unknown scheme %q", up.Scheme)
	}
	if err != nil {
		return nil, err
	}

	if readTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(readTimeout))
	}
	return conn, nil
}

func (c *Connector) connectDirect(ctx context.Context, destHostport string, timeout time.Duration) (net.Conn, error) {
	host, _, err := net.SplitHostPort(destHostport)
	if err != nil {
		return nil, fmt.Errorf("upstream: invalid destination %q: %w", destHostport, err)
	}
	dialer := &net.Dialer{Timeout: timeout}

	if ips, ok := c.IPOverride[host]; ok && len(ips) > 0 {
		_, port, _ := net.SplitHostPort(destHostport)
		var lastErr error
		for _, ip := range ips {
			conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, fmt.Errorf("upstream: all ip overrides failed for %s: %w", host, lastErr)
	}

	return dialer.DialContext(ctx, "tcp", destHostport)
}

// connectViaHTTPProxy dials an HTTP proxy upstream, optionally issuing a
// CONNECT handshake first. In NoTunnel mode the caller writes an
// absolute-form request line itself;
// this function only establishes the TCP connection to the proxy. No TLS is
// negotiated with the proxy, for SchemeHTTPS as well as SchemeHTTP.
func (c *Connector) connectViaHTTPProxy(ctx context.Context, up *Descriptor, destHostport string, timeout time.Duration, tunnel bool) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", up.Addr())
	if err != nil {
		return nil, fmt.Errorf("upstream: connect to http proxy %s: %w", up.Name, err)
	}

	if !tunnel {
		// Absolute-form requests are written by the request engine
		// directly onto this plain connection.
		return conn, nil
	}

	connectReq := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", destHostport, destHostport)
	if up.Username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(up.Username + ":" + up.Password))
		connectReq += "Proxy-Authorization: Basic " + auth + "\r\n"
	}
	connectReq += "\r\n"

	if _, err := conn.Write([]byte(connectReq)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("upstream: send CONNECT to %s: %w", up.Name, err)
	}

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("upstream: read CONNECT response from %s: %w", up.Name, err)
	}
	if !strings.Contains(statusLine, " 2") {
		conn.Close()
		return nil, fmt.Errorf("upstream: CONNECT to %s via %s failed: %s", destHostport, up.Name, strings.TrimSpace(statusLine))
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("upstream: read CONNECT headers from %s: %w", up.Name, err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	return conn, nil
}

// connectViaSOCKS4Proxy dials a SOCKS4 upstream using the raw byte protocol
// (no SOCKS4 support in golang.org/x/net/proxy).
func (c *Connector) connectViaSOCKS4Proxy(ctx context.Context, up *Descriptor, destHostport string, timeout time.Duration) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(destHostport)
	if err != nil {
		return nil, fmt.Errorf("upstream: invalid destination %q: %w", destHostport, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("upstream: invalid port %q: %w", portStr, err)
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("upstream: socks4 requires an ipv4 address for %s: %w", host, err)
	}
	targetIP := ips[0].To4()

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", up.Addr())
	if err != nil {
		return nil, fmt.Errorf("upstream: connect to socks4 proxy %s: %w", up.Name, err)
	}

	req := []byte{0x04, 0x01, byte(port >> 8), byte(port & 0xFF)}
	req = append(req, targetIP...)
	if up.Username != "" {
		req = append(req, []byte(up.Username)...)
	}
	req = append(req, 0x00)

	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("upstream: send socks4 request to %s: %w", up.Name, err)
	}

	resp := make([]byte, 8)
	if _, err := io.ReadFull(conn, resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("upstream: read socks4 response from %s: %w", up.Name, err)
	}
	if resp[1] != 0x5A {
		conn.Close()
		return nil, fmt.Errorf("upstream: socks4 request to %s rejected: status 0x%02X", up.Name, resp[1])
	}
	return conn, nil
}

// connectViaSOCKS5Proxy dials a SOCKS5 upstream using golang.org/x/net/proxy.
func (c *Connector) connectViaSOCKS5Proxy(up *Descriptor, destHostport string, timeout time.Duration) (net.Conn, error) {
	var auth *netproxy.Auth
	if up.Username != "" {
		auth = &netproxy.Auth{User: up.Username, Password: up.Password}
	}
	dialer, err := netproxy.SOCKS5("tcp", up.Addr(), auth, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("upstream: create socks5 dialer for %s: %w", up.Name, err)
	}
	conn, err := dialer.Dial("tcp", destHostport)
	if err != nil {
		return nil, fmt.Errorf("upstream: socks5 connect via %s: %w", up.Name, err)
	}
	return conn, nil
}
