// Package upstream implements the connector contract: given a destination
// and an upstream descriptor, return a connected stream ready for payload.
// The dialing idioms invert the usual "client dials out through a
// configured proxy" shape into "proxy dials out on a client's behalf".
package upstream

import "strconv"

// Scheme identifies the upstream's payload protocol.
type Scheme string

const (
	SchemeDirect Scheme = "direct"
	SchemeHTTP   Scheme = "http"
	SchemeHTTPS  Scheme = "https"
	SchemeSOCKS4 Scheme = "socks4"
	SchemeSOCKS5 Scheme = "socks5"
	SchemeShadow Scheme = "ss"
)

// Descriptor identifies one upstream. It is handled by pointer; the struct
// value itself is not comparable with == (it carries a byte slice).
type Descriptor struct {
	Name     string
	Scheme   Scheme
	Host     string
	Port     int
	Username string
	Password string
	Priority int

	// ShadowCipherKey is the pre-shared AEAD key for Scheme == ss,
	// derived the way shadowsocks derives it (see internal/shadow).
	ShadowCipherKey []byte

	// Feedback receives per-attempt latency/outcome notifications. May
	// be nil, in which case no feedback is reported.
	Feedback FeedbackSink
}

// FeedbackSink receives latency feedback for one upstream attempt. This is
// the same shape as ports.ProxyResolver.Notify so a Descriptor can carry a
// bound sink without importing the ports package (avoiding an import
// cycle: ports imports upstream for Descriptor).
type FeedbackSink interface {
	Notify(upstreamName string, latencyMillis int64, success bool)
}

// Addr returns the upstream's dial address as host:port.
func (d *Descriptor) Addr() string {
	if d == nil {
		return ""
	}
	return joinHostPort(d.Host, d.Port)
}

func joinHostPort(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}
