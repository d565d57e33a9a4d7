// Package ports declares the interfaces the request and CONNECT engines
// consume from external collaborators: the policy engine and the DNS
// resolver. No implementation lives here.
package ports

import (
	"context"
	"net"
	"time"

	"github.com/fwlite/fwlite/internal/upstream"
)

// RedirectVerdict is the outcome of a policy consultation before any
// upstream is contacted.
type RedirectVerdict struct {
	// Status, when non-zero, is returned to the client directly.
	Status int
	// Control is one of "", "return", "reset", "adblock".
	Control string
	// Location is set for a 3xx redirect verdict.
	Location string
	// ForcedUpstreams, when non-empty, are passed back to GetProxy via
	// RequestInfo.ForcedUpstreams so it can try them first, in order.
	ForcedUpstreams []string
}

// RequestInfo is the subset of an inbound request the policy engine needs
// to make redirect and upstream-selection decisions.
type RequestInfo struct {
	Method      string
	TargetURL   string
	Host        string
	ResolvedIP  net.IP
	ListenLevel int
	ClientAddr  net.Addr
	// ForcedUpstreams, when set, names the upstreams (in order) a prior
	// Redirect verdict required GetProxy to try first.
	ForcedUpstreams []string
}

// ProxyResolver is the policy engine port. Implementations decide upstream
// candidates, rewrite/block verdicts, and receive success/failure feedback.
type ProxyResolver interface {
	// Redirect returns a verdict to apply before any upstream is tried.
	Redirect(ctx context.Context, req RequestInfo) (RedirectVerdict, error)

	// GetProxy returns an ordered list of upstream candidates to try.
	GetProxy(ctx context.Context, req RequestInfo, failedUpstreams []string) ([]*upstream.Descriptor, error)

	// Notify reports the outcome of one attempt against an upstream.
	Notify(upstreamName string, latency time.Duration, success bool)

	// Bad302 reports whether a 301/302 Location should be treated as an
	// upstream failure. Its exact semantics are opaque policy internals;
	// this is a pure feedback hook.
	Bad302(location string) bool
}

// DNSResolver resolves a hostname to an IP, with loopback classification
// used by the self-addressed-request check.
type DNSResolver interface {
	Resolve(ctx context.Context, host string) (net.IP, error)
	IsLoopback(ip net.IP) bool
}
