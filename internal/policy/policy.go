// Package policy implements the default ports.ProxyResolver: upstream
// ranking by priority, local-rule-list consultation for the redirect
// verdict, and per-upstream latency/outcome feedback.
package policy

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/fwlite/fwlite/internal/ports"
	"github.com/fwlite/fwlite/internal/ruleset"
	"github.com/fwlite/fwlite/internal/upstream"
)

// Engine is a minimal ports.ProxyResolver: upstreams ranked by ascending
// Priority, with the local rule-list store consulted to force specific
// hosts to the first non-direct upstream.
type Engine struct {
	mu    sync.RWMutex
	ups   map[string]*upstream.Descriptor
	rules *ruleset.Store
}

// New returns an Engine with a direct upstream pre-registered.
func New(rules *ruleset.Store) *Engine {
	e := &Engine{ups: make(map[string]*upstream.Descriptor), rules: rules}
	e.Add(&upstream.Descriptor{Name: "direct", Scheme: upstream.SchemeDirect, Priority: 0})
	return e
}

// Add registers or replaces an upstream by name.
func (e *Engine) Add(d *upstream.Descriptor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ups[d.Name] = d
}

// Remove deletes an upstream by name. Removing "direct" is a no-op; every
// request path must always have a fallback.
func (e *Engine) Remove(name string) {
	if name == "direct" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.ups, name)
}

// List returns every registered upstream, for adminapi's GET /api/parent.
func (e *Engine) List() []*upstream.Descriptor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*upstream.Descriptor, 0, len(e.ups))
	for _, d := range e.ups {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Redirect implements ports.ProxyResolver.Redirect. A host matched by the
// local rule-list store is forced onto the highest-priority non-direct
// upstream via ForcedUpstreams, rather than being redirected outright —
// this engine carries no URL-rewrite rules of its own.
func (e *Engine) Redirect(ctx context.Context, req ports.RequestInfo) (ports.RedirectVerdict, error) {
	if e.rules != nil && e.rules.Matches(req.Host) {
		for _, d := range e.List() {
			if d.Scheme != upstream.SchemeDirect {
				return ports.RedirectVerdict{ForcedUpstreams: []string{d.Name}}, nil
			}
		}
	}
	return ports.RedirectVerdict{}, nil
}

// GetProxy implements ports.ProxyResolver.GetProxy. When req.ForcedUpstreams
// is set (from a prior Redirect verdict), those upstreams are tried first,
// in the order given; otherwise every registered upstream not already in
// failedUpstreams is returned in ascending priority order.
func (e *Engine) GetProxy(ctx context.Context, req ports.RequestInfo, failedUpstreams []string) ([]*upstream.Descriptor, error) {
	failed := make(map[string]bool, len(failedUpstreams))
	for _, n := range failedUpstreams {
		failed[n] = true
	}

	e.mu.RLock()
	byName := make(map[string]*upstream.Descriptor, len(e.ups))
	for k, v := range e.ups {
		byName[k] = v
	}
	e.mu.RUnlock()

	if len(req.ForcedUpstreams) > 0 {
		var out []*upstream.Descriptor
		for _, name := range req.ForcedUpstreams {
			if d, ok := byName[name]; ok && !failed[name] {
				out = append(out, d)
			}
		}
		if len(out) > 0 {
			return out, nil
		}
	}

	var out []*upstream.Descriptor
	for _, d := range e.List() {
		if !failed[d.Name] {
			out = append(out, d)
		}
	}
	return out, nil
}

// Notify implements ports.ProxyResolver.Notify. Feedback is forwarded to
// the upstream's own FeedbackSink, if it registered one; this engine keeps
// no separate latency history.
func (e *Engine) Notify(upstreamName string, latency time.Duration, success bool) {
	e.mu.RLock()
	d, ok := e.ups[upstreamName]
	e.mu.RUnlock()
	if ok && d.Feedback != nil {
		d.Feedback.Notify(upstreamName, latency.Milliseconds(), success)
	}
}

// Bad302 is an opaque policy hook with no concrete semantics defined yet;
// this implementation always returns false (never treat a redirect as a
// failure), the conservative default.
func (e *Engine) Bad302(location string) bool {
	return false
}

// DNS is a minimal ports.DNSResolver using the stdlib resolver.
type DNS struct{}

func (DNS) Resolve(ctx context.Context, host string) (net.IP, error) {
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil || len(ips) == 0 {
		return nil, err
	}
	return ips[0], nil
}

func (DNS) IsLoopback(ip net.IP) bool {
	return ip != nil && ip.IsLoopback()
}
