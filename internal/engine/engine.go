package engine

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/fwlite/fwlite/internal/pool"
	"github.com/fwlite/fwlite/internal/ports"
	"github.com/fwlite/fwlite/internal/upstream"
)

// ServerBanner is sent in every response's Server header.
const ServerBanner = "FW-Lite/1.0"

// gif89a1x1 is the 43-byte transparent 1x1 GIF returned for the adblock
// policy verdict.
var gif89a1x1 = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Config carries the timeout/limit knobs for the request and CONNECT
// engines.
type Config struct {
	PoolDepth     int
	RetryCeiling  int // bytes; the replay/staging buffer ceiling
	BaseTimeout   time.Duration
	MaxTimeout    time.Duration // cap on exponential backoff
	IdleTimeout   time.Duration // CONNECT forwarding idle timeout
	Stage0Factor  time.Duration // multiplier on BaseTimeout for CONNECT stage-0
	MaxRetries    int
	AdminRemote   bool // serve admin API to non-loopback clients
	// ListenerPorts lists every port this process is bound to, used by
	// the self-addressed-request check.
	ListenerPorts map[int]bool
}

// Metrics receives per-request/per-upstream counts. Implementations are
// expected to be safe for concurrent use; a nil Metrics disables counting.
type Metrics interface {
	IncRequest(level int)
	IncUpstreamError(upstreamName string)
}

// Engine is the per-process shared state every connection goroutine reads:
// the pool, connector, and policy engine are safe for concurrent use.
type Engine struct {
	Cfg       Config
	Pool      *pool.Pool
	Connector *upstream.Connector
	Resolver  ports.ProxyResolver
	DNS       ports.DNSResolver
	Admin     http.Handler // nil disables the admin API
	Metrics   Metrics      // nil disables counting
	Log       *slog.Logger
}

// New builds an Engine. If cfg.PoolDepth is unset, pool.DefaultDepth
// applies (pool.New's own default).
func New(cfg Config, resolver ports.ProxyResolver, dns ports.DNSResolver, admin http.Handler, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		Cfg:       cfg,
		Pool:      pool.New(cfg.PoolDepth),
		Connector: &upstream.Connector{},
		Resolver:  resolver,
		DNS:       dns,
		Admin:     admin,
		Log:       log,
	}
}

// metricRequest records one handled request, if Metrics is wired.
func (e *Engine) metricRequest(level int) {
	if e.Metrics != nil {
		e.Metrics.IncRequest(level)
	}
}

// metricUpstreamError records one failed upstream attempt, if Metrics is
// wired.
func (e *Engine) metricUpstreamError(upstreamName string) {
	if e.Metrics != nil {
		e.Metrics.IncUpstreamError(upstreamName)
	}
}

// attemptTimeout computes the per-attempt connect/read timeout for
// upstream up at the given 0-based attempt index: direct upstreams use the
// flat base timeout; others back off exponentially, capped at MaxTimeout.
func (e *Engine) attemptTimeout(up *upstream.Descriptor, attempt int) time.Duration {
	if up.Scheme == upstream.SchemeDirect {
		return e.Cfg.BaseTimeout
	}
	backoff := e.Cfg.BaseTimeout + (time.Duration(1<<uint(attempt))-1)*time.Second
	if backoff > e.Cfg.MaxTimeout {
		return e.Cfg.MaxTimeout
	}
	return backoff
}

// isSelfAddressed reports whether destHostport names one of this process's
// own listener addresses. resolvedIP is nil only if a caller skips DNS
// resolution; handleRequest always calls this after a successful resolve,
// so the nil-is-self-addressed fallback never actually triggers today.
func (e *Engine) isSelfAddressed(resolvedIP net.IP, port int) bool {
	if !e.Cfg.ListenerPorts[port] {
		return false
	}
	return e.DNS.IsLoopback(resolvedIP) || resolvedIP == nil
}
