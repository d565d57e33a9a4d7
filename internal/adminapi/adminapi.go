// Package adminapi implements the self-addressed administrative surface:
// JSON routes for rule/upstream management (/api/localrule, /api/parent,
// /api/gfwlist, /api/autoupdate), plus /metrics (prometheus/client_golang)
// and a /pac proxy-auto-config endpoint. There are no /api/redirector or
// /api/remotedns routes; requests to them get 404.
package adminapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fwlite/fwlite/internal/ruleset"
	"github.com/fwlite/fwlite/internal/upstream"
)

// maxAPIBody caps admin API POST bodies at 100KiB.
const maxAPIBody = 100 * 1024

// ParentList is the subset of upstream configuration the /api/parent routes
// need: list, add, and remove named upstreams.
type ParentList interface {
	List() []*upstream.Descriptor
	Add(d *upstream.Descriptor)
	Remove(name string)
}

// Toggles holds the boolean feature flags exposed at /api/gfwlist and
// /api/autoupdate.
type Toggles struct {
	GFWList    bool
	AutoUpdate bool
}

// Metrics are the Prometheus counters exposed at /metrics.
type Metrics struct {
	RequestsTotal  *prometheus.CounterVec
	UpstreamErrors *prometheus.CounterVec
	ActiveTunnels  prometheus.Gauge
}

// IncRequest implements engine.Metrics.
func (m *Metrics) IncRequest(level int) {
	m.RequestsTotal.WithLabelValues(strconv.Itoa(level)).Inc()
}

// IncUpstreamError implements engine.Metrics.
func (m *Metrics) IncUpstreamError(upstreamName string) {
	m.UpstreamErrors.WithLabelValues(upstreamName).Inc()
}

// NewMetrics registers and returns a fresh Metrics set against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fwlite_requests_total",
			Help: "Total requests handled, by listener level.",
		}, []string{"level"}),
		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fwlite_upstream_errors_total",
			Help: "Total upstream connect/forward failures, by upstream name.",
		}, []string{"upstream"}),
		ActiveTunnels: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fwlite_active_connect_tunnels",
			Help: "Number of CONNECT tunnels currently forwarding.",
		}),
	}
}

// Handler is the admin API's http.Handler, mounted at the engine's
// self-addressed-request dispatch point.
type Handler struct {
	Rules    *ruleset.Store
	Parents  ParentList
	Toggles  *Toggles
	Ports    []int // for /pac
	Registry *prometheus.Registry
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/metrics":
		promhttp.HandlerFor(h.Registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	case r.URL.Path == "/pac":
		h.servePAC(w, r)
	case r.URL.Path == "/":
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "Hello World !")
	case strings.HasPrefix(r.URL.Path, "/api/"):
		h.serveAPI(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) serveAPI(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if r.ContentLength > maxAPIBody {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}
	if r.Body != nil {
		b, err := io.ReadAll(io.LimitReader(r.Body, maxAPIBody+1))
		if err != nil {
			http.Error(w, "read error", http.StatusBadRequest)
			return
		}
		if len(b) > maxAPIBody {
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
			return
		}
		body = b
	}

	switch {
	case r.URL.Path == "/api/localrule" && r.Method == http.MethodGet:
		h.getLocalRules(w)
	case r.URL.Path == "/api/localrule" && r.Method == http.MethodPost:
		h.postLocalRule(w, body)
	case strings.HasPrefix(r.URL.Path, "/api/localrule/") && r.Method == http.MethodDelete:
		h.deleteLocalRule(w, strings.TrimPrefix(r.URL.Path, "/api/localrule/"))
	case r.URL.Path == "/api/parent" && r.Method == http.MethodGet:
		h.getParents(w)
	case r.URL.Path == "/api/parent" && r.Method == http.MethodPost:
		h.postParent(w, body)
	case strings.HasPrefix(r.URL.Path, "/api/parent/") && r.Method == http.MethodDelete:
		h.deleteParent(w, strings.TrimPrefix(r.URL.Path, "/api/parent/"))
	case r.URL.Path == "/api/gfwlist" && r.Method == http.MethodGet:
		writeJSON(w, h.Toggles.GFWList)
	case r.URL.Path == "/api/gfwlist" && r.Method == http.MethodPost:
		h.setToggle(w, body, &h.Toggles.GFWList)
	case r.URL.Path == "/api/autoupdate" && r.Method == http.MethodGet:
		writeJSON(w, h.Toggles.AutoUpdate)
	case r.URL.Path == "/api/autoupdate" && r.Method == http.MethodPost:
		h.setToggle(w, body, &h.Toggles.AutoUpdate)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) getLocalRules(w http.ResponseWriter) {
	rules := h.Rules.List()
	out := make([][2]any, 0, len(rules))
	for _, r := range rules {
		exp := int64(0)
		if !r.Expire.IsZero() {
			exp = r.Expire.Unix()
		}
		out = append(out, [2]any{r.Pattern, exp})
	}
	writeJSON(w, out)
}

func (h *Handler) postLocalRule(w http.ResponseWriter, body []byte) {
	var in [2]any
	if err := json.Unmarshal(body, &in); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	pattern, _ := in[0].(string)
	ttl, _ := in[1].(float64)
	if pattern == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.Rules.AddTemp(pattern, int(ttl))
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) deleteLocalRule(w http.ResponseWriter, encoded string) {
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		http.Error(w, "bad rule id", http.StatusNotFound)
		return
	}
	pattern := string(raw)
	exp := h.Rules.Remove(pattern)
	expUnix := int64(0)
	if !exp.IsZero() {
		expUnix = exp.Unix()
	}
	writeJSON(w, [2]any{pattern, expUnix})
}

func (h *Handler) getParents(w http.ResponseWriter) {
	ups := h.Parents.List()
	out := make([][3]any, 0, len(ups))
	for _, u := range ups {
		addr := ""
		if u.Scheme != upstream.SchemeDirect {
			addr = fmt.Sprintf("%s://%s:%d", u.Scheme, u.Host, u.Port)
		}
		out = append(out, [3]any{u.Name, addr, u.Priority})
	}
	writeJSON(w, out)
}

func (h *Handler) postParent(w http.ResponseWriter, body []byte) {
	var in [2]string
	if err := json.Unmarshal(body, &in); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	name, uri := in[0], in[1]
	d, err := parseUpstreamURI(name, uri)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.Parents.Add(d)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) deleteParent(w http.ResponseWriter, name string) {
	h.Parents.Remove(name)
	writeJSON(w, name)
}

func (h *Handler) setToggle(w http.ResponseWriter, body []byte, flag *bool) {
	var v bool
	if err := json.Unmarshal(body, &v); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	*flag = v
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// parseUpstreamURI parses the scheme://[user:pass@]host:port form the
// original's /api/parent POST body carries (e.g. "http://host:8080",
// "ss://user:pass@host:8388", or "" for a direct entry).
func parseUpstreamURI(name, uri string) (*upstream.Descriptor, error) {
	if uri == "" {
		return &upstream.Descriptor{Name: name, Scheme: upstream.SchemeDirect}, nil
	}
	schemeSep := strings.Index(uri, "://")
	if schemeSep < 0 {
		return nil, fmt.Errorf("adminapi: malformed upstream uri %q", uri)
	}
	scheme := upstream.Scheme(uri[:schemeSep])
	rest := uri[schemeSep+3:]

	var user, pass string
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		cred := rest[:at]
		rest = rest[at+1:]
		if colon := strings.Index(cred, ":"); colon >= 0 {
			user, pass = cred[:colon], cred[colon+1:]
		} else {
			user = cred
		}
	}

	host, portStr, err := splitHostPortDefault(rest, scheme)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("adminapi: invalid port in %q: %w", uri, err)
	}

	return &upstream.Descriptor{
		Name:     name,
		Scheme:   scheme,
		Host:     host,
		Port:     port,
		Username: user,
		Password: pass,
	}, nil
}

func splitHostPortDefault(hostport string, scheme upstream.Scheme) (string, string, error) {
	if idx := strings.LastIndex(hostport, ":"); idx >= 0 {
		return hostport[:idx], hostport[idx+1:], nil
	}
	defaults := map[upstream.Scheme]string{
		upstream.SchemeHTTP:   "8080",
		upstream.SchemeHTTPS:  "8443",
		upstream.SchemeSOCKS4: "1080",
		upstream.SchemeSOCKS5: "1080",
		upstream.SchemeShadow: "8388",
	}
	if d, ok := defaults[scheme]; ok {
		return hostport, d, nil
	}
	return "", "", fmt.Errorf("adminapi: no default port for scheme %q", scheme)
}

// servePAC renders a minimal proxy-auto-config script pointing at the first
// of this process's listener ports (8123 when Ports is empty).
func (h *Handler) servePAC(w http.ResponseWriter, r *http.Request) {
	port := 8123
	if len(h.Ports) > 0 {
		port = h.Ports[0]
	}
	w.Header().Set("Content-Type", "application/x-ns-proxy-autoconfig")
	fmt.Fprintf(w, "function FindProxyForURL(url, host) {\n  return \"PROXY 127.0.0.1:%s; DIRECT\";\n}\n", strconv.Itoa(port))
}
