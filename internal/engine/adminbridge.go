package engine

import (
	"bytes"
	"net/http"
)

// recorder is a minimal http.ResponseWriter that captures a handler's
// output so it can be re-serialized onto the proxy's own wire format. This
// is production code's own small adapter, not a borrowed test helper:
// httptest.ResponseRecorder is for tests, not for bridging a long-lived
// server's internal HTTP mux onto a hand-rolled connection loop.
type recorder struct {
	status int
	header http.Header
	body   bytes.Buffer
}

func newRecorder() *recorder {
	return &recorder{status: http.StatusOK, header: make(http.Header)}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) Write(p []byte) (int, error) { return r.body.Write(p) }

func (r *recorder) WriteHeader(status int) { r.status = status }

// dispatchAdmin runs req through the engine's admin handler and returns the
// captured response. Called when the self-addressed-request check routes a
// request to the local administrative API.
func (e *Engine) dispatchAdmin(req *http.Request) *recorder {
	rec := newRecorder()
	e.Admin.ServeHTTP(rec, req)
	return rec
}
