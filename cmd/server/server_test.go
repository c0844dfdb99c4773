package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/insight-collector/pkg/config"
	"github.com/insight-collector/pkg/metrics"
)

type fakeQueries struct {
	running bool
	view    map[string]map[string]any
}

func (f *fakeQueries) Queries() map[string]map[string]any { return f.view }
func (f *fakeQueries) Running() bool                      { return f.running }

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		Addr:         "127.0.0.1:0",
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		IdleTimeout:  time.Second,
	}
}

func newTestServer(t *testing.T, cfg config.ServerConfig, q Queries) (*Server, metrics.Registers) {
	t.Helper()
	reg := metrics.NewPromRegistry(nil)
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "insight_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	return NewHTTPServer(cfg, zaptest.NewLogger(t), reg, q), reg
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestEndpoints(t *testing.T) {
	q := &fakeQueries{running: true, view: map[string]map[string]any{
		"cpu": nil,
		"mem": {"unit": "bytes"},
	}}
	s, _ := newTestServer(t, testServerConfig(), q)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/ready").Code)

	rec = do(t, h, http.MethodGet, "/queries")
	require.Equal(t, http.StatusOK, rec.Code)
	var view map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, q.view, view)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodPost, "/queries").Code)

	rec = do(t, h, http.MethodGet, "/metrics")
	assert.Contains(t, rec.Body.String(), "insight_test_total 1")

	rec = do(t, h, http.MethodGet, "/")
	assert.Contains(t, rec.Body.String(), "<code>2</code>")
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/nope").Code)

	q.running = false
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/ready").Code)
}

func TestRequestIDPropagated(t *testing.T) {
	s, _ := newTestServer(t, testServerConfig(), nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
}

func TestRateLimit(t *testing.T) {
	cfg := testServerConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 2
	s, _ := newTestServer(t, cfg, nil)
	h := s.Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodGet, "/health").Code)
}

func TestStartAndShutdown(t *testing.T) {
	s, _ := newTestServer(t, testServerConfig(), &fakeQueries{running: true})
	require.NoError(t, s.Start())

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "OK", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}
