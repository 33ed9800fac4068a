package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rtsup "proxybot/internal/runtime/supervisor"
	logx "proxybot/pkg/logx"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	s := New(Config{}, prometheus.NewRegistry(), logx.Nop())
	s.AddCheck("store", func(context.Context) error { return nil })

	sup := rtsup.NewSupervisor(context.Background())
	t.Cleanup(sup.Cancel)
	sup.Go0("idle", func(ctx context.Context) { <-ctx.Done() })
	s.Watch("transport", sup)

	rec := get(t, s.Handler(false), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	var rep healthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, "ok", rep.Status)
	assert.Equal(t, "ok", rep.Checks["store"])
	assert.Contains(t, rep.Supervisors, "transport")

	s.AddCheck("store", func(context.Context) error { return errors.New("database is locked") })
	rec = get(t, s.Handler(false), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, "degraded", rep.Status)
	assert.Equal(t, "database is locked", rep.Checks["store"])
}

func TestMetricsAndPprofRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "proxybot_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	s := New(Config{}, reg, logx.Nop())

	rec := get(t, s.Handler(false), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "proxybot_test_total 3")

	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(false), "/debug/pprof/").Code)
	assert.Equal(t, http.StatusOK, get(t, s.Handler(true), "/debug/pprof/").Code)
	assert.Equal(t, http.StatusOK, get(t, s.Handler(true), "/debug/pprof/cmdline").Code)
}

func TestStartStop(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, prometheus.NewRegistry(), logx.Nop())
	ctx := context.Background()
	s.Start(ctx)

	select {
	case <-s.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("ops server did not start")
	}
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.Reconfigure(sctx, Config{Enabled: false})
	assert.Empty(t, s.Addr())
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, isLoopback("127.0.0.1:9090"))
	assert.True(t, isLoopback("localhost:1"))
	assert.True(t, isLoopback("[::1]:1"))
	assert.False(t, isLoopback(":9090"))
	assert.False(t, isLoopback("0.0.0.0:9090"))
}
