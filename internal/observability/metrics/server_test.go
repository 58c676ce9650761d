package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "github.com/rsksmart/rif-scheduler-ui-sub000/pkg/logx"
)

func newRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "rifsched_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)
	return reg
}

func get(t *testing.T, h http.Handler, target, auth string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	body, _ := io.ReadAll(rec.Body)
	return rec.Code, string(body)
}

func TestHandlerServesMetricsAndHealth(t *testing.T) {
	t.Parallel()

	healthy := true
	svc := New(Config{}, newRegistry(t), func(context.Context) error {
		if !healthy {
			return errors.New("reconciler stalled")
		}
		return nil
	}, logx.Nop())
	h := svc.Handler(Config{})

	code, body := get(t, h, "/metrics", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "rifsched_test_total 3")

	code, body = get(t, h, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	healthy = false
	code, body = get(t, h, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "reconciler stalled")

	code, _ = get(t, h, "/debug/pprof/", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHandlerToken(t *testing.T) {
	t.Parallel()

	svc := New(Config{}, newRegistry(t), nil, logx.Nop())
	h := svc.Handler(Config{Token: "s3cret", Pprof: true})

	code, _ := get(t, h, "/metrics", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, h, "/metrics", "wrong")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, h, "/metrics", "s3cret")
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, h, "/debug/pprof/?token=s3cret", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestServiceLifecycle(t *testing.T) {
	t.Parallel()

	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, newRegistry(t), nil, logx.Nop())
	ctx := context.Background()
	svc.Start(ctx)

	require.Eventually(t, func() bool { return svc.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + svc.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	svc.Reconfigure(stopCtx, Config{Enabled: false})
	assert.Eventually(t, func() bool { return svc.Addr() == "" }, 2*time.Second, 10*time.Millisecond)
}

func TestServeRefusesInsecureBind(t *testing.T) {
	t.Parallel()

	svc := New(Config{}, newRegistry(t), nil, logx.Nop())
	err := svc.serve(context.Background(), Config{Enabled: true, Addr: "0.0.0.0:0"})
	assert.ErrorIs(t, err, ErrInsecureBind)
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	for addr, want := range map[string]bool{
		"127.0.0.1:1": true,
		"localhost:1": true,
		"[::1]:1":     true,
		":1":          false,
		"0.0.0.0:1":   false,
		"10.1.2.3:1":  false,
		"not-an-addr": false,
	} {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}
