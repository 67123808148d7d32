package diag

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possync/internal/config"
	"possync/internal/metrics"
	"possync/pkg/logx"
)

func get(t *testing.T, h http.Handler, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerEndpoints(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	metrics.New(reg).LeaseHeld("sales", "manual")

	healthy := true
	s := New(Config{Enabled: true}, logx.Nop(),
		WithGatherer(reg),
		WithHealth(func(context.Context) error {
			if !healthy {
				return errors.New("ledger unreachable")
			}
			return nil
		}),
		WithStatus(func(context.Context) any { return map[string]string{"state": "waiting"} }),
	)
	h := s.Handler()

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	healthy = false
	rec = get(t, h, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "ledger unreachable")

	rec = get(t, h, "/statusz")
	require.Equal(t, http.StatusOK, rec.Code)
	var doc map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "waiting", doc["state"])

	rec = get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `possync_lease_held_total{job_kind="sales",trigger="manual"} 1`)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/debug/pprof/").Code, "pprof is opt-in")
}

func TestHandlerPprof(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Pprof: true}, logx.Nop(), WithGatherer(prometheus.NewRegistry()))
	rec := get(t, s.Handler(), "/debug/pprof/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "goroutine")
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Token: "s3cret"}, logx.Nop(), WithGatherer(prometheus.NewRegistry()))
	h := s.Handler()

	tests := []struct {
		name   string
		target string
		header []string
		want   int
	}{
		{"missing", "/healthz", nil, http.StatusUnauthorized},
		{"wrong bearer", "/healthz", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"bearer", "/healthz", []string{"Authorization", "Bearer s3cret"}, http.StatusOK},
		{"query", "/healthz?token=s3cret", nil, http.StatusOK},
		{"wrong query wins over header", "/healthz?token=x", []string{"Authorization", "Bearer s3cret"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, h, tt.target, tt.header...)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:9464": true,
		"localhost:80":   true,
		"[::1]:9464":     true,
		":9464":          false,
		"0.0.0.0:9464":   false,
		"10.1.2.3:9464":  false,
		"garbage":        false,
	} {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}

func TestConfigFromDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := ConfigFrom(config.DiagnosticsConfig{Enabled: true, Token: " t "})
	require.NoError(t, err)
	assert.Equal(t, DefaultAddr, cfg.Addr)
	assert.Equal(t, "t", cfg.Token)
	assert.Equal(t, 10*time.Second, cfg.ReadTimeout)
	assert.Equal(t, time.Minute, cfg.WriteTimeout)

	_, err = ConfigFrom(config.DiagnosticsConfig{ReadTimeout: "fast"})
	assert.Error(t, err)
}

func TestServeLifecycle(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop(), WithGatherer(prometheus.NewRegistry()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.Start(ctx)
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 5*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	s.Reconfigure(ctx, Config{Enabled: false, Addr: "127.0.0.1:0"})
	assert.Nil(t, s.Supervisor())
	assert.Empty(t, s.Addr())
}

func TestRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop())
	err := s.serveOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure bind")
	assert.Empty(t, s.Addr())
}
