package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/allocation"
	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

func validConfig() Config {
	return Config{
		PGDSN:                 "postgres://localhost/stockledger",
		FEFODefaultPolicy:     "strict",
		LedgerMaxRetries:      3,
		LedgerRetryBase:       25 * time.Millisecond,
		LedgerLockTimeout:     3 * time.Second,
		ReservationTTL:        30 * time.Minute,
		ReservationSweepBatch: 200,
		RateLimitPerMinute:    600,
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, allocation.PolicyStrict, cfg.DefaultPolicy())
	require.Equal(t, uint64(3), cfg.RunnerConfig().MaxRetries)

	cases := map[string]func(*Config){
		"unknown policy": func(c *Config) { c.FEFODefaultPolicy = "lifo" },
		"empty policy":   func(c *Config) { c.FEFODefaultPolicy = "" },
		"zero retries":   func(c *Config) { c.LedgerMaxRetries = 0 },
		"zero base":      func(c *Config) { c.LedgerRetryBase = 0 },
		"zero ttl":       func(c *Config) { c.ReservationTTL = 0 },
		"zero batch":     func(c *Config) { c.ReservationSweepBatch = 0 },
		"empty dsn":      func(c *Config) { c.PGDSN = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("FEFO_DEFAULT_POLICY", "partial")
	t.Setenv("RESERVATION_TTL", "5m")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, allocation.PolicyPartial, cfg.DefaultPolicy())
	require.Equal(t, 5*time.Minute, cfg.ReservationTTL)
	require.Equal(t, "@every 1m", cfg.ReservationSweepSpec)
	require.Equal(t, 200, cfg.ReservationSweepBatch)
	require.False(t, cfg.AutoMigrate)
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, parseLevel(&Config{LogLevel: "DEBUG"}))
	require.Equal(t, slog.LevelWarn, parseLevel(&Config{LogLevel: "warn"}))
	require.Equal(t, slog.LevelInfo, parseLevel(&Config{LogLevel: "verbose"}))
	require.Equal(t, slog.LevelInfo, parseLevel(nil))
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestRouterHealthAndFallbacks(t *testing.T) {
	cfg := validConfig()
	router := NewRouter(RouterParams{Logger: slog.Default(), Config: &cfg, Metrics: observability.NewMetrics(), Database: fakePinger{}})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "stockledger_http_requests_total")

	down := NewRouter(RouterParams{Config: &cfg, Database: fakePinger{err: errors.New("refused")}})
	rr = httptest.NewRecorder()
	down.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRateLimit(t *testing.T) {
	cfg := validConfig()
	cfg.RateLimitPerMinute = 2
	router := NewRouter(RouterParams{Config: &cfg})
	codes := make([]int, 0, 3)
	for range 3 {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		router.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestTraceMiddleware(t *testing.T) {
	var seen string
	h := traceMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = shared.TraceIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/ledger/movements", nil)
	req.Header.Set(TraceHeader, "scan-77")
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, "scan-77", seen)
}

func TestInTestMode(t *testing.T) {
	require.True(t, InTestMode())
}
