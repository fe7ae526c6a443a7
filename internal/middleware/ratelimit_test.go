package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"anthropic-relay-go/internal/config"
)

// limitedEcho builds an Echo instance with the rate limiter derived from
// config, mirroring the server wiring.
func limitedEcho(cfg *config.Config) *echo.Echo {
	e := echo.New()
	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
	}
	e.GET("/v1/models", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	return e
}

func TestRateLimiter_Enabled(t *testing.T) {
	// 1 request per second, burst of 1 — second request should be rejected.
	cfg := &config.Config{
		Server: config.ServerConfig{
			RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerSecond: 1},
		},
	}
	e := limitedEcho(cfg)

	// First request should succeed.
	req := httptest.NewRequest(http.MethodGet, "/v1/models", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want %d", rec.Code, http.StatusOK)
	}

	// Subsequent requests should be rate-limited (429).
	got429 := false
	for range 10 {
		req = httptest.NewRequest(http.MethodGet, "/v1/models", http.NoBody)
		rec = httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			got429 = true
			break
		}
	}
	if !got429 {
		t.Error("expected at least one 429 response after burst, got none")
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	cfg := &config.Config{}
	e := limitedEcho(cfg)

	for range 20 {
		req := httptest.NewRequest(http.MethodGet, "/v1/models", http.NoBody)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d with limiter disabled", rec.Code, http.StatusOK)
		}
	}
}
