package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders())

	var gotConn, gotKeepAlive string
	e.GET("/test", func(c echo.Context) error {
		gotConn = c.Request().Header.Get("Connection")
		gotKeepAlive = c.Request().Header.Get("Keep-Alive")
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Keep-Alive", "timeout=5")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if gotConn != "" {
		t.Errorf("Connection header reached handler: %q", gotConn)
	}
	if gotKeepAlive != "" {
		t.Errorf("Keep-Alive header reached handler: %q", gotKeepAlive)
	}

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want %q", got, "nosniff")
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want %q", got, "DENY")
	}
}
