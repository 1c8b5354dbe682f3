package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestRequestID_Generated(t *testing.T) {
	e := echo.New()
	e.Use(RequestID())
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected generated request id header")
	}
}

func TestRequestID_Preserved(t *testing.T) {
	e := echo.New()
	e.Use(RequestID())
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "rid-123")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "rid-123" {
		t.Fatalf("request id = %q, want rid-123", got)
	}
}

func TestRecovery_Panic(t *testing.T) {
	e := echo.New()
	logger := zerolog.New(os.Stderr)
	e.Use(Recovery(logger))
	e.GET("/boom", func(c echo.Context) error { panic("boom") })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestLogger_IncludesSubject(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("auth_subject", "staff-1")
			return next(c)
		}
	})
	e.Use(Logger(zerolog.New(&buf)))
	e.GET("/threads/:id", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/threads/t1", nil))

	line := buf.String()
	for _, want := range []string{`"subject":"staff-1"`, `"route":"/threads/:id"`, `"status":200`, `"level":"info"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("log line missing %s: %s", want, line)
		}
	}
}

func TestLogger_ErrorLevelTracksOutcome(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	e.Use(Logger(zerolog.New(&buf)))
	e.GET("/missing", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "no such thread")
	})
	e.GET("/broken", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusInternalServerError, "storage down")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	if line := buf.String(); !strings.Contains(line, `"level":"warn"`) || !strings.Contains(line, `"status":404`) {
		t.Fatalf("4xx should log at warn with its status: %s", line)
	}

	buf.Reset()
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/broken", nil))
	if line := buf.String(); !strings.Contains(line, `"level":"error"`) {
		t.Fatalf("5xx should log at error: %s", line)
	}
}

func TestRateLimit_Exceeded(t *testing.T) {
	e := echo.New()
	e.Use(RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2}))
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	var last int
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", last)
	}
}

func TestRateLimit_SeparateKeys(t *testing.T) {
	e := echo.New()
	e.Use(RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}))
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req1 := httptest.NewRequest(http.MethodGet, "/", nil)
	req1.Header.Set("X-Real-IP", "10.0.0.1")
	rec1 := httptest.NewRecorder()
	e.ServeHTTP(rec1, req1)

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.Header.Set("X-Real-IP", "10.0.0.2")
	rec2 := httptest.NewRecorder()
	e.ServeHTTP(rec2, req2)

	if rec1.Code != http.StatusOK || rec2.Code != http.StatusOK {
		t.Fatalf("distinct clients should not share a bucket: %d, %d", rec1.Code, rec2.Code)
	}
}
