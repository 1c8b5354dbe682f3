package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T) (*echo.Echo, *testPipeline) {
	t.Helper()
	p := newTestPipeline(t)
	h := NewHandler(p.tracker, p.repo, p.prefs, zerolog.Nop())

	e := echo.New()
	passThrough := func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	h.RegisterRoutes(e.Group("/api/v1"), passThrough)
	return e, p
}

func TestProviderCallback(t *testing.T) {
	e, p := newTestServer(t)
	ctx := context.Background()

	a := newAttempt(ChannelEmail, "msg-200", p.clock.Now())
	if err := p.tracker.Enqueue(ctx, a); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	p.tracker.RunDue(ctx)
	delivered, _ := p.repo.Get(ctx, a.ID)

	body := `{"provider_message_id":"` + delivered.ProviderMessageID + `","status":"delivered"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/callback", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
}

func TestProviderCallback_UnknownIDAccepted(t *testing.T) {
	e, _ := newTestServer(t)

	body := `{"provider_message_id":"ghost","status":"delivered"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/callback", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 so the provider stops retrying", rec.Code)
	}
}

func TestProviderCallback_MissingFields(t *testing.T) {
	e, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/callback", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestReplayEndpoint(t *testing.T) {
	e, p := newTestServer(t)
	ctx := context.Background()

	p.gateway.Script(ChannelEmail, &PermanentError{Err: errors.New("rejected")})
	a := newAttempt(ChannelEmail, "msg-201", p.clock.Now())
	if err := p.tracker.Enqueue(ctx, a); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	p.tracker.RunDue(ctx)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/attempts/"+a.ID.String()+"/replay", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var fresh DeliveryAttempt
	if err := json.Unmarshal(rec.Body.Bytes(), &fresh); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if fresh.ID == a.ID || fresh.State != StateQueued {
		t.Fatalf("replay response = %+v, want new queued attempt", fresh)
	}

	// Replaying a non-terminal attempt conflicts.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/notifications/attempts/"+fresh.ID.String()+"/replay", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	e, p := newTestServer(t)
	ctx := context.Background()

	a := newAttempt(ChannelEmail, "msg-202", p.clock.Now())
	if err := p.tracker.Enqueue(ctx, a); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	p.tracker.RunDue(ctx)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications/stats", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var stats map[AttemptState]int
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats[StateDelivered] != 1 {
		t.Fatalf("delivered = %d, want 1", stats[StateDelivered])
	}
}

func TestPreferencesEndpoints(t *testing.T) {
	e, _ := newTestServer(t)

	recipient := "3b6f1c1e-52a4-4dc5-9c4e-1f0a78d2e111"
	body := `{"channels":{"new_message":["email","sms"]},"addresses":{"email":"p@example.com","sms":"+15550001111"}}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/notifications/preferences/"+recipient, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/notifications/preferences/"+recipient, nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var prefs Preferences
	if err := json.Unmarshal(rec.Body.Bytes(), &prefs); err != nil {
		t.Fatalf("decode preferences: %v", err)
	}
	if prefs.Addresses[ChannelEmail] != "p@example.com" {
		t.Fatalf("addresses = %v", prefs.Addresses)
	}

	// Unknown channels rejected.
	req = httptest.NewRequest(http.MethodPut, "/api/v1/notifications/preferences/"+recipient,
		strings.NewReader(`{"channels":{"new_message":["pigeon"]}}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid channel status = %d, want 400", rec.Code)
	}
}
