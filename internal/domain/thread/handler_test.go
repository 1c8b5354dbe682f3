package thread

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// asParticipant injects the participant identity the way the auth middleware
// does in production.
func asParticipant(id uuid.UUID) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("auth_subject", id.String())
			return next(c)
		}
	}
}

func newHandlerFixture(t *testing.T) (*fixture, func(uuid.UUID) *echo.Echo) {
	t.Helper()
	f := newFixture(t)
	h := NewHandler(f.svc, zerolog.Nop())
	build := func(me uuid.UUID) *echo.Echo {
		e := echo.New()
		g := e.Group("/api/v1", asParticipant(me))
		h.RegisterRoutes(g)
		return e
	}
	return f, build
}

func doJSON(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestThreadAPI_EndToEnd(t *testing.T) {
	f, build := newHandlerFixture(t)

	alice := uuid.New()
	bob := uuid.New()
	f.dir.register(t, alice)
	f.dir.register(t, bob)

	asAlice := build(alice)
	asBob := build(bob)

	// Alice opens a thread with Bob.
	rec := doJSON(asAlice, http.MethodPost, "/api/v1/threads",
		`{"title":"Care team","participants":["`+bob.String()+`"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create thread status = %d: %s", rec.Code, rec.Body.String())
	}
	var created createThreadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if len(created.WrappedKeys) != 2 {
		t.Fatalf("wrapped keys = %d, want 2", len(created.WrappedKeys))
	}
	threadID := created.Thread.ID.String()

	// Alice sends a message.
	rec = doJSON(asAlice, http.MethodPost, "/api/v1/threads/"+threadID+"/messages",
		`{"plaintext":"hello bob","critical":false}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("append status = %d: %s", rec.Code, rec.Body.String())
	}
	var msg Message
	if err := json.Unmarshal(rec.Body.Bytes(), &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.Seq != 1 {
		t.Fatalf("seq = %d, want 1", msg.Seq)
	}
	if strings.Contains(rec.Body.String(), "hello bob") {
		t.Fatal("response leaked plaintext")
	}

	// Bob lists and decrypts.
	rec = doJSON(asBob, http.MethodGet, "/api/v1/threads/"+threadID+"/messages", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	rec = doJSON(asBob, http.MethodGet, "/api/v1/threads/"+threadID+"/messages/"+msg.ID.String()+"/plaintext", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("read status = %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "hello bob") {
		t.Fatalf("decrypted body = %s", rec.Body.String())
	}

	// Bob marks read.
	rec = doJSON(asBob, http.MethodPost, "/api/v1/threads/"+threadID+"/read", `{"upto_seq":1}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("mark read status = %d", rec.Code)
	}
	if len(f.canceller.all()) != 1 {
		t.Fatalf("cancellations = %d, want 1", len(f.canceller.all()))
	}
}

func TestThreadAPI_OutsiderForbidden(t *testing.T) {
	f, build := newHandlerFixture(t)

	alice := uuid.New()
	bob := uuid.New()
	mallory := uuid.New()
	f.dir.register(t, alice)
	f.dir.register(t, bob)
	f.dir.register(t, mallory)

	thread, _, err := f.svc.CreateThread(context.Background(), alice, "Private", []uuid.UUID{alice, bob})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	asMallory := build(mallory)
	rec := doJSON(asMallory, http.MethodGet, "/api/v1/threads/"+thread.ID.String(), "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("outsider get status = %d, want 403", rec.Code)
	}
	rec = doJSON(asMallory, http.MethodPost, "/api/v1/threads/"+thread.ID.String()+"/messages", `{"plaintext":"hi"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("outsider append status = %d, want 403", rec.Code)
	}
}

func TestThreadAPI_UnencryptedAttachmentRejected(t *testing.T) {
	f, build := newHandlerFixture(t)

	alice := uuid.New()
	bob := uuid.New()
	f.dir.register(t, alice)
	f.dir.register(t, bob)
	thread, _, err := f.svc.CreateThread(context.Background(), alice, "Scans", []uuid.UUID{alice, bob})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	asAlice := build(alice)
	body := `{"plaintext":"see attachment","attachments":[{"id":"` + uuid.New().String() + `","name":"scan.pdf","encrypted_at_rest":false}]}`
	rec := doJSON(asAlice, http.MethodPost, "/api/v1/threads/"+thread.ID.String()+"/messages", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
}

func TestThreadAPI_BadSubject(t *testing.T) {
	f, _ := newHandlerFixture(t)
	h := NewHandler(f.svc, zerolog.Nop())

	e := echo.New()
	g := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("auth_subject", "not-a-uuid")
			return next(c)
		}
	})
	h.RegisterRoutes(g)

	rec := doJSON(e, http.MethodGet, "/api/v1/threads", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}
