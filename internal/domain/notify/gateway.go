package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/smtp"
	"sync"

	"github.com/google/uuid"
)

// TransientError marks a provider failure worth retrying: timeouts, 5xx
// responses, connection resets.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient provider error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a provider failure that retrying cannot fix: invalid
// address, rejected content, disabled account.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent provider error: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Gateway sends one rendered payload over one channel. A nil error means the
// provider accepted the message synchronously; later status changes arrive
// through the delivery callback as ObserveOutcome events.
type Gateway interface {
	Send(ctx context.Context, channel Channel, address string, payload Payload) (providerMessageID string, err error)
}

// ---- SMTP email gateway ----

// SMTPGateway delivers email payloads through a plain SMTP relay.
type SMTPGateway struct {
	Addr string
	From string
}

func (g *SMTPGateway) Send(ctx context.Context, channel Channel, address string, payload Payload) (string, error) {
	if channel != ChannelEmail {
		return "", &PermanentError{Err: fmt.Errorf("smtp gateway cannot send %s", channel)}
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		g.From, address, payload.Subject, payload.Body)
	if err := smtp.SendMail(g.Addr, nil, g.From, []string{address}, []byte(msg)); err != nil {
		// SMTP errors do not distinguish retryable from fatal without parsing
		// reply codes; treat relay failures as transient.
		return "", &TransientError{Err: err}
	}
	return uuid.New().String(), nil
}

// ---- HTTP SMS gateway ----

// SMSGateway posts payloads to an SMS provider's HTTP API.
type SMSGateway struct {
	URL    string
	APIKey string
	Client *http.Client
}

type smsRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type smsResponse struct {
	MessageID string `json:"message_id"`
}

func (g *SMSGateway) Send(ctx context.Context, channel Channel, address string, payload Payload) (string, error) {
	if channel != ChannelSMS {
		return "", &PermanentError{Err: fmt.Errorf("sms gateway cannot send %s", channel)}
	}
	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}

	body, err := json.Marshal(smsRequest{To: address, Body: payload.Body})
	if err != nil {
		return "", &PermanentError{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.URL, bytes.NewReader(body))
	if err != nil {
		return "", &PermanentError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if g.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out smsResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", &TransientError{Err: err}
		}
		return out.MessageID, nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return "", &PermanentError{Err: fmt.Errorf("provider rejected message: %s", resp.Status)}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", &TransientError{Err: fmt.Errorf("provider unavailable: %s", resp.Status)}
	default:
		return "", &PermanentError{Err: fmt.Errorf("unexpected provider response: %s", resp.Status)}
	}
}

// ---- channel router ----

// RouterGateway dispatches each send to the gateway registered for its
// channel.
type RouterGateway struct {
	routes map[Channel]Gateway
}

func NewRouterGateway() *RouterGateway {
	return &RouterGateway{routes: make(map[Channel]Gateway)}
}

func (g *RouterGateway) Register(channel Channel, gw Gateway) {
	g.routes[channel] = gw
}

func (g *RouterGateway) Send(ctx context.Context, channel Channel, address string, payload Payload) (string, error) {
	gw, ok := g.routes[channel]
	if !ok {
		return "", &PermanentError{Err: fmt.Errorf("no gateway for channel %s", channel)}
	}
	return gw.Send(ctx, channel, address, payload)
}

// ---- mock gateway ----

// SentRecord captures one send observed by the mock gateway.
type SentRecord struct {
	Channel           Channel
	Address           string
	Payload           Payload
	ProviderMessageID string
}

// MockGateway records sends and serves scripted responses. Used in tests and
// as the dev-mode gateway so development never touches real providers.
type MockGateway struct {
	mu      sync.Mutex
	sent    []SentRecord
	scripts map[Channel][]error
}

func NewMockGateway() *MockGateway {
	return &MockGateway{scripts: make(map[Channel][]error)}
}

// Script queues errors to return for a channel, one per send, in order. A nil
// entry means that send succeeds.
func (g *MockGateway) Script(channel Channel, errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scripts[channel] = append(g.scripts[channel], errs...)
}

func (g *MockGateway) Send(_ context.Context, channel Channel, address string, payload Payload) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if queue := g.scripts[channel]; len(queue) > 0 {
		next := queue[0]
		g.scripts[channel] = queue[1:]
		if next != nil {
			return "", next
		}
	}

	id := uuid.New().String()
	g.sent = append(g.sent, SentRecord{Channel: channel, Address: address, Payload: payload, ProviderMessageID: id})
	return id, nil
}

// Sent returns a copy of everything successfully sent.
func (g *MockGateway) Sent() []SentRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]SentRecord, len(g.sent))
	copy(out, g.sent)
	return out
}

// IsTransient reports whether an error is retry-eligible.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether an error rules out retries.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
