package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var errTimeout = errors.New("timeout")

type testPipeline struct {
	dispatcher *Dispatcher
	tracker    *Tracker
	repo       *MemoryAttemptRepo
	gateway    *MockGateway
	prefs      *MemoryPreferenceStore
	clock      *fakeClock

	scheduled []func()
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()
	tracker, repo, gateway, auditor, clock := newTestTracker(DefaultTrackerConfig())

	templates, err := NewTemplateEngine()
	if err != nil {
		t.Fatalf("NewTemplateEngine: %v", err)
	}
	prefs := NewMemoryPreferenceStore()

	p := &testPipeline{tracker: tracker, repo: repo, gateway: gateway, prefs: prefs, clock: clock}
	d := NewDispatcher(prefs, NewEscalationPolicy(), templates, tracker, auditor, zerolog.Nop(),
		DispatcherConfig{EscalationSLA: 5 * time.Minute})
	d.now = clock.Now
	d.schedule = func(_ time.Duration, f func()) { p.scheduled = append(p.scheduled, f) }
	p.dispatcher = d
	return p
}

func (p *testPipeline) setPrefs(t *testing.T, recipient uuid.UUID, addresses map[Channel]string, channels map[EventKind][]Channel) {
	t.Helper()
	err := p.prefs.Put(context.Background(), &Preferences{
		Recipient: recipient,
		Channels:  channels,
		Addresses: addresses,
	})
	if err != nil {
		t.Fatalf("Put preferences: %v", err)
	}
}

func newMessageEvent(recipient uuid.UUID, urgency Urgency, dedupKey string, now time.Time) DomainEvent {
	return DomainEvent{
		Kind:      EventNewMessage,
		Recipient: recipient,
		Urgency:   urgency,
		DedupKey:  dedupKey,
		ThreadID:  uuid.New(),
		Payload:   map[string]string{"thread_title": "Care team"},
		CreatedAt: now,
	}
}

func TestHandle_NormalEventSingleChannel(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	recipient := uuid.New()
	p.setPrefs(t, recipient, map[Channel]string{ChannelEmail: "p@example.com", ChannelSMS: "+15550001111"}, nil)

	event := newMessageEvent(recipient, UrgencyNormal, "msg-100", p.clock.Now())
	if err := p.dispatcher.Handle(ctx, event); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	attempts, _ := p.repo.ListByDedupKey(ctx, "msg-100")
	if len(attempts) != 1 {
		t.Fatalf("attempts = %d, want 1 (default new_message channel is email)", len(attempts))
	}
	if attempts[0].Channel != ChannelEmail {
		t.Fatalf("channel = %s, want email", attempts[0].Channel)
	}
	if attempts[0].Address != "p@example.com" {
		t.Fatalf("address snapshot = %q", attempts[0].Address)
	}
}

func TestHandle_Idempotent(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	recipient := uuid.New()
	p.setPrefs(t, recipient, map[Channel]string{ChannelEmail: "p@example.com"}, nil)

	event := newMessageEvent(recipient, UrgencyNormal, "msg-101", p.clock.Now())
	if err := p.dispatcher.Handle(ctx, event); err != nil {
		t.Fatalf("first Handle: %v", err)
	}
	if err := p.dispatcher.Handle(ctx, event); err != nil {
		t.Fatalf("second Handle: %v", err)
	}

	attempts, _ := p.repo.ListByDedupKey(ctx, "msg-101")
	if len(attempts) != 1 {
		t.Fatalf("attempts = %d after duplicate dispatch, want 1", len(attempts))
	}

	// Still idempotent once the attempt has delivered.
	p.tracker.RunDue(ctx)
	if err := p.dispatcher.Handle(ctx, event); err != nil {
		t.Fatalf("post-delivery Handle: %v", err)
	}
	attempts, _ = p.repo.ListByDedupKey(ctx, "msg-101")
	if len(attempts) != 1 {
		t.Fatalf("attempts = %d after post-delivery dispatch, want 1", len(attempts))
	}
}

func TestHandle_CriticalWidensAndCancelsSiblings(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	recipient := uuid.New()
	p.setPrefs(t, recipient, map[Channel]string{ChannelEmail: "p@example.com", ChannelSMS: "+15550001111"}, nil)

	event := newMessageEvent(recipient, UrgencyCritical, "msg-102", p.clock.Now())
	if err := p.dispatcher.Handle(ctx, event); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	attempts, _ := p.repo.ListByDedupKey(ctx, "msg-102")
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2 (widened to email+sms)", len(attempts))
	}

	var email *DeliveryAttempt
	for _, a := range attempts {
		if a.Channel == ChannelEmail {
			email = a
		}
	}
	if email == nil {
		t.Fatal("no email attempt created")
	}

	// Email delivers first; the pending SMS sibling must expire.
	p.tracker.deliver(ctx, email.ID)

	attempts, _ = p.repo.ListByDedupKey(ctx, "msg-102")
	for _, a := range attempts {
		switch a.Channel {
		case ChannelEmail:
			if a.State != StateDelivered {
				t.Fatalf("email state = %s, want delivered", a.State)
			}
		case ChannelSMS:
			if a.State != StateExpired {
				t.Fatalf("sms state = %s, want expired after sibling delivery", a.State)
			}
		}
	}
}

func TestHandle_RenderingFailureDoesNotBlockSiblings(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	recipient := uuid.New()
	p.setPrefs(t, recipient, map[Channel]string{ChannelEmail: "p@example.com", ChannelSMS: "+15550001111"}, nil)

	// Break only the email template for this kind.
	if err := p.dispatcher.templates.Register(EventNewMessage, ChannelEmail, "subject", `{{template "missing"}}`); err != nil {
		t.Fatalf("Register: %v", err)
	}

	event := newMessageEvent(recipient, UrgencyCritical, "msg-103", p.clock.Now())
	if err := p.dispatcher.Handle(ctx, event); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	attempts, _ := p.repo.ListByDedupKey(ctx, "msg-103")
	if len(attempts) != 1 {
		t.Fatalf("attempts = %d, want 1 (sms survives email rendering failure)", len(attempts))
	}
	if attempts[0].Channel != ChannelSMS {
		t.Fatalf("surviving channel = %s, want sms", attempts[0].Channel)
	}
}

func TestHandle_UnreachableRecipientDrops(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	// No preferences registered: no addresses, no channels.
	event := newMessageEvent(uuid.New(), UrgencyNormal, "msg-104", p.clock.Now())
	if err := p.dispatcher.Handle(ctx, event); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	attempts, _ := p.repo.ListByDedupKey(ctx, "msg-104")
	if len(attempts) != 0 {
		t.Fatalf("attempts = %d for unreachable recipient, want 0", len(attempts))
	}
}

func TestEscalation_FiresOnceWhenUndelivered(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	recipient := uuid.New()
	p.setPrefs(t, recipient, map[Channel]string{ChannelEmail: "p@example.com"}, nil)

	// Provider down: nothing will deliver before the SLA check.
	p.gateway.Script(ChannelEmail,
		&TransientError{Err: errTimeout}, &TransientError{Err: errTimeout},
		&TransientError{Err: errTimeout}, &TransientError{Err: errTimeout},
		&TransientError{Err: errTimeout}, &TransientError{Err: errTimeout})

	event := newMessageEvent(recipient, UrgencyCritical, "msg-105", p.clock.Now())
	if err := p.dispatcher.Handle(ctx, event); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(p.scheduled) != 1 {
		t.Fatalf("scheduled re-checks = %d, want 1", len(p.scheduled))
	}

	p.tracker.RunDue(ctx)
	if err := p.dispatcher.CheckEscalation(ctx, event); err != nil {
		t.Fatalf("CheckEscalation: %v", err)
	}

	escalated, _ := p.repo.ListByDedupKey(ctx, "msg-105:escalation")
	if len(escalated) == 0 {
		t.Fatal("no escalation attempts created")
	}
	for _, a := range escalated {
		if a.EventKind != EventCriticalEscalation {
			t.Fatalf("escalated kind = %s", a.EventKind)
		}
	}

	// The escalation event itself must not schedule another re-check.
	if len(p.scheduled) != 1 {
		t.Fatalf("scheduled re-checks = %d after escalation, want still 1", len(p.scheduled))
	}

	// Running the check again for the escalated event is a no-op.
	esc := event
	esc.Kind = EventCriticalEscalation
	esc.DedupKey = "msg-105:escalation"
	esc.EscalationCycle = 1
	if err := p.dispatcher.CheckEscalation(ctx, esc); err != nil {
		t.Fatalf("CheckEscalation on cycle 1: %v", err)
	}
	again, _ := p.repo.ListByDedupKey(ctx, "msg-105:escalation:escalation")
	if len(again) != 0 {
		t.Fatalf("second-order escalation created %d attempts, want 0", len(again))
	}
}

func TestEscalation_SkippedWhenDelivered(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	recipient := uuid.New()
	p.setPrefs(t, recipient, map[Channel]string{ChannelEmail: "p@example.com"}, nil)

	event := newMessageEvent(recipient, UrgencyCritical, "msg-106", p.clock.Now())
	if err := p.dispatcher.Handle(ctx, event); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	p.tracker.RunDue(ctx)

	if err := p.dispatcher.CheckEscalation(ctx, event); err != nil {
		t.Fatalf("CheckEscalation: %v", err)
	}
	escalated, _ := p.repo.ListByDedupKey(ctx, "msg-106:escalation")
	if len(escalated) != 0 {
		t.Fatalf("escalation created for a delivered event: %d attempts", len(escalated))
	}
}
