package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carewire/carewire/internal/platform/audit"
)

// DispatcherConfig controls escalation scheduling.
type DispatcherConfig struct {
	// EscalationSLA is how long a repeat-flagged event may go undelivered
	// before the single re-escalation fires.
	EscalationSLA time.Duration
}

// Dispatcher turns domain events into per-channel delivery attempts. It is
// the only creator of attempts; the tracker owns them afterwards.
type Dispatcher struct {
	prefs     PreferenceStore
	policy    *EscalationPolicy
	templates *TemplateEngine
	tracker   *Tracker
	auditor   *audit.Logger
	log       zerolog.Logger
	cfg       DispatcherConfig

	now func() time.Time

	// schedule defers the SLA re-check. Production uses time.AfterFunc;
	// tests call CheckEscalation directly with a no-op scheduler.
	schedule func(d time.Duration, f func())
}

func NewDispatcher(prefs PreferenceStore, policy *EscalationPolicy, templates *TemplateEngine,
	tracker *Tracker, auditor *audit.Logger, log zerolog.Logger, cfg DispatcherConfig) *Dispatcher {
	if cfg.EscalationSLA <= 0 {
		cfg.EscalationSLA = 5 * time.Minute
	}
	return &Dispatcher{
		prefs:     prefs,
		policy:    policy,
		templates: templates,
		tracker:   tracker,
		auditor:   auditor,
		log:       log,
		cfg:       cfg,
		now:       time.Now,
		schedule:  func(d time.Duration, f func()) { time.AfterFunc(d, f) },
	}
}

// Handle fans one domain event out into delivery attempts. Re-delivery of an
// event with the same dedup key is idempotent: a channel that already has a
// live or delivered attempt is skipped. A rendering failure on one channel
// never blocks the others.
func (d *Dispatcher) Handle(ctx context.Context, event DomainEvent) error {
	prefs, err := d.prefs.Get(ctx, event.Recipient)
	if err != nil {
		return fmt.Errorf("resolve preferences for %s: %w", event.Recipient, err)
	}

	decision := d.policy.Evaluate(event, prefs)
	if len(decision.Channels) == 0 {
		d.log.Warn().
			Str("dedup_key", event.DedupKey).
			Str("recipient", event.Recipient.String()).
			Msg("recipient unreachable on every channel, notification dropped")
		return nil
	}

	existing, err := d.tracker.repo.ListByDedupKey(ctx, event.DedupKey)
	if err != nil {
		return fmt.Errorf("check existing attempts: %w", err)
	}
	covered := make(map[Channel]bool)
	for _, a := range existing {
		if !a.State.IsTerminal() || a.State == StateDelivered {
			covered[a.Channel] = true
		}
	}

	now := d.now()
	created := 0
	for _, channel := range decision.Channels {
		if covered[channel] {
			continue
		}

		payload, err := d.templates.Render(event, channel)
		if err != nil {
			d.log.Error().Err(err).
				Str("dedup_key", event.DedupKey).
				Str("channel", string(channel)).
				Msg("payload rendering failed, sibling channels continue")
			continue
		}

		attempt := &DeliveryAttempt{
			ID:            uuid.New(),
			EventKind:     event.Kind,
			DedupKey:      event.DedupKey,
			Recipient:     event.Recipient,
			ThreadID:      event.ThreadID,
			Channel:       channel,
			Address:       prefs.Addresses[channel],
			Payload:       payload,
			State:         StateQueued,
			RelevantUntil: event.RelevantUntil,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := d.tracker.Enqueue(ctx, attempt); err != nil {
			// A concurrent dispatch of the same event won the race; its
			// attempt covers this channel.
			if errors.Is(err, ErrDuplicateAttempt) {
				continue
			}
			return fmt.Errorf("enqueue %s attempt: %w", channel, err)
		}
		created++
	}

	d.auditDispatch(ctx, event, created)

	if decision.Repeat && created > 0 {
		d.scheduleEscalation(event)
	}
	return nil
}

// scheduleEscalation arms the single SLA re-check for a critical event.
func (d *Dispatcher) scheduleEscalation(event DomainEvent) {
	d.schedule(d.cfg.EscalationSLA, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.CheckEscalation(ctx, event); err != nil {
			d.log.Error().Err(err).Str("dedup_key", event.DedupKey).Msg("escalation re-check")
		}
	})
}

// CheckEscalation runs the scheduled SLA re-check: if nothing delivered for
// the event, emit one critical_escalation event. The cycle counter caps
// re-escalation at one, so the emitted event never repeats again.
func (d *Dispatcher) CheckEscalation(ctx context.Context, event DomainEvent) error {
	if event.EscalationCycle >= 1 {
		return nil
	}
	delivered, err := d.tracker.Delivered(ctx, event.DedupKey)
	if err != nil {
		return fmt.Errorf("check delivery for %s: %w", event.DedupKey, err)
	}
	if delivered {
		return nil
	}

	escalation := DomainEvent{
		Kind:            EventCriticalEscalation,
		Recipient:       event.Recipient,
		Urgency:         UrgencyCritical,
		DedupKey:        event.DedupKey + ":escalation",
		ThreadID:        event.ThreadID,
		RelevantUntil:   event.RelevantUntil,
		EscalationCycle: event.EscalationCycle + 1,
		Payload:         event.Payload,
		CreatedAt:       d.now(),
	}
	d.auditEscalation(ctx, escalation)
	return d.Handle(ctx, escalation)
}

func (d *Dispatcher) auditDispatch(ctx context.Context, event DomainEvent, created int) {
	_, err := d.auditor.Record(ctx, audit.Entry{
		Actor:      "system",
		Action:     audit.ActionNotifyDispatched,
		EntityType: "domain_event",
		EntityID:   event.DedupKey,
		PayloadDigest: audit.DigestPayload(map[string]interface{}{
			"kind":     event.Kind,
			"urgency":  event.Urgency,
			"attempts": created,
		}),
	})
	if err != nil {
		d.log.Error().Err(err).Str("dedup_key", event.DedupKey).Msg("audit dispatch")
	}
}

func (d *Dispatcher) auditEscalation(ctx context.Context, event DomainEvent) {
	_, err := d.auditor.Record(ctx, audit.Entry{
		Actor:      "system",
		Action:     audit.ActionNotifyEscalated,
		EntityType: "domain_event",
		EntityID:   event.DedupKey,
		PayloadDigest: audit.DigestPayload(map[string]interface{}{
			"kind":  event.Kind,
			"cycle": event.EscalationCycle,
		}),
	})
	if err != nil {
		d.log.Error().Err(err).Str("dedup_key", event.DedupKey).Msg("audit escalation")
	}
}
