// Package notify implements the notification pipeline: domain events fan out
// to per-channel delivery attempts, a tracker drives each attempt's state
// machine against the external providers, and an escalation policy widens or
// repeats delivery for critical events.
package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Channel identifies an external delivery channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// AllChannels lists every channel the system can deliver on.
var AllChannels = []Channel{ChannelEmail, ChannelSMS}

// EventKind classifies a domain event.
type EventKind string

const (
	EventNewMessage           EventKind = "new_message"
	EventAppointmentReminder  EventKind = "appointment_reminder"
	EventPrescriptionRenewal  EventKind = "prescription_renewal"
	EventCriticalEscalation   EventKind = "critical_escalation"
)

// Urgency of a domain event.
type Urgency string

const (
	UrgencyNormal   Urgency = "normal"
	UrgencyCritical Urgency = "critical"
)

// DomainEvent is the internal trigger that may produce notifications. The
// dedup key makes re-delivery of the same event idempotent; for message
// events it is the message id.
type DomainEvent struct {
	Kind            EventKind         `json:"kind"`
	Recipient       uuid.UUID         `json:"recipient"`
	Urgency         Urgency           `json:"urgency"`
	DedupKey        string            `json:"dedup_key"`
	ThreadID        uuid.UUID         `json:"thread_id,omitempty"`
	RelevantUntil   time.Time         `json:"relevant_until,omitempty"`
	EscalationCycle int               `json:"escalation_cycle"`
	Payload         map[string]string `json:"payload,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// AttemptState is a delivery attempt's position in its lifecycle.
type AttemptState string

const (
	StateQueued            AttemptState = "queued"
	StateSending           AttemptState = "sending"
	StateDelivered         AttemptState = "delivered"
	StateFailed            AttemptState = "failed"
	StateExpired           AttemptState = "expired"
	StatePermanentlyFailed AttemptState = "permanently_failed"
)

// IsTerminal reports whether no transition may leave the state.
func (s AttemptState) IsTerminal() bool {
	switch s {
	case StateDelivered, StateExpired, StatePermanentlyFailed:
		return true
	}
	return false
}

// validTransitions is the full state machine. failed re-queues for retry;
// everything else moves strictly forward.
var validTransitions = map[AttemptState][]AttemptState{
	StateQueued:  {StateSending, StateExpired},
	StateSending: {StateDelivered, StateFailed, StateExpired},
	StateFailed:  {StateQueued, StatePermanentlyFailed},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to AttemptState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition guards the state machine; terminal states absorb.
var ErrInvalidTransition = errors.New("notify: invalid state transition")

// ErrAttemptNotFound is returned by repositories for unknown attempts.
var ErrAttemptNotFound = errors.New("notify: delivery attempt not found")

// ErrDuplicateAttempt is returned by repositories when a live or delivered
// attempt already exists for the same dedup key and channel. The earlier
// attempt covers the event; callers skip instead of failing.
var ErrDuplicateAttempt = errors.New("notify: duplicate attempt for dedup key and channel")

// DeliveryAttempt is one channel-specific try to deliver a notification for a
// domain event. Created by the dispatcher, mutated only by the tracker.
type DeliveryAttempt struct {
	ID                uuid.UUID    `json:"id"`
	EventKind         EventKind    `json:"event_kind"`
	DedupKey          string       `json:"dedup_key"`
	Recipient         uuid.UUID    `json:"recipient"`
	ThreadID          uuid.UUID    `json:"thread_id,omitempty"`
	Channel           Channel      `json:"channel"`
	Address           string       `json:"address"`
	Payload           Payload      `json:"payload"`
	State             AttemptState `json:"state"`
	AttemptCount      int          `json:"attempt_count"`
	NextRetryAt       time.Time    `json:"next_retry_at,omitempty"`
	RelevantUntil     time.Time    `json:"relevant_until,omitempty"`
	ProviderMessageID string       `json:"provider_message_id,omitempty"`
	LastError         string       `json:"last_error,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// transition applies a state change, enforcing the machine.
func (a *DeliveryAttempt) transition(to AttemptState, now time.Time) error {
	if !CanTransition(a.State, to) {
		return fmt.Errorf("%w: %s -> %s (attempt %s)", ErrInvalidTransition, a.State, to, a.ID)
	}
	a.State = to
	a.UpdatedAt = now
	return nil
}

// Payload is a rendered, channel-ready notification body.
type Payload struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}
