package notify

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carewire/carewire/internal/platform/audit"
)

// TrackerConfig bounds the retry behavior and the provider boundary.
type TrackerConfig struct {
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	ProviderTimeout time.Duration
	Workers         int
}

func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MaxAttempts:     5,
		InitialBackoff:  2 * time.Second,
		MaxBackoff:      5 * time.Minute,
		ProviderTimeout: 10 * time.Second,
		Workers:         8,
	}
}

// scheduledItem is one heap entry: deliver attempt id at time at.
type scheduledItem struct {
	id uuid.UUID
	at time.Time
}

type retryHeap []scheduledItem

func (h retryHeap) Len() int            { return len(h) }
func (h retryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h retryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *retryHeap) Push(x interface{}) { *h = append(*h, x.(scheduledItem)) }
func (h *retryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Tracker owns every delivery attempt's state machine. It drains a
// time-ordered queue with a bounded worker pool; provider calls run under a
// timeout with no tracker lock held.
type Tracker struct {
	repo    AttemptRepo
	gateway Gateway
	auditor *audit.Logger
	log     zerolog.Logger
	cfg     TrackerConfig

	// now is swapped in tests to control the clock.
	now func() time.Time

	mu       sync.Mutex
	queue    retryHeap
	backoffs map[uuid.UUID]*backoff.ExponentialBackOff
	wake     chan struct{}
}

func NewTracker(repo AttemptRepo, gateway Gateway, auditor *audit.Logger, log zerolog.Logger, cfg TrackerConfig) *Tracker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}
	return &Tracker{
		repo:     repo,
		gateway:  gateway,
		auditor:  auditor,
		log:      log,
		cfg:      cfg,
		now:      time.Now,
		backoffs: make(map[uuid.UUID]*backoff.ExponentialBackOff),
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue persists a freshly created attempt and schedules it. This is the
// one audited non-terminal moment in an attempt's life.
func (t *Tracker) Enqueue(ctx context.Context, a *DeliveryAttempt) error {
	if a.State != StateQueued {
		return fmt.Errorf("%w: enqueue requires queued, got %s", ErrInvalidTransition, a.State)
	}
	if err := t.repo.Create(ctx, a); err != nil {
		return err
	}
	t.audit(ctx, audit.ActionNotifyQueued, a)
	t.schedule(a.ID, a.NextRetryAt)
	return nil
}

func (t *Tracker) schedule(id uuid.UUID, at time.Time) {
	if at.IsZero() {
		at = t.now()
	}
	t.mu.Lock()
	heap.Push(&t.queue, scheduledItem{id: id, at: at})
	t.mu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Reload rebuilds the schedule from persisted queued attempts, for restarts.
func (t *Tracker) Reload(ctx context.Context) error {
	queued, err := t.repo.ListQueued(ctx)
	if err != nil {
		return fmt.Errorf("reload queued attempts: %w", err)
	}
	for _, a := range queued {
		t.schedule(a.ID, a.NextRetryAt)
	}
	t.log.Info().Int("count", len(queued)).Msg("reloaded queued delivery attempts")
	return nil
}

// popDue removes every item whose time has come. Returns the wait until the
// next item when none are due.
func (t *Tracker) popDue() ([]uuid.UUID, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var due []uuid.UUID
	for len(t.queue) > 0 && !t.queue[0].at.After(now) {
		item := heap.Pop(&t.queue).(scheduledItem)
		due = append(due, item.id)
	}
	if len(due) > 0 || len(t.queue) == 0 {
		return due, 0
	}
	return nil, t.queue[0].at.Sub(now)
}

// RunDue synchronously delivers every attempt whose schedule has arrived.
// Tests drive the tracker through this; Start wraps it in the worker loop.
func (t *Tracker) RunDue(ctx context.Context) int {
	due, _ := t.popDue()
	for _, id := range due {
		t.deliver(ctx, id)
	}
	return len(due)
}

// Start runs the delivery loop until the context ends. Due attempts are
// fanned out to a bounded worker pool.
func (t *Tracker) Start(ctx context.Context) {
	work := make(chan uuid.UUID)
	var wg sync.WaitGroup
	for i := 0; i < t.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range work {
				t.deliver(ctx, id)
			}
		}()
	}

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

loop:
	for {
		due, wait := t.popDue()
		for _, id := range due {
			select {
			case work <- id:
			case <-ctx.Done():
				break loop
			}
		}
		if wait <= 0 {
			wait = time.Second
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			break loop
		case <-t.wake:
		case <-timer.C:
		}
	}
	close(work)
	wg.Wait()
}

// deliver runs one attempt through a single provider try.
func (t *Tracker) deliver(ctx context.Context, id uuid.UUID) {
	a, err := t.repo.Get(ctx, id)
	if err != nil {
		t.log.Error().Err(err).Str("attempt_id", id.String()).Msg("load attempt for delivery")
		return
	}
	if a.State != StateQueued {
		// Cancelled or already handled between scheduling and pickup.
		return
	}
	now := t.now()

	if !a.RelevantUntil.IsZero() && now.After(a.RelevantUntil) {
		t.toTerminal(ctx, a, StateExpired, audit.ActionNotifyExpired, "relevance window passed")
		return
	}

	if err := a.transition(StateSending, now); err != nil {
		t.log.Error().Err(err).Str("attempt_id", a.ID.String()).Msg("pick up attempt")
		return
	}
	a.AttemptCount++
	if err := t.repo.Update(ctx, a); err != nil {
		t.log.Error().Err(err).Str("attempt_id", a.ID.String()).Msg("mark attempt sending")
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, t.cfg.ProviderTimeout)
	pmid, sendErr := t.gateway.Send(sendCtx, a.Channel, a.Address, a.Payload)
	cancel()

	switch {
	case sendErr == nil:
		a.ProviderMessageID = pmid
		t.toTerminal(ctx, a, StateDelivered, audit.ActionNotifyDelivered, "")
		t.cancelSiblings(ctx, a)
	case IsPermanent(sendErr):
		a.LastError = sendErr.Error()
		t.failAttempt(ctx, a, false)
	default:
		// Transient, or unclassified — treated as retry-eligible.
		a.LastError = sendErr.Error()
		t.failAttempt(ctx, a, true)
	}
}

// failAttempt moves sending -> failed and decides between re-queue and
// permanent failure.
func (t *Tracker) failAttempt(ctx context.Context, a *DeliveryAttempt, retryable bool) {
	now := t.now()
	if err := a.transition(StateFailed, now); err != nil {
		t.log.Error().Err(err).Str("attempt_id", a.ID.String()).Msg("mark attempt failed")
		return
	}

	if !retryable || a.AttemptCount >= t.cfg.MaxAttempts {
		t.toTerminal(ctx, a, StatePermanentlyFailed, audit.ActionNotifyFailed, a.LastError)
		return
	}

	delay := t.nextBackoff(a.ID)
	a.NextRetryAt = now.Add(delay)
	if err := a.transition(StateQueued, now); err != nil {
		t.log.Error().Err(err).Str("attempt_id", a.ID.String()).Msg("requeue attempt")
		return
	}
	if err := t.repo.Update(ctx, a); err != nil {
		t.log.Error().Err(err).Str("attempt_id", a.ID.String()).Msg("persist requeued attempt")
		return
	}
	t.log.Debug().
		Str("attempt_id", a.ID.String()).
		Int("attempt_count", a.AttemptCount).
		Dur("retry_in", delay).
		Msg("delivery attempt requeued")
	t.schedule(a.ID, a.NextRetryAt)
}

func (t *Tracker) nextBackoff(id uuid.UUID) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.backoffs[id]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = t.cfg.InitialBackoff
		b.MaxInterval = t.cfg.MaxBackoff
		b.MaxElapsedTime = 0
		b.Reset()
		t.backoffs[id] = b
	}
	return b.NextBackOff()
}

// toTerminal finishes an attempt. Terminal entry is always audited and the
// per-attempt backoff state is released.
func (t *Tracker) toTerminal(ctx context.Context, a *DeliveryAttempt, state AttemptState, action string, detail string) {
	now := t.now()
	// failed is a transient stop on the way to permanently_failed; expired is
	// reachable straight from queued or sending.
	if state == StatePermanentlyFailed && a.State != StateFailed {
		if err := a.transition(StateFailed, now); err != nil {
			t.log.Error().Err(err).Str("attempt_id", a.ID.String()).Msg("finalize attempt")
			return
		}
	}
	if err := a.transition(state, now); err != nil {
		t.log.Error().Err(err).Str("attempt_id", a.ID.String()).Msg("finalize attempt")
		return
	}
	if detail != "" {
		a.LastError = detail
	}
	if err := t.repo.Update(ctx, a); err != nil {
		t.log.Error().Err(err).Str("attempt_id", a.ID.String()).Msg("persist terminal attempt")
		return
	}

	t.mu.Lock()
	delete(t.backoffs, a.ID)
	t.mu.Unlock()

	t.audit(ctx, action, a)
	t.log.Info().
		Str("attempt_id", a.ID.String()).
		Str("channel", string(a.Channel)).
		Str("state", string(a.State)).
		Int("attempt_count", a.AttemptCount).
		Msg("delivery attempt finished")
}

// cancelSiblings expires every other non-terminal attempt for the same
// event once one channel has delivered.
func (t *Tracker) cancelSiblings(ctx context.Context, delivered *DeliveryAttempt) {
	siblings, err := t.repo.ListByDedupKey(ctx, delivered.DedupKey)
	if err != nil {
		t.log.Error().Err(err).Str("dedup_key", delivered.DedupKey).Msg("list sibling attempts")
		return
	}
	for _, s := range siblings {
		if s.ID == delivered.ID {
			continue
		}
		if err := t.Cancel(ctx, s.ID, "sibling channel delivered"); err != nil {
			t.log.Error().Err(err).Str("attempt_id", s.ID.String()).Msg("cancel sibling attempt")
		}
	}
}

// Cancel expires a pending attempt. Cancelling a terminal attempt is a no-op.
func (t *Tracker) Cancel(ctx context.Context, id uuid.UUID, reason string) error {
	a, err := t.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.State.IsTerminal() {
		return nil
	}
	t.toTerminal(ctx, a, StateExpired, audit.ActionNotifyCancelled, reason)
	return nil
}

// CancelByDedupKey expires every pending attempt for one domain event, e.g.
// when the underlying message is read before any notification went out.
func (t *Tracker) CancelByDedupKey(ctx context.Context, dedupKey, reason string) error {
	attempts, err := t.repo.ListByDedupKey(ctx, dedupKey)
	if err != nil {
		return err
	}
	for _, a := range attempts {
		if err := t.Cancel(ctx, a.ID, reason); err != nil {
			return err
		}
	}
	return nil
}

// Outcome statuses accepted from provider callbacks and polls.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeBounced   = "bounced"
)

// ObserveOutcome applies a provider-reported status to the attempt that
// produced the given provider message id. Push callbacks and poll results
// both land here. Outcomes for attempts already in a terminal state are
// dropped; the synchronous ack usually wins the race.
func (t *Tracker) ObserveOutcome(ctx context.Context, providerMessageID, status string) error {
	switch status {
	case OutcomeDelivered, OutcomeFailed, OutcomeBounced:
	default:
		return fmt.Errorf("notify: unknown delivery outcome %q", status)
	}

	a, err := t.repo.GetByProviderMessageID(ctx, providerMessageID)
	if err != nil {
		return err
	}
	if a.State.IsTerminal() {
		return nil
	}

	switch status {
	case OutcomeDelivered:
		// A queued retry the provider reports as delivered still walks the
		// machine: queued -> sending -> delivered, without a provider call.
		if a.State == StateQueued {
			if err := a.transition(StateSending, t.now()); err != nil {
				return err
			}
		}
		t.toTerminal(ctx, a, StateDelivered, audit.ActionNotifyDelivered, "")
		t.cancelSiblings(ctx, a)
		return nil
	case OutcomeFailed:
		if a.State != StateSending {
			return nil
		}
		a.LastError = "provider reported failure"
		t.failAttempt(ctx, a, true)
		return nil
	case OutcomeBounced:
		if a.State != StateSending {
			return nil
		}
		a.LastError = "provider reported bounce"
		t.failAttempt(ctx, a, false)
	}
	return nil
}

// Delivered reports whether any attempt for the event has delivered.
func (t *Tracker) Delivered(ctx context.Context, dedupKey string) (bool, error) {
	attempts, err := t.repo.ListByDedupKey(ctx, dedupKey)
	if err != nil {
		return false, err
	}
	for _, a := range attempts {
		if a.State == StateDelivered {
			return true, nil
		}
	}
	return false, nil
}

// Replay re-queues a permanently failed or expired attempt as a new attempt
// with a fresh id and count. Terminal states stay terminal; operator replay
// is a new attempt, not a revival.
func (t *Tracker) Replay(ctx context.Context, id uuid.UUID) (*DeliveryAttempt, error) {
	old, err := t.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if old.State != StatePermanentlyFailed && old.State != StateExpired {
		return nil, fmt.Errorf("notify: replay requires a terminal failed or expired attempt, got %s", old.State)
	}

	now := t.now()
	fresh := &DeliveryAttempt{
		ID:            uuid.New(),
		EventKind:     old.EventKind,
		DedupKey:      old.DedupKey,
		Recipient:     old.Recipient,
		ThreadID:      old.ThreadID,
		Channel:       old.Channel,
		Address:       old.Address,
		Payload:       old.Payload,
		State:         StateQueued,
		RelevantUntil: old.RelevantUntil,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := t.Enqueue(ctx, fresh); err != nil {
		return nil, err
	}
	t.audit(ctx, audit.ActionNotifyReplayed, fresh)
	return fresh, nil
}

func (t *Tracker) audit(ctx context.Context, action string, a *DeliveryAttempt) {
	_, err := t.auditor.Record(ctx, audit.Entry{
		Actor:      "system",
		Action:     action,
		EntityType: "delivery_attempt",
		EntityID:   a.ID.String(),
		PayloadDigest: audit.DigestPayload(map[string]string{
			"channel":       string(a.Channel),
			"state":         string(a.State),
			"dedup_key":     a.DedupKey,
			"attempt_count": fmt.Sprintf("%d", a.AttemptCount),
		}),
	})
	if err != nil {
		t.log.Error().Err(err).Str("action", action).Msg("audit delivery attempt")
	}
}
