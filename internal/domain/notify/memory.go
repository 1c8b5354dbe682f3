package notify

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryAttemptRepo keeps delivery attempts in process. Development and test
// store; production uses the Postgres repo.
type MemoryAttemptRepo struct {
	mu       sync.RWMutex
	attempts map[uuid.UUID]*DeliveryAttempt
	byPMID   map[string]uuid.UUID
}

func NewMemoryAttemptRepo() *MemoryAttemptRepo {
	return &MemoryAttemptRepo{
		attempts: make(map[uuid.UUID]*DeliveryAttempt),
		byPMID:   make(map[string]uuid.UUID),
	}
}

func (r *MemoryAttemptRepo) Create(_ context.Context, attempt *DeliveryAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Mirrors the partial unique index on (dedup_key, channel): at most one
	// live or delivered attempt per pair, even under concurrent emission.
	for _, a := range r.attempts {
		if a.DedupKey == attempt.DedupKey && a.Channel == attempt.Channel &&
			(!a.State.IsTerminal() || a.State == StateDelivered) {
			return ErrDuplicateAttempt
		}
	}
	cp := *attempt
	r.attempts[attempt.ID] = &cp
	if attempt.ProviderMessageID != "" {
		r.byPMID[attempt.ProviderMessageID] = attempt.ID
	}
	return nil
}

func (r *MemoryAttemptRepo) Update(_ context.Context, attempt *DeliveryAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.attempts[attempt.ID]; !ok {
		return ErrAttemptNotFound
	}
	cp := *attempt
	r.attempts[attempt.ID] = &cp
	if attempt.ProviderMessageID != "" {
		r.byPMID[attempt.ProviderMessageID] = attempt.ID
	}
	return nil
}

func (r *MemoryAttemptRepo) Get(_ context.Context, id uuid.UUID) (*DeliveryAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.attempts[id]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *MemoryAttemptRepo) GetByProviderMessageID(_ context.Context, pmid string) (*DeliveryAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPMID[pmid]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	cp := *r.attempts[id]
	return &cp, nil
}

func (r *MemoryAttemptRepo) ListByDedupKey(_ context.Context, dedupKey string) ([]*DeliveryAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*DeliveryAttempt
	for _, a := range r.attempts {
		if a.DedupKey == dedupKey {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryAttemptRepo) ListByThread(_ context.Context, threadID uuid.UUID, limit int) ([]*DeliveryAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*DeliveryAttempt
	for _, a := range r.attempts {
		if a.ThreadID == threadID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryAttemptRepo) ListQueued(_ context.Context) ([]*DeliveryAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*DeliveryAttempt
	for _, a := range r.attempts {
		if a.State == StateQueued {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	return out, nil
}

func (r *MemoryAttemptRepo) Stats(_ context.Context) (map[AttemptState]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make(map[AttemptState]int)
	for _, a := range r.attempts {
		stats[a.State]++
	}
	return stats, nil
}
