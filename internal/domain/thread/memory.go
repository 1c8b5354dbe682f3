package thread

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryRepo is the in-process thread store for development and tests.
type MemoryRepo struct {
	mu       sync.RWMutex
	threads  map[uuid.UUID]*Thread
	messages map[uuid.UUID][]*Message
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		threads:  make(map[uuid.UUID]*Thread),
		messages: make(map[uuid.UUID][]*Message),
	}
}

func copyThread(t *Thread) *Thread {
	cp := *t
	cp.Participants = append([]uuid.UUID(nil), t.Participants...)
	cp.LastRead = make(map[uuid.UUID]int64, len(t.LastRead))
	for k, v := range t.LastRead {
		cp.LastRead[k] = v
	}
	return &cp
}

func (r *MemoryRepo) CreateThread(_ context.Context, t *Thread) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threads[t.ID] = copyThread(t)
	return nil
}

func (r *MemoryRepo) GetThread(_ context.Context, id uuid.UUID) (*Thread, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.threads[id]
	if !ok {
		return nil, ErrThreadNotFound
	}
	return copyThread(t), nil
}

func (r *MemoryRepo) UpdateThread(_ context.Context, t *Thread) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.threads[t.ID]; !ok {
		return ErrThreadNotFound
	}
	r.threads[t.ID] = copyThread(t)
	return nil
}

func (r *MemoryRepo) ListThreadsByParticipant(_ context.Context, participant uuid.UUID, limit, offset int) ([]*Thread, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Thread
	for _, t := range r.threads {
		if t.HasParticipant(participant) {
			out = append(out, copyThread(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepo) InsertMessage(_ context.Context, m *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *m
	r.messages[m.ThreadID] = append(r.messages[m.ThreadID], &cp)
	return nil
}

func (r *MemoryRepo) GetMessage(_ context.Context, threadID, messageID uuid.UUID) (*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.messages[threadID] {
		if m.ID == messageID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrMessageNotFound
}

func (r *MemoryRepo) MaxSeq(_ context.Context, threadID uuid.UUID) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var max int64
	for _, m := range r.messages[threadID] {
		if m.Seq > max {
			max = m.Seq
		}
	}
	return max, nil
}

func (r *MemoryRepo) ListSince(_ context.Context, threadID uuid.UUID, afterSeq int64, limit int) ([]*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Message
	for _, m := range r.messages[threadID] {
		if m.Seq > afterSeq {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
