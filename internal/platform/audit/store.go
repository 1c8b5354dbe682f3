package audit

import (
	"context"
	"sync"
)

// MemoryStore keeps audit records in process. Used in development mode and
// tests; production runs on the Postgres store.
type MemoryStore struct {
	mu   sync.RWMutex
	recs []*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.recs = append(s.recs, &cp)
	return nil
}

func (s *MemoryStore) Last(_ context.Context) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.recs) == 0 {
		return nil, nil
	}
	cp := *s.recs[len(s.recs)-1]
	return &cp, nil
}

func (s *MemoryStore) Range(_ context.Context, fromSeq, toSeq uint64) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0)
	for _, rec := range s.recs {
		if rec.Seq >= fromSeq && rec.Seq <= toSeq {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Count(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.recs)), nil
}

// Tamper overwrites a stored record in place. Test hook for integrity checks.
func (s *MemoryStore) Tamper(seq uint64, mutate func(*Record)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.recs {
		if rec.Seq == seq {
			mutate(rec)
			return true
		}
	}
	return false
}
