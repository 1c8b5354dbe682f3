package keyring

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MemoryDirectory is an in-process Directory for development and tests.
// Participants register their public key-exchange material directly.
type MemoryDirectory struct {
	mu   sync.RWMutex
	keys map[uuid.UUID]*[32]byte
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{keys: make(map[uuid.UUID]*[32]byte)}
}

func (d *MemoryDirectory) Register(participantID uuid.UUID, pub *[32]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *pub
	d.keys[participantID] = &cp
}

func (d *MemoryDirectory) KeyMaterial(_ context.Context, participantID uuid.UUID) (*[32]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	pub, ok := d.keys[participantID]
	if !ok {
		return nil, ErrKeyUnavailable
	}
	cp := *pub
	return &cp, nil
}

// PGDirectory reads participant key-exchange material from the
// participant_keys table. Key enrollment happens out of band through the
// identity provider; this side only ever reads.
type PGDirectory struct {
	pool *pgxpool.Pool
}

func NewPGDirectory(pool *pgxpool.Pool) *PGDirectory {
	return &PGDirectory{pool: pool}
}

func (d *PGDirectory) KeyMaterial(ctx context.Context, participantID uuid.UUID) (*[32]byte, error) {
	var raw []byte
	err := d.pool.QueryRow(ctx,
		`SELECT public_key FROM participant_keys WHERE participant_id = $1`,
		participantID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrKeyUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("select participant key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("participant key for %s has %d bytes, want 32", participantID, len(raw))
	}
	var pub [32]byte
	copy(pub[:], raw)
	return &pub, nil
}
