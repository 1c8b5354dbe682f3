package keyring

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// KeyRecord is one escrowed thread key. Sealed is the raw key encrypted
// under the server master key; the holder list mirrors the in-memory holder
// set so state can be rebuilt after a restart.
type KeyRecord struct {
	ThreadID uuid.UUID
	KeyRef   string
	Active   bool
	Sealed   []byte
	Holders  []uuid.UUID
}

// KeyStore persists escrowed thread keys. Save upserts; saving an active
// record demotes the thread's previously active key.
type KeyStore interface {
	Save(ctx context.Context, rec *KeyRecord) error
	AddHolder(ctx context.Context, threadID uuid.UUID, keyRef string, participant uuid.UUID) error
	LoadAll(ctx context.Context) ([]*KeyRecord, error)
}

// MemoryKeyStore is the in-process KeyStore for development and tests.
type MemoryKeyStore struct {
	mu      sync.Mutex
	records map[string]*KeyRecord
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{records: make(map[string]*KeyRecord)}
}

func copyRecord(rec *KeyRecord) *KeyRecord {
	cp := *rec
	cp.Sealed = append([]byte(nil), rec.Sealed...)
	cp.Holders = append([]uuid.UUID(nil), rec.Holders...)
	return &cp
}

func (s *MemoryKeyStore) Save(_ context.Context, rec *KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Active {
		for _, other := range s.records {
			if other.ThreadID == rec.ThreadID {
				other.Active = false
			}
		}
	}
	s.records[rec.KeyRef] = copyRecord(rec)
	return nil
}

func (s *MemoryKeyStore) AddHolder(_ context.Context, threadID uuid.UUID, keyRef string, participant uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[keyRef]
	if !ok || rec.ThreadID != threadID {
		return fmt.Errorf("keyring: no escrow record for key %s", keyRef)
	}
	for _, h := range rec.Holders {
		if h == participant {
			return nil
		}
	}
	rec.Holders = append(rec.Holders, participant)
	return nil
}

func (s *MemoryKeyStore) LoadAll(_ context.Context) ([]*KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*KeyRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, copyRecord(rec))
	}
	return out, nil
}

// PGKeyStore persists escrowed keys in the thread_keys table.
type PGKeyStore struct {
	pool *pgxpool.Pool
}

func NewPGKeyStore(pool *pgxpool.Pool) *PGKeyStore {
	return &PGKeyStore{pool: pool}
}

func (s *PGKeyStore) Save(ctx context.Context, rec *KeyRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin key save: %w", err)
	}
	defer tx.Rollback(ctx)

	if rec.Active {
		if _, err := tx.Exec(ctx,
			`UPDATE thread_keys SET active = FALSE WHERE thread_id = $1 AND key_ref <> $2`,
			rec.ThreadID, rec.KeyRef); err != nil {
			return fmt.Errorf("demote active key: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO thread_keys (thread_id, key_ref, active, sealed, holders)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key_ref) DO UPDATE
		SET active = EXCLUDED.active, sealed = EXCLUDED.sealed, holders = EXCLUDED.holders`,
		rec.ThreadID, rec.KeyRef, rec.Active, rec.Sealed, rec.Holders); err != nil {
		return fmt.Errorf("upsert thread key: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PGKeyStore) AddHolder(ctx context.Context, threadID uuid.UUID, keyRef string, participant uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE thread_keys SET holders = array_append(holders, $3)
		WHERE thread_id = $1 AND key_ref = $2 AND NOT ($3 = ANY(holders))`,
		threadID, keyRef, participant)
	if err != nil {
		return fmt.Errorf("add key holder: %w", err)
	}
	return nil
}

func (s *PGKeyStore) LoadAll(ctx context.Context) ([]*KeyRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT thread_id, key_ref, active, sealed, holders FROM thread_keys`)
	if err != nil {
		return nil, fmt.Errorf("select thread keys: %w", err)
	}
	defer rows.Close()

	var out []*KeyRecord
	for rows.Next() {
		var rec KeyRecord
		if err := rows.Scan(&rec.ThreadID, &rec.KeyRef, &rec.Active, &rec.Sealed, &rec.Holders); err != nil {
			return nil, fmt.Errorf("scan thread key: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
