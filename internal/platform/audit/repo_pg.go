package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carewire/carewire/internal/platform/db"
)

// PGStore persists the audit chain in Postgres. The table is append-only;
// nothing in this store updates or deletes.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// q resolves the query surface: a context transaction when one is in flight,
// the pool otherwise. An audit record written inside a caller's transaction
// commits or rolls back with the action it describes.
func (s *PGStore) q(ctx context.Context) db.Querier {
	return db.QuerierFor(ctx, s.pool)
}

const auditColumns = `id, seq, timestamp, actor, action, entity_type, entity_id, payload_digest, prev_hash, hash`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.Seq, &rec.Timestamp, &rec.Actor, &rec.Action,
		&rec.EntityType, &rec.EntityID, &rec.PayloadDigest, &rec.PrevHash, &rec.Hash)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PGStore) Append(ctx context.Context, rec *Record) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO audit_records (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.Seq, rec.Timestamp, rec.Actor, rec.Action,
		rec.EntityType, rec.EntityID, rec.PayloadDigest, rec.PrevHash, rec.Hash)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (s *PGStore) Last(ctx context.Context) (*Record, error) {
	row := s.q(ctx).QueryRow(ctx, `
		SELECT `+auditColumns+` FROM audit_records ORDER BY seq DESC LIMIT 1`)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select last audit record: %w", err)
	}
	return rec, nil
}

func (s *PGStore) Range(ctx context.Context, fromSeq, toSeq uint64) ([]*Record, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT `+auditColumns+` FROM audit_records
		WHERE seq >= $1 AND seq <= $2 ORDER BY seq ASC`, fromSeq, toSeq)
	if err != nil {
		return nil, fmt.Errorf("select audit range: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PGStore) Count(ctx context.Context) (uint64, error) {
	var n uint64
	if err := s.q(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM audit_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit records: %w", err)
	}
	return n, nil
}
