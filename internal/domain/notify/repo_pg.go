package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGAttemptRepo is the Postgres delivery-attempt store.
type PGAttemptRepo struct {
	pool *pgxpool.Pool
}

func NewPGAttemptRepo(pool *pgxpool.Pool) *PGAttemptRepo {
	return &PGAttemptRepo{pool: pool}
}

const attemptColumns = `id, event_kind, dedup_key, recipient, thread_id, channel, address,
	payload_subject, payload_body, state, attempt_count, next_retry_at, relevant_until,
	provider_message_id, last_error, created_at, updated_at`

func scanAttempt(row pgx.Row) (*DeliveryAttempt, error) {
	var a DeliveryAttempt
	var threadID *uuid.UUID
	var nextRetryAt, relevantUntil *time.Time
	var providerMessageID, lastError *string

	err := row.Scan(&a.ID, &a.EventKind, &a.DedupKey, &a.Recipient, &threadID, &a.Channel, &a.Address,
		&a.Payload.Subject, &a.Payload.Body, &a.State, &a.AttemptCount, &nextRetryAt, &relevantUntil,
		&providerMessageID, &lastError, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if threadID != nil {
		a.ThreadID = *threadID
	}
	if nextRetryAt != nil {
		a.NextRetryAt = *nextRetryAt
	}
	if relevantUntil != nil {
		a.RelevantUntil = *relevantUntil
	}
	if providerMessageID != nil {
		a.ProviderMessageID = *providerMessageID
	}
	if lastError != nil {
		a.LastError = *lastError
	}
	return &a, nil
}

func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *PGAttemptRepo) Create(ctx context.Context, a *DeliveryAttempt) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO delivery_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		a.ID, a.EventKind, a.DedupKey, a.Recipient, nullUUID(a.ThreadID), a.Channel, a.Address,
		a.Payload.Subject, a.Payload.Body, a.State, a.AttemptCount, nullTime(a.NextRetryAt),
		nullTime(a.RelevantUntil), nullString(a.ProviderMessageID), nullString(a.LastError),
		a.CreatedAt, a.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "idx_attempts_dedup_channel_live" {
		return ErrDuplicateAttempt
	}
	if err != nil {
		return fmt.Errorf("insert delivery attempt: %w", err)
	}
	return nil
}

func (r *PGAttemptRepo) Update(ctx context.Context, a *DeliveryAttempt) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE delivery_attempts
		SET state = $2, attempt_count = $3, next_retry_at = $4,
		    provider_message_id = $5, last_error = $6, updated_at = $7
		WHERE id = $1`,
		a.ID, a.State, a.AttemptCount, nullTime(a.NextRetryAt),
		nullString(a.ProviderMessageID), nullString(a.LastError), a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update delivery attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

func (r *PGAttemptRepo) Get(ctx context.Context, id uuid.UUID) (*DeliveryAttempt, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+attemptColumns+` FROM delivery_attempts WHERE id = $1`, id)
	a, err := scanAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select delivery attempt: %w", err)
	}
	return a, nil
}

func (r *PGAttemptRepo) GetByProviderMessageID(ctx context.Context, pmid string) (*DeliveryAttempt, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+attemptColumns+` FROM delivery_attempts WHERE provider_message_id = $1`, pmid)
	a, err := scanAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select delivery attempt by provider id: %w", err)
	}
	return a, nil
}

func (r *PGAttemptRepo) collect(rows pgx.Rows) ([]*DeliveryAttempt, error) {
	defer rows.Close()
	var out []*DeliveryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PGAttemptRepo) ListByDedupKey(ctx context.Context, dedupKey string) ([]*DeliveryAttempt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+attemptColumns+` FROM delivery_attempts
		WHERE dedup_key = $1 ORDER BY created_at ASC`, dedupKey)
	if err != nil {
		return nil, fmt.Errorf("select attempts by dedup key: %w", err)
	}
	return r.collect(rows)
}

func (r *PGAttemptRepo) ListByThread(ctx context.Context, threadID uuid.UUID, limit int) ([]*DeliveryAttempt, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+attemptColumns+` FROM delivery_attempts
		WHERE thread_id = $1 ORDER BY created_at DESC LIMIT $2`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("select attempts by thread: %w", err)
	}
	return r.collect(rows)
}

func (r *PGAttemptRepo) ListQueued(ctx context.Context) ([]*DeliveryAttempt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+attemptColumns+` FROM delivery_attempts
		WHERE state = $1 ORDER BY next_retry_at ASC NULLS FIRST`, StateQueued)
	if err != nil {
		return nil, fmt.Errorf("select queued attempts: %w", err)
	}
	return r.collect(rows)
}

func (r *PGAttemptRepo) Stats(ctx context.Context) (map[AttemptState]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT state, COUNT(*) FROM delivery_attempts GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("select attempt stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[AttemptState]int)
	for rows.Next() {
		var state AttemptState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan attempt stats: %w", err)
		}
		stats[state] = n
	}
	return stats, rows.Err()
}

// PGPreferenceStore persists per-recipient channel preferences. Channels and
// addresses round-trip through jsonb; a recipient with no row gets the
// policy defaults.
type PGPreferenceStore struct {
	pool *pgxpool.Pool
}

func NewPGPreferenceStore(pool *pgxpool.Pool) *PGPreferenceStore {
	return &PGPreferenceStore{pool: pool}
}

func (s *PGPreferenceStore) Get(ctx context.Context, recipient uuid.UUID) (*Preferences, error) {
	var channels, addresses []byte
	err := s.pool.QueryRow(ctx, `
		SELECT channels, addresses FROM notification_preferences WHERE recipient = $1`,
		recipient).Scan(&channels, &addresses)
	if errors.Is(err, pgx.ErrNoRows) {
		return &Preferences{Recipient: recipient}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select preferences: %w", err)
	}

	prefs := &Preferences{Recipient: recipient}
	if err := json.Unmarshal(channels, &prefs.Channels); err != nil {
		return nil, fmt.Errorf("decode preference channels: %w", err)
	}
	if err := json.Unmarshal(addresses, &prefs.Addresses); err != nil {
		return nil, fmt.Errorf("decode preference addresses: %w", err)
	}
	return prefs, nil
}

func (s *PGPreferenceStore) Put(ctx context.Context, prefs *Preferences) error {
	channels, err := json.Marshal(prefs.Channels)
	if err != nil {
		return fmt.Errorf("encode preference channels: %w", err)
	}
	addresses, err := json.Marshal(prefs.Addresses)
	if err != nil {
		return fmt.Errorf("encode preference addresses: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO notification_preferences (recipient, channels, addresses, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (recipient) DO UPDATE
		SET channels = EXCLUDED.channels, addresses = EXCLUDED.addresses, updated_at = now()`,
		prefs.Recipient, channels, addresses)
	if err != nil {
		return fmt.Errorf("upsert preferences: %w", err)
	}
	return nil
}
