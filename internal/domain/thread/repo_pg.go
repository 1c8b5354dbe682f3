package thread

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carewire/carewire/internal/platform/db"
)

// PGRepo is the Postgres thread store. Messages are insert-only at the
// schema level as well; there is no UPDATE or DELETE on the messages table.
type PGRepo struct {
	pool *pgxpool.Pool
}

func NewPGRepo(pool *pgxpool.Pool) *PGRepo {
	return &PGRepo{pool: pool}
}

// q resolves the query surface: a context transaction when one is in flight,
// the pool otherwise.
func (r *PGRepo) q(ctx context.Context) db.Querier {
	return db.QuerierFor(ctx, r.pool)
}

// lastRead round-trips the per-participant read markers through jsonb.
func marshalLastRead(m map[uuid.UUID]int64) ([]byte, error) {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k.String()] = v
	}
	return json.Marshal(out)
}

func unmarshalLastRead(raw []byte) (map[uuid.UUID]int64, error) {
	var in map[string]int64
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]int64, len(in))
	for k, v := range in {
		id, err := uuid.Parse(k)
		if err != nil {
			return nil, err
		}
		out[id] = v
	}
	return out, nil
}

const threadColumns = `id, title, participants, last_read, archived, created_at, updated_at`

func scanThread(row pgx.Row) (*Thread, error) {
	var t Thread
	var lastRead []byte
	if err := row.Scan(&t.ID, &t.Title, &t.Participants, &lastRead, &t.Archived, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if t.LastRead, err = unmarshalLastRead(lastRead); err != nil {
		return nil, fmt.Errorf("decode last_read: %w", err)
	}
	return &t, nil
}

func (r *PGRepo) CreateThread(ctx context.Context, t *Thread) error {
	lastRead, err := marshalLastRead(t.LastRead)
	if err != nil {
		return fmt.Errorf("encode last_read: %w", err)
	}
	_, err = r.q(ctx).Exec(ctx, `
		INSERT INTO threads (`+threadColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.Title, t.Participants, lastRead, t.Archived, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

func (r *PGRepo) GetThread(ctx context.Context, id uuid.UUID) (*Thread, error) {
	row := r.q(ctx).QueryRow(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = $1`, id)
	t, err := scanThread(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select thread: %w", err)
	}
	return t, nil
}

func (r *PGRepo) UpdateThread(ctx context.Context, t *Thread) error {
	lastRead, err := marshalLastRead(t.LastRead)
	if err != nil {
		return fmt.Errorf("encode last_read: %w", err)
	}
	tag, err := r.q(ctx).Exec(ctx, `
		UPDATE threads
		SET title = $2, participants = $3, last_read = $4, archived = $5, updated_at = $6
		WHERE id = $1`,
		t.ID, t.Title, t.Participants, lastRead, t.Archived, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrThreadNotFound
	}
	return nil
}

func (r *PGRepo) ListThreadsByParticipant(ctx context.Context, participant uuid.UUID, limit, offset int) ([]*Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q(ctx).Query(ctx, `
		SELECT `+threadColumns+` FROM threads
		WHERE $1 = ANY(participants)
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, participant, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("select threads by participant: %w", err)
	}
	defer rows.Close()

	var out []*Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const messageColumns = `id, thread_id, seq, sender, ciphertext, nonce, key_ref, critical, attachments, in_reply_to, created_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	var attachments []byte
	var inReplyTo *uuid.UUID
	err := row.Scan(&m.ID, &m.ThreadID, &m.Seq, &m.Sender, &m.Ciphertext, &m.Nonce,
		&m.KeyRef, &m.Critical, &attachments, &inReplyTo, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
	}
	if inReplyTo != nil {
		m.InReplyTo = *inReplyTo
	}
	return &m, nil
}

func (r *PGRepo) InsertMessage(ctx context.Context, m *Message) error {
	attachments, err := json.Marshal(m.Attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	var inReplyTo *uuid.UUID
	if m.InReplyTo != uuid.Nil {
		inReplyTo = &m.InReplyTo
	}
	_, err = r.q(ctx).Exec(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, m.ThreadID, m.Seq, m.Sender, m.Ciphertext, m.Nonce,
		m.KeyRef, m.Critical, attachments, inReplyTo, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *PGRepo) GetMessage(ctx context.Context, threadID, messageID uuid.UUID) (*Message, error) {
	row := r.q(ctx).QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE thread_id = $1 AND id = $2`, threadID, messageID)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select message: %w", err)
	}
	return m, nil
}

func (r *PGRepo) MaxSeq(ctx context.Context, threadID uuid.UUID) (int64, error) {
	var max int64
	err := r.q(ctx).QueryRow(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM messages WHERE thread_id = $1`, threadID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("select max seq: %w", err)
	}
	return max, nil
}

func (r *PGRepo) ListSince(ctx context.Context, threadID uuid.UUID, afterSeq int64, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.q(ctx).Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE thread_id = $1 AND seq > $2
		ORDER BY seq ASC LIMIT $3`, threadID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("select messages since: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
