package thread

import (
	"context"

	"github.com/google/uuid"
)

// Repo persists threads and messages. Messages are insert-only; threads
// update metadata (participants, read markers, archive flag) but are never
// deleted.
type Repo interface {
	CreateThread(ctx context.Context, t *Thread) error
	GetThread(ctx context.Context, id uuid.UUID) (*Thread, error)
	UpdateThread(ctx context.Context, t *Thread) error
	ListThreadsByParticipant(ctx context.Context, participant uuid.UUID, limit, offset int) ([]*Thread, error)

	InsertMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, threadID, messageID uuid.UUID) (*Message, error)

	// MaxSeq returns the highest sequence number in the thread, 0 when empty.
	MaxSeq(ctx context.Context, threadID uuid.UUID) (int64, error)

	// ListSince returns up to limit messages with Seq > afterSeq in ascending
	// sequence order. The cursor for the next page is the last Seq returned.
	ListSince(ctx context.Context, threadID uuid.UUID, afterSeq int64, limit int) ([]*Message, error)
}
