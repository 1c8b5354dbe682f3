// Package thread stores encrypted conversation threads. Message bodies are
// opaque ciphertext envelopes; this package never sees plaintext except in
// the decrypt step performed on behalf of an authenticated participant.
package thread

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrThreadNotFound  = errors.New("thread: not found")
	ErrMessageNotFound = errors.New("thread: message not found")
	ErrNotParticipant  = errors.New("thread: not a participant")
	ErrThreadArchived  = errors.New("thread: archived")

	// ErrAttachmentNotEncrypted rejects attachment references that are not
	// flagged encrypted-at-rest. Attachments in an encrypted thread must be
	// client-side encrypted before they reach the blob store.
	ErrAttachmentNotEncrypted = errors.New("thread: attachment not encrypted at rest")
)

// Thread is a fixed-participant encrypted conversation. Threads are archived,
// never deleted.
type Thread struct {
	ID           uuid.UUID            `json:"id"`
	Title        string               `json:"title"`
	Participants []uuid.UUID          `json:"participants"`
	LastRead     map[uuid.UUID]int64  `json:"last_read"`
	Archived     bool                 `json:"archived"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// HasParticipant reports membership.
func (t *Thread) HasParticipant(id uuid.UUID) bool {
	for _, p := range t.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// AttachmentRef points at a blob in the external attachment store. The store
// itself is outside this system; only the reference and the encryption flag
// live here.
type AttachmentRef struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	EncryptedAtRest bool      `json:"encrypted_at_rest"`
}

// Message is one immutable entry in a thread. Seq is assigned by the store
// and strictly increases within the thread; corrections are new messages
// referencing the original via InReplyTo.
type Message struct {
	ID          uuid.UUID       `json:"id"`
	ThreadID    uuid.UUID       `json:"thread_id"`
	Seq         int64           `json:"seq"`
	Sender      uuid.UUID       `json:"sender"`
	Ciphertext  []byte          `json:"ciphertext"`
	Nonce       []byte          `json:"nonce"`
	KeyRef      string          `json:"key_ref"`
	Critical    bool            `json:"critical"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
	InReplyTo   uuid.UUID       `json:"in_reply_to,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
