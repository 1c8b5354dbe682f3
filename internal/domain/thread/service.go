package thread

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carewire/carewire/internal/domain/notify"
	"github.com/carewire/carewire/internal/platform/audit"
	"github.com/carewire/carewire/internal/platform/keyring"
)

// EventSink receives domain events produced by the thread store, at least
// once per event. The notification dispatcher implements it.
type EventSink interface {
	Handle(ctx context.Context, event notify.DomainEvent) error
}

// NotificationCanceller cancels pending delivery attempts when their trigger
// becomes irrelevant. The delivery tracker implements it.
type NotificationCanceller interface {
	CancelByDedupKey(ctx context.Context, dedupKey, reason string) error
}

// Service owns thread and message semantics: membership, per-thread ordered
// appends, read markers, and the key lifecycle on membership changes.
type Service struct {
	repo      Repo
	keys      *keyring.Manager
	sink      EventSink
	canceller NotificationCanceller
	auditor   *audit.Logger
	log       zerolog.Logger

	// appendMu serializes appends per thread so sequence numbers are
	// assigned by exactly one writer at a time.
	appendMu sync.Map // uuid.UUID -> *sync.Mutex
}

func NewService(repo Repo, keys *keyring.Manager, sink EventSink, canceller NotificationCanceller,
	auditor *audit.Logger, log zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		keys:      keys,
		sink:      sink,
		canceller: canceller,
		auditor:   auditor,
		log:       log,
	}
}

func (s *Service) threadLock(id uuid.UUID) *sync.Mutex {
	v, _ := s.appendMu.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// CreateThread opens a conversation and provisions its first key. The
// wrapped keys are returned once for distribution to participants and are
// not stored here.
func (s *Service) CreateThread(ctx context.Context, creator uuid.UUID, title string, participants []uuid.UUID) (*Thread, []keyring.WrappedKey, error) {
	found := false
	for _, p := range participants {
		if p == creator {
			found = true
			break
		}
	}
	if !found {
		participants = append(participants, creator)
	}

	now := time.Now().UTC()
	t := &Thread{
		ID:           uuid.New(),
		Title:        title,
		Participants: participants,
		LastRead:     make(map[uuid.UUID]int64, len(participants)),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	wrapped, err := s.keys.CreateThreadKey(ctx, t.ID, participants)
	if err != nil {
		return nil, nil, fmt.Errorf("provision thread key: %w", err)
	}
	if err := s.repo.CreateThread(ctx, t); err != nil {
		return nil, nil, fmt.Errorf("create thread: %w", err)
	}

	s.audit(ctx, creator.String(), audit.ActionThreadCreated, "thread", t.ID.String(), map[string]interface{}{
		"participants": len(participants),
	})
	return t, wrapped, nil
}

// AppendInput is one message to add to a thread.
type AppendInput struct {
	ThreadID    uuid.UUID
	Sender      uuid.UUID
	Plaintext   []byte
	Critical    bool
	Attachments []AttachmentRef
	InReplyTo   uuid.UUID
}

// Append encrypts and stores a message, assigns the next sequence number
// under the thread's append lock, and emits one new_message event per
// recipient. The sender sees the message as sent once it is persisted;
// notification delivery succeeds or fails independently.
func (s *Service) Append(ctx context.Context, in AppendInput) (*Message, error) {
	t, err := s.repo.GetThread(ctx, in.ThreadID)
	if err != nil {
		return nil, err
	}
	if t.Archived {
		return nil, ErrThreadArchived
	}
	if !t.HasParticipant(in.Sender) {
		return nil, ErrNotParticipant
	}
	for _, att := range in.Attachments {
		if !att.EncryptedAtRest {
			return nil, fmt.Errorf("%w: %s", ErrAttachmentNotEncrypted, att.ID)
		}
	}

	env, err := s.keys.EncryptMessage(ctx, in.ThreadID, in.Sender, in.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt message: %w", err)
	}

	lock := s.threadLock(in.ThreadID)
	lock.Lock()
	maxSeq, err := s.repo.MaxSeq(ctx, in.ThreadID)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("read max seq: %w", err)
	}
	m := &Message{
		ID:          uuid.New(),
		ThreadID:    in.ThreadID,
		Seq:         maxSeq + 1,
		Sender:      in.Sender,
		Ciphertext:  env.Ciphertext,
		Nonce:       env.Nonce,
		KeyRef:      env.KeyRef,
		Critical:    in.Critical,
		Attachments: in.Attachments,
		InReplyTo:   in.InReplyTo,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.repo.InsertMessage(ctx, m); err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("insert message: %w", err)
	}
	lock.Unlock()

	s.audit(ctx, in.Sender.String(), audit.ActionMessageSent, "message", m.ID.String(), map[string]interface{}{
		"thread_id": t.ID.String(),
		"seq":       m.Seq,
		"critical":  m.Critical,
	})
	s.emitNewMessage(ctx, t, m)
	return m, nil
}

// emitNewMessage fans one event out per recipient. Emission is at least
// once; the dispatcher deduplicates on the dedup key.
func (s *Service) emitNewMessage(ctx context.Context, t *Thread, m *Message) {
	urgency := notify.UrgencyNormal
	if m.Critical {
		urgency = notify.UrgencyCritical
	}
	for _, p := range t.Participants {
		if p == m.Sender {
			continue
		}
		event := notify.DomainEvent{
			Kind:      notify.EventNewMessage,
			Recipient: p,
			Urgency:   urgency,
			DedupKey:  MessageDedupKey(m.ID, p),
			ThreadID:  t.ID,
			Payload:   map[string]string{"thread_title": t.Title},
			CreatedAt: m.CreatedAt,
		}
		if err := s.sink.Handle(ctx, event); err != nil {
			s.log.Error().Err(err).
				Str("message_id", m.ID.String()).
				Str("recipient", p.String()).
				Msg("emit new_message event")
		}
	}
}

// MessageDedupKey identifies one (message, recipient) notification.
func MessageDedupKey(messageID, recipient uuid.UUID) string {
	return messageID.String() + ":" + recipient.String()
}

// ListSince returns a page of messages after the cursor in sequence order.
// The returned cursor restarts the listing at the next unseen message; an
// empty cursor starts from the beginning.
func (s *Service) ListSince(ctx context.Context, threadID, reader uuid.UUID, cursor string, limit int) ([]*Message, string, error) {
	t, err := s.repo.GetThread(ctx, threadID)
	if err != nil {
		return nil, "", err
	}
	if !t.HasParticipant(reader) {
		return nil, "", ErrNotParticipant
	}

	var afterSeq int64
	if cursor != "" {
		afterSeq, err = strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("thread: invalid cursor %q", cursor)
		}
	}

	msgs, err := s.repo.ListSince(ctx, threadID, afterSeq, limit)
	if err != nil {
		return nil, "", err
	}
	next := cursor
	if len(msgs) > 0 {
		next = strconv.FormatInt(msgs[len(msgs)-1].Seq, 10)
	}
	return msgs, next, nil
}

// Decrypt opens a stored message for a participant. Decryption failures are
// audited and never retried.
func (s *Service) Decrypt(ctx context.Context, threadID, reader, messageID uuid.UUID) ([]byte, error) {
	t, err := s.repo.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !t.HasParticipant(reader) {
		return nil, ErrNotParticipant
	}
	m, err := s.repo.GetMessage(ctx, threadID, messageID)
	if err != nil {
		return nil, err
	}

	plaintext, err := s.keys.DecryptMessage(ctx, threadID, reader, &keyring.Envelope{
		Ciphertext: m.Ciphertext,
		Nonce:      m.Nonce,
		KeyRef:     m.KeyRef,
	})
	if err != nil {
		if errors.Is(err, keyring.ErrDecryptionFailed) {
			s.audit(ctx, reader.String(), audit.ActionDecryptFailed, "message", m.ID.String(), map[string]interface{}{
				"thread_id": threadID.String(),
				"key_ref":   m.KeyRef,
			})
		}
		return nil, err
	}
	return plaintext, nil
}

// MarkRead advances a participant's read marker and immediately cancels
// pending notifications for the messages it covers. The marker never moves
// backwards.
func (s *Service) MarkRead(ctx context.Context, threadID, participant uuid.UUID, uptoSeq int64) error {
	t, err := s.repo.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if !t.HasParticipant(participant) {
		return ErrNotParticipant
	}

	prev := t.LastRead[participant]
	if uptoSeq <= prev {
		return nil
	}
	t.LastRead[participant] = uptoSeq
	t.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpdateThread(ctx, t); err != nil {
		return fmt.Errorf("advance read marker: %w", err)
	}

	// Cancel notifications for every newly read message addressed to this
	// participant. Cancellation of already-terminal attempts is a no-op.
	msgs, err := s.repo.ListSince(ctx, threadID, prev, int(uptoSeq-prev))
	if err != nil {
		return fmt.Errorf("list read messages: %w", err)
	}
	for _, m := range msgs {
		if m.Seq > uptoSeq || m.Sender == participant {
			continue
		}
		key := MessageDedupKey(m.ID, participant)
		if err := s.canceller.CancelByDedupKey(ctx, key, "message read"); err != nil {
			s.log.Error().Err(err).Str("dedup_key", key).Msg("cancel notifications on read")
		}
	}

	s.audit(ctx, participant.String(), audit.ActionMessageRead, "thread", threadID.String(), map[string]interface{}{
		"upto_seq": uptoSeq,
	})
	return nil
}

// Archive soft-closes a thread. Archived threads reject appends but stay
// readable.
func (s *Service) Archive(ctx context.Context, actor, threadID uuid.UUID) error {
	t, err := s.repo.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if !t.HasParticipant(actor) {
		return ErrNotParticipant
	}
	if t.Archived {
		return nil
	}
	t.Archived = true
	t.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpdateThread(ctx, t); err != nil {
		return err
	}
	s.audit(ctx, actor.String(), audit.ActionThreadArchived, "thread", threadID.String(), nil)
	return nil
}

// AddParticipant wraps the active key for the newcomer, granting them the
// active-key history. Callers wanting a hard history cutoff remove and
// re-add around a rotation instead.
func (s *Service) AddParticipant(ctx context.Context, actor, threadID, newcomer uuid.UUID) (*keyring.WrappedKey, error) {
	t, err := s.repo.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !t.HasParticipant(actor) {
		return nil, ErrNotParticipant
	}
	if t.HasParticipant(newcomer) {
		return nil, fmt.Errorf("thread: %s already a participant", newcomer)
	}

	wrapped, err := s.keys.WrapForNewParticipant(ctx, threadID, newcomer)
	if err != nil {
		return nil, fmt.Errorf("wrap key for newcomer: %w", err)
	}

	t.Participants = append(t.Participants, newcomer)
	t.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpdateThread(ctx, t); err != nil {
		return nil, err
	}
	s.audit(ctx, actor.String(), audit.ActionParticipantAdded, "thread", threadID.String(), map[string]interface{}{
		"participant": newcomer.String(),
	})
	return wrapped, nil
}

// RemoveParticipant drops a member and rotates the thread key so they cannot
// read anything written afterwards. Old messages stay readable to them only
// through keys they already held.
func (s *Service) RemoveParticipant(ctx context.Context, actor, threadID, leaver uuid.UUID) ([]keyring.WrappedKey, error) {
	t, err := s.repo.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !t.HasParticipant(actor) {
		return nil, ErrNotParticipant
	}
	if !t.HasParticipant(leaver) {
		return nil, fmt.Errorf("thread: %s is not a participant", leaver)
	}

	remaining := make([]uuid.UUID, 0, len(t.Participants)-1)
	for _, p := range t.Participants {
		if p != leaver {
			remaining = append(remaining, p)
		}
	}
	if len(remaining) < 2 {
		return nil, fmt.Errorf("thread: cannot drop below 2 participants")
	}

	wrapped, err := s.keys.Rotate(ctx, threadID, remaining)
	if err != nil {
		return nil, fmt.Errorf("rotate thread key: %w", err)
	}

	t.Participants = remaining
	delete(t.LastRead, leaver)
	t.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpdateThread(ctx, t); err != nil {
		return nil, err
	}

	s.audit(ctx, actor.String(), audit.ActionParticipantRemoved, "thread", threadID.String(), map[string]interface{}{
		"participant": leaver.String(),
	})
	s.audit(ctx, actor.String(), audit.ActionKeyRotated, "thread", threadID.String(), nil)
	return wrapped, nil
}

// GetThread returns thread metadata to a participant.
func (s *Service) GetThread(ctx context.Context, reader, threadID uuid.UUID) (*Thread, error) {
	t, err := s.repo.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !t.HasParticipant(reader) {
		return nil, ErrNotParticipant
	}
	return t, nil
}

// ListThreads returns the reader's threads, newest first.
func (s *Service) ListThreads(ctx context.Context, reader uuid.UUID, limit, offset int) ([]*Thread, error) {
	return s.repo.ListThreadsByParticipant(ctx, reader, limit, offset)
}

func (s *Service) audit(ctx context.Context, actor, action, entityType, entityID string, payload map[string]interface{}) {
	digest := ""
	if payload != nil {
		digest = audit.DigestPayload(payload)
	}
	_, err := s.auditor.Record(ctx, audit.Entry{
		Actor:         actor,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		PayloadDigest: digest,
	})
	if err != nil {
		s.log.Error().Err(err).Str("action", action).Msg("audit thread action")
	}
}
