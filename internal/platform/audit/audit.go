// Package audit provides the append-only, hash-chained audit log. Every
// security-relevant action in the system lands here; records link to their
// predecessor by hash so silent tampering or truncation is detectable.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrChainIntegrity indicates the stored chain no longer verifies. Once
// raised, the logger refuses further writes until an operator calls Reopen.
var ErrChainIntegrity = errors.New("audit: chain integrity violation")

// ErrHalted indicates a write was attempted while the logger is halted.
var ErrHalted = errors.New("audit: log halted pending integrity review")

// genesisHash anchors the first record of a chain.
var genesisHash = strings.Repeat("0", 64)

// Action names recorded by the rest of the system.
const (
	ActionMessageSent        = "message.sent"
	ActionMessageRead        = "message.read"
	ActionThreadCreated      = "thread.created"
	ActionThreadArchived     = "thread.archived"
	ActionParticipantAdded   = "participant.added"
	ActionParticipantRemoved = "participant.removed"
	ActionKeyRotated         = "key.rotated"
	ActionDecryptFailed      = "decrypt.failed"
	ActionNotifyDispatched   = "notify.dispatched"
	ActionNotifyQueued       = "notify.queued"
	ActionNotifyDelivered    = "notify.delivered"
	ActionNotifyFailed       = "notify.failed"
	ActionNotifyExpired      = "notify.expired"
	ActionNotifyEscalated    = "notify.escalated"
	ActionNotifyReplayed     = "notify.replayed"
	ActionNotifyCancelled    = "notify.cancelled"
)

// Record is one link in the audit chain. PayloadDigest carries a hash of the
// action's payload, never the payload itself; message bodies in particular
// must not reach the audit store.
type Record struct {
	ID            uuid.UUID `json:"id"`
	Seq           uint64    `json:"seq"`
	Timestamp     time.Time `json:"timestamp"`
	Actor         string    `json:"actor"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	PayloadDigest string    `json:"payload_digest"`
	PrevHash      string    `json:"prev_hash"`
	Hash          string    `json:"hash"`
}

// Entry is what callers submit; chain fields are filled in by the logger.
type Entry struct {
	Actor         string
	Action        string
	EntityType    string
	EntityID      string
	PayloadDigest string
}

// DigestPayload produces the digest recorded for an action's payload.
func DigestPayload(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", v))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Store persists audit records in sequence order.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	Last(ctx context.Context) (*Record, error)
	Range(ctx context.Context, fromSeq, toSeq uint64) ([]*Record, error)
	Count(ctx context.Context) (uint64, error)
}

// Logger is the single writer for the audit chain. All appends funnel through
// one mutex so sequence numbers and hash links never race.
type Logger struct {
	store Store
	log   zerolog.Logger

	mu       sync.Mutex
	seq      uint64
	lastHash string
	halted   bool
	loaded   bool
}

func NewLogger(store Store, log zerolog.Logger) *Logger {
	return &Logger{store: store, log: log, lastHash: genesisHash}
}

// load positions the writer after the last persisted record. Called lazily
// under the write lock.
func (l *Logger) load(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	last, err := l.store.Last(ctx)
	if err != nil {
		return fmt.Errorf("audit: load chain head: %w", err)
	}
	if last != nil {
		l.seq = last.Seq
		l.lastHash = last.Hash
	}
	l.loaded = true
	return nil
}

// hashRecord computes the chain hash for a record with PrevHash already set.
func hashRecord(rec *Record) string {
	h := sha256.New()
	h.Write([]byte(rec.PrevHash))
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], rec.Seq)
	h.Write(seq[:])
	h.Write([]byte(rec.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(rec.Actor))
	h.Write([]byte(rec.Action))
	h.Write([]byte(rec.EntityType))
	h.Write([]byte(rec.EntityID))
	h.Write([]byte(rec.PayloadDigest))
	return hex.EncodeToString(h.Sum(nil))
}

// Record appends an entry to the chain. The write is serialized; callers get
// the persisted record back, including its sequence number and hash.
func (l *Logger) Record(ctx context.Context, e Entry) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.halted {
		return nil, ErrHalted
	}
	if err := l.load(ctx); err != nil {
		return nil, err
	}

	rec := &Record{
		ID:            uuid.New(),
		Seq:           l.seq + 1,
		Timestamp:     time.Now().UTC(),
		Actor:         e.Actor,
		Action:        e.Action,
		EntityType:    e.EntityType,
		EntityID:      e.EntityID,
		PayloadDigest: e.PayloadDigest,
		PrevHash:      l.lastHash,
	}
	rec.Hash = hashRecord(rec)

	if err := l.store.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("audit: append seq %d: %w", rec.Seq, err)
	}
	l.seq = rec.Seq
	l.lastHash = rec.Hash
	return rec, nil
}

// VerifyChain walks the stored records in order and re-derives every hash
// link, from genesis through the chain head. On the first mismatch it halts
// the logger and returns ErrChainIntegrity naming the offending sequence
// number.
func (l *Logger) VerifyChain(ctx context.Context) error {
	return l.VerifyRange(ctx, 0, 0)
}

// VerifyRange verifies the segment [fromSeq, toSeq] of the chain. Zero bounds
// widen to the chain ends, so VerifyRange(ctx, 0, 0) checks everything. A
// segment starting past genesis anchors on record fromSeq's stored PrevHash;
// the verdict then covers the segment's internal links, not the history
// before it. Violations halt the logger just as a full verification would.
func (l *Logger) VerifyRange(ctx context.Context, fromSeq, toSeq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	count, err := l.store.Count(ctx)
	if err != nil {
		return fmt.Errorf("audit: count records: %w", err)
	}
	if fromSeq == 0 {
		fromSeq = 1
	}
	if toSeq == 0 || toSeq > count {
		toSeq = count
	}
	if fromSeq > toSeq {
		return nil
	}

	prevHash := genesisHash
	prevSeq := fromSeq - 1
	if fromSeq > 1 {
		anchor, err := l.store.Range(ctx, fromSeq, fromSeq)
		if err != nil {
			return fmt.Errorf("audit: range %d-%d: %w", fromSeq, fromSeq, err)
		}
		if len(anchor) == 0 {
			l.halt(fromSeq)
			return fmt.Errorf("%w: gap before seq %d", ErrChainIntegrity, fromSeq)
		}
		prevHash = anchor[0].PrevHash
	}

	const batch = 500
	for from := fromSeq; from <= toSeq; from += batch {
		to := from + batch - 1
		if to > toSeq {
			to = toSeq
		}
		recs, err := l.store.Range(ctx, from, to)
		if err != nil {
			return fmt.Errorf("audit: range %d-%d: %w", from, to, err)
		}
		for _, rec := range recs {
			if rec.Seq != prevSeq+1 {
				l.halt(rec.Seq)
				return fmt.Errorf("%w: gap before seq %d", ErrChainIntegrity, rec.Seq)
			}
			if rec.PrevHash != prevHash {
				l.halt(rec.Seq)
				return fmt.Errorf("%w: broken link at seq %d", ErrChainIntegrity, rec.Seq)
			}
			if hashRecord(rec) != rec.Hash {
				l.halt(rec.Seq)
				return fmt.Errorf("%w: hash mismatch at seq %d", ErrChainIntegrity, rec.Seq)
			}
			prevHash = rec.Hash
			prevSeq = rec.Seq
		}
	}
	return nil
}

func (l *Logger) halt(seq uint64) {
	l.halted = true
	l.log.Error().Uint64("seq", seq).Msg("audit chain integrity violation, halting writes")
}

// Halted reports whether the logger is refusing writes.
func (l *Logger) Halted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.halted
}

// Reopen clears the halted state after operator review and repositions the
// writer at the current chain head.
func (l *Logger) Reopen(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.halted = false
	l.loaded = false
	l.seq = 0
	l.lastHash = genesisHash
	if err := l.load(ctx); err != nil {
		return err
	}
	l.log.Warn().Uint64("seq", l.seq).Msg("audit log reopened")
	return nil
}
