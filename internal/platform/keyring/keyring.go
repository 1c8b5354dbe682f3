// Package keyring owns per-thread message keys: generation, per-participant
// wrapping, rotation on membership change, and the sealed-envelope format
// messages are stored in. Thread and message stores only ever see ciphertext.
package keyring

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/box"
)

var (
	// ErrDecryptionFailed indicates tampered ciphertext or a wrong key. It is
	// never retried; callers must audit it.
	ErrDecryptionFailed = errors.New("keyring: decryption failed")

	// ErrKeyUnavailable indicates the participant has no wrapped copy of the
	// key, or the identity directory has no key material for them.
	ErrKeyUnavailable = errors.New("keyring: key unavailable")

	// ErrNonceReuse indicates a nonce collision under an active key. This is
	// fatal for the affected encryption; nothing is persisted.
	ErrNonceReuse = errors.New("keyring: nonce reuse detected")

	// ErrUnknownThread indicates no key state exists for the thread.
	ErrUnknownThread = errors.New("keyring: unknown thread")
)

const keySize = 32

// Directory supplies long-lived key-exchange material for participants. It is
// implemented by the identity provider boundary.
type Directory interface {
	KeyMaterial(ctx context.Context, participantID uuid.UUID) (*[32]byte, error)
}

// WrappedKey is one participant's copy of a thread key, sealed against their
// public key-exchange material. Only the holder of the matching private key
// can recover it; losing that material makes the copy unrecoverable.
type WrappedKey struct {
	ParticipantID uuid.UUID `json:"participant_id"`
	KeyRef        string    `json:"key_ref"`
	Sealed        []byte    `json:"sealed"`
}

// Envelope is a message's ciphertext plus the metadata needed to open it.
type Envelope struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	KeyRef     string `json:"key_ref"`
}

// threadState tracks every key a thread has ever had. Old keys stay resident
// so messages written before a rotation remain decryptable by the
// participants who held them.
type threadState struct {
	activeRef string
	keys      map[string][]byte
	aeads     map[string]cipher.AEAD
	holders   map[string]map[uuid.UUID]bool
	nonces    map[string]map[string]struct{}
}

// Manager is the key and envelope manager. One instance owns all thread key
// state; there is no process-wide singleton.
type Manager struct {
	dir Directory

	// nonceRand feeds message-nonce generation. Tests swap it to force
	// collisions; production always uses crypto/rand.
	nonceRand io.Reader

	// Escrow. When set, every thread key is also persisted sealed under the
	// server master key, so key state survives restarts.
	store  KeyStore
	master cipher.AEAD

	mu      sync.RWMutex
	threads map[uuid.UUID]*threadState

	// rotateMu serializes rotation per thread without blocking encrypt or
	// decrypt on other threads.
	rotateMu sync.Map // uuid.UUID -> *sync.Mutex
}

func NewManager(dir Directory) *Manager {
	return &Manager{
		dir:       dir,
		nonceRand: rand.Reader,
		threads:   make(map[uuid.UUID]*threadState),
	}
}

// NewManagerWithEscrow returns a Manager that escrows every thread key,
// sealed under the 32-byte master key, in the given store.
func NewManagerWithEscrow(dir Directory, store KeyStore, masterKey []byte) (*Manager, error) {
	if len(masterKey) != keySize {
		return nil, fmt.Errorf("keyring: master key must be %d bytes, got %d", keySize, len(masterKey))
	}
	master, err := newAEAD(masterKey)
	if err != nil {
		return nil, err
	}
	m := NewManager(dir)
	m.store = store
	m.master = master
	return m, nil
}

// sealForEscrow encrypts a raw thread key under the master key. Output is
// nonce || ciphertext.
func (m *Manager) sealForEscrow(key []byte) ([]byte, error) {
	nonce := make([]byte, m.master.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("keyring: generate escrow nonce: %w", err)
	}
	return m.master.Seal(nonce, nonce, key, nil), nil
}

func (m *Manager) openFromEscrow(sealed []byte) ([]byte, error) {
	ns := m.master.NonceSize()
	if len(sealed) < ns {
		return nil, fmt.Errorf("keyring: escrow record too short")
	}
	key, err := m.master.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("keyring: open escrow record: %w", err)
	}
	return key, nil
}

// escrow persists one key; a no-op without a store.
func (m *Manager) escrow(ctx context.Context, threadID uuid.UUID, keyRef string, key []byte, active bool, holders []uuid.UUID) error {
	if m.store == nil {
		return nil
	}
	sealed, err := m.sealForEscrow(key)
	if err != nil {
		return err
	}
	return m.store.Save(ctx, &KeyRecord{
		ThreadID: threadID,
		KeyRef:   keyRef,
		Active:   active,
		Sealed:   sealed,
		Holders:  holders,
	})
}

// LoadState rebuilds thread key state from the escrow store. Call once at
// startup before serving. The nonce registry restarts empty; nonces are
// random per encryption, so the in-process registry only guards generation
// within one run.
func (m *Manager) LoadState(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	records, err := m.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("keyring: load escrowed keys: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		key, err := m.openFromEscrow(rec.Sealed)
		if err != nil {
			return fmt.Errorf("keyring: key %s: %w", rec.KeyRef, err)
		}
		aead, err := newAEAD(key)
		if err != nil {
			return err
		}

		st, ok := m.threads[rec.ThreadID]
		if !ok {
			st = &threadState{
				keys:    make(map[string][]byte),
				aeads:   make(map[string]cipher.AEAD),
				holders: make(map[string]map[uuid.UUID]bool),
				nonces:  make(map[string]map[string]struct{}),
			}
			m.threads[rec.ThreadID] = st
		}
		holders := make(map[uuid.UUID]bool, len(rec.Holders))
		for _, h := range rec.Holders {
			holders[h] = true
		}
		st.keys[rec.KeyRef] = key
		st.aeads[rec.KeyRef] = aead
		st.holders[rec.KeyRef] = holders
		st.nonces[rec.KeyRef] = map[string]struct{}{}
		if rec.Active {
			st.activeRef = rec.KeyRef
		}
	}
	return nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keyring: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keyring: create GCM: %w", err)
	}
	return aead, nil
}

// wrapKey seals the raw key for each participant using their directory
// material. Directory lookups happen before any lock is taken.
func (m *Manager) wrapKey(ctx context.Context, key []byte, keyRef string, participants []uuid.UUID) ([]WrappedKey, error) {
	wrapped := make([]WrappedKey, 0, len(participants))
	for _, pid := range participants {
		pub, err := m.dir.KeyMaterial(ctx, pid)
		if err != nil {
			return nil, fmt.Errorf("%w: participant %s: %v", ErrKeyUnavailable, pid, err)
		}
		sealed, err := box.SealAnonymous(nil, key, pub, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("keyring: seal for %s: %w", pid, err)
		}
		wrapped = append(wrapped, WrappedKey{ParticipantID: pid, KeyRef: keyRef, Sealed: sealed})
	}
	return wrapped, nil
}

// CreateThreadKey generates the thread's first symmetric key and wraps it for
// every founding participant.
func (m *Manager) CreateThreadKey(ctx context.Context, threadID uuid.UUID, participants []uuid.UUID) ([]WrappedKey, error) {
	if len(participants) < 2 {
		return nil, fmt.Errorf("keyring: thread needs at least 2 participants, got %d", len(participants))
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("keyring: generate key: %w", err)
	}
	keyRef := uuid.New().String()

	wrapped, err := m.wrapKey(ctx, key, keyRef, participants)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	holders := make(map[uuid.UUID]bool, len(participants))
	for _, pid := range participants {
		holders[pid] = true
	}

	m.mu.Lock()
	if _, exists := m.threads[threadID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("keyring: thread %s already has a key", threadID)
	}
	m.threads[threadID] = &threadState{
		activeRef: keyRef,
		keys:      map[string][]byte{keyRef: key},
		aeads:     map[string]cipher.AEAD{keyRef: aead},
		holders:   map[string]map[uuid.UUID]bool{keyRef: holders},
		nonces:    map[string]map[string]struct{}{keyRef: {}},
	}
	m.mu.Unlock()

	if err := m.escrow(ctx, threadID, keyRef, key, true, participants); err != nil {
		return nil, err
	}
	return wrapped, nil
}

// WrapForNewParticipant wraps the thread's active key for one more
// participant and records them as a holder. The new member can read every
// message written under the active key, including ones sent before they
// joined; callers wanting to cut off history rotate instead.
func (m *Manager) WrapForNewParticipant(ctx context.Context, threadID, participantID uuid.UUID) (*WrappedKey, error) {
	m.mu.RLock()
	st, ok := m.threads[threadID]
	var activeRef string
	var key []byte
	if ok {
		activeRef = st.activeRef
		key = st.keys[activeRef]
	}
	m.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownThread
	}

	pub, err := m.dir.KeyMaterial(ctx, participantID)
	if err != nil {
		return nil, fmt.Errorf("%w: participant %s: %v", ErrKeyUnavailable, participantID, err)
	}
	sealed, err := box.SealAnonymous(nil, key, pub, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keyring: seal for %s: %w", participantID, err)
	}

	m.mu.Lock()
	st = m.threads[threadID]
	// The key may have rotated while we were sealing. Retired refs keep their
	// holder sets, so compare against the active ref itself; granting the
	// stale key would quietly hand the newcomer pre-rotation history.
	if st.activeRef != activeRef {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: key %s retired during wrap", ErrKeyUnavailable, activeRef)
	}
	st.holders[activeRef][participantID] = true
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.AddHolder(ctx, threadID, activeRef, participantID); err != nil {
			return nil, err
		}
	}
	return &WrappedKey{ParticipantID: participantID, KeyRef: activeRef, Sealed: sealed}, nil
}

// Rotate generates a fresh key for the thread, wraps it for the given
// (current) participant set, and makes it the active key. Prior keys and
// their holder sets are retained for old messages. The per-thread rotation
// lock is held only while installing the new state, never across the
// directory calls.
func (m *Manager) Rotate(ctx context.Context, threadID uuid.UUID, participants []uuid.UUID) ([]WrappedKey, error) {
	m.mu.RLock()
	_, ok := m.threads[threadID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownThread
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("keyring: generate key: %w", err)
	}
	keyRef := uuid.New().String()

	wrapped, err := m.wrapKey(ctx, key, keyRef, participants)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	lock := m.threadRotateLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	holders := make(map[uuid.UUID]bool, len(participants))
	for _, pid := range participants {
		holders[pid] = true
	}

	m.mu.Lock()
	st := m.threads[threadID]
	st.activeRef = keyRef
	st.keys[keyRef] = key
	st.aeads[keyRef] = aead
	st.holders[keyRef] = holders
	st.nonces[keyRef] = map[string]struct{}{}
	m.mu.Unlock()

	if err := m.escrow(ctx, threadID, keyRef, key, true, participants); err != nil {
		return nil, err
	}
	return wrapped, nil
}

func (m *Manager) threadRotateLock(threadID uuid.UUID) *sync.Mutex {
	v, _ := m.rotateMu.LoadOrStore(threadID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// EncryptMessage seals plaintext under the thread's active key. The nonce is
// random and checked against every nonce previously used with that key; a
// collision aborts before anything can be persisted.
func (m *Manager) EncryptMessage(ctx context.Context, threadID, senderID uuid.UUID, plaintext []byte) (*Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.threads[threadID]
	if !ok {
		return nil, ErrUnknownThread
	}
	if !st.holders[st.activeRef][senderID] {
		return nil, fmt.Errorf("%w: sender %s holds no copy of the active key", ErrKeyUnavailable, senderID)
	}

	aead := st.aeads[st.activeRef]
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(m.nonceRand, nonce); err != nil {
		return nil, fmt.Errorf("keyring: generate nonce: %w", err)
	}

	seen := st.nonces[st.activeRef]
	nk := hex.EncodeToString(nonce)
	if _, dup := seen[nk]; dup {
		return nil, ErrNonceReuse
	}
	seen[nk] = struct{}{}

	return &Envelope{
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
		Nonce:      nonce,
		KeyRef:     st.activeRef,
	}, nil
}

// DecryptMessage opens an envelope for a recipient. The recipient must hold a
// wrapped copy of the key the envelope references — participants removed
// before a rotation cannot open messages written after it, and participants
// added after a rotation cannot open messages written before it.
func (m *Manager) DecryptMessage(ctx context.Context, threadID, recipientID uuid.UUID, env *Envelope) ([]byte, error) {
	m.mu.RLock()
	st, ok := m.threads[threadID]
	if !ok {
		m.mu.RUnlock()
		return nil, ErrUnknownThread
	}
	aead, haveKey := st.aeads[env.KeyRef]
	isHolder := st.holders[env.KeyRef][recipientID]
	m.mu.RUnlock()

	if !haveKey || !isHolder {
		return nil, fmt.Errorf("%w: recipient %s, key %s", ErrKeyUnavailable, recipientID, env.KeyRef)
	}

	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// ActiveKeyRef reports the thread's current key reference.
func (m *Manager) ActiveKeyRef(threadID uuid.UUID) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.threads[threadID]
	if !ok {
		return "", ErrUnknownThread
	}
	return st.activeRef, nil
}

// Holds reports whether the participant holds a wrapped copy of the given key.
func (m *Manager) Holds(threadID uuid.UUID, keyRef string, participantID uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.threads[threadID]
	if !ok {
		return false
	}
	return st.holders[keyRef][participantID]
}
