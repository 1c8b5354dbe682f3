package keyring

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"

	"github.com/google/uuid"
)

func testMasterKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate master key: %v", err)
	}
	return key
}

func TestEscrow_StateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory()
	store := NewMemoryKeyStore()
	master := testMasterKey(t)

	alice := uuid.New()
	bob := uuid.New()
	dir.register(t, alice)
	dir.register(t, bob)

	m1, err := NewManagerWithEscrow(dir, store, master)
	if err != nil {
		t.Fatalf("NewManagerWithEscrow: %v", err)
	}
	threadID := uuid.New()
	if _, err := m1.CreateThreadKey(ctx, threadID, []uuid.UUID{alice, bob}); err != nil {
		t.Fatalf("CreateThreadKey: %v", err)
	}
	env, err := m1.EncryptMessage(ctx, threadID, alice, []byte("before restart"))
	if err != nil {
		t.Fatalf("EncryptMessage: %v", err)
	}

	// A fresh manager over the same store stands in for a restarted process.
	m2, err := NewManagerWithEscrow(dir, store, master)
	if err != nil {
		t.Fatalf("NewManagerWithEscrow: %v", err)
	}
	if err := m2.LoadState(ctx); err != nil {
		t.Fatalf("LoadState: %v", err)
	}

	got, err := m2.DecryptMessage(ctx, threadID, bob, env)
	if err != nil {
		t.Fatalf("DecryptMessage after reload: %v", err)
	}
	if !bytes.Equal(got, []byte("before restart")) {
		t.Fatalf("plaintext = %q", got)
	}

	// The reloaded manager can keep writing under the same active key.
	ref1, err := m1.ActiveKeyRef(threadID)
	if err != nil {
		t.Fatalf("ActiveKeyRef: %v", err)
	}
	ref2, err := m2.ActiveKeyRef(threadID)
	if err != nil {
		t.Fatalf("ActiveKeyRef after reload: %v", err)
	}
	if ref1 != ref2 {
		t.Fatalf("active key ref changed across reload: %s vs %s", ref1, ref2)
	}
}

func TestEscrow_RotationSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory()
	store := NewMemoryKeyStore()
	master := testMasterKey(t)

	alice := uuid.New()
	bob := uuid.New()
	carol := uuid.New()
	dir.register(t, alice)
	dir.register(t, bob)
	dir.register(t, carol)

	m1, err := NewManagerWithEscrow(dir, store, master)
	if err != nil {
		t.Fatalf("NewManagerWithEscrow: %v", err)
	}
	threadID := uuid.New()
	if _, err := m1.CreateThreadKey(ctx, threadID, []uuid.UUID{alice, bob, carol}); err != nil {
		t.Fatalf("CreateThreadKey: %v", err)
	}
	oldEnv, err := m1.EncryptMessage(ctx, threadID, alice, []byte("old"))
	if err != nil {
		t.Fatalf("EncryptMessage: %v", err)
	}

	// Carol leaves; the thread rotates to alice+bob.
	if _, err := m1.Rotate(ctx, threadID, []uuid.UUID{alice, bob}); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	newEnv, err := m1.EncryptMessage(ctx, threadID, alice, []byte("new"))
	if err != nil {
		t.Fatalf("EncryptMessage: %v", err)
	}

	m2, err := NewManagerWithEscrow(dir, store, master)
	if err != nil {
		t.Fatalf("NewManagerWithEscrow: %v", err)
	}
	if err := m2.LoadState(ctx); err != nil {
		t.Fatalf("LoadState: %v", err)
	}

	// Both keys reload: carol keeps the old message, not the new one.
	if _, err := m2.DecryptMessage(ctx, threadID, carol, oldEnv); err != nil {
		t.Fatalf("carol decrypt old after reload: %v", err)
	}
	if _, err := m2.DecryptMessage(ctx, threadID, carol, newEnv); err == nil {
		t.Fatal("carol decrypted post-rotation message after reload")
	}
	if _, err := m2.DecryptMessage(ctx, threadID, bob, newEnv); err != nil {
		t.Fatalf("bob decrypt new after reload: %v", err)
	}
}

func TestEscrow_WrongMasterKeyFailsLoad(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory()
	store := NewMemoryKeyStore()

	alice := uuid.New()
	bob := uuid.New()
	dir.register(t, alice)
	dir.register(t, bob)

	m1, err := NewManagerWithEscrow(dir, store, testMasterKey(t))
	if err != nil {
		t.Fatalf("NewManagerWithEscrow: %v", err)
	}
	if _, err := m1.CreateThreadKey(ctx, uuid.New(), []uuid.UUID{alice, bob}); err != nil {
		t.Fatalf("CreateThreadKey: %v", err)
	}

	m2, err := NewManagerWithEscrow(dir, store, testMasterKey(t))
	if err != nil {
		t.Fatalf("NewManagerWithEscrow: %v", err)
	}
	if err := m2.LoadState(ctx); err == nil {
		t.Fatal("LoadState succeeded under the wrong master key")
	}
}

func TestNewManagerWithEscrow_RejectsShortKey(t *testing.T) {
	if _, err := NewManagerWithEscrow(newFakeDirectory(), NewMemoryKeyStore(), []byte("short")); err == nil {
		t.Fatal("expected error for short master key")
	}
}

func TestEscrow_AddHolderPersisted(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory()
	store := NewMemoryKeyStore()
	master := testMasterKey(t)

	alice := uuid.New()
	bob := uuid.New()
	dave := uuid.New()
	dir.register(t, alice)
	dir.register(t, bob)
	dir.register(t, dave)

	m1, err := NewManagerWithEscrow(dir, store, master)
	if err != nil {
		t.Fatalf("NewManagerWithEscrow: %v", err)
	}
	threadID := uuid.New()
	if _, err := m1.CreateThreadKey(ctx, threadID, []uuid.UUID{alice, bob}); err != nil {
		t.Fatalf("CreateThreadKey: %v", err)
	}
	env, err := m1.EncryptMessage(ctx, threadID, alice, []byte("hi"))
	if err != nil {
		t.Fatalf("EncryptMessage: %v", err)
	}
	if _, err := m1.WrapForNewParticipant(ctx, threadID, dave); err != nil {
		t.Fatalf("WrapForNewParticipant: %v", err)
	}

	m2, err := NewManagerWithEscrow(dir, store, master)
	if err != nil {
		t.Fatalf("NewManagerWithEscrow: %v", err)
	}
	if err := m2.LoadState(ctx); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if _, err := m2.DecryptMessage(ctx, threadID, dave, env); err != nil {
		t.Fatalf("dave decrypt after reload: %v", err)
	}
}
