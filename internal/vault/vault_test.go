package vault

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	cr "vaultkeeper/internal/crypto"
	"vaultkeeper/internal/storage"
)

var fastKDF = cr.KDFParams{M: 64, T: 1, P: 1}

func newTestVault(t testing.TB) (*Vault, storage.Store) {
	t.Helper()
	st := storage.NewMemoryStore()
	return New(st, WithKDF(fastKDF)), st
}

func TestFirstUnlockCreatesVault(t *testing.T) {
	ctx := context.Background()
	v, st := newTestVault(t)
	if v.IsUnlocked() {
		t.Fatal("new vault must start locked")
	}
	if err := v.Unlock(ctx, []byte("correct horse battery")); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if !v.IsUnlocked() {
		t.Fatal("expected unlocked")
	}
	h, err := st.GetHeader(ctx)
	if err != nil || len(h) == 0 {
		t.Fatalf("header not written: %v", err)
	}
	if bytes.Contains(h, []byte("correct horse")) {
		t.Fatal("header leaks the passphrase")
	}
}

func TestUnlockWrongPassphraseStaysLocked(t *testing.T) {
	ctx := context.Background()
	v, st := newTestVault(t)
	if err := v.Unlock(ctx, []byte("correct horse battery")); err != nil {
		t.Fatal(err)
	}
	if err := v.Lock(); err != nil {
		t.Fatal(err)
	}

	if err := v.Unlock(ctx, []byte("wrong wrong wrong")); !errors.Is(err, ErrUnlockFailed) {
		t.Fatalf("want ErrUnlockFailed, got %v", err)
	}
	if v.IsUnlocked() {
		t.Fatal("vault opened with wrong passphrase")
	}
	if _, err := st.ListCredentials(ctx); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("store must be closed after failed unlock: %v", err)
	}
	if _, err := v.Store(); !errors.Is(err, ErrNotUnlocked) {
		t.Fatalf("Store() while locked: %v", err)
	}

	if err := v.Unlock(ctx, []byte("correct horse battery")); err != nil {
		t.Fatalf("unlock with right passphrase: %v", err)
	}
}

func TestUnlockWhileUnlockedChecksPassphrase(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t)
	if err := v.Unlock(ctx, []byte("correct horse battery")); err != nil {
		t.Fatal(err)
	}
	if err := v.Unlock(ctx, []byte("wrong wrong wrong")); !errors.Is(err, ErrUnlockFailed) {
		t.Fatalf("want ErrUnlockFailed, got %v", err)
	}
	if !v.IsUnlocked() {
		t.Fatal("failed second unlock must not lock the vault")
	}
	if err := v.Unlock(ctx, []byte("correct horse battery")); err != nil {
		t.Fatalf("repeat unlock: %v", err)
	}
}

func TestCorruptHeaderFailsClosed(t *testing.T) {
	ctx := context.Background()
	v, st := newTestVault(t)
	st.Open(ctx)
	st.PutHeader(ctx, []byte("{not json"))
	st.Close()

	if err := v.Unlock(ctx, []byte("anything at all")); !errors.Is(err, ErrUnlockFailed) {
		t.Fatalf("want ErrUnlockFailed, got %v", err)
	}
	if v.IsUnlocked() {
		t.Fatal("corrupt store must leave the vault locked")
	}
}

func TestSecretsSurviveRelock(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st := storage.NewSQLiteStore(filepath.Join(dir, "vault.db"))
	v := New(st, WithKDF(fastKDF))
	pass := []byte("correct horse battery")

	if err := v.Unlock(ctx, pass); err != nil {
		t.Fatal(err)
	}
	ct, err := v.SealSecret("cred:1", []byte("hunter2"))
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Lock(); err != nil {
		t.Fatal(err)
	}
	if _, err := v.OpenSecret("cred:1", ct); !errors.Is(err, ErrNotUnlocked) {
		t.Fatalf("OpenSecret while locked: %v", err)
	}

	v2 := New(st, WithKDF(fastKDF))
	if err := v2.Unlock(ctx, pass); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer v2.Lock()
	pt, err := v2.OpenSecret("cred:1", ct)
	if err != nil || string(pt) != "hunter2" {
		t.Fatalf("OpenSecret = %q, %v", pt, err)
	}
	if _, err := v2.OpenSecret("cred:2", ct); err == nil {
		t.Fatal("secret opened under the wrong aad")
	}
}

func TestUpdatePassphraseRewrapsRootKey(t *testing.T) {
	ctx := context.Background()
	v, st := newTestVault(t)
	oldPass := []byte("correct horse battery")
	newPass := []byte("alpha bravo charlie delta")

	if err := v.UpdatePassphrase(ctx, newPass); !errors.Is(err, ErrNotUnlocked) {
		t.Fatalf("update while locked: %v", err)
	}
	if err := v.Unlock(ctx, oldPass); err != nil {
		t.Fatal(err)
	}
	ct, _ := v.SealSecret("cred:x", []byte("payload"))
	before, _ := st.GetHeader(ctx)

	if err := v.UpdatePassphrase(ctx, []byte("too short")); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("want ErrInvalidPolicy, got %v", err)
	}
	if err := v.UpdatePassphrase(ctx, newPass); err != nil {
		t.Fatalf("update: %v", err)
	}
	after, _ := st.GetHeader(ctx)
	if bytes.Equal(before, after) {
		t.Fatal("header unchanged after passphrase update")
	}
	if !v.VerifyPassphrase(newPass) || v.VerifyPassphrase(oldPass) {
		t.Fatal("VerifyPassphrase does not track the new passphrase")
	}

	v.Lock()
	if err := v.Unlock(ctx, oldPass); !errors.Is(err, ErrUnlockFailed) {
		t.Fatalf("old passphrase still works: %v", err)
	}
	if err := v.Unlock(ctx, newPass); err != nil {
		t.Fatalf("unlock with new passphrase: %v", err)
	}
	if pt, err := v.OpenSecret("cred:x", ct); err != nil || string(pt) != "payload" {
		t.Fatalf("secret lost across rotation: %q, %v", pt, err)
	}
}

func TestConcurrentUnlock(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t)
	pass := []byte("correct horse battery")
	if err := v.Unlock(ctx, pass); err != nil {
		t.Fatal(err)
	}
	v.Lock()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- v.Unlock(ctx, pass)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent unlock: %v", err)
		}
	}
	if !v.IsUnlocked() {
		t.Fatal("expected unlocked")
	}
}

func TestStringIsRedacted(t *testing.T) {
	v, _ := newTestVault(t)
	v.Unlock(context.Background(), []byte("correct horse battery"))
	if got := v.String(); got != "vault(unlocked)" {
		t.Fatalf("String() = %q", got)
	}
}
