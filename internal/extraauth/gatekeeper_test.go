package extraauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vaultkeeper/internal/auth"
	cr "vaultkeeper/internal/crypto"
	"vaultkeeper/internal/storage"
	"vaultkeeper/internal/vault"
)

const testPassphrase = "correct horse battery"

var testPin = auth.ArgonParams{Memory: 64, Time: 1, Parallelism: 1, SaltLen: 16, KeyLen: 32}

func setup(t *testing.T) (*Gatekeeper, *vault.Vault, storage.Credential) {
	t.Helper()
	ctx := context.Background()
	v := vault.New(storage.NewMemoryStore(), vault.WithKDF(cr.KDFParams{M: 64, T: 1, P: 1}))
	if err := v.Unlock(ctx, []byte(testPassphrase)); err != nil {
		t.Fatal(err)
	}
	c, err := v.AddCredential(ctx, vault.NewCredential{Domain: "example.com", Username: "alice", Secret: []byte("hunter2")})
	if err != nil {
		t.Fatal(err)
	}
	return New(v, WithPinParams(testPin)), v, c
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{None, Pin, Passkey, Passphrase} {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Fatalf("%v: got %v, %v", k, got, err)
		}
	}
	if _, err := ParseKind("fingerprint"); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("want ErrInvalidKind, got %v", err)
	}
	if Kind(9).String() != "invalid" {
		t.Fatal("out of range kind must not index the name table")
	}
}

func TestGetUnknownCredential(t *testing.T) {
	g, _, _ := setup(t)
	if _, err := g.Get(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestSetPinRequiresRecord(t *testing.T) {
	ctx := context.Background()
	g, _, c := setup(t)

	if err := g.Set(ctx, c.ID, Pin); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Set(Pin) without a pin: %v", err)
	}
	if k, _ := g.Get(ctx, c.ID); k != None {
		t.Fatalf("kind changed on failure: %v", k)
	}
	if err := g.SetPin(ctx, c.ID, []byte("1234")); err != nil {
		t.Fatal(err)
	}
	if err := g.Set(ctx, c.ID, Pin); err != nil {
		t.Fatalf("Set(Pin): %v", err)
	}
	if err := g.Set(ctx, c.ID, Pin); err != nil {
		t.Fatalf("same kind must be a no-op: %v", err)
	}
	if k, _ := g.Get(ctx, c.ID); k != Pin {
		t.Fatalf("kind = %v", k)
	}
}

func TestFailedSwitchKeepsCurrentFactor(t *testing.T) {
	ctx := context.Background()
	g, _, c := setup(t)
	if err := g.SetPin(ctx, c.ID, []byte("1234")); err != nil {
		t.Fatal(err)
	}
	if err := g.Set(ctx, c.ID, Pin); err != nil {
		t.Fatal(err)
	}

	if err := g.Set(ctx, c.ID, Passkey); !errors.Is(err, ErrFactorNotSetUp) {
		t.Fatalf("Set(Passkey) without a key: %v", err)
	}
	if k, _ := g.Get(ctx, c.ID); k != Pin {
		t.Fatalf("kind changed on failed switch: %v", k)
	}
	if ok, err := g.HasPin(ctx, c.ID); err != nil || !ok {
		t.Fatalf("pin record removed by failed switch: %v, %v", ok, err)
	}
	if secret, err := g.Release(ctx, c.ID, Proof{Pin: []byte("1234")}); err != nil || string(secret) != "hunter2" {
		t.Fatalf("release with pin = %q, %v", secret, err)
	}
}

func TestSetPasskeyScenario(t *testing.T) {
	ctx := context.Background()
	g, v, c := setup(t)

	if err := g.Set(ctx, c.ID, Passkey); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Set(Passkey) without a key: %v", err)
	}
	st, _ := v.Store()
	if err := st.PutPasskey(ctx, storage.PasskeyRecord{CredentialID: c.ID, PublicKey: []byte{1}, Origin: "example.com", Algorithm: -7, Challenge: []byte{2}}); err != nil {
		t.Fatal(err)
	}
	if err := g.Set(ctx, c.ID, Passkey); err != nil {
		t.Fatalf("Set(Passkey): %v", err)
	}
	if k, _ := g.Get(ctx, c.ID); k != Passkey {
		t.Fatalf("kind = %v", k)
	}
	f, err := g.Factor(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if pf, ok := f.(PasskeyFactor); !ok || pf.Key.Origin != "example.com" {
		t.Fatalf("factor = %#v", f)
	}

	// leaving Passkey deletes the stored key
	if err := g.Set(ctx, c.ID, None); err != nil {
		t.Fatal(err)
	}
	if _, err := st.GetPasskey(ctx, c.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("passkey survived switch to None: %v", err)
	}
}

func TestSetInvalidKind(t *testing.T) {
	g, _, c := setup(t)
	if err := g.Set(context.Background(), c.ID, Kind(42)); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("want ErrInvalidKind, got %v", err)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	g, v, c := setup(t)
	g.SetPin(ctx, c.ID, []byte("1234"))
	g.Set(ctx, c.ID, Pin)

	for i := 0; i < 2; i++ {
		if err := g.Remove(ctx, c.ID); err != nil {
			t.Fatalf("remove #%d: %v", i, err)
		}
	}
	if k, _ := g.Get(ctx, c.ID); k != None {
		t.Fatalf("kind = %v", k)
	}
	st, _ := v.Store()
	if _, err := st.GetPin(ctx, c.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("pin survived remove: %v", err)
	}
	if err := g.Remove(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("remove missing credential: %v", err)
	}
}

func TestPinValidation(t *testing.T) {
	g, _, c := setup(t)
	for _, pin := range []string{"", "123", "12345", "12a4", "１２３４"} {
		if err := g.SetPin(context.Background(), c.ID, []byte(pin)); !errors.Is(err, ErrInvalidPin) {
			t.Errorf("%q: want ErrInvalidPin, got %v", pin, err)
		}
	}
}

func TestDeletePinFallsBackToNone(t *testing.T) {
	ctx := context.Background()
	g, _, c := setup(t)
	g.SetPin(ctx, c.ID, []byte("1234"))
	g.Set(ctx, c.ID, Pin)

	if has, _ := g.HasPin(ctx, c.ID); !has {
		t.Fatal("HasPin = false")
	}
	if err := g.DeletePin(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	if has, _ := g.HasPin(ctx, c.ID); has {
		t.Fatal("HasPin = true after delete")
	}
	if k, _ := g.Get(ctx, c.ID); k != None {
		t.Fatalf("kind = %v after pin delete", k)
	}
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	g, _, c := setup(t)

	secret, err := g.Release(ctx, c.ID, Proof{})
	if err != nil || string(secret) != "hunter2" {
		t.Fatalf("release with no factor = %q, %v", secret, err)
	}

	g.SetPin(ctx, c.ID, []byte("1234"))
	g.Set(ctx, c.ID, Pin)
	if _, err := g.Release(ctx, c.ID, Proof{}); !errors.Is(err, ErrFactorRejected) {
		t.Fatalf("missing pin: %v", err)
	}
	if _, err := g.Release(ctx, c.ID, Proof{Pin: []byte("0000")}); !errors.Is(err, ErrFactorRejected) {
		t.Fatalf("wrong pin: %v", err)
	}
	if secret, err := g.Release(ctx, c.ID, Proof{Pin: []byte("1234")}); err != nil || string(secret) != "hunter2" {
		t.Fatalf("right pin = %q, %v", secret, err)
	}

	g.Set(ctx, c.ID, Passphrase)
	if _, err := g.Release(ctx, c.ID, Proof{Passphrase: []byte("wrong wrong wrong")}); !errors.Is(err, ErrFactorRejected) {
		t.Fatalf("wrong passphrase: %v", err)
	}
	if secret, err := g.Release(ctx, c.ID, Proof{Passphrase: []byte(testPassphrase)}); err != nil || string(secret) != "hunter2" {
		t.Fatalf("right passphrase = %q, %v", secret, err)
	}
}

func TestReleasePasskeyNeedsAssertion(t *testing.T) {
	ctx := context.Background()
	g, v, c := setup(t)
	st, _ := v.Store()
	st.PutPasskey(ctx, storage.PasskeyRecord{CredentialID: c.ID, PublicKey: []byte{1}, Origin: "example.com", Algorithm: -7, Challenge: []byte{2}})
	g.Set(ctx, c.ID, Passkey)
	if _, err := g.Release(ctx, c.ID, Proof{Pin: []byte("1234")}); !errors.Is(err, ErrAssertionRequired) {
		t.Fatalf("want ErrAssertionRequired, got %v", err)
	}
}

func TestLockedVaultRefuses(t *testing.T) {
	ctx := context.Background()
	g, v, c := setup(t)
	v.Lock()
	if _, err := g.Release(ctx, c.ID, Proof{}); !errors.Is(err, vault.ErrNotUnlocked) {
		t.Fatalf("release while locked: %v", err)
	}
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := newKeyedMutex()
	var mu sync.Mutex
	inside := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		key := []string{"a", "b"}[i%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.lock(key)
			mu.Lock()
			inside[key]++
			if inside[key] > 1 {
				t.Errorf("two holders of %s", key)
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside[key]--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if len(k.entries) != 0 {
		t.Fatalf("%d entries leaked", len(k.entries))
	}
}

// pausingStore holds UpdateSecret until release is closed.
type pausingStore struct {
	*storage.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (p *pausingStore) UpdateSecret(ctx context.Context, id string, secret []byte, updated int64) error {
	close(p.entered)
	<-p.release
	return p.MemoryStore.UpdateSecret(ctx, id, secret, updated)
}

func TestSecretUpdateKeepsConcurrentFactorSwitch(t *testing.T) {
	ctx := context.Background()
	st := &pausingStore{MemoryStore: storage.NewMemoryStore(), entered: make(chan struct{}), release: make(chan struct{})}
	v := vault.New(st, vault.WithKDF(cr.KDFParams{M: 64, T: 1, P: 1}))
	if err := v.Unlock(ctx, []byte(testPassphrase)); err != nil {
		t.Fatal(err)
	}
	c, err := v.AddCredential(ctx, vault.NewCredential{Domain: "example.com", Username: "alice", Secret: []byte("hunter2")})
	if err != nil {
		t.Fatal(err)
	}
	g := New(v, WithPinParams(testPin))

	done := make(chan error, 1)
	go func() { done <- v.UpdateCredentialSecret(ctx, c.ID, []byte("hunter3")) }()
	<-st.entered

	if err := g.SetPin(ctx, c.ID, []byte("1234")); err != nil {
		t.Fatal(err)
	}
	if err := g.Set(ctx, c.ID, Pin); err != nil {
		t.Fatal(err)
	}
	close(st.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if k, err := g.Get(ctx, c.ID); err != nil || k != Pin {
		t.Fatalf("kind after secret update = %v, %v", k, err)
	}
	if _, err := g.Release(ctx, c.ID, Proof{}); !errors.Is(err, ErrFactorRejected) {
		t.Fatalf("release without pin: %v", err)
	}
	if secret, err := g.Release(ctx, c.ID, Proof{Pin: []byte("1234")}); err != nil || string(secret) != "hunter3" {
		t.Fatalf("release with pin = %q, %v", secret, err)
	}
}
