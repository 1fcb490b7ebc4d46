// Package vault holds the lock state: whether the store is open and the root
// key that encrypts credential secrets at rest.
package vault

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	cr "vaultkeeper/internal/crypto"
	"vaultkeeper/internal/storage"
)

var (
	ErrNotUnlocked  = errors.New("vault: not unlocked")
	ErrUnlockFailed = errors.New("vault: unlock failed")
)

const vrkWrapAAD = "vrk-wrap"

type Option func(*Vault)

// WithKDF sets the Argon2id cost used when creating the vault or changing the
// passphrase. Existing headers keep their own parameters.
func WithKDF(p cr.KDFParams) Option { return func(v *Vault) { v.kdf = p } }

func WithLogger(l zerolog.Logger) Option { return func(v *Vault) { v.log = l } }

// Vault is either locked (no key material, store closed) or unlocked.
type Vault struct {
	store storage.Store
	kdf   cr.KDFParams
	log   zerolog.Logger

	// transition serializes Unlock, Lock and UpdatePassphrase. The KDF runs
	// under it but outside mu, so readers are never stuck behind Argon2.
	transition sync.Mutex

	mu       sync.RWMutex
	unlocked bool
	header   Header
	vrk      [32]byte
}

func New(store storage.Store, opts ...Option) *Vault {
	v := &Vault{store: store, kdf: cr.DefaultKDF(), log: zerolog.Nop()}
	for _, o := range opts {
		o(v)
	}
	if err := cr.LockMemory(v.vrk[:]); err != nil {
		v.log.Debug().Err(err).Msg("mlock root key")
	}
	return v
}

func (v *Vault) String() string {
	if v.IsUnlocked() {
		return "vault(unlocked)"
	}
	return "vault(locked)"
}

func (v *Vault) IsUnlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.unlocked
}

// Store returns the open store. It is only usable while unlocked.
func (v *Vault) Store() (storage.Store, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.unlocked {
		return nil, ErrNotUnlocked
	}
	return v.store, nil
}

// Unlock opens the store and recovers the root key from passphrase. The first
// unlock of an empty store creates the vault. When already unlocked the
// passphrase is only checked and the state is left as it is.
func (v *Vault) Unlock(ctx context.Context, passphrase []byte) error {
	v.transition.Lock()
	defer v.transition.Unlock()

	if v.IsUnlocked() {
		if !v.checkPassphrase(passphrase) {
			return ErrUnlockFailed
		}
		return nil
	}

	if err := v.store.Open(ctx); err != nil {
		v.log.Warn().Err(err).Msg("open store")
		return ErrUnlockFailed
	}

	h, err := readHeader(ctx, v.store)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		err = v.create(ctx, passphrase)
	case err == nil:
		err = v.open(h, passphrase)
	}
	if err != nil {
		v.log.Warn().Err(err).Msg("unlock failed")
		_ = v.store.Close()
		return ErrUnlockFailed
	}
	v.log.Info().Msg("vault unlocked")
	return nil
}

func (v *Vault) create(ctx context.Context, passphrase []byte) error {
	kdf, err := v.kdf.WithFreshSalt()
	if err != nil {
		return err
	}
	if err := kdf.Validate(); err != nil {
		return err
	}
	var vrk [32]byte
	defer cr.Zero32(&vrk)
	if _, err := rand.Read(vrk[:]); err != nil {
		return err
	}

	kek := cr.DeriveKEK(passphrase, kdf)
	defer cr.Zero32(&kek)
	wrap, err := cr.WrapKey(kek[:], vrk[:], []byte(vrkWrapAAD))
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	h := Header{Version: headerVersion, KDF: kdfHeader(kdf), VRKWrap: wrap, Created: now, Updated: now}
	if err := writeHeader(ctx, v.store, h); err != nil {
		return err
	}
	v.install(h, vrk[:])
	v.log.Info().Uint32("kdf_m", kdf.M).Uint32("kdf_t", kdf.T).Msg("vault created")
	return nil
}

func (v *Vault) open(h Header, passphrase []byte) error {
	vrk, err := unwrapRoot(h, passphrase)
	if err != nil {
		return err
	}
	defer cr.Zero(vrk)
	v.install(h, vrk)
	return nil
}

func unwrapRoot(h Header, passphrase []byte) ([]byte, error) {
	kek := cr.DeriveKEK(passphrase, h.KDF.params())
	defer cr.Zero32(&kek)
	vrk, err := cr.UnwrapKey(kek[:], h.VRKWrap, []byte(vrkWrapAAD))
	if err != nil {
		return nil, err
	}
	if len(vrk) != 32 {
		cr.Zero(vrk)
		return nil, fmt.Errorf("vault: root key has length %d", len(vrk))
	}
	return vrk, nil
}

func (v *Vault) install(h Header, vrk []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.header = h
	copy(v.vrk[:], vrk)
	v.unlocked = true
}

// checkPassphrase derives the KEK from the current header and compares the
// unwrapped root key with the one in memory.
func (v *Vault) checkPassphrase(passphrase []byte) bool {
	v.mu.RLock()
	h := v.header
	ok := v.unlocked
	v.mu.RUnlock()
	if !ok {
		return false
	}

	vrk, err := unwrapRoot(h, passphrase)
	if err != nil {
		return false
	}
	defer cr.Zero(vrk)

	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.unlocked && subtle.ConstantTimeCompare(vrk, v.vrk[:]) == 1
}

// VerifyPassphrase reports whether passphrase opens the vault. It never
// changes the lock state.
func (v *Vault) VerifyPassphrase(passphrase []byte) bool {
	return v.checkPassphrase(passphrase)
}

// Lock erases the root key and closes the store. Session invalidation is the
// caller's job and must happen before Lock, while the store is still open.
func (v *Vault) Lock() error {
	v.transition.Lock()
	defer v.transition.Unlock()

	v.mu.Lock()
	wasUnlocked := v.unlocked
	v.unlocked = false
	cr.Zero32(&v.vrk)
	v.header = Header{}
	v.mu.Unlock()

	if !wasUnlocked {
		return nil
	}
	err := v.store.Close()
	v.log.Info().Msg("vault locked")
	return err
}

// UpdatePassphrase re-wraps the root key under a KEK derived from the new
// passphrase and a fresh salt. Credential ciphertexts are untouched.
func (v *Vault) UpdatePassphrase(ctx context.Context, passphrase []byte) error {
	v.transition.Lock()
	defer v.transition.Unlock()

	if !v.IsUnlocked() {
		return ErrNotUnlocked
	}
	if err := ValidatePassphrase(string(passphrase)); err != nil {
		return err
	}

	kdf, err := v.kdf.WithFreshSalt()
	if err != nil {
		return err
	}
	kek := cr.DeriveKEK(passphrase, kdf)
	defer cr.Zero32(&kek)

	v.mu.RLock()
	h := v.header
	wrap, err := cr.WrapKey(kek[:], v.vrk[:], []byte(vrkWrapAAD))
	v.mu.RUnlock()
	if err != nil {
		return err
	}

	h.KDF = kdfHeader(kdf)
	h.VRKWrap = wrap
	h.Updated = time.Now().Unix()
	if err := writeHeader(ctx, v.store, h); err != nil {
		return err
	}

	v.mu.Lock()
	v.header = h
	v.mu.Unlock()
	v.log.Info().Msg("vault passphrase updated")
	return nil
}

// SealSecret encrypts pt under the root key, bound to aad.
func (v *Vault) SealSecret(aad string, pt []byte) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.unlocked {
		return nil, ErrNotUnlocked
	}
	return cr.SealX(v.vrk[:], pt, []byte(aad))
}

func (v *Vault) OpenSecret(aad string, ct []byte) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.unlocked {
		return nil, ErrNotUnlocked
	}
	return cr.OpenX(v.vrk[:], ct, []byte(aad))
}
