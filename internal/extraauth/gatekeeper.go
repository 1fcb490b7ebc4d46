package extraauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"vaultkeeper/internal/auth"
	"vaultkeeper/internal/storage"
)

var (
	ErrInvalidPin        = errors.New("extraauth: pin must be exactly 4 digits")
	ErrFactorRejected    = errors.New("extraauth: factor rejected")
	ErrAssertionRequired = errors.New("extraauth: credential requires a passkey assertion")
	ErrFactorNotSetUp    = fmt.Errorf("extraauth: factor not set up: %w", storage.ErrNotFound)
)

// Keyring is the slice of the vault the gatekeeper needs.
type Keyring interface {
	Store() (storage.Store, error)
	VerifyPassphrase(passphrase []byte) bool
	RevealCredential(c storage.Credential) ([]byte, error)
}

// Proof carries whatever the caller submitted for the active factor. Values
// are plaintext; transport decryption happens before this point.
type Proof struct {
	Pin        []byte
	Passphrase []byte
}

type Option func(*Gatekeeper)

func WithPinParams(p auth.ArgonParams) Option { return func(g *Gatekeeper) { g.pinParams = p } }

func WithLogger(l zerolog.Logger) Option { return func(g *Gatekeeper) { g.log = l } }

type Gatekeeper struct {
	keys      Keyring
	locks     *keyedMutex
	pinParams auth.ArgonParams
	log       zerolog.Logger
}

func New(keys Keyring, opts ...Option) *Gatekeeper {
	g := &Gatekeeper{
		keys:      keys,
		locks:     newKeyedMutex(),
		pinParams: auth.PinArgon,
		log:       zerolog.Nop(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Lock serializes every factor change and check for credentialID. The
// passkey verifier takes the same lock around challenge rotation.
func (g *Gatekeeper) Lock(credentialID string) (unlock func()) {
	return g.locks.lock(credentialID)
}

func (g *Gatekeeper) Get(ctx context.Context, credentialID string) (Kind, error) {
	st, err := g.keys.Store()
	if err != nil {
		return None, err
	}
	c, err := st.GetCredential(ctx, credentialID)
	if err != nil {
		return None, err
	}
	return ParseKind(c.ExtraAuth)
}

// Factor resolves the active factor with its stored material.
func (g *Gatekeeper) Factor(ctx context.Context, credentialID string) (Factor, error) {
	st, err := g.keys.Store()
	if err != nil {
		return nil, err
	}
	return g.factor(ctx, st, credentialID)
}

func (g *Gatekeeper) factor(ctx context.Context, st storage.Store, id string) (Factor, error) {
	c, err := st.GetCredential(ctx, id)
	if err != nil {
		return nil, err
	}
	kind, err := ParseKind(c.ExtraAuth)
	if err != nil {
		return nil, err
	}
	switch kind {
	case Pin:
		p, err := st.GetPin(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("pin factor for %s: %w", id, err)
		}
		return PinFactor{Hash: p.Hash}, nil
	case Passkey:
		p, err := st.GetPasskey(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("passkey factor for %s: %w", id, err)
		}
		return PasskeyFactor{Key: p}, nil
	case Passphrase:
		return PassphraseFactor{}, nil
	}
	return NoFactor{}, nil
}

// Set switches the credential to kind. Pin and Passkey need their record to
// exist already; the record of the kind being replaced is removed.
func (g *Gatekeeper) Set(ctx context.Context, credentialID string, kind Kind) error {
	if kind < None || kind > Passphrase {
		return ErrInvalidKind
	}
	st, err := g.keys.Store()
	if err != nil {
		return err
	}
	defer g.Lock(credentialID)()

	c, err := st.GetCredential(ctx, credentialID)
	if err != nil {
		return err
	}
	current, err := ParseKind(c.ExtraAuth)
	if err != nil {
		return err
	}
	if current == kind {
		return nil
	}

	// The target record is checked before the current one is removed so a
	// switch to a factor that is not set up leaves the credential untouched.
	switch kind {
	case Pin:
		if _, err := st.GetPin(ctx, credentialID); err != nil {
			return factorErr(err)
		}
	case Passkey:
		if _, err := st.GetPasskey(ctx, credentialID); err != nil {
			return factorErr(err)
		}
	}

	if err := removeRecord(ctx, st, credentialID, current); err != nil {
		return err
	}
	if err := st.SetExtraAuth(ctx, credentialID, kind.String()); err != nil {
		return err
	}
	g.log.Info().Str("credential", credentialID).Str("from", current.String()).Str("to", kind.String()).Msg("extra auth changed")
	return nil
}

// Remove drops the active factor record and resets the kind to None.
func (g *Gatekeeper) Remove(ctx context.Context, credentialID string) error {
	st, err := g.keys.Store()
	if err != nil {
		return err
	}
	defer g.Lock(credentialID)()

	c, err := st.GetCredential(ctx, credentialID)
	if err != nil {
		return err
	}
	current, _ := ParseKind(c.ExtraAuth)
	if err := removeRecord(ctx, st, credentialID, current); err != nil {
		return err
	}
	if current == None {
		return nil
	}
	return st.SetExtraAuth(ctx, credentialID, None.String())
}

func removeRecord(ctx context.Context, st storage.Store, id string, k Kind) error {
	switch k {
	case Pin:
		return st.DeletePin(ctx, id)
	case Passkey:
		return st.DeletePasskey(ctx, id)
	}
	return nil
}

func factorErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrFactorNotSetUp
	}
	return err
}

func ValidatePin(pin []byte) error {
	if len(pin) != 4 {
		return ErrInvalidPin
	}
	for _, b := range pin {
		if b < '0' || b > '9' {
			return ErrInvalidPin
		}
	}
	return nil
}

// SetPin stores (or replaces) the credential's PIN record. It does not switch
// the active kind.
func (g *Gatekeeper) SetPin(ctx context.Context, credentialID string, pin []byte) error {
	if err := ValidatePin(pin); err != nil {
		return err
	}
	st, err := g.keys.Store()
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(g.pinParams, string(pin))
	if err != nil {
		return err
	}

	defer g.Lock(credentialID)()
	if _, err := st.GetCredential(ctx, credentialID); err != nil {
		return err
	}
	return st.PutPin(ctx, storage.PinRecord{CredentialID: credentialID, Hash: hash, Created: time.Now().Unix()})
}

func (g *Gatekeeper) HasPin(ctx context.Context, credentialID string) (bool, error) {
	st, err := g.keys.Store()
	if err != nil {
		return false, err
	}
	if _, err := st.GetCredential(ctx, credentialID); err != nil {
		return false, err
	}
	_, err = st.GetPin(ctx, credentialID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// DeletePin removes the PIN record. A credential gated by that PIN falls back
// to None.
func (g *Gatekeeper) DeletePin(ctx context.Context, credentialID string) error {
	st, err := g.keys.Store()
	if err != nil {
		return err
	}
	defer g.Lock(credentialID)()

	c, err := st.GetCredential(ctx, credentialID)
	if err != nil {
		return err
	}
	if err := st.DeletePin(ctx, credentialID); err != nil {
		return err
	}
	if c.ExtraAuth == Pin.String() {
		return st.SetExtraAuth(ctx, credentialID, None.String())
	}
	return nil
}

// Release returns the credential's plaintext secret once proof satisfies its
// factor. Passkey-gated credentials are released by the assertion verifier.
func (g *Gatekeeper) Release(ctx context.Context, credentialID string, proof Proof) ([]byte, error) {
	st, err := g.keys.Store()
	if err != nil {
		return nil, err
	}
	defer g.Lock(credentialID)()

	f, err := g.factor(ctx, st, credentialID)
	if err != nil {
		return nil, err
	}
	switch f := f.(type) {
	case NoFactor:
	case PinFactor:
		if len(proof.Pin) == 0 {
			return nil, ErrFactorRejected
		}
		ok, err := auth.VerifyPassword(string(proof.Pin), f.Hash)
		if err != nil || !ok {
			return nil, ErrFactorRejected
		}
	case PassphraseFactor:
		if len(proof.Passphrase) == 0 || !g.keys.VerifyPassphrase(proof.Passphrase) {
			return nil, ErrFactorRejected
		}
	case PasskeyFactor:
		return nil, ErrAssertionRequired
	}

	c, err := st.GetCredential(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	return g.keys.RevealCredential(c)
}
