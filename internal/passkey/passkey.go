// Package passkey registers P-256 public-key credentials and verifies
// WebAuthn-style assertions against a single-use challenge.
package passkey

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"vaultkeeper/internal/extraauth"
	"vaultkeeper/internal/storage"
)

var (
	ErrUserNotVerified      = errors.New("passkey: user not verified")
	ErrMalformed            = errors.New("passkey: malformed assertion")
	ErrReplayOrMismatch     = errors.New("passkey: challenge replayed or mismatched")
	ErrOriginMismatch       = errors.New("passkey: origin mismatch")
	ErrUnauthorized         = errors.New("passkey: signature rejected")
	ErrUnsupportedAlgorithm = errors.New("passkey: only ES256 on P-256 is supported")
)

const challengeSize = 32

// Keyring is the slice of the vault the verifier needs.
type Keyring interface {
	Store() (storage.Store, error)
	RevealCredential(c storage.Credential) ([]byte, error)
}

// Registration carries either an SPKI DER public key or a WebAuthn
// attestationObject.
type Registration struct {
	PublicKey         []byte
	AttestationObject []byte
	RawID             []byte
	Origin            string
	Algorithm         int
}

// Challenge is what a client needs to build an assertion.
type Challenge struct {
	PublicKey []byte
	RawID     []byte
	Algorithm int
	Origin    string
	Challenge []byte
}

type Assertion struct {
	CredentialID      string
	AuthenticatorData []byte
	ClientDataJSON    []byte
	Signature         []byte
	// Login asks for the credential's secret on success.
	Login bool
}

type clientData struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Origin    string `json:"origin"`
}

type Verifier struct {
	keys Keyring
	gate *extraauth.Gatekeeper
	log  zerolog.Logger
}

func New(keys Keyring, gate *extraauth.Gatekeeper, log zerolog.Logger) *Verifier {
	return &Verifier{keys: keys, gate: gate, log: log}
}

func newChallenge() ([]byte, error) {
	c := make([]byte, challengeSize)
	_, err := rand.Read(c)
	return c, err
}

func (v *Verifier) Register(ctx context.Context, credentialID string, reg Registration) error {
	rawID, spki, alg := reg.RawID, reg.PublicKey, reg.Algorithm
	switch {
	case len(reg.AttestationObject) > 0:
		id, key, a, err := parseAttestation(reg.AttestationObject)
		if err != nil {
			return err
		}
		spki, alg = key, a
		if len(rawID) == 0 {
			rawID = id
		}
	case len(spki) > 0:
		if alg == 0 {
			alg = AlgES256
		}
		if _, err := parseSPKI(spki); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: no public key", ErrMalformed)
	}
	if alg != AlgES256 {
		return ErrUnsupportedAlgorithm
	}
	if NormalizeOrigin(reg.Origin) == "" {
		return fmt.Errorf("%w: empty origin", ErrMalformed)
	}

	st, err := v.keys.Store()
	if err != nil {
		return err
	}
	ch, err := newChallenge()
	if err != nil {
		return err
	}

	defer v.gate.Lock(credentialID)()
	if _, err := st.GetCredential(ctx, credentialID); err != nil {
		return err
	}
	err = st.PutPasskey(ctx, storage.PasskeyRecord{
		CredentialID: credentialID,
		PublicKey:    spki,
		RawID:        rawID,
		Origin:       reg.Origin,
		Algorithm:    alg,
		Challenge:    ch,
		Created:      time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	v.log.Info().Str("credential", credentialID).Msg("passkey registered")
	return nil
}

// IssueChallenge rotates the stored challenge and returns the new one with
// the key material.
func (v *Verifier) IssueChallenge(ctx context.Context, credentialID string) (Challenge, error) {
	st, err := v.keys.Store()
	if err != nil {
		return Challenge{}, err
	}
	ch, err := newChallenge()
	if err != nil {
		return Challenge{}, err
	}

	defer v.gate.Lock(credentialID)()
	if _, err := st.SwapChallenge(ctx, credentialID, ch); err != nil {
		return Challenge{}, err
	}
	rec, err := st.GetPasskey(ctx, credentialID)
	if err != nil {
		return Challenge{}, err
	}
	return Challenge{
		PublicKey: rec.PublicKey,
		RawID:     rec.RawID,
		Algorithm: rec.Algorithm,
		Origin:    rec.Origin,
		Challenge: ch,
	}, nil
}

// Verify checks an assertion. The stored challenge is replaced before any
// check runs, so each challenge is good for one Verify whatever its outcome.
// On success with a.Login it returns the credential's secret.
func (v *Verifier) Verify(ctx context.Context, a Assertion) ([]byte, error) {
	st, err := v.keys.Store()
	if err != nil {
		return nil, err
	}
	next, err := newChallenge()
	if err != nil {
		return nil, err
	}

	defer v.gate.Lock(a.CredentialID)()
	rec, err := st.GetPasskey(ctx, a.CredentialID)
	if err != nil {
		return nil, err
	}
	expected, err := st.SwapChallenge(ctx, a.CredentialID, next)
	if err != nil {
		return nil, err
	}

	if err := check(rec, expected, a); err != nil {
		v.log.Warn().Str("credential", a.CredentialID).Err(err).Msg("assertion rejected")
		return nil, err
	}
	if !a.Login {
		return nil, nil
	}
	c, err := st.GetCredential(ctx, a.CredentialID)
	if err != nil {
		return nil, err
	}
	// A registered key only releases the secret when passkey is the active
	// factor; a pin or passphrase gate must go through the gatekeeper.
	switch c.ExtraAuth {
	case extraauth.Passkey.String(), extraauth.None.String():
	default:
		v.log.Warn().Str("credential", a.CredentialID).Str("kind", c.ExtraAuth).Msg("passkey login on credential gated by another factor")
		return nil, extraauth.ErrFactorRejected
	}
	return v.keys.RevealCredential(c)
}

func check(rec storage.PasskeyRecord, expected []byte, a Assertion) error {
	ad := a.AuthenticatorData
	if len(ad) < authDataMinLen {
		return ErrMalformed
	}
	if ad[32]&flagUV == 0 {
		return ErrUserNotVerified
	}

	var cd clientData
	if err := json.Unmarshal(a.ClientDataJSON, &cd); err != nil {
		return ErrMalformed
	}
	if cd.Type != "webauthn.get" {
		return ErrMalformed
	}
	got, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(cd.Challenge, "="))
	if err != nil {
		return ErrMalformed
	}
	if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
		return ErrReplayOrMismatch
	}

	if NormalizeOrigin(cd.Origin) != NormalizeOrigin(rec.Origin) {
		return ErrOriginMismatch
	}

	if rec.Algorithm != AlgES256 {
		return ErrUnsupportedAlgorithm
	}
	pub, err := parseSPKI(rec.PublicKey)
	if err != nil {
		return ErrUnauthorized
	}
	if !ecdsa.VerifyASN1(pub, signedDigest(ad, a.ClientDataJSON), a.Signature) {
		return ErrUnauthorized
	}
	return nil
}

// signedDigest is SHA-256(authenticatorData || SHA-256(clientDataJSON)).
func signedDigest(authData, clientDataJSON []byte) []byte {
	cdHash := sha256.Sum256(clientDataJSON)
	h := sha256.New()
	h.Write(authData)
	h.Write(cdHash[:])
	return h.Sum(nil)
}

// Delete removes the passkey. A credential gated by it falls back to None.
func (v *Verifier) Delete(ctx context.Context, credentialID string) error {
	st, err := v.keys.Store()
	if err != nil {
		return err
	}
	defer v.gate.Lock(credentialID)()

	c, err := st.GetCredential(ctx, credentialID)
	if err != nil {
		return err
	}
	if _, err := st.GetPasskey(ctx, credentialID); err != nil {
		return err
	}
	if err := st.DeletePasskey(ctx, credentialID); err != nil {
		return err
	}
	if c.ExtraAuth == extraauth.Passkey.String() {
		return st.SetExtraAuth(ctx, credentialID, extraauth.None.String())
	}
	return nil
}
