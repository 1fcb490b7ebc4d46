// Package storage persists the vault's records. The gatekeeper only sees the
// narrow interfaces below; backends are interchangeable.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrConflict = errors.New("storage: already exists")
	ErrClosed   = errors.New("storage: store is closed")
)

// Credential is one stored login. Secret is at-rest ciphertext; ExtraAuth is
// the textual extra-auth kind ("none", "pin", "passkey", "passphrase").
type Credential struct {
	ID        string `json:"id" bson:"_id"`
	Domain    string `json:"domain" bson:"domain"`
	Username  string `json:"username" bson:"username"`
	Secret    []byte `json:"-" bson:"secret"`
	ExtraAuth string `json:"extraAuth" bson:"extra_auth"`
	Created   int64  `json:"created" bson:"created"`
	Updated   int64  `json:"updated" bson:"updated"`
}

// PinRecord holds an Argon2id hash of a credential's PIN.
type PinRecord struct {
	CredentialID string `bson:"_id"`
	Hash         string `bson:"hash"`
	Created      int64  `bson:"created"`
}

// PasskeyRecord is a registered public-key credential with its rotating
// challenge. PublicKey is SPKI DER.
type PasskeyRecord struct {
	CredentialID string `bson:"_id"`
	PublicKey    []byte `bson:"public_key"`
	RawID        []byte `bson:"raw_id"`
	Origin       string `bson:"origin"`
	Algorithm    int    `bson:"algorithm"`
	Challenge    []byte `bson:"challenge"`
	Created      int64  `bson:"created"`
}

// OTPRecord holds an authenticator seed encrypted under the vault root key.
type OTPRecord struct {
	CredentialID string `bson:"_id"`
	Secret       []byte `bson:"secret"`
	Created      int64  `bson:"created"`
}

// Opener is implemented by every backend. Open must be called before any
// other method; Close releases the connection and makes the store unusable
// until the next Open.
type Opener interface {
	Open(ctx context.Context) error
	Close() error
}

type HeaderStore interface {
	GetHeader(ctx context.Context) ([]byte, error)
	PutHeader(ctx context.Context, header []byte) error
}

type CredentialStore interface {
	PutCredential(ctx context.Context, c Credential) error
	// UpdateSecret touches only the secret and updated columns so it never
	// races a concurrent SetExtraAuth.
	UpdateSecret(ctx context.Context, id string, secret []byte, updated int64) error
	GetCredential(ctx context.Context, id string) (Credential, error)
	ListCredentials(ctx context.Context) ([]Credential, error)
	// DeleteCredential also removes every factor bound to the credential.
	DeleteCredential(ctx context.Context, id string) error
	SetExtraAuth(ctx context.Context, id, kind string) error
}

type FactorStore interface {
	PutPin(ctx context.Context, p PinRecord) error
	GetPin(ctx context.Context, credentialID string) (PinRecord, error)
	DeletePin(ctx context.Context, credentialID string) error

	PutPasskey(ctx context.Context, p PasskeyRecord) error
	GetPasskey(ctx context.Context, credentialID string) (PasskeyRecord, error)
	DeletePasskey(ctx context.Context, credentialID string) error
	// SwapChallenge atomically replaces the stored challenge and returns the
	// value it replaced.
	SwapChallenge(ctx context.Context, credentialID string, next []byte) ([]byte, error)
}

type OTPStore interface {
	PutOTP(ctx context.Context, o OTPRecord) error
	GetOTP(ctx context.Context, credentialID string) (OTPRecord, error)
	DeleteOTP(ctx context.Context, credentialID string) error
}

type TokenStore interface {
	PutRefreshToken(ctx context.Context, hash string, expires time.Time) error
	// ConsumeRefreshToken deletes the token and fails with ErrNotFound if it
	// is unknown or expired at now.
	ConsumeRefreshToken(ctx context.Context, hash string, now time.Time) error
	// ExpireRefreshTokens moves the expiry of every live token to now.
	ExpireRefreshTokens(ctx context.Context, now time.Time) error
}

type Store interface {
	Opener
	HeaderStore
	CredentialStore
	FactorStore
	OTPStore
	TokenStore
}

// New builds the backend named by driver: "memory", "sqlite" or "mongo".
func New(driver, path, mongoURI, mongoDB string) (Store, error) {
	switch driver {
	case "memory":
		return NewMemoryStore(), nil
	case "", "sqlite":
		if path == "" {
			return nil, errors.New("storage: sqlite path is empty")
		}
		return NewSQLiteStore(path), nil
	case "mongo":
		return NewMongoStore(mongoURI, mongoDB), nil
	}
	return nil, fmt.Errorf("storage: unknown driver %q", driver)
}
