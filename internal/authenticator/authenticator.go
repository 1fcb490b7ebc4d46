// Package authenticator stores TOTP seeds next to credentials and computes
// their codes. It does not gate release; it only helps the client log in.
package authenticator

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"vaultkeeper/internal/storage"
	"vaultkeeper/internal/totp"
)

var ErrBadTimestamp = errors.New("authenticator: unparsable timestamp")

// Timestamps at or above this are taken as Unix milliseconds.
const msThreshold = 1_000_000_000_000

type Keyring interface {
	Store() (storage.Store, error)
	SealSecret(aad string, pt []byte) ([]byte, error)
	OpenSecret(aad string, ct []byte) ([]byte, error)
}

type Code struct {
	Code      string `json:"code"`
	Remaining int    `json:"remaining"`
}

type Service struct {
	keys Keyring
}

func New(keys Keyring) *Service { return &Service{keys: keys} }

func seedAAD(id string) string { return "otp:" + id }

// Register validates and encrypts a base32 seed for credentialID.
func (s *Service) Register(ctx context.Context, credentialID, secret string) error {
	seed, err := totp.DecodeSecret(secret)
	if err != nil {
		return err
	}
	defer zero(seed)

	st, err := s.keys.Store()
	if err != nil {
		return err
	}
	if _, err := st.GetCredential(ctx, credentialID); err != nil {
		return err
	}
	ct, err := s.keys.SealSecret(seedAAD(credentialID), seed)
	if err != nil {
		return err
	}
	return st.PutOTP(ctx, storage.OTPRecord{CredentialID: credentialID, Secret: ct, Created: time.Now().Unix()})
}

// Compute returns the code valid at timestamp (see ParseTimestamp).
func (s *Service) Compute(ctx context.Context, credentialID, timestamp string) (Code, error) {
	at, err := ParseTimestamp(timestamp)
	if err != nil {
		return Code{}, err
	}
	st, err := s.keys.Store()
	if err != nil {
		return Code{}, err
	}
	rec, err := st.GetOTP(ctx, credentialID)
	if err != nil {
		return Code{}, err
	}
	seed, err := s.keys.OpenSecret(seedAAD(credentialID), rec.Secret)
	if err != nil {
		return Code{}, err
	}
	defer zero(seed)
	return Code{Code: totp.Code(seed, at), Remaining: totp.SecondsRemaining(at)}, nil
}

func (s *Service) Remove(ctx context.Context, credentialID string) error {
	st, err := s.keys.Store()
	if err != nil {
		return err
	}
	if _, err := st.GetOTP(ctx, credentialID); err != nil {
		return err
	}
	return st.DeleteOTP(ctx, credentialID)
}

// ParseTimestamp accepts Unix seconds, Unix milliseconds or RFC 3339. An
// empty string means now.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Now(), nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return time.Time{}, ErrBadTimestamp
		}
		if n >= msThreshold {
			return time.UnixMilli(n), nil
		}
		return time.Unix(n, 0), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, ErrBadTimestamp
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
