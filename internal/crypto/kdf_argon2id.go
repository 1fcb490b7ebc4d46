package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/argon2"
)

const kdfSaltSize = 32

// KDFParams are the Argon2id cost parameters plus the per-vault salt.
type KDFParams struct {
	M    uint32 // KiB
	T    uint32
	P    uint8
	Salt []byte
}

// DefaultKDF is tuned for a desktop service unlocking once per session.
func DefaultKDF() KDFParams {
	return KDFParams{M: 64 * 1024, T: 3, P: 4}
}

// WithFreshSalt returns a copy of p carrying a new random salt.
func (p KDFParams) WithFreshSalt() (KDFParams, error) {
	salt := make([]byte, kdfSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return KDFParams{}, err
	}
	p.Salt = salt
	return p, nil
}

func (p KDFParams) Validate() error {
	switch {
	case p.M < 8*uint32(p.P):
		return errors.New("crypto: argon2 memory too small")
	case p.T == 0 || p.P == 0:
		return errors.New("crypto: argon2 time and parallelism must be positive")
	case len(p.Salt) < 16:
		return errors.New("crypto: argon2 salt too short")
	}
	return nil
}

// DeriveKEK stretches the master passphrase into the 32-byte at-rest key.
func DeriveKEK(master []byte, p KDFParams) (kek [32]byte) {
	key := argon2.IDKey(master, p.Salt, p.T, p.M, p.P, 32)
	copy(kek[:], key)
	Zero(key)
	return
}
