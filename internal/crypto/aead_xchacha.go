package crypto

import (
	"crypto/rand"
	"errors"

	xchacha "golang.org/x/crypto/chacha20poly1305"
)

// ErrSecretOpen is returned when an at-rest secret fails authentication,
// which covers a wrong root key, tampering and a mismatched record id.
var ErrSecretOpen = errors.New("crypto: cannot open sealed secret")

// SealX encrypts one stored secret under the vault root key. aad binds the
// ciphertext to the record it belongs to. Layout: [nonce||ciphertext||tag].
func SealX(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := xchacha.NewX(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, xchacha.NonceSizeX, xchacha.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[:xchacha.NonceSizeX], plaintext, aad), nil
}

func OpenX(key, ciphertext, aad []byte) ([]byte, error) {
	aead, err := xchacha.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < xchacha.NonceSizeX+aead.Overhead() {
		return nil, ErrSecretOpen
	}
	pt, err := aead.Open(nil, ciphertext[:xchacha.NonceSizeX], ciphertext[xchacha.NonceSizeX:], aad)
	if err != nil {
		return nil, ErrSecretOpen
	}
	return pt, nil
}
