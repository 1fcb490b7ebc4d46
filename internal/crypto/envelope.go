package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	wrapSaltSize = 32
	wrapIVSize   = aes.BlockSize
	wrapMacSize  = sha256.Size
	wrapMinSize  = wrapSaltSize + wrapIVSize + wrapMacSize
	wrapInfo     = "vaultkeeper/key-wrap/v1"
)

var (
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
	ErrInvalidMAC         = errors.New("crypto: message authentication failed")
)

// WrapKey protects key material under a KEK with encrypt-then-MAC: AES-256-CTR
// and HMAC-SHA256, both subkeys derived by HKDF from kek and a per-wrap salt.
// Layout: [salt||iv||ciphertext||mac].
func WrapKey(kek, key, aad []byte) ([]byte, error) {
	if len(kek) == 0 {
		return nil, errors.New("crypto: empty wrapping key")
	}

	salt := make([]byte, wrapSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	encKey, macKey, err := deriveWrapKeys(kek, salt)
	if err != nil {
		return nil, err
	}
	defer Zero(encKey)
	defer Zero(macKey)

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, wrapIVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	out := make([]byte, wrapSaltSize+wrapIVSize+len(key), wrapSaltSize+wrapIVSize+len(key)+wrapMacSize)
	copy(out, salt)
	copy(out[wrapSaltSize:], iv)
	body := out[wrapSaltSize+wrapIVSize:]
	cipher.NewCTR(block, iv).XORKeyStream(body, key)

	return append(out, computeMAC(macKey, aad, iv, body)...), nil
}

// UnwrapKey authenticates before decrypting; a wrong KEK surfaces as
// ErrInvalidMAC.
func UnwrapKey(kek, wrapped, aad []byte) ([]byte, error) {
	if len(wrapped) < wrapMinSize {
		return nil, ErrCiphertextTooShort
	}
	if len(kek) == 0 {
		return nil, errors.New("crypto: empty wrapping key")
	}

	salt := wrapped[:wrapSaltSize]
	iv := wrapped[wrapSaltSize : wrapSaltSize+wrapIVSize]
	macStart := len(wrapped) - wrapMacSize
	body := wrapped[wrapSaltSize+wrapIVSize : macStart]

	encKey, macKey, err := deriveWrapKeys(kek, salt)
	if err != nil {
		return nil, err
	}
	defer Zero(encKey)
	defer Zero(macKey)

	if subtle.ConstantTimeCompare(computeMAC(macKey, aad, iv, body), wrapped[macStart:]) != 1 {
		return nil, ErrInvalidMAC
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	key := make([]byte, len(body))
	cipher.NewCTR(block, iv).XORKeyStream(key, body)
	return key, nil
}

func deriveWrapKeys(kek, salt []byte) (encKey, macKey []byte, err error) {
	stream := hkdf.New(sha256.New, kek, salt, []byte(wrapInfo))
	encKey = make([]byte, 32)
	macKey = make([]byte, 32)
	if _, err = io.ReadFull(stream, encKey); err != nil {
		return nil, nil, err
	}
	if _, err = io.ReadFull(stream, macKey); err != nil {
		return nil, nil, err
	}
	return encKey, macKey, nil
}

func computeMAC(macKey, aad, iv, ciphertext []byte) []byte {
	mac := hmac.New(sha256.New, macKey)
	mac.Write(aad)
	mac.Write(iv)
	mac.Write(ciphertext)
	return mac.Sum(nil)
}
