package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
)

const transportIVSize = aes.BlockSize

// ErrDecryptionFailed is the only error DecryptTransport returns for bad
// input. Callers must not be able to tell a padding failure from a wrong key.
var ErrDecryptionFailed = errors.New("crypto: decryption failed")

// EncryptTransport wraps plaintext for the wire: AES-CBC with PKCS#7 padding
// under secret, a fresh random IV prepended, base64 encoded.
func EncryptTransport(secret, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(secret)
	if err != nil {
		return "", err
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	defer Zero(padded)

	out := make([]byte, transportIVSize+len(padded))
	iv := out[:transportIVSize]
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[transportIVSize:], padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptTransport reverses EncryptTransport. The IV is the leading block of
// the decoded blob.
func DecryptTransport(secret []byte, blob string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if len(raw) < transportIVSize+aes.BlockSize || (len(raw)-transportIVSize)%aes.BlockSize != 0 {
		return nil, ErrDecryptionFailed
	}
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	iv := raw[:transportIVSize]
	body := make([]byte, len(raw)-transportIVSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(body, raw[transportIVSize:])

	n, ok := pkcs7Unpad(body, aes.BlockSize)
	if !ok {
		Zero(body)
		return nil, ErrDecryptionFailed
	}
	pt := make([]byte, n)
	copy(pt, body[:n])
	Zero(body)
	return pt, nil
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

// pkcs7Unpad returns the unpadded length. The last block is inspected in full
// regardless of where a mismatch occurs.
func pkcs7Unpad(b []byte, size int) (int, bool) {
	if len(b) == 0 || len(b)%size != 0 {
		return 0, false
	}
	last := b[len(b)-size:]
	n := int(last[size-1])

	good := subtle.ConstantTimeLessOrEq(1, n) & subtle.ConstantTimeLessOrEq(n, size)
	for i := 0; i < size; i++ {
		inPad := subtle.ConstantTimeLessOrEq(size, i+n)
		match := subtle.ConstantTimeByteEq(last[i], byte(n))
		// bytes inside the pad region must all equal n
		good &= subtle.ConstantTimeSelect(inPad, match, 1)
	}
	if good != 1 {
		return 0, false
	}
	return len(b) - n, true
}
