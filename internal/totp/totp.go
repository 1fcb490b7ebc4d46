// Package totp computes RFC 6238 time-based codes (HMAC-SHA1, 30 second
// step, 6 digits).
package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultStep   = 30 * time.Second
	DefaultDigits = 6
	secretSize    = 20 // 160-bit secret
	minSecretSize = 10
)

var ErrInvalidSecret = errors.New("totp: secret must be base32 and at least 80 bits")

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

func GenerateSecret() (string, error) {
	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return "", err
	}
	return b32.EncodeToString(secret), nil
}

// DecodeSecret accepts the forms authenticator apps hand out: any case,
// optional padding, spaces or dashes between groups.
func DecodeSecret(secret string) ([]byte, error) {
	s := strings.ToUpper(secret)
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '\t', '=':
			return -1
		}
		return r
	}, s)
	b, err := b32.DecodeString(s)
	if err != nil || len(b) < minSecretSize {
		return nil, ErrInvalidSecret
	}
	return b, nil
}

func ValidateSecret(secret string) error {
	b, err := DecodeSecret(secret)
	zero(b)
	return err
}

// Code returns the code for the step containing when.
func Code(secret []byte, when time.Time) string {
	return computeCode(secret, counterAt(when))
}

// Verify accepts the current step and one step either side.
func Verify(code, secret string, when time.Time) bool {
	code = strings.TrimSpace(code)
	if len(code) != DefaultDigits {
		return false
	}
	secretBytes, err := DecodeSecret(secret)
	if err != nil {
		return false
	}
	defer zero(secretBytes)

	counter := counterAt(when)
	ok := false
	for i := int64(-1); i <= 1; i++ {
		cur := int64(counter) + i
		if cur < 0 {
			continue
		}
		if hmac.Equal([]byte(computeCode(secretBytes, uint64(cur))), []byte(code)) {
			ok = true
		}
	}
	return ok
}

// SecondsRemaining is how long the code for when stays valid.
func SecondsRemaining(when time.Time) int {
	step := int64(DefaultStep / time.Second)
	return int(step - when.Unix()%step)
}

func ProvisionURI(account, issuer, secret string) string {
	label := url.PathEscape(issuer) + ":" + url.PathEscape(account)
	q := url.Values{}
	q.Set("secret", secret)
	q.Set("issuer", issuer)
	q.Set("algorithm", "SHA1")
	q.Set("digits", fmt.Sprint(DefaultDigits))
	q.Set("period", fmt.Sprint(int(DefaultStep/time.Second)))
	return "otpauth://totp/" + label + "?" + q.Encode()
}

func counterAt(when time.Time) uint64 {
	t := when.Unix()
	if t < 0 {
		return 0
	}
	return uint64(t / int64(DefaultStep/time.Second))
}

func computeCode(secret []byte, counter uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)

	mac := hmac.New(sha1.New, secret)
	mac.Write(buf[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0F
	trunc := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7FFFFFFF
	code := trunc % 1000000
	return fmt.Sprintf("%0*d", DefaultDigits, code)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
