// Package extraauth decides whether a credential's secret may be released:
// each credential carries at most one extra factor on top of the unlocked
// vault.
package extraauth

import (
	"errors"
	"strings"

	"vaultkeeper/internal/storage"
)

var ErrInvalidKind = errors.New("extraauth: invalid kind")

type Kind int

const (
	None Kind = iota
	Pin
	Passkey
	Passphrase
)

var kindNames = [...]string{"none", "pin", "passkey", "passphrase"}

func (k Kind) String() string {
	if k < None || k > Passphrase {
		return "invalid"
	}
	return kindNames[k]
}

func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range kindNames {
		if n == s {
			return Kind(i), nil
		}
	}
	return None, ErrInvalidKind
}

// Factor is the active factor of one credential together with what is needed
// to check it.
type Factor interface {
	Kind() Kind
}

type NoFactor struct{}

type PinFactor struct {
	Hash string
}

type PasskeyFactor struct {
	Key storage.PasskeyRecord
}

type PassphraseFactor struct{}

func (NoFactor) Kind() Kind         { return None }
func (PinFactor) Kind() Kind        { return Pin }
func (PasskeyFactor) Kind() Kind    { return Passkey }
func (PassphraseFactor) Kind() Kind { return Passphrase }
