package vault

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

var ErrInvalidPolicy = errors.New("vault: passphrase does not meet policy")

const (
	minMnemonicWords = 4
	maxMnemonicWords = 10
	minPassphraseLen = 12
)

var (
	reUpper = regexp.MustCompile(`[A-Z]`)
	reLower = regexp.MustCompile(`[a-z]`)
	reDigit = regexp.MustCompile(`[0-9]`)
	reSym   = regexp.MustCompile(`[^A-Za-z0-9]`)
)

// ValidatePassphrase accepts either a mnemonic (whitespace separated words,
// 4 to 10 of them) or a single strong password.
func ValidatePassphrase(p string) error {
	if strings.IndexFunc(p, unicode.IsSpace) >= 0 {
		n := len(strings.Fields(p))
		if n < minMnemonicWords || n > maxMnemonicWords {
			return fmt.Errorf("%w: mnemonic must have %d to %d words, got %d",
				ErrInvalidPolicy, minMnemonicWords, maxMnemonicWords, n)
		}
		return nil
	}
	switch {
	case len(p) < minPassphraseLen:
		return fmt.Errorf("%w: must be at least %d characters", ErrInvalidPolicy, minPassphraseLen)
	case !reUpper.MatchString(p):
		return fmt.Errorf("%w: must include an uppercase letter", ErrInvalidPolicy)
	case !reLower.MatchString(p):
		return fmt.Errorf("%w: must include a lowercase letter", ErrInvalidPolicy)
	case !reDigit.MatchString(p):
		return fmt.Errorf("%w: must include a digit", ErrInvalidPolicy)
	case !reSym.MatchString(p):
		return fmt.Errorf("%w: must include a special character", ErrInvalidPolicy)
	}
	return nil
}
