package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	cr "vaultkeeper/internal/crypto"
	"vaultkeeper/internal/extraauth"
	"vaultkeeper/internal/kex"
	"vaultkeeper/internal/passkey"
	"vaultkeeper/internal/storage"
	"vaultkeeper/internal/vault"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{kex.ErrNoSharedSecret, http.StatusBadRequest, "no_shared_secret"},
		{fmt.Errorf("wrap: %w", cr.ErrDecryptionFailed), http.StatusBadRequest, "protocol_error"},
		{vault.ErrUnlockFailed, http.StatusForbidden, "forbidden"},
		{vault.ErrNotUnlocked, http.StatusForbidden, "locked"},
		{fmt.Errorf("%w: too short", vault.ErrInvalidPolicy), http.StatusBadRequest, "policy_violation"},
		{extraauth.ErrFactorNotSetUp, http.StatusNotFound, "not_found"},
		{extraauth.ErrAssertionRequired, http.StatusUnauthorized, "assertion_required"},
		{passkey.ErrReplayOrMismatch, http.StatusUnauthorized, "replay_or_mismatch"},
		{passkey.ErrOriginMismatch, http.StatusUnauthorized, "origin_mismatch"},
		{fmt.Errorf("%w: bad cbor", passkey.ErrMalformed), http.StatusBadRequest, "protocol_error"},
		{storage.ErrConflict, http.StatusConflict, "conflict"},
		{errRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		status, code := classify(tc.err)
		if status != tc.status || code != tc.code {
			t.Errorf("classify(%v) = %d %q, want %d %q", tc.err, status, code, tc.status, tc.code)
		}
	}
}
