package server

import (
	"errors"
	"net/http"

	"vaultkeeper/internal/auth"
	"vaultkeeper/internal/authenticator"
	cr "vaultkeeper/internal/crypto"
	"vaultkeeper/internal/extraauth"
	"vaultkeeper/internal/kex"
	"vaultkeeper/internal/passkey"
	"vaultkeeper/internal/storage"
	"vaultkeeper/internal/totp"
	"vaultkeeper/internal/vault"
)

var (
	errBadRequest  = errors.New("bad request")
	errRateLimited = errors.New("rate limited")
)

// errorTable maps domain errors to wire codes. First match wins, so wrapped
// sentinels listed earlier take precedence over storage.ErrNotFound.
var errorTable = []struct {
	err    error
	status int
	code   string
}{
	{kex.ErrNoSharedSecret, http.StatusBadRequest, "no_shared_secret"},
	{kex.ErrInvalidSourceID, http.StatusBadRequest, "no_shared_secret"},
	{kex.ErrInvalidKey, http.StatusBadRequest, "protocol_error"},
	{cr.ErrDecryptionFailed, http.StatusBadRequest, "protocol_error"},
	{errBadRequest, http.StatusBadRequest, "protocol_error"},
	{errRateLimited, http.StatusTooManyRequests, "rate_limited"},

	{vault.ErrUnlockFailed, http.StatusForbidden, "forbidden"},
	{vault.ErrNotUnlocked, http.StatusForbidden, "locked"},
	{vault.ErrInvalidPolicy, http.StatusBadRequest, "policy_violation"},
	{vault.ErrInvalidCredential, http.StatusBadRequest, "policy_violation"},
	{auth.ErrInvalidRefresh, http.StatusBadRequest, "protocol_error"},

	{extraauth.ErrInvalidKind, http.StatusBadRequest, "protocol_error"},
	{extraauth.ErrInvalidPin, http.StatusBadRequest, "policy_violation"},
	{extraauth.ErrFactorRejected, http.StatusUnauthorized, "unauthorized"},
	{extraauth.ErrAssertionRequired, http.StatusUnauthorized, "assertion_required"},

	{passkey.ErrUserNotVerified, http.StatusUnauthorized, "unauthorized"},
	{passkey.ErrMalformed, http.StatusBadRequest, "protocol_error"},
	{passkey.ErrUnsupportedAlgorithm, http.StatusBadRequest, "protocol_error"},
	{passkey.ErrReplayOrMismatch, http.StatusUnauthorized, "replay_or_mismatch"},
	{passkey.ErrOriginMismatch, http.StatusUnauthorized, "origin_mismatch"},
	{passkey.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},

	{totp.ErrInvalidSecret, http.StatusBadRequest, "policy_violation"},
	{authenticator.ErrBadTimestamp, http.StatusBadRequest, "protocol_error"},

	{storage.ErrNotFound, http.StatusNotFound, "not_found"},
	{storage.ErrConflict, http.StatusConflict, "conflict"},
	{storage.ErrClosed, http.StatusForbidden, "locked"},
}

func classify(err error) (int, string) {
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	ev := s.log.Debug()
	if status == http.StatusInternalServerError {
		ev = s.log.Error()
	}
	ev.Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	writeJSONStatus(w, status, map[string]string{"error": code})
}
