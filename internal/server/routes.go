package server

import (
	"net/http"

	"vaultkeeper/internal/auth"
)

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /handshake", s.handleHandshake)

	public := func(h http.HandlerFunc) http.Handler { return s.transport(h) }
	protected := func(h http.HandlerFunc) http.Handler {
		return s.transport(auth.AuthRequired(s.issuer.Signer(), s.vault)(h))
	}

	s.mux.Handle("POST /unlockvault", public(s.handleUnlock))
	s.mux.Handle("POST /refreshtoken", public(s.handleRefresh))

	s.mux.Handle("POST /updatevaultpassphrase", protected(s.handleUpdatePassphrase))
	s.mux.Handle("GET /lockvault", protected(s.handleLock))
	s.mux.Handle("GET /checkauth", protected(s.handleCheckAuth))

	s.mux.Handle("GET /extraauth", protected(s.handleGetExtraAuth))
	s.mux.Handle("PUT /extraauth", protected(s.handleSetExtraAuth))
	s.mux.Handle("DELETE /extraauth", protected(s.handleRemoveExtraAuth))

	s.mux.Handle("POST /pincode", protected(s.handleSetPin))
	s.mux.Handle("GET /pincode", protected(s.handleHasPin))
	s.mux.Handle("DELETE /pincode", protected(s.handleDeletePin))

	s.mux.Handle("POST /passkey", protected(s.handleRegisterPasskey))
	s.mux.Handle("GET /passkey", protected(s.handlePasskeyChallenge))
	s.mux.Handle("DELETE /passkey", protected(s.handleDeletePasskey))
	s.mux.Handle("POST /passkey/verify", protected(s.handleVerifyPasskey))

	s.mux.Handle("GET /authenticator", protected(s.handleComputeCode))
	s.mux.Handle("POST /authenticator", protected(s.handleRegisterAuthenticator))
	s.mux.Handle("DELETE /authenticator", protected(s.handleRemoveAuthenticator))

	s.mux.Handle("POST /credentials", protected(s.handleAddCredential))
	s.mux.Handle("GET /credentials", protected(s.handleListCredentials))
	s.mux.Handle("PUT /credentials", protected(s.handleUpdateCredential))
	s.mux.Handle("DELETE /credentials", protected(s.handleDeleteCredential))
	s.mux.Handle("POST /credentials/secret", protected(s.handleReleaseSecret))

	s.mux.Handle("GET /audit", protected(s.handleAudit))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok", "unlocked": s.vault.IsUnlocked()})
}
