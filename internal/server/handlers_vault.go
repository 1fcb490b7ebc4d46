package server

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"

	"vaultkeeper/internal/auth"
	cr "vaultkeeper/internal/crypto"
	"vaultkeeper/internal/kex"
)

type handshakeReq struct {
	SourceID        *int   `json:"sourceId"`
	ClientPublicKey string `json:"clientPublicKey"`
}

type handshakeResp struct {
	ServerPublicKey string `json:"serverPublicKey"`
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	var req handshakeReq
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	raw := r.Header.Get(SourceHeader)
	if req.SourceID != nil {
		raw = strconv.Itoa(*req.SourceID)
	}
	src, err := kex.ParseSource(raw)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	pub, err := decodeB64("clientPublicKey", req.ClientPublicKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	serverPub, err := s.kex.Handshake(src, pub)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Debug().Str("source", src.String()).Msg("handshake complete")
	writeJSON(w, handshakeResp{ServerPublicKey: base64.StdEncoding.EncodeToString(serverPub)})
}

type unlockReq struct {
	PassphraseCiphertext string `json:"passphraseCiphertext"`
	SourceID             *int   `json:"sourceId,omitempty"`
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	if !s.rlUnlockIP.allow(getClientIP(r)) {
		tooMany(w, 60)
		return
	}
	var req unlockReq
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	pass, err := s.open(r, req.SourceID, req.PassphraseCiphertext)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer cr.Zero(pass)

	if err := s.vault.Unlock(r.Context(), pass); err != nil {
		s.audit.Append("unlock failed")
		s.writeError(w, r, err)
		return
	}
	pair, err := s.issuer.IssuePair(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit.Append("vault unlocked")
	writeJSONStatus(w, http.StatusCreated, pair)
}

type refreshReq struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshReq
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	pair, err := s.issuer.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, pair)
}

type updatePassphraseReq struct {
	NewKeyCiphertext string `json:"newKeyCiphertext"`
	SourceID         *int   `json:"sourceId,omitempty"`
}

func (s *Server) handleUpdatePassphrase(w http.ResponseWriter, r *http.Request) {
	var req updatePassphraseReq
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	pass, err := s.open(r, req.SourceID, req.NewKeyCiphertext)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer cr.Zero(pass)

	if err := s.vault.UpdatePassphrase(r.Context(), pass); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit.Append("passphrase updated")
	w.WriteHeader(http.StatusNoContent)
}

// handleLock expires refresh tokens and rotates the signing key before the
// store goes away, so no token minted before the lock survives it.
func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	if err := s.issuer.RevokeAll(r.Context()); err != nil {
		s.log.Warn().Err(err).Msg("expire refresh tokens")
	}
	if err := s.vault.Lock(); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit.Append("vault locked")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCheckAuth(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	resp := map[string]any{"unlocked": true}
	if claims != nil {
		resp["expiresAt"] = claims.ExpiresAt
	}
	writeJSON(w, resp)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	verified := s.audit.Verify() == nil
	writeJSON(w, map[string]any{
		"entries":  s.audit.Entries(),
		"verified": verified,
	})
}
