package server

import (
	"fmt"
	"net/http"

	cr "vaultkeeper/internal/crypto"
	"vaultkeeper/internal/extraauth"
	"vaultkeeper/internal/storage"
	"vaultkeeper/internal/vault"
)

type addCredentialReq struct {
	Domain           string `json:"domain"`
	Username         string `json:"username"`
	SecretCiphertext string `json:"secretCiphertext"`
	SourceID         *int   `json:"sourceId,omitempty"`
}

func (s *Server) handleAddCredential(w http.ResponseWriter, r *http.Request) {
	var req addCredentialReq
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	secret, err := s.open(r, req.SourceID, req.SecretCiphertext)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer cr.Zero(secret)

	c, err := s.vault.AddCredential(r.Context(), vault.NewCredential{
		Domain:   req.Domain,
		Username: req.Username,
		Secret:   secret,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit.Appendf("credential %s added", c.ID)
	writeJSONStatus(w, http.StatusCreated, c)
}

// handleListCredentials returns one credential with ?credentialId=, else the
// list, optionally filtered by ?domain=. Secrets never leave this way.
func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if id := q.Get("credentialId"); id != "" {
		c, err := s.vault.GetCredential(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		c.Secret = nil
		writeJSON(w, c)
		return
	}
	list, err := s.vault.ListCredentials(r.Context(), q.Get("domain"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []storage.Credential{}
	}
	writeJSON(w, map[string]any{"credentials": list})
}

type updateCredentialReq struct {
	CredentialID     string `json:"credentialId"`
	SecretCiphertext string `json:"secretCiphertext"`
	SourceID         *int   `json:"sourceId,omitempty"`
}

func (s *Server) handleUpdateCredential(w http.ResponseWriter, r *http.Request) {
	var req updateCredentialReq
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.CredentialID == "" {
		s.writeError(w, r, fmt.Errorf("%w: credentialId required", errBadRequest))
		return
	}
	secret, err := s.open(r, req.SourceID, req.SecretCiphertext)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer cr.Zero(secret)

	if err := s.vault.UpdateCredentialSecret(r.Context(), req.CredentialID, secret); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit.Appendf("credential %s updated", req.CredentialID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	id, err := credentialParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.vault.DeleteCredential(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit.Appendf("credential %s deleted", id)
	w.WriteHeader(http.StatusNoContent)
}

type releaseReq struct {
	CredentialID         string `json:"credentialId"`
	PinCiphertext        string `json:"pinCiphertext,omitempty"`
	PassphraseCiphertext string `json:"passphraseCiphertext,omitempty"`
	SourceID             *int   `json:"sourceId,omitempty"`
}

type releaseResp struct {
	SecretCiphertext string `json:"secretCiphertext"`
}

func (s *Server) handleReleaseSecret(w http.ResponseWriter, r *http.Request) {
	var req releaseReq
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.CredentialID == "" {
		s.writeError(w, r, fmt.Errorf("%w: credentialId required", errBadRequest))
		return
	}
	if _, err := source(r, req.SourceID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.rlRelease.allow(req.CredentialID) {
		tooMany(w, 60)
		return
	}

	var proof extraauth.Proof
	var err error
	if req.PinCiphertext != "" {
		if proof.Pin, err = s.open(r, req.SourceID, req.PinCiphertext); err != nil {
			s.writeError(w, r, err)
			return
		}
		defer cr.Zero(proof.Pin)
	}
	if req.PassphraseCiphertext != "" {
		if proof.Passphrase, err = s.open(r, req.SourceID, req.PassphraseCiphertext); err != nil {
			s.writeError(w, r, err)
			return
		}
		defer cr.Zero(proof.Passphrase)
	}

	secret, err := s.gate.Release(r.Context(), req.CredentialID, proof)
	if err != nil {
		s.audit.Appendf("release refused for %s", req.CredentialID)
		s.writeError(w, r, err)
		return
	}
	defer cr.Zero(secret)

	sealed, err := s.seal(r, secret)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit.Appendf("secret released for %s", req.CredentialID)
	writeJSON(w, releaseResp{SecretCiphertext: sealed})
}
