package server

import (
	"encoding/base64"
	"fmt"
	"net/http"

	cr "vaultkeeper/internal/crypto"
	"vaultkeeper/internal/extraauth"
	"vaultkeeper/internal/passkey"
)

type kindResp struct {
	CredentialID string `json:"credentialId"`
	Kind         string `json:"kind"`
}

func (s *Server) handleGetExtraAuth(w http.ResponseWriter, r *http.Request) {
	id, err := credentialParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	k, err := s.gate.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, kindResp{CredentialID: id, Kind: k.String()})
}

type setKindReq struct {
	Kind string `json:"kind"`
}

func (s *Server) handleSetExtraAuth(w http.ResponseWriter, r *http.Request) {
	id, err := credentialParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req setKindReq
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	k, err := extraauth.ParseKind(req.Kind)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.gate.Set(r.Context(), id, k); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit.Appendf("extra auth %s set to %s", id, k)
	writeJSON(w, kindResp{CredentialID: id, Kind: k.String()})
}

func (s *Server) handleRemoveExtraAuth(w http.ResponseWriter, r *http.Request) {
	id, err := credentialParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.gate.Remove(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit.Appendf("extra auth %s removed", id)
	w.WriteHeader(http.StatusNoContent)
}

type setPinReq struct {
	CredentialID  string `json:"credentialId"`
	PinCiphertext string `json:"pinCiphertext"`
	SourceID      *int   `json:"sourceId,omitempty"`
}

func (s *Server) handleSetPin(w http.ResponseWriter, r *http.Request) {
	var req setPinReq
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.CredentialID == "" {
		s.writeError(w, r, fmt.Errorf("%w: credentialId required", errBadRequest))
		return
	}
	pin, err := s.open(r, req.SourceID, req.PinCiphertext)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer cr.Zero(pin)

	if err := s.gate.SetPin(r.Context(), req.CredentialID, pin); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit.Appendf("pin set for %s", req.CredentialID)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleHasPin(w http.ResponseWriter, r *http.Request) {
	id, err := credentialParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ok, err := s.gate.HasPin(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"credentialId": id, "exists": ok})
}

func (s *Server) handleDeletePin(w http.ResponseWriter, r *http.Request) {
	id, err := credentialParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.gate.DeletePin(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit.Appendf("pin removed for %s", id)
	w.WriteHeader(http.StatusNoContent)
}

type registerPasskeyReq struct {
	CredentialID      string `json:"credentialId"`
	PublicKey         string `json:"publicKey,omitempty"`
	AttestationObject string `json:"attestationObject,omitempty"`
	RawID             string `json:"rawId,omitempty"`
	Origin            string `json:"origin"`
	Algorithm         int    `json:"algorithm,omitempty"`
}

func (s *Server) handleRegisterPasskey(w http.ResponseWriter, r *http.Request) {
	var req registerPasskeyReq
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.CredentialID == "" {
		s.writeError(w, r, fmt.Errorf("%w: credentialId required", errBadRequest))
		return
	}
	reg := passkey.Registration{Origin: req.Origin, Algorithm: req.Algorithm}
	var err error
	if reg.PublicKey, err = decodeB64("publicKey", req.PublicKey); err != nil {
		s.writeError(w, r, err)
		return
	}
	if reg.AttestationObject, err = decodeB64("attestationObject", req.AttestationObject); err != nil {
		s.writeError(w, r, err)
		return
	}
	if reg.RawID, err = decodeB64("rawId", req.RawID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.passkeys.Register(r.Context(), req.CredentialID, reg); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit.Appendf("passkey registered for %s", req.CredentialID)
	w.WriteHeader(http.StatusCreated)
}

type challengeResp struct {
	CredentialID        string `json:"credentialId"`
	PublicKey           string `json:"publicKey"`
	RawID               string `json:"rawId"`
	Algorithm           int    `json:"algorithm"`
	Origin              string `json:"origin"`
	ChallengeCiphertext string `json:"challengeCiphertext"`
}

func (s *Server) handlePasskeyChallenge(w http.ResponseWriter, r *http.Request) {
	id, err := credentialParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ch, err := s.passkeys.IssueChallenge(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sealed, err := s.seal(r, ch.Challenge)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, challengeResp{
		CredentialID:        id,
		PublicKey:           base64.StdEncoding.EncodeToString(ch.PublicKey),
		RawID:               base64.RawURLEncoding.EncodeToString(ch.RawID),
		Algorithm:           ch.Algorithm,
		Origin:              ch.Origin,
		ChallengeCiphertext: sealed,
	})
}

func (s *Server) handleDeletePasskey(w http.ResponseWriter, r *http.Request) {
	id, err := credentialParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.passkeys.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit.Appendf("passkey removed for %s", id)
	w.WriteHeader(http.StatusNoContent)
}

type verifyPasskeyReq struct {
	CredentialID      string `json:"credentialId"`
	AuthenticatorData string `json:"authenticatorData"`
	ClientDataJSON    string `json:"clientDataJSON"`
	Signature         string `json:"signature"`
	Login             bool   `json:"login"`
	SourceID          *int   `json:"sourceId,omitempty"`
}

type verifyPasskeyResp struct {
	Verified         bool   `json:"verified"`
	SecretCiphertext string `json:"secretCiphertext,omitempty"`
}

func (s *Server) handleVerifyPasskey(w http.ResponseWriter, r *http.Request) {
	var req verifyPasskeyReq
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
	if !s.rlVerify.allow(req.CredentialID) {
		tooMany(w, 60)
		return
	}

	a := passkey.Assertion{CredentialID: req.CredentialID, Login: req.Login}
	var err error
	if a.AuthenticatorData, err = decodeB64("authenticatorData", req.AuthenticatorData); err != nil {
		s.writeError(w, r, err)
		return
	}
	if a.ClientDataJSON, err = decodeB64("clientDataJSON", req.ClientDataJSON); err != nil {
		s.writeError(w, r, err)
		return
	}
	if a.Signature, err = decodeB64("signature", req.Signature); err != nil {
		s.writeError(w, r, err)
		return
	}

	secret, err := s.passkeys.Verify(r.Context(), a)
	if err != nil {
		s.audit.Appendf("passkey assertion rejected for %s", req.CredentialID)
		s.writeError(w, r, err)
		return
	}
	resp := verifyPasskeyResp{Verified: true}
	if req.Login {
		defer cr.Zero(secret)
		if resp.SecretCiphertext, err = s.seal(r, secret); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.audit.Appendf("secret released for %s", req.CredentialID)
	}
	writeJSON(w, resp)
}

type codeResp struct {
	CodeCiphertext string `json:"codeCiphertext"`
	Remaining      int    `json:"remaining"`
}

func (s *Server) handleComputeCode(w http.ResponseWriter, r *http.Request) {
	id, err := credentialParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	code, err := s.otp.Compute(r.Context(), id, r.URL.Query().Get("timestamp"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sealed, err := s.seal(r, []byte(code.Code))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, codeResp{CodeCiphertext: sealed, Remaining: code.Remaining})
}

type registerAuthenticatorReq struct {
	CredentialID     string `json:"credentialId"`
	SecretCiphertext string `json:"secretCiphertext"`
	SourceID         *int   `json:"sourceId,omitempty"`
}

func (s *Server) handleRegisterAuthenticator(w http.ResponseWriter, r *http.Request) {
	var req registerAuthenticatorReq
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.CredentialID == "" {
		s.writeError(w, r, fmt.Errorf("%w: credentialId required", errBadRequest))
		return
	}
	seed, err := s.open(r, req.SourceID, req.SecretCiphertext)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer cr.Zero(seed)

	if err := s.otp.Register(r.Context(), req.CredentialID, string(seed)); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit.Appendf("authenticator registered for %s", req.CredentialID)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleRemoveAuthenticator(w http.ResponseWriter, r *http.Request) {
	id, err := credentialParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.otp.Remove(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit.Appendf("authenticator removed for %s", id)
	w.WriteHeader(http.StatusNoContent)
}
