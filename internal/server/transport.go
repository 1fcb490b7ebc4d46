package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	"vaultkeeper/internal/kex"
)

// SourceHeader names the client's transport source on every enveloped
// request.
const SourceHeader = "X-Vault-Source"

type sourceCtxKey struct{}

// transport requires a completed handshake for the request's source before
// anything else runs.
func (s *Server) transport(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		src, err := kex.ParseSource(r.Header.Get(SourceHeader))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !s.kex.Has(src) {
			s.writeError(w, r, kex.ErrNoSharedSecret)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sourceCtxKey{}, src)))
	})
}

// source returns the header source, checking it against the optional
// sourceId carried in the body.
func source(r *http.Request, bodyID *int) (kex.Source, error) {
	src, ok := r.Context().Value(sourceCtxKey{}).(kex.Source)
	if !ok {
		return 0, kex.ErrNoSharedSecret
	}
	if bodyID != nil && kex.Source(*bodyID) != src {
		return 0, fmt.Errorf("%w: sourceId does not match %s", errBadRequest, SourceHeader)
	}
	return src, nil
}

// open decrypts a transport ciphertext field.
func (s *Server) open(r *http.Request, bodyID *int, blob string) ([]byte, error) {
	src, err := source(r, bodyID)
	if err != nil {
		return nil, err
	}
	if blob == "" {
		return nil, fmt.Errorf("%w: empty ciphertext", errBadRequest)
	}
	return s.kex.Decrypt(src, blob)
}

func (s *Server) seal(r *http.Request, pt []byte) (string, error) {
	src, err := source(r, nil)
	if err != nil {
		return "", err
	}
	return s.kex.Encrypt(src, pt)
}

// decodeB64 accepts standard or unpadded URL-safe base64, the latter being
// what browsers hand out for WebAuthn buffers.
func decodeB64(field, v string) ([]byte, error) {
	if v == "" {
		return nil, nil
	}
	if b, err := base64.StdEncoding.DecodeString(v); err == nil {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(v); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("%w: %s is not base64", errBadRequest, field)
}
