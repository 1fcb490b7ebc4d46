// Package kex establishes per-source transport secrets with an ephemeral
// P-256 Diffie-Hellman exchange.
//
// Both ends must turn the raw agreed secret into the cipher key the same way.
// DeriveTransportKey is that single step and is used by the registry and by
// ClientKey alike.
package kex

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"sync"

	cr "vaultkeeper/internal/crypto"
)

var (
	ErrInvalidKey      = errors.New("kex: invalid public key")
	ErrNoSharedSecret  = errors.New("kex: no shared secret for source")
	ErrInvalidSourceID = errors.New("kex: invalid source id")
)

// Source identifies an independent script context of the client, e.g. the
// background page or the popup. It only multiplexes secrets.
type Source int

const (
	SourceBackground Source = 0
	SourcePopup      Source = 1
	SourceOptions    Source = 2
)

func (s Source) String() string { return strconv.Itoa(int(s)) }

func ParseSource(v string) (Source, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, ErrInvalidSourceID
	}
	return Source(n), nil
}

// DeriveTransportKey hashes the raw ECDH output into a 32-byte AES-256 key.
func DeriveTransportKey(raw []byte) []byte {
	sum := sha256.Sum256(raw)
	return sum[:]
}

func curve() ecdh.Curve { return ecdh.P256() }

// Registry owns every transport secret of the process. The zero value is not
// usable; call NewRegistry.
type Registry struct {
	mu      sync.RWMutex
	secrets map[Source][]byte
}

func NewRegistry() *Registry {
	return &Registry{secrets: make(map[Source][]byte)}
}

// Handshake answers a client's public key (uncompressed SEC1 point) with a
// fresh server key and records the derived secret for source, replacing any
// previous one.
func (r *Registry) Handshake(source Source, clientPublicKey []byte) ([]byte, error) {
	peer, err := curve().NewPublicKey(clientPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	priv, err := curve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	raw, err := priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	secret := DeriveTransportKey(raw)
	cr.Zero(raw)

	r.mu.Lock()
	if old, ok := r.secrets[source]; ok {
		cr.Zero(old)
	}
	r.secrets[source] = secret
	r.mu.Unlock()

	return priv.PublicKey().Bytes(), nil
}

// Secret returns a copy of the transport secret for source.
func (r *Registry) Secret(source Source) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.secrets[source]
	if !ok {
		return nil, ErrNoSharedSecret
	}
	return append([]byte(nil), s...), nil
}

func (r *Registry) Has(source Source) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.secrets[source]
	return ok
}

func (r *Registry) Forget(source Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.secrets[source]; ok {
		cr.Zero(s)
		delete(r.secrets, source)
	}
}

// Reset drops every secret, as a process restart would.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, s := range r.secrets {
		cr.Zero(s)
		delete(r.secrets, k)
	}
}

// Encrypt wraps plaintext with the secret of source.
func (r *Registry) Encrypt(source Source, plaintext []byte) (string, error) {
	secret, err := r.Secret(source)
	if err != nil {
		return "", err
	}
	defer cr.Zero(secret)
	return cr.EncryptTransport(secret, plaintext)
}

// Decrypt opens a ciphertext field sent by source.
func (r *Registry) Decrypt(source Source, blob string) ([]byte, error) {
	secret, err := r.Secret(source)
	if err != nil {
		return nil, err
	}
	defer cr.Zero(secret)
	return cr.DecryptTransport(secret, blob)
}
