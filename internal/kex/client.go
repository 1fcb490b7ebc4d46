package kex

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"

	cr "vaultkeeper/internal/crypto"
)

// ClientKey is the client half of a handshake.
type ClientKey struct {
	priv *ecdh.PrivateKey
}

func NewClientKey() (*ClientKey, error) {
	priv, err := curve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &ClientKey{priv: priv}, nil
}

// PublicKey is sent as clientPublicKey in the handshake request.
func (c *ClientKey) PublicKey() []byte { return c.priv.PublicKey().Bytes() }

// Complete derives the transport secret from the server's reply.
func (c *ClientKey) Complete(serverPublicKey []byte) ([]byte, error) {
	peer, err := curve().NewPublicKey(serverPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	raw, err := c.priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	defer cr.Zero(raw)
	return DeriveTransportKey(raw), nil
}
