package vault

import (
	"context"
	"encoding/json"
	"fmt"

	cr "vaultkeeper/internal/crypto"
	"vaultkeeper/internal/storage"
)

const headerVersion = 1

// Header is the only plaintext record describing the vault: how to derive the
// KEK and the root key wrapped under it.
type Header struct {
	Version int       `json:"version"`
	KDF     KDFHeader `json:"kdf"`
	VRKWrap []byte    `json:"vrk_wrap"` // WrapKey_KEK(VRK)
	Created int64     `json:"created"`
	Updated int64     `json:"updated"`
}

type KDFHeader struct {
	Algo string `json:"algo"` // "argon2id"
	M    uint32 `json:"m"`
	T    uint32 `json:"t"`
	P    uint8  `json:"p"`
	Salt []byte `json:"salt"`
}

func (k KDFHeader) params() cr.KDFParams {
	return cr.KDFParams{M: k.M, T: k.T, P: k.P, Salt: k.Salt}
}

func kdfHeader(p cr.KDFParams) KDFHeader {
	return KDFHeader{Algo: "argon2id", M: p.M, T: p.T, P: p.P, Salt: p.Salt}
}

func readHeader(ctx context.Context, hs storage.HeaderStore) (Header, error) {
	var h Header
	b, err := hs.GetHeader(ctx)
	if err != nil {
		return h, err
	}
	if err := json.Unmarshal(b, &h); err != nil {
		return h, err
	}
	if h.Version != headerVersion || h.KDF.Algo != "argon2id" {
		return h, fmt.Errorf("vault: unsupported header version %d (%s)", h.Version, h.KDF.Algo)
	}
	if err := h.KDF.params().Validate(); err != nil {
		return h, err
	}
	return h, nil
}

func writeHeader(ctx context.Context, hs storage.HeaderStore, h Header) error {
	b, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return hs.PutHeader(ctx, b)
}
