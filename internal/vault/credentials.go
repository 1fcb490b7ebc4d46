package vault

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"vaultkeeper/internal/storage"
)

var ErrInvalidCredential = errors.New("vault: domain and username are required")

// NewCredential is what a client submits; Secret is plaintext.
type NewCredential struct {
	Domain   string
	Username string
	Secret   []byte
}

func secretAAD(id string) string { return "cred:" + id }

// AddCredential encrypts the secret under the root key and stores it with no
// extra-auth factor.
func (v *Vault) AddCredential(ctx context.Context, nc NewCredential) (storage.Credential, error) {
	domain := strings.TrimSpace(nc.Domain)
	if domain == "" || strings.TrimSpace(nc.Username) == "" {
		return storage.Credential{}, ErrInvalidCredential
	}
	st, err := v.Store()
	if err != nil {
		return storage.Credential{}, err
	}

	id := uuid.NewString()
	ct, err := v.SealSecret(secretAAD(id), nc.Secret)
	if err != nil {
		return storage.Credential{}, err
	}
	now := time.Now().Unix()
	c := storage.Credential{
		ID:        id,
		Domain:    domain,
		Username:  nc.Username,
		Secret:    ct,
		ExtraAuth: "none",
		Created:   now,
		Updated:   now,
	}
	if err := st.PutCredential(ctx, c); err != nil {
		return storage.Credential{}, err
	}
	return c, nil
}

func (v *Vault) GetCredential(ctx context.Context, id string) (storage.Credential, error) {
	st, err := v.Store()
	if err != nil {
		return storage.Credential{}, err
	}
	return st.GetCredential(ctx, id)
}

// ListCredentials returns metadata only; secrets stay encrypted.
func (v *Vault) ListCredentials(ctx context.Context, domain string) ([]storage.Credential, error) {
	st, err := v.Store()
	if err != nil {
		return nil, err
	}
	all, err := st.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]storage.Credential, 0, len(all))
	for _, c := range all {
		if domain != "" && !strings.EqualFold(c.Domain, domain) {
			continue
		}
		c.Secret = nil
		out = append(out, c)
	}
	return out, nil
}

// UpdateCredentialSecret replaces the stored secret, leaving the factor alone.
func (v *Vault) UpdateCredentialSecret(ctx context.Context, id string, secret []byte) error {
	st, err := v.Store()
	if err != nil {
		return err
	}
	ct, err := v.SealSecret(secretAAD(id), secret)
	if err != nil {
		return err
	}
	return st.UpdateSecret(ctx, id, ct, time.Now().Unix())
}

func (v *Vault) DeleteCredential(ctx context.Context, id string) error {
	st, err := v.Store()
	if err != nil {
		return err
	}
	return st.DeleteCredential(ctx, id)
}

// RevealCredential decrypts c's secret. Callers must have checked the
// credential's extra-auth factor first.
func (v *Vault) RevealCredential(c storage.Credential) ([]byte, error) {
	return v.OpenSecret(secretAAD(c.ID), c.Secret)
}
