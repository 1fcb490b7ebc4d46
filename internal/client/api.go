package client

import (
	"context"
	"net/http"
	"net/url"

	"vaultkeeper/internal/audit"
	"vaultkeeper/internal/auth"
	"vaultkeeper/internal/storage"
)

// sealed returns a builder for a body whose fields listed in secrets are
// sealed under the current transport secret.
func (c *Client) sealed(plain map[string]any, secrets map[string][]byte) func() (any, error) {
	return func() (any, error) {
		body := map[string]any{"sourceId": int(c.source)}
		for k, v := range plain {
			body[k] = v
		}
		for k, v := range secrets {
			if v == nil {
				continue
			}
			ct, err := c.seal(v)
			if err != nil {
				return nil, err
			}
			body[k] = ct
		}
		return body, nil
	}
}

func plain(body map[string]any) func() (any, error) {
	return func() (any, error) { return body, nil }
}

func (c *Client) Unlock(ctx context.Context, passphrase []byte) error {
	var p auth.Pair
	build := c.sealed(nil, map[string][]byte{"passphraseCiphertext": passphrase})
	if err := c.call(ctx, http.MethodPost, "/unlockvault", build, &p); err != nil {
		return err
	}
	c.SetTokens(p)
	return nil
}

func (c *Client) Refresh(ctx context.Context) error {
	var p auth.Pair
	build := plain(map[string]any{"refreshToken": c.Tokens().RefreshToken})
	if err := c.call(ctx, http.MethodPost, "/refreshtoken", build, &p); err != nil {
		return err
	}
	c.SetTokens(p)
	return nil
}

func (c *Client) UpdatePassphrase(ctx context.Context, passphrase []byte) error {
	build := c.sealed(nil, map[string][]byte{"newKeyCiphertext": passphrase})
	return c.call(ctx, http.MethodPost, "/updatevaultpassphrase", build, nil)
}

// Lock locks the vault and forgets the local tokens.
func (c *Client) Lock(ctx context.Context) error {
	if err := c.call(ctx, http.MethodGet, "/lockvault", nil, nil); err != nil {
		return err
	}
	c.SetTokens(auth.Pair{})
	return nil
}

func (c *Client) CheckAuth(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/checkauth", nil, nil)
}

type Health struct {
	Status   string `json:"status"`
	Unlocked bool   `json:"unlocked"`
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.send(ctx, http.MethodGet, "/health", nil, &h)
	return h, err
}

func (c *Client) AddCredential(ctx context.Context, domain, username string, secret []byte) (storage.Credential, error) {
	var cred storage.Credential
	build := c.sealed(map[string]any{"domain": domain, "username": username},
		map[string][]byte{"secretCiphertext": secret})
	err := c.call(ctx, http.MethodPost, "/credentials", build, &cred)
	return cred, err
}

func (c *Client) ListCredentials(ctx context.Context, domain string) ([]storage.Credential, error) {
	path := "/credentials"
	if domain != "" {
		path += "?domain=" + url.QueryEscape(domain)
	}
	var resp struct {
		Credentials []storage.Credential `json:"credentials"`
	}
	err := c.call(ctx, http.MethodGet, path, nil, &resp)
	return resp.Credentials, err
}

func (c *Client) UpdateCredential(ctx context.Context, id string, secret []byte) error {
	build := c.sealed(map[string]any{"credentialId": id}, map[string][]byte{"secretCiphertext": secret})
	return c.call(ctx, http.MethodPut, "/credentials", build, nil)
}

func (c *Client) DeleteCredential(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/credentials?credentialId="+url.QueryEscape(id), nil, nil)
}

// RevealSecret asks for a credential's secret. pin and passphrase are only
// sent when non-nil.
func (c *Client) RevealSecret(ctx context.Context, id string, pin, passphrase []byte) ([]byte, error) {
	var resp struct {
		SecretCiphertext string `json:"secretCiphertext"`
	}
	build := c.sealed(map[string]any{"credentialId": id}, map[string][]byte{
		"pinCiphertext":        pin,
		"passphraseCiphertext": passphrase,
	})
	if err := c.call(ctx, http.MethodPost, "/credentials/secret", build, &resp); err != nil {
		return nil, err
	}
	return c.open(resp.SecretCiphertext)
}

func (c *Client) ExtraAuth(ctx context.Context, id string) (string, error) {
	var resp struct {
		Kind string `json:"kind"`
	}
	err := c.call(ctx, http.MethodGet, "/extraauth?credentialId="+url.QueryEscape(id), nil, &resp)
	return resp.Kind, err
}

func (c *Client) SetExtraAuth(ctx context.Context, id, kind string) error {
	return c.call(ctx, http.MethodPut, "/extraauth?credentialId="+url.QueryEscape(id),
		plain(map[string]any{"kind": kind}), nil)
}

func (c *Client) RemoveExtraAuth(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/extraauth?credentialId="+url.QueryEscape(id), nil, nil)
}

func (c *Client) SetPin(ctx context.Context, id string, pin []byte) error {
	build := c.sealed(map[string]any{"credentialId": id}, map[string][]byte{"pinCiphertext": pin})
	return c.call(ctx, http.MethodPost, "/pincode", build, nil)
}

func (c *Client) DeletePin(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/pincode?credentialId="+url.QueryEscape(id), nil, nil)
}

func (c *Client) RegisterAuthenticator(ctx context.Context, id, seedB32 string) error {
	build := c.sealed(map[string]any{"credentialId": id}, map[string][]byte{"secretCiphertext": []byte(seedB32)})
	return c.call(ctx, http.MethodPost, "/authenticator", build, nil)
}

// Code fetches the current one-time code and its remaining validity in
// seconds. An empty timestamp means now.
func (c *Client) Code(ctx context.Context, id, timestamp string) (string, int, error) {
	q := url.Values{"credentialId": {id}}
	if timestamp != "" {
		q.Set("timestamp", timestamp)
	}
	var resp struct {
		CodeCiphertext string `json:"codeCiphertext"`
		Remaining      int    `json:"remaining"`
	}
	if err := c.call(ctx, http.MethodGet, "/authenticator?"+q.Encode(), nil, &resp); err != nil {
		return "", 0, err
	}
	code, err := c.open(resp.CodeCiphertext)
	if err != nil {
		return "", 0, err
	}
	return string(code), resp.Remaining, nil
}

func (c *Client) RemoveAuthenticator(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/authenticator?credentialId="+url.QueryEscape(id), nil, nil)
}

func (c *Client) Audit(ctx context.Context) ([]audit.Entry, bool, error) {
	var resp struct {
		Entries  []audit.Entry `json:"entries"`
		Verified bool          `json:"verified"`
	}
	err := c.call(ctx, http.MethodGet, "/audit", nil, &resp)
	return resp.Entries, resp.Verified, err
}
