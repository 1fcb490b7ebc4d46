// Package client talks to vaultd over its enveloped HTTP protocol. It owns the
// client half of the handshake and seals every sensitive field it sends.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vaultkeeper/internal/auth"
	cr "vaultkeeper/internal/crypto"
	"vaultkeeper/internal/kex"
)

const sourceHeader = "X-Vault-Source"

// APIError is a non-2xx reply. Code is the server's error code.
type APIError struct {
	Status int
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vaultd: %d %s", e.Status, e.Code)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}

var ErrNotHandshaken = errors.New("client: no transport secret")

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithLogger(l zerolog.Logger) Option { return func(c *Client) { c.log = l } }

// WithRetry bounds how often a call is re-sent after the server lost our
// transport secret.
func WithRetry(attempts int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.maxAttempts = attempts
		c.baseDelay = baseDelay
	}
}

type Client struct {
	base   string
	source kex.Source
	http   *http.Client
	log    zerolog.Logger

	maxAttempts int
	baseDelay   time.Duration

	mu     sync.Mutex
	secret []byte
	tokens auth.Pair
}

func New(base string, source kex.Source, opts ...Option) *Client {
	c := &Client{
		base:        base,
		source:      source,
		http:        http.DefaultClient,
		log:         zerolog.Nop(),
		maxAttempts: 3,
		baseDelay:   100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = 1
	}
	return c
}

// Source is the transport source id this client handshakes as.
func (c *Client) Source() kex.Source { return c.source }

// Tokens returns the current token pair.
func (c *Client) Tokens() auth.Pair {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens
}

// SetTokens installs a pair obtained elsewhere, e.g. from a token file.
func (c *Client) SetTokens(p auth.Pair) {
	c.mu.Lock()
	c.tokens = p
	c.mu.Unlock()
}

// Handshake runs a fresh key exchange, replacing any previous secret.
func (c *Client) Handshake(ctx context.Context) error {
	ck, err := kex.NewClientKey()
	if err != nil {
		return err
	}
	body := map[string]any{
		"sourceId":        int(c.source),
		"clientPublicKey": base64.StdEncoding.EncodeToString(ck.PublicKey()),
	}
	var resp struct {
		ServerPublicKey string `json:"serverPublicKey"`
	}
	if err := c.send(ctx, http.MethodPost, "/handshake", body, &resp); err != nil {
		return err
	}
	pub, err := base64.StdEncoding.DecodeString(resp.ServerPublicKey)
	if err != nil {
		return fmt.Errorf("client: bad serverPublicKey: %w", err)
	}
	secret, err := ck.Complete(pub)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.secret != nil {
		cr.Zero(c.secret)
	}
	c.secret = secret
	c.mu.Unlock()
	c.log.Debug().Str("source", c.source.String()).Msg("handshake complete")
	return nil
}

func (c *Client) seal(pt []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.secret == nil {
		return "", ErrNotHandshaken
	}
	return cr.EncryptTransport(c.secret, pt)
}

func (c *Client) open(blob string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.secret == nil {
		return nil, ErrNotHandshaken
	}
	return cr.DecryptTransport(c.secret, blob)
}

// call sends an enveloped request. build runs once per attempt so that
// ciphertexts are sealed under whatever secret is current. When the server
// answers no_shared_secret the client re-handshakes and tries again, with the
// delay doubling each time.
func (c *Client) call(ctx context.Context, method, path string, build func() (any, error), out any) error {
	c.mu.Lock()
	missing := c.secret == nil
	c.mu.Unlock()
	if missing {
		if err := c.Handshake(ctx); err != nil {
			return err
		}
	}

	delay := c.baseDelay
	var err error
	for attempt := 1; ; attempt++ {
		var body any
		if build != nil {
			if body, err = build(); err != nil {
				return err
			}
		}
		err = c.send(ctx, method, path, body, out)
		if !IsCode(err, "no_shared_secret") || attempt >= c.maxAttempts {
			return err
		}
		c.log.Debug().Int("attempt", attempt).Str("path", path).Msg("transport secret lost, re-handshaking")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if herr := c.Handshake(ctx); herr != nil {
			return herr
		}
	}
}

func (c *Client) send(ctx context.Context, method, path string, body, out any) error {
	p, query, _ := strings.Cut(path, "?")
	uri, err := url.JoinPath(c.base, p)
	if err != nil {
		return fmt.Errorf("error parsing base URL: %w", err)
	}
	if query != "" {
		uri += "?" + query
	}

	var rd io.Reader
	if body != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("error encoding request: %w", err)
		}
		rd = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, uri, rd)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(sourceHeader, strconv.Itoa(int(c.source)))
	if tok := c.Tokens().AccessToken; tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("error making HTTP request to %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Code: e.Error}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}
