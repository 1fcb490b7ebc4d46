package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"vaultkeeper/internal/storage"
)

var ErrInvalidRefresh = errors.New("auth: invalid refresh token")

// TokenStoreFunc yields the store refresh tokens live in. It fails while the
// vault is locked.
type TokenStoreFunc func() (storage.TokenStore, error)

// Issuer hands out access/refresh pairs. Refresh tokens are persisted only as
// SHA-256 hashes and are single use.
type Issuer struct {
	signer     *JWTSigner
	tokens     TokenStoreFunc
	refreshTTL time.Duration
	now        func() time.Time
}

func NewIssuer(signer *JWTSigner, refreshTTL time.Duration, tokens TokenStoreFunc) *Issuer {
	return &Issuer{signer: signer, tokens: tokens, refreshTTL: refreshTTL, now: time.Now}
}

func (i *Issuer) Signer() *JWTSigner { return i.signer }

func (i *Issuer) IssuePair(ctx context.Context) (Pair, error) {
	ts, err := i.tokens()
	if err != nil {
		return Pair{}, err
	}
	access, exp, err := i.signer.IssueToken(Subject)
	if err != nil {
		return Pair{}, fmt.Errorf("sign access token: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return Pair{}, err
	}
	refresh := hex.EncodeToString(raw)
	if err := ts.PutRefreshToken(ctx, hashToken(refresh), i.now().Add(i.refreshTTL)); err != nil {
		return Pair{}, fmt.Errorf("store refresh token: %w", err)
	}
	return Pair{AccessToken: access, RefreshToken: refresh, ExpiresAt: exp}, nil
}

// Refresh consumes refresh and returns a new pair.
func (i *Issuer) Refresh(ctx context.Context, refresh string) (Pair, error) {
	if refresh == "" {
		return Pair{}, ErrInvalidRefresh
	}
	ts, err := i.tokens()
	if err != nil {
		return Pair{}, err
	}
	err = ts.ConsumeRefreshToken(ctx, hashToken(refresh), i.now())
	if errors.Is(err, storage.ErrNotFound) {
		return Pair{}, ErrInvalidRefresh
	}
	if err != nil {
		return Pair{}, err
	}
	return i.IssuePair(ctx)
}

// RevokeAll expires every refresh token, then rotates the access token key.
// The key is rotated even if the store is unavailable.
func (i *Issuer) RevokeAll(ctx context.Context) error {
	var storeErr error
	if ts, err := i.tokens(); err != nil {
		storeErr = err
	} else {
		storeErr = ts.ExpireRefreshTokens(ctx, i.now())
	}
	if err := i.signer.Rotate(); err != nil {
		return err
	}
	return storeErr
}

func hashToken(t string) string {
	sum := sha256.Sum256([]byte(t))
	return hex.EncodeToString(sum[:])
}
