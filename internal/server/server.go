package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"vaultkeeper/internal/audit"
	"vaultkeeper/internal/auth"
	"vaultkeeper/internal/authenticator"
	cr "vaultkeeper/internal/crypto"
	"vaultkeeper/internal/extraauth"
	"vaultkeeper/internal/kex"
	"vaultkeeper/internal/passkey"
	"vaultkeeper/internal/storage"
	"vaultkeeper/internal/vault"
)

type Server struct {
	cfg Config
	log zerolog.Logger

	mux      *http.ServeMux
	kex      *kex.Registry
	vault    *vault.Vault
	issuer   *auth.Issuer
	gate     *extraauth.Gatekeeper
	passkeys *passkey.Verifier
	otp      *authenticator.Service
	audit    *audit.Log

	rlUnlockIP *multiLimiter
	rlVerify   *multiLimiter
	rlRelease  *multiLimiter
}

type Option func(*options)

type options struct {
	store     storage.Store
	pinParams *auth.ArgonParams
}

// WithStore replaces the store selected by cfg.Storage.
func WithStore(st storage.Store) Option { return func(o *options) { o.store = st } }

func WithPinParams(p auth.ArgonParams) Option { return func(o *options) { o.pinParams = &p } }

func New(cfg Config, log zerolog.Logger, opts ...Option) (*Server, error) {
	cfg.setDefaults()
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	st := o.store
	if st == nil {
		var err error
		st, err = storage.New(cfg.Storage.Driver, cfg.Storage.Path, cfg.Storage.MongoURI, cfg.Storage.MongoDB)
		if err != nil {
			return nil, fmt.Errorf("server: storage: %w", err)
		}
	}

	kdf := cr.KDFParams{M: cfg.KDF.MemoryKiB, T: cfg.KDF.Time, P: cfg.KDF.Parallelism}
	if probe, err := kdf.WithFreshSalt(); err != nil {
		return nil, err
	} else if err := probe.Validate(); err != nil {
		return nil, fmt.Errorf("server: kdf: %w", err)
	}

	signer, err := auth.NewJWTSigner(cfg.Tokens.Issuer, cfg.Tokens.AccessTTL)
	if err != nil {
		return nil, err
	}

	v := vault.New(st, vault.WithKDF(kdf), vault.WithLogger(log.With().Str("component", "vault").Logger()))
	tokens := func() (storage.TokenStore, error) { return v.Store() }

	gateOpts := []extraauth.Option{extraauth.WithLogger(log.With().Str("component", "extraauth").Logger())}
	if o.pinParams != nil {
		gateOpts = append(gateOpts, extraauth.WithPinParams(*o.pinParams))
	}
	gate := extraauth.New(v, gateOpts...)

	s := &Server{
		cfg:      cfg,
		log:      log,
		mux:      http.NewServeMux(),
		kex:      kex.NewRegistry(),
		vault:    v,
		issuer:   auth.NewIssuer(signer, cfg.Tokens.RefreshTTL, tokens),
		gate:     gate,
		passkeys: passkey.New(v, gate, log.With().Str("component", "passkey").Logger()),
		otp:      authenticator.New(v),
		audit:    audit.New(cfg.AuditMax),
	}

	perWindow := func(n int, window time.Duration) float64 { return float64(n) / window.Seconds() }

	s.rlUnlockIP = newMultiLimiter(rate.Limit(perWindow(5, time.Minute)), 5, time.Hour)
	s.rlVerify = newMultiLimiter(rate.Limit(perWindow(10, time.Minute)), 10, 10*time.Minute)
	s.rlRelease = newMultiLimiter(rate.Limit(perWindow(10, time.Minute)), 10, 10*time.Minute)

	s.routes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panic")
			writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
		}
	}()
	s.addDefaultHeaders(w)
	s.mux.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s
}

// Close locks the vault, which also closes the store.
func (s *Server) Close(ctx context.Context) error {
	if !s.vault.IsUnlocked() {
		return nil
	}
	if err := s.issuer.RevokeAll(ctx); err != nil {
		s.log.Warn().Err(err).Msg("revoke refresh tokens on shutdown")
	}
	return s.vault.Lock()
}

func (s *Server) addDefaultHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
