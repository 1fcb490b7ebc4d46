package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the vault in a single SQLite file. The database handle
// only exists between Open and Close.
type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	// one connection: keeps :memory: databases coherent and serializes writers
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return fmt.Errorf("init schema: %w", err)
	}
	s.db = db
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS vault_header (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	header BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
	id TEXT PRIMARY KEY,
	domain TEXT NOT NULL,
	username TEXT NOT NULL,
	secret BLOB NOT NULL,
	extra_auth TEXT NOT NULL DEFAULT 'none',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credentials_domain ON credentials(domain);

CREATE TABLE IF NOT EXISTS pin_factors (
	credential_id TEXT PRIMARY KEY REFERENCES credentials(id) ON DELETE CASCADE,
	hash TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS passkey_factors (
	credential_id TEXT PRIMARY KEY REFERENCES credentials(id) ON DELETE CASCADE,
	public_key BLOB NOT NULL,
	raw_id BLOB,
	origin TEXT NOT NULL,
	algorithm INTEGER NOT NULL,
	challenge BLOB NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS otp_factors (
	credential_id TEXT PRIMARY KEY REFERENCES credentials(id) ON DELETE CASCADE,
	secret BLOB NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	token_hash TEXT PRIMARY KEY,
	expires_at INTEGER NOT NULL
);
`

func (s *SQLiteStore) conn() (*sql.DB, func(), error) {
	s.mu.RLock()
	if s.db == nil {
		s.mu.RUnlock()
		return nil, nil, ErrClosed
	}
	return s.db, s.mu.RUnlock, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func affected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetHeader(ctx context.Context) ([]byte, error) {
	db, done, err := s.conn()
	if err != nil {
		return nil, err
	}
	defer done()
	var h []byte
	err = db.QueryRowContext(ctx, `SELECT header FROM vault_header WHERE id = 1`).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return h, err
}

func (s *SQLiteStore) PutHeader(ctx context.Context, header []byte) error {
	db, done, err := s.conn()
	if err != nil {
		return err
	}
	defer done()
	_, err = db.ExecContext(ctx,
		`INSERT INTO vault_header (id, header) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET header = excluded.header`, header)
	return err
}

func (s *SQLiteStore) PutCredential(ctx context.Context, c Credential) error {
	db, done, err := s.conn()
	if err != nil {
		return err
	}
	defer done()
	_, err = db.ExecContext(ctx,
		`INSERT INTO credentials (id, domain, username, secret, extra_auth, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Domain, c.Username, c.Secret, c.ExtraAuth, c.Created, c.Updated)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *SQLiteStore) UpdateSecret(ctx context.Context, id string, secret []byte, updated int64) error {
	db, done, err := s.conn()
	if err != nil {
		return err
	}
	defer done()
	res, err := db.ExecContext(ctx,
		`UPDATE credentials SET secret = ?, updated_at = ? WHERE id = ?`,
		secret, updated, id)
	if err != nil {
		return err
	}
	return affected(res)
}

const credentialColumns = `id, domain, username, secret, extra_auth, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(r rowScanner) (Credential, error) {
	var c Credential
	err := r.Scan(&c.ID, &c.Domain, &c.Username, &c.Secret, &c.ExtraAuth, &c.Created, &c.Updated)
	return c, err
}

func (s *SQLiteStore) GetCredential(ctx context.Context, id string) (Credential, error) {
	db, done, err := s.conn()
	if err != nil {
		return Credential{}, err
	}
	defer done()
	c, err := scanCredential(db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	return c, err
}

func (s *SQLiteStore) ListCredentials(ctx context.Context) ([]Credential, error) {
	db, done, err := s.conn()
	if err != nil {
		return nil, err
	}
	defer done()
	rows, err := db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Credential{}
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteCredential(ctx context.Context, id string) error {
	db, done, err := s.conn()
	if err != nil {
		return err
	}
	defer done()
	res, err := db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return affected(res)
}

func (s *SQLiteStore) SetExtraAuth(ctx context.Context, id, kind string) error {
	db, done, err := s.conn()
	if err != nil {
		return err
	}
	defer done()
	res, err := db.ExecContext(ctx,
		`UPDATE credentials SET extra_auth = ?, updated_at = ? WHERE id = ?`,
		kind, time.Now().Unix(), id)
	if err != nil {
		return err
	}
	return affected(res)
}

func (s *SQLiteStore) PutPin(ctx context.Context, p PinRecord) error {
	db, done, err := s.conn()
	if err != nil {
		return err
	}
	defer done()
	_, err = db.ExecContext(ctx,
		`INSERT INTO pin_factors (credential_id, hash, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(credential_id) DO UPDATE SET hash = excluded.hash, created_at = excluded.created_at`,
		p.CredentialID, p.Hash, p.Created)
	return err
}

func (s *SQLiteStore) GetPin(ctx context.Context, id string) (PinRecord, error) {
	db, done, err := s.conn()
	if err != nil {
		return PinRecord{}, err
	}
	defer done()
	p := PinRecord{CredentialID: id}
	err = db.QueryRowContext(ctx,
		`SELECT hash, created_at FROM pin_factors WHERE credential_id = ?`, id).Scan(&p.Hash, &p.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return PinRecord{}, ErrNotFound
	}
	return p, err
}

func (s *SQLiteStore) DeletePin(ctx context.Context, id string) error {
	db, done, err := s.conn()
	if err != nil {
		return err
	}
	defer done()
	_, err = db.ExecContext(ctx, `DELETE FROM pin_factors WHERE credential_id = ?`, id)
	return err
}

func (s *SQLiteStore) PutPasskey(ctx context.Context, p PasskeyRecord) error {
	db, done, err := s.conn()
	if err != nil {
		return err
	}
	defer done()
	_, err = db.ExecContext(ctx,
		`INSERT INTO passkey_factors (credential_id, public_key, raw_id, origin, algorithm, challenge, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.CredentialID, p.PublicKey, p.RawID, p.Origin, p.Algorithm, p.Challenge, p.Created)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *SQLiteStore) GetPasskey(ctx context.Context, id string) (PasskeyRecord, error) {
	db, done, err := s.conn()
	if err != nil {
		return PasskeyRecord{}, err
	}
	defer done()
	p := PasskeyRecord{CredentialID: id}
	err = db.QueryRowContext(ctx,
		`SELECT public_key, raw_id, origin, algorithm, challenge, created_at
		 FROM passkey_factors WHERE credential_id = ?`, id).
		Scan(&p.PublicKey, &p.RawID, &p.Origin, &p.Algorithm, &p.Challenge, &p.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return PasskeyRecord{}, ErrNotFound
	}
	return p, err
}

func (s *SQLiteStore) DeletePasskey(ctx context.Context, id string) error {
	db, done, err := s.conn()
	if err != nil {
		return err
	}
	defer done()
	_, err = db.ExecContext(ctx, `DELETE FROM passkey_factors WHERE credential_id = ?`, id)
	return err
}

func (s *SQLiteStore) SwapChallenge(ctx context.Context, id string, next []byte) ([]byte, error) {
	db, done, err := s.conn()
	if err != nil {
		return nil, err
	}
	defer done()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var prev []byte
	err = tx.QueryRowContext(ctx,
		`SELECT challenge FROM passkey_factors WHERE credential_id = ?`, id).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE passkey_factors SET challenge = ? WHERE credential_id = ?`, next, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return prev, nil
}

func (s *SQLiteStore) PutOTP(ctx context.Context, o OTPRecord) error {
	db, done, err := s.conn()
	if err != nil {
		return err
	}
	defer done()
	_, err = db.ExecContext(ctx,
		`INSERT INTO otp_factors (credential_id, secret, created_at) VALUES (?, ?, ?)`,
		o.CredentialID, o.Secret, o.Created)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *SQLiteStore) GetOTP(ctx context.Context, id string) (OTPRecord, error) {
	db, done, err := s.conn()
	if err != nil {
		return OTPRecord{}, err
	}
	defer done()
	o := OTPRecord{CredentialID: id}
	err = db.QueryRowContext(ctx,
		`SELECT secret, created_at FROM otp_factors WHERE credential_id = ?`, id).Scan(&o.Secret, &o.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return OTPRecord{}, ErrNotFound
	}
	return o, err
}

func (s *SQLiteStore) DeleteOTP(ctx context.Context, id string) error {
	db, done, err := s.conn()
	if err != nil {
		return err
	}
	defer done()
	_, err = db.ExecContext(ctx, `DELETE FROM otp_factors WHERE credential_id = ?`, id)
	return err
}

func (s *SQLiteStore) PutRefreshToken(ctx context.Context, hash string, expires time.Time) error {
	db, done, err := s.conn()
	if err != nil {
		return err
	}
	defer done()
	_, err = db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (token_hash, expires_at) VALUES (?, ?)
		 ON CONFLICT(token_hash) DO UPDATE SET expires_at = excluded.expires_at`,
		hash, expires.UnixNano())
	return err
}

func (s *SQLiteStore) ConsumeRefreshToken(ctx context.Context, hash string, now time.Time) error {
	db, done, err := s.conn()
	if err != nil {
		return err
	}
	defer done()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exp int64
	err = tx.QueryRowContext(ctx,
		`SELECT expires_at FROM refresh_tokens WHERE token_hash = ?`, hash).Scan(&exp)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE token_hash = ?`, hash); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if now.UnixNano() >= exp {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ExpireRefreshTokens(ctx context.Context, now time.Time) error {
	db, done, err := s.conn()
	if err != nil {
		return err
	}
	defer done()
	_, err = db.ExecContext(ctx,
		`UPDATE refresh_tokens SET expires_at = ? WHERE expires_at > ?`,
		now.UnixNano(), now.UnixNano())
	return err
}
