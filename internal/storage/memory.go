package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in maps. Records survive Close/Open so it
// behaves like a persistent database for the lock state machine.
type MemoryStore struct {
	mu       sync.Mutex
	open     bool
	header   []byte
	creds    map[string]Credential
	pins     map[string]PinRecord
	passkeys map[string]PasskeyRecord
	otps     map[string]OTPRecord
	tokens   map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds:    map[string]Credential{},
		pins:     map[string]PinRecord{},
		passkeys: map[string]PasskeyRecord{},
		otps:     map[string]OTPRecord{},
		tokens:   map[string]time.Time{},
	}
}

func (s *MemoryStore) Open(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

// lock acquires the mutex. On ErrClosed the mutex is already released;
// otherwise the caller owns it.
func (s *MemoryStore) lock() error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (s *MemoryStore) GetHeader(context.Context) ([]byte, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	if s.header == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), s.header...), nil
}

func (s *MemoryStore) PutHeader(_ context.Context, header []byte) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.header = append([]byte(nil), header...)
	return nil
}

func (s *MemoryStore) PutCredential(_ context.Context, c Credential) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.creds[c.ID]; ok {
		return ErrConflict
	}
	s.creds[c.ID] = c
	return nil
}

func (s *MemoryStore) UpdateSecret(_ context.Context, id string, secret []byte, updated int64) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return ErrNotFound
	}
	c.Secret = append([]byte(nil), secret...)
	c.Updated = updated
	s.creds[id] = c
	return nil
}

func (s *MemoryStore) GetCredential(_ context.Context, id string) (Credential, error) {
	if err := s.lock(); err != nil {
		return Credential{}, err
	}
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) ListCredentials(context.Context) ([]Credential, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	out := make([]Credential, 0, len(s.creds))
	for _, c := range s.creds {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created != out[j].Created {
			return out[i].Created < out[j].Created
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) DeleteCredential(_ context.Context, id string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.creds[id]; !ok {
		return ErrNotFound
	}
	delete(s.creds, id)
	delete(s.pins, id)
	delete(s.passkeys, id)
	delete(s.otps, id)
	return nil
}

func (s *MemoryStore) SetExtraAuth(_ context.Context, id, kind string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return ErrNotFound
	}
	c.ExtraAuth = kind
	c.Updated = time.Now().Unix()
	s.creds[id] = c
	return nil
}

func (s *MemoryStore) PutPin(_ context.Context, p PinRecord) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.pins[p.CredentialID] = p
	return nil
}

func (s *MemoryStore) GetPin(_ context.Context, id string) (PinRecord, error) {
	if err := s.lock(); err != nil {
		return PinRecord{}, err
	}
	defer s.mu.Unlock()
	p, ok := s.pins[id]
	if !ok {
		return PinRecord{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) DeletePin(_ context.Context, id string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	delete(s.pins, id)
	return nil
}

func (s *MemoryStore) PutPasskey(_ context.Context, p PasskeyRecord) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.passkeys[p.CredentialID]; ok {
		return ErrConflict
	}
	s.passkeys[p.CredentialID] = p
	return nil
}

func (s *MemoryStore) GetPasskey(_ context.Context, id string) (PasskeyRecord, error) {
	if err := s.lock(); err != nil {
		return PasskeyRecord{}, err
	}
	defer s.mu.Unlock()
	p, ok := s.passkeys[id]
	if !ok {
		return PasskeyRecord{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) DeletePasskey(_ context.Context, id string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	delete(s.passkeys, id)
	return nil
}

func (s *MemoryStore) SwapChallenge(_ context.Context, id string, next []byte) ([]byte, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	p, ok := s.passkeys[id]
	if !ok {
		return nil, ErrNotFound
	}
	prev := p.Challenge
	p.Challenge = append([]byte(nil), next...)
	s.passkeys[id] = p
	return prev, nil
}

func (s *MemoryStore) PutOTP(_ context.Context, o OTPRecord) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.otps[o.CredentialID]; ok {
		return ErrConflict
	}
	s.otps[o.CredentialID] = o
	return nil
}

func (s *MemoryStore) GetOTP(_ context.Context, id string) (OTPRecord, error) {
	if err := s.lock(); err != nil {
		return OTPRecord{}, err
	}
	defer s.mu.Unlock()
	o, ok := s.otps[id]
	if !ok {
		return OTPRecord{}, ErrNotFound
	}
	return o, nil
}

func (s *MemoryStore) DeleteOTP(_ context.Context, id string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	delete(s.otps, id)
	return nil
}

func (s *MemoryStore) PutRefreshToken(_ context.Context, hash string, expires time.Time) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.tokens[hash] = expires
	return nil
}

func (s *MemoryStore) ConsumeRefreshToken(_ context.Context, hash string, now time.Time) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	exp, ok := s.tokens[hash]
	if !ok {
		return ErrNotFound
	}
	delete(s.tokens, hash)
	if !now.Before(exp) {
		return ErrNotFound
	}
	return nil
}

func (s *MemoryStore) ExpireRefreshTokens(_ context.Context, now time.Time) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	for h, exp := range s.tokens {
		if exp.After(now) {
			s.tokens[h] = now
		}
	}
	return nil
}
