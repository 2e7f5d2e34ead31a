// Package memory provides an in-memory storage.Repository, used in
// tests and single-process development setups.
package memory

import (
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/skyfold/skywallet/storage"
	"github.com/skyfold/skywallet/twofactor"
)

// Store is a thread-safe in-memory Repository. All state is lost on
// process restart.
type Store struct {
	mu       sync.Mutex
	configs  map[string]twofactor.Config
	pending  map[string]twofactor.PendingCode
	passkeys map[string][]webauthn.Credential
}

var _ storage.Repository = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		configs:  make(map[string]twofactor.Config),
		pending:  make(map[string]twofactor.PendingCode),
		passkeys: make(map[string][]webauthn.Credential),
	}
}

func (s *Store) TwoFactorConfig(did string) (*twofactor.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[did]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := cfg
	out.Methods = append([]twofactor.Method(nil), cfg.Methods...)
	return &out, nil
}

func (s *Store) SaveTwoFactorConfig(did string, cfg *twofactor.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *cfg
	stored.Methods = append([]twofactor.Method(nil), cfg.Methods...)
	s.configs[did] = stored
	return nil
}

func (s *Store) DeleteTwoFactorConfig(did string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, did)
	return nil
}

func pendingKey(did, purpose string) string {
	return did + "\x00" + purpose
}

func (s *Store) SavePendingCode(did string, code twofactor.PendingCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[pendingKey(did, code.Purpose)] = code
	return nil
}

func (s *Store) ConsumePendingCode(did, purpose, code string, now time.Time) (twofactor.PendingCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pendingKey(did, purpose)
	pc, ok := s.pending[key]
	if !ok {
		return twofactor.PendingCode{}, storage.ErrNotFound
	}
	if pc.Expired(now) {
		delete(s.pending, key)
		return twofactor.PendingCode{}, storage.ErrNotFound
	}
	if pc.Code != code {
		return twofactor.PendingCode{}, storage.ErrCodeMismatch
	}
	delete(s.pending, key)
	return pc, nil
}

func (s *Store) PasskeyCredentials(did string) ([]webauthn.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webauthn.Credential(nil), s.passkeys[did]...), nil
}

func (s *Store) AddPasskeyCredential(did string, cred webauthn.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passkeys[did] = append(s.passkeys[did], cred)
	return nil
}

func (s *Store) DeletePasskeyCredentials(did string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.passkeys, did)
	return nil
}
