// Package bbolt provides a BBolt-backed storage.Repository so
// two-factor state survives process restarts.
package bbolt

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"go.etcd.io/bbolt"

	"github.com/skyfold/skywallet/storage"
	"github.com/skyfold/skywallet/twofactor"
)

var (
	bucketTwoFactor = []byte("twofactor")
	bucketPending   = []byte("pending")
	bucketPasskeys  = []byte("passkeys")
)

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// New returns a Store backed by the given BBolt database.
func New(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewFromFile opens a BBolt database at the given path.
func NewFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return New(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) TwoFactorConfig(did string) (*twofactor.Config, error) {
	var cfg twofactor.Config
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTwoFactor)
		if b == nil {
			return storage.ErrNotFound
		}
		data := b.Get([]byte(did))
		if data == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(data, &cfg)
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *Store) SaveTwoFactorConfig(did string, cfg *twofactor.Config) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketTwoFactor)
		if err != nil {
			return err
		}
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return b.Put([]byte(did), data)
	})
}

func (s *Store) DeleteTwoFactorConfig(did string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTwoFactor)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(did))
	})
}

func pendingKey(did, purpose string) []byte {
	return []byte(did + "\x00" + purpose)
}

func (s *Store) SavePendingCode(did string, code twofactor.PendingCode) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketPending)
		if err != nil {
			return err
		}
		data, err := json.Marshal(code)
		if err != nil {
			return err
		}
		return b.Put(pendingKey(did, code.Purpose), data)
	})
}

func (s *Store) ConsumePendingCode(did, purpose, code string, now time.Time) (twofactor.PendingCode, error) {
	var pc twofactor.PendingCode
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPending)
		if b == nil {
			return storage.ErrNotFound
		}
		key := pendingKey(did, purpose)
		data := b.Get(key)
		if data == nil {
			return storage.ErrNotFound
		}
		if err := json.Unmarshal(data, &pc); err != nil {
			return err
		}
		if pc.Expired(now) {
			_ = b.Delete(key)
			return storage.ErrNotFound
		}
		if pc.Code != code {
			return storage.ErrCodeMismatch
		}
		return b.Delete(key)
	})
	if err != nil {
		return twofactor.PendingCode{}, err
	}
	return pc, nil
}

func (s *Store) PasskeyCredentials(did string) ([]webauthn.Credential, error) {
	var creds []webauthn.Credential
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPasskeys)
		if b == nil {
			return nil
		}
		data := b.Get([]byte(did))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &creds)
	})
	if err != nil {
		return nil, err
	}
	return creds, nil
}

func (s *Store) AddPasskeyCredential(did string, cred webauthn.Credential) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketPasskeys)
		if err != nil {
			return err
		}
		var creds []webauthn.Credential
		if data := b.Get([]byte(did)); data != nil {
			if err := json.Unmarshal(data, &creds); err != nil {
				return err
			}
		}
		creds = append(creds, cred)
		data, err := json.Marshal(creds)
		if err != nil {
			return err
		}
		return b.Put([]byte(did), data)
	})
}

func (s *Store) DeletePasskeyCredentials(did string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPasskeys)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(did))
	})
}
