package bbolt

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyfold/skywallet/storage"
	"github.com/skyfold/skywallet/twofactor"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewFromFile(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTwoFactorConfigPersistence(t *testing.T) {
	s := newTestStore(t)

	_, err := s.TwoFactorConfig("did:plc:alice")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	cfg := twofactor.AddMethod(nil, twofactor.Method{Type: twofactor.MethodEmail, Address: "alice@example.com", EnabledAt: time.Now()})
	require.NoError(t, s.SaveTwoFactorConfig("did:plc:alice", cfg))

	got, err := s.TwoFactorConfig("did:plc:alice")
	require.NoError(t, err)
	assert.Equal(t, twofactor.MethodEmail, got.DefaultMethod)
	require.Len(t, got.Methods, 1)
	assert.Equal(t, "alice@example.com", got.Methods[0].Address)

	require.NoError(t, s.DeleteTwoFactorConfig("did:plc:alice"))
	_, err = s.TwoFactorConfig("did:plc:alice")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPendingCodeConsumption(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	pc := twofactor.PendingCode{Code: "654321", Purpose: twofactor.PurposeEmailDisable, ExpiresAt: now.Add(time.Minute)}
	require.NoError(t, s.SavePendingCode("did:plc:bob", pc))

	_, err := s.ConsumePendingCode("did:plc:bob", twofactor.PurposeEmailDisable, "999999", now)
	assert.ErrorIs(t, err, storage.ErrCodeMismatch)

	got, err := s.ConsumePendingCode("did:plc:bob", twofactor.PurposeEmailDisable, "654321", now)
	require.NoError(t, err)
	assert.Equal(t, "654321", got.Code)

	_, err = s.ConsumePendingCode("did:plc:bob", twofactor.PurposeEmailDisable, "654321", now)
	assert.ErrorIs(t, err, storage.ErrNotFound, "single use")
}

func TestPasskeyCredentials(t *testing.T) {
	s := newTestStore(t)

	creds, err := s.PasskeyCredentials("did:plc:carol")
	require.NoError(t, err)
	assert.Empty(t, creds)

	require.NoError(t, s.AddPasskeyCredential("did:plc:carol", webauthn.Credential{ID: []byte("cred-1")}))
	require.NoError(t, s.AddPasskeyCredential("did:plc:carol", webauthn.Credential{ID: []byte("cred-2")}))

	creds, err = s.PasskeyCredentials("did:plc:carol")
	require.NoError(t, err)
	require.Len(t, creds, 2)
	assert.Equal(t, []byte("cred-1"), creds[0].ID)

	require.NoError(t, s.DeletePasskeyCredentials("did:plc:carol"))
	creds, err = s.PasskeyCredentials("did:plc:carol")
	require.NoError(t, err)
	assert.Empty(t, creds)
}
