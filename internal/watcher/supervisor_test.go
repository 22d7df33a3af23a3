package watcher

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avolkov/mailhold/internal/database"
	"github.com/avolkov/mailhold/internal/session"
	"github.com/avolkov/mailhold/internal/vault"
	"github.com/avolkov/mailhold/pkg/models"
)

const supervisorTestKey = "0123456789abcdef0123456789abcdef"

func newTestSupervisor(t *testing.T, db *database.DB, dial Dialer) (*Supervisor, *vault.Vault) {
	t.Helper()
	v, err := vault.New(supervisorTestKey)
	require.NoError(t, err)

	cfg := Config{
		DialTimeout:      time.Second,
		IdleTimeout:      time.Second,
		Keepalive:        time.Second,
		PollInterval:     10 * time.Millisecond,
		ReconnectSeed:    time.Millisecond,
		ReconnectCap:     4 * time.Millisecond,
		BreakerThreshold: 100,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSupervisor(db, v, cfg, dial, nil, logger), v
}

func newSupervisedAccount(t *testing.T, db *database.DB, v *vault.Vault) *models.EmailAccount {
	t.Helper()
	encrypted, err := v.Encrypt("secret")
	require.NoError(t, err)

	account := &models.EmailAccount{
		Email: "user@example.com", Host: "imap.example.com", Port: 993,
		Username: "user@example.com", Password: encrypted, UseTLS: true,
		SourceFolder: "INBOX", QuarantineFolder: "Quarantine", IsActive: true,
	}
	require.NoError(t, db.CreateAccount(context.Background(), account))
	return account
}

func TestSupervisorStartStop(t *testing.T) {
	db := newWatcherTestDB(t)
	dial := func(cfg session.Config) (Session, error) {
		return &fakeSession{move: true}, nil
	}
	sup, v := newTestSupervisor(t, db, dial)
	account := newSupervisedAccount(t, db, v)
	ctx := context.Background()

	require.NoError(t, sup.Start(ctx, account.ID))
	assert.True(t, sup.Running(account.ID))

	// Starting again is a no-op
	require.NoError(t, sup.Start(ctx, account.ID))
	assert.True(t, sup.Running(account.ID))

	require.NoError(t, sup.Stop(ctx, account.ID))
	assert.False(t, sup.Running(account.ID))

	// Stopping again is a no-op too
	require.NoError(t, sup.Stop(ctx, account.ID))
}

func TestSupervisorStartUnknownAccount(t *testing.T) {
	db := newWatcherTestDB(t)
	sup, _ := newTestSupervisor(t, db, nil)

	err := sup.Start(context.Background(), 12345)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestSupervisorStartRearmsParkedAccount(t *testing.T) {
	db := newWatcherTestDB(t)
	dial := func(cfg session.Config) (Session, error) {
		return &fakeSession{move: true}, nil
	}
	sup, v := newTestSupervisor(t, db, dial)
	account := newSupervisedAccount(t, db, v)
	ctx := context.Background()

	require.NoError(t, db.SetAccountActive(ctx, account.ID, false, "circuit_open: connection refused"))

	require.NoError(t, sup.Start(ctx, account.ID))
	t.Cleanup(func() { _ = sup.Stop(ctx, account.ID) })

	stored, err := db.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsActive)
	assert.Empty(t, stored.LastError)

	hb, err := db.GetHeartbeat(ctx, account.WorkerID())
	require.NoError(t, err)
	assert.False(t, hb.StopRequested)
}

func TestSupervisorStopAll(t *testing.T) {
	db := newWatcherTestDB(t)
	dial := func(cfg session.Config) (Session, error) {
		return &fakeSession{move: true}, nil
	}
	sup, v := newTestSupervisor(t, db, dial)
	ctx := context.Background()

	a := newSupervisedAccount(t, db, v)
	b := &models.EmailAccount{
		Email: "second@example.com", Host: "imap.example.com", Port: 993,
		Username: "second@example.com", Password: a.Password, UseTLS: true,
		SourceFolder: "INBOX", QuarantineFolder: "Quarantine", IsActive: true,
	}
	require.NoError(t, db.CreateAccount(ctx, b))

	sup.RestoreAll(ctx)
	assert.True(t, sup.Running(a.ID))
	assert.True(t, sup.Running(b.ID))

	sup.StopAll(ctx)
	assert.False(t, sup.Running(a.ID))
	assert.False(t, sup.Running(b.ID))
}
