package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avolkov/mailhold/pkg/models"
)

func TestHeartbeatLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	workerID := models.WatcherWorkerID(1)

	require.NoError(t, db.UpsertHeartbeat(ctx, workerID, "starting"))

	hb, err := db.GetHeartbeat(ctx, workerID)
	require.NoError(t, err)
	assert.Equal(t, "starting", hb.Status)
	assert.Equal(t, 0, hb.ErrorCount)
	assert.False(t, hb.StopRequested)

	require.NoError(t, db.Beat(ctx, workerID, "idle"))
	hb, err = db.GetHeartbeat(ctx, workerID)
	require.NoError(t, err)
	assert.Equal(t, "idle", hb.Status)

	require.NoError(t, db.RecordWorkerFailure(ctx, workerID, "connect: timeout"))
	require.NoError(t, db.RecordWorkerFailure(ctx, workerID, "connect: timeout"))
	hb, err = db.GetHeartbeat(ctx, workerID)
	require.NoError(t, err)
	assert.Equal(t, "error: connect: timeout", hb.Status)
	assert.Equal(t, 2, hb.ErrorCount)

	// Upsert resets counters, used on restart
	require.NoError(t, db.UpsertHeartbeat(ctx, workerID, "starting"))
	hb, err = db.GetHeartbeat(ctx, workerID)
	require.NoError(t, err)
	assert.Equal(t, 0, hb.ErrorCount)

	require.NoError(t, db.DeleteHeartbeat(ctx, workerID))
	_, err = db.GetHeartbeat(ctx, workerID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStopRequested(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	workerID := models.WatcherWorkerID(7)

	// Missing row reads as "no stop requested", not an error
	stop, err := db.StopRequested(ctx, workerID)
	require.NoError(t, err)
	assert.False(t, stop)

	require.NoError(t, db.UpsertHeartbeat(ctx, workerID, "running"))
	require.NoError(t, db.RequestStop(ctx, workerID, true))

	stop, err = db.StopRequested(ctx, workerID)
	require.NoError(t, err)
	assert.True(t, stop)

	require.NoError(t, db.RequestStop(ctx, workerID, false))
	stop, err = db.StopRequested(ctx, workerID)
	require.NoError(t, err)
	assert.False(t, stop)
}

func TestAccountLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	account := newTestAccount(t, db)

	got, err := db.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, account.Email, got.Email)
	assert.True(t, got.IsActive)

	active, err := db.GetAllActiveAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	require.NoError(t, db.SetAccountActive(ctx, account.ID, false, "circuit_open: connect: timeout"))
	got, err = db.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Equal(t, "circuit_open: connect: timeout", got.LastError)

	active, err = db.GetAllActiveAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, db.UpdateAccountUIDValidity(ctx, account.ID, 777))
	got, err = db.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(777), got.UIDValidity)

	require.NoError(t, db.DeleteAccount(ctx, account.ID))
	_, err = db.GetAccountByID(ctx, account.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
