package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/avolkov/mailhold/pkg/models"
)

// UpsertHeartbeat creates or resets the heartbeat row for a worker
func (db *DB) UpsertHeartbeat(ctx context.Context, workerID, status string) error {
	query := `
		INSERT INTO worker_heartbeats (worker_id, last_seen, status, error_count, stop_requested)
		VALUES (?, ?, ?, 0, false)
		ON CONFLICT(worker_id) DO UPDATE SET last_seen = excluded.last_seen, status = excluded.status, error_count = 0, stop_requested = false
	`
	_, err := db.ExecContext(ctx, query, workerID, time.Now(), status)
	if err != nil {
		return fmt.Errorf("failed to upsert heartbeat: %w", err)
	}
	return nil
}

// Beat updates last-seen time and status for a worker
func (db *DB) Beat(ctx context.Context, workerID, status string) error {
	query := `UPDATE worker_heartbeats SET last_seen = ?, status = ? WHERE worker_id = ?`
	_, err := db.ExecContext(ctx, query, time.Now(), status, workerID)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	return nil
}

// RecordWorkerFailure appends a failure to the heartbeat row: the status
// carries the human-readable reason and the error counter is incremented
func (db *DB) RecordWorkerFailure(ctx context.Context, workerID, reason string) error {
	query := `UPDATE worker_heartbeats SET last_seen = ?, status = ?, error_count = error_count + 1 WHERE worker_id = ?`
	_, err := db.ExecContext(ctx, query, time.Now(), "error: "+reason, workerID)
	if err != nil {
		return fmt.Errorf("failed to record worker failure: %w", err)
	}
	return nil
}

// RequestStop sets or clears the cooperative stop flag for a worker
func (db *DB) RequestStop(ctx context.Context, workerID string, stop bool) error {
	query := `UPDATE worker_heartbeats SET stop_requested = ? WHERE worker_id = ?`
	_, err := db.ExecContext(ctx, query, stop, workerID)
	if err != nil {
		return fmt.Errorf("failed to set stop flag: %w", err)
	}
	return nil
}

// StopRequested reports whether a graceful stop has been requested
func (db *DB) StopRequested(ctx context.Context, workerID string) (bool, error) {
	var stop bool
	query := `SELECT stop_requested FROM worker_heartbeats WHERE worker_id = ?`
	err := db.GetContext(ctx, &stop, query, workerID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read stop flag: %w", err)
	}
	return stop, nil
}

// GetHeartbeat returns the heartbeat row for a worker
func (db *DB) GetHeartbeat(ctx context.Context, workerID string) (*models.WorkerHeartbeat, error) {
	var hb models.WorkerHeartbeat
	query := `SELECT * FROM worker_heartbeats WHERE worker_id = ?`
	err := db.GetContext(ctx, &hb, query, workerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get heartbeat: %w", err)
	}
	return &hb, nil
}

// ListHeartbeats returns all worker heartbeat rows
func (db *DB) ListHeartbeats(ctx context.Context) ([]*models.WorkerHeartbeat, error) {
	var hbs []*models.WorkerHeartbeat
	query := `SELECT * FROM worker_heartbeats ORDER BY worker_id`
	if err := db.SelectContext(ctx, &hbs, query); err != nil {
		return nil, fmt.Errorf("failed to list heartbeats: %w", err)
	}
	return hbs, nil
}

// DeleteHeartbeat removes the heartbeat row, used on account removal
func (db *DB) DeleteHeartbeat(ctx context.Context, workerID string) error {
	query := `DELETE FROM worker_heartbeats WHERE worker_id = ?`
	if _, err := db.ExecContext(ctx, query, workerID); err != nil {
		return fmt.Errorf("failed to delete heartbeat: %w", err)
	}
	return nil
}
