package models

import (
	"fmt"
	"time"
)

// WatcherWorkerID derives the heartbeat identity for an account's watcher.
func WatcherWorkerID(accountID int64) string {
	return fmt.Sprintf("imap_%d", accountID)
}

// WorkerHeartbeat represents the liveness record of one running watcher
type WorkerHeartbeat struct {
	WorkerID      string    `db:"worker_id"` // "imap_" + account id
	LastSeen      time.Time `db:"last_seen"`
	Status        string    `db:"status"`
	ErrorCount    int       `db:"error_count"`
	StopRequested bool      `db:"stop_requested"` // Set by the supervisor to request graceful shutdown
}
