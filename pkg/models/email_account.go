package models

import (
	"fmt"
	"time"
)

// EmailAccount represents a monitored mailbox
type EmailAccount struct {
	ID               int64      `db:"id"`
	Name             string     `db:"name"`
	Email            string     `db:"email"`
	Host             string     `db:"host"`
	Port             int        `db:"port"`
	Username         string     `db:"username"`
	Password         string     `db:"password"` // Encrypted password
	UseTLS           bool       `db:"use_tls"`
	SourceFolder     string     `db:"source_folder"`     // Folder being intercepted, usually INBOX
	QuarantineFolder string     `db:"quarantine_folder"` // Where held messages are parked
	IdleTimeoutSecs  int        `db:"idle_timeout_secs"` // Per-wait budget, 0 = global default
	KeepaliveSecs    int        `db:"keepalive_secs"`    // NOOP interval during IDLE, 0 = global default
	IsActive         bool       `db:"is_active"`
	LastError        string     `db:"last_error"`
	LastCheckedAt    *time.Time `db:"last_checked_at"`
	UIDValidity      uint32     `db:"uid_validity"` // Folder generation token from last SELECT
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

// WorkerID returns the heartbeat identity of the watcher for this account.
func (a *EmailAccount) WorkerID() string {
	return WatcherWorkerID(a.ID)
}

// Addr returns the host:port dial address.
func (a *EmailAccount) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}
