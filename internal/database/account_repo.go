package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/avolkov/mailhold/pkg/models"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists is returned when trying to insert a duplicate record
var ErrAlreadyExists = errors.New("record already exists")

// ErrNotHeld is returned when a state transition requires a HELD row and the
// row is in any other state. It is the idempotency guard for release/discard.
var ErrNotHeld = errors.New("message is not held")

// CreateAccount creates a new monitored account
func (db *DB) CreateAccount(ctx context.Context, account *models.EmailAccount) error {
	query := `
		INSERT INTO email_accounts (name, email, host, port, username, password, use_tls, source_folder, quarantine_folder, idle_timeout_secs, keepalive_secs, is_active, last_error, uid_validity, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		account.Name,
		account.Email,
		account.Host,
		account.Port,
		account.Username,
		account.Password,
		account.UseTLS,
		account.SourceFolder,
		account.QuarantineFolder,
		account.IdleTimeoutSecs,
		account.KeepaliveSecs,
		account.IsActive,
		account.LastError,
		account.UIDValidity,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	account.ID = id
	account.CreatedAt = now
	account.UpdatedAt = now
	return nil
}

// GetAccountByID returns an account by ID
func (db *DB) GetAccountByID(ctx context.Context, id int64) (*models.EmailAccount, error) {
	var account models.EmailAccount
	query := `SELECT * FROM email_accounts WHERE id = ?`
	err := db.GetContext(ctx, &account, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// GetAllActiveAccounts returns all active accounts
func (db *DB) GetAllActiveAccounts(ctx context.Context) ([]*models.EmailAccount, error) {
	var accounts []*models.EmailAccount
	query := `SELECT * FROM email_accounts WHERE is_active = true`
	err := db.SelectContext(ctx, &accounts, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get active accounts: %w", err)
	}
	return accounts, nil
}

// SetAccountActive sets the active status of an account together with a
// reason string. The circuit breaker uses this to park a failing account.
func (db *DB) SetAccountActive(ctx context.Context, id int64, active bool, reason string) error {
	query := `UPDATE email_accounts SET is_active = ?, last_error = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, active, reason, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set account active: %w", err)
	}
	return nil
}

// UpdateAccountChecked records a successful check cycle
func (db *DB) UpdateAccountChecked(ctx context.Context, id int64) error {
	now := time.Now()
	query := `UPDATE email_accounts SET last_checked_at = ?, last_error = '', updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to update last checked: %w", err)
	}
	return nil
}

// UpdateAccountUIDValidity stores the folder generation token observed on SELECT
func (db *DB) UpdateAccountUIDValidity(ctx context.Context, id int64, validity uint32) error {
	query := `UPDATE email_accounts SET uid_validity = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, validity, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update uid validity: %w", err)
	}
	return nil
}

// DeleteAccount deletes an account
func (db *DB) DeleteAccount(ctx context.Context, id int64) error {
	query := `DELETE FROM email_accounts WHERE id = ?`
	_, err := db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}
