package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/avolkov/mailhold/pkg/models"
)

// CreateMessage creates a new intercepted message row (ignores if a row for
// the same account and source UID already exists)
func (db *DB) CreateMessage(ctx context.Context, msg *models.EmailMessage) error {
	query := `
		INSERT OR IGNORE INTO email_messages (account_id, direction, state, from_addr, from_name, recipients, subject, body_text, body_html, raw, raw_path, original_uid, internal_date, captured_at, released_msg_id, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		msg.AccountID,
		msg.Direction,
		msg.State,
		msg.FromAddr,
		msg.FromName,
		msg.Recipients,
		msg.Subject,
		msg.BodyText,
		msg.BodyHTML,
		msg.Raw,
		msg.RawPath,
		msg.OriginalUID,
		msg.InternalDate,
		msg.CapturedAt,
		msg.ReleasedMsgID,
		msg.Notes,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}

	// Check if row was actually inserted (not ignored due to duplicate UID)
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrAlreadyExists
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	msg.ID = id
	msg.CreatedAt = now
	return nil
}

// GetMessageByID returns a message by ID
func (db *DB) GetMessageByID(ctx context.Context, id int64) (*models.EmailMessage, error) {
	var msg models.EmailMessage
	query := `SELECT * FROM email_messages WHERE id = ?`
	err := db.GetContext(ctx, &msg, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

// MaxUID returns the highest source UID already recorded for an account.
// Used to recover the scan watermark after a restart.
func (db *DB) MaxUID(ctx context.Context, accountID int64) (uint32, error) {
	var uid uint32
	query := `SELECT COALESCE(MAX(original_uid), 0) FROM email_messages WHERE account_id = ?`
	if err := db.GetContext(ctx, &uid, query, accountID); err != nil {
		return 0, fmt.Errorf("failed to get max uid: %w", err)
	}
	return uid, nil
}

// HasUID reports whether a row already exists for the given source UID
func (db *DB) HasUID(ctx context.Context, accountID int64, uid uint32) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM email_messages WHERE account_id = ? AND original_uid = ?)`
	if err := db.GetContext(ctx, &exists, query, accountID, uid); err != nil {
		return false, fmt.Errorf("failed to check uid: %w", err)
	}
	return exists, nil
}

// ClearUIDs nulls out the recorded source UIDs for an account. Called when
// the folder generation token changes: the provider has renumbered, so old
// UIDs must not collide with the new generation's numbering.
func (db *DB) ClearUIDs(ctx context.Context, accountID int64) error {
	query := `UPDATE email_messages SET original_uid = NULL WHERE account_id = ?`
	if _, err := db.ExecContext(ctx, query, accountID); err != nil {
		return fmt.Errorf("failed to clear uids: %w", err)
	}
	return nil
}

// MarkHeld transitions a message from FETCHED to HELD after the hold
// operation against the source folder succeeded
func (db *DB) MarkHeld(ctx context.Context, id int64) error {
	query := `UPDATE email_messages SET state = ? WHERE id = ? AND state = ?`
	result, err := db.ExecContext(ctx, query, models.StateHeld, id, models.StateFetched)
	if err != nil {
		return fmt.Errorf("failed to mark message held: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("message %d is not in %s state", id, models.StateFetched)
	}
	return nil
}

// TransitionTerminal moves a HELD message into a terminal state. The
// single-row conditional update is the only concurrency control the release
// path needs: a second caller matches zero rows and gets ErrNotHeld.
func (db *DB) TransitionTerminal(ctx context.Context, id int64, state, releasedMsgID string, actionAt time.Time, latencyMs int64) error {
	if state != models.StateReleased && state != models.StateDiscarded {
		return fmt.Errorf("invalid terminal state %q", state)
	}

	query := `
		UPDATE email_messages
		SET state = ?, released_msg_id = ?, action_at = ?, latency_ms = ?
		WHERE id = ? AND state = ?
	`
	result, err := db.ExecContext(ctx, query, state, releasedMsgID, actionAt, latencyMs, id, models.StateHeld)
	if err != nil {
		return fmt.Errorf("failed to transition message: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := db.GetMessageByID(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrNotHeld
	}
	return nil
}

// UpdateEdits mutates the reviewer-editable fields of a HELD message.
// Nil fields are left unchanged. The state itself is never touched here.
func (db *DB) UpdateEdits(ctx context.Context, id int64, subject, bodyText, bodyHTML, notes *string) error {
	set := ""
	args := []interface{}{}
	appendSet := func(col string, v *string) {
		if v == nil {
			return
		}
		if set != "" {
			set += ", "
		}
		set += col + " = ?"
		args = append(args, *v)
	}
	appendSet("subject", subject)
	appendSet("body_text", bodyText)
	appendSet("body_html", bodyHTML)
	appendSet("notes", notes)
	if set == "" {
		return nil
	}

	args = append(args, id, models.StateHeld)
	result, err := db.ExecContext(ctx, `UPDATE email_messages SET `+set+` WHERE id = ? AND state = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update message edits: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := db.GetMessageByID(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrNotHeld
	}
	return nil
}

// ListHeld returns all HELD messages, optionally filtered by account
func (db *DB) ListHeld(ctx context.Context, accountID *int64) ([]*models.EmailMessage, error) {
	var msgs []*models.EmailMessage
	var err error
	if accountID != nil {
		query := `SELECT * FROM email_messages WHERE state = ? AND account_id = ? ORDER BY captured_at ASC`
		err = db.SelectContext(ctx, &msgs, query, models.StateHeld, *accountID)
	} else {
		query := `SELECT * FROM email_messages WHERE state = ? ORDER BY captured_at ASC`
		err = db.SelectContext(ctx, &msgs, query, models.StateHeld)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list held messages: %w", err)
	}
	return msgs, nil
}
