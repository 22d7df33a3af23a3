package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/avolkov/mailhold/internal/database"
	"github.com/avolkov/mailhold/internal/session"
	"github.com/avolkov/mailhold/internal/vault"
	"github.com/avolkov/mailhold/pkg/models"
)

// ErrRawMissing is returned when a held row has neither a raw file pointer
// nor inline raw bytes. Releasing such a row fails loudly instead of
// fabricating a message.
var ErrRawMissing = errors.New("raw payload missing")

// ErrAppendFailed marks a transport failure during re-delivery. The row stays
// HELD and the caller may retry.
var ErrAppendFailed = errors.New("append failed")

// Session is the slice of the protocol session the release path needs
type Session interface {
	EnsureFolder(folder string) error
	Append(folder string, raw []byte, internalDate time.Time) error
	Select(folder string) (*session.FolderStatus, error)
	SearchHeader(key, value string) ([]uint32, error)
	MarkDeleted(uids []uint32) error
	Expunge() error
	Close() error
}

// Dialer opens a protocol session against the target mailbox
type Dialer func(cfg session.Config) (Session, error)

// Engine re-delivers held messages and retires their rows. It is stateless
// per call; the HELD state guard in the store serializes concurrent calls for
// the same message.
type Engine struct {
	db          *database.DB
	vault       *vault.Vault
	dial        Dialer
	dialTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewEngine creates a release engine
func NewEngine(db *database.DB, v *vault.Vault, dial Dialer, dialTimeout time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		db:          db,
		vault:       v,
		dial:        dial,
		dialTimeout: dialTimeout,
		logger:      logger.With("component", "release"),
		now:         time.Now,
	}
}

// ReleaseRequest describes one release call
type ReleaseRequest struct {
	MessageID        int64
	TargetFolder     string // Empty means the account's source folder
	Subject          *string
	BodyText         *string
	StripAttachments bool
}

// ReleaseResult reports a successful release
type ReleaseResult struct {
	ReleasedTo         string
	OutgoingMessageID  string
	AttachmentsRemoved []string
}

// Release re-delivers a held message, optionally edited, and marks the row
// RELEASED. Safe to call twice for the same id: the second call observes a
// non-HELD row and returns ErrNotHeld without opening a connection.
func (e *Engine) Release(ctx context.Context, req ReleaseRequest) (*ReleaseResult, error) {
	msg, err := e.db.GetMessageByID(ctx, req.MessageID)
	if err != nil {
		return nil, err
	}
	if msg.State != models.StateHeld {
		return nil, database.ErrNotHeld
	}

	raw, err := e.loadRaw(msg)
	if err != nil {
		return nil, err
	}

	outgoingID := fmt.Sprintf("<%s@mailhold>", uuid.NewString())
	out, removed, origID, err := buildOutgoing(raw, msg, req, outgoingID)
	if err != nil {
		return nil, err
	}

	account, err := e.db.GetAccountByID(ctx, msg.AccountID)
	if err != nil {
		return nil, err
	}
	password, err := e.vault.Decrypt(account.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt account secret: %w", err)
	}

	sess, err := e.dial(session.Config{
		Addr:        account.Addr(),
		Username:    account.Username,
		Password:    password,
		UseTLS:      account.UseTLS,
		DialTimeout: e.dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	defer func() { _ = sess.Close() }()

	target := req.TargetFolder
	if target == "" {
		target = account.SourceFolder
	}
	if err := sess.EnsureFolder(target); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	if err := sess.Append(target, out, msg.InternalDate); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}

	actionAt := e.now()
	latency := actionAt.Sub(msg.CapturedAt).Milliseconds()
	if err := e.db.TransitionTerminal(ctx, msg.ID, models.StateReleased, outgoingID, actionAt, latency); err != nil {
		// A concurrent caller won the transition; the append above is the
		// duplicate in that narrow race and the row is authoritative.
		return nil, err
	}

	e.cleanupQuarantine(sess, account, origID)

	e.logger.Info("message released", "message_id", msg.ID, "target", target,
		"outgoing_id", outgoingID, "attachments_removed", len(removed), "latency_ms", latency)
	return &ReleaseResult{
		ReleasedTo:         target,
		OutgoingMessageID:  outgoingID,
		AttachmentsRemoved: removed,
	}, nil
}

// Discard retires a held message without any network call
func (e *Engine) Discard(ctx context.Context, id int64) error {
	msg, err := e.db.GetMessageByID(ctx, id)
	if err != nil {
		return err
	}
	if msg.State != models.StateHeld {
		return database.ErrNotHeld
	}

	actionAt := e.now()
	latency := actionAt.Sub(msg.CapturedAt).Milliseconds()
	if err := e.db.TransitionTerminal(ctx, id, models.StateDiscarded, "", actionAt, latency); err != nil {
		return err
	}
	e.logger.Info("message discarded", "message_id", id, "latency_ms", latency)
	return nil
}

// Edit mutates the reviewer-editable fields of a held message
func (e *Engine) Edit(ctx context.Context, id int64, subject, bodyText, bodyHTML, notes *string) error {
	return e.db.UpdateEdits(ctx, id, subject, bodyText, bodyHTML, notes)
}

// HeldSummary is one row of the held-message listing
type HeldSummary struct {
	ID         int64     `json:"id"`
	AccountID  int64     `json:"account_id"`
	Sender     string    `json:"sender"`
	Recipients []string  `json:"recipients"`
	Subject    string    `json:"subject"`
	LatencyMs  int64     `json:"latency_ms"` // Time the message has been waiting for review
	CapturedAt time.Time `json:"captured_at"`
}

// ListHeld returns summaries of all held messages, optionally per account
func (e *Engine) ListHeld(ctx context.Context, accountID *int64) ([]HeldSummary, error) {
	msgs, err := e.db.ListHeld(ctx, accountID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	summaries := make([]HeldSummary, 0, len(msgs))
	for _, m := range msgs {
		summaries = append(summaries, HeldSummary{
			ID:         m.ID,
			AccountID:  m.AccountID,
			Sender:     m.FromAddr,
			Recipients: m.RecipientList(),
			Subject:    m.Subject,
			LatencyMs:  now.Sub(m.CapturedAt).Milliseconds(),
			CapturedAt: m.CapturedAt,
		})
	}
	return summaries, nil
}

// loadRaw reconstructs the original raw message, preferring the persisted
// file pointer and falling back to the inline copy
func (e *Engine) loadRaw(msg *models.EmailMessage) ([]byte, error) {
	if msg.RawPath != "" {
		raw, err := os.ReadFile(msg.RawPath)
		if err == nil {
			return raw, nil
		}
		e.logger.Warn("failed to read raw file, trying inline copy", "message_id", msg.ID, "path", msg.RawPath, "error", err)
	}
	if len(msg.Raw) > 0 {
		return msg.Raw, nil
	}
	return nil, fmt.Errorf("%w: message %d", ErrRawMissing, msg.ID)
}

// cleanupQuarantine removes the now-redundant copy from the quarantine
// folder. Best effort: the authoritative outcome is already durable in the
// message store, so every failure here is logged and swallowed.
func (e *Engine) cleanupQuarantine(sess Session, account *models.EmailAccount, origID string) {
	if origID == "" {
		return
	}
	if _, err := sess.Select(account.QuarantineFolder); err != nil {
		e.logger.Warn("quarantine cleanup: select failed", "folder", account.QuarantineFolder, "error", err)
		return
	}
	uids, err := sess.SearchHeader("Message-Id", origID)
	if err != nil {
		e.logger.Warn("quarantine cleanup: search failed", "error", err)
		return
	}
	if len(uids) == 0 {
		return
	}
	if err := sess.MarkDeleted(uids); err != nil {
		e.logger.Warn("quarantine cleanup: mark deleted failed", "error", err)
		return
	}
	if err := sess.Expunge(); err != nil {
		e.logger.Warn("quarantine cleanup: expunge failed", "error", err)
		return
	}
	e.logger.Debug("quarantine copy removed", "uids", uids)
}
