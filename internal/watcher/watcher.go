package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/avolkov/mailhold/internal/database"
	"github.com/avolkov/mailhold/internal/parser"
	"github.com/avolkov/mailhold/internal/session"
	"github.com/avolkov/mailhold/pkg/models"
)

// Session is the slice of the protocol session the watcher needs. The
// concrete implementation lives in internal/session; tests substitute fakes.
type Session interface {
	SupportsMove() bool
	SupportsIdle() bool
	Select(folder string) (*session.FolderStatus, error)
	SearchAfter(after uint32) ([]uint32, error)
	FetchRaw(uid uint32) (*session.Message, error)
	Move(uids []uint32, folder string) error
	Copy(uids []uint32, folder string) error
	MarkDeleted(uids []uint32) error
	Expunge() error
	EnsureFolder(folder string) error
	WaitForChanges(ctx context.Context, budget, keepalive time.Duration) (bool, error)
	Close() error
}

// Dialer opens a protocol session for an account
type Dialer func(cfg session.Config) (Session, error)

// Notifier is told about every successful hold. Failures are the notifier's
// problem; the watcher never propagates them.
type Notifier interface {
	MessageHeld(ctx context.Context, account *models.EmailAccount, msg *models.EmailMessage)
}

// Config holds the runtime knobs shared by all watchers
type Config struct {
	DialTimeout      time.Duration
	IdleTimeout      time.Duration
	Keepalive        time.Duration
	PollInterval     time.Duration
	ReconnectSeed    time.Duration
	ReconnectCap     time.Duration
	BreakerThreshold int
	RawStorePath     string
	InlineRawLimit   int
}

// Watcher is one long-running interception loop for one monitored account.
// It owns exactly one protocol session at a time.
type Watcher struct {
	account    *models.EmailAccount
	password   string // Decrypted
	db         *database.DB
	cfg        Config
	dial       Dialer
	notifier   Notifier
	htmlParser *parser.HTMLParser
	breaker    *Breaker
	workerID   string
	logger     *slog.Logger
}

// New creates a watcher for one account
func New(account *models.EmailAccount, password string, db *database.DB, cfg Config, dial Dialer, notifier Notifier, logger *slog.Logger) *Watcher {
	return &Watcher{
		account:    account,
		password:   password,
		db:         db,
		cfg:        cfg,
		dial:       dial,
		notifier:   notifier,
		htmlParser: parser.NewHTMLParser(),
		breaker:    NewBreaker(cfg.BreakerThreshold),
		workerID:   account.WorkerID(),
		logger:     logger.With("component", "watcher", "account_id", account.ID, "email", account.Email),
	}
}

// Run drives the connect/watch/reconnect loop until the context is cancelled,
// the stop flag is set, or the circuit breaker opens. It never panics the
// process; every failure is recorded and either retried or ends the loop
// cleanly.
func (w *Watcher) Run(ctx context.Context) {
	w.logger.Info("watcher started")
	backoff := w.cfg.ReconnectSeed

	for {
		if w.shouldStop(ctx) {
			w.finish(ctx, "stopped")
			return
		}

		sess, err := w.connect()
		if err != nil {
			w.logger.Warn("connect failed", "error", err, "failures", w.breaker.Failures()+1)
			if w.recordFailure(ctx, "connect: "+err.Error()) {
				return
			}
			if !w.sleep(ctx, withJitter(backoff)) {
				w.finish(ctx, "stopped")
				return
			}
			backoff = nextBackoff(backoff, w.cfg.ReconnectCap)
			continue
		}

		// A successful connect-and-authenticate cycle resets the breaker.
		w.breaker.Reset()
		backoff = w.cfg.ReconnectSeed
		_ = w.db.Beat(ctx, w.workerID, "connected")

		err = w.watch(ctx, sess)
		_ = sess.Close()

		if w.shouldStop(ctx) {
			w.finish(ctx, "stopped")
			return
		}
		if err != nil {
			w.logger.Warn("watch loop failed", "error", err)
			if w.recordFailure(ctx, err.Error()) {
				return
			}
			if !w.sleep(ctx, withJitter(backoff)) {
				w.finish(ctx, "stopped")
				return
			}
			backoff = nextBackoff(backoff, w.cfg.ReconnectCap)
		}
	}
}

// connect opens a session with the account's decrypted credentials
func (w *Watcher) connect() (Session, error) {
	return w.dial(session.Config{
		Addr:        w.account.Addr(),
		Username:    w.account.Username,
		Password:    w.password,
		UseTLS:      w.account.UseTLS,
		DialTimeout: w.cfg.DialTimeout,
	})
}

// watch runs the interception loop on one live session until an error occurs
// or a stop is requested
func (w *Watcher) watch(ctx context.Context, sess Session) error {
	if err := sess.EnsureFolder(w.account.QuarantineFolder); err != nil {
		return err
	}

	status, err := sess.Select(w.account.SourceFolder)
	if err != nil {
		return err
	}

	watermark, err := w.recoverWatermark(ctx, status)
	if err != nil {
		return err
	}

	for {
		if w.shouldStop(ctx) {
			return nil
		}

		if err := w.processNew(ctx, sess, &watermark); err != nil {
			return err
		}

		mode := "polling"
		budget := w.cfg.PollInterval
		if sess.SupportsIdle() {
			mode = "idle"
			budget = w.idleBudget()
		}
		_ = w.db.Beat(ctx, w.workerID, mode)
		_ = w.db.UpdateAccountChecked(ctx, w.account.ID)

		if _, err := sess.WaitForChanges(ctx, budget, w.keepalive()); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		// Re-select to refresh the view and catch folder generation changes
		// before trusting the watermark again.
		status, err := sess.Select(w.account.SourceFolder)
		if err != nil {
			return err
		}
		if status.UIDValidity != w.account.UIDValidity {
			watermark, err = w.recoverWatermark(ctx, status)
			if err != nil {
				return err
			}
		}
	}
}

// recoverWatermark determines where scanning should resume. Normally that is
// the highest UID already recorded for this account; when the folder
// generation token changed, stale UIDs mean nothing and the watermark resets.
func (w *Watcher) recoverWatermark(ctx context.Context, status *session.FolderStatus) (uint32, error) {
	if status.UIDValidity != w.account.UIDValidity {
		w.logger.Info("folder generation changed, resetting watermark",
			"old_validity", w.account.UIDValidity, "new_validity", status.UIDValidity)
		if err := w.db.ClearUIDs(ctx, w.account.ID); err != nil {
			return 0, err
		}
		if err := w.db.UpdateAccountUIDValidity(ctx, w.account.ID, status.UIDValidity); err != nil {
			return 0, err
		}
		w.account.UIDValidity = status.UIDValidity
		return 0, nil
	}
	return w.db.MaxUID(ctx, w.account.ID)
}

// processNew captures and holds every UID beyond the watermark, in ascending
// order. For each one the row is made durable before the destructive remote
// operation is attempted; a hold failure leaves the row FETCHED.
func (w *Watcher) processNew(ctx context.Context, sess Session, watermark *uint32) error {
	uids, err := sess.SearchAfter(*watermark)
	if err != nil {
		return err
	}

	for _, uid := range uids {
		if w.shouldStop(ctx) {
			return nil
		}

		exists, err := w.db.HasUID(ctx, w.account.ID, uid)
		if err != nil {
			return err
		}
		if exists {
			*watermark = uid
			continue
		}

		msg, err := sess.FetchRaw(uid)
		if err != nil {
			return err
		}

		row, err := w.buildRow(ctx, msg)
		if err != nil {
			return err
		}

		err = w.db.CreateMessage(ctx, row)
		if errors.Is(err, database.ErrAlreadyExists) {
			*watermark = uid
			continue
		}
		if err != nil {
			return err
		}

		if err := w.hold(sess, uid); err != nil {
			// Row stays FETCHED: captured but not yet quarantined.
			return fmt.Errorf("hold uid %d: %w", uid, err)
		}

		if err := w.db.MarkHeld(ctx, row.ID); err != nil {
			return err
		}
		row.State = models.StateHeld
		*watermark = uid

		w.logger.Info("message held", "uid", uid, "from", row.FromAddr, "subject", row.Subject)
		if w.notifier != nil {
			w.notifier.MessageHeld(ctx, w.account, row)
		}
	}

	return nil
}

// hold moves one message into the quarantine folder, preferring native MOVE
// and falling back to copy+mark-deleted+expunge. The copy must complete
// before the delete is issued; the reverse ordering risks losing mail.
func (w *Watcher) hold(sess Session, uid uint32) error {
	uids := []uint32{uid}

	if sess.SupportsMove() {
		err := sess.Move(uids, w.account.QuarantineFolder)
		if err == nil {
			return nil
		}
		w.logger.Warn("native move failed, falling back to copy+purge", "uid", uid, "error", err)
	}

	if err := sess.Copy(uids, w.account.QuarantineFolder); err != nil {
		return err
	}
	if err := sess.MarkDeleted(uids); err != nil {
		return err
	}
	return sess.Expunge()
}

// recordFailure counts a failure toward the breaker and, once the threshold
// is reached, parks the account and ends the watcher. Returns true when the
// circuit opened.
func (w *Watcher) recordFailure(ctx context.Context, reason string) bool {
	_ = w.db.RecordWorkerFailure(ctx, w.workerID, reason)
	if !w.breaker.RecordFailure() {
		return false
	}

	msg := fmt.Sprintf("circuit_open: %s", reason)
	w.logger.Error("circuit breaker opened, parking account", "failures", w.breaker.Failures(), "reason", reason)
	if err := w.db.SetAccountActive(ctx, w.account.ID, false, msg); err != nil {
		w.logger.Error("failed to park account", "error", err)
	}
	w.finish(ctx, "circuit_open")
	return true
}

// shouldStop checks both cancellation and the cooperative stop flag
func (w *Watcher) shouldStop(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	stop, err := w.db.StopRequested(ctx, w.workerID)
	if err != nil {
		w.logger.Warn("failed to read stop flag", "error", err)
		return false
	}
	return stop
}

// finish records the terminal heartbeat status
func (w *Watcher) finish(ctx context.Context, status string) {
	hbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_ = w.db.Beat(hbCtx, w.workerID, status)
	w.logger.Info("watcher stopped", "status", status)
}

// sleep waits for the given duration, returning false when interrupted by a
// stop request
func (w *Watcher) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return !w.shouldStop(ctx)
	}
}

func (w *Watcher) idleBudget() time.Duration {
	if w.account.IdleTimeoutSecs > 0 {
		return time.Duration(w.account.IdleTimeoutSecs) * time.Second
	}
	return w.cfg.IdleTimeout
}

func (w *Watcher) keepalive() time.Duration {
	if w.account.KeepaliveSecs > 0 {
		return time.Duration(w.account.KeepaliveSecs) * time.Second
	}
	return w.cfg.Keepalive
}

func nextBackoff(current, ceiling time.Duration) time.Duration {
	next := current * 2
	if next > ceiling {
		return ceiling
	}
	return next
}

// withJitter spreads reconnect attempts out by up to 25%
func withJitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
