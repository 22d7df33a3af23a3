package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avolkov/mailhold/internal/database"
	"github.com/avolkov/mailhold/internal/vault"
	"github.com/avolkov/mailhold/pkg/models"
)

// Supervisor is the process-wide registry of running watchers, keyed by
// account id. Start and Stop are its only public mutators and both are
// idempotent.
type Supervisor struct {
	mu      sync.Mutex
	running map[int64]*runningWatcher

	db       *database.DB
	vault    *vault.Vault
	cfg      Config
	dial     Dialer
	notifier Notifier
	logger   *slog.Logger
}

type runningWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor creates the watcher registry
func NewSupervisor(db *database.DB, v *vault.Vault, cfg Config, dial Dialer, notifier Notifier, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		running:  make(map[int64]*runningWatcher),
		db:       db,
		vault:    v,
		cfg:      cfg,
		dial:     dial,
		notifier: notifier,
		logger:   logger.With("component", "supervisor"),
	}
}

// Start launches a watcher for the account. Starting an already-running
// account is a no-op. The watcher goroutine outlives the caller's context.
func (s *Supervisor) Start(ctx context.Context, accountID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.running[accountID]; exists {
		return nil
	}

	account, err := s.db.GetAccountByID(ctx, accountID)
	if err != nil {
		return err
	}

	password, err := s.vault.Decrypt(account.Password)
	if err != nil {
		return fmt.Errorf("failed to decrypt account secret: %w", err)
	}
	if password == "" {
		return fmt.Errorf("decrypted secret for account %d is empty", accountID)
	}

	// An explicit start re-arms a parked account and clears a pending stop.
	if err := s.db.SetAccountActive(ctx, accountID, true, ""); err != nil {
		return err
	}
	account.IsActive = true
	account.LastError = ""
	if err := s.db.UpsertHeartbeat(ctx, account.WorkerID(), "starting"); err != nil {
		return err
	}

	w := New(account, password, s.db, s.cfg, s.dial, s.notifier, s.logger)

	wctx, cancel := context.WithCancel(context.Background())
	rw := &runningWatcher{cancel: cancel, done: make(chan struct{})}
	s.running[accountID] = rw

	go func() {
		defer close(rw.done)
		w.Run(wctx)
		s.forget(accountID, rw)
	}()

	s.logger.Info("watcher started", "account_id", accountID, "email", account.Email)
	return nil
}

// Stop requests a graceful shutdown of the account's watcher and waits for it
// with a bounded grace period. Stopping a not-running account is a no-op.
func (s *Supervisor) Stop(ctx context.Context, accountID int64) error {
	s.mu.Lock()
	rw, exists := s.running[accountID]
	s.mu.Unlock()

	if !exists {
		return nil
	}

	workerID := models.WatcherWorkerID(accountID)
	if err := s.db.RequestStop(ctx, workerID, true); err != nil {
		s.logger.Warn("failed to set stop flag", "account_id", accountID, "error", err)
	}
	rw.cancel()

	select {
	case <-rw.done:
	case <-time.After(10 * time.Second):
		s.logger.Warn("watcher did not stop within grace period", "account_id", accountID)
	}

	s.forget(accountID, rw)
	s.logger.Info("watcher stopped", "account_id", accountID)
	return nil
}

// Running reports whether a watcher is registered for the account
func (s *Supervisor) Running(accountID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.running[accountID]
	return exists
}

// RestoreAll starts watchers for every active account, used at boot
func (s *Supervisor) RestoreAll(ctx context.Context) {
	accounts, err := s.db.GetAllActiveAccounts(ctx)
	if err != nil {
		s.logger.Error("failed to load active accounts", "error", err)
		return
	}

	s.logger.Info("restoring watchers", "count", len(accounts))
	for _, account := range accounts {
		if err := s.Start(ctx, account.ID); err != nil {
			s.logger.Error("failed to restore watcher", "account_id", account.ID, "error", err)
		}
	}
}

// StopAll stops every running watcher, used on shutdown
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Stop(ctx, id); err != nil {
			s.logger.Warn("failed to stop watcher", "account_id", id, "error", err)
		}
	}
}

// forget removes a registry entry if it still points at the same watcher
func (s *Supervisor) forget(accountID int64, rw *runningWatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, exists := s.running[accountID]; exists && current == rw {
		delete(s.running, accountID)
	}
}
