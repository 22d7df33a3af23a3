package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// Config holds everything needed to open one IMAP session. The password is
// already decrypted by the caller.
type Config struct {
	Addr        string // host:port
	Username    string
	Password    string
	UseTLS      bool
	DialTimeout time.Duration
}

// FolderStatus is the result of selecting a folder
type FolderStatus struct {
	UIDValidity uint32 // Folder generation token; a change invalidates stored UIDs
	UIDNext     uint32
	NumMessages uint32
}

// Envelope carries the parsed header fields of a fetched message
type Envelope struct {
	From      string
	FromName  string
	To        []string // Ordered, not deduplicated
	Subject   string
	MessageID string
	Date      time.Time
}

// Message is one fetched message with its raw payload
type Message struct {
	UID          uint32
	Raw          []byte
	InternalDate time.Time
	Envelope     Envelope
}

// Session wraps a live IMAP connection to one remote mailbox. Capabilities
// are probed once at connect time and cached.
type Session struct {
	cli          *imapclient.Client
	logger       *slog.Logger
	supportsMove bool
	supportsIdle bool
	changed      chan struct{}
}

// Dial connects, authenticates and probes capabilities
func Dial(cfg Config, logger *slog.Logger) (*Session, error) {
	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	changed := make(chan struct{}, 1)
	opts := &imapclient.Options{
		Dialer: &net.Dialer{Timeout: timeout},
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages == nil {
					return
				}
				select {
				case changed <- struct{}{}:
				default:
				}
			},
		},
	}

	var cli *imapclient.Client
	var err error
	if cfg.UseTLS {
		cli, err = imapclient.DialTLS(cfg.Addr, opts)
	} else {
		cli, err = imapclient.DialStartTLS(cfg.Addr, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Addr, err)
	}

	if err := cli.Login(cfg.Username, cfg.Password).Wait(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to login: %w", err)
	}

	caps := cli.Caps()
	s := &Session{
		cli:          cli,
		logger:       logger.With("component", "imap_session", "addr", cfg.Addr),
		supportsMove: caps.Has(imap.CapMove),
		supportsIdle: caps.Has(imap.CapIdle),
		changed:      changed,
	}
	s.logger.Debug("connected", "move", s.supportsMove, "idle", s.supportsIdle)
	return s, nil
}

// SupportsMove reports whether the server advertises native MOVE
func (s *Session) SupportsMove() bool { return s.supportsMove }

// SupportsIdle reports whether the server advertises IDLE
func (s *Session) SupportsIdle() bool { return s.supportsIdle }

// Select selects a folder and returns its status
func (s *Session) Select(folder string) (*FolderStatus, error) {
	data, err := s.cli.Select(folder, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", folder, err)
	}
	return &FolderStatus{
		UIDValidity: data.UIDValidity,
		UIDNext:     uint32(data.UIDNext),
		NumMessages: data.NumMessages,
	}, nil
}

// SearchAfter returns the UIDs beyond the given watermark in ascending order
func (s *Session) SearchAfter(after uint32) ([]uint32, error) {
	var set imap.UIDSet
	set.AddRange(imap.UID(after+1), 0) // 0 means * (all)

	criteria := &imap.SearchCriteria{UID: []imap.UIDSet{set}}
	data, err := s.cli.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	uids := make([]uint32, 0, len(data.AllUIDs()))
	for _, uid := range data.AllUIDs() {
		uids = append(uids, uint32(uid))
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// SearchHeader returns the UIDs of messages whose header field matches value
func (s *Session) SearchHeader(key, value string) ([]uint32, error) {
	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: key, Value: value}},
	}
	data, err := s.cli.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("failed to search header %s: %w", key, err)
	}
	uids := make([]uint32, 0, len(data.AllUIDs()))
	for _, uid := range data.AllUIDs() {
		uids = append(uids, uint32(uid))
	}
	return uids, nil
}

// FetchRaw fetches one message: raw payload, internal date and envelope
func (s *Session) FetchRaw(uid uint32) (*Message, error) {
	uidSet := imap.UIDSetNum(imap.UID(uid))
	fetchOpts := &imap.FetchOptions{
		UID:          true,
		Envelope:     true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{{}},
	}
	bufs, err := s.cli.Fetch(uidSet, fetchOpts).Collect()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch uid %d: %w", uid, err)
	}
	if len(bufs) == 0 {
		return nil, fmt.Errorf("uid %d not found", uid)
	}

	buf := bufs[0]
	body := buf.FindBodySection(&imap.FetchItemBodySection{})
	msg := &Message{
		UID:          uint32(buf.UID),
		Raw:          append([]byte(nil), body...),
		InternalDate: buf.InternalDate,
	}
	if env := buf.Envelope; env != nil {
		msg.Envelope.Subject = env.Subject
		msg.Envelope.MessageID = env.MessageID
		msg.Envelope.Date = env.Date
		if len(env.From) > 0 {
			msg.Envelope.From = env.From[0].Addr()
			msg.Envelope.FromName = env.From[0].Name
		}
		for _, addr := range env.To {
			msg.Envelope.To = append(msg.Envelope.To, addr.Addr())
		}
		for _, addr := range env.Cc {
			msg.Envelope.To = append(msg.Envelope.To, addr.Addr())
		}
	}
	return msg, nil
}

// Move performs a native MOVE of the given UIDs
func (s *Session) Move(uids []uint32, folder string) error {
	if !s.supportsMove {
		return errors.New("server does not advertise MOVE")
	}
	if _, err := s.cli.Move(toUIDSet(uids), folder).Wait(); err != nil {
		return fmt.Errorf("failed to move to %s: %w", folder, err)
	}
	return nil
}

// Copy copies the given UIDs into a folder
func (s *Session) Copy(uids []uint32, folder string) error {
	if _, err := s.cli.Copy(toUIDSet(uids), folder).Wait(); err != nil {
		return fmt.Errorf("failed to copy to %s: %w", folder, err)
	}
	return nil
}

// MarkDeleted adds the \Deleted flag to the given UIDs
func (s *Session) MarkDeleted(uids []uint32) error {
	store := &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}
	if err := s.cli.Store(toUIDSet(uids), store, nil).Close(); err != nil {
		return fmt.Errorf("failed to mark deleted: %w", err)
	}
	return nil
}

// Expunge permanently removes messages flagged \Deleted from the selected folder
func (s *Session) Expunge() error {
	if err := s.cli.Expunge().Close(); err != nil {
		return fmt.Errorf("failed to expunge: %w", err)
	}
	return nil
}

// EnsureFolder creates a folder, tolerating one that already exists
func (s *Session) EnsureFolder(folder string) error {
	err := s.cli.Create(folder, nil).Wait()
	if err == nil {
		return nil
	}
	var imapErr *imap.Error
	if errors.As(err, &imapErr) && imapErr.Code == imap.ResponseCodeAlreadyExists {
		return nil
	}
	return fmt.Errorf("failed to create folder %s: %w", folder, err)
}

// Append appends a raw message to a folder, preserving the given internal
// date so the message sorts correctly among its neighbors
func (s *Session) Append(folder string, raw []byte, internalDate time.Time) error {
	appendOpts := &imap.AppendOptions{}
	if !internalDate.IsZero() {
		appendOpts.Time = internalDate
	}
	cmd := s.cli.Append(folder, int64(len(raw)), appendOpts)
	if _, err := cmd.Write(raw); err != nil {
		_ = cmd.Close()
		return fmt.Errorf("failed to write append payload: %w", err)
	}
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("failed to close append: %w", err)
	}
	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("failed to append to %s: %w", folder, err)
	}
	return nil
}

// Noop issues a NOOP, used as an idle keep-alive
func (s *Session) Noop() error {
	if err := s.cli.Noop().Wait(); err != nil {
		return fmt.Errorf("failed to noop: %w", err)
	}
	return nil
}

// WaitForChanges blocks until the server signals a mailbox change, the budget
// elapses, or ctx is cancelled. It returns whether a change was signalled.
// With IDLE support the wait is a real long-poll, self-interrupted every
// keepalive interval for a NOOP so the session does not die silently; without
// it the wait degrades to a plain sleep and the caller re-scans afterwards.
func (s *Session) WaitForChanges(ctx context.Context, budget, keepalive time.Duration) (bool, error) {
	if !s.supportsIdle {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-s.changed:
			return true, nil
		case <-time.After(budget):
			return false, nil
		}
	}

	deadline := time.NewTimer(budget)
	defer deadline.Stop()
	keep := time.NewTicker(keepalive)
	defer keep.Stop()

	for {
		idle, err := s.cli.Idle()
		if err != nil {
			return false, fmt.Errorf("failed to start idle: %w", err)
		}

		select {
		case <-ctx.Done():
			_ = idle.Close()
			_ = idle.Wait()
			return false, ctx.Err()
		case <-s.changed:
			_ = idle.Close()
			_ = idle.Wait()
			return true, nil
		case <-deadline.C:
			_ = idle.Close()
			_ = idle.Wait()
			return false, nil
		case <-keep.C:
			if err := idle.Close(); err != nil {
				return false, fmt.Errorf("failed to stop idle: %w", err)
			}
			if err := idle.Wait(); err != nil {
				return false, fmt.Errorf("idle failed: %w", err)
			}
			if err := s.Noop(); err != nil {
				return false, err
			}
		}
	}
}

// Close logs out and closes the connection
func (s *Session) Close() error {
	if err := s.cli.Logout().Wait(); err != nil {
		return s.cli.Close()
	}
	return s.cli.Close()
}

func toUIDSet(uids []uint32) imap.UIDSet {
	var set imap.UIDSet
	for _, uid := range uids {
		set.AddNum(imap.UID(uid))
	}
	return set
}
