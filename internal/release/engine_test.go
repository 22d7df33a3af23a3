package release

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avolkov/mailhold/internal/database"
	"github.com/avolkov/mailhold/internal/session"
	"github.com/avolkov/mailhold/internal/vault"
	"github.com/avolkov/mailhold/pkg/models"
)

const engineTestKey = "0123456789abcdef0123456789abcdef"

const rawSimple = "From: Sender <sender@example.com>\r\n" +
	"To: user@example.com\r\n" +
	"Subject: INVOICE 42\r\n" +
	"Message-Id: <orig-1@example.com>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Please pay promptly.\r\n"

const rawWithAttachment = "From: Sender <sender@example.com>\r\n" +
	"To: user@example.com\r\n" +
	"Subject: INVOICE 42\r\n" +
	"Message-Id: <orig-2@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"outer\"\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Please see attached.\r\n" +
	"--outer\r\n" +
	"Content-Type: application/pdf; name=\"report.pdf\"\r\n" +
	"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi0xLjQK\r\n" +
	"--outer--\r\n"

// fakeSession records every call so tests can assert the append payload and
// the cleanup sequence.
type fakeSession struct {
	ops        []string
	appended   [][]byte
	appendErr  error
	searchUIDs []uint32
	closed     bool
}

func (f *fakeSession) EnsureFolder(folder string) error {
	f.ops = append(f.ops, "ensure "+folder)
	return nil
}

func (f *fakeSession) Append(folder string, raw []byte, internalDate time.Time) error {
	f.ops = append(f.ops, "append "+folder)
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appended = append(f.appended, raw)
	return nil
}

func (f *fakeSession) Select(folder string) (*session.FolderStatus, error) {
	f.ops = append(f.ops, "select "+folder)
	return &session.FolderStatus{}, nil
}

func (f *fakeSession) SearchHeader(key, value string) ([]uint32, error) {
	f.ops = append(f.ops, fmt.Sprintf("search %s=%s", key, value))
	return f.searchUIDs, nil
}

func (f *fakeSession) MarkDeleted(uids []uint32) error {
	f.ops = append(f.ops, fmt.Sprintf("delete %v", uids))
	return nil
}

func (f *fakeSession) Expunge() error {
	f.ops = append(f.ops, "expunge")
	return nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

type engineFixture struct {
	engine  *Engine
	db      *database.DB
	account *models.EmailAccount
	sess    *fakeSession
	dials   int
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	db, err := database.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	v, err := vault.New(engineTestKey)
	require.NoError(t, err)
	encrypted, err := v.Encrypt("secret")
	require.NoError(t, err)

	account := &models.EmailAccount{
		Email: "user@example.com", Host: "imap.example.com", Port: 993,
		Username: "user@example.com", Password: encrypted, UseTLS: true,
		SourceFolder: "INBOX", QuarantineFolder: "Quarantine", IsActive: true,
	}
	require.NoError(t, db.CreateAccount(context.Background(), account))

	fix := &engineFixture{db: db, account: account, sess: &fakeSession{}}
	dial := func(cfg session.Config) (Session, error) {
		fix.dials++
		return fix.sess, nil
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fix.engine = NewEngine(db, v, dial, time.Second, logger)
	return fix
}

func (f *engineFixture) heldMessage(t *testing.T, raw string, uid uint32) *models.EmailMessage {
	t.Helper()
	u := uid
	msg := &models.EmailMessage{
		AccountID:    f.account.ID,
		Direction:    models.DirectionInbound,
		State:        models.StateHeld,
		FromAddr:     "sender@example.com",
		FromName:     "Sender",
		Subject:      "INVOICE 42",
		Raw:          []byte(raw),
		OriginalUID:  &u,
		InternalDate: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		CapturedAt:   time.Date(2025, 3, 1, 12, 0, 5, 0, time.UTC),
	}
	msg.SetRecipients([]string{"user@example.com"})
	require.NoError(t, f.db.CreateMessage(context.Background(), msg))
	return msg
}

func TestReleaseDeliversAndRetiresRow(t *testing.T) {
	fix := newEngineFixture(t)
	msg := fix.heldMessage(t, rawSimple, 1)
	fix.sess.searchUIDs = []uint32{9}
	ctx := context.Background()

	result, err := fix.engine.Release(ctx, ReleaseRequest{MessageID: msg.ID})
	require.NoError(t, err)

	assert.Equal(t, "INBOX", result.ReleasedTo)
	assert.Regexp(t, `^<.+@mailhold>$`, result.OutgoingMessageID)
	assert.Empty(t, result.AttachmentsRemoved)

	require.Len(t, fix.sess.appended, 1)
	env, err := enmime.ReadEnvelope(bytes.NewReader(fix.sess.appended[0]))
	require.NoError(t, err)
	assert.Equal(t, "INVOICE 42", env.GetHeader("Subject"))
	assert.Equal(t, result.OutgoingMessageID, env.GetHeader("Message-Id"))
	assert.Contains(t, env.Text, "Please pay promptly.")

	// The quarantine copy is purged by original Message-Id
	assert.Equal(t, []string{
		"ensure INBOX",
		"append INBOX",
		"select Quarantine",
		"search Message-Id=<orig-1@example.com>",
		"delete [9]",
		"expunge",
	}, fix.sess.ops)
	assert.True(t, fix.sess.closed)

	stored, err := fix.db.GetMessageByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateReleased, stored.State)
	assert.Equal(t, result.OutgoingMessageID, stored.ReleasedMsgID)
}

func TestReleaseIsIdempotent(t *testing.T) {
	fix := newEngineFixture(t)
	msg := fix.heldMessage(t, rawSimple, 1)
	ctx := context.Background()

	_, err := fix.engine.Release(ctx, ReleaseRequest{MessageID: msg.ID})
	require.NoError(t, err)

	// The second call must not dial, let alone append
	_, err = fix.engine.Release(ctx, ReleaseRequest{MessageID: msg.ID})
	assert.ErrorIs(t, err, database.ErrNotHeld)
	assert.Equal(t, 1, fix.dials)
}

func TestReleaseUnknownMessage(t *testing.T) {
	fix := newEngineFixture(t)

	_, err := fix.engine.Release(context.Background(), ReleaseRequest{MessageID: 999})
	assert.ErrorIs(t, err, database.ErrNotFound)
	assert.Zero(t, fix.dials)
}

func TestReleaseCarriesReviewerEdits(t *testing.T) {
	fix := newEngineFixture(t)
	msg := fix.heldMessage(t, rawSimple, 1)
	ctx := context.Background()

	subject := "[EDITED] INVOICE 42"
	body := "Amount corrected to 100 EUR."
	require.NoError(t, fix.engine.Edit(ctx, msg.ID, &subject, &body, nil, nil))

	result, err := fix.engine.Release(ctx, ReleaseRequest{MessageID: msg.ID, TargetFolder: "Reviewed"})
	require.NoError(t, err)
	assert.Equal(t, "Reviewed", result.ReleasedTo)

	require.Len(t, fix.sess.appended, 1)
	env, err := enmime.ReadEnvelope(bytes.NewReader(fix.sess.appended[0]))
	require.NoError(t, err)
	assert.Equal(t, "[EDITED] INVOICE 42", env.GetHeader("Subject"))
	assert.Contains(t, env.Text, "Amount corrected to 100 EUR.")
	assert.NotContains(t, env.Text, "Please pay promptly.")
}

func TestReleaseStripsAttachments(t *testing.T) {
	fix := newEngineFixture(t)
	msg := fix.heldMessage(t, rawWithAttachment, 2)
	ctx := context.Background()

	result, err := fix.engine.Release(ctx, ReleaseRequest{MessageID: msg.ID, StripAttachments: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"report.pdf"}, result.AttachmentsRemoved)

	require.Len(t, fix.sess.appended, 1)
	env, err := enmime.ReadEnvelope(bytes.NewReader(fix.sess.appended[0]))
	require.NoError(t, err)
	assert.Empty(t, env.Attachments)
	assert.Contains(t, env.Text, "[attachments removed: report.pdf]")
}

func TestReleaseKeepsAttachmentsByDefault(t *testing.T) {
	fix := newEngineFixture(t)
	msg := fix.heldMessage(t, rawWithAttachment, 2)

	result, err := fix.engine.Release(context.Background(), ReleaseRequest{MessageID: msg.ID})
	require.NoError(t, err)
	assert.Empty(t, result.AttachmentsRemoved)

	env, err := enmime.ReadEnvelope(bytes.NewReader(fix.sess.appended[0]))
	require.NoError(t, err)
	require.Len(t, env.Attachments, 1)
	assert.Equal(t, "report.pdf", env.Attachments[0].FileName)
}

func TestReleaseFailsWithoutRawPayload(t *testing.T) {
	fix := newEngineFixture(t)
	ctx := context.Background()

	uid := uint32(3)
	msg := &models.EmailMessage{
		AccountID: fix.account.ID, State: models.StateHeld,
		FromAddr: "sender@example.com", OriginalUID: &uid, CapturedAt: time.Now(),
	}
	msg.SetRecipients([]string{"user@example.com"})
	require.NoError(t, fix.db.CreateMessage(ctx, msg))

	_, err := fix.engine.Release(ctx, ReleaseRequest{MessageID: msg.ID})
	assert.ErrorIs(t, err, ErrRawMissing)

	stored, err := fix.db.GetMessageByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateHeld, stored.State)
}

func TestReleaseAppendFailureLeavesRowHeld(t *testing.T) {
	fix := newEngineFixture(t)
	msg := fix.heldMessage(t, rawSimple, 1)
	fix.sess.appendErr = errors.New("mailbox over quota")
	ctx := context.Background()

	_, err := fix.engine.Release(ctx, ReleaseRequest{MessageID: msg.ID})
	assert.ErrorIs(t, err, ErrAppendFailed)

	// Row stays HELD so the operator can retry
	stored, err := fix.db.GetMessageByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateHeld, stored.State)

	fix.sess.appendErr = nil
	_, err = fix.engine.Release(ctx, ReleaseRequest{MessageID: msg.ID})
	require.NoError(t, err)
}

func TestReleaseRecordsLatency(t *testing.T) {
	fix := newEngineFixture(t)
	msg := fix.heldMessage(t, rawSimple, 1)
	ctx := context.Background()

	fix.engine.now = func() time.Time { return msg.CapturedAt.Add(5 * time.Second) }

	_, err := fix.engine.Release(ctx, ReleaseRequest{MessageID: msg.ID})
	require.NoError(t, err)

	stored, err := fix.db.GetMessageByID(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LatencyMs)
	assert.Equal(t, int64(5000), *stored.LatencyMs)
	require.NotNil(t, stored.ActionAt)
}

func TestDiscard(t *testing.T) {
	fix := newEngineFixture(t)
	msg := fix.heldMessage(t, rawSimple, 1)
	ctx := context.Background()

	fix.engine.now = func() time.Time { return msg.CapturedAt.Add(5 * time.Second) }

	require.NoError(t, fix.engine.Discard(ctx, msg.ID))
	assert.Zero(t, fix.dials)

	stored, err := fix.db.GetMessageByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateDiscarded, stored.State)
	require.NotNil(t, stored.LatencyMs)
	assert.Equal(t, int64(5000), *stored.LatencyMs)

	assert.ErrorIs(t, fix.engine.Discard(ctx, msg.ID), database.ErrNotHeld)
	assert.ErrorIs(t, fix.engine.Discard(ctx, 999), database.ErrNotFound)
}

func TestListHeldSummaries(t *testing.T) {
	fix := newEngineFixture(t)
	msg := fix.heldMessage(t, rawSimple, 1)
	ctx := context.Background()

	fix.engine.now = func() time.Time { return msg.CapturedAt.Add(90 * time.Second) }

	summaries, err := fix.engine.ListHeld(ctx, nil)
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	s := summaries[0]
	assert.Equal(t, msg.ID, s.ID)
	assert.Equal(t, "sender@example.com", s.Sender)
	assert.Equal(t, []string{"user@example.com"}, s.Recipients)
	assert.Equal(t, "INVOICE 42", s.Subject)
	assert.Equal(t, int64(90000), s.LatencyMs)
}
