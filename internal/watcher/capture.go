package watcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/avolkov/mailhold/internal/session"
	"github.com/avolkov/mailhold/pkg/models"
)

// buildRow turns a fetched message into a FETCHED message row. The raw
// payload is made durable here, before the source copy is touched: either
// inline or spilled to a file when it exceeds the inline limit.
func (w *Watcher) buildRow(ctx context.Context, msg *session.Message) (*models.EmailMessage, error) {
	uid := msg.UID
	row := &models.EmailMessage{
		AccountID:    w.account.ID,
		Direction:    models.DirectionInbound,
		State:        models.StateFetched,
		FromAddr:     msg.Envelope.From,
		FromName:     msg.Envelope.FromName,
		Subject:      msg.Envelope.Subject,
		OriginalUID:  &uid,
		InternalDate: msg.InternalDate,
		CapturedAt:   time.Now(),
	}
	if row.InternalDate.IsZero() {
		row.InternalDate = msg.Envelope.Date
	}
	if row.InternalDate.IsZero() {
		row.InternalDate = row.CapturedAt
	}
	row.SetRecipients(msg.Envelope.To)

	bodyText, bodyHTML := extractBodies(msg.Raw, w.logger)
	row.BodyText = bodyText
	row.BodyHTML = bodyHTML
	if row.BodyText == "" && row.BodyHTML != "" && w.htmlParser != nil {
		if text, err := w.htmlParser.Parse(row.BodyHTML); err == nil {
			row.BodyText = text
		}
	}

	if w.cfg.RawStorePath != "" && len(msg.Raw) > w.cfg.InlineRawLimit {
		path, err := w.spillRaw(msg.Raw)
		if err != nil {
			return nil, err
		}
		row.RawPath = path
	} else {
		row.Raw = msg.Raw
	}

	return row, nil
}

// spillRaw persists a large raw payload to the raw store and returns its path
func (w *Watcher) spillRaw(raw []byte) (string, error) {
	dir := filepath.Join(w.cfg.RawStorePath, fmt.Sprintf("%d", w.account.ID))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create raw store dir: %w", err)
	}
	path := filepath.Join(dir, uuid.NewString()+".eml")
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return "", fmt.Errorf("failed to write raw payload: %w", err)
	}
	return path, nil
}

// extractBodies pulls the text/plain and text/html inline parts out of a raw
// message. Parse problems degrade to empty bodies; the raw payload stays the
// source of truth.
func extractBodies(raw []byte, logger *slog.Logger) (string, string) {
	var bodyText, bodyHTML string

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		logger.Warn("failed to create mail reader", "error", err)
		return "", ""
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.Warn("failed to read part", "error", err)
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}

			if strings.HasPrefix(ct, "text/html") {
				bodyHTML = string(body)
			} else if strings.HasPrefix(ct, "text/plain") {
				bodyText = string(body)
			}
		}
	}

	return bodyText, bodyHTML
}
