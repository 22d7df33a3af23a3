package release

import (
	"bytes"
	"fmt"
	"net/mail"
	"strings"

	"github.com/jhillyerd/enmime"

	"github.com/avolkov/mailhold/pkg/models"
)

// buildOutgoing reconstructs the message to re-deliver. The stored row fields
// carry any reviewer edits made while the message was held; request-level
// edits override them. Returns the encoded message, the filenames of removed
// attachments, and the original Message-Id (used for quarantine cleanup).
func buildOutgoing(raw []byte, msg *models.EmailMessage, req ReleaseRequest, outgoingID string) ([]byte, []string, string, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to parse stored message: %w", err)
	}
	origID := env.GetHeader("Message-Id")

	subject := msg.Subject
	if req.Subject != nil {
		subject = *req.Subject
	}
	text := msg.BodyText
	if req.BodyText != nil {
		text = *req.BodyText
	}
	html := msg.BodyHTML

	// A releasable message must carry some body; fall back to what the
	// original parse produced before giving up.
	if text == "" && html == "" {
		text = env.Text
		html = env.HTML
	}
	if text == "" && html == "" {
		text = "(no content)"
	}

	var removed []string
	if req.StripAttachments {
		for _, att := range env.Attachments {
			name := att.FileName
			if name == "" {
				name = "unnamed"
			}
			removed = append(removed, name)
		}
		if len(removed) > 0 {
			if text != "" {
				text += "\n\n"
			}
			text += "[attachments removed: " + strings.Join(removed, ", ") + "]"
		}
	}

	from := fromAddress(env, msg)
	recipients, ccs := recipientAddresses(env, msg)
	if len(recipients) == 0 && len(ccs) == 0 {
		return nil, nil, "", fmt.Errorf("message %d has no recipients", msg.ID)
	}

	b := enmime.Builder().
		From(from.Name, from.Address).
		ToAddrs(recipients).
		CCAddrs(ccs).
		Subject(subject).
		Header("Message-Id", outgoingID)
	if !msg.InternalDate.IsZero() {
		b = b.Date(msg.InternalDate)
	}
	if text != "" {
		b = b.Text([]byte(text))
	}
	if html != "" {
		b = b.HTML([]byte(html))
	}
	if !req.StripAttachments {
		for _, att := range env.Attachments {
			b = b.AddAttachment(att.Content, att.ContentType, att.FileName)
		}
		for _, inline := range env.Inlines {
			b = b.AddInline(inline.Content, inline.ContentType, inline.FileName, inline.ContentID)
		}
	}

	part, err := b.Build()
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to build outgoing message: %w", err)
	}

	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, nil, "", fmt.Errorf("failed to encode outgoing message: %w", err)
	}
	return buf.Bytes(), removed, origID, nil
}

// fromAddress prefers the parsed From header, falling back to the captured
// envelope fields
func fromAddress(env *enmime.Envelope, msg *models.EmailMessage) mail.Address {
	if addrs, err := env.AddressList("From"); err == nil && len(addrs) > 0 {
		return *addrs[0]
	}
	return mail.Address{Name: msg.FromName, Address: msg.FromAddr}
}

// recipientAddresses prefers the parsed To/Cc headers, falling back to the
// captured recipient list
func recipientAddresses(env *enmime.Envelope, msg *models.EmailMessage) ([]mail.Address, []mail.Address) {
	var tos, ccs []mail.Address
	if addrs, err := env.AddressList("To"); err == nil {
		for _, a := range addrs {
			tos = append(tos, *a)
		}
	}
	if addrs, err := env.AddressList("Cc"); err == nil {
		for _, a := range addrs {
			ccs = append(ccs, *a)
		}
	}
	if len(tos) == 0 && len(ccs) == 0 {
		for _, addr := range msg.RecipientList() {
			tos = append(tos, mail.Address{Address: addr})
		}
	}
	return tos, ccs
}
