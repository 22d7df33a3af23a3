package models

import (
	"encoding/json"
	"time"
)

// Message lifecycle states. FETCHED marks a message captured but not yet
// quarantined; HELD marks it parked in the quarantine folder. RELEASED and
// DISCARDED are terminal.
const (
	StateFetched   = "FETCHED"
	StateHeld      = "HELD"
	StateReleased  = "RELEASED"
	StateDiscarded = "DISCARDED"
)

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// EmailMessage represents an intercepted email message
type EmailMessage struct {
	ID            int64      `db:"id"`
	AccountID     int64      `db:"account_id"`
	Direction     string     `db:"direction"`
	State         string     `db:"state"`
	FromAddr      string     `db:"from_addr"`
	FromName      string     `db:"from_name"`
	Recipients    string     `db:"recipients"` // JSON array, ordered, not deduplicated
	Subject       string     `db:"subject"`
	BodyText      string     `db:"body_text"`
	BodyHTML      string     `db:"body_html"`
	Raw           []byte     `db:"raw"`          // Inline raw payload, empty when spilled to RawPath
	RawPath       string     `db:"raw_path"`     // File pointer to the raw payload, preferred when set
	OriginalUID   *uint32    `db:"original_uid"` // Source-folder UID at capture time
	InternalDate  time.Time  `db:"internal_date"`
	CapturedAt    time.Time  `db:"captured_at"`
	ActionAt      *time.Time `db:"action_at"` // When released or discarded
	LatencyMs     *int64     `db:"latency_ms"`
	ReleasedMsgID string     `db:"released_msg_id"` // Message-ID assigned on release
	Notes         string     `db:"notes"`           // Free-text reviewer notes
	CreatedAt     time.Time  `db:"created_at"`
}

// RecipientList decodes the serialized recipient list.
func (m *EmailMessage) RecipientList() []string {
	var out []string
	if m.Recipients == "" {
		return out
	}
	_ = json.Unmarshal([]byte(m.Recipients), &out)
	return out
}

// SetRecipients serializes an ordered recipient list.
func (m *EmailMessage) SetRecipients(addrs []string) {
	b, err := json.Marshal(addrs)
	if err != nil {
		m.Recipients = "[]"
		return
	}
	m.Recipients = string(b)
}
