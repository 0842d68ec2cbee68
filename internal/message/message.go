// Package message defines the message model shared by the stores, the
// delivery engine and the broker connections.
package message

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL applies when a message is created without a time-to-live.
const DefaultTTL = 24 * time.Hour

// Message is a unit of application data addressed to channel/subchannel.
type Message struct {
	ID           string
	Channel      string
	Subchannel   string
	Content      json.RawMessage
	Notification *string
	Created      time.Time
	Expiry       time.Time
	Provider     string
}

// New builds a message with a fresh id. A zero ttl means DefaultTTL.
func New(channel, subchannel string, content json.RawMessage, notification *string, ttl time.Duration, provider string) Message {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	return Message{
		ID:           NewID(),
		Channel:      NormalizeChannel(channel),
		Subchannel:   NormalizeChannel(subchannel),
		Content:      normalizeContent(content),
		Notification: notification,
		Created:      now,
		Expiry:       now.Add(ttl),
		Provider:     provider,
	}
}

// NewID returns a globally unique message id.
func NewID() string { return uuid.NewString() }

// NormalizeChannel lower-cases a channel or subchannel name.
func NormalizeChannel(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// TTL is Expiry - Created; it is negative for a malformed message.
func (m Message) TTL() time.Duration { return m.Expiry.Sub(m.Created) }

// Expired reports whether the message's expiry is at or before now.
func (m Message) Expired(now time.Time) bool { return !m.Expiry.After(now) }

// String is used in log lines.
func (m Message) String() string {
	return m.ID + " (" + m.Channel + "/" + m.Subchannel + ")"
}

// Normalize lower-cases the addressing fields and fills in any missing id, dates and content.
func (m *Message) Normalize() {
	m.Channel = NormalizeChannel(m.Channel)
	m.Subchannel = NormalizeChannel(m.Subchannel)
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.Created.IsZero() {
		m.Created = time.Now()
	}
	if m.Expiry.IsZero() {
		m.Expiry = m.Created.Add(DefaultTTL)
	}
	m.Content = normalizeContent(m.Content)
}

func normalizeContent(c json.RawMessage) json.RawMessage {
	c = bytes.TrimSpace(c)
	if len(c) == 0 {
		return json.RawMessage("null")
	}
	return c
}

// StringPtr is a small helper for building notifications.
func StringPtr(s string) *string { return &s }
