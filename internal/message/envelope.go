package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// envelope is the wire form: dates are milliseconds since the Unix epoch.
type envelope struct {
	ID           string          `json:"id"`
	Channel      string          `json:"channel"`
	Subchannel   string          `json:"subchannel"`
	Content      json.RawMessage `json:"content"`
	Date         *int64          `json:"date"`
	Expiry       *int64          `json:"expiry"`
	Notification *string         `json:"notification"`
	Provider     string          `json:"provider,omitempty"`
}

// MarshalEnvelope encodes m as the broker envelope JSON.
func MarshalEnvelope(m Message) ([]byte, error) {
	date := m.Created.UnixMilli()
	expiry := m.Expiry.UnixMilli()
	env := envelope{
		ID:           m.ID,
		Channel:      m.Channel,
		Subchannel:   m.Subchannel,
		Content:      normalizeContent(m.Content),
		Date:         &date,
		Expiry:       &expiry,
		Notification: m.Notification,
		Provider:     m.Provider,
	}
	return json.Marshal(env)
}

// UnmarshalEnvelope decodes the broker envelope JSON and fills in missing parts
// (id, date, expiry) the way a freshly created message would have them.
func UnmarshalEnvelope(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	m := Message{
		ID:           env.ID,
		Channel:      env.Channel,
		Subchannel:   env.Subchannel,
		Content:      env.Content,
		Notification: env.Notification,
		Provider:     env.Provider,
	}
	if env.Date != nil {
		m.Created = time.UnixMilli(*env.Date)
	}
	if env.Expiry != nil {
		m.Expiry = time.UnixMilli(*env.Expiry)
	}
	m.Normalize()
	return m, nil
}
