package message

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewNormalizesAndDefaultsTTL(t *testing.T) {
	m := New("Chat", " General ", nil, nil, 0, "azure")
	require.NotEmpty(t, m.ID)
	require.Equal(t, "chat", m.Channel)
	require.Equal(t, "general", m.Subchannel)
	require.Equal(t, DefaultTTL, m.TTL())
	require.JSONEq(t, "null", string(m.Content))
	require.False(t, m.Expired(time.Now()))
}

func TestEnvelopeUsesMillisecondDates(t *testing.T) {
	created := time.UnixMilli(1_700_000_000_123)
	m := Message{
		ID:       "m1",
		Channel:  "chat",
		Content:  json.RawMessage(`{"text":"hi"}`),
		Created:  created,
		Expiry:   created.Add(time.Hour),
		Provider: "azure",
	}
	b, err := MarshalEnvelope(m)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	require.Equal(t, float64(1_700_000_000_123), raw["date"])
	require.Equal(t, float64(1_700_003_600_123), raw["expiry"])
	require.Nil(t, raw["notification"])
	require.Contains(t, raw, "subchannel")
}

func TestUnmarshalEnvelopeFillsMissingParts(t *testing.T) {
	before := time.Now()
	m, err := UnmarshalEnvelope([]byte(`{"channel":"News","content":{"a":1}}`))
	require.NoError(t, err)
	require.NotEmpty(t, m.ID)
	require.Equal(t, "news", m.Channel)
	require.False(t, m.Created.Before(before.Truncate(time.Millisecond)))
	require.Equal(t, DefaultTTL, m.TTL())
	require.JSONEq(t, `{"a":1}`, string(m.Content))
}

func TestUnmarshalEnvelopeRejectsGarbage(t *testing.T) {
	_, err := UnmarshalEnvelope([]byte(`not json`))
	require.Error(t, err)
}

func TestOutboxStatus(t *testing.T) {
	tests := []struct {
		a    Action
		want string
	}{
		{Sending, "SENDING"},
		{Sent, "SENT"},
		{SendFailed, "FAILED"},
		{SendFailedWillRetry, "FAILED_WILL_RETRY"},
		{Created, ""},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, tt.a.OutboxStatus(), tt.a.String())
	}
}
