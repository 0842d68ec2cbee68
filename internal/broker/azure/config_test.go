package azure

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/xml"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigFromPreferences(t *testing.T) {
	cfg, err := ConfigFromPreferences(Preferences{
		PrefHostName:   "servicebus.windows.net",
		PrefNamespace:  "acme",
		PrefSASKeyName: "send",
		PrefSASKey:     "secret",
		PrefBrokerType: "Topic",
		PrefAutoCreate: "true",
		"unrelated":    "ignored",
	})
	require.NoError(t, err)
	require.True(t, cfg.UseTopics())
	require.True(t, cfg.AutoCreate)
	require.Equal(t, "https://acme.servicebus.windows.net/", cfg.BaseURL())
	require.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout)
	require.Equal(t, 295, cfg.ServerTimeout())
	require.NotNil(t, cfg.SharedAccess)
	require.Nil(t, cfg.AccessControl)
}

func TestConfigFromPreferencesErrors(t *testing.T) {
	base := func() Preferences {
		return Preferences{PrefHostName: "h", PrefNamespace: "n", PrefSASKeyName: "k", PrefSASKey: "v"}
	}
	tests := []struct {
		name   string
		mutate func(Preferences)
	}{
		{"bad bool", func(p Preferences) { p[PrefAutoCreate] = "yes please" }},
		{"bad broker type", func(p Preferences) { p[PrefBrokerType] = "stream" }},
		{"no namespace", func(p Preferences) { delete(p, PrefNamespace) }},
		{"no key", func(p Preferences) { delete(p, PrefSASKey) }},
		{"no credentials", func(p Preferences) { delete(p, PrefSASKey); delete(p, PrefSASKeyName) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base()
			tt.mutate(p)
			_, err := ConfigFromPreferences(p)
			require.Error(t, err)
		})
	}
}

func TestAccessControlPreferences(t *testing.T) {
	cfg, err := ConfigFromPreferences(Preferences{
		PrefHostName:    "servicebus.windows.net",
		PrefNamespace:   "acme",
		PrefACSHostName: "accesscontrol.windows.net",
		PrefACSOwner:    "owner",
		PrefACSKey:      "key",
	})
	require.NoError(t, err)
	require.False(t, cfg.UseTopics())
	require.Equal(t, "https://acme-sb.accesscontrol.windows.net/WRAPv0.9/", cfg.TokenURL())
	require.Equal(t, "http://acme.servicebus.windows.net/", cfg.Scope())

	form := tokenForm(cfg)
	require.Equal(t, "owner", form.Get("wrap_name"))
	require.Equal(t, "key", form.Get("wrap_password"))
	require.Equal(t, cfg.Scope(), form.Get("wrap_scope"))
}

func TestSharedAccessSignature(t *testing.T) {
	expires := time.Unix(1700000000, 0)
	uri := "https://acme.servicebus.windows.net/chat"
	got := sharedAccessSignature(uri, "send", "secret", expires)

	encoded := url.QueryEscape(uri)
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(encoded + "\n1700000000"))
	sig := url.QueryEscape(base64.StdEncoding.EncodeToString(mac.Sum(nil)))

	require.Equal(t, "SharedAccessSignature sig="+sig+"&se=1700000000&skn=send&sr="+encoded, got)
}

func TestSASIsCachedPerPathAndReset(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cfg := sasConfig()
	creds := newCredentials(cfg, func() time.Time { return now })

	a := creds.authorization("chat")
	require.Equal(t, a, creds.authorization("chat"))
	b := creds.authorization("other")
	require.NotEqual(t, a, b)
	require.False(t, creds.needsToken())

	now = now.Add(time.Minute)
	require.Equal(t, a, creds.authorization("chat"), "still cached")
	creds.reset()
	fresh := creds.authorization("chat")
	require.NotEqual(t, a, fresh)
	require.Contains(t, fresh, "se="+strconv.FormatInt(now.Add(sasValidity).Unix(), 10))

	now = now.Add(sasValidity)
	require.NotEqual(t, fresh, creds.authorization("chat"), "renewed near expiry")
}

func TestWrapCredentials(t *testing.T) {
	creds := newCredentials(wrapConfig(), time.Now)
	require.True(t, creds.needsToken())
	token, ok := parseToken([]byte("wrap_access_token=net%2fabc%3d&wrap_access_token_expires_in=1200"))
	require.True(t, ok)
	creds.setToken(token)
	require.False(t, creds.needsToken())
	require.Equal(t, `WRAP access_token="net/abc="`, creds.authorization("chat"))
	creds.reset()
	require.True(t, creds.needsToken())

	_, ok = parseToken([]byte("error=denied"))
	require.False(t, ok)
}

func TestDescriptorsAreAtomEntries(t *testing.T) {
	type entry struct {
		XMLName xml.Name `xml:"http://www.w3.org/2005/Atom entry"`
		Title   string   `xml:"title"`
		Content struct {
			Type  string `xml:"type,attr"`
			Inner string `xml:",innerxml"`
		} `xml:"content"`
	}
	tests := []struct {
		body []byte
		want string
	}{
		{queueDescription("a&b"), "QueueDescription"},
		{topicDescription("chat"), "TopicDescription"},
		{subscriptionDescription("general"), "RequiresSession>false"},
	}
	for _, tt := range tests {
		var e entry
		require.NoError(t, xml.Unmarshal(tt.body, &e))
		require.Equal(t, "application/xml", e.Content.Type)
		require.True(t, strings.Contains(e.Content.Inner, tt.want), e.Content.Inner)
	}

	var e entry
	require.NoError(t, xml.Unmarshal(queueDescription("a&b"), &e))
	require.Equal(t, "a&b", e.Title)
}

func TestBrokerProperties(t *testing.T) {
	require.Equal(t, `{"TimeToLive":90}`, encodeSendProperties(90*time.Second+400*time.Millisecond))

	l, err := decodeReceivedProperties(`{"MessageId":"m","LockToken":"l","SequenceNumber":3}`)
	require.NoError(t, err)
	require.Equal(t, heldLock{MessageID: "m", LockToken: "l"}, l)

	for _, h := range []string{"", `{"LockToken":"l"}`, `{"MessageId":"m"}`} {
		_, err := decodeReceivedProperties(h)
		require.ErrorIs(t, err, ErrMissingLock)
	}
	_, err = decodeReceivedProperties("not json")
	require.Error(t, err)
}
