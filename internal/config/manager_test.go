package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: memory
delivery:
  development: true
  sender_retry: 10s
admin:
  enabled: true
  addr: 127.0.0.1:0
providers:
  - name: azure
    type: azure
    default: true
    subscribe: [chat]
    preferences:
      serviceNamespace: ns
      sbHostName: servicebus.windows.net
      sasKeyName: RootManageSharedAccessKey
      sasKey: c2VjcmV0
    broker:
      request_timeout: 1m
      rate_per_sec: 5
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewConfigManager(writeFile(t, "courier.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())

	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "memory", cfg.Storage.Driver)
	require.True(t, cfg.Delivery.Development)
	require.Len(t, cfg.Providers, 1)

	p, ok := cfg.Provider("azure")
	require.True(t, ok)
	require.Equal(t, []string{"chat"}, p.Subscribe)
	require.Equal(t, "ns", p.Preferences["serviceNamespace"])
	require.Equal(t, 5.0, p.Broker.RatePerSec)

	lc := cfg.Logging.Logx()
	require.Equal(t, "debug", lc.Level)
	require.True(t, lc.Console)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]struct {
		name string
		body string
	}{
		"unknown top-level":    {"c.json", `{"logging":{},"bogus":1}`},
		"unknown provider key": {"c.json", `{"providers":[{"name":"a","preferences":{},"colour":"red"}]}`},
		"trailing data":        {"c.json", `{"logging":{}} {"logging":{}}`},
		"bad yaml":             {"c.yml", "logging: [unterminated"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewConfigManager(writeFile(t, tc.name, tc.body)).Parse()
			require.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Storage:   StorageConfig{Driver: "sqlite", Path: "/tmp/x"},
			Providers: []ProviderConfig{{Name: "a"}, {Name: "b", Type: "azure"}},
		}
	}
	require.NoError(t, Validate(valid()))
	require.Error(t, Validate(nil))

	cases := map[string]func(c *Config){
		"sqlite without path":  func(c *Config) { c.Storage.Path = "" },
		"unknown driver":       func(c *Config) { c.Storage.Driver = "file" },
		"bad purge interval":   func(c *Config) { c.Storage.PurgeInterval = "soon" },
		"negative retry":       func(c *Config) { c.Delivery.SenderRetry = "-1s" },
		"missing name":         func(c *Config) { c.Providers[0].Name = "" },
		"duplicate name":       func(c *Config) { c.Providers[1].Name = "a" },
		"unknown type":         func(c *Config) { c.Providers[0].Type = "sqs" },
		"two defaults":         func(c *Config) { c.Providers[0].Default, c.Providers[1].Default = true, true },
		"negative burst":       func(c *Config) { c.Providers[0].Broker.Burst = -1 },
		"bad request timeout":  func(c *Config) { c.Providers[1].Broker.RequestTimeout = "5 minutes" },
		"bad admin idle limit": func(c *Config) { c.Admin.IdleTimeout = "x" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(c)
			require.Error(t, Validate(c))
		})
	}
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	require.Equal(t, time.Minute, d)

	d, err = ParseDurationOrDefault("x", " 2s ", time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, d)

	d, err = ParseDurationField("delivery.auth_wait", "30d")
	require.NoError(t, err)
	require.Equal(t, 30*24*time.Hour, d)

	for _, raw := range []string{"nope", "1.5d", "-1d", "-3s"} {
		_, err = ParseDurationField("storage.purge_interval", raw)
		require.ErrorContains(t, err, "storage.purge_interval", raw)
	}
}

func TestYAMLRejectsNonStringKeys(t *testing.T) {
	_, _, err := coerceToJSONBytes("c.yaml", []byte("providers:\n  - name: a\n    preferences:\n      1: x\n"))
	require.ErrorContains(t, err, "non-string key")

	out, format, err := coerceToJSONBytes("c.yml", []byte("admin:\n  enabled: true\n"))
	require.NoError(t, err)
	require.Equal(t, "yaml", format)
	require.JSONEq(t, `{"admin":{"enabled":true}}`, string(out))
}

func TestSummarizeConfigChange(t *testing.T) {
	old := &Config{
		Logging:   LoggingConfig{Level: "info"},
		Admin:     AdminConfig{Token: "secret-1"},
		Providers: []ProviderConfig{{Name: "a"}, {Name: "b"}},
	}
	same := *old
	changed, _, providers := SummarizeConfigChange(old, &same)
	require.Empty(t, changed)
	require.Empty(t, providers)
	require.False(t, RestartRequired(changed))

	next := &Config{
		Logging:   LoggingConfig{Level: "debug"},
		Admin:     AdminConfig{Token: "secret-2"},
		Providers: []ProviderConfig{{Name: "a", Subscribe: []string{"chat"}}, {Name: "c"}},
	}
	changed, attrs, providers := SummarizeConfigChange(old, next)
	require.Equal(t, []string{"admin", "logging", "providers"}, changed)
	require.Equal(t, []string{"a", "b", "c"}, providers)
	require.NotEmpty(t, attrs)
	require.True(t, RestartRequired(changed))
	require.False(t, RestartRequired([]string{"logging"}))
}

func TestWatchPublishesChanges(t *testing.T) {
	path := writeFile(t, "courier.json", `{"logging":{"level":"info"},"storage":{"driver":"memory"}}`)
	m := NewConfigManager(path)
	m.debounce = 10 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)

	rejected := errors.New("no error level")
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "error" {
			return rejected
		}
		return nil
	})

	updates := m.Subscribe(1)
	defer m.Unsubscribe(updates)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()
	// Let the watcher register before writing.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"error"},"storage":{"driver":"memory"}}`), 0o600))
	select {
	case cfg := <-updates:
		t.Fatalf("rejected config published: %+v", cfg.Logging)
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"debug"},"storage":{"driver":"memory"}}`), 0o600))
	select {
	case cfg := <-updates:
		require.Equal(t, "debug", cfg.Logging.Level)
		require.Equal(t, "debug", m.Get().Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	m.Unsubscribe(ch)
	_, ok := <-ch
	require.False(t, ok)
	m.Unsubscribe(ch)
	m.Unsubscribe(nil)
}
