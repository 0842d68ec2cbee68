package config

import (
	"bytes"
	"encoding/json"

	logx "courier/pkg/logx"
)

type Config struct {
	Logging   LoggingConfig    `json:"logging"`
	Storage   StorageConfig    `json:"storage"`
	Delivery  DeliveryConfig   `json:"delivery"`
	Admin     AdminConfig      `json:"admin,omitempty"`
	Providers []ProviderConfig `json:"providers"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Sink    LoggingSink `json:"sink"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingSink forwards log lines to whatever sink the embedding program installs.
type LoggingSink struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the inbox and outbox.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./courier_store", "purge_interval": "5m" }
type StorageConfig struct {
	Driver        string `json:"driver"`
	Path          string `json:"path"`
	ContentDir    string `json:"content_dir,omitempty"`
	BusyTimeout   string `json:"busy_timeout,omitempty"`   // Go duration string (sqlite)
	PurgeInterval string `json:"purge_interval,omitempty"` // default: "5m"
}

// DeliveryConfig sets the retry periods shared by every provider.
//
// All durations are Go duration strings. Omitted periods fall back to the
// development or production defaults.
type DeliveryConfig struct {
	Development   bool   `json:"development"`
	SenderRetry   string `json:"sender_retry,omitempty"`
	ReceiverRetry string `json:"receiver_retry,omitempty"`
	AuthWait      string `json:"auth_wait,omitempty"`
}

// AdminConfig controls the optional admin HTTP server (/healthz, /metrics, /debug/pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

// ProviderConfig describes one broker provider.
type ProviderConfig struct {
	Name                 string            `json:"name"`
	Type                 string            `json:"type"` // only "azure" for now
	Default              bool              `json:"default,omitempty"`
	NeedsDeletionStubs   bool              `json:"needs_deletion_stubs,omitempty"`
	PostExpiredResponses bool              `json:"post_expired_responses,omitempty"`
	AuthMethod           string            `json:"auth_method,omitempty"`
	Subscribe            []string          `json:"subscribe,omitempty"`
	Preferences          map[string]string `json:"preferences"`
	Broker               BrokerConfig      `json:"broker,omitempty"`
}

// BrokerConfig holds transport overrides. Endpoint and TokenEndpoint replace
// the URLs derived from the preferences (useful against an emulator).
type BrokerConfig struct {
	Endpoint       string  `json:"endpoint,omitempty"`
	TokenEndpoint  string  `json:"token_endpoint,omitempty"`
	RequestTimeout string  `json:"request_timeout,omitempty"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`
	Burst          int     `json:"burst,omitempty"`
}

// UnmarshalJSON disallows unknown fields so a misspelled preference block is
// caught on reload rather than silently ignored.
func (p *ProviderConfig) UnmarshalJSON(b []byte) error {
	type plain ProviderConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t plain
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = ProviderConfig(t)
	return nil
}

// Provider returns the provider named name.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Logx converts the section to the logger's own config.
func (l LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Sink:    logx.SinkConfig{Enabled: l.Sink.Enabled, MinLevel: l.Sink.MinLevel, RatePerSec: l.Sink.RatePerSec},
	}
}
