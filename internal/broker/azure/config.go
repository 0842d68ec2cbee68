package azure

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultRequestTimeout = 5 * time.Minute
	// serverTimeoutMargin keeps the broker's own long-poll timeout ahead of ours.
	serverTimeoutMargin = 5 * time.Second

	DefaultRatePerSec = 10
	DefaultBurst      = 5

	BrokerQueue = "queue"
	BrokerTopic = "topic"
)

// Preferences is the flat key/value form the host application configures a
// provider with.
type Preferences map[string]string

// Preference keys.
const (
	PrefHostName   = "sbHostName"
	PrefNamespace  = "serviceNamespace"
	PrefSASKeyName = "sasKeyName"
	PrefSASKey     = "sasKey"
	PrefBrokerType = "brokerType"
	PrefAutoCreate = "brokerAutoCreate"

	// Access-control (WRAP) credentials, used when no SAS key is given.
	PrefACSHostName = "acsHostName"
	PrefACSOwner    = "acsOwner"
	PrefACSKey      = "acsKey"
)

// SharedAccess is a SAS key.
type SharedAccess struct {
	KeyName string
	Key     string
}

// AccessControl holds the credentials for the WRAP token service.
type AccessControl struct {
	Hostname string
	Owner    string
	Key      string
}

// Config describes one service bus namespace and how to talk to it.
type Config struct {
	Namespace  string
	Hostname   string
	BrokerType string // "queue" (default) or "topic"
	AutoCreate bool

	// Exactly one of these is set.
	SharedAccess  *SharedAccess
	AccessControl *AccessControl

	// Endpoint replaces https://{namespace}.{hostname}/ (emulators, tests).
	Endpoint string
	// TokenEndpoint replaces https://{namespace}-sb.{acs hostname}/WRAPv0.9/.
	TokenEndpoint string

	RequestTimeout time.Duration
	RatePerSec     float64
	Burst          int
}

// ConfigFromPreferences reads the preference keys into a validated Config.
// Unknown keys are ignored.
func ConfigFromPreferences(p Preferences) (Config, error) {
	cfg, err := ParsePreferences(p)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParsePreferences reads the preference keys without validating, so the
// caller can apply transport overrides first.
func ParsePreferences(p Preferences) (Config, error) {
	get := func(k string) string { return strings.TrimSpace(p[k]) }

	cfg := Config{
		Namespace:  get(PrefNamespace),
		Hostname:   get(PrefHostName),
		BrokerType: get(PrefBrokerType),
	}
	if v := get(PrefAutoCreate); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", PrefAutoCreate, err)
		}
		cfg.AutoCreate = b
	}
	if name, key := get(PrefSASKeyName), get(PrefSASKey); name != "" || key != "" {
		cfg.SharedAccess = &SharedAccess{KeyName: name, Key: key}
	} else if host := get(PrefACSHostName); host != "" {
		cfg.AccessControl = &AccessControl{Hostname: host, Owner: get(PrefACSOwner), Key: get(PrefACSKey)}
	}
	return cfg, nil
}

// Validate checks the config and fills in defaults.
func (c *Config) Validate() error {
	c.BrokerType = strings.ToLower(strings.TrimSpace(c.BrokerType))
	switch c.BrokerType {
	case "":
		c.BrokerType = BrokerQueue
	case BrokerQueue, BrokerTopic:
	default:
		return fmt.Errorf("unknown broker type %q", c.BrokerType)
	}

	if c.Endpoint == "" && (c.Namespace == "" || c.Hostname == "") {
		return errors.New("service namespace and host name are required")
	}
	if c.Endpoint != "" {
		if _, err := url.Parse(c.Endpoint); err != nil {
			return fmt.Errorf("endpoint: %w", err)
		}
	}

	switch {
	case c.SharedAccess != nil && c.AccessControl != nil:
		return errors.New("configure either a SAS key or access control, not both")
	case c.SharedAccess != nil:
		if c.SharedAccess.KeyName == "" || c.SharedAccess.Key == "" {
			return errors.New("SAS key name and key are required")
		}
	case c.AccessControl != nil:
		if c.AccessControl.Owner == "" || c.AccessControl.Key == "" {
			return errors.New("access control owner and key are required")
		}
		if c.AccessControl.Hostname == "" && c.TokenEndpoint == "" {
			return errors.New("access control host name is required")
		}
	default:
		return errors.New("no credentials configured")
	}

	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = DefaultRatePerSec
	}
	if c.Burst <= 0 {
		c.Burst = DefaultBurst
	}
	return nil
}

func (c Config) UseTopics() bool { return c.BrokerType == BrokerTopic }

// BaseURL is the namespace root every resource path hangs off; it ends in a slash.
func (c Config) BaseURL() string {
	if c.Endpoint != "" {
		return strings.TrimRight(c.Endpoint, "/") + "/"
	}
	return fmt.Sprintf("https://%s.%s/", c.Namespace, c.Hostname)
}

// TokenURL is the WRAP token service address.
func (c Config) TokenURL() string {
	if c.TokenEndpoint != "" {
		return c.TokenEndpoint
	}
	host := ""
	if c.AccessControl != nil {
		host = c.AccessControl.Hostname
	}
	return fmt.Sprintf("https://%s-sb.%s/WRAPv0.9/", c.Namespace, host)
}

// Scope is the wrap_scope the token is requested for.
func (c Config) Scope() string {
	return fmt.Sprintf("http://%s.%s/", c.Namespace, c.Hostname)
}

// ServerTimeout is the long-poll timeout requested from the broker, in whole seconds.
func (c Config) ServerTimeout() int {
	d := c.RequestTimeout - serverTimeoutMargin
	if d < time.Second {
		d = time.Second
	}
	return int(d / time.Second)
}
