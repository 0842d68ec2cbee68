package config

import (
	"errors"
	"fmt"
	"strings"
)

// ProviderTypeAzure is the only broker type so far.
const ProviderTypeAzure = "azure"

// Validate checks the parts of cfg that can be checked without building
// anything. Provider preferences are checked by whoever builds the backend.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path is required for sqlite driver"))
		}
	case "memory":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	add(durationErr("storage.busy_timeout", cfg.Storage.BusyTimeout))
	add(durationErr("storage.purge_interval", cfg.Storage.PurgeInterval))

	add(durationErr("delivery.sender_retry", cfg.Delivery.SenderRetry))
	add(durationErr("delivery.receiver_retry", cfg.Delivery.ReceiverRetry))
	add(durationErr("delivery.auth_wait", cfg.Delivery.AuthWait))

	add(durationErr("admin.read_timeout", cfg.Admin.ReadTimeout))
	add(durationErr("admin.idle_timeout", cfg.Admin.IdleTimeout))

	seen := map[string]bool{}
	defaults := 0
	for i, p := range cfg.Providers {
		prefix := fmt.Sprintf("providers[%d]", i)
		name := strings.TrimSpace(p.Name)
		switch {
		case name == "":
			add(fmt.Errorf("%s.name is required", prefix))
		case seen[name]:
			add(fmt.Errorf("%s.name: duplicate provider %q", prefix, name))
		}
		seen[name] = true
		if t := strings.ToLower(strings.TrimSpace(p.Type)); t != "" && t != ProviderTypeAzure {
			add(fmt.Errorf("%s.type: unknown provider type %q", prefix, p.Type))
		}
		if p.Default {
			defaults++
		}
		add(durationErr(prefix+".broker.request_timeout", p.Broker.RequestTimeout))
		if p.Broker.RatePerSec < 0 {
			add(fmt.Errorf("%s.broker.rate_per_sec must be >= 0", prefix))
		}
		if p.Broker.Burst < 0 {
			add(fmt.Errorf("%s.broker.burst must be >= 0", prefix))
		}
	}
	if defaults > 1 {
		add(errors.New("providers: more than one default provider"))
	}
	return errors.Join(errs...)
}

func durationErr(path, raw string) error {
	_, err := ParseDurationField(path, raw)
	return err
}
