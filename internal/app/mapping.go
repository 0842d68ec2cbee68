package app

import (
	"fmt"
	"strings"
	"time"

	"courier/internal/broker/azure"
	"courier/internal/config"
	"courier/internal/delivery"
	"courier/internal/observability/admin"
	"courier/internal/retry"
	"courier/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		ContentDir:  strings.TrimSpace(sc.ContentDir),
		BusyTimeout: busy,
	}, nil
}

func mapPurgeInterval(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("storage.purge_interval", cfg.Storage.PurgeInterval, storage.DefaultPurgeInterval)
}

// mapDeliveryConfig returns the provider settings shared by every provider.
// Zero periods are left for delivery to default.
func mapDeliveryConfig(cfg *config.Config) (delivery.ProviderConfig, error) {
	dc := cfg.Delivery
	sender, err := config.ParseDurationField("delivery.sender_retry", dc.SenderRetry)
	if err != nil {
		return delivery.ProviderConfig{}, err
	}
	receiver, err := config.ParseDurationField("delivery.receiver_retry", dc.ReceiverRetry)
	if err != nil {
		return delivery.ProviderConfig{}, err
	}
	authWait, err := config.ParseDurationField("delivery.auth_wait", dc.AuthWait)
	if err != nil {
		return delivery.ProviderConfig{}, err
	}
	return delivery.ProviderConfig{
		Development:     dc.Development,
		SenderPeriods:   retry.Periods{Default: sender, AuthWait: authWait},
		ReceiverPeriods: retry.Periods{Default: receiver, AuthWait: authWait},
	}, nil
}

// mapAzureConfig builds the broker config from a provider's preferences and
// transport overrides.
func mapAzureConfig(pc config.ProviderConfig) (azure.Config, error) {
	ac, err := azure.ParsePreferences(azure.Preferences(pc.Preferences))
	if err != nil {
		return azure.Config{}, fmt.Errorf("provider %q: %w", pc.Name, err)
	}
	timeout, err := config.ParseDurationOrDefault(fmt.Sprintf("providers.%s.broker.request_timeout", pc.Name), pc.Broker.RequestTimeout, azure.DefaultRequestTimeout)
	if err != nil {
		return azure.Config{}, err
	}
	ac.Endpoint = strings.TrimSpace(pc.Broker.Endpoint)
	ac.TokenEndpoint = strings.TrimSpace(pc.Broker.TokenEndpoint)
	ac.RequestTimeout = timeout
	ac.RatePerSec = pc.Broker.RatePerSec
	ac.Burst = pc.Broker.Burst
	if err := ac.Validate(); err != nil {
		return azure.Config{}, fmt.Errorf("provider %q: %w", pc.Name, err)
	}
	return ac, nil
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	ac := cfg.Admin
	read, err := config.ParseDurationOrDefault("admin.read_timeout", ac.ReadTimeout, 10*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("admin.idle_timeout", ac.IdleTimeout, 60*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	return admin.Config{
		Addr:        strings.TrimSpace(ac.Addr),
		Token:       strings.TrimSpace(ac.Token),
		ReadTimeout: read,
		IdleTimeout: idle,
	}, nil
}

// validate runs every mapping so a reloaded config that could not be built
// is rejected before it is committed.
func validate(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPurgeInterval(cfg); err != nil {
		return err
	}
	if _, err := mapDeliveryConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAdminConfig(cfg); err != nil {
		return err
	}
	for _, pc := range cfg.Providers {
		if _, err := mapAzureConfig(pc); err != nil {
			return err
		}
	}
	return nil
}
