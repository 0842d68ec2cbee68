package config

import (
	"reflect"
	"sort"
	"strings"

	logx "courier/pkg/logx"
)

// SummarizeConfigChange returns (1) the sorted list of changed sections,
// (2) safe structured attrs for logging (never includes tokens or keys),
// and (3) the names of providers that were added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.sink_enabled", newCfg.Logging.Sink.Enabled),
		)
	}

	oS, nS := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.ContentDir) != strings.TrimSpace(nS.ContentDir) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) ||
		strings.TrimSpace(oS.PurgeInterval) != strings.TrimSpace(nS.PurgeInterval) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.purge_interval", strings.TrimSpace(nS.PurgeInterval)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Bool("delivery.development", newCfg.Delivery.Development),
			logx.String("delivery.sender_retry", newCfg.Delivery.SenderRetry),
			logx.String("delivery.receiver_retry", newCfg.Delivery.ReceiverRetry),
		)
	}

	// Admin (never log token)
	oA, nA := oldCfg.Admin, newCfg.Admin
	if oA.Enabled != nA.Enabled ||
		strings.TrimSpace(oA.Addr) != strings.TrimSpace(nA.Addr) ||
		oA.Token != nA.Token ||
		strings.TrimSpace(oA.ReadTimeout) != strings.TrimSpace(nA.ReadTimeout) ||
		strings.TrimSpace(oA.IdleTimeout) != strings.TrimSpace(nA.IdleTimeout) {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", nA.Enabled),
			logx.String("admin.addr", strings.TrimSpace(nA.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(nA.Token) != ""),
		)
	}

	providers := diffProviders(oldCfg.Providers, newCfg.Providers)
	if len(providers) > 0 {
		changed = append(changed, "providers")
		attrs = append(attrs,
			logx.Int("providers.changed_count", len(providers)),
			logx.Int("providers.count", len(newCfg.Providers)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, providers
}

func diffProviders(oldList, newList []ProviderConfig) []string {
	index := func(list []ProviderConfig) map[string]ProviderConfig {
		m := make(map[string]ProviderConfig, len(list))
		for _, p := range list {
			m[p.Name] = p
		}
		return m
	}
	oldM, newM := index(oldList), index(newList)

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, inOld := oldM[name]
		n, inNew := newM[name]
		if inOld != inNew || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// RestartRequired reports whether any of the changed sections can only take
// effect after a restart. Logging is the one section applied live.
func RestartRequired(changed []string) bool {
	for _, s := range changed {
		if s != "logging" {
			return true
		}
	}
	return false
}
