package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	logx "courier/pkg/logx"
)

// Open initializes the store of the given kind with the configured driver.
// owners may be nil, in which case every removal is a hard delete and no expiry hooks run.
func Open(ctx context.Context, cfg Config, kind Kind, owners OwnerLookup, log logx.Logger) (*MessageStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("store", string(kind)))

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		dir := strings.TrimSpace(cfg.Path)
		if dir == "" {
			return nil, errors.New("storage.path is required for sqlite driver")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		content := contentDir(cfg, dir, kind)
		return openSQLite(ctx, kind, filepath.Join(dir, string(kind)+".db"), cfg.BusyTimeout, content, owners, log)
	case "memory":
		base := strings.TrimSpace(cfg.ContentDir)
		if base == "" {
			tmp, err := os.MkdirTemp("", "courier-content-*")
			if err != nil {
				return nil, err
			}
			base = tmp
		}
		content := &contentStore{dir: filepath.Join(base, string(kind))}
		return openSQLite(ctx, kind, ":memory:", 0, content, owners, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

func contentDir(cfg Config, dir string, kind Kind) *contentStore {
	base := strings.TrimSpace(cfg.ContentDir)
	if base == "" {
		base = filepath.Join(dir, "content")
	}
	// One directory per store so Clear on one never touches the other's files.
	return &contentStore{dir: filepath.Join(base, string(kind))}
}

// Stores bundles the two store instances.
type Stores struct {
	Inbox  *MessageStore
	Outbox *MessageStore
}

// OpenStores opens the inbox and the outbox.
func OpenStores(ctx context.Context, cfg Config, owners OwnerLookup, log logx.Logger) (Stores, error) {
	in, err := Open(ctx, cfg, Inbox, owners, log)
	if err != nil {
		return Stores{}, fmt.Errorf("open inbox: %w", err)
	}
	out, err := Open(ctx, cfg, Outbox, owners, log)
	if err != nil {
		_ = in.Close()
		return Stores{}, fmt.Errorf("open outbox: %w", err)
	}
	return Stores{Inbox: in, Outbox: out}, nil
}

func (s Stores) Close() error {
	var errs []error
	if s.Inbox != nil {
		errs = append(errs, s.Inbox.Close())
	}
	if s.Outbox != nil {
		errs = append(errs, s.Outbox.Close())
	}
	return errors.Join(errs...)
}
