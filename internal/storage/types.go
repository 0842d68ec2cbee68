package storage

import (
	"errors"
	"time"

	"courier/internal/message"
)

var (
	ErrClosed   = errors.New("storage closed")
	ErrNotFound = errors.New("message not found")
)

// Kind names one of the two store instances.
type Kind string

const (
	Inbox  Kind = "inbox"
	Outbox Kind = "outbox"
)

const (
	// MaxInlineContent is the largest serialized content kept inline in a row;
	// anything bigger is offloaded to a file under the content directory.
	MaxInlineContent = 3 * 1024

	// DeletionStubTTL is how long a soft-deleted row survives before purge.
	DeletionStubTTL = 48 * time.Hour

	DefaultPurgeInterval = 5 * time.Minute
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": one database file per store under Path (<Path>/<kind>.db)
//   - "memory": an in-memory sqlite database (lost on exit)
type Config struct {
	Driver      string
	Path        string
	ContentDir  string        // offloaded content; defaults to <Path>/content
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Change is emitted on a store's change stream.
type Change struct {
	Store   Kind
	Message message.Message
	Action  message.Action
}

// Owner is the slice of a provider the store needs: whether removed rows must
// survive as deletion stubs, and a hook run before an expired row is purged.
type Owner interface {
	NeedsDeletionStubs() bool
	OnMessageExpired(source *MessageStore, m message.Message)
}

// OwnerLookup resolves the provider named in a message's provider field.
type OwnerLookup interface {
	Owner(name string) (Owner, bool)
}
