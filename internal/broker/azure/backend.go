// Package azure implements the broker contract over the Service Bus REST
// protocol: WRAP or SAS authorization, queue/topic/subscription provisioning,
// send, peek-lock receive and delete.
package azure

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"courier/internal/broker"
	"courier/internal/message"
	"courier/internal/metrics"
	logx "courier/pkg/logx"
)

// Options configures a Backend.
type Options struct {
	Name   string
	Config Config

	// NeedsDeletionStubs makes the stores keep tombstones for this provider's removed messages.
	NeedsDeletionStubs bool

	Outbox  broker.Outbox
	Inbox   broker.Inbox
	Doer    Doer // defaults to an http.Client without timeout; requests carry their own
	Metrics *metrics.Metrics
	Logger  logx.Logger

	// Context bounds every connection; cancelling it is a silent stop.
	Context context.Context
	Now     func() time.Time
}

// Backend creates connections that share one rate limiter and one set of collaborators.
type Backend struct {
	sh         *shared
	needsStubs bool
}

func NewBackend(opts Options) (*Backend, error) {
	if opts.Name == "" {
		return nil, errors.New("azure backend needs a name")
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Doer == nil {
		opts.Doer = &http.Client{}
	}
	if opts.Logger.IsZero() {
		opts.Logger = logx.Nop()
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Backend{
		sh: &shared{
			provider: opts.Name,
			cfg:      cfg,
			doer:     opts.Doer,
			limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
			outbox:   opts.Outbox,
			inbox:    opts.Inbox,
			metrics:  opts.Metrics,
			log:      opts.Logger.With(logx.String("comp", "azure"), logx.String("provider", opts.Name)),
			now:      opts.Now,
			base:     opts.Context,
		},
		needsStubs: opts.NeedsDeletionStubs,
	}, nil
}

func (b *Backend) Name() string { return b.sh.provider }

func (b *Backend) NeedsDeletionStubs() bool { return b.needsStubs }

// Config returns the validated configuration.
func (b *Backend) Config() Config { return b.sh.cfg }

// NewSenderConnection returns a connection that delivers m to its channel.
func (b *Backend) NewSenderConnection(m message.Message, h broker.Handler) broker.Connection {
	return b.SenderConnection(m, h)
}

// NewReceiverConnection returns a connection that pulls channel into the inbox.
func (b *Backend) NewReceiverConnection(channel string, h broker.Handler) broker.Connection {
	return b.ReceiverConnection(channel, h)
}

// SenderConnection is NewSenderConnection with the concrete type.
func (b *Backend) SenderConnection(m message.Message, h broker.Handler) *Connection {
	return newConnection(b.sh, roleSend, m.Channel, m, h)
}

// ReceiverConnection is NewReceiverConnection with the concrete type.
func (b *Backend) ReceiverConnection(channel string, h broker.Handler) *Connection {
	return newConnection(b.sh, roleReceive, message.NormalizeChannel(channel), message.Message{}, h)
}
