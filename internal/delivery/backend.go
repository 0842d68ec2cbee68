// Package delivery drives messages through a broker backend: the outbox is
// drained by Senders, subscribed channels are pulled into the inbox by
// Receivers, and failures are retried according to package retry.
package delivery

import (
	"context"

	"courier/internal/broker"
	"courier/internal/message"
)

// Backend creates broker connections for one provider.
type Backend interface {
	Name() string
	NeedsDeletionStubs() bool
	NewSenderConnection(m message.Message, h broker.Handler) broker.Connection
	NewReceiverConnection(channel string, h broker.Handler) broker.Connection
}

// Authenticator runs an interactive re-authentication with the named method
// and reports the outcome through done.
type Authenticator interface {
	Authenticate(ctx context.Context, method string, done func(error))
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, method string, done func(error))

func (f AuthenticatorFunc) Authenticate(ctx context.Context, method string, done func(error)) {
	f(ctx, method, done)
}
