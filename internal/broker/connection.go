// Package broker defines the contract between delivery components and the
// transport backends that talk to a message broker.
package broker

import (
	"context"

	"courier/internal/message"
)

// Connection runs one send or one receive loop against a broker.
//
// Start returns false when the connection is already running. Stop cancels
// the in-flight request; it never calls back into the Handler.
type Connection interface {
	Start() bool
	Stop()
}

// Handler receives the outcome of a Connection.
//
// OnFailed carries the failure wrapped with its retry classification
// (see package retry). After OnFinished or OnFailed the connection is idle.
type Handler interface {
	OnInitialized()
	OnFinished()
	OnFailed(err error)
}

// Outbox is what a sending connection reports a delivered message to.
type Outbox interface {
	OnSent(ctx context.Context, m message.Message) error
}

// Inbox is where a receiving connection stores what it pulled from the broker.
type Inbox interface {
	Add(ctx context.Context, m message.Message) (bool, error)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are ignored.
type HandlerFuncs struct {
	Initialized func()
	Finished    func()
	Failed      func(err error)
}

func (h HandlerFuncs) OnInitialized() {
	if h.Initialized != nil {
		h.Initialized()
	}
}

func (h HandlerFuncs) OnFinished() {
	if h.Finished != nil {
		h.Finished()
	}
}

func (h HandlerFuncs) OnFailed(err error) {
	if h.Failed != nil {
		h.Failed(err)
	}
}
