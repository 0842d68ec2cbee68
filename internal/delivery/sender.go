package delivery

import (
	"context"
	"fmt"

	"courier/internal/message"
	"courier/internal/metrics"
	"courier/internal/retry"
	logx "courier/pkg/logx"
)

// Sender delivers one outbox message, retrying until it is sent, rejected or expired.
type Sender struct {
	lifecycle
	p   *Provider
	msg message.Message
}

func newSender(p *Provider, m message.Message) *Sender {
	s := &Sender{p: p, msg: m}
	s.lifecycle = lifecycle{
		direction: metrics.DirectionSend,
		provider:  p.Name(),
		periods:   p.cfg.SenderPeriods,
		log:       p.log.With(logx.String("msg", m.ID), logx.String("channel", m.Channel)),
		metrics:   p.cfg.Metrics,
		onFinish:  func() { p.OnSenderFinished(s) },
	}
	s.conn = p.backend.NewSenderConnection(m, s)
	p.cfg.Metrics.Active(p.Name(), metrics.DirectionSend, 1)
	return s
}

func (s *Sender) String() string { return fmt.Sprintf("sender for %s", s.msg) }

// Message is the message being delivered.
func (s *Sender) Message() message.Message { return s.msg }

// Start starts the connection. It returns false when already running or finished.
func (s *Sender) Start() bool { return s.start() }

// Stop cancels any pending retry and the connection, and releases the sender.
func (s *Sender) Stop() { s.stop() }

// Running reports whether a connection attempt is under way.
func (s *Sender) Running() bool { return s.isRunning() }

// ResendNow cuts a pending retry short.
func (s *Sender) ResendNow() bool { return s.retryNow() }

func (s *Sender) OnInitialized() { s.log.Trace("connection initialized") }

// OnFinished is called once the connection has handed the message over.
func (s *Sender) OnFinished() {
	s.log.Info("sent")
	s.finish()
}

func (s *Sender) OnFailed(err error) {
	if retry.Silent(err) {
		// Cancelled with the process; the message stays in the outbox for the next run.
		s.halt()
		s.finish()
		return
	}

	policy := retry.Decide(err, s.msg.Expired(s.p.now()))
	willRetry := policy != retry.Never
	s.p.cfg.Metrics.Failed(s.p.Name(), metrics.DirectionSend, policy.String())
	s.log.Warn("send failed", logx.Err(err), logx.String("retry", policy.String()))

	if err := s.p.stores.Outbox.OnSendFailed(context.Background(), s.msg, willRetry); err != nil {
		s.log.Warn("cannot record send failure", logx.Err(err))
	}

	s.retryWith(policy)
	if policy == retry.WhenAuthenticated {
		s.p.OnAuthenticationRequired()
	}
}
