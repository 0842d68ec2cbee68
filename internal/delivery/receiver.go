package delivery

import (
	"fmt"

	"courier/internal/metrics"
	"courier/internal/retry"
	logx "courier/pkg/logx"
)

// Receiver keeps one channel subscribed, restarting its connection after failures.
type Receiver struct {
	lifecycle
	p       *Provider
	channel string
}

func newReceiver(p *Provider, channel string) *Receiver {
	r := &Receiver{p: p, channel: channel}
	r.lifecycle = lifecycle{
		direction: metrics.DirectionReceive,
		provider:  p.Name(),
		periods:   p.cfg.ReceiverPeriods,
		log:       p.log.With(logx.String("channel", channel), logx.String("role", "receiver")),
		metrics:   p.cfg.Metrics,
		onFinish:  func() { p.OnReceiverFinished(r) },
	}
	r.conn = p.backend.NewReceiverConnection(channel, r)
	p.cfg.Metrics.Active(p.Name(), metrics.DirectionReceive, 1)
	return r
}

func (r *Receiver) String() string { return fmt.Sprintf("receiver on %s", r.channel) }

func (r *Receiver) Channel() string { return r.channel }

func (r *Receiver) Start() bool { return r.start() }

func (r *Receiver) Stop() { r.stop() }

func (r *Receiver) Running() bool { return r.isRunning() }

// RetryNow cuts a pending retry short.
func (r *Receiver) RetryNow() bool { return r.retryNow() }

func (r *Receiver) OnInitialized() { r.log.Debug("listening") }

func (r *Receiver) OnFinished() { r.finish() }

func (r *Receiver) OnFailed(err error) {
	if retry.Silent(err) {
		r.halt()
		r.finish()
		return
	}
	policy := retry.Decide(err, false)
	r.p.cfg.Metrics.Failed(r.p.Name(), metrics.DirectionReceive, policy.String())
	r.log.Warn("receive failed", logx.Err(err), logx.String("retry", policy.String()))
	r.retryWith(policy)
	if policy == retry.WhenAuthenticated {
		r.p.OnAuthenticationRequired()
	}
}
