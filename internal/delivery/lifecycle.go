package delivery

import (
	"errors"
	"sync"

	"courier/internal/broker"
	"courier/internal/metrics"
	"courier/internal/retry"
	logx "courier/pkg/logx"
)

// lifecycle is the start, stop and retry machinery shared by Sender and Receiver.
//
// halt stops the connection but keeps the component alive for a retry;
// finish ends it for good and tells the provider, exactly once.
type lifecycle struct {
	direction string
	provider  string
	conn      broker.Connection
	periods   retry.Periods
	timer     retry.Timer
	log       logx.Logger
	metrics   *metrics.Metrics
	onFinish  func()

	mu       sync.Mutex
	running  bool
	finished bool
	once     sync.Once
}

func (l *lifecycle) start() bool {
	l.mu.Lock()
	if l.running || l.finished {
		l.mu.Unlock()
		return false
	}
	l.running = true
	l.mu.Unlock()

	l.log.Trace("starting")
	if !l.conn.Start() {
		l.log.Debug("connection already running")
	}
	return true
}

func (l *lifecycle) isRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *lifecycle) halt() {
	l.mu.Lock()
	l.running = false
	l.mu.Unlock()
	l.conn.Stop()
}

func (l *lifecycle) stop() {
	l.timer.Cancel()
	l.halt()
	l.finish()
}

func (l *lifecycle) finish() {
	l.once.Do(func() {
		l.mu.Lock()
		l.finished = true
		l.running = false
		l.mu.Unlock()

		l.timer.Cancel()
		l.metrics.Active(l.provider, l.direction, -1)
		l.log.Debug("finished")
		if l.onFinish != nil {
			l.onFinish()
		}
	})
}

// retryWith applies the policy chosen for a failure.
func (l *lifecycle) retryWith(p retry.Policy) {
	switch p {
	case retry.Never:
		l.halt()
		l.finish()
	case retry.Immediately:
		l.halt()
		l.start()
	default:
		l.halt()
		d := l.periods.Delay(p)
		fn := func() { l.start() }
		err := l.timer.Schedule(d, fn)
		if errors.Is(err, retry.ErrTimerPending) {
			l.log.Warn("retry scheduled while another was pending; replacing it", logx.String("policy", p.String()))
			l.timer.Cancel()
			err = l.timer.Schedule(d, fn)
		}
		if err != nil {
			l.log.Error("cannot schedule retry", logx.String("policy", p.String()), logx.Err(err))
			return
		}
		l.log.Debug("retry scheduled", logx.String("policy", p.String()), logx.Duration("in", d))
	}
}

// retryNow runs a pending retry immediately. It reports whether one was pending.
func (l *lifecycle) retryNow() bool { return l.timer.Fire() }
