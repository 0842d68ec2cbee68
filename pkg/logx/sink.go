package logx

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sink receives forwarded log lines, e.g. a host application's log view.
// Write is called from a single worker goroutine and may block briefly.
type Sink interface {
	Write(t time.Time, level Level, source, message string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(t time.Time, level Level, source, message string)

func (f SinkFunc) Write(t time.Time, level Level, source, message string) {
	f(t, level, source, message)
}

type sinkItem struct {
	at     time.Time
	level  Level
	source string
	msg    string
}

// sinkWriter is a zerolog.LevelWriter forwarding decoded lines to a Sink.
// It never blocks the logging call site: lines are queued and dropped when the
// queue is full or the rate limit is exceeded.
type sinkWriter struct {
	mu       sync.Mutex
	target   Sink
	limiter  *rate.Limiter
	minLevel zerolog.Level

	queue    chan sinkItem
	once     sync.Once
	started  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newSinkWriter() *sinkWriter {
	return &sinkWriter{
		queue:    make(chan sinkItem, 256),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(rate.Limit(5), 5),
	}
}

func (w *sinkWriter) configure(cfg SinkConfig) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	w.mu.Lock()
	w.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	w.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	w.mu.Unlock()

	if cfg.Enabled {
		w.once.Do(func() {
			w.started.Store(true)
			go w.run()
		})
	}
}

func (w *sinkWriter) setTarget(s Sink) {
	w.mu.Lock()
	w.target = s
	w.mu.Unlock()
}

func (w *sinkWriter) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case it := <-w.queue:
			w.mu.Lock()
			target := w.target
			w.mu.Unlock()
			if target != nil {
				target.Write(it.at, it.level, it.source, it.msg)
			}
		}
	}
}

func (w *sinkWriter) close() {
	w.stopOnce.Do(func() { close(w.stop) })
	if !w.started.Load() {
		return
	}
	select {
	case <-w.done:
	case <-time.After(time.Second):
	}
}

func (w *sinkWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *sinkWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	w.mu.Lock()
	target := w.target
	lim := w.limiter
	min := w.minLevel
	w.mu.Unlock()

	if target == nil || level < min {
		return len(p), nil
	}
	if lim != nil && !lim.Allow() {
		return len(p), nil
	}

	it := decodeLine(level, p)
	select {
	case w.queue <- it:
	default:
		// drop
	}
	return len(p), nil
}

// decodeLine extracts time, comp and message from a zerolog JSON line.
// Extra fields are appended to the message as key=value pairs.
func decodeLine(level zerolog.Level, p []byte) sinkItem {
	it := sinkItem{at: time.Now(), level: level}

	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		it.msg = strings.TrimSpace(string(p))
		return it
	}
	if ts, ok := m[zerolog.TimestampFieldName].(string); ok {
		if t, err := time.Parse(zerolog.TimeFieldFormat, ts); err == nil {
			it.at = t
		}
	}
	it.source, _ = m["comp"].(string)
	msg, _ := m[zerolog.MessageFieldName].(string)

	var b strings.Builder
	b.WriteString(msg)
	for k, v := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.CallerFieldName, "comp":
			continue
		}
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		if s, ok := v.(string); ok {
			b.WriteString(s)
		} else {
			j, _ := json.Marshal(v)
			b.Write(j)
		}
	}
	it.msg = b.String()
	return it
}
