package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "courier/pkg/logx"
)

// Purger removes expired messages from a set of stores on a fixed interval.
type Purger struct {
	every  time.Duration
	stores []*MessageStore
	log    logx.Logger

	mu sync.Mutex
	c  *cron.Cron
}

func NewPurger(every time.Duration, log logx.Logger, stores ...*MessageStore) *Purger {
	if every <= 0 {
		every = DefaultPurgeInterval
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Purger{every: every, stores: stores, log: log}
}

// Start purges once right away and then every interval until Stop or ctx is done.
// Start is idempotent.
func (p *Purger) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c != nil {
		return nil
	}

	p.PurgeOnce(ctx)

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", p.every), func() { p.PurgeOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule purge: %w", err)
	}
	c.Start()
	p.c = c
	p.log.Info("purge scheduled", logx.Duration("every", p.every))
	return nil
}

// Stop halts the schedule and waits for a running purge, bounded by ctx.
func (p *Purger) Stop(ctx context.Context) {
	p.mu.Lock()
	c := p.c
	p.c = nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// PurgeOnce runs one pass over every store and returns the number of rows removed.
func (p *Purger) PurgeOnce(ctx context.Context) int {
	total := 0
	for _, s := range p.stores {
		if ctx.Err() != nil {
			return total
		}
		n, err := s.PurgeExpired(ctx)
		if err != nil {
			p.log.Warn("purge failed", logx.String("store", string(s.Kind())), logx.Err(err))
			continue
		}
		if n > 0 {
			p.log.Debug("purged expired messages", logx.String("store", string(s.Kind())), logx.Int("count", n))
		}
		total += n
	}
	return total
}
