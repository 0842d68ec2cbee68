package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"courier/internal/message"
	"courier/internal/metrics"
	"courier/internal/retry"
	"courier/internal/storage"
	logx "courier/pkg/logx"
)

var ErrProviderStopped = errors.New("provider stopped")

// ProviderConfig tunes a Provider. Zero periods fall back to the defaults for
// the Development setting.
type ProviderConfig struct {
	Development          bool
	PostExpiredResponses bool
	SenderPeriods        retry.Periods
	ReceiverPeriods      retry.Periods
	Metrics              *metrics.Metrics
	Now                  func() time.Time
}

func (c *ProviderConfig) applyDefaults() {
	def := retry.SenderPeriods(c.Development)
	if c.SenderPeriods.Default <= 0 {
		c.SenderPeriods.Default = def.Default
	}
	if c.SenderPeriods.AuthWait <= 0 {
		c.SenderPeriods.AuthWait = def.AuthWait
	}
	def = retry.ReceiverPeriods(c.Development)
	if c.ReceiverPeriods.Default <= 0 {
		c.ReceiverPeriods.Default = def.Default
	}
	if c.ReceiverPeriods.AuthWait <= 0 {
		c.ReceiverPeriods.AuthWait = def.AuthWait
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Provider owns the senders and receivers of one backend.
//
// The mutex guards only the collections; senders, receivers and listeners
// are always called with it released.
type Provider struct {
	cfg     ProviderConfig
	backend Backend
	stores  storage.Stores
	log     logx.Logger

	mu        sync.Mutex
	senders   map[*Sender]struct{}
	receivers map[string]*Receiver
	listeners map[int]func()
	nextID    int
	stopped   bool
}

func NewProvider(cfg ProviderConfig, b Backend, st storage.Stores, log logx.Logger) *Provider {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Provider{
		cfg:       cfg,
		backend:   b,
		stores:    st,
		log:       log.With(logx.String("comp", "delivery"), logx.String("provider", b.Name())),
		senders:   map[*Sender]struct{}{},
		receivers: map[string]*Receiver{},
		listeners: map[int]func(){},
	}
}

func (p *Provider) Name() string { return p.backend.Name() }

func (p *Provider) now() time.Time { return p.cfg.Now() }

// NeedsDeletionStubs reports whether removed messages must survive as tombstones.
func (p *Provider) NeedsDeletionStubs() bool { return p.backend.NeedsDeletionStubs() }

// Send stores m in the outbox and starts delivering it. A message already in
// the outbox is delivered again.
func (p *Provider) Send(ctx context.Context, m message.Message) (*Sender, error) {
	m.Provider = p.Name()
	m.Normalize()

	if _, err := p.stores.Outbox.Add(ctx, m); err != nil {
		return nil, fmt.Errorf("store %s: %w", m.ID, err)
	}
	return p.startSender(m)
}

func (p *Provider) startSender(m message.Message) (*Sender, error) {
	s := newSender(p, m)
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		s.finish()
		return nil, ErrProviderStopped
	}
	p.senders[s] = struct{}{}
	p.mu.Unlock()

	p.stores.Outbox.OnSending(m)
	s.Start()
	return s, nil
}

// SendAllPendingMessages restarts delivery of every outbox message owned by
// this provider. It returns how many were started.
func (p *Provider) SendAllPendingMessages(ctx context.Context) (int, error) {
	pending, err := p.stores.Outbox.GetMessagesByProvider(ctx, p.Name())
	if err != nil {
		return 0, err
	}
	p.log.Info("sending pending messages", logx.Int("count", len(pending)))
	n := 0
	for _, m := range pending {
		if p.sending(m.ID) {
			continue
		}
		if _, err := p.startSender(m); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (p *Provider) sending(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for s := range p.senders {
		if s.msg.ID == id {
			return true
		}
	}
	return false
}

// Senders returns the active senders.
func (p *Provider) Senders() []*Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Sender, 0, len(p.senders))
	for s := range p.senders {
		out = append(out, s)
	}
	return out
}

// Subscribe starts receiving channel. It returns false when already subscribed.
func (p *Provider) Subscribe(channel string) bool {
	key := message.NormalizeChannel(channel)
	if _, ok := p.Receiver(key); ok {
		return false
	}
	r := newReceiver(p, key)
	p.mu.Lock()
	_, exists := p.receivers[key]
	if p.stopped || exists {
		p.mu.Unlock()
		r.finish()
		return false
	}
	p.receivers[key] = r
	p.mu.Unlock()

	p.log.Info("subscribed", logx.String("channel", key))
	r.Start()
	return true
}

// Unsubscribe stops receiving channel. It returns false when not subscribed.
func (p *Provider) Unsubscribe(channel string) bool {
	key := message.NormalizeChannel(channel)
	p.mu.Lock()
	r, ok := p.receivers[key]
	delete(p.receivers, key)
	p.mu.Unlock()
	if !ok {
		return false
	}
	r.Stop()
	p.log.Info("unsubscribed", logx.String("channel", key))
	return true
}

// Subscriptions returns the subscribed channel names, sorted.
func (p *Provider) Subscriptions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.receivers))
	for k := range p.receivers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Receiver returns the receiver for channel, if subscribed.
func (p *Provider) Receiver(channel string) (*Receiver, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.receivers[message.NormalizeChannel(channel)]
	return r, ok
}

func (p *Provider) OnSenderFinished(s *Sender) {
	p.mu.Lock()
	delete(p.senders, s)
	p.mu.Unlock()
}

func (p *Provider) OnReceiverFinished(r *Receiver) {
	p.mu.Lock()
	if cur, ok := p.receivers[r.channel]; ok && cur == r {
		delete(p.receivers, r.channel)
	}
	p.mu.Unlock()
}

// AddAuthenticationListener registers fn to run when a sender needs the user
// to authenticate again. The returned func removes it.
func (p *Provider) AddAuthenticationListener(fn func()) (remove func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *Provider) OnAuthenticationRequired() {
	p.mu.Lock()
	ids := make([]int, 0, len(p.listeners))
	for id := range p.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, p.listeners[id])
	}
	p.mu.Unlock()

	p.log.Info("authentication required", logx.Int("listeners", len(fns)))
	for _, fn := range fns {
		fn()
	}
}

// OnAuthenticationSucceeded resends everything that was waiting for credentials.
func (p *Provider) OnAuthenticationSucceeded() {
	p.mu.Lock()
	senders := make([]*Sender, 0, len(p.senders))
	for s := range p.senders {
		senders = append(senders, s)
	}
	receivers := make([]*Receiver, 0, len(p.receivers))
	for _, r := range p.receivers {
		receivers = append(receivers, r)
	}
	p.mu.Unlock()

	for _, s := range senders {
		s.ResendNow()
	}
	for _, r := range receivers {
		r.RetryNow()
	}
}

// Stop stops every sender and receiver. Send and Subscribe fail afterwards.
func (p *Provider) Stop() {
	p.mu.Lock()
	p.stopped = true
	senders := make([]*Sender, 0, len(p.senders))
	for s := range p.senders {
		senders = append(senders, s)
	}
	receivers := make([]*Receiver, 0, len(p.receivers))
	for _, r := range p.receivers {
		receivers = append(receivers, r)
	}
	p.receivers = map[string]*Receiver{}
	p.mu.Unlock()

	for _, s := range senders {
		s.Stop()
	}
	for _, r := range receivers {
		r.Stop()
	}
	p.log.Info("stopped", logx.Int("senders", len(senders)), logx.Int("receivers", len(receivers)))
}
