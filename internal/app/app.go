package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"courier/internal/broker/azure"
	"courier/internal/config"
	"courier/internal/delivery"
	"courier/internal/metrics"
	"courier/internal/observability/admin"
	"courier/internal/runtime/supervisor"
	"courier/internal/storage"
	logx "courier/pkg/logx"
)

type Option func(*options)

type options struct {
	auth delivery.Authenticator
	doer azure.Doer
	sink logx.Sink
}

// WithAuthenticator installs the interactive authenticator providers with an
// auth_method call when their credentials are rejected.
func WithAuthenticator(a delivery.Authenticator) Option { return func(o *options) { o.auth = a } }

// WithDoer replaces the HTTP client every broker connection uses.
func WithDoer(d azure.Doer) Option { return func(o *options) { o.doer = d } }

// WithSink forwards log lines to s when logging.sink is enabled.
func WithSink(s logx.Sink) Option { return func(o *options) { o.sink = s } }

// App owns everything one courier process runs: the stores, the providers,
// the purger and the admin server.
type App struct {
	cfgm *config.ConfigManager
	opts options

	log  logx.Logger
	logs *logx.Service

	metrics   *metrics.Metrics
	stores    storage.Stores
	registry  *delivery.Registry
	purger    *storage.Purger
	admin     *admin.Server
	providers []config.ProviderConfig

	// connCtx bounds every broker request; it is cancelled once providers are stopped.
	connCtx    context.Context
	connCancel context.CancelFunc

	sup      *supervisor.Supervisor
	authOff  []func()
	stopping atomic.Bool
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Logging.Logx())
	if o.sink != nil {
		logSvc.SetSink(o.sink)
	}
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgm:      cfgm,
		opts:      o,
		log:       log,
		logs:      logSvc,
		metrics:   metrics.New(),
		registry:  delivery.NewRegistry(),
		providers: cfg.Providers,
	}
	a.connCtx, a.connCancel = context.WithCancel(context.Background())

	if err := a.build(cfg, logSvc.Logger()); err != nil {
		a.connCancel()
		if a.stores.Inbox != nil || a.stores.Outbox != nil {
			_ = a.stores.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, root logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	stores, err := storage.OpenStores(context.Background(), sc, a.registry, root.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.stores = stores
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	base, err := mapDeliveryConfig(cfg)
	if err != nil {
		return err
	}
	base.Metrics = a.metrics

	for _, pc := range cfg.Providers {
		ac, err := mapAzureConfig(pc)
		if err != nil {
			return err
		}
		backend, err := azure.NewBackend(azure.Options{
			Name:               pc.Name,
			Config:             ac,
			NeedsDeletionStubs: pc.NeedsDeletionStubs,
			Outbox:             stores.Outbox,
			Inbox:              stores.Inbox,
			Doer:               a.opts.doer,
			Metrics:            a.metrics,
			Logger:             root,
			Context:            a.connCtx,
		})
		if err != nil {
			return fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		pcfg := base
		pcfg.PostExpiredResponses = pc.PostExpiredResponses
		p := delivery.NewProvider(pcfg, backend, stores, root)
		if err := a.registry.Add(p); err != nil {
			return err
		}
		if pc.Default {
			if err := a.registry.SetDefault(pc.Name); err != nil {
				return err
			}
		}
		a.log.Info("provider configured",
			logx.String("provider", pc.Name),
			logx.String("broker", ac.BrokerType),
			logx.Bool("wrap", ac.SharedAccess == nil),
		)
	}

	every, err := mapPurgeInterval(cfg)
	if err != nil {
		return err
	}
	a.purger = storage.NewPurger(every, root.With(logx.String("comp", "purge")), stores.Inbox, stores.Outbox)

	if cfg.Admin.Enabled {
		acfg, err := mapAdminConfig(cfg)
		if err != nil {
			return err
		}
		a.admin = admin.New(acfg, root, admin.WithMetrics(a.metrics.Handler()), admin.WithHealth(a.health))
	}
	return nil
}

// Inbox is the store received messages land in.
func (a *App) Inbox() *storage.MessageStore { return a.stores.Inbox }

// Outbox is the store of messages waiting to be sent.
func (a *App) Outbox() *storage.MessageStore { return a.stores.Outbox }

func (a *App) Registry() *delivery.Registry { return a.registry }

func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// Config is the last committed config.
func (a *App) Config() *config.Config { return a.cfgm.Get() }

// AdminAddr is the admin server's bound address, or "" when it is not running.
func (a *App) AdminAddr() string {
	if a.admin == nil {
		return ""
	}
	return a.admin.Addr()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) health() admin.Health {
	h := admin.Health{Status: "ok"}
	if a.stopping.Load() {
		h.Status = "stopping"
	}
	for _, p := range a.registry.All() {
		h.Providers = append(h.Providers, admin.ProviderHealth{
			Name:          p.Name(),
			Senders:       len(p.Senders()),
			Subscriptions: p.Subscriptions(),
		})
	}
	if a.sup != nil {
		h.Goroutines = a.sup.Counters()
	}
	return h
}

// Start brings up the purger and the admin server, then every provider:
// authentication hooks, configured subscriptions and the outbox backlog.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.logs.Logger())
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if err := a.purger.Start(run); err != nil {
		return err
	}
	if a.admin != nil {
		if err := a.admin.Start(run); err != nil {
			return fmt.Errorf("admin: %w", err)
		}
	}

	for _, pc := range a.providers {
		p, ok := a.registry.Get(pc.Name)
		if !ok {
			continue
		}
		if a.opts.auth != nil && strings.TrimSpace(pc.AuthMethod) != "" {
			a.authOff = append(a.authOff, delivery.AuthenticateOnDemand(run, p, a.opts.auth, pc.AuthMethod))
		}
		for _, ch := range pc.Subscribe {
			p.Subscribe(ch)
		}
		if _, err := p.SendAllPendingMessages(run); err != nil {
			a.log.Warn("cannot resume pending messages", logx.String("provider", p.Name()), logx.Err(err))
		}
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("providers", len(a.registry.All())))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig applies the logging section live. Other sections are only
// reported; they take effect after a restart.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, providers := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(providers) > 0 {
		a.log.Debug("provider config changes detected", logx.Any("providers", providers))
	}
	a.logs.Apply(next.Logging.Logx())

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if config.RestartRequired(sections) {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("changed", strings.Join(sections, ",")))
	}
}

// Stop shuts everything down in order: providers, purger, admin server,
// stores, supervisor. Each step is bounded so one component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if !a.stopping.CompareAndSwap(false, true) {
		return nil
	}
	if a.sup == nil {
		// Never started: only the stores and the log outputs are open.
		a.connCancel()
		return errors.Join(a.stores.Close(), a.logs.Close())
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.step(ctx, "providers", 3*time.Second, func(context.Context) error {
		for _, off := range a.authOff {
			off()
		}
		a.registry.StopAll()
		a.connCancel()
		return nil
	})
	a.step(ctx, "purger", time.Second, func(c context.Context) error { a.purger.Stop(c); return nil })
	a.step(ctx, "admin", time.Second, func(c context.Context) error {
		if a.admin == nil {
			return nil
		}
		return a.admin.Stop(c)
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.stores.Close() })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step with an upper bound, never extending the caller's deadline.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
