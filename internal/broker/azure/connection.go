package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"courier/internal/broker"
	"courier/internal/message"
	"courier/internal/metrics"
	"courier/internal/retry"
	logx "courier/pkg/logx"
)

// State is where a connection is in its request sequence.
type State int32

const (
	Idle State = iota
	Authenticating
	ProvisioningQueue
	ProvisioningTopic
	ProvisioningSubscription
	Ready
	Sending
	Receiving
	Deleting
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Authenticating:
		return "authenticating"
	case ProvisioningQueue:
		return "provisioning_queue"
	case ProvisioningTopic:
		return "provisioning_topic"
	case ProvisioningSubscription:
		return "provisioning_subscription"
	case Ready:
		return "ready"
	case Sending:
		return "sending"
	case Receiving:
		return "receiving"
	case Deleting:
		return "deleting"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Doer executes HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

const maxResponseBody = 8 << 20

// errStale marks a result that arrived after the connection was stopped or
// restarted. It is dropped without touching state or calling the handler.
var errStale = errors.New("stale response")

type role int

const (
	roleSend role = iota
	roleReceive
)

type startupStep int

const (
	stepToken startupStep = iota
	stepQueue
	stepTopic
	stepSubscription
)

// shared is what every connection of one backend uses.
type shared struct {
	provider string
	cfg      Config
	doer     Doer
	limiter  *rate.Limiter
	outbox   broker.Outbox
	inbox    broker.Inbox
	metrics  *metrics.Metrics
	log      logx.Logger
	now      func() time.Time
	base     context.Context
}

// Connection talks to one queue or topic/subscription. A send connection
// delivers one message and finishes; a receive connection loops over
// receive and delete until it fails or is stopped.
//
// Each Start runs the whole sequence on a fresh goroutine: token (WRAP only,
// when none is cached), provisioning (auto-create only), then the work.
type Connection struct {
	sh      *shared
	role    role
	channel string
	msg     message.Message
	handler broker.Handler
	creds   *credentials
	log     logx.Logger

	topic        string
	subscription string
	sendPath     string
	receivePath  string
	steps        []startupStep

	// afterReceive, when set, runs between a successful receive and storing its message.
	afterReceive func()

	state atomic.Int32

	mu      sync.Mutex
	running bool
	gen     uint64
	cancel  context.CancelFunc
	lock    *heldLock
}

func newConnection(sh *shared, r role, channel string, m message.Message, h broker.Handler) *Connection {
	if h == nil {
		h = broker.HandlerFuncs{}
	}
	c := &Connection{
		sh:      sh,
		role:    r,
		channel: channel,
		msg:     m,
		handler: h,
		creds:   newCredentials(sh.cfg, sh.now),
	}
	if sh.cfg.UseTopics() {
		c.topic, c.subscription = splitChannel(channel)
		c.sendPath = c.topic
		c.receivePath = c.topic + "/subscriptions/" + c.subscription
	} else {
		c.sendPath = channel
		c.receivePath = channel
	}

	if c.creds.wrap() {
		c.steps = append(c.steps, stepToken)
	}
	if sh.cfg.AutoCreate {
		if sh.cfg.UseTopics() {
			c.steps = append(c.steps, stepTopic, stepSubscription)
		} else {
			c.steps = append(c.steps, stepQueue)
		}
	}

	kind := "receive"
	if r == roleSend {
		kind = "send"
	}
	c.log = sh.log.With(logx.String("channel", channel), logx.String("conn", kind))
	return c
}

// splitChannel splits "topic/subscription". Without a slash both are the channel.
func splitChannel(channel string) (topic, subscription string) {
	topic, subscription, ok := strings.Cut(channel, "/")
	if !ok || topic == "" || subscription == "" {
		return channel, channel
	}
	return topic, subscription
}

func (c *Connection) String() string {
	return fmt.Sprintf("azure connection on channel %s", c.channel)
}

// State reports the current step.
func (c *Connection) State() State { return State(c.state.Load()) }

// Start runs the connection on a new goroutine. It returns false if it is already running.
func (c *Connection) Start() bool {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return false
	}
	c.running = true
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(c.sh.base)
	c.cancel = cancel
	c.state.Store(int32(Idle))
	c.mu.Unlock()

	c.log.Debug("starting")
	go c.run(ctx, gen)
	return true
}

// Stop cancels the in-flight request. Anything it returns afterwards is
// discarded. The handler is not called.
func (c *Connection) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.gen++
	cancel := c.cancel
	c.cancel = nil
	c.state.Store(int32(Idle))
	c.mu.Unlock()

	c.log.Debug("stopping")
	if cancel != nil {
		cancel()
	}
}

func (c *Connection) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running && c.gen == gen
}

// transition moves to st if gen is still the live run.
func (c *Connection) transition(gen uint64, st State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || c.gen != gen {
		return false
	}
	c.state.Store(int32(st))
	return true
}

// finish ends the run identified by gen. It reports false when that run is already stale.
func (c *Connection) finish(gen uint64, st State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || c.gen != gen {
		return false
	}
	c.running = false
	c.state.Store(int32(st))
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return true
}

func (c *Connection) run(ctx context.Context, gen uint64) {
	var err error
	if c.role == roleSend {
		if c.msg.TTL() < 0 {
			err = retry.Permanent(fmt.Errorf("send %s: %w", c.msg.ID, ErrNegativeTTL))
		}
	}
	if err == nil {
		err = c.startup(ctx, gen)
	}
	if err == nil {
		if !c.transition(gen, Ready) {
			return
		}
		c.handler.OnInitialized()
		if c.role == roleSend {
			err = c.send(ctx, gen)
		} else {
			err = c.receive(ctx, gen)
		}
	}

	switch {
	case errors.Is(err, errStale):
		return
	case err == nil:
		if c.finish(gen, Done) {
			c.handler.OnFinished()
		}
	default:
		if c.finish(gen, Idle) {
			if !retry.Silent(err) {
				c.log.Warn("request failed", logx.Err(err))
			}
			c.handler.OnFailed(err)
		}
	}
}

func (c *Connection) startup(ctx context.Context, gen uint64) error {
	for _, st := range c.steps {
		var err error
		switch st {
		case stepToken:
			if !c.creds.needsToken() {
				continue
			}
			err = c.fetchToken(ctx, gen)
		case stepQueue:
			err = c.provision(ctx, gen, ProvisioningQueue, c.sendPath, contentTypeAtomEntry, queueDescription(c.sendPath))
		case stepTopic:
			err = c.provision(ctx, gen, ProvisioningTopic, c.topic, contentTypeXML, topicDescription(c.topic))
		case stepSubscription:
			err = c.provision(ctx, gen, ProvisioningSubscription, c.receivePath, contentTypeXML, subscriptionDescription(c.subscription))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) fetchToken(ctx context.Context, gen uint64) error {
	if !c.transition(gen, Authenticating) {
		return errStale
	}
	c.log.Trace("getting token")
	form := tokenForm(c.sh.cfg).Encode()
	rep, err := c.roundTrip(ctx, gen, Authenticating.String(), func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, c.sh.cfg.TokenURL(), strings.NewReader(form))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentTypeForm)
		return req, nil
	})
	if err != nil {
		return err
	}
	if rep.status != http.StatusOK {
		return retry.Transient(fmt.Errorf("cannot get token: %s", rep))
	}
	token, ok := parseToken(rep.body)
	if !ok {
		return retry.Transient(errors.New("cannot get token: no token returned"))
	}
	c.creds.setToken(token)
	return nil
}

func (c *Connection) provision(ctx context.Context, gen uint64, st State, path, contentType string, body []byte) error {
	if !c.transition(gen, st) {
		return errStale
	}
	c.log.Trace("provisioning", logx.String("path", path))
	rep, err := c.exchange(ctx, gen, st, path, func(auth string) (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPut, c.url(path), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Authorization", auth)
		return req, nil
	})
	if err != nil {
		return err
	}
	switch rep.status {
	case http.StatusCreated, http.StatusConflict:
		return nil
	default:
		return retry.Transient(fmt.Errorf("cannot create %s: %s", path, rep))
	}
}

func (c *Connection) send(ctx context.Context, gen uint64) error {
	ttl := c.msg.TTL()
	if ttl < 0 {
		return retry.Permanent(fmt.Errorf("send %s: %w", c.msg.ID, ErrNegativeTTL))
	}
	body, err := message.MarshalEnvelope(c.msg)
	if err != nil {
		return retry.Permanent(fmt.Errorf("encode %s: %w", c.msg.ID, err))
	}
	if !c.transition(gen, Sending) {
		return errStale
	}

	target := c.url(c.sendPath) + "/messages?timeout=" + strconv.Itoa(c.sh.cfg.ServerTimeout())
	props := encodeSendProperties(ttl)
	rep, err := c.exchange(ctx, gen, Sending, c.sendPath, func(auth string) (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentTypeMessage)
		req.Header.Set("Authorization", auth)
		req.Header.Set(headerBrokerProperties, props)
		return req, nil
	})
	if err != nil {
		return err
	}
	if rep.status != http.StatusCreated {
		return retry.Permanent(fmt.Errorf("cannot send message: %s", rep))
	}

	c.log.Info("sent", logx.String("id", c.msg.ID))
	c.sh.metrics.Sent(c.sh.provider)
	if c.sh.outbox != nil {
		if err := c.sh.outbox.OnSent(context.WithoutCancel(ctx), c.msg); err != nil {
			c.log.Warn("cannot record sent message", logx.String("id", c.msg.ID), logx.Err(err))
		}
	}
	return nil
}

func (c *Connection) receive(ctx context.Context, gen uint64) error {
	target := c.url(c.receivePath) + "/messages/head?timeout=" + strconv.Itoa(c.sh.cfg.ServerTimeout())
	for {
		if l, ok := c.heldLock(); ok {
			if err := c.delete(ctx, gen, l); err != nil {
				return err
			}
		}
		if !c.transition(gen, Receiving) {
			return errStale
		}

		rep, err := c.exchange(ctx, gen, Receiving, c.receivePath, func(auth string) (*http.Request, error) {
			req, err := http.NewRequest(http.MethodPost, target, http.NoBody)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", auth)
			return req, nil
		})
		if err != nil {
			return err
		}

		switch rep.status {
		case http.StatusCreated:
			l, err := decodeReceivedProperties(rep.header.Get(headerBrokerProperties))
			if err != nil {
				return retry.Transient(fmt.Errorf("cannot receive message: %w", err))
			}
			if c.afterReceive != nil {
				c.afterReceive()
			}
			if !c.current(gen) {
				return errStale
			}
			c.accept(ctx, rep.body)
			if !c.hold(gen, l) {
				return errStale
			}
		case http.StatusNoContent:
			c.log.Trace("nothing to receive")
		default:
			return retry.Transient(fmt.Errorf("cannot receive message: %s", rep))
		}
	}
}

// accept stores a received envelope in the inbox. Failures are logged; the
// broker copy is deleted regardless.
func (c *Connection) accept(ctx context.Context, body []byte) {
	if len(bytes.TrimSpace(body)) == 0 {
		c.log.Warn("received message without content")
		return
	}
	m, err := message.UnmarshalEnvelope(body)
	if err != nil {
		c.log.Warn("cannot decode received message", logx.Err(err))
		return
	}
	m.Provider = c.sh.provider
	c.log.Info("received", logx.String("id", m.ID))
	c.sh.metrics.Received(c.sh.provider)
	if c.sh.inbox == nil {
		return
	}
	if _, err := c.sh.inbox.Add(context.WithoutCancel(ctx), m); err != nil {
		c.log.Warn("cannot store received message", logx.String("id", m.ID), logx.Err(err))
	}
}

func (c *Connection) delete(ctx context.Context, gen uint64, l heldLock) error {
	if !c.transition(gen, Deleting) {
		return errStale
	}
	target := c.url(c.receivePath) + "/messages/" + url.PathEscape(l.MessageID) + "/" + url.PathEscape(l.LockToken)
	rep, err := c.exchange(ctx, gen, Deleting, c.receivePath, func(auth string) (*http.Request, error) {
		req, err := http.NewRequest(http.MethodDelete, target, http.NoBody)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", auth)
		return req, nil
	})
	if err != nil {
		return err
	}
	switch rep.status {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		c.log.Trace("deleted", logx.String("broker_id", l.MessageID))
		if !c.release(gen) {
			return errStale
		}
		return nil
	default:
		return retry.Transient(fmt.Errorf("cannot delete message: %s", rep))
	}
}

func (c *Connection) heldLock() (heldLock, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lock == nil {
		return heldLock{}, false
	}
	return *c.lock, true
}

func (c *Connection) hold(gen uint64, l heldLock) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || c.gen != gen {
		return false
	}
	c.lock = &l
	return true
}

func (c *Connection) release(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || c.gen != gen {
		return false
	}
	c.lock = nil
	return true
}

func (c *Connection) url(path string) string { return c.sh.cfg.BaseURL() + path }

// exchange runs an authorized request. A 401 drops the cached credentials,
// re-authorizes and replays the request once; a second 401 is transient.
func (c *Connection) exchange(ctx context.Context, gen uint64, st State, path string, build func(auth string) (*http.Request, error)) (*reply, error) {
	refreshed := false
	for {
		rep, err := c.roundTrip(ctx, gen, st.String(), func() (*http.Request, error) {
			return build(c.creds.authorization(path))
		})
		if err != nil {
			return nil, err
		}
		if rep.status != http.StatusUnauthorized {
			return rep, nil
		}
		if refreshed {
			return nil, retry.Transient(fmt.Errorf("%s: still unauthorized after refreshing credentials", st))
		}
		refreshed = true
		c.log.Trace("need to reauthenticate", logx.String("step", st.String()))

		c.creds.reset()
		if c.creds.wrap() {
			if err := c.fetchToken(ctx, gen); err != nil {
				return nil, err
			}
			if !c.transition(gen, st) {
				return nil, errStale
			}
		}
	}
}

type reply struct {
	status int
	header http.Header
	body   []byte
}

func (r *reply) String() string {
	text := strings.TrimSpace(string(r.body))
	if len(text) > 256 {
		text = text[:256]
	}
	if text == "" {
		return fmt.Sprintf("%d %s", r.status, http.StatusText(r.status))
	}
	return fmt.Sprintf("%d %s: %s", r.status, http.StatusText(r.status), text)
}

// roundTrip waits on the backend limiter and performs one request under the
// request timeout. The response is fully read before returning.
func (c *Connection) roundTrip(ctx context.Context, gen uint64, step string, build func() (*http.Request, error)) (*reply, error) {
	if err := c.sh.limiter.Wait(ctx); err != nil {
		if !c.current(gen) {
			return nil, errStale
		}
		return nil, retry.Transient(fmt.Errorf("%s: %w", step, err))
	}
	req, err := build()
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("%s: build request: %w", step, err))
	}

	rctx, cancel := context.WithTimeout(ctx, c.sh.cfg.RequestTimeout)
	defer cancel()
	c.log.Trace("request", logx.String("method", req.Method), logx.String("url", req.URL.Redacted()))
	resp, err := c.sh.doer.Do(req.WithContext(rctx))
	if !c.current(gen) {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, errStale
	}
	if err != nil {
		c.sh.metrics.BrokerRequest(c.sh.provider, step, 0)
		if errors.Is(rctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, retry.Transient(fmt.Errorf("%s: request timed out after %s", step, c.sh.cfg.RequestTimeout))
		}
		return nil, retry.Transient(fmt.Errorf("%s: %w", step, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if !c.current(gen) {
		return nil, errStale
	}
	c.sh.metrics.BrokerRequest(c.sh.provider, step, resp.StatusCode)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("%s: read response: %w", step, err))
	}
	return &reply{status: resp.StatusCode, header: resp.Header, body: body}, nil
}
