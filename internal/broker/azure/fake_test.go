package azure

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"courier/internal/message"
)

// scripted is one canned broker response.
type scripted struct {
	status int
	header map[string]string
	body   string
	err    error

	// release, when set, holds the response until closed. The request
	// context is ignored so the answer can arrive after a Stop.
	release chan struct{}
}

type call struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   string
}

// fakeDoer answers requests from a script. Once the script is exhausted it
// blocks until the request context ends, which parks receive loops.
type fakeDoer struct {
	mu       sync.Mutex
	script   []scripted
	calls    []call
	inflight int
	maxSeen  int

	arrived chan call
}

func newFakeDoer(script ...scripted) *fakeDoer {
	return &fakeDoer{script: script, arrived: make(chan call, 64)}
}

func (d *fakeDoer) push(s ...scripted) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = append(d.script, s...)
}

func (d *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	var body string
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		body = string(b)
	}
	c := call{Method: req.Method, Path: req.URL.Path, Query: req.URL.RawQuery, Header: req.Header.Clone(), Body: body}

	d.mu.Lock()
	d.inflight++
	if d.inflight > d.maxSeen {
		d.maxSeen = d.inflight
	}
	d.calls = append(d.calls, c)
	var (
		s  scripted
		ok bool
	)
	if len(d.script) > 0 {
		s, ok = d.script[0], true
		d.script = d.script[1:]
	}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.inflight--
		d.mu.Unlock()
	}()
	d.arrived <- c

	if !ok {
		<-req.Context().Done()
		return nil, req.Context().Err()
	}
	if s.release != nil {
		<-s.release
	}
	if s.err != nil {
		return nil, s.err
	}
	resp := &http.Response{
		StatusCode: s.status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(s.body)),
		Request:    req,
	}
	for k, v := range s.header {
		resp.Header.Set(k, v)
	}
	return resp, nil
}

func (d *fakeDoer) Calls() []call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]call(nil), d.calls...)
}

func (d *fakeDoer) MaxInflight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxSeen
}

func (d *fakeDoer) wait(t *testing.T, n int) []call {
	t.Helper()
	out := make([]call, 0, n)
	for len(out) < n {
		select {
		case c := <-d.arrived:
			out = append(out, c)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d requests, want %d", len(out), n)
		}
	}
	return out
}

func (d *fakeDoer) quiet(t *testing.T) {
	t.Helper()
	select {
	case c := <-d.arrived:
		t.Fatalf("unexpected request %s %s", c.Method, c.Path)
	case <-time.After(50 * time.Millisecond):
	}
}

// recorder is a broker.Handler that reports every callback on a channel.
type recorder struct {
	initialized chan struct{}
	finished    chan struct{}
	failed      chan error
}

func newRecorder() *recorder {
	return &recorder{
		initialized: make(chan struct{}, 8),
		finished:    make(chan struct{}, 8),
		failed:      make(chan error, 8),
	}
}

func (r *recorder) OnInitialized()     { r.initialized <- struct{}{} }
func (r *recorder) OnFinished()        { r.finished <- struct{}{} }
func (r *recorder) OnFailed(err error) { r.failed <- err }

func (r *recorder) waitFinished(t *testing.T) {
	t.Helper()
	select {
	case <-r.finished:
	case err := <-r.failed:
		t.Fatalf("failed instead of finishing: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("not finished")
	}
}

func (r *recorder) waitFailed(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.failed:
		return err
	case <-r.finished:
		t.Fatalf("finished instead of failing")
	case <-time.After(2 * time.Second):
		t.Fatalf("no failure reported")
	}
	return nil
}

func (r *recorder) waitInitialized(t *testing.T) {
	t.Helper()
	select {
	case <-r.initialized:
	case err := <-r.failed:
		t.Fatalf("failed before initializing: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("not initialized")
	}
}

func (r *recorder) requireSilent(t *testing.T) {
	t.Helper()
	select {
	case err := <-r.failed:
		t.Fatalf("unexpected failure: %v", err)
	case <-r.finished:
		t.Fatalf("unexpected finish")
	default:
	}
}

type fakeInbox struct {
	mu    sync.Mutex
	added []message.Message
	err   error
}

func (f *fakeInbox) Add(_ context.Context, m message.Message) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	f.added = append(f.added, m)
	return true, nil
}

func (f *fakeInbox) Messages() []message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message.Message(nil), f.added...)
}

var errBoom = errors.New("boom")
