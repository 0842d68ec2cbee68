package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"courier/internal/message"
	"courier/internal/observability/admin"
)

// fakeBus answers like a service bus namespace with one queued message for "chat".
type fakeBus struct {
	delivered atomic.Bool

	mu    sync.Mutex
	sent  []string
	acked []string
}

func (b *fakeBus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "SharedAccessSignature ") {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/messages"):
		b.mu.Lock()
		b.sent = append(b.sent, r.URL.Path)
		b.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/messages/head"):
		if r.URL.Path != "/chat/messages/head" || b.delivered.Swap(true) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		m := message.New("chat", "general", json.RawMessage(`{"hello":"world"}`), nil, time.Hour, "")
		body, _ := message.MarshalEnvelope(m)
		w.Header().Set("BrokerProperties", `{"MessageId":"m-1","LockToken":"lock-1"}`)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	case r.Method == http.MethodDelete:
		b.mu.Lock()
		b.acked = append(b.acked, r.URL.Path)
		b.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func (b *fakeBus) Sent() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.sent...)
}

func (b *fakeBus) Acked() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.acked...)
}

func writeConfig(t *testing.T, endpoint string) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`{
  "logging": {"level": "warn", "console": true},
  "storage": {"driver": "memory", "content_dir": %q, "purge_interval": "1h"},
  "delivery": {"sender_retry": "50ms", "receiver_retry": "50ms"},
  "admin": {"enabled": true, "addr": "127.0.0.1:0"},
  "providers": [{
    "name": "azure",
    "type": "azure",
    "default": true,
    "subscribe": ["Chat"],
    "preferences": {"sasKeyName": "RootManageSharedAccessKey", "sasKey": "c2VjcmV0"},
    "broker": {"endpoint": %q, "rate_per_sec": 1000, "burst": 100, "request_timeout": "10s"}
  }]
}`, filepath.Join(dir, "content"), endpoint)
	path := filepath.Join(dir, "courier.json")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAppSendsAndReceives(t *testing.T) {
	bus := &fakeBus{}
	ts := httptest.NewServer(bus)
	defer ts.Close()

	a, err := New(writeConfig(t, ts.URL))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	require.Error(t, a.Start(ctx))

	p, ok := a.Registry().Default()
	require.True(t, ok)
	require.Equal(t, "azure", p.Name())
	require.Equal(t, []string{"chat"}, p.Subscriptions())

	_, err = p.Send(ctx, message.New("alerts", "ops", json.RawMessage(`{"n":1}`), nil, time.Hour, ""))
	require.NoError(t, err)
	waitFor(t, func() bool {
		n, err := a.Outbox().Len(ctx)
		return err == nil && n == 0
	})
	require.Contains(t, bus.Sent(), "/alerts/messages")

	waitFor(t, func() bool {
		got, err := a.Inbox().GetMessages(ctx, "chat", "general")
		return err == nil && len(got) == 1
	})
	waitFor(t, func() bool { return len(bus.Acked()) == 1 })
	require.Equal(t, "/chat/messages/m-1/lock-1", bus.Acked()[0])

	res, err := http.Get("http://" + a.AdminAddr() + "/healthz")
	require.NoError(t, err)
	var h admin.Health
	require.NoError(t, json.NewDecoder(res.Body).Decode(&h))
	res.Body.Close()
	require.Equal(t, "ok", h.Status)
	require.Len(t, h.Providers, 1)
	require.Equal(t, []string{"chat"}, h.Providers[0].Subscriptions)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	require.Empty(t, p.Subscriptions())
	require.Empty(t, a.AdminAddr())
}

func TestNewRejectsBadProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "courier.yaml")
	body := `
storage:
  driver: memory
providers:
  - name: azure
    preferences:
      serviceNamespace: ns
      sbHostName: servicebus.windows.net
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	_, err := New(path)
	require.ErrorContains(t, err, "no credentials configured")
}

func TestStopBeforeStart(t *testing.T) {
	a, err := New(writeConfig(t, "http://127.0.0.1:1"))
	require.NoError(t, err)
	require.NoError(t, a.Stop(context.Background(), StopAppStop))
	select {
	case <-a.Done():
	default:
		t.Fatal("Done must be closed when not started")
	}
}
