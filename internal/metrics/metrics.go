// Package metrics exposes delivery counters in prometheus format.
//
// A nil *Metrics is valid and records nothing, so components take one
// optionally.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "courier"

// Direction labels which side of a provider an outcome belongs to.
const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

type Metrics struct {
	reg *prometheus.Registry

	requests *prometheus.CounterVec
	sent     *prometheus.CounterVec
	received *prometheus.CounterVec
	failures *prometheus.CounterVec
	active   *prometheus.GaugeVec
}

// New builds the counters on a private registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_requests_total",
			Help:      "Broker HTTP exchanges by step and response status.",
		}, []string{"provider", "step", "code"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages accepted by the broker.",
		}, []string{"provider"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages pulled from the broker into the inbox.",
		}, []string{"provider"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Failed delivery attempts by retry policy.",
		}, []string{"provider", "direction", "policy"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_components",
			Help:      "Running senders and receivers.",
		}, []string{"provider", "direction"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.sent, m.received, m.failures, m.active,
	)
	return m
}

// Registry returns the registry the counters live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// BrokerRequest counts one completed HTTP exchange. status 0 means no response.
func (m *Metrics) BrokerRequest(provider, step string, status int) {
	if m == nil {
		return
	}
	code := "none"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.requests.WithLabelValues(provider, step, code).Inc()
}

func (m *Metrics) Sent(provider string) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(provider).Inc()
}

func (m *Metrics) Received(provider string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(provider).Inc()
}

// Failed counts a failure reported to a sender or receiver and the policy chosen for it.
func (m *Metrics) Failed(provider, direction, policy string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(provider, direction, policy).Inc()
}

// Active adjusts the running component gauge by delta.
func (m *Metrics) Active(provider, direction string, delta float64) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(provider, direction).Add(delta)
}
