package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registrations  *prometheus.CounterVec
	heartbeats     *prometheus.CounterVec
	rateLimited    *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	bountyOutcomes *prometheus.CounterVec
	requests       *prometheus.HistogramVec
}

func newMetrics(reg *prometheus.Registry) (*metrics, error) {
	m := &metrics{
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beacon",
			Name:      "registrations_total",
			Help:      "Relay registrations by signature outcome.",
		}, []string{"verified"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beacon",
			Name:      "heartbeats_total",
			Help:      "Heartbeats and pings by outcome.",
		}, []string{"kind", "outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beacon",
			Name:      "rate_limited_total",
			Help:      "Requests refused by the per-origin cooldown.",
		}, []string{"class"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beacon",
			Name:      "contract_transitions_total",
			Help:      "Contract creations and state changes by resulting state.",
		}, []string{"state"}),
		bountyOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beacon",
			Name:      "bounty_events_total",
			Help:      "Bounty claims and completions.",
		}, []string{"event"}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "beacon",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	for _, c := range []prometheus.Collector{m.registrations, m.heartbeats, m.rateLimited, m.transitions, m.bountyOutcomes, m.requests} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	// A shared registry may already carry the Go collector.
	_ = reg.Register(collectors.NewGoCollector())
	return m, nil
}

func (m *metrics) observeRequest(method, route string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

func registerMetrics(r chi.Router, reg *prometheus.Registry) {
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
}
