// Package metrics exports quickdrop's counters to Prometheus. Metrics
// implements lifecycle.Observer so state changes are counted where they are
// decided, and offers request and sweep hooks for the HTTP layer and reaper.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quickdrop/internal/lifecycle"
	"quickdrop/internal/reaper"
)

const namespace = "quickdrop"

// Metrics holds every collector.
type Metrics struct {
	registered    prometheus.Counter
	uploadedBytes prometheus.Counter
	granted       prometheus.Counter
	servedBytes   prometheus.Counter
	denied        *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	destroyed     *prometheus.CounterVec

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	sweeps *prometheus.CounterVec
	reg    prometheus.Registerer
}

var _ lifecycle.Observer = (*Metrics)(nil)

// New creates and registers the collectors on reg (DefaultRegisterer if nil).
// Collectors already registered by an earlier call are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{reg: reg}
	var err error

	if m.registered, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "objects_registered_total",
		Help: "Uploads stored and registered as active.",
	})); err != nil {
		return nil, err
	}
	if m.uploadedBytes, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "uploaded_bytes_total",
		Help: "Payload bytes accepted.",
	})); err != nil {
		return nil, err
	}
	if m.granted, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "retrievals_granted_total",
		Help: "Retrievals counted against an object's limit.",
	})); err != nil {
		return nil, err
	}
	if m.servedBytes, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "served_bytes_total",
		Help: "Payload bytes written to downloaders.",
	})); err != nil {
		return nil, err
	}
	if m.denied, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "retrievals_denied_total",
		Help: "Refused retrievals by reason.",
	}, []string{"reason"})); err != nil {
		return nil, err
	}
	if m.transitions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "state_transitions_total",
		Help: "Lifecycle state transitions.",
	}, []string{"from", "to"})); err != nil {
		return nil, err
	}
	if m.destroyed, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "payload_destructions_total",
		Help: "Attempts to destroy payload bytes by result.",
	}, []string{"result"})); err != nil {
		return nil, err
	}
	if m.requests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "http_requests_total",
		Help: "HTTP requests by route, method and status code.",
	}, []string{"route", "method", "code"})); err != nil {
		return nil, err
	}
	if m.requestDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})); err != nil {
		return nil, err
	}
	if m.sweeps, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "reaper_records_total",
		Help: "Records handled by reaper sweeps by outcome.",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, or returns the collector already registered under
// the same descriptor.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("register metric: %w", err)
}

// Info publishes a constant build_info gauge.
func (m *Metrics) Info(version, commit string) error {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "build_info",
		Help:        "Build version and commit.",
		ConstLabels: prometheus.Labels{"version": version, "commit": commit},
	})
	g.Set(1)
	_, err := register(m.reg, g)
	return err
}

// Gauges exposes lifecycle and storage occupancy, sampled at scrape time.
// usage may be nil when the store has no capacity accounting.
func (m *Metrics) Gauges(stats func() lifecycle.Stats, usage func() (used, capacity int64)) error {
	byState := func(pick func(lifecycle.Stats) int) func() float64 {
		return func() float64 { return float64(pick(stats())) }
	}
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "objects", Help: "Records by state.",
			ConstLabels: prometheus.Labels{"state": "active"},
		}, byState(func(s lifecycle.Stats) int { return s.Active })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "objects", Help: "Records by state.",
			ConstLabels: prometheus.Labels{"state": "consumed"},
		}, byState(func(s lifecycle.Stats) int { return s.Consumed })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "objects", Help: "Records by state.",
			ConstLabels: prometheus.Labels{"state": "expired"},
		}, byState(func(s lifecycle.Stats) int { return s.Expired })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tombstones", Help: "Terminal records whose bytes are gone.",
		}, byState(func(s lifecycle.Stats) int { return s.Tombstones })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "inflight_retrievals", Help: "Payloads currently being streamed.",
		}, byState(func(s lifecycle.Stats) int { return s.Readers })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "held_bytes", Help: "Payload bytes not yet destroyed.",
		}, func() float64 { return float64(stats().BytesHeld) }),
	}
	if usage != nil {
		gauges = append(gauges,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace, Name: "storage_used_bytes", Help: "Bytes used by the object store.",
			}, func() float64 { u, _ := usage(); return float64(u) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace, Name: "storage_capacity_bytes", Help: "Object store capacity, 0 if unbounded.",
			}, func() float64 { _, c := usage(); return float64(c) }),
		)
	}
	for _, g := range gauges {
		if _, err := register(m.reg, g); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObjectRegistered(obj lifecycle.StoredObject) {
	m.registered.Inc()
	m.uploadedBytes.Add(float64(obj.SizeBytes))
}

func (m *Metrics) RetrievalGranted(lifecycle.StoredObject) {
	m.granted.Inc()
}

func (m *Metrics) RetrievalDenied(reason string) {
	m.denied.WithLabelValues(reason).Inc()
}

func (m *Metrics) StateChanged(from, to lifecycle.State) {
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) BytesDestroyed(_ lifecycle.StoredObject, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.destroyed.WithLabelValues(result).Inc()
}

// ObserveServed counts bytes written for a download.
func (m *Metrics) ObserveServed(n int64) {
	if n > 0 {
		m.servedBytes.Add(float64(n))
	}
}

// ObserveRequest records one HTTP request. route must be the mux pattern,
// never the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveRequest(route, method string, code int, d time.Duration) {
	m.requests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// ObserveSweep is a reaper.Config.OnSweep hook.
func (m *Metrics) ObserveSweep(res reaper.Result) {
	m.sweeps.WithLabelValues("expired").Add(float64(res.Expired))
	m.sweeps.WithLabelValues("destroyed").Add(float64(res.Destroyed))
	m.sweeps.WithLabelValues("purged").Add(float64(res.Purged))
	m.sweeps.WithLabelValues("failed").Add(float64(res.Failed))
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
