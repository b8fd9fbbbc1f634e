// Package metrics exposes gateway instruments in the Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wsgate"

var (
	durationBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}
	startupBuckets  = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120}
)

// Sources reads live counts at scrape time. Nil funcs are skipped.
type Sources struct {
	Environments func() map[string]int // state -> count
	Previews     func() map[string]int // status -> count
	PTYSessions  func() int
	Connections  func() int
	OpenFiles    func() int
}

// Metrics holds every instrument on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	envCreate      *prometheus.HistogramVec
	previewReady   prometheus.Histogram
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	rateLimitHits  *prometheus.CounterVec
	messages       *prometheus.CounterVec
	collabEdits    *prometheus.CounterVec
	disconnects    *prometheus.CounterVec
	hubDropped     prometheus.Counter
	attachOverflow prometheus.Counter
}

// New creates the instruments and registers them with the gauges read from
// src.
func New(src Sources) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.envCreate = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "environment",
		Name:      "create_duration_seconds",
		Help:      "Time to provision an environment",
		Buckets:   startupBuckets,
	}, []string{"outcome"})

	m.previewReady = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "preview",
		Name:      "time_to_ready_seconds",
		Help:      "Time from preview start until its port accepts connections",
		Buckets:   startupBuckets,
	})

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Count of processed HTTP requests",
	}, []string{"method", "route", "status"})

	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution of HTTP handlers",
		Buckets:   durationBuckets,
	}, []string{"method", "route", "status"})

	m.rateLimitHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "rate_limit_hits_total",
		Help:      "Number of rate-limited responses",
	}, []string{"route"})

	m.messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "messages_total",
		Help:      "Inbound gateway messages by type and outcome",
	}, []string{"type", "outcome"})

	m.collabEdits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "collab",
		Name:      "edits_total",
		Help:      "Collaborative edits by result",
	}, []string{"result"})

	m.disconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "disconnects_total",
		Help:      "Closed gateway connections by reason",
	}, []string{"reason"})

	m.hubDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "hub",
		Name:      "evicted_subscribers_total",
		Help:      "Subscribers evicted for failing to keep up",
	})

	m.attachOverflow = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "terminal",
		Name:      "attachment_overflows_total",
		Help:      "Terminal attachments detached because their queue overflowed",
	})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.envCreate, m.previewReady,
		m.httpRequests, m.httpDuration, m.rateLimitHits,
		m.messages, m.collabEdits, m.disconnects,
		m.hubDropped, m.attachOverflow,
	)
	m.registerGauges(src)
	return m
}

func (m *Metrics) registerGauges(src Sources) {
	if src.Environments != nil {
		m.registry.MustRegister(newMapGauge(
			prometheus.BuildFQName(namespace, "environment", "count"),
			"Environments by state", "state", src.Environments))
	}
	if src.Previews != nil {
		m.registry.MustRegister(newMapGauge(
			prometheus.BuildFQName(namespace, "preview", "count"),
			"Preview processes by status", "status", src.Previews))
	}
	gauges := []struct {
		subsystem, name, help string
		fn                    func() int
	}{
		{"terminal", "sessions", "Open PTY sessions", src.PTYSessions},
		{"gateway", "connections", "Open websocket connections", src.Connections},
		{"collab", "open_files", "Files with at least one subscriber", src.OpenFiles},
	}
	for _, g := range gauges {
		if g.fn == nil {
			continue
		}
		fn := g.fn
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: g.subsystem,
			Name:      g.name,
			Help:      g.help,
		}, func() float64 { return float64(fn()) }))
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveEnvironmentCreate records a provisioning attempt.
func (m *Metrics) ObserveEnvironmentCreate(d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.envCreate.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObservePreviewReady records how long a preview took to accept connections.
func (m *Metrics) ObservePreviewReady(d time.Duration) {
	m.previewReady.Observe(d.Seconds())
}

// ObserveHTTP records a served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpDuration.With(labels).Observe(d.Seconds())
}

// RateLimited records a rejected request.
func (m *Metrics) RateLimited(route string) {
	m.rateLimitHits.WithLabelValues(route).Inc()
}

// Message records a handled gateway message. outcome is "ok" or an error code.
func (m *Metrics) Message(msgType, outcome string) {
	m.messages.WithLabelValues(msgType, outcome).Inc()
}

// CollabEdit records an edit outcome: accepted, rejected or invalid.
func (m *Metrics) CollabEdit(result string) {
	m.collabEdits.WithLabelValues(result).Inc()
}

// Disconnect records a closed connection.
func (m *Metrics) Disconnect(reason string) {
	m.disconnects.WithLabelValues(reason).Inc()
}

// SubscriberEvicted records a hub subscriber dropped for being slow.
func (m *Metrics) SubscriberEvicted() {
	m.hubDropped.Inc()
}

// AttachmentOverflow records a terminal attachment detached on overflow.
func (m *Metrics) AttachmentOverflow() {
	m.attachOverflow.Inc()
}

// mapGauge reports one gauge per key of a map read at scrape time.
type mapGauge struct {
	desc *prometheus.Desc
	read func() map[string]int
}

func newMapGauge(name, help, label string, read func() map[string]int) *mapGauge {
	return &mapGauge{
		desc: prometheus.NewDesc(name, help, []string{label}, nil),
		read: read,
	}
}

func (g *mapGauge) Describe(ch chan<- *prometheus.Desc) {
	ch <- g.desc
}

func (g *mapGauge) Collect(ch chan<- prometheus.Metric) {
	for key, n := range g.read() {
		ch <- prometheus.MustNewConstMetric(g.desc, prometheus.GaugeValue, float64(n), key)
	}
}
