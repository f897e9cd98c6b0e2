// Package telemetry provides metrics for the gateway using only standard
// library constructs: counters, gauges and histograms recorded in-process and
// exposed in Prometheus text format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config holds telemetry configuration.
type Config struct {
	ServiceName    string `json:"service_name"`
	ServiceVersion string `json:"service_version"`
	Environment    string `json:"environment"`
	MetricsEnabled *bool  `json:"metrics_enabled"` // nil = use default (true)
}

// metricsOn returns whether metrics are enabled (defaults to true).
func (c *Config) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "hl7-gateway"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// BoolPtr is a helper to create a *bool for Config fields.
func BoolPtr(b bool) *bool {
	return &b
}

// Metric names, in their internal dotted form.
const (
	MetricFrames         = "hl7.frames"
	MetricAcks           = "hl7.acks"
	MetricMessages       = "hl7.messages"
	MetricProcessing     = "hl7.processing.duration"
	MetricConnections    = "mllp.connections.active"
	MetricHTTPDuration   = "http.server.request.duration"
	MetricHTTPActive     = "http.server.active_requests"
	MetricDBPoolActive   = "db.pool.active_connections"
	MetricDBPoolIdle     = "db.pool.idle_connections"
	MetricRecordsStored  = "hl7.records.stored"
	metricLabelSeparator = "|"
)

// ---------------------------------------------------------------------------
// Histogram: Prometheus-style histogram with buckets
// ---------------------------------------------------------------------------

// histogram is a thread-safe histogram with configurable bucket boundaries.
// Bucket counts are non-cumulative in storage; cumulative counts are computed
// at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64 // one per boundary, non-cumulative
	count        int64
	sum          uint64     // stored as math.Float64bits for atomic add
	mu           sync.Mutex // protects bucketCounts
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

// Observe records a single value.
func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			h.mu.Unlock()
			return
		}
	}
	// Value exceeds all boundaries: counted in +Inf (handled at export).
	h.mu.Unlock()
}

// Count returns the total number of observations.
func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

// Sum returns the total sum of all observations.
func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

// cumulativeBuckets returns cumulative bucket counts for Prometheus export.
func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	cum := make([]int64, len(raw))
	var running int64
	for i, c := range raw {
		running += c
		cum[i] = running
	}
	return cum
}

// atomicAddFloat64 performs an atomic add on a uint64 that stores a float64
// using CAS.
func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		newVal := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(newVal)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Counter and gauge stores: keyed by "name|label"
// ---------------------------------------------------------------------------

type int64Store struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newInt64Store() *int64Store {
	return &int64Store{items: make(map[string]*int64)}
}

func (s *int64Store) ptr(key string) *int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return p
	}
	s.mu.Lock()
	p, ok = s.items[key]
	if !ok {
		p = new(int64)
		s.items[key] = p
	}
	s.mu.Unlock()
	return p
}

func (s *int64Store) add(key string, delta int64) { atomic.AddInt64(s.ptr(key), delta) }

func (s *int64Store) set(key string, val int64) { atomic.StoreInt64(s.ptr(key), val) }

func (s *int64Store) get(key string) int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

// labeled returns label value → count for every key under name, sorted by
// label for stable output.
func (s *int64Store) labeled(name string) ([]string, map[string]int64) {
	prefix := name + metricLabelSeparator
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64)
	var labels []string
	for k, p := range s.items {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		label := strings.TrimPrefix(k, prefix)
		out[label] = atomic.LoadInt64(p)
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels, out
}

// LabelsKey builds the store key for a metric with a single label value.
// Exported so tests can construct the same key.
func LabelsKey(name, label string) string {
	return name + metricLabelSeparator + label
}

// ---------------------------------------------------------------------------
// Provider: the main entry point
// ---------------------------------------------------------------------------

// defaultDurationBuckets are the histogram bucket boundaries (in seconds)
// used for request and message processing durations.
var defaultDurationBuckets = []float64{
	0.001, 0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// Provider holds all metric state for the process.
type Provider struct {
	cfg Config

	histograms map[string]*histogram
	histMu     sync.RWMutex

	counters *int64Store
	gauges   *int64Store
}

// NewProvider creates and initialises a metrics provider.
func NewProvider(cfg Config) *Provider {
	cfg.applyDefaults()
	return &Provider{
		cfg:        cfg,
		histograms: make(map[string]*histogram),
		counters:   newInt64Store(),
		gauges:     newInt64Store(),
	}
}

// Resource returns the identifying attributes of the service.
func (p *Provider) Resource() map[string]string {
	return map[string]string{
		"service.name":           p.cfg.ServiceName,
		"service.version":        p.cfg.ServiceVersion,
		"deployment.environment": p.cfg.Environment,
	}
}

func (p *Provider) getOrCreateHistogram(name string, boundaries []float64) *histogram {
	p.histMu.RLock()
	h, ok := p.histograms[name]
	p.histMu.RUnlock()
	if ok {
		return h
	}
	p.histMu.Lock()
	h, ok = p.histograms[name]
	if !ok {
		h = newHistogram(boundaries)
		p.histograms[name] = h
	}
	p.histMu.Unlock()
	return h
}

// GetHistogram returns the named histogram, or nil if it does not exist.
func (p *Provider) GetHistogram(name string) *histogram {
	p.histMu.RLock()
	defer p.histMu.RUnlock()
	return p.histograms[name]
}

// GetCounter returns the current value of a counter. label is "" for
// unlabeled counters.
func (p *Provider) GetCounter(name, label string) int64 {
	return p.counters.get(LabelsKey(name, label))
}

// GetGauge returns the current value of the named gauge.
func (p *Provider) GetGauge(name string) int64 {
	return p.gauges.get(name)
}

// ---------------------------------------------------------------------------
// Gateway metrics
// ---------------------------------------------------------------------------

// FrameReceived counts one complete MLLP frame.
func (p *Provider) FrameReceived() {
	if p.cfg.metricsOn() {
		p.counters.add(LabelsKey(MetricFrames, ""), 1)
	}
}

// AckSent counts one acknowledgment by code.
func (p *Provider) AckSent(code string) {
	if p.cfg.metricsOn() {
		p.counters.add(LabelsKey(MetricAcks, code), 1)
	}
}

// MessageRouted counts one message by routed kind.
func (p *Provider) MessageRouted(kind string) {
	if p.cfg.metricsOn() {
		p.counters.add(LabelsKey(MetricMessages, kind), 1)
	}
}

// RecordStored counts one record persisted by the inbound sink.
func (p *Provider) RecordStored(kind string) {
	if p.cfg.metricsOn() {
		p.counters.add(LabelsKey(MetricRecordsStored, kind), 1)
	}
}

// ConnectionOpened increments the active MLLP connection gauge.
func (p *Provider) ConnectionOpened() { p.gauges.add(MetricConnections, 1) }

// ConnectionClosed decrements the active MLLP connection gauge.
func (p *Provider) ConnectionClosed() { p.gauges.add(MetricConnections, -1) }

// ObserveProcessing records the time taken to turn one frame into an
// acknowledgment.
func (p *Provider) ObserveProcessing(d time.Duration) {
	if p.cfg.metricsOn() {
		p.getOrCreateHistogram(MetricProcessing, defaultDurationBuckets).Observe(d.Seconds())
	}
}

// SetDBPool records the database pool connection counts.
func (p *Provider) SetDBPool(active, idle int64) {
	p.gauges.set(MetricDBPoolActive, active)
	p.gauges.set(MetricDBPoolIdle, idle)
}

// ---------------------------------------------------------------------------
// MetricsMiddleware
// ---------------------------------------------------------------------------

// MetricsMiddleware returns an Echo middleware that records HTTP server metrics.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.metricsOn() {
				return next(c)
			}

			p.gauges.add(MetricHTTPActive, 1)
			start := time.Now()

			err := next(c)

			p.gauges.add(MetricHTTPActive, -1)
			p.getOrCreateHistogram(MetricHTTPDuration, defaultDurationBuckets).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// PrometheusHandler
// ---------------------------------------------------------------------------

// PrometheusHandler returns an Echo handler that serves metrics in Prometheus
// text exposition format at /metrics.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		p.writeCounter(&b, "hl7_frames_total", "Complete MLLP frames received.", MetricFrames, "")
		p.writeCounter(&b, "hl7_acks_total", "Acknowledgments sent by code.", MetricAcks, "code")
		p.writeCounter(&b, "hl7_messages_total", "Messages routed by kind.", MetricMessages, "kind")
		p.writeCounter(&b, "hl7_records_stored_total", "Records persisted by kind.", MetricRecordsStored, "kind")

		p.histMu.RLock()
		processing := p.histograms[MetricProcessing]
		httpDuration := p.histograms[MetricHTTPDuration]
		p.histMu.RUnlock()

		writeSimpleHistogram(&b, "hl7_processing_seconds",
			"Time from complete frame to acknowledgment in seconds.", processing, defaultDurationBuckets)
		writeSimpleHistogram(&b, "http_server_request_duration_seconds",
			"Duration of HTTP requests in seconds.", httpDuration, defaultDurationBuckets)

		gauges := []struct {
			promName string
			name     string
			help     string
		}{
			{"mllp_connections_active", MetricConnections, "Number of open MLLP connections."},
			{"http_server_active_requests", MetricHTTPActive, "Number of active HTTP requests."},
			{"db_pool_active_connections", MetricDBPoolActive, "Number of active database pool connections."},
			{"db_pool_idle_connections", MetricDBPoolIdle, "Number of idle database pool connections."},
		}
		for _, g := range gauges {
			fmt.Fprintf(&b, "# HELP %s %s\n", g.promName, g.help)
			fmt.Fprintf(&b, "# TYPE %s gauge\n", g.promName)
			fmt.Fprintf(&b, "%s %d\n", g.promName, p.gauges.get(g.name))
			b.WriteByte('\n')
		}

		return c.String(http.StatusOK, b.String())
	}
}

// ---------------------------------------------------------------------------
// Prometheus format helpers
// ---------------------------------------------------------------------------

func (p *Provider) writeCounter(b *strings.Builder, promName, help, name, labelName string) {
	fmt.Fprintf(b, "# HELP %s %s\n", promName, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", promName)
	labels, values := p.counters.labeled(name)
	for _, label := range labels {
		if labelName == "" {
			fmt.Fprintf(b, "%s %d\n", promName, values[label])
			continue
		}
		fmt.Fprintf(b, "%s{%s=%q} %d\n", promName, labelName, label, values[label])
	}
	b.WriteByte('\n')
}

func writeSimpleHistogram(b *strings.Builder, name, help string,
	h *histogram, boundaries []float64) {

	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s histogram\n", name)
	if h != nil {
		writeSingleHistogram(b, name, h, boundaries)
	}
	b.WriteByte('\n')
}

func writeSingleHistogram(b *strings.Builder, name string,
	h *histogram, boundaries []float64) {

	cum := h.cumulativeBuckets()
	total := h.Count()

	for i, boundary := range boundaries {
		fmt.Fprintf(b, "%s_bucket{le=\"%g\"} %d\n", name, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{le=\"+Inf\"} %d\n", name, total)
	fmt.Fprintf(b, "%s_sum %g\n", name, h.Sum())
	fmt.Fprintf(b, "%s_count %d\n", name, total)
}
