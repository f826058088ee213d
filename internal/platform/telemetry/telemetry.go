// Package telemetry exposes request and realtime metrics in the Prometheus
// text exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// histogram keeps non-cumulative bucket counts; cumulative counts are computed
// at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
	// Above every boundary: only the +Inf bucket sees it.
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(next)) {
			return
		}
	}
}

type requestKey struct {
	method, route, status string
}

type gauge struct {
	name, help string
	read       func() float64
}

// Metrics collects HTTP request durations and gauges sampled at scrape time.
type Metrics struct {
	active int64

	mu       sync.RWMutex
	requests map[requestKey]*histogram
	gauges   []gauge
}

func New() *Metrics {
	return &Metrics{
		requests: make(map[requestKey]*histogram),
	}
}

// RegisterGauge adds a gauge whose value is read on every scrape. name must
// be a valid Prometheus metric name.
func (m *Metrics) RegisterGauge(name, help string, read func() float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges = append(m.gauges, gauge{name: name, help: help, read: read})
}

func (m *Metrics) observe(key requestKey, seconds float64) {
	m.mu.RLock()
	h, ok := m.requests[key]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if h, ok = m.requests[key]; !ok {
			h = newHistogram(defaultDurationBuckets)
			m.requests[key] = h
		}
		m.mu.Unlock()
	}
	h.Observe(seconds)
}

// Middleware records request durations by method, route pattern and status.
// Upgraded websocket connections are counted once when the handler returns.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&m.active, 1)
			start := time.Now()
			err := next(c)
			atomic.AddInt64(&m.active, -1)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if !c.Response().Committed {
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.observe(requestKey{
				method: c.Request().Method,
				route:  route,
				status: strconv.Itoa(status),
			}, time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the current metrics.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(m.Render()))
	}
}

// Render writes every metric in a stable order.
func (m *Metrics) Render() string {
	var b strings.Builder

	m.mu.RLock()
	keys := make([]requestKey, 0, len(m.requests))
	for k := range m.requests {
		keys = append(keys, k)
	}
	hists := make(map[requestKey]*histogram, len(m.requests))
	for k, h := range m.requests {
		hists[k] = h
	}
	gauges := append([]gauge(nil), m.gauges...)
	m.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		a, z := keys[i], keys[j]
		if a.route != z.route {
			return a.route < z.route
		}
		if a.method != z.method {
			return a.method < z.method
		}
		return a.status < z.status
	})

	const name = "http_server_request_duration_seconds"
	b.WriteString("# HELP " + name + " Duration of HTTP requests in seconds.\n")
	b.WriteString("# TYPE " + name + " histogram\n")
	for _, k := range keys {
		labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", k.method, k.route, k.status)
		writeHistogram(&b, name, labels, hists[k])
	}
	b.WriteByte('\n')

	b.WriteString("# HELP http_server_active_requests Number of active HTTP requests.\n")
	b.WriteString("# TYPE http_server_active_requests gauge\n")
	fmt.Fprintf(&b, "http_server_active_requests %d\n\n", atomic.LoadInt64(&m.active))

	for _, g := range gauges {
		fmt.Fprintf(&b, "# HELP %s %s\n", g.name, g.help)
		fmt.Fprintf(&b, "# TYPE %s gauge\n", g.name)
		fmt.Fprintf(&b, "%s %g\n\n", g.name, g.read())
	}
	return b.String()
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}
