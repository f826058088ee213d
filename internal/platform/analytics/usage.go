// Package analytics keeps in-memory request usage for the admin API.
package analytics

import (
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestMetric is one served request.
type RequestMetric struct {
	Timestamp  time.Time
	Method     string
	Route      string
	StatusCode int
	Duration   time.Duration
	IdentityID string
}

type routeStats struct {
	requests int64
	errors   int64
	duration time.Duration
	statuses map[int]int64
}

type identityStats struct {
	requests int64
	errors   int64
	lastSeen time.Time
}

// RouteSummary aggregates one route pattern.
type RouteSummary struct {
	Route           string        `json:"route"`
	TotalRequests   int64         `json:"total_requests"`
	ErrorRate       float64       `json:"error_rate"`
	AvgLatency      time.Duration `json:"avg_latency"`
	P95Latency      time.Duration `json:"p95_latency"`
	StatusBreakdown map[int]int64 `json:"status_breakdown"`
}

// IdentitySummary aggregates one caller.
type IdentitySummary struct {
	IdentityID    string    `json:"identity_id"`
	TotalRequests int64     `json:"total_requests"`
	ErrorRate     float64   `json:"error_rate"`
	LastSeen      time.Time `json:"last_seen"`
}

type Overview struct {
	TotalRequests    int64              `json:"total_requests"`
	TotalErrors      int64              `json:"total_errors"`
	ErrorRate        float64            `json:"error_rate"`
	AvgLatency       time.Duration      `json:"avg_latency"`
	UniqueIdentities int                `json:"unique_identities"`
	TopRoutes        []*RouteSummary    `json:"top_routes"`
	TopIdentities    []*IdentitySummary `json:"top_identities"`
}

// UsageTracker aggregates per-route and per-identity counters and keeps the
// latest requests in a ring buffer for latency percentiles. Routes are the
// registered patterns, not raw paths, so ids do not explode cardinality.
type UsageTracker struct {
	mu         sync.RWMutex
	ring       []RequestMetric
	next       int
	full       bool
	routes     map[string]*routeStats
	identities map[string]*identityStats
	total      int64
	errors     int64
	duration   time.Duration
}

func NewUsageTracker(capacity int) *UsageTracker {
	if capacity <= 0 {
		capacity = 10000
	}
	return &UsageTracker{
		ring:       make([]RequestMetric, capacity),
		routes:     make(map[string]*routeStats),
		identities: make(map[string]*identityStats),
	}
}

func (ut *UsageTracker) Record(m RequestMetric) {
	failed := m.StatusCode >= 400

	ut.mu.Lock()
	defer ut.mu.Unlock()

	ut.ring[ut.next] = m
	ut.next = (ut.next + 1) % len(ut.ring)
	if ut.next == 0 {
		ut.full = true
	}

	ut.total++
	ut.duration += m.Duration
	if failed {
		ut.errors++
	}

	rs, ok := ut.routes[m.Route]
	if !ok {
		rs = &routeStats{statuses: make(map[int]int64)}
		ut.routes[m.Route] = rs
	}
	rs.requests++
	rs.duration += m.Duration
	rs.statuses[m.StatusCode]++
	if failed {
		rs.errors++
	}

	if m.IdentityID == "" {
		return
	}
	is, ok := ut.identities[m.IdentityID]
	if !ok {
		is = &identityStats{}
		ut.identities[m.IdentityID] = is
	}
	is.requests++
	is.lastSeen = m.Timestamp
	if failed {
		is.errors++
	}
}

func rate(part, whole int64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole)
}

func (ut *UsageTracker) Overview() *Overview {
	ut.mu.RLock()
	o := &Overview{
		TotalRequests:    ut.total,
		TotalErrors:      ut.errors,
		ErrorRate:        rate(ut.errors, ut.total),
		UniqueIdentities: len(ut.identities),
	}
	if ut.total > 0 {
		o.AvgLatency = ut.duration / time.Duration(ut.total)
	}
	ut.mu.RUnlock()

	o.TopRoutes = ut.TopRoutes(5)
	o.TopIdentities = ut.TopIdentities(5)
	return o
}

// TopRoutes returns up to limit routes, busiest first.
func (ut *UsageTracker) TopRoutes(limit int) []*RouteSummary {
	ut.mu.RLock()
	out := make([]*RouteSummary, 0, len(ut.routes))
	for route, rs := range ut.routes {
		out = append(out, ut.summarize(route, rs))
	}
	ut.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalRequests != out[j].TotalRequests {
			return out[i].TotalRequests > out[j].TotalRequests
		}
		return out[i].Route < out[j].Route
	})
	if limit < len(out) {
		out = out[:limit]
	}
	return out
}

// Route returns the summary for one route pattern, or nil if unseen.
func (ut *UsageTracker) Route(route string) *RouteSummary {
	ut.mu.RLock()
	defer ut.mu.RUnlock()
	rs, ok := ut.routes[route]
	if !ok {
		return nil
	}
	return ut.summarize(route, rs)
}

func (ut *UsageTracker) TopIdentities(limit int) []*IdentitySummary {
	ut.mu.RLock()
	out := make([]*IdentitySummary, 0, len(ut.identities))
	for id, is := range ut.identities {
		out = append(out, &IdentitySummary{
			IdentityID:    id,
			TotalRequests: is.requests,
			ErrorRate:     rate(is.errors, is.requests),
			LastSeen:      is.lastSeen,
		})
	}
	ut.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalRequests != out[j].TotalRequests {
			return out[i].TotalRequests > out[j].TotalRequests
		}
		return out[i].IdentityID < out[j].IdentityID
	})
	if limit < len(out) {
		out = out[:limit]
	}
	return out
}

// summarize must be called with ut.mu held.
func (ut *UsageTracker) summarize(route string, rs *routeStats) *RouteSummary {
	statuses := make(map[int]int64, len(rs.statuses))
	for k, v := range rs.statuses {
		statuses[k] = v
	}
	return &RouteSummary{
		Route:           route,
		TotalRequests:   rs.requests,
		ErrorRate:       rate(rs.errors, rs.requests),
		AvgLatency:      rs.duration / time.Duration(rs.requests),
		P95Latency:      ut.p95(route),
		StatusBreakdown: statuses,
	}
}

// p95 looks only at the buffered requests. Must be called with ut.mu held.
func (ut *UsageTracker) p95(route string) time.Duration {
	n := ut.next
	if ut.full {
		n = len(ut.ring)
	}
	var durations []time.Duration
	for _, m := range ut.ring[:n] {
		if m.Route == route {
			durations = append(durations, m.Duration)
		}
	}
	if len(durations) == 0 {
		return 0
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	idx := int(float64(len(durations)) * 0.95)
	if idx >= len(durations) {
		idx = len(durations) - 1
	}
	return durations[idx]
}

// UsageMiddleware records every request that reaches a route. The identity
// is the one auth.Middleware stored on the context, if any.
func UsageMiddleware(tracker *UsageTracker) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}
			identityID, _ := c.Get("identity_id").(string)
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}

			tracker.Record(RequestMetric{
				Timestamp:  start,
				Method:     c.Request().Method,
				Route:      c.Request().Method + " " + route,
				StatusCode: status,
				Duration:   time.Since(start),
				IdentityID: identityID,
			})
			return err
		}
	}
}

type UsageHandler struct {
	tracker *UsageTracker
}

func NewUsageHandler(tracker *UsageTracker) *UsageHandler {
	return &UsageHandler{tracker: tracker}
}

// RegisterRoutes mounts the usage endpoints on an admin-only group.
func (h *UsageHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/usage", h.Overview)
	g.GET("/usage/routes", h.Routes)
	g.GET("/usage/identities", h.Identities)
}

func (h *UsageHandler) Overview(c echo.Context) error {
	return c.JSON(http.StatusOK, h.tracker.Overview())
}

func (h *UsageHandler) Routes(c echo.Context) error {
	return c.JSON(http.StatusOK, h.tracker.TopRoutes(limitParam(c)))
}

func (h *UsageHandler) Identities(c echo.Context) error {
	return c.JSON(http.StatusOK, h.tracker.TopIdentities(limitParam(c)))
}

func limitParam(c echo.Context) int {
	if n, err := strconv.Atoi(c.QueryParam("limit")); err == nil && n > 0 {
		return n
	}
	return 20
}
