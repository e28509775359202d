// Package metrics exposes request and application metrics in the
// Prometheus text format at /metrics.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const namespace = "scm"

var validName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// latencyBuckets are upper bounds in seconds.
var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type route struct {
	endpoint string
	method   string
}

// series holds everything recorded for one route.
type series struct {
	requests atomic.Uint64
	// index is the status class: errors[4] counts 4xx responses
	errors [6]atomic.Uint64

	mu      sync.Mutex
	buckets []uint64
	count   uint64
	sum     float64
}

func (s *series) observe(seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	s.sum += seconds
	for i, le := range latencyBuckets {
		if seconds <= le {
			s.buckets[i]++
		}
	}
}

type Metrics struct {
	mu       sync.RWMutex
	routes   map[route]*series
	counters map[string]*atomic.Uint64
	gauges   map[string]*atomic.Int64

	startTime time.Time
}

func New() *Metrics {
	return &Metrics{
		routes:    make(map[route]*series),
		counters:  make(map[string]*atomic.Uint64),
		gauges:    make(map[string]*atomic.Int64),
		startTime: time.Now(),
	}
}

// lookup returns m[key], creating it with mk under the write lock when missing.
func lookup[K comparable, V any](mu *sync.RWMutex, m map[K]*V, key K, mk func() *V) *V {
	mu.RLock()
	v := m[key]
	mu.RUnlock()
	if v != nil {
		return v
	}

	mu.Lock()
	defer mu.Unlock()
	if m[key] == nil {
		m[key] = mk()
	}
	return m[key]
}

func (m *Metrics) RecordRequest(method, path string, statusCode int, duration time.Duration) {
	s := lookup(&m.mu, m.routes, route{normalizeEndpoint(path), method}, func() *series {
		return &series{buckets: make([]uint64, len(latencyBuckets))}
	})
	s.requests.Add(1)
	s.observe(duration.Seconds())
	if statusCode >= 400 && statusCode < 600 {
		s.errors[statusCode/100].Add(1)
	}
}

// normalizeEndpoint replaces uuid and numeric path segments with {id} so
// each user or product does not get its own series.
func normalizeEndpoint(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if isID(part) {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

func isID(s string) bool {
	if len(s) == 36 && strings.Count(s, "-") == 4 {
		return true
	}
	if s == "" {
		return false
	}
	return strings.Trim(s, "0123456789") == ""
}

// IncCounter adds one to the application counter scm_<name>. Names that
// are not valid Prometheus names are ignored.
func (m *Metrics) IncCounter(name string) {
	if validName.MatchString(name) {
		lookup(&m.mu, m.counters, name, func() *atomic.Uint64 { return new(atomic.Uint64) }).Add(1)
	}
}

// AddGauge moves the gauge scm_<name> by delta.
func (m *Metrics) AddGauge(name string, delta int64) {
	if validName.MatchString(name) {
		lookup(&m.mu, m.gauges, name, func() *atomic.Int64 { return new(atomic.Int64) }).Add(delta)
	}
}

func sortedKeys[K comparable, V any](m map[K]V, cmp func(a, b K) int) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, cmp)
	return keys
}

func compareRoutes(a, b route) int {
	if c := strings.Compare(a.endpoint, b.endpoint); c != 0 {
		return c
	}
	return strings.Compare(a.method, b.method)
}

func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		var sb strings.Builder
		m.writeTo(&sb)
		io.WriteString(w, sb.String())
	}
}

func (m *Metrics) writeTo(w io.Writer) {
	family := func(name, typ, help string) {
		if help != "" {
			fmt.Fprintf(w, "# HELP %s_%s %s\n", namespace, name, help)
		}
		fmt.Fprintf(w, "# TYPE %s_%s %s\n", namespace, name, typ)
	}

	family("uptime_seconds", "gauge", "Time since the server started")
	fmt.Fprintf(w, "%s_uptime_seconds %f\n\n", namespace, time.Since(m.startTime).Seconds())

	m.mu.RLock()
	defer m.mu.RUnlock()

	routes := sortedKeys(m.routes, compareRoutes)
	if len(routes) > 0 {
		family("http_requests_total", "counter", "Total HTTP requests")
		for _, rt := range routes {
			fmt.Fprintf(w, "%s_http_requests_total{endpoint=%q,method=%q} %d\n",
				namespace, rt.endpoint, rt.method, m.routes[rt].requests.Load())
		}
		fmt.Fprintln(w)

		family("http_request_duration_seconds", "histogram", "HTTP request latency")
		for _, rt := range routes {
			s := m.routes[rt]
			labels := fmt.Sprintf("endpoint=%q,method=%q", rt.endpoint, rt.method)
			s.mu.Lock()
			for i, le := range latencyBuckets {
				fmt.Fprintf(w, "%s_http_request_duration_seconds_bucket{%s,le=\"%g\"} %d\n", namespace, labels, le, s.buckets[i])
			}
			fmt.Fprintf(w, "%s_http_request_duration_seconds_bucket{%s,le=\"+Inf\"} %d\n", namespace, labels, s.count)
			fmt.Fprintf(w, "%s_http_request_duration_seconds_sum{%s} %f\n", namespace, labels, s.sum)
			fmt.Fprintf(w, "%s_http_request_duration_seconds_count{%s} %d\n", namespace, labels, s.count)
			s.mu.Unlock()
		}
		fmt.Fprintln(w)

		family("http_errors_total", "counter", "Total HTTP errors by status class")
		for _, rt := range routes {
			for class := 4; class <= 5; class++ {
				if n := m.routes[rt].errors[class].Load(); n > 0 {
					fmt.Fprintf(w, "%s_http_errors_total{endpoint=%q,method=%q,status_class=\"%dxx\"} %d\n",
						namespace, rt.endpoint, rt.method, class, n)
				}
			}
		}
		fmt.Fprintln(w)
	}

	for _, name := range sortedKeys(m.counters, strings.Compare) {
		family(name, "counter", "")
		fmt.Fprintf(w, "%s_%s %d\n", namespace, name, m.counters[name].Load())
	}
	for _, name := range sortedKeys(m.gauges, strings.Compare) {
		family(name, "gauge", "")
		fmt.Fprintf(w, "%s_%s %d\n", namespace, name, m.gauges[name].Load())
	}
}

// MetricsMiddleware records every request except scrapes of /metrics.
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			sw := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(sw, r)
			if sw.status == 0 {
				sw.status = http.StatusOK
			}
			m.RecordRequest(r.Method, r.URL.Path, sw.status, time.Since(start))
		})
	}
}

// statusWriter keeps the first status written.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
