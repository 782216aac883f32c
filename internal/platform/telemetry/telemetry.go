// Package telemetry records HTTP, ingestion and DICOM network metrics and
// serves them in the Prometheus text exposition format.
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

// Metric names as exposed on /metrics.
const (
	httpDuration      = "http_server_request_duration_seconds"
	httpActive        = "http_server_active_requests"
	ingestObjects     = "imaging_ingest_objects_total"
	ingestUnits       = "imaging_ingest_units_total"
	ingestDuration    = "imaging_ingest_unit_duration_seconds"
	dicomAssociations = "dicom_associations_total"
	dicomCommands     = "dicom_dimse_requests_total"
)

var (
	defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	unitDurationBuckets    = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300}
)

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram keeps non-cumulative bucket counts; cumulative counts are built
// at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits, updated with CAS
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
}

func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

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
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Labeled stores
// ---------------------------------------------------------------------------

// Label values are joined with labelSep to form store keys.
const labelSep = "|"

func labelsKey(values ...string) string {
	return strings.Join(values, labelSep)
}

type counterStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newCounterStore() *counterStore {
	return &counterStore{items: make(map[string]*int64)}
}

func (s *counterStore) add(key string, delta int64) {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if p, ok = s.items[key]; !ok {
			p = new(int64)
			s.items[key] = p
		}
		s.mu.Unlock()
	}
	atomic.AddInt64(p, delta)
}

func (s *counterStore) get(key string) int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (s *counterStore) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

type histogramStore struct {
	mu         sync.RWMutex
	boundaries []float64
	items      map[string]*histogram
}

func newHistogramStore(boundaries []float64) *histogramStore {
	return &histogramStore{boundaries: boundaries, items: make(map[string]*histogram)}
}

func (s *histogramStore) get(key string) *histogram {
	s.mu.RLock()
	h, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return h
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.items[key]; !ok {
		h = newHistogram(s.boundaries)
		s.items[key] = h
	}
	return h
}

func (s *histogramStore) snapshot() map[string]*histogram {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]*histogram, len(s.items))
	for k, v := range s.items {
		cp[k] = v
	}
	return cp
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics is the process-wide metric registry. The zero value is not usable;
// construct one with NewMetrics.
type Metrics struct {
	activeRequests int64

	httpDurations *histogramStore
	unitDurations *histogramStore
	objects       *counterStore
	units         *counterStore
	associations  *counterStore
	commands      *counterStore
}

func NewMetrics() *Metrics {
	return &Metrics{
		httpDurations: newHistogramStore(defaultDurationBuckets),
		unitDurations: newHistogramStore(unitDurationBuckets),
		objects:       newCounterStore(),
		units:         newCounterStore(),
		associations:  newCounterStore(),
		commands:      newCounterStore(),
	}
}

// Middleware records request duration by method, route and status code,
// and tracks in-flight requests.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&m.activeRequests, 1)
			defer atomic.AddInt64(&m.activeRequests, -1)

			start := time.Now()
			err := next(c)

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
				route = c.Request().URL.Path
			}
			m.httpDurations.get(labelsKey(c.Request().Method, route, strconv.Itoa(status))).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// RecordUnit counts the outcome of one ingestion unit.
func (m *Metrics) RecordUnit(created, updated, rejected int, failed bool, elapsed time.Duration) {
	m.objects.add("created", int64(created))
	m.objects.add("updated", int64(updated))
	m.objects.add("rejected", int64(rejected))
	result := "committed"
	if failed {
		result = "rolled_back"
	}
	m.units.add(result, 1)
	m.unitDurations.get(result).Observe(elapsed.Seconds())
}

// RecordAssociation counts an association request by outcome.
func (m *Metrics) RecordAssociation(accepted bool) {
	if accepted {
		m.associations.add("accepted", 1)
	} else {
		m.associations.add("rejected", 1)
	}
}

// RecordCommand counts an answered DIMSE request.
func (m *Metrics) RecordCommand(command string, status uint16) {
	m.commands.add(labelsKey(command, fmt.Sprintf("0x%04X", status)), 1)
}

// ObjectCount returns the number of objects ingested with the given status.
func (m *Metrics) ObjectCount(status string) int64 {
	return m.objects.get(status)
}

// Handler serves every metric in Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		writeHistograms(&b, httpDuration, "Duration of HTTP requests in seconds.",
			[]string{"method", "route", "status_code"}, m.httpDurations)

		fmt.Fprintf(&b, "# HELP %s Number of in-flight HTTP requests.\n", httpActive)
		fmt.Fprintf(&b, "# TYPE %s gauge\n", httpActive)
		fmt.Fprintf(&b, "%s %d\n\n", httpActive, atomic.LoadInt64(&m.activeRequests))

		writeCounters(&b, ingestObjects, "Objects processed by outcome.", []string{"status"}, m.objects)
		writeCounters(&b, ingestUnits, "Ingestion units by result.", []string{"result"}, m.units)
		writeHistograms(&b, ingestDuration, "Duration of ingestion units in seconds.",
			[]string{"result"}, m.unitDurations)
		writeCounters(&b, dicomAssociations, "DICOM association requests by outcome.", []string{"result"}, m.associations)
		writeCounters(&b, dicomCommands, "DIMSE requests by command and response status.",
			[]string{"command", "status"}, m.commands)

		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
	}
}

// ---------------------------------------------------------------------------
// Prometheus format helpers
// ---------------------------------------------------------------------------

func formatLabels(names []string, key string) string {
	values := strings.SplitN(key, labelSep, len(names))
	if len(values) != len(names) {
		return ""
	}
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = fmt.Sprintf("%s=%q", n, values[i])
	}
	return strings.Join(parts, ",")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeCounters(b *strings.Builder, name, help string, labels []string, s *counterStore) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	snap := s.snapshot()
	for _, key := range sortedKeys(snap) {
		fmt.Fprintf(b, "%s{%s} %d\n", name, formatLabels(labels, key), snap[key])
	}
	b.WriteByte('\n')
}

func writeHistograms(b *strings.Builder, name, help string, labels []string, s *histogramStore) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s histogram\n", name)
	snap := s.snapshot()
	for _, key := range sortedKeys(snap) {
		writeHistogram(b, name, formatLabels(labels, key), snap[key])
	}
	b.WriteByte('\n')
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()

	prefix, suffix := "", ""
	if labels != "" {
		prefix = labels + ","
		suffix = "{" + labels + "}"
	}
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, total)
	fmt.Fprintf(b, "%s_sum%s %g\n", name, suffix, h.Sum())
	fmt.Fprintf(b, "%s_count%s %d\n", name, suffix, total)
}
