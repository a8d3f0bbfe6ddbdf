// Package observability aggregates access events into per-route counters
// and flags routes that are slow or failing.
package observability

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchktools/mini-server/core"
)

// DefaultMaxKeys bounds the number of distinct request keys tracked; later
// keys are folded into OtherKey.
const DefaultMaxKeys = 1024

// OtherKey collects events past the key limit
const OtherKey = "other"

// Thresholds for bottleneck detection
const (
	SlowThreshold      = 100 * time.Millisecond
	ErrorRateThreshold = 0.05
)

// latency bucket upper bounds; the last bucket is unbounded
var bucketBounds = [...]time.Duration{
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	5 * time.Second,
	10 * time.Second,
}

// Monitor implements core.Logger. It keeps lock-free counters per
// "METHOD path" key.
type Monitor struct {
	enabled atomic.Bool
	maxKeys int

	keys    sync.Map // string -> *routeMetrics
	numKeys atomic.Int64

	global struct {
		requests atomic.Uint64
		errors   atomic.Uint64
		duration atomic.Uint64
		bytes    atomic.Uint64
	}
}

type routeMetrics struct {
	key      string
	count    atomic.Uint64
	errors   atomic.Uint64
	duration atomic.Uint64
	min      atomic.Uint64
	max      atomic.Uint64
	bytes    atomic.Uint64
	buckets  [len(bucketBounds) + 1]atomic.Uint64
}

// RouteMetrics is a snapshot of one key
type RouteMetrics struct {
	Key          string        `json:"key"`
	Count        uint64        `json:"count"`
	Errors       uint64        `json:"errors"`
	AvgDuration  time.Duration `json:"avg_duration"`
	MinDuration  time.Duration `json:"min_duration"`
	MaxDuration  time.Duration `json:"max_duration"`
	BytesWritten uint64        `json:"bytes_written"`
	// Buckets counts requests per latency bucket: <1ms, <5ms, <10ms, <50ms,
	// <100ms, <500ms, <1s, <5s, <10s, >=10s
	Buckets []uint64 `json:"buckets"`
}

// Bottleneck is a route whose latency or error rate is out of bounds
type Bottleneck struct {
	Type       string    `json:"type"`
	Location   string    `json:"location"`
	Severity   int       `json:"severity"`
	Impact     float64   `json:"impact"`
	DetectedAt time.Time `json:"detected_at"`
	Details    string    `json:"details"`
}

// Summary holds totals across all keys
type Summary struct {
	Requests     uint64        `json:"requests"`
	Errors       uint64        `json:"errors"`
	AvgDuration  time.Duration `json:"avg_duration"`
	BytesWritten uint64        `json:"bytes_written"`
}

// NewMonitor creates an enabled monitor; maxKeys <= 0 uses DefaultMaxKeys
func NewMonitor(maxKeys int) *Monitor {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	m := &Monitor{maxKeys: maxKeys}
	m.enabled.Store(true)
	return m
}

// SetEnabled turns recording on or off
func (m *Monitor) SetEnabled(on bool) { m.enabled.Store(on) }

var _ core.Logger = (*Monitor)(nil)

// Record counts ev. Responses with status >= 500 count as errors.
func (m *Monitor) Record(ev core.Event) {
	if !m.enabled.Load() {
		return
	}

	rm := m.metrics(eventKey(ev))
	d := uint64(ev.Duration.Nanoseconds())
	isError := ev.Status >= 500

	rm.count.Add(1)
	if isError {
		rm.errors.Add(1)
	}
	rm.duration.Add(d)
	rm.bytes.Add(uint64(ev.BytesWritten))
	updateMin(&rm.min, d)
	updateMax(&rm.max, d)
	rm.buckets[bucket(ev.Duration)].Add(1)

	m.global.requests.Add(1)
	if isError {
		m.global.errors.Add(1)
	}
	m.global.duration.Add(d)
	m.global.bytes.Add(uint64(ev.BytesWritten))
}

func eventKey(ev core.Event) string {
	if ev.Method == "" {
		// rejected before a request line was understood
		return fmt.Sprintf("invalid %d", ev.Status)
	}
	return ev.Method + " " + ev.Path
}

func (m *Monitor) metrics(key string) *routeMetrics {
	if v, ok := m.keys.Load(key); ok {
		return v.(*routeMetrics)
	}
	if m.numKeys.Load() >= int64(m.maxKeys) {
		key = OtherKey
		if v, ok := m.keys.Load(key); ok {
			return v.(*routeMetrics)
		}
	}
	v, loaded := m.keys.LoadOrStore(key, &routeMetrics{key: key})
	if !loaded {
		m.numKeys.Add(1)
	}
	return v.(*routeMetrics)
}

func updateMin(a *atomic.Uint64, d uint64) {
	for {
		cur := a.Load()
		if cur != 0 && d >= cur {
			return
		}
		if a.CompareAndSwap(cur, d) {
			return
		}
	}
}

func updateMax(a *atomic.Uint64, d uint64) {
	for {
		cur := a.Load()
		if d <= cur {
			return
		}
		if a.CompareAndSwap(cur, d) {
			return
		}
	}
}

func bucket(d time.Duration) int {
	for i, bound := range bucketBounds {
		if d < bound {
			return i
		}
	}
	return len(bucketBounds)
}

// Snapshot returns metrics for every key, sorted by key
func (m *Monitor) Snapshot() []RouteMetrics {
	var out []RouteMetrics
	m.keys.Range(func(_, v any) bool {
		out = append(out, v.(*routeMetrics).snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Route returns the snapshot for one key
func (m *Monitor) Route(key string) (RouteMetrics, bool) {
	v, ok := m.keys.Load(key)
	if !ok {
		return RouteMetrics{}, false
	}
	return v.(*routeMetrics).snapshot(), true
}

func (rm *routeMetrics) snapshot() RouteMetrics {
	s := RouteMetrics{
		Key:          rm.key,
		Count:        rm.count.Load(),
		Errors:       rm.errors.Load(),
		MinDuration:  time.Duration(rm.min.Load()),
		MaxDuration:  time.Duration(rm.max.Load()),
		BytesWritten: rm.bytes.Load(),
		Buckets:      make([]uint64, len(rm.buckets)),
	}
	if s.Count > 0 {
		s.AvgDuration = time.Duration(rm.duration.Load() / s.Count)
	}
	for i := range rm.buckets {
		s.Buckets[i] = rm.buckets[i].Load()
	}
	return s
}

// Summary returns totals across all keys
func (m *Monitor) Summary() Summary {
	s := Summary{
		Requests:     m.global.requests.Load(),
		Errors:       m.global.errors.Load(),
		BytesWritten: m.global.bytes.Load(),
	}
	if s.Requests > 0 {
		s.AvgDuration = time.Duration(m.global.duration.Load() / s.Requests)
	}
	return s
}

// Bottlenecks evaluates every key against the latency and error rate
// thresholds. Results are ordered by severity, then key.
func (m *Monitor) Bottlenecks() []Bottleneck {
	now := time.Now()
	var out []Bottleneck

	for _, rm := range m.Snapshot() {
		if rm.Count == 0 {
			continue
		}

		if rm.AvgDuration > SlowThreshold {
			out = append(out, Bottleneck{
				Type:       "latency",
				Location:   rm.Key,
				Severity:   8,
				Impact:     float64(rm.AvgDuration) / float64(SlowThreshold) * 100,
				DetectedAt: now,
				Details:    fmt.Sprintf("high latency (%v avg)", rm.AvgDuration),
			})
		}

		rate := float64(rm.Errors) / float64(rm.Count)
		if rm.Errors > 0 && rate > ErrorRateThreshold {
			out = append(out, Bottleneck{
				Type:       "errors",
				Location:   rm.Key,
				Severity:   10,
				Impact:     rate * 100,
				DetectedAt: now,
				Details:    fmt.Sprintf("%.1f%% error rate", rate*100),
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Severity > out[j].Severity })
	return out
}
