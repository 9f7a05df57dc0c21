package metrics

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Metrics is the recording side used by services and middleware.
type Metrics interface {
	IncrementCounter(name string, labels map[string]string)
	AddCounter(name string, delta int64, labels map[string]string)
	RecordValue(name string, value float64, labels map[string]string)
	RecordDuration(name string, duration time.Duration, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

// DefaultBuckets are upper bounds in seconds for duration histograms.
var DefaultBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// InMemoryMetrics keeps every series in process and exposes them as a
// snapshot for the /metrics endpoint.
type InMemoryMetrics struct {
	serviceName string
	buckets     []float64

	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

type Counter struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  int64             `json:"value"`
}

type Gauge struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// Histogram buckets are cumulative, keyed by their upper bound ("+Inf" last).
type Histogram struct {
	Name    string            `json:"name"`
	Labels  map[string]string `json:"labels,omitempty"`
	Count   int64             `json:"count"`
	Sum     float64           `json:"sum"`
	Buckets map[string]int64  `json:"buckets"`
}

// Snapshot is a point-in-time copy of all series.
type Snapshot struct {
	Service    string                `json:"service"`
	Counters   map[string]*Counter   `json:"counters"`
	Gauges     map[string]*Gauge     `json:"gauges"`
	Histograms map[string]*Histogram `json:"histograms"`
}

func NewInMemoryMetrics(serviceName string) *InMemoryMetrics {
	return &InMemoryMetrics{
		serviceName: serviceName,
		buckets:     DefaultBuckets,
		counters:    make(map[string]*Counter),
		gauges:      make(map[string]*Gauge),
		histograms:  make(map[string]*Histogram),
	}
}

func (m *InMemoryMetrics) IncrementCounter(name string, labels map[string]string) {
	m.AddCounter(name, 1, labels)
}

func (m *InMemoryMetrics) AddCounter(name string, delta int64, labels map[string]string) {
	key := seriesKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[key]
	if !ok {
		c = &Counter{Name: name, Labels: copyLabels(labels)}
		m.counters[key] = c
	}
	c.Value += delta
}

func (m *InMemoryMetrics) RecordValue(name string, value float64, labels map[string]string) {
	key := seriesKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.histograms[key]
	if !ok {
		h = &Histogram{Name: name, Labels: copyLabels(labels), Buckets: make(map[string]int64, len(m.buckets)+1)}
		m.histograms[key] = h
	}
	h.Count++
	h.Sum += value
	for _, le := range m.buckets {
		if value <= le {
			h.Buckets[strconv.FormatFloat(le, 'g', -1, 64)]++
		}
	}
	h.Buckets["+Inf"]++
}

func (m *InMemoryMetrics) RecordDuration(name string, duration time.Duration, labels map[string]string) {
	m.RecordValue(name, duration.Seconds(), labels)
}

func (m *InMemoryMetrics) SetGauge(name string, value float64, labels map[string]string) {
	key := seriesKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.gauges[key] = &Gauge{Name: name, Labels: copyLabels(labels), Value: value}
}

// CounterValue returns the current value of one counter series.
func (m *InMemoryMetrics) CounterValue(name string, labels map[string]string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if c, ok := m.counters[seriesKey(name, labels)]; ok {
		return c.Value
	}
	return 0
}

func (m *InMemoryMetrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Snapshot{
		Service:    m.serviceName,
		Counters:   make(map[string]*Counter, len(m.counters)),
		Gauges:     make(map[string]*Gauge, len(m.gauges)),
		Histograms: make(map[string]*Histogram, len(m.histograms)),
	}
	for k, c := range m.counters {
		cc := *c
		cc.Labels = copyLabels(c.Labels)
		s.Counters[k] = &cc
	}
	for k, g := range m.gauges {
		gg := *g
		gg.Labels = copyLabels(g.Labels)
		s.Gauges[k] = &gg
	}
	for k, h := range m.histograms {
		hh := *h
		hh.Labels = copyLabels(h.Labels)
		hh.Buckets = make(map[string]int64, len(h.Buckets))
		for bk, bv := range h.Buckets {
			hh.Buckets[bk] = bv
		}
		s.Histograms[k] = &hh
	}
	return s
}

// seriesKey renders name{k1="v1",k2="v2"} with labels sorted so the same
// label set always lands in the same series.
func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(labels[k])
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

func copyLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

type NoOpMetrics struct{}

func NewNoOpMetrics() Metrics {
	return &NoOpMetrics{}
}

func (n *NoOpMetrics) IncrementCounter(name string, labels map[string]string)                 {}
func (n *NoOpMetrics) AddCounter(name string, delta int64, labels map[string]string)          {}
func (n *NoOpMetrics) RecordValue(name string, value float64, labels map[string]string)       {}
func (n *NoOpMetrics) RecordDuration(name string, d time.Duration, labels map[string]string)  {}
func (n *NoOpMetrics) SetGauge(name string, value float64, labels map[string]string)          {}

// Timer measures one operation.
type Timer struct {
	metrics Metrics
	name    string
	labels  map[string]string
	start   time.Time
}

func StartTimer(m Metrics, name string, labels map[string]string) *Timer {
	return &Timer{metrics: m, name: name, labels: labels, start: time.Now()}
}

// Stop records the elapsed time. Extra labels (for example an outcome known
// only at the end) are merged over the ones given to StartTimer.
func (t *Timer) Stop(extra ...map[string]string) time.Duration {
	elapsed := time.Since(t.start)
	labels := t.labels
	if len(extra) > 0 {
		labels = copyLabels(t.labels)
		if labels == nil {
			labels = make(map[string]string)
		}
		for _, e := range extra {
			for k, v := range e {
				labels[k] = v
			}
		}
	}
	t.metrics.RecordDuration(t.name, elapsed, labels)
	return elapsed
}
