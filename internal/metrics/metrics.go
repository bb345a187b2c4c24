package metrics

import (
	"sort"
	"sync"
	"time"
)

// Metric is one named counter or gauge with optional labels.
type Metric struct {
	Name       string            `json:"name"`
	Value      float64           `json:"value"`
	Labels     map[string]string `json:"labels,omitempty"`
	LastUpdate time.Time         `json:"last_update"`
}

// Registry keeps pipeline metrics in memory. It is deliberately simple:
// counters and gauges, scraped as JSON from /metrics.
type Registry struct {
	mu        sync.RWMutex
	counters  map[string]*Metric
	gauges    map[string]*Metric
	startTime time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		counters:  make(map[string]*Metric),
		gauges:    make(map[string]*Metric),
		startTime: time.Now(),
	}
}

// IncrCounter increments a counter by 1.
func (r *Registry) IncrCounter(name string, labels map[string]string) {
	r.AddCounter(name, 1, labels)
}

// AddCounter increments a counter by delta.
func (r *Registry) AddCounter(name string, delta float64, labels map[string]string) {
	key := metricKey(name, labels)

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.counters[key]
	if !ok {
		m = &Metric{Name: name, Labels: labels}
		r.counters[key] = m
	}
	m.Value += delta
	m.LastUpdate = time.Now()
}

// SetGauge sets a gauge to the given value.
func (r *Registry) SetGauge(name string, value float64, labels map[string]string) {
	key := metricKey(name, labels)

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.gauges[key]
	if !ok {
		m = &Metric{Name: name, Labels: labels}
		r.gauges[key] = m
	}
	m.Value = value
	m.LastUpdate = time.Now()
}

// Snapshot returns all metrics plus process uptime.
func (r *Registry) Snapshot() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counters := make([]*Metric, 0, len(r.counters))
	for _, m := range r.counters {
		c := *m
		counters = append(counters, &c)
	}
	gauges := make([]*Metric, 0, len(r.gauges))
	for _, m := range r.gauges {
		g := *m
		gauges = append(gauges, &g)
	}

	return map[string]interface{}{
		"uptime_seconds": time.Since(r.startTime).Seconds(),
		"counters":       counters,
		"gauges":         gauges,
	}
}

// CounterValue reads one counter, for tests.
func (r *Registry) CounterValue(name string, labels map[string]string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if m, ok := r.counters[metricKey(name, labels)]; ok {
		return m.Value
	}
	return 0
}

func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	key := name
	for _, k := range keys {
		key += "|" + k + "=" + labels[k]
	}
	return key
}
