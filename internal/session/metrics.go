package session

import (
	"sync/atomic"
	"time"
)

// MetricID identifies a session counter.
type MetricID uint8

const (
	MetricCreated MetricID = iota
	MetricExpired
	MetricInactive
	MetricRefreshed
	MetricRefreshFailed
	MetricDeleted
	MetricEvicted
	MetricStateUpdated
	MetricSaves
	MetricSaveErrors
	MetricLoadErrors
	metricIDCount
)

var metricNames = [metricIDCount]string{
	MetricCreated:       "created",
	MetricExpired:       "expired",
	MetricInactive:      "inactive",
	MetricRefreshed:     "refreshed",
	MetricRefreshFailed: "refresh_failures",
	MetricDeleted:       "deleted",
	MetricEvicted:       "evicted",
	MetricStateUpdated:  "state_updates",
	MetricSaves:         "saves",
	MetricSaveErrors:    "save_errors",
	MetricLoadErrors:    "load_errors",
}

func (id MetricID) String() string {
	if id >= metricIDCount {
		return "unknown"
	}
	return metricNames[id]
}

// MetricIDs lists every counter in declaration order.
func MetricIDs() []MetricID {
	ids := make([]MetricID, 0, metricIDCount)
	for id := MetricID(0); id < metricIDCount; id++ {
		ids = append(ids, id)
	}
	return ids
}

const cacheLineSize = 64

type paddedCounter struct {
	value atomic.Uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds monotonic session counters. The zero value is ready to use
// and all methods are safe for concurrent use.
type Metrics struct {
	counters [metricIDCount]paddedCounter
	size     atomic.Int64
	lastSave atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Counters map[MetricID]uint64
	Size     int
	LastSave time.Time
}

// NewMetrics returns an empty counter set.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) Inc(id MetricID) {
	m.Add(id, 1)
}

func (m *Metrics) Add(id MetricID, n uint64) {
	if m == nil || id >= metricIDCount {
		return
	}
	m.counters[id].value.Add(n)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return m.counters[id].value.Load()
}

func (m *Metrics) setSize(n int) {
	if m == nil {
		return
	}
	m.size.Store(int64(n))
}

func (m *Metrics) setLastSave(t time.Time) {
	if m == nil {
		return
	}
	m.lastSave.Store(t.UnixNano())
}

// Snapshot copies the current values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{Counters: make(map[MetricID]uint64, int(metricIDCount))}
	if m == nil {
		return s
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = m.counters[id].value.Load()
	}
	s.Size = int(m.size.Load())
	if ns := m.lastSave.Load(); ns != 0 {
		s.LastSave = time.Unix(0, ns).UTC()
	}

	return s
}
