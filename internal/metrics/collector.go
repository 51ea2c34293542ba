// Package metrics provides in-memory runtime statistics collection.
package metrics

import (
	"math"
	"sync"
	"time"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration

	// Item metrics (files, chunks) for stages that process a batch of items
	TotalItems int64
	MinItems   int64
	MaxItems   int64
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64   `json:"count"`
	TotalTimeMs int64   `json:"total_time_ms"`
	AvgTimeMs   float64 `json:"avg_time_ms"`
	MinTimeMs   int64   `json:"min_time_ms"`
	MaxTimeMs   int64   `json:"max_time_ms"`

	// Item stats (nil if not applicable)
	TotalItems *int64   `json:"total_items,omitempty"`
	AvgItems   *float64 `json:"avg_items,omitempty"`
	MinItems   *int64   `json:"min_items,omitempty"`
	MaxItems   *int64   `json:"max_items,omitempty"`
}

// JobCounts tallies job outcomes since the collector was created.
type JobCounts struct {
	Started   int64 `json:"started"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Running   int64 `json:"running"`
}

// Snapshot represents the full server statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64                       `json:"uptime_seconds"`
	Jobs          JobCounts                     `json:"jobs"`
	Operations    map[string]*OperationSnapshot `json:"operations"`
}

// Operation names for the collector.
const (
	OpClone       = "clone"
	OpDiscovery   = "discovery"
	OpChunking    = "chunking"
	OpStore       = "store"
	OpUploadBatch = "upload_batch"
	OpUpload      = "upload"
)

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
	jobs      JobCounts
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{
			MinTime:  time.Duration(math.MaxInt64),
			MinItems: math.MaxInt64,
		}
		c.ops[op] = m
	}
	return m
}

func (m *OperationMetrics) addTiming(duration time.Duration) {
	m.Count++
	m.TotalTime += duration

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// RecordTiming records timing for an operation.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.getOrCreate(op).addTiming(duration)
}

// RecordItems records timing and the number of items an operation handled.
func (c *Collector) RecordItems(op string, duration time.Duration, items int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.addTiming(duration)
	m.TotalItems += items

	if items < m.MinItems {
		m.MinItems = items
	}
	if items > m.MaxItems {
		m.MaxItems = items
	}
}

// JobStarted counts a job entering the pipeline.
func (c *Collector) JobStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs.Started++
	c.jobs.Running++
}

// JobFinished counts a job leaving the pipeline.
func (c *Collector) JobFinished(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if success {
		c.jobs.Completed++
	} else {
		c.jobs.Failed++
	}
	if c.jobs.Running > 0 {
		c.jobs.Running--
	}
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}

	snap := &OperationSnapshot{
		Count:       m.Count,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}

	// MinItems keeps its sentinel until RecordItems is called
	if m.MinItems != math.MaxInt64 {
		total := m.TotalItems
		avg := float64(m.TotalItems) / float64(m.Count)
		minItems := m.MinItems
		maxItems := m.MaxItems

		snap.TotalItems = &total
		snap.AvgItems = &avg
		snap.MinItems = &minItems
		snap.MaxItems = &maxItems
	}

	return snap
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ops := make(map[string]*OperationSnapshot, len(c.ops))
	for name, m := range c.ops {
		if snap := snapshotOp(m); snap != nil {
			ops[name] = snap
		}
	}

	return Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Jobs:          c.jobs,
		Operations:    ops,
	}
}
