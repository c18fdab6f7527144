package metric

import (
	"sync"
	"time"
)

// hourSeconds is the longest trailing window tracked by the collector.
const hourSeconds = 3600

// bucket accumulates one second of pipeline activity.
type bucket struct {
	sec        int64
	received   int64
	processed  int64
	failed     int64
	dead       int64
	latencySum time.Duration
	latencyN   int64
}

// Collector keeps per-second activity buckets covering the last hour and
// derives trailing one-minute and one-hour statistics from them. It backs the
// JSON status endpoint; Prometheus counters are updated separately by the
// components themselves.
type Collector struct {
	mu      sync.Mutex
	buckets [hourSeconds]bucket
	now     func() time.Time
}

// NewCollector creates a collector using wall-clock time.
func NewCollector() *Collector {
	return &Collector{now: time.Now}
}

// NewCollectorWithClock creates a collector with an injected clock.
func NewCollectorWithClock(now func() time.Time) *Collector {
	return &Collector{now: now}
}

// current returns the bucket for the current second, resetting it if the slot
// holds data from an earlier wrap of the ring.
func (c *Collector) current() *bucket {
	sec := c.now().Unix()
	b := &c.buckets[sec%hourSeconds]
	if b.sec != sec {
		*b = bucket{sec: sec}
	}
	return b
}

// RecordReceived counts an event accepted at ingress.
func (c *Collector) RecordReceived() {
	c.mu.Lock()
	c.current().received++
	c.mu.Unlock()
}

// RecordProcessed counts a successful delivery with its end to end latency.
func (c *Collector) RecordProcessed(latency time.Duration) {
	c.mu.Lock()
	b := c.current()
	b.processed++
	b.latencySum += latency
	b.latencyN++
	c.mu.Unlock()
}

// RecordFailed counts a failed delivery attempt.
func (c *Collector) RecordFailed() {
	c.mu.Lock()
	c.current().failed++
	c.mu.Unlock()
}

// RecordDeadLettered counts an event moved to the dead letter store.
func (c *Collector) RecordDeadLettered() {
	c.mu.Lock()
	c.current().dead++
	c.mu.Unlock()
}

// WindowStats summarizes pipeline activity over one trailing window.
type WindowStats struct {
	Received       int64         `json:"received"`
	Processed      int64         `json:"processed"`
	Failed         int64         `json:"failed"`
	DeadLettered   int64         `json:"dead_lettered"`
	AverageLatency time.Duration `json:"average_latency_ns"`
	PerSecond      float64       `json:"per_second"`
	ErrorRate      float64       `json:"error_rate"`
}

// Snapshot holds the trailing one-minute and one-hour windows.
type Snapshot struct {
	LastMinute WindowStats `json:"last_minute"`
	LastHour   WindowStats `json:"last_hour"`
}

// Snapshot computes both trailing windows at the current instant.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().Unix()
	return Snapshot{
		LastMinute: c.window(now, 60),
		LastHour:   c.window(now, hourSeconds),
	}
}

func (c *Collector) window(now int64, seconds int64) WindowStats {
	var s WindowStats
	var latencySum time.Duration
	var latencyN int64

	oldest := now - seconds + 1
	for i := range c.buckets {
		b := &c.buckets[i]
		if b.sec < oldest || b.sec > now {
			continue
		}
		s.Received += b.received
		s.Processed += b.processed
		s.Failed += b.failed
		s.DeadLettered += b.dead
		latencySum += b.latencySum
		latencyN += b.latencyN
	}

	if latencyN > 0 {
		s.AverageLatency = latencySum / time.Duration(latencyN)
	}
	s.PerSecond = float64(s.Processed) / float64(seconds)
	if attempts := s.Processed + s.Failed; attempts > 0 {
		s.ErrorRate = float64(s.Failed) / float64(attempts)
	}
	return s
}
