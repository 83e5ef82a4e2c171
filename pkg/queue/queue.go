// Package queue implements the degraded-mode Alert Queue (spec §4.7): a
// bounded in-memory FIFO the Orchestrator falls back to when the Persistent
// Store is unreachable, drained in order by Orchestrator.Resume. Nothing
// drains it automatically when the store becomes reachable again.
package queue

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/localops/warden/pkg/alert"
	"github.com/localops/warden/pkg/clock"
)

const (
	defaultCapacity = 1000
	defaultTTL      = time.Hour
)

// Entry holds one queued alert and the time it was admitted to the queue.
type Entry struct {
	Alert      alert.Alert
	EnqueuedAt time.Time
}

// Queue is a single-producer-per-worker, single-consumer FIFO.
type Queue struct {
	log      *logrus.Logger
	clk      clock.Clock
	capacity int
	ttl      time.Duration

	mu      sync.Mutex
	entries []Entry
}

// New constructs a Queue with the default 1000-entry capacity and 1h TTL.
func New(log *logrus.Logger, clk clock.Clock) *Queue {
	return &Queue{log: log, clk: clk, capacity: defaultCapacity, ttl: defaultTTL}
}

// WithCapacity overrides the default capacity (for tests/tuning).
func (q *Queue) WithCapacity(n int) *Queue { q.capacity = n; return q }

// WithTTL overrides the default entry TTL (for tests/tuning).
func (q *Queue) WithTTL(d time.Duration) *Queue { q.ttl = d; return q }

// Enqueue admits a into the queue. If the queue is at capacity, the oldest
// entry is dropped to make room (spec §4.7 "Overflow policy: drop oldest").
func (q *Queue) Enqueue(a alert.Alert) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.capacity {
		dropped := q.entries[0]
		q.entries = q.entries[1:]
		q.log.WithField("alert_fingerprint", dropped.Alert.Fingerprint).Warn("alert queue at capacity, dropping oldest entry")
	}
	q.entries = append(q.entries, Entry{Alert: a, EnqueuedAt: q.clk.Now()})
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Drain removes and returns every non-expired entry in FIFO order, dropping
// (and logging) entries older than the configured TTL (spec §4.7).
func (q *Queue) Drain() []Entry {
	q.mu.Lock()
	all := q.entries
	q.entries = nil
	q.mu.Unlock()

	now := q.clk.Now()
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if now.Sub(e.EnqueuedAt) > q.ttl {
			q.log.WithField("alert_fingerprint", e.Alert.Fingerprint).Warn("dropping queue entry past TTL")
			continue
		}
		out = append(out, e)
	}
	return out
}

// HealthState reports the degraded/healthy state of the queue itself
// (spec §4.7 "Health endpoint").
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
)

// Health reports "degraded" when the queue is non-empty, "healthy"
// otherwise. Callers additionally factor in store reachability.
func (q *Queue) Health() HealthState {
	if q.Len() > 0 {
		return HealthDegraded
	}
	return HealthHealthy
}
