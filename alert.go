package rcoder

import (
	"sync"
	"time"
)

// Alert severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is a structured notification produced by background monitoring.
type Alert struct {
	Timestamp  time.Time
	Severity   string
	Message    string
	ServerName string
}

// AlertQueue is a fixed-capacity alert buffer. When full, the oldest entry
// is dropped and the dropped counter incremented; producers never block.
// Safe for concurrent producers and consumers.
type AlertQueue struct {
	mu       sync.Mutex
	alerts   []Alert
	capacity int
	dropped  uint64
}

const DefaultAlertCapacity = 256

// NewAlertQueue builds a queue holding at most capacity alerts. A
// non-positive capacity falls back to DefaultAlertCapacity.
func NewAlertQueue(capacity int) *AlertQueue {
	if capacity <= 0 {
		capacity = DefaultAlertCapacity
	}
	return &AlertQueue{capacity: capacity}
}

// Push appends an alert, evicting the oldest entry if the queue is full.
func (q *AlertQueue) Push(a Alert) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.alerts) == q.capacity {
		copy(q.alerts, q.alerts[1:])
		q.alerts = q.alerts[:len(q.alerts)-1]
		q.dropped++
	}
	q.alerts = append(q.alerts, a)
}

// Drain returns all buffered alerts, oldest first, and empties the queue.
func (q *AlertQueue) Drain() []Alert {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.alerts
	q.alerts = nil
	return out
}

func (q *AlertQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.alerts)
}

// Dropped reports how many alerts have been evicted due to overflow. It
// only ever increases.
func (q *AlertQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
