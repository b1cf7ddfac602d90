package picostream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultQueueCapacity is the default number of snapshots the transfer queue holds.
const DefaultQueueCapacity = 20

// Errors returned by TransferQueue.
var (
	ErrPutAborted   = errors.New("transfer queue put aborted")
	ErrGetTimeout   = errors.New("transfer queue get timed out")
	ErrQueueStopped = errors.New("transfer queue stopped")
)

// queueItem is a snapshot, or the stop marker when snap is nil.
type queueItem struct {
	snap *Snapshot
}

// TransferQueue is a bounded FIFO of snapshots between the acquisition loop and
// the persistence worker. Put blocks while the queue is full; nothing is dropped.
type TransferQueue struct {
	items chan queueItem
}

// NewTransferQueue makes a queue holding at most capacity snapshots.
func NewTransferQueue(capacity int) (*TransferQueue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("queue capacity %d must be positive", capacity)
	}
	return &TransferQueue{items: make(chan queueItem, capacity)}, nil
}

// Put appends s, blocking while the queue is full. If abort closes first, s is
// not enqueued and ErrPutAborted is returned.
func (q *TransferQueue) Put(s *Snapshot, abort <-chan struct{}) error {
	if s == nil {
		return fmt.Errorf("cannot put a nil snapshot")
	}
	item := queueItem{snap: s}
	select {
	case q.items <- item:
		return nil
	default:
	}
	select {
	case q.items <- item:
		return nil
	case <-abort:
		return ErrPutAborted
	}
}

// Get removes and returns the oldest snapshot, waiting at most timeout.
// It returns ErrGetTimeout if nothing arrived and ErrQueueStopped when the
// stop marker is reached.
func (q *TransferQueue) Get(timeout time.Duration) (*Snapshot, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case item := <-q.items:
		if item.snap == nil {
			return nil, ErrQueueStopped
		}
		return item.snap, nil
	case <-timer.C:
		return nil, ErrGetTimeout
	}
}

// Stop enqueues the stop marker behind any snapshots already queued, waiting
// at most timeout for room.
func (q *TransferQueue) Stop(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case q.items <- queueItem{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("could not enqueue stop marker within %v", timeout)
	}
}

// Len is the number of queued items.
func (q *TransferQueue) Len() int {
	return len(q.items)
}

// Cap is the queue capacity.
func (q *TransferQueue) Cap() int {
	return cap(q.items)
}

// FillRatio is Len/Cap, in [0, 1].
func (q *TransferQueue) FillRatio() float64 {
	return min(float64(q.Len())/float64(q.Cap()), 1.0)
}

// FillLevel classifies how full the transfer queue is.
type FillLevel int

// Queue fill levels.
const (
	FillNormal FillLevel = iota
	FillWarning
	FillCritical
)

func (l FillLevel) String() string {
	switch l {
	case FillNormal:
		return "normal"
	case FillWarning:
		return "warning"
	case FillCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Default fill monitor settings.
const (
	DefaultFillCheckInterval = 5 * time.Second
	DefaultWarningRatio      = 0.5
	DefaultCriticalRatio     = 0.8
)

// FillMonitor periodically reports how full a TransferQueue is.
type FillMonitor struct {
	Queue         *TransferQueue
	Interval      time.Duration
	WarningRatio  float64
	CriticalRatio float64
	Logger        *slog.Logger

	mu        sync.Mutex
	lastCheck time.Time
	last      FillLevel
}

// NewFillMonitor returns a monitor of q with the default interval and thresholds.
func NewFillMonitor(q *TransferQueue) *FillMonitor {
	return &FillMonitor{
		Queue:         q,
		Interval:      DefaultFillCheckInterval,
		WarningRatio:  DefaultWarningRatio,
		CriticalRatio: DefaultCriticalRatio,
	}
}

// Classify maps a fill ratio onto a FillLevel.
func (m *FillMonitor) Classify(ratio float64) FillLevel {
	switch {
	case ratio >= m.CriticalRatio:
		return FillCritical
	case ratio >= m.WarningRatio:
		return FillWarning
	default:
		return FillNormal
	}
}

// Check measures the queue now and logs a warning or critical message if it is filling.
func (m *FillMonitor) Check() FillLevel {
	ratio := m.Queue.FillRatio()
	level := m.Classify(ratio)
	logger := m.Logger
	if logger == nil {
		logger = ProblemLogger
	}
	pct := fmt.Sprintf("%.1f%%", 100*ratio)
	switch level {
	case FillCritical:
		logger.Log(context.Background(), LevelCritical, "Transfer queue nearly full; disk writes are not keeping up",
			"fill", pct, "queued", m.Queue.Len(), "capacity", m.Queue.Cap())
	case FillWarning:
		logger.Warn("Transfer queue filling", "fill", pct, "queued", m.Queue.Len(), "capacity", m.Queue.Cap())
	}
	m.mu.Lock()
	m.last = level
	m.mu.Unlock()
	return level
}

// MaybeCheck runs Check if at least Interval has passed since the last check.
// The second result reports whether a check ran.
func (m *FillMonitor) MaybeCheck(now time.Time) (FillLevel, bool) {
	m.mu.Lock()
	if !m.lastCheck.IsZero() && now.Sub(m.lastCheck) < m.Interval {
		level := m.last
		m.mu.Unlock()
		return level, false
	}
	m.lastCheck = now
	m.mu.Unlock()
	return m.Check(), true
}

// Last returns the level found by the most recent check.
func (m *FillMonitor) Last() FillLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
