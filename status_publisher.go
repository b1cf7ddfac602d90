package picostream

// Contains the StatusPublisher object, which publishes JSON-encoded messages
// giving the latest acquisition state.

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	zmq "github.com/pebbe/zmq4"
)

// Tags of the messages published on the status port.
const (
	TagStatus   = "STATUS"
	TagBatch    = "BATCH"
	TagQueue    = "QUEUE"
	TagOverflow = "OVERFLOW"
)

// ClientUpdate carries one message to be published on the status port.
type ClientUpdate struct {
	Tag   string
	State any
}

// StatusMessage reports a change of run state.
type StatusMessage struct {
	RunID     string
	State     string
	Directory string
	Channels  []string
	Time      time.Time
}

// BatchMessage reports one channel file of one batch written to disk.
type BatchMessage struct {
	Sequence int
	Batch    int
	Channel  string
	Filename string
	Samples  int
	Min      float64
	Max      float64
	Mean     float64
	Std      float64
}

// QueueMessage reports transfer queue fill.
type QueueMessage struct {
	Queued   int
	Capacity int
	Fill     float64
	Level    string
}

// OverflowMessage reports a device overflow.
type OverflowMessage struct {
	TotalLost int64
	Overflows int64
}

const statusPublisherBuffer = 100

// StatusPublisher forwards ClientUpdates to a ZMQ PUB socket from a single
// goroutine. A nil *StatusPublisher accepts and discards every update.
type StatusPublisher struct {
	updates chan ClientUpdate
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// StartStatusPublisher binds a PUB socket on tcp://*:port and starts publishing.
func StartStatusPublisher(port int) (*StatusPublisher, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("status publisher socket: %w", err)
	}
	hostname := fmt.Sprintf("tcp://*:%d", port)
	if err := socket.Bind(hostname); err != nil {
		socket.Close()
		return nil, fmt.Errorf("status publisher bind %s: %w", hostname, err)
	}
	socket.SetLinger(0)
	send := func(tag string, message []byte) error {
		_, err := socket.SendMessage(tag, message)
		return err
	}
	p := newStatusPublisher(send, func() { socket.Close() })
	UpdateLogger.Info("Publishing status", "endpoint", hostname)
	return p, nil
}

func newStatusPublisher(send func(tag string, message []byte) error, closeSocket func()) *StatusPublisher {
	p := &StatusPublisher{
		updates: make(chan ClientUpdate, statusPublisherBuffer),
		done:    make(chan struct{}),
	}
	go p.run(send, closeSocket)
	return p
}

func (p *StatusPublisher) run(send func(string, []byte) error, closeSocket func()) {
	defer close(p.done)
	if closeSocket != nil {
		defer closeSocket()
	}
	for update := range p.updates {
		tag, message, err := encodeUpdate(update)
		if err != nil {
			ProblemLogger.Warn("Could not encode status update", "tag", update.Tag, "error", err)
			continue
		}
		if err := send(tag, message); err != nil {
			ProblemLogger.Warn("Could not publish status update", "tag", tag, "error", err)
		}
	}
}

// Publish queues an update without blocking. Updates are dropped when the
// publisher is closed or its buffer is full.
func (p *StatusPublisher) Publish(tag string, state any) {
	if p == nil {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.updates <- ClientUpdate{Tag: tag, State: state}:
	default:
		p.dropped.Add(1)
	}
}

// Close publishes everything already queued, then closes the socket.
func (p *StatusPublisher) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.updates)
	p.mu.Unlock()
	<-p.done
}

// Dropped counts updates discarded because the buffer was full.
func (p *StatusPublisher) Dropped() int64 {
	if p == nil {
		return 0
	}
	return p.dropped.Load()
}

// encodeUpdate returns the two message frames: the tag and the JSON body.
func encodeUpdate(update ClientUpdate) (string, []byte, error) {
	if update.Tag == "" {
		return "", nil, fmt.Errorf("status update has no tag")
	}
	message, err := json.Marshal(update.State)
	if err != nil {
		return "", nil, err
	}
	return update.Tag, message, nil
}
