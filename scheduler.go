package picostream

import (
	"errors"
	"fmt"
	"time"
)

// StopReason tells why the acquisition loop ended.
type StopReason int

// Reasons for the acquisition loop to end.
const (
	StopCancelled StopReason = iota // the run was cancelled (signal or caller)
	StopDuration                    // the configured duration elapsed
	StopError                       // a device or queue fault ended the loop
)

func (r StopReason) String() string {
	switch r {
	case StopCancelled:
		return "cancelled"
	case StopDuration:
		return "duration"
	case StopError:
		return "error"
	default:
		return fmt.Sprintf("StopReason(%d)", int(r))
	}
}

// DefaultPollInterval is the pause between successive fetches from the device.
const DefaultPollInterval = time.Millisecond

// Scheduler is the acquisition loop. It fetches samples from the device into
// the accumulation buffers and hands each full batch to the transfer queue.
type Scheduler struct {
	Device       Device
	Buffers      *SampleBuffers
	Queue        *TransferQueue
	Cancel       *Canceller
	TransferSize int           // ship a batch once this many samples are accumulated
	Duration     time.Duration // stop after this long; zero means run until cancelled
	PollInterval time.Duration
	FlushOnStop  bool // on a duration stop, ship the final short batch instead of discarding it
	Status       *StatusPublisher

	now       func() time.Time
	enqueued  int
	discarded int64
	overflows int64
}

// Enqueued is the number of snapshots put on the queue.
func (s *Scheduler) Enqueued() int { return s.enqueued }

// DiscardedSamples counts per-channel samples accumulated but never enqueued.
func (s *Scheduler) DiscardedSamples() int64 { return s.discarded }

// Run executes the loop until the run is cancelled, the duration elapses, or a
// fault occurs. Faults are logged and returned with StopError.
func (s *Scheduler) Run() (StopReason, error) {
	if s.TransferSize <= 0 || s.TransferSize > s.Buffers.Capacity() {
		return StopError, fmt.Errorf("transfer size %d must be in [1, %d]", s.TransferSize, s.Buffers.Capacity())
	}
	now := s.now
	if now == nil {
		now = time.Now
	}
	poll := s.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	timer := time.NewTimer(poll)
	defer timer.Stop()

	start := now()
	s.overflows = s.Buffers.Overflows()
	for !s.Cancel.Cancelled() {
		if err := s.Device.FetchLatest(s.Buffers.OnSamplesReady); err != nil {
			if s.Cancel.Cancelled() {
				break
			}
			ProblemLogger.Error("Error in data collection", "error", err)
			s.discard("acquisition fault")
			return StopError, fmt.Errorf("fetch latest values: %w", err)
		}
		s.reportOverflows()

		if s.Buffers.NextSample() >= s.TransferSize {
			if err := s.ship(); err != nil {
				if errors.Is(err, ErrPutAborted) {
					break
				}
				ProblemLogger.Error("Error in data collection", "error", err)
				return StopError, err
			}
		}

		if s.Duration > 0 && now().Sub(start) >= s.Duration {
			UpdateLogger.Info("Run duration reached", "duration", s.Duration.String())
			if err := s.finishPartial(); err != nil && !errors.Is(err, ErrPutAborted) {
				return StopError, err
			}
			return StopDuration, nil
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(poll)
		select {
		case <-timer.C:
		case <-s.Cancel.Done():
		}
	}
	s.discard("cancelled")
	return StopCancelled, nil
}

// ship snapshots the accumulated samples, puts them on the queue, and resets
// the buffers. If the put is abandoned the samples are counted as discarded.
func (s *Scheduler) ship() error {
	snap := s.Buffers.Snapshot(s.enqueued)
	if err := s.Queue.Put(snap, s.Cancel.Done()); err != nil {
		s.discard("queue put abandoned")
		return err
	}
	s.enqueued++
	UpdateLogger.Info("Put in Queue", "sequence", snap.Sequence, "samples", snap.Len(),
		"first_sample", snap.FirstSample, "queued", s.Queue.Len())
	s.Buffers.Reset()
	return nil
}

// finishPartial handles the short batch left when the duration elapses.
func (s *Scheduler) finishPartial() error {
	if s.Buffers.NextSample() == 0 {
		return nil
	}
	if !s.FlushOnStop {
		s.discard("duration reached")
		return nil
	}
	return s.ship()
}

func (s *Scheduler) discard(why string) {
	n := s.Buffers.NextSample()
	if n == 0 {
		return
	}
	s.discarded += int64(n)
	UpdateLogger.Info("Discarding partial batch", "samples", n, "reason", why)
	s.Buffers.Reset()
}

func (s *Scheduler) reportOverflows() {
	current := s.Buffers.Overflows()
	if current == s.overflows {
		return
	}
	s.overflows = current
	s.Status.Publish(TagOverflow, OverflowMessage{
		TotalLost: s.Buffers.LostSamples(),
		Overflows: current,
	})
}
