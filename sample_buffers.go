package picostream

import (
	"fmt"
	"sync/atomic"
	"time"
)

// DefaultBufferCapacity is the default per-channel capacity, in samples, of both
// the hardware ring buffer and the accumulation buffer.
const DefaultBufferCapacity = 100_000_000

// TransferDivisor sets the hand-off threshold: a batch is shipped once the
// accumulation buffer holds Capacity/TransferDivisor samples.
const TransferDivisor = 10

// SampleBuffers owns, for each enabled channel, the ring buffer the device
// writes into and the accumulation buffer the samples are copied to.
// OnSamplesReady and the methods that touch the accumulation buffers must be
// called from a single goroutine (the acquisition loop); the counters may be
// read from anywhere.
type SampleBuffers struct {
	channels   []ChannelID
	enabled    [NumChannels]bool
	hardware   [NumChannels][]int16
	accum      [NumChannels][]int16
	capacity   int
	nextSample int
	batchStart int64 // run-wide index of accum[0]
	cancel     *Canceller

	overflows atomic.Int64
	lost      atomic.Int64
	clipped   atomic.Int64
	received  atomic.Int64
}

// NewSampleBuffers allocates hardware and accumulation buffers of the given
// capacity for each channel. When cancel is set, OnSamplesReady does nothing.
func NewSampleBuffers(channels []ChannelID, capacity int, cancel *Canceller) (*SampleBuffers, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("no channels enabled")
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("buffer capacity %d must be positive", capacity)
	}
	sb := &SampleBuffers{capacity: capacity, cancel: cancel}
	for _, ch := range channels {
		if !ch.Valid() {
			return nil, fmt.Errorf("invalid channel %v", ch)
		}
		if sb.enabled[ch] {
			continue
		}
		sb.enabled[ch] = true
		sb.channels = append(sb.channels, ch)
		sb.hardware[ch] = make([]int16, capacity)
		sb.accum[ch] = make([]int16, capacity)
	}
	return sb, nil
}

// Channels returns the enabled channels in configuration order.
func (sb *SampleBuffers) Channels() []ChannelID {
	return append([]ChannelID(nil), sb.channels...)
}

// Enabled reports whether ch has buffers.
func (sb *SampleBuffers) Enabled(ch ChannelID) bool {
	return ch.Valid() && sb.enabled[ch]
}

// Capacity is the per-channel buffer length in samples.
func (sb *SampleBuffers) Capacity() int {
	return sb.capacity
}

// HardwareBuffer returns the ring buffer to register with the device for ch,
// or nil if ch is not enabled.
func (sb *SampleBuffers) HardwareBuffer(ch ChannelID) []int16 {
	if !sb.Enabled(ch) {
		return nil
	}
	return sb.hardware[ch]
}

// NextSample is the number of samples accumulated since the last Reset.
func (sb *SampleBuffers) NextSample() int {
	return sb.nextSample
}

// OnSamplesReady copies a block of newly arrived samples from each hardware
// buffer into the matching accumulation buffer and advances NextSample. A block
// that would run past the end of either buffer is clipped to what fits and the
// remainder counted as lost. Once the run is cancelled it does nothing.
func (sb *SampleBuffers) OnSamplesReady(ready StreamingReady) {
	if sb.cancel != nil && sb.cancel.Cancelled() {
		return
	}
	if ready.Overflow() {
		sb.overflows.Add(1)
		sb.lost.Add(int64(ready.LostSamples))
		ProblemLogger.Warn(fmt.Sprintf("Overflow occurred. Lost %d samples.", ready.LostSamples),
			"lost", ready.LostSamples, "total_lost", sb.lost.Load())
	}

	n := ready.NSamples
	start := ready.StartIndex
	if n <= 0 {
		return
	}
	if start < 0 || start >= sb.capacity {
		sb.clip(n, "start index outside hardware buffer", ready)
		return
	}
	fit := min(n, sb.capacity-start, sb.capacity-sb.nextSample)
	if fit < n {
		sb.clip(n-fit, "samples do not fit", ready)
	}
	if fit <= 0 {
		return
	}
	for _, ch := range sb.channels {
		copy(sb.accum[ch][sb.nextSample:sb.nextSample+fit], sb.hardware[ch][start:start+fit])
	}
	sb.nextSample += fit
	sb.received.Add(int64(fit))
}

func (sb *SampleBuffers) clip(n int, why string, ready StreamingReady) {
	sb.clipped.Add(int64(n))
	sb.lost.Add(int64(n))
	ProblemLogger.Error("Samples dropped: "+why, "dropped", n,
		"start_index", ready.StartIndex, "nsamples", ready.NSamples,
		"next_sample", sb.nextSample, "capacity", sb.capacity)
}

// Snapshot deep-copies the filled prefix of every accumulation buffer.
func (sb *SampleBuffers) Snapshot(seq int) *Snapshot {
	s := &Snapshot{
		Sequence:    seq,
		FirstSample: sb.batchStart,
		Taken:       time.Now(),
		channels:    sb.Channels(),
	}
	for _, ch := range sb.channels {
		s.data[ch] = append([]int16(nil), sb.accum[ch][:sb.nextSample]...)
	}
	return s
}

// Reset empties the accumulation buffers. Stale contents are not zeroed;
// they are overwritten before being read again.
func (sb *SampleBuffers) Reset() {
	sb.batchStart += int64(sb.nextSample)
	sb.nextSample = 0
}

// Overflows counts the overflow notifications received from the device.
func (sb *SampleBuffers) Overflows() int64 { return sb.overflows.Load() }

// LostSamples counts samples reported lost by the device plus samples clipped.
func (sb *SampleBuffers) LostSamples() int64 { return sb.lost.Load() }

// ClippedSamples counts samples dropped because a block did not fit.
func (sb *SampleBuffers) ClippedSamples() int64 { return sb.clipped.Load() }

// ReceivedSamples counts samples copied into the accumulation buffers.
func (sb *SampleBuffers) ReceivedSamples() int64 { return sb.received.Load() }

// Snapshot is an immutable copy of one batch of samples from every enabled channel.
type Snapshot struct {
	Sequence    int       // position in enqueue order, from 0
	FirstSample int64     // run-wide index of the first sample
	Taken       time.Time // when the copy was made
	channels    []ChannelID
	data        [NumChannels][]int16
}

// Channels lists the channels present in the snapshot.
func (s *Snapshot) Channels() []ChannelID {
	return append([]ChannelID(nil), s.channels...)
}

// Samples returns the samples of ch, or nil if ch is absent. Callers must not modify them.
func (s *Snapshot) Samples(ch ChannelID) []int16 {
	if !ch.Valid() {
		return nil
	}
	return s.data[ch]
}

// Len is the number of samples per channel.
func (s *Snapshot) Len() int {
	if len(s.channels) == 0 {
		return 0
	}
	return len(s.data[s.channels[0]])
}
