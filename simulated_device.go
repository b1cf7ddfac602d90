package picostream

import (
	"fmt"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
)

// SimulatedDevice is a software Device that needs no hardware. It produces
// triangle waves at the configured sample rate, paced by the wall clock, into
// the registered ring buffers. When more samples come due between fetches than
// the ring can hold, the excess is reported as lost, as real hardware would.
type SimulatedDevice struct {
	// MaxSamplesPerFetch bounds the samples delivered by one FetchLatest call.
	// Samples beyond it stay pending for the next call.
	MaxSamplesPerFetch int
	// OpenStatus, when nonzero, makes the first Open fail with that status.
	OpenStatus StatusCode
	// Minval and Maxval are the limits of the triangle wave.
	Minval, Maxval int16

	now func() time.Time

	mu           sync.Mutex
	isOpen       bool
	isStreaming  bool
	openAttempts int
	resolution   Resolution
	powerChanges []StatusCode
	enabled      [NumChannels]bool
	ranges       [NumChannels]VoltageRange
	buffers      [NumChannels][]int16
	bufferSize   int
	intervalNs   uint32
	startTime    time.Time
	produced     int64 // samples generated or declared lost since streaming started
	writeIndex   int
	totalLost    int64
}

// Default parameters of a new SimulatedDevice.
const (
	DefaultSimMaxPerFetch = 1 << 20
	simMinInterval8Bit    = 8
	simMinInterval12Bit   = 16
)

// NewSimulatedDevice creates a closed simulated device.
func NewSimulatedDevice() *SimulatedDevice {
	return &SimulatedDevice{
		MaxSamplesPerFetch: DefaultSimMaxPerFetch,
		Minval:             -1000,
		Maxval:             1000,
		now:                time.Now,
	}
}

func init() {
	RegisterDevice("simulated", func() (Device, error) {
		return NewSimulatedDevice(), nil
	})
}

// Open opens the device at the given resolution.
func (sd *SimulatedDevice) Open(res Resolution) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if sd.isOpen {
		return fmt.Errorf("SimulatedDevice.Open: already open")
	}
	if !res.Valid() {
		return fmt.Errorf("SimulatedDevice.Open: %w", &StatusError{Op: "Open", Code: statusInvalidParameter})
	}
	sd.openAttempts++
	sd.resolution = res
	if sd.OpenStatus != StatusOK && sd.openAttempts == 1 {
		// The device is open but waiting for the caller to confirm the power source.
		sd.isOpen = sd.OpenStatus.IsPowerSource()
		return &StatusError{Op: "Open", Code: sd.OpenStatus}
	}
	sd.isOpen = true
	return nil
}

// ChangePowerSource accepts the power-source status reported by Open.
func (sd *SimulatedDevice) ChangePowerSource(code StatusCode) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if !sd.isOpen {
		return &StatusError{Op: "ChangePowerSource", Code: statusInvalidHandle}
	}
	if !code.IsPowerSource() {
		return &StatusError{Op: "ChangePowerSource", Code: statusInvalidParameter}
	}
	sd.powerChanges = append(sd.powerChanges, code)
	return nil
}

// SetChannel enables or disables one input and sets its range.
func (sd *SimulatedDevice) SetChannel(ch ChannelID, enabled bool, vr VoltageRange) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if !sd.isOpen {
		return &StatusError{Op: "SetChannel", Code: statusInvalidHandle}
	}
	if !ch.Valid() || !vr.Valid() {
		return &StatusError{Op: "SetChannel", Code: statusInvalidParameter}
	}
	sd.enabled[ch] = enabled
	sd.ranges[ch] = vr
	return nil
}

// SetDataBuffer registers the ring buffer that receives channel ch's samples.
func (sd *SimulatedDevice) SetDataBuffer(ch ChannelID, buffer []int16) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if !sd.isOpen {
		return &StatusError{Op: "SetDataBuffer", Code: statusInvalidHandle}
	}
	if !ch.Valid() {
		return &StatusError{Op: "SetDataBuffer", Code: statusInvalidParameter}
	}
	sd.buffers[ch] = buffer
	return nil
}

// RunStreaming starts streaming into rings of bufferSize samples.
func (sd *SimulatedDevice) RunStreaming(intervalNs uint32, bufferSize int) (uint32, error) {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if !sd.isOpen {
		return 0, &StatusError{Op: "RunStreaming", Code: statusInvalidHandle}
	}
	if bufferSize <= 0 || intervalNs == 0 {
		return 0, &StatusError{Op: "RunStreaming", Code: statusInvalidParameter}
	}
	nenabled := 0
	for i, enabled := range sd.enabled {
		if !enabled {
			continue
		}
		nenabled++
		if len(sd.buffers[i]) < bufferSize {
			return 0, fmt.Errorf("SimulatedDevice.RunStreaming: channel %s buffer length %d < %d",
				ChannelID(i), len(sd.buffers[i]), bufferSize)
		}
	}
	if nenabled == 0 {
		return 0, &StatusError{Op: "RunStreaming", Code: statusNoChannelsEnabled}
	}

	minInterval := uint32(simMinInterval8Bit)
	if sd.resolution == Resolution12Bit {
		minInterval = simMinInterval12Bit
	}
	sd.intervalNs = max(intervalNs, minInterval)
	sd.bufferSize = bufferSize
	sd.startTime = sd.now()
	sd.produced = 0
	sd.writeIndex = 0
	sd.isStreaming = true
	return sd.intervalNs, nil
}

// FetchLatest generates every sample due since the last call (up to
// MaxSamplesPerFetch) and reports them to handler. A block that wraps the end
// of the ring is reported as two calls.
func (sd *SimulatedDevice) FetchLatest(handler StreamingReadyFunc) error {
	sd.mu.Lock()
	if !sd.isStreaming {
		sd.mu.Unlock()
		return &StatusError{Op: "FetchLatest", Code: statusNotStreaming}
	}
	due := int64(sd.now().Sub(sd.startTime)) / int64(sd.intervalNs)
	pending := due - sd.produced
	lost := 0
	if pending > int64(sd.bufferSize) {
		lost = int(pending - int64(sd.bufferSize))
		sd.produced += int64(lost)
		sd.totalLost += int64(lost)
		sd.writeIndex = int((int64(sd.writeIndex) + int64(lost)) % int64(sd.bufferSize))
		pending = int64(sd.bufferSize)
	}
	n := int(pending)
	if sd.MaxSamplesPerFetch > 0 {
		n = min(n, sd.MaxSamplesPerFetch)
	}

	var blocks []StreamingReady
	for n > 0 {
		nblock := min(n, sd.bufferSize-sd.writeIndex)
		sd.generate(sd.writeIndex, nblock, sd.produced)
		blocks = append(blocks, StreamingReady{NSamples: nblock, StartIndex: sd.writeIndex})
		sd.produced += int64(nblock)
		sd.writeIndex = (sd.writeIndex + nblock) % sd.bufferSize
		n -= nblock
	}
	sd.mu.Unlock()

	if lost > 0 {
		if len(blocks) == 0 {
			blocks = append(blocks, StreamingReady{})
		}
		blocks[0].LostSamples = lost
	}
	for _, b := range blocks {
		handler(b)
	}
	return nil
}

// generate fills [start, start+n) of each enabled ring with the waveform at
// run-wide sample index first onward.
func (sd *SimulatedDevice) generate(start, n int, first int64) {
	lo, hi := int64(sd.Minval), int64(sd.Maxval)
	nrise := hi - lo
	if nrise <= 0 {
		nrise = 1
	}
	period := 2 * nrise
	for i, enabled := range sd.enabled {
		if !enabled {
			continue
		}
		buf := sd.buffers[i][start : start+n]
		offset := int64(i) * period / NumChannels
		for j := range buf {
			phase := (first + int64(j) + offset) % period
			if phase < nrise {
				buf[j] = int16(lo + phase)
			} else {
				buf[j] = int16(hi - (phase - nrise))
			}
		}
	}
}

// Stop halts streaming. Stopping a device that is not streaming is allowed.
func (sd *SimulatedDevice) Stop() error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if !sd.isOpen {
		return &StatusError{Op: "Stop", Code: statusInvalidHandle}
	}
	sd.isStreaming = false
	return nil
}

// Close releases the device. It errors if already closed.
func (sd *SimulatedDevice) Close() error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if !sd.isOpen {
		return fmt.Errorf("SimulatedDevice.Close: already closed")
	}
	sd.isOpen = false
	sd.isStreaming = false
	return nil
}

// Inspect returns a readable dump of the device state, omitting sample buffers.
func (sd *SimulatedDevice) Inspect() string {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	state := struct {
		Open, Streaming bool
		Resolution      Resolution
		Enabled         [NumChannels]bool
		Ranges          [NumChannels]VoltageRange
		BufferSize      int
		IntervalNs      uint32
		Produced, Lost  int64
		PowerChanges    []StatusCode
	}{sd.isOpen, sd.isStreaming, sd.resolution, sd.enabled, sd.ranges,
		sd.bufferSize, sd.intervalNs, sd.produced, sd.totalLost, sd.powerChanges}
	return spew.Sdump(state)
}

// Status codes used by SimulatedDevice, numbered like the vendor driver's.
const (
	statusInvalidHandle     StatusCode = 0x0C
	statusInvalidParameter  StatusCode = 0x0D
	statusNoChannelsEnabled StatusCode = 0x1D
	statusNotStreaming      StatusCode = 0x2A
)
