package picostream

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// StreamingReady describes one block of new samples made available by the device.
// The samples occupy [StartIndex, StartIndex+NSamples) of every registered
// hardware buffer.
type StreamingReady struct {
	NSamples    int
	StartIndex  int
	LostSamples int  // nonzero when the device overwrote data before it was fetched
	AutoStop    bool // the device has stopped on its own
}

// Overflow reports whether the device signalled lost data with this block.
func (r StreamingReady) Overflow() bool {
	return r.LostSamples > 0
}

// StreamingReadyFunc is the handler passed to Device.FetchLatest. It is called
// synchronously, zero or more times, before FetchLatest returns.
type StreamingReadyFunc func(StreamingReady)

// Device is the streaming interface of a 4-channel oscilloscope.
type Device interface {
	Open(res Resolution) error
	ChangePowerSource(code StatusCode) error
	SetChannel(ch ChannelID, enabled bool, vr VoltageRange) error
	SetDataBuffer(ch ChannelID, buffer []int16) error
	// RunStreaming starts continuous acquisition at (approximately) the requested
	// sample interval and returns the interval the hardware actually chose.
	RunStreaming(intervalNs uint32, bufferSize int) (uint32, error)
	FetchLatest(handler StreamingReadyFunc) error
	Stop() error
	Close() error
}

// StatusCode is a numeric status returned by the device driver.
type StatusCode uint32

// Driver status codes with special meaning here.
const (
	StatusOK                 StatusCode = 0
	StatusPowerSupplyMissing StatusCode = 0x11A // 282: auxiliary DC power not connected
	StatusUSB3OnUSB2Port     StatusCode = 0x11E // 286: USB 3.0 device on a USB 2.0 port
)

// IsPowerSource reports whether the code asks the caller to confirm the power source.
func (c StatusCode) IsPowerSource() bool {
	return c == StatusPowerSupplyMissing || c == StatusUSB3OnUSB2Port
}

// StatusError is a failed device call.
type StatusError struct {
	Op   string
	Code StatusCode
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("device %s failed with status %d (0x%X)", e.Op, uint32(e.Code), uint32(e.Code))
}

// openDevice opens dev. When the first attempt fails with a power-source status,
// the power source is changed once and that outcome decides the open. If the
// change fails the device is closed.
func openDevice(dev Device, res Resolution) error {
	err := dev.Open(res)
	if err == nil {
		return nil
	}
	var se *StatusError
	if !errors.As(err, &se) || !se.Code.IsPowerSource() {
		return fmt.Errorf("open device: %w", err)
	}
	UpdateLogger.Info("Changing device power source", "status", uint32(se.Code))
	if err2 := dev.ChangePowerSource(se.Code); err2 != nil {
		// The driver holds the device open while it waits for the power decision.
		if err3 := dev.Close(); err3 != nil {
			ProblemLogger.Warn("Could not close device after failed power source change", "error", err3)
		}
		return fmt.Errorf("open device: change power source after status %d: %w", uint32(se.Code), err2)
	}
	return nil
}

// deviceSetup holds the settings applied by setupDevice.
type deviceSetup struct {
	Resolution Resolution
	Ranges     [NumChannels]VoltageRange
	IntervalNs uint32
}

// setupDevice opens the device, configures all four channels, registers the
// hardware buffers of the enabled ones, and starts streaming. It returns the
// actual sample interval. On failure the device is closed.
func setupDevice(dev Device, buffers *SampleBuffers, setup deviceSetup) (actualNs uint32, err error) {
	if err = openDevice(dev, setup.Resolution); err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			if err2 := dev.Close(); err2 != nil {
				ProblemLogger.Warn("Could not close device after failed setup", "error", err2)
			}
		}
	}()

	for i := 0; i < NumChannels; i++ {
		ch := ChannelID(i)
		enabled := buffers.Enabled(ch)
		vr := DefaultRange
		if enabled && setup.Ranges[ch].Valid() {
			vr = setup.Ranges[ch]
		}
		if err = dev.SetChannel(ch, enabled, vr); err != nil {
			return 0, fmt.Errorf("set channel %s: %w", ch, err)
		}
	}
	for _, ch := range buffers.Channels() {
		if err = dev.SetDataBuffer(ch, buffers.HardwareBuffer(ch)); err != nil {
			return 0, fmt.Errorf("set data buffer for channel %s: %w", ch, err)
		}
	}
	actualNs, err = dev.RunStreaming(setup.IntervalNs, buffers.Capacity())
	if err != nil {
		return 0, fmt.Errorf("run streaming: %w", err)
	}
	UpdateLogger.Info("Streaming started", "requested_interval_ns", setup.IntervalNs,
		"actual_interval_ns", actualNs, "channels", fmt.Sprint(buffers.Channels()))
	return actualNs, nil
}

// DeviceFactory constructs a Device of one registered kind.
type DeviceFactory func() (Device, error)

var deviceRegistry = struct {
	sync.RWMutex
	factories map[string]DeviceFactory
}{factories: make(map[string]DeviceFactory)}

// RegisterDevice makes a device kind available to NewDevice under name.
func RegisterDevice(name string, factory DeviceFactory) {
	deviceRegistry.Lock()
	defer deviceRegistry.Unlock()
	deviceRegistry.factories[name] = factory
}

// NewDevice constructs a device of the named kind.
func NewDevice(name string) (Device, error) {
	deviceRegistry.RLock()
	factory, ok := deviceRegistry.factories[name]
	deviceRegistry.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no device driver %q registered (have %v)", name, DeviceNames())
	}
	return factory()
}

// DeviceNames lists the registered device kinds in sorted order.
func DeviceNames() []string {
	deviceRegistry.RLock()
	defer deviceRegistry.RUnlock()
	names := make([]string, 0, len(deviceRegistry.factories))
	for name := range deviceRegistry.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
