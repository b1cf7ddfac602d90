package picostream

import (
	"fmt"
	"strings"
)

// ChannelID identifies one analog input of the scope.
type ChannelID int

// Names for the analog inputs. The numeric values match the driver's channel enumeration.
const (
	ChannelA ChannelID = iota
	ChannelB
	ChannelC
	ChannelD
)

// NumChannels is the number of analog inputs on the device.
const NumChannels = 4

var channelNames = [NumChannels]string{"A", "B", "C", "D"}

// Valid reports whether c names one of the device's inputs.
func (c ChannelID) Valid() bool {
	return c >= 0 && int(c) < NumChannels
}

func (c ChannelID) String() string {
	if !c.Valid() {
		return fmt.Sprintf("ChannelID(%d)", int(c))
	}
	return channelNames[c]
}

// DirName is the per-channel output directory name, e.g. "channel_a".
func (c ChannelID) DirName() string {
	return "channel_" + strings.ToLower(c.String())
}

// ParseChannel converts a name like "A" or " b " into a ChannelID.
func ParseChannel(name string) (ChannelID, error) {
	name = strings.TrimSpace(name)
	for i, n := range channelNames {
		if strings.EqualFold(name, n) {
			return ChannelID(i), nil
		}
	}
	return 0, fmt.Errorf("unknown channel %q (want one of %s)", name, strings.Join(channelNames[:], ", "))
}

// ParseChannels parses a list of channel names. Entries may themselves be
// comma-separated. Duplicates are removed; the result keeps first-seen order.
func ParseChannels(names []string) ([]ChannelID, error) {
	var seen [NumChannels]bool
	result := make([]ChannelID, 0, NumChannels)
	for _, entry := range names {
		for _, name := range strings.Split(entry, ",") {
			if strings.TrimSpace(name) == "" {
				continue
			}
			ch, err := ParseChannel(name)
			if err != nil {
				return nil, err
			}
			if !seen[ch] {
				seen[ch] = true
				result = append(result, ch)
			}
		}
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("no channels selected")
	}
	return result, nil
}

// VoltageRange selects the input range of one channel. The numeric values match
// the driver's range enumeration.
type VoltageRange int

// The enumerated input ranges.
const (
	Range10mV VoltageRange = iota
	Range20mV
	Range50mV
	Range100mV
	Range200mV
	Range500mV
	Range1V
	Range2V
	Range5V
	Range10V
	Range20V
)

// DefaultRange is used for disabled channels and for enabled channels with no configured range.
const DefaultRange = Range2V

var rangeNames = [...]string{"10mV", "20mV", "50mV", "100mV", "200mV", "500mV", "1V", "2V", "5V", "10V", "20V"}
var rangeVolts = [...]float64{0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 20}

// Valid reports whether r is one of the enumerated ranges.
func (r VoltageRange) Valid() bool {
	return r >= 0 && int(r) < len(rangeNames)
}

func (r VoltageRange) String() string {
	if !r.Valid() {
		return fmt.Sprintf("VoltageRange(%d)", int(r))
	}
	return rangeNames[r]
}

// Volts returns the full-scale value of the range in volts.
func (r VoltageRange) Volts() float64 {
	if !r.Valid() {
		return 0
	}
	return rangeVolts[r]
}

// ParseVoltageRange converts a name like "500mV" or "2v" into a VoltageRange.
func ParseVoltageRange(name string) (VoltageRange, error) {
	name = strings.TrimSpace(name)
	for i, n := range rangeNames {
		if strings.EqualFold(name, n) {
			return VoltageRange(i), nil
		}
	}
	return 0, fmt.Errorf("invalid voltage range %q (want one of %s)", name, strings.Join(rangeNames[:], ", "))
}

// Resolution is the ADC bit depth requested when the device is opened.
type Resolution int

// The supported resolutions.
const (
	Resolution8Bit  Resolution = 8
	Resolution12Bit Resolution = 12
)

// Valid reports whether r is a supported resolution.
func (r Resolution) Valid() bool {
	return r == Resolution8Bit || r == Resolution12Bit
}

func (r Resolution) String() string {
	return fmt.Sprintf("%d-bit", int(r))
}

// ParseResolution checks a bit depth from configuration.
func ParseResolution(bits int) (Resolution, error) {
	r := Resolution(bits)
	if !r.Valid() {
		return 0, fmt.Errorf("resolution %d not supported (want 8 or 12)", bits)
	}
	return r, nil
}
