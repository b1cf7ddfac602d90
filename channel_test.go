package picostream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChannels(t *testing.T) {
	chans, err := ParseChannels([]string{"c", "A, b", "C"})
	require.NoError(t, err)
	assert.Equal(t, []ChannelID{ChannelC, ChannelA, ChannelB}, chans)

	for _, bad := range [][]string{nil, {""}, {"E"}, {"A", "x"}} {
		if _, err := ParseChannels(bad); err == nil {
			t.Errorf("ParseChannels(%q) succeeded, want error", bad)
		}
	}
	assert.Equal(t, "channel_d", ChannelD.DirName())
	assert.Equal(t, "ChannelID(9)", ChannelID(9).String())
}

func TestVoltageRanges(t *testing.T) {
	tests := []struct {
		name  string
		vr    VoltageRange
		volts float64
	}{
		{"10mV", Range10mV, 0.01},
		{"500MV", Range500mV, 0.5},
		{"2V", Range2V, 2},
		{" 20v ", Range20V, 20},
	}
	for _, tt := range tests {
		vr, err := ParseVoltageRange(tt.name)
		if err != nil {
			t.Errorf("ParseVoltageRange(%q) error: %v", tt.name, err)
			continue
		}
		if vr != tt.vr || vr.Volts() != tt.volts {
			t.Errorf("ParseVoltageRange(%q) = %v (%v V), want %v (%v V)", tt.name, vr, vr.Volts(), tt.vr, tt.volts)
		}
	}
	_, err := ParseVoltageRange("3V")
	assert.Error(t, err)
	assert.Equal(t, 7, int(Range2V), "ranges follow the driver enumeration")
	assert.Equal(t, 10, int(Range20V))
	assert.False(t, VoltageRange(11).Valid())
	assert.Zero(t, VoltageRange(-1).Volts())
}

func TestResolution(t *testing.T) {
	for _, bits := range []int{8, 12} {
		r, err := ParseResolution(bits)
		assert.NoError(t, err)
		assert.Equal(t, bits, int(r))
	}
	_, err := ParseResolution(14)
	assert.Error(t, err)
	assert.Equal(t, "12-bit", Resolution12Bit.String())
}
