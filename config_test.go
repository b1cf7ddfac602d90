package picostream

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadYAML(t *testing.T, text string) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(text)))
	c, err := LoadConfig(v)
	require.NoError(t, err)
	return c
}

func TestConfigDefaults(t *testing.T) {
	c := loadYAML(t, "")
	s, err := c.Validate()
	require.NoError(t, err)
	assert.Equal(t, []ChannelID{ChannelA}, s.Channels)
	assert.Equal(t, DefaultBufferCapacity, s.BufferCapacity)
	assert.Equal(t, DefaultBufferCapacity/10, s.TransferSize)
	assert.Equal(t, DefaultQueueCapacity, s.QueueCapacity)
	assert.Equal(t, FormatNPY, s.Format)
	assert.Equal(t, Resolution8Bit, s.Resolution)
	assert.Equal(t, DefaultJoinTimeout, s.JoinTimeout)
	assert.False(t, s.FlushOnStop)
	assert.Zero(t, s.Duration)
	for ch, vr := range s.Ranges {
		if vr != DefaultRange {
			t.Errorf("channel %v range %v, want default %v", ChannelID(ch), vr, DefaultRange)
		}
	}
	assert.Equal(t, "simulated", c.Device)
	assert.False(t, s.Catalog.Enabled)
}

func TestConfigFile(t *testing.T) {
	c := loadYAML(t, `
channels: [b, D]
ranges:
  B: 100mV
  d: 20V
sample_interval_ns: 16
resolution: 12
duration: 1m30s
buffer_capacity: 5000
queue_capacity: 4
output_dir: /data/scope
format: BIN
flush_on_stop: true
status_port: 5502
catalog:
  enabled: true
  addr: [db1:9000]
`)
	s, err := c.Validate()
	require.NoError(t, err)
	assert.Equal(t, []ChannelID{ChannelB, ChannelD}, s.Channels)
	assert.Equal(t, Range100mV, s.Ranges[ChannelB])
	assert.Equal(t, Range20V, s.Ranges[ChannelD])
	assert.Equal(t, DefaultRange, s.Ranges[ChannelA])
	assert.Equal(t, uint32(16), s.SampleIntervalNs)
	assert.Equal(t, Resolution12Bit, s.Resolution)
	assert.Equal(t, 90*time.Second, s.Duration)
	assert.Equal(t, 500, s.TransferSize)
	assert.Equal(t, 4, s.QueueCapacity)
	assert.Equal(t, "/data/scope", s.OutputDir)
	assert.Equal(t, FormatBin, s.Format)
	assert.True(t, s.FlushOnStop)
	assert.Equal(t, 5502, s.StatusPort)
	assert.True(t, s.Catalog.Enabled)
	assert.Equal(t, []string{"db1:9000"}, s.Catalog.Addr)
	assert.Equal(t, "picostream", s.Catalog.Database)
}

func TestConfigValidate(t *testing.T) {
	good := func() *Config {
		return &Config{
			Channels:         []string{"A"},
			SampleIntervalNs: 100,
			Resolution:       8,
			BufferCapacity:   100,
			QueueCapacity:    2,
			OutputDir:        ".",
			Format:           "npy",
		}
	}
	_, err := good().Validate()
	require.NoError(t, err)

	tests := map[string]func(*Config){
		"no channels":    func(c *Config) { c.Channels = nil },
		"bad channel":    func(c *Config) { c.Channels = []string{"Q"} },
		"bad range":      func(c *Config) { c.Ranges = map[string]string{"a": "7V"} },
		"bad range chan": func(c *Config) { c.Ranges = map[string]string{"z": "1V"} },
		"resolution":     func(c *Config) { c.Resolution = 10 },
		"format":         func(c *Config) { c.Format = "csv" },
		"interval":       func(c *Config) { c.SampleIntervalNs = 0 },
		"duration":       func(c *Config) { c.Duration = -time.Second },
		"tiny buffer":    func(c *Config) { c.BufferCapacity = 9 },
		"queue":          func(c *Config) { c.QueueCapacity = 0 },
		"output":         func(c *Config) { c.OutputDir = "" },
		"status port":    func(c *Config) { c.StatusPort = 70000 },
	}
	for name, mutate := range tests {
		c := good()
		mutate(c)
		if _, err := c.Validate(); err == nil {
			t.Errorf("Validate() with %s succeeded, want error", name)
		}
	}
}
