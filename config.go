package picostream

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// CatalogConfig locates the optional ClickHouse run catalog.
type CatalogConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Addr        []string      `mapstructure:"addr"`
	Database    string        `mapstructure:"database"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// Config is the user-facing configuration, as read from the config file and
// command-line flags.
type Config struct {
	Channels         []string          `mapstructure:"channels"`
	Ranges           map[string]string `mapstructure:"ranges"`
	SampleIntervalNs uint32            `mapstructure:"sample_interval_ns"`
	Resolution       int               `mapstructure:"resolution"`
	Duration         time.Duration     `mapstructure:"duration"`
	BufferCapacity   int               `mapstructure:"buffer_capacity"`
	QueueCapacity    int               `mapstructure:"queue_capacity"`
	OutputDir        string            `mapstructure:"output_dir"`
	Format           string            `mapstructure:"format"`
	FlushOnStop      bool              `mapstructure:"flush_on_stop"`
	Device           string            `mapstructure:"device"`
	StatusPort       int               `mapstructure:"status_port"`
	JoinTimeout      time.Duration     `mapstructure:"join_timeout"`
	Catalog          CatalogConfig     `mapstructure:"catalog"`
	Verbose          bool              `mapstructure:"verbose"`
}

// DefaultJoinTimeout bounds the wait for the persistence worker at shutdown.
const DefaultJoinTimeout = 5 * time.Second

// SetDefaults registers the default value of every configuration key with v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("channels", []string{"A"})
	v.SetDefault("ranges", map[string]string{})
	v.SetDefault("sample_interval_ns", 1000)
	v.SetDefault("resolution", 8)
	v.SetDefault("duration", time.Duration(0))
	v.SetDefault("buffer_capacity", DefaultBufferCapacity)
	v.SetDefault("queue_capacity", DefaultQueueCapacity)
	v.SetDefault("output_dir", ".")
	v.SetDefault("format", string(FormatNPY))
	v.SetDefault("flush_on_stop", false)
	v.SetDefault("device", "simulated")
	v.SetDefault("status_port", 0)
	v.SetDefault("join_timeout", DefaultJoinTimeout)
	v.SetDefault("catalog.enabled", false)
	v.SetDefault("catalog.addr", []string{"localhost:9000"})
	v.SetDefault("catalog.database", "picostream")
	v.SetDefault("catalog.dial_timeout", 5*time.Second)
	v.SetDefault("verbose", false)
}

// LoadConfig decodes the configuration held by v.
func LoadConfig(v *viper.Viper) (*Config, error) {
	c := new(Config)
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	return c, nil
}

// Settings are a validated Config in the types the acquisition uses.
type Settings struct {
	Channels         []ChannelID
	Ranges           [NumChannels]VoltageRange
	SampleIntervalNs uint32
	Resolution       Resolution
	Duration         time.Duration
	BufferCapacity   int
	TransferSize     int
	QueueCapacity    int
	OutputDir        string
	Format           FileFormat
	FlushOnStop      bool
	StatusPort       int
	JoinTimeout      time.Duration
	Catalog          CatalogConfig
}

// Validate checks c and converts it to Settings.
func (c *Config) Validate() (*Settings, error) {
	s := &Settings{
		Duration:      c.Duration,
		OutputDir:     c.OutputDir,
		FlushOnStop:   c.FlushOnStop,
		StatusPort:    c.StatusPort,
		QueueCapacity: c.QueueCapacity,
		JoinTimeout:   c.JoinTimeout,
		Catalog:       c.Catalog,
	}
	var err error
	if s.Channels, err = ParseChannels(c.Channels); err != nil {
		return nil, err
	}
	for i := range s.Ranges {
		s.Ranges[i] = DefaultRange
	}
	for name, rangeName := range c.Ranges {
		ch, err := ParseChannel(name)
		if err != nil {
			return nil, fmt.Errorf("ranges: %w", err)
		}
		if s.Ranges[ch], err = ParseVoltageRange(rangeName); err != nil {
			return nil, fmt.Errorf("ranges[%s]: %w", ch, err)
		}
	}
	if s.Resolution, err = ParseResolution(c.Resolution); err != nil {
		return nil, err
	}
	if s.Format, err = ParseFileFormat(strings.ToLower(c.Format)); err != nil {
		return nil, err
	}
	if c.SampleIntervalNs == 0 {
		return nil, fmt.Errorf("sample_interval_ns must be positive")
	}
	s.SampleIntervalNs = c.SampleIntervalNs
	if c.Duration < 0 {
		return nil, fmt.Errorf("duration %v must not be negative", c.Duration)
	}
	if c.BufferCapacity < TransferDivisor {
		return nil, fmt.Errorf("buffer_capacity %d must be at least %d", c.BufferCapacity, TransferDivisor)
	}
	s.BufferCapacity = c.BufferCapacity
	s.TransferSize = c.BufferCapacity / TransferDivisor
	if c.QueueCapacity <= 0 {
		return nil, fmt.Errorf("queue_capacity %d must be positive", c.QueueCapacity)
	}
	if c.OutputDir == "" {
		return nil, fmt.Errorf("output_dir must not be empty")
	}
	if c.StatusPort < 0 || c.StatusPort > 65535 {
		return nil, fmt.Errorf("status_port %d out of range", c.StatusPort)
	}
	if s.JoinTimeout <= 0 {
		s.JoinTimeout = DefaultJoinTimeout
	}
	if s.Catalog.Database == "" {
		s.Catalog.Database = "picostream"
	}
	return s, nil
}
