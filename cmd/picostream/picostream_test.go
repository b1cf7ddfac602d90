package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usnistgov/picostream"
)

func TestMakeFileExist(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	name, err := makeFileExist(dir, "config.yaml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "config.yaml"), name)
	info, err := os.Stat(name)
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	// An existing file must be left alone.
	require.NoError(t, os.WriteFile(name, []byte("verbose: true\n"), 0644))
	_, err = makeFileExist(dir, "config.yaml")
	require.NoError(t, err)
	contents, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, "verbose: true\n", string(contents))
}

func TestMakeFileExistHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	name, err := makeFileExist("$HOME/.picostream/logs", "updates.log")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".picostream", "logs", "updates.log"), name)
	_, err = os.Stat(name)
	assert.NoError(t, err)
}

// Without --config, the default file is created under $HOME/.picostream.
func TestSetupViperDefaultFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	v := viper.New()
	require.NoError(t, setupViper(v, ""))
	_, err := os.Stat(filepath.Join(home, ".picostream", "config.yaml"))
	assert.NoError(t, err)
	assert.Equal(t, "simulated", v.GetString("device"))
}

func TestExplicitConfigAndFlags(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(`
channels: [A, B]
ranges:
  A: 500mV
sample_interval_ns: 2000
format: bin
`), 0644))

	v := viper.New()
	cmd := newRootCommand(v)
	require.NoError(t, cmd.Flags().Parse([]string{"--channels", "C", "--duration", "3s"}))
	require.NoError(t, setupViper(v, cfg))

	config, err := picostream.LoadConfig(v)
	require.NoError(t, err)
	settings, err := config.Validate()
	require.NoError(t, err)
	assert.Equal(t, []picostream.ChannelID{picostream.ChannelC}, settings.Channels, "flag should override file")
	assert.Equal(t, picostream.Range500mV, settings.Ranges[picostream.ChannelA])
	assert.Equal(t, uint32(2000), settings.SampleIntervalNs)
	assert.Equal(t, picostream.FormatBin, settings.Format)
	assert.Equal(t, "3s", settings.Duration.String())
	assert.Equal(t, picostream.DefaultBufferCapacity/picostream.TransferDivisor, settings.TransferSize)
}

func TestShowVersion(t *testing.T) {
	var buf bytes.Buffer
	showVersion(&buf)
	assert.Contains(t, buf.String(), picostream.Build.Version)
}
