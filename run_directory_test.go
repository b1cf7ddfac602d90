package picostream

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeRunDirectory(t *testing.T) {
	base := filepath.Join(t.TempDir(), "runs")
	start := time.Date(2024, 3, 7, 14, 5, 9, 0, time.Local)
	dir, err := makeRunDirectory(base, start)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "data0307_140509"), dir)

	dir2, err := makeRunDirectory(base, start)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "data0307_140509_1"), dir2, "an existing directory is never reused")

	_, err = makeRunDirectory("", start)
	assert.Error(t, err)

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	_, err = makeRunDirectory(blocker, start)
	assert.Error(t, err, "a base path that is a file cannot hold run directories")
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := &Settings{
		Channels:         []ChannelID{ChannelA, ChannelC},
		SampleIntervalNs: 1000,
		Resolution:       Resolution12Bit,
		BufferCapacity:   1000,
		TransferSize:     100,
		Format:           FormatNPY,
	}
	for i := range s.Ranges {
		s.Ranges[i] = DefaultRange
	}
	s.Ranges[ChannelC] = Range50mV
	start := time.Date(2024, 3, 7, 14, 5, 9, 0, time.UTC)
	m := newRunManifest("01HTESTRUN", s, start, 992)
	require.NoError(t, WriteManifest(dir, m))

	got, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, ManifestStarted, got.State)
	assert.Equal(t, uint32(992), got.SampleIntervalNs)
	assert.Equal(t, uint32(1000), got.RequestedNs)
	assert.Equal(t, 12, got.Resolution)
	assert.Equal(t, "LittleEndian", got.ByteOrder)
	assert.True(t, start.Equal(got.Start))
	require.Len(t, got.Channels, 2)
	assert.Equal(t, ManifestChannel{Name: "C", Directory: "channel_c", Range: "50mV", FullScale: 0.05}, got.Channels[1])
	assert.Nil(t, got.Summary)

	stop := start.Add(time.Minute)
	m.State = ManifestFinished
	m.Stop = &stop
	m.Summary = &RunSummary{RunID: "01HTESTRUN", StopReason: "duration", Elapsed: time.Minute, FilesWritten: 6}
	require.NoError(t, WriteManifest(dir, m))
	got, err = ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, ManifestFinished, got.State)
	require.NotNil(t, got.Summary)
	assert.Equal(t, time.Minute, got.Summary.Elapsed)
	assert.Equal(t, 6, got.Summary.FilesWritten)
	_, err = os.Stat(filepath.Join(dir, ManifestName+".tmp"))
	assert.True(t, os.IsNotExist(err))
}
