package picostream

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/usnistgov/picostream/getbytes"
	"gopkg.in/yaml.v3"
)

// ManifestName is the name of the run description file in each run directory.
const ManifestName = "run.yaml"

// makeRunDirectory creates basepath/data<MMDD_HHMMSS> for a run started at t.
// If that directory already exists a numeric suffix is added.
func makeRunDirectory(basepath string, t time.Time) (string, error) {
	if len(basepath) == 0 {
		return "", fmt.Errorf("output directory is the empty string")
	}
	if err := os.MkdirAll(basepath, 0755); err != nil {
		return "", err
	}
	name := "data" + t.Format("0102_150405")
	for i := 0; i < 100; i++ {
		thisDir := filepath.Join(basepath, name)
		if i > 0 {
			thisDir = fmt.Sprintf("%s_%d", thisDir, i)
		}
		err := os.Mkdir(thisDir, 0755)
		if err == nil {
			return thisDir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("out of run directory names for %s in %s", name, basepath)
}

// ManifestChannel describes one recorded channel.
type ManifestChannel struct {
	Name      string  `yaml:"name"`
	Directory string  `yaml:"directory"`
	Range     string  `yaml:"range"`
	FullScale float64 `yaml:"full_scale_volts"`
}

// RunManifest is the content of run.yaml. It holds what a reader needs to
// interpret the batch files: channel ranges, sample interval, resolution and encoding.
type RunManifest struct {
	RunID            string            `yaml:"run_id"`
	Version          string            `yaml:"version"`
	Host             string            `yaml:"host"`
	State            string            `yaml:"state"`
	Start            time.Time         `yaml:"start"`
	Stop             *time.Time        `yaml:"stop,omitempty"`
	Resolution       int               `yaml:"resolution_bits"`
	RequestedNs      uint32            `yaml:"requested_interval_ns"`
	SampleIntervalNs uint32            `yaml:"sample_interval_ns"`
	BufferCapacity   int               `yaml:"buffer_capacity"`
	TransferSize     int               `yaml:"transfer_size"`
	Format           FileFormat        `yaml:"format"`
	ByteOrder        string            `yaml:"byte_order"`
	Channels         []ManifestChannel `yaml:"channels"`
	KernelSettings   map[string]string `yaml:"kernel_settings,omitempty"`
	Summary          *RunSummary       `yaml:"summary,omitempty"`
}

// Manifest states.
const (
	ManifestStarted  = "START"
	ManifestFinished = "STOP"
)

// newRunManifest describes a run with the given settings.
func newRunManifest(runID string, s *Settings, start time.Time, actualNs uint32) *RunManifest {
	m := &RunManifest{
		RunID:            runID,
		Version:          Build.Version,
		Host:             Build.Host,
		State:            ManifestStarted,
		Start:            start,
		Resolution:       int(s.Resolution),
		RequestedNs:      s.SampleIntervalNs,
		SampleIntervalNs: actualNs,
		BufferCapacity:   s.BufferCapacity,
		TransferSize:     s.TransferSize,
		Format:           s.Format,
		ByteOrder:        getbytes.NativeByteOrder().String(),
	}
	if s.Format == FormatNPY {
		m.ByteOrder = "LittleEndian"
	}
	for _, ch := range s.Channels {
		vr := s.Ranges[ch]
		m.Channels = append(m.Channels, ManifestChannel{
			Name:      ch.String(),
			Directory: ch.DirName(),
			Range:     vr.String(),
			FullScale: vr.Volts(),
		})
	}
	return m
}

// WriteManifest stores m as dir/run.yaml, replacing any earlier version atomically.
func WriteManifest(dir string, m *RunManifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	final := filepath.Join(dir, ManifestName)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// ReadManifest loads dir/run.yaml.
func ReadManifest(dir string) (*RunManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, err
	}
	m := new(RunManifest)
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ManifestName, err)
	}
	return m, nil
}
