package picostream

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/usnistgov/picostream/internal/catalog"
)

// RunSummary reports the outcome of one acquisition run.
type RunSummary struct {
	RunID             string        `yaml:"run_id" json:"run_id"`
	Directory         string        `yaml:"directory" json:"directory"`
	StopReason        string        `yaml:"stop_reason" json:"stop_reason"`
	Error             string        `yaml:"error,omitempty" json:"error,omitempty"`
	Elapsed           time.Duration `yaml:"elapsed" json:"elapsed"`
	SampleIntervalNs  uint32        `yaml:"sample_interval_ns" json:"sample_interval_ns"`
	SnapshotsEnqueued int           `yaml:"snapshots_enqueued" json:"snapshots_enqueued"`
	BatchesWritten    int           `yaml:"batches_written" json:"batches_written"`
	FilesWritten      int           `yaml:"files_written" json:"files_written"`
	WriteFailures     int           `yaml:"write_failures" json:"write_failures"`
	SamplesReceived   int64         `yaml:"samples_received" json:"samples_received"`
	Overflows         int64         `yaml:"overflows" json:"overflows"`
	LostSamples       int64         `yaml:"lost_samples" json:"lost_samples"`
	ClippedSamples    int64         `yaml:"clipped_samples" json:"clipped_samples"`
	DiscardedSamples  int64         `yaml:"discarded_samples" json:"discarded_samples"`
	WorkerForced      bool          `yaml:"worker_forced" json:"worker_forced"`
}

// workerGracePeriod is how long a killed worker is given to notice.
const workerGracePeriod = time.Second

// Acquisition runs one streaming acquisition from device setup to release.
type Acquisition struct {
	Settings *Settings
	Device   Device
	Cancel   *Canceller
	Status   *StatusPublisher
	Catalog  *catalog.Catalog

	// PollInterval and GetTimeout override the loop timings when nonzero.
	PollInterval time.Duration
	GetTimeout   time.Duration
}

// NewAcquisition prepares a run of dev with the given settings.
func NewAcquisition(settings *Settings, dev Device, cancel *Canceller) *Acquisition {
	if cancel == nil {
		cancel = NewCanceller()
	}
	return &Acquisition{Settings: settings, Device: dev, Cancel: cancel}
}

// Run sets up the device, streams until cancelled or the duration elapses, and
// shuts everything down in order. The summary is returned whenever streaming
// started, even if the run ended in error.
func (a *Acquisition) Run() (*RunSummary, error) {
	s := a.Settings
	start := time.Now()
	runID := ulid.Make().String()

	buffers, err := NewSampleBuffers(s.Channels, s.BufferCapacity, a.Cancel)
	if err != nil {
		return nil, err
	}
	queue, err := NewTransferQueue(s.QueueCapacity)
	if err != nil {
		return nil, err
	}
	dir, err := makeRunDirectory(s.OutputDir, start)
	if err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}

	actualNs, err := setupDevice(a.Device, buffers, deviceSetup{
		Resolution: s.Resolution,
		Ranges:     s.Ranges,
		IntervalNs: s.SampleIntervalNs,
	})
	if err != nil {
		os.Remove(dir)
		return nil, fmt.Errorf("device setup: %w", err)
	}

	kernel := KernelWritebackSettings()
	logKernelSettings(kernel)
	manifest := newRunManifest(runID, s, start, actualNs)
	manifest.KernelSettings = kernel
	if err := WriteManifest(dir, manifest); err != nil {
		ProblemLogger.Error("Could not write run manifest", "directory", dir, "error", err)
	}

	channelNames := make([]string, len(s.Channels))
	for i, ch := range s.Channels {
		channelNames[i] = ch.String()
	}
	runmsg := &catalog.RunMessage{
		ID:               runID,
		Hostname:         Build.Host,
		Version:          Build.Version,
		Githash:          Build.Githash,
		Directory:        dir,
		Channels:         strings.Join(channelNames, ","),
		Resolution:       int(s.Resolution),
		SampleIntervalNs: actualNs,
		TransferSize:     s.TransferSize,
		Format:           string(s.Format),
		Start:            start,
	}
	a.Catalog.RecordRun(runmsg)
	a.Status.Publish(TagStatus, StatusMessage{RunID: runID, State: ManifestStarted,
		Directory: dir, Channels: channelNames, Time: start})

	writer := NewWriter(queue, a.Cancel, dir, s.Format)
	writer.Status = a.Status
	writer.Catalog = a.Catalog
	writer.RunID = runID
	if a.GetTimeout > 0 {
		writer.GetTimeout = a.GetTimeout
	}
	writer.Start()

	scheduler := &Scheduler{
		Device:       a.Device,
		Buffers:      buffers,
		Queue:        queue,
		Cancel:       a.Cancel,
		TransferSize: s.TransferSize,
		Duration:     s.Duration,
		PollInterval: a.PollInterval,
		FlushOnStop:  s.FlushOnStop,
		Status:       a.Status,
	}
	UpdateLogger.Info("Data collection started", "run_id", runID, "directory", dir,
		"transfer_size", s.TransferSize, "duration", s.Duration.String())
	reason, runErr := scheduler.Run()

	forced := a.shutdown(writer, queue, s.JoinTimeout)
	a.releaseDevice()
	stop := time.Now()
	UpdateLogger.Info("Data collection stopped.", "reason", reason.String())

	wstats := writer.Stats()
	summary := &RunSummary{
		RunID:             runID,
		Directory:         dir,
		StopReason:        reason.String(),
		Elapsed:           stop.Sub(start),
		SampleIntervalNs:  actualNs,
		SnapshotsEnqueued: scheduler.Enqueued(),
		BatchesWritten:    wstats.Batches,
		FilesWritten:      wstats.FilesWritten,
		WriteFailures:     wstats.WriteFailures,
		SamplesReceived:   buffers.ReceivedSamples(),
		Overflows:         buffers.Overflows(),
		LostSamples:       buffers.LostSamples(),
		ClippedSamples:    buffers.ClippedSamples(),
		DiscardedSamples:  scheduler.DiscardedSamples(),
		WorkerForced:      forced,
	}
	if runErr != nil {
		summary.Error = runErr.Error()
	}

	manifest.State = ManifestFinished
	manifest.Stop = &stop
	manifest.Summary = summary
	if err := WriteManifest(dir, manifest); err != nil {
		ProblemLogger.Error("Could not finalize run manifest", "directory", dir, "error", err)
	}

	runmsg.StopReason = summary.StopReason
	runmsg.Batches = summary.BatchesWritten
	runmsg.FilesWritten = summary.FilesWritten
	runmsg.WriteFailures = summary.WriteFailures
	runmsg.Overflows = summary.Overflows
	runmsg.LostSamples = summary.LostSamples
	a.Catalog.FinishRun(runmsg)
	a.Status.Publish(TagStatus, StatusMessage{RunID: runID, State: ManifestFinished,
		Directory: dir, Channels: channelNames, Time: stop})

	UpdateLogger.Info("Files saved to "+dir, "batches", summary.BatchesWritten,
		"files", summary.FilesWritten, "lost_samples", summary.LostSamples)
	return summary, runErr
}

// shutdown stops the persistence worker: it sets the cancellation flag,
// enqueues the stop marker, and waits for the worker, all within joinTimeout.
// If the worker is still running after that it is killed. The result reports
// whether the worker had to be killed.
func (a *Acquisition) shutdown(writer *Writer, queue *TransferQueue, joinTimeout time.Duration) bool {
	a.Cancel.Cancel()
	deadline := time.Now().Add(joinTimeout)
	if err := queue.Stop(joinTimeout); err != nil {
		ProblemLogger.Warn("Could not signal save data worker to stop", "error", err)
	}
	if writer.Join(max(time.Until(deadline), 0)) {
		return false
	}
	ProblemLogger.Warn("Save process did not terminate gracefully. Forcing termination.",
		"queued", queue.Len())
	writer.Kill()
	if !writer.Join(workerGracePeriod) {
		ProblemLogger.Error("Save data worker did not stop after being killed")
	}
	return true
}

// releaseDevice stops streaming and closes the device. Errors are logged only.
func (a *Acquisition) releaseDevice() {
	if err := a.Device.Stop(); err != nil {
		ProblemLogger.Warn("Could not stop device", "error", err)
	}
	if err := a.Device.Close(); err != nil {
		ProblemLogger.Warn("Could not close device", "error", err)
	}
}
