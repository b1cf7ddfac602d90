package picostream

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/sbinet/npyio"
	"github.com/usnistgov/picostream/getbytes"
	"github.com/usnistgov/picostream/internal/catalog"
	"gonum.org/v1/gonum/stat"
)

// FileFormat selects how batch files are encoded.
type FileFormat string

// Supported batch file formats.
const (
	FormatNPY FileFormat = "npy" // NumPy v1 array of int16
	FormatBin FileFormat = "bin" // raw int16 in host byte order
)

// ParseFileFormat checks a format name from configuration.
func ParseFileFormat(name string) (FileFormat, error) {
	switch f := FileFormat(name); f {
	case FormatNPY, FormatBin:
		return f, nil
	}
	return "", fmt.Errorf("unknown file format %q (want npy or bin)", name)
}

// Ext is the filename extension, including the dot.
func (f FileFormat) Ext() string {
	return "." + string(f)
}

// DefaultGetTimeout is how long the writer waits on an empty queue before
// checking for cancellation.
const DefaultGetTimeout = 100 * time.Millisecond

// maxSummaryPoints bounds the number of samples used for the mean and standard
// deviation of one file.
const maxSummaryPoints = 1 << 16

// WriterStats summarizes the work done by a Writer.
type WriterStats struct {
	Batches       int // snapshots taken from the queue
	FilesWritten  int
	WriteFailures int
	Samples       int64 // per-channel samples in all batches taken
	LatencyP50    time.Duration
	LatencyP99    time.Duration
}

// ChannelSummary gives summary statistics of the samples in one file.
type ChannelSummary struct {
	Min, Max, Mean, Std float64
}

// Writer is the persistence worker. It drains the transfer queue and writes
// every channel of each snapshot to its own file, batches numbered in arrival order.
type Writer struct {
	Queue      *TransferQueue
	Cancel     *Canceller
	Directory  string
	Format     FileFormat
	GetTimeout time.Duration
	Monitor    *FillMonitor
	Status     *StatusPublisher
	Catalog    *catalog.Catalog
	RunID      string

	kill     chan struct{}
	done     chan struct{}
	killOnce sync.Once

	mu         sync.Mutex
	batchIndex int
	stats      WriterStats
	latency    *ddsketch.DDSketch
	scratch    []float64
}

// NewWriter returns a Writer that drains q into files under directory.
func NewWriter(q *TransferQueue, cancel *Canceller, directory string, format FileFormat) *Writer {
	w := &Writer{
		Queue:      q,
		Cancel:     cancel,
		Directory:  directory,
		Format:     format,
		GetTimeout: DefaultGetTimeout,
		Monitor:    NewFillMonitor(q),
		kill:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	if sketch, err := ddsketch.NewDefaultDDSketch(0.01); err == nil {
		w.latency = sketch
	}
	return w
}

// Start runs the writer on a new goroutine.
func (w *Writer) Start() {
	go w.Run()
}

// Run drains the queue until the stop marker arrives or Kill is called.
// Cancellation alone does not end it: the acquisition loop may still enqueue
// a batch after the flag is set, and every batch ahead of the marker is written.
func (w *Writer) Run() {
	defer close(w.done)
	defer UpdateLogger.Info("Save data worker finished")
	for {
		if w.killed() {
			ProblemLogger.Warn("Save data worker terminated with data possibly unsaved", "queued", w.Queue.Len())
			return
		}
		if w.Monitor != nil {
			if level, checked := w.Monitor.MaybeCheck(time.Now()); checked {
				w.reportQueue(level)
			}
		}

		snap, err := w.Queue.Get(w.GetTimeout)
		if errors.Is(err, ErrGetTimeout) {
			continue
		}
		if err != nil {
			return
		}

		UpdateLogger.Info("Processing data batch", "sequence", snap.Sequence, "samples", snap.Len())
		if err := w.writeSnapshot(snap); err != nil {
			if w.Cancel.Cancelled() {
				return
			}
			ProblemLogger.Error("Error in save data worker", "sequence", snap.Sequence, "error", err)
		}
	}
}

// Join waits up to timeout for Run to return and reports whether it did.
func (w *Writer) Join(timeout time.Duration) bool {
	select {
	case <-w.done:
		return true
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return true
	case <-timer.C:
		return false
	}
}

// Done is closed when Run returns.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

// Kill forces Run to return at its next check, between files.
func (w *Writer) Kill() {
	w.killOnce.Do(func() { close(w.kill) })
}

func (w *Writer) killed() bool {
	select {
	case <-w.kill:
		return true
	default:
		return false
	}
}

// Stats returns a copy of the writer's counters.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	stats := w.stats
	if w.latency != nil && w.latency.GetCount() > 0 {
		if p50, err := w.latency.GetValueAtQuantile(0.50); err == nil {
			stats.LatencyP50 = time.Duration(p50 * float64(time.Second))
		}
		if p99, err := w.latency.GetValueAtQuantile(0.99); err == nil {
			stats.LatencyP99 = time.Duration(p99 * float64(time.Second))
		}
	}
	return stats
}

// writeSnapshot writes each channel of snap to its batch file. A failed
// channel does not prevent its siblings from being written. The batch index
// advances once per snapshot, whether or not every file succeeded.
func (w *Writer) writeSnapshot(snap *Snapshot) error {
	w.mu.Lock()
	batch := w.batchIndex
	w.batchIndex++
	w.stats.Batches++
	w.stats.Samples += int64(snap.Len())
	w.mu.Unlock()

	var errs []error
	for _, ch := range snap.Channels() {
		if w.killed() {
			errs = append(errs, fmt.Errorf("batch %d channel %s: %w", batch, ch, ErrCancelled))
			break
		}
		if err := w.writeChannel(snap, batch, ch); err != nil {
			w.mu.Lock()
			w.stats.WriteFailures++
			w.mu.Unlock()
			errs = append(errs, fmt.Errorf("batch %d channel %s: %w", batch, ch, err))
		}
	}
	return errors.Join(errs...)
}

// BatchFilename is the path of channel ch's file for the given batch, relative
// to the run directory.
func BatchFilename(ch ChannelID, batch int, format FileFormat) string {
	return filepath.Join(ch.DirName(), fmt.Sprintf("data_%d%s", batch, format.Ext()))
}

func (w *Writer) writeChannel(snap *Snapshot, batch int, ch ChannelID) error {
	started := time.Now()
	relname := BatchFilename(ch, batch, w.Format)
	fullname := filepath.Join(w.Directory, relname)
	if err := os.MkdirAll(filepath.Dir(fullname), 0755); err != nil {
		return err
	}
	data := snap.Samples(ch)
	size, err := writeSamples(fullname, data, w.Format)
	if err != nil {
		return err
	}
	finished := time.Now()

	summary := w.summarize(data)
	w.mu.Lock()
	w.stats.FilesWritten++
	if w.latency != nil {
		w.latency.Add(finished.Sub(started).Seconds())
	}
	w.mu.Unlock()

	w.Status.Publish(TagBatch, BatchMessage{
		Sequence: snap.Sequence,
		Batch:    batch,
		Channel:  ch.String(),
		Filename: relname,
		Samples:  len(data),
		Min:      summary.Min,
		Max:      summary.Max,
		Mean:     summary.Mean,
		Std:      summary.Std,
	})
	w.Catalog.RecordFile(&catalog.FileMessage{
		RunID:       w.RunID,
		Channel:     ch.String(),
		Batch:       batch,
		Filename:    relname,
		Format:      string(w.Format),
		FirstSample: snap.FirstSample,
		Samples:     len(data),
		Size:        size,
		Min:         summary.Min,
		Max:         summary.Max,
		Mean:        summary.Mean,
		Std:         summary.Std,
		Start:       started,
		End:         finished,
	})
	return nil
}

// writeSamples writes data to a new file through a buffered writer, syncs it,
// and returns the file size.
func writeSamples(filename string, data []int16, format FileFormat) (size int64, err error) {
	fp, err := os.Create(filename)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err2 := fp.Close(); err == nil {
			err = err2
		}
	}()

	bw := bufio.NewWriterSize(fp, 1<<20)
	switch format {
	case FormatNPY:
		if data == nil {
			data = []int16{}
		}
		err = npyio.Write(bw, data)
	case FormatBin:
		_, err = bw.Write(getbytes.FromSliceInt16(data))
	default:
		err = fmt.Errorf("unknown file format %q", format)
	}
	if err != nil {
		return 0, err
	}
	if err = bw.Flush(); err != nil {
		return 0, err
	}
	if err = fp.Sync(); err != nil {
		return 0, err
	}
	info, err := fp.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// summarize computes exact extrema and a mean and standard deviation from an
// evenly strided subsample of at most maxSummaryPoints values.
func (w *Writer) summarize(data []int16) ChannelSummary {
	if len(data) == 0 {
		return ChannelSummary{}
	}
	stride := (len(data) + maxSummaryPoints - 1) / maxSummaryPoints
	w.mu.Lock()
	defer w.mu.Unlock()
	x := w.scratch[:0]
	lo, hi := data[0], data[0]
	for i, v := range data {
		lo = min(lo, v)
		hi = max(hi, v)
		if i%stride == 0 {
			x = append(x, float64(v))
		}
	}
	w.scratch = x
	mean, std := stat.MeanStdDev(x, nil)
	if len(x) < 2 {
		std = 0
	}
	return ChannelSummary{
		Min:  float64(lo),
		Max:  float64(hi),
		Mean: mean,
		Std:  std,
	}
}

func (w *Writer) reportQueue(level FillLevel) {
	stats := w.Stats()
	if stats.FilesWritten > 0 {
		UpdateLogger.Info("Queue check", "fill", fmt.Sprintf("%.1f%%", 100*w.Queue.FillRatio()),
			"level", level.String(), "write_p50", stats.LatencyP50.String(), "write_p99", stats.LatencyP99.String())
	}
	w.Status.Publish(TagQueue, QueueMessage{
		Queued:   w.Queue.Len(),
		Capacity: w.Queue.Cap(),
		Fill:     w.Queue.FillRatio(),
		Level:    level.String(),
	})
}
