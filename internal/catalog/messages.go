package catalog

import "time"

// The composite types used for messages to the ClickHouse database.

// RunMessage is the information required to make an entry in the runs table.
// The row is written once when the run starts and again when it finishes;
// the table keeps the latest version of each ID.
type RunMessage struct {
	ID               string
	Hostname         string
	Version          string
	Githash          string
	Directory        string
	Channels         string
	Resolution       int
	SampleIntervalNs uint32
	TransferSize     int
	Format           string
	StopReason       string
	Batches          int
	FilesWritten     int
	WriteFailures    int
	Overflows        int64
	LostSamples      int64
	Start            time.Time
	End              time.Time
}

// FileMessage is the information required to make an entry in the files table.
type FileMessage struct {
	ID          string
	RunID       string
	Channel     string
	Batch       int
	Filename    string
	Format      string
	FirstSample int64
	Samples     int
	Size        int64
	Min         float64
	Max         float64
	Mean        float64
	Std         float64
	Start       time.Time
	End         time.Time
}
