// Package catalog records acquisition runs and the files they write in a ClickHouse database.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/oklog/ulid/v2"
)

// DefaultDatabase is the official SQL name of the database.
const DefaultDatabase = "picostream"

// Options tell Connect where the server is.
type Options struct {
	Addr        []string
	Database    string
	DialTimeout time.Duration
	Version     string // reported to the server as the client version
	Logger      *slog.Logger
}

// Catalog is a connection to the run catalog. All methods are safe on a nil
// *Catalog, which records nothing.
type Catalog struct {
	conn     clickhouse.Conn
	database string
	logger   *slog.Logger
	err      atomic.Pointer[error]
	runmsg   chan *RunMessage
	filemsg  chan *FileMessage
	quit     chan struct{}
	dropped  atomic.Int64
	closeOne sync.Once
	sync.WaitGroup
}

const fileQueueLength = 1024

const timeFormat = "2006-01-02 15:04:05.000000"

// Connect opens and pings the server, creates the database and tables if they
// do not exist, and starts the goroutine that performs inserts. Credentials
// come from $PICOSTREAM_DB_USER and $PICOSTREAM_DB_PASSWORD.
func Connect(opts Options) (*Catalog, error) {
	if len(opts.Addr) == 0 {
		opts.Addr = []string{"localhost:9000"}
	}
	if opts.Database == "" {
		opts.Database = DefaultDatabase
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	auth := clickhouse.Auth{
		Database: "default",
		Username: os.Getenv("PICOSTREAM_DB_USER"),
		Password: os.Getenv("PICOSTREAM_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "picostream", Version: opts.Version},
		},
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr:        opts.Addr,
		Auth:        auth,
		ClientInfo:  client,
		DialTimeout: opts.DialTimeout,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*opts.DialTimeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		var exception *clickhouse.Exception
		if errors.As(err, &exception) {
			err = fmt.Errorf("exception [%d] %s: %w", exception.Code, exception.Message, err)
		}
		conn.Close()
		return nil, fmt.Errorf("ping catalog server %v: %w", opts.Addr, err)
	}

	c := &Catalog{
		conn:     conn,
		database: opts.Database,
		logger:   opts.Logger,
		runmsg:   make(chan *RunMessage),
		filemsg:  make(chan *FileMessage, fileQueueLength),
		quit:     make(chan struct{}),
	}
	if err := c.createTables(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	c.Add(1)
	go c.handleConnection()
	return c, nil
}

func (c *Catalog) createTables(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE DATABASE IF NOT EXISTS %s`, c.database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.runs (
			id String, hostname String, version String, githash String,
			directory String, channels String, resolution UInt8,
			sample_interval_ns UInt32, transfer_size UInt64, format String,
			stop_reason String, batches UInt64, files_written UInt64,
			write_failures UInt64, overflows UInt64, lost_samples UInt64,
			start DateTime64(6), end DateTime64(6)
		) ENGINE = ReplacingMergeTree(end) ORDER BY id`, c.database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.files (
			id String, run_id String, channel String, batch UInt64,
			filename String, format String, first_sample UInt64,
			samples UInt64, size UInt64, min Float64, max Float64,
			mean Float64, std Float64, start DateTime64(6), end DateTime64(6)
		) ENGINE = MergeTree ORDER BY (run_id, channel, batch)`, c.database),
	}
	for _, stmt := range statements {
		if err := c.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create catalog tables: %w", err)
		}
	}
	return nil
}

// IsConnected reports whether the catalog is open and has seen no insert errors.
func (c *Catalog) IsConnected() bool {
	return c != nil && c.conn != nil && c.err.Load() == nil
}

// Err returns the first insert error, if any.
func (c *Catalog) Err() error {
	if c == nil {
		return nil
	}
	if p := c.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Dropped counts file records discarded because the insert queue was full.
func (c *Catalog) Dropped() int64 {
	if c == nil {
		return 0
	}
	return c.dropped.Load()
}

// RecordRun stores a copy of msg in the runs table. It blocks until the insert
// goroutine accepts the message, so a run is always entered before any of its files.
func (c *Catalog) RecordRun(msg *RunMessage) {
	if !c.IsConnected() || msg == nil {
		return
	}
	m := *msg
	select {
	case c.runmsg <- &m:
	case <-c.quit:
	}
}

// FinishRun stamps msg with the end time and stores the final version of the run.
func (c *Catalog) FinishRun(msg *RunMessage) {
	if msg == nil {
		return
	}
	msg.End = time.Now()
	c.RecordRun(msg)
}

// RecordFile queues msg for the files table without blocking. A missing ID is
// filled with a new ULID.
func (c *Catalog) RecordFile(msg *FileMessage) {
	if !c.IsConnected() || msg == nil {
		return
	}
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	select {
	case c.filemsg <- msg:
	default:
		c.dropped.Add(1)
	}
}

// Close inserts any queued file records and closes the connection.
func (c *Catalog) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	c.closeOne.Do(func() { close(c.quit) })
	c.Wait()
	return c.conn.Close()
}

func (c *Catalog) handleConnection() {
	defer c.Done()
	for {
		select {
		case <-c.quit:
			for {
				select {
				case fmsg := <-c.filemsg:
					c.handleFileMessage(fmsg)
				default:
					return
				}
			}
		case rmsg := <-c.runmsg:
			c.handleRunMessage(rmsg)
		case fmsg := <-c.filemsg:
			c.handleFileMessage(fmsg)
		}
	}
}

func (c *Catalog) fail(table string, err error) {
	c.logger.Error("Error raised on AsyncInsert", "table", table, "error", err)
	c.err.CompareAndSwap(nil, &err)
}

func (c *Catalog) handleRunMessage(m *RunMessage) {
	if !c.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	end := m.End
	if end.IsZero() {
		end = m.Start
	}
	query := fmt.Sprintf(`INSERT INTO %s.runs VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, c.database)
	if err := c.conn.AsyncInsert(ctx, query, nowait,
		m.ID, m.Hostname, m.Version, m.Githash, m.Directory, m.Channels,
		m.Resolution, m.SampleIntervalNs, m.TransferSize, m.Format, m.StopReason,
		m.Batches, m.FilesWritten, m.WriteFailures, m.Overflows, m.LostSamples,
		m.Start.Format(timeFormat), end.Format(timeFormat),
	); err != nil {
		c.fail("runs", err)
	}
}

func (c *Catalog) handleFileMessage(m *FileMessage) {
	if !c.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	query := fmt.Sprintf(`INSERT INTO %s.files VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, c.database)
	if err := c.conn.AsyncInsert(ctx, query, nowait,
		m.ID, m.RunID, m.Channel, m.Batch, m.Filename, m.Format, m.FirstSample,
		m.Samples, m.Size, m.Min, m.Max, m.Mean, m.Std,
		m.Start.Format(timeFormat), m.End.Format(timeFormat),
	); err != nil {
		c.fail("files", err)
	}
}
