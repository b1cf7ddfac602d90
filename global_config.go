package picostream

import (
	"io"
	"log/slog"
	"os"
	"time"
)

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Gitdate string
	Date    string
	Host    string
	Summary string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.1.0",
	Githash: "no git hash computed",
	Gitdate: "no git date computed",
	Date:    "no build date computed",
}

// StartTime is a global holding the time init() was run
var StartTime time.Time

// LevelCritical ranks above slog.LevelError. It is used when the transfer
// queue is close enough to full that acquisition is about to stall.
const LevelCritical = slog.Level(12)

// ProblemLogger logs warnings and errors: overflows, write failures, queue alerts.
var ProblemLogger *slog.Logger

// UpdateLogger logs routine progress: setup steps, batches queued and saved.
var UpdateLogger *slog.Logger

func init() {
	StartTime = time.Now()

	// The main program will override these, but at least initialize with sensible values
	ProblemLogger = NewLogger(os.Stderr, slog.LevelInfo)
	UpdateLogger = NewLogger(os.Stderr, slog.LevelInfo)
}

// NewLogger returns a text logger on w that prints LevelCritical as "CRITICAL".
func NewLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevelName,
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func replaceLevelName(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) > 0 {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level >= LevelCritical {
		a.Value = slog.StringValue("CRITICAL")
	}
	return a
}
