package picostream

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelWarn)
	logger.Info("hidden")
	assert.Empty(t, buf.String())

	logger.Error("disk full")
	assert.Contains(t, buf.String(), "level=ERROR")
	buf.Reset()
	logger.Log(context.Background(), LevelCritical, "queue nearly full")
	assert.Contains(t, buf.String(), "level=CRITICAL")
	assert.Contains(t, buf.String(), `msg="queue nearly full"`)
}
