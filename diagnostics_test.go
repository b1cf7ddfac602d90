package picostream

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogKernelSettings(t *testing.T) {
	var updates, problems bytes.Buffer
	oldU, oldP := UpdateLogger, ProblemLogger
	UpdateLogger = NewLogger(&updates, slog.LevelInfo)
	ProblemLogger = NewLogger(&problems, slog.LevelInfo)
	defer func() { UpdateLogger, ProblemLogger = oldU, oldP }()

	logKernelSettings(nil)
	assert.Contains(t, updates.String(), "not available")

	updates.Reset()
	logKernelSettings(map[string]string{"vm.dirty_ratio": "20", "vm.dirty_expire_centisecs": "3000"})
	assert.Contains(t, updates.String(), "vm.dirty_ratio=20")
	assert.Contains(t, updates.String(), "vm.dirty_expire_centisecs=3000")
	assert.Empty(t, problems.String())

	logKernelSettings(map[string]string{"vm.dirty_ratio": "60"})
	assert.Contains(t, problems.String(), "level=WARN")

	// Whatever the platform offers, only known settings are reported.
	for name := range KernelWritebackSettings() {
		assert.Contains(t, writebackSysctls, name)
	}
}
