package picostream

import (
	"strconv"

	"github.com/lorenzosaino/go-sysctl"
)

// writebackSysctls are the kernel settings that govern how long written batch
// files may sit in the page cache before reaching disk.
var writebackSysctls = []string{
	"vm.dirty_ratio",
	"vm.dirty_background_ratio",
	"vm.dirty_expire_centisecs",
	"vm.dirty_writeback_centisecs",
}

// KernelWritebackSettings reads the disk writeback settings of the running
// kernel. Settings that cannot be read (e.g., not on Linux) are omitted.
func KernelWritebackSettings() map[string]string {
	settings := make(map[string]string)
	for _, name := range writebackSysctls {
		if value, err := sysctl.Get(name); err == nil {
			settings[name] = value
		}
	}
	return settings
}

// logKernelSettings records the writeback settings and warns when the kernel
// lets a large share of memory fill with unwritten data.
func logKernelSettings(settings map[string]string) {
	if len(settings) == 0 {
		UpdateLogger.Info("Kernel writeback settings not available")
		return
	}
	args := make([]any, 0, 2*len(settings))
	for _, name := range writebackSysctls {
		if value, ok := settings[name]; ok {
			args = append(args, name, value)
		}
	}
	UpdateLogger.Info("Kernel writeback settings", args...)
	if ratio, err := strconv.Atoi(settings["vm.dirty_ratio"]); err == nil && ratio > 40 {
		ProblemLogger.Warn("vm.dirty_ratio is high; long disk stalls may back up the transfer queue",
			"vm.dirty_ratio", ratio)
	}
}
