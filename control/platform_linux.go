//go:build linux
// +build linux

// control/platform_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux process probes. Descriptor usage matters because running out of
// descriptors on accept ends the process.

package control

import (
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

// RegisterPlatformProbes sets Linux-specific debug probes.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any { return runtime.NumCPU() })
	dp.RegisterProbe("platform.gomaxprocs", func() any { return runtime.GOMAXPROCS(0) })
	dp.RegisterProbe("platform.goroutines", func() any { return runtime.NumGoroutine() })
	dp.RegisterProbe("platform.open_fds", func() any {
		entries, err := os.ReadDir("/proc/self/fd")
		if err != nil {
			return err.Error()
		}
		return len(entries)
	})
	dp.RegisterProbe("platform.fd_limit", func() any {
		var lim unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
			return err.Error()
		}
		return lim.Cur
	})
}
