//go:build !linux
// +build !linux

// File: internal/concurrency/affinity_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import "runtime"

func pinThread(int) error { return ErrAffinityNotSupported }

func numCPU() int { return runtime.NumCPU() }
