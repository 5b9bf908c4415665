//go:build !linux
// +build !linux

// File: cmd/hioload-rtp/serve_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/momentics/hioload-rtp/api"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Accept ingest connections and relay them as RTP (linux only)",
		RunE: func(*cobra.Command, []string) error {
			return fmt.Errorf("serve on %s: %w", runtime.GOOS, api.ErrNotSupported)
		},
	}
}
