// File: cmd/hioload-rtp/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// hioload-rtp: TCP ingest to reliable RTP relay.

package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/momentics/hioload-rtp/control"
)

type flags struct {
	config  string
	listen  string
	dest    string
	workers int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "hioload-rtp",
		Short:        "Relay TCP media ingest as RTP with ack-driven retransmission",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newConfigCmd())
	return root
}

func (f *flags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.config, "config", "c", "", "TOML config file, watched for live changes")
	cmd.Flags().StringVar(&f.listen, "listen", "", "override listen_addr")
	cmd.Flags().StringVar(&f.dest, "dest", "", "override rtp_dest")
	cmd.Flags().IntVar(&f.workers, "workers", -1, "override workers (0 means one per CPU)")
}

// load reads the config file if given and applies flag overrides.
func (f *flags) load() (*control.Config, error) {
	cfg := control.DefaultConfig()
	if f.config != "" {
		var err error
		if cfg, err = control.LoadConfig(f.config); err != nil {
			return nil, err
		}
	}
	if f.listen != "" {
		cfg.ListenAddr = f.listen
	}
	if f.dest != "" {
		cfg.RTPDest = f.dest
	}
	if f.workers >= 0 {
		cfg.Workers = f.workers
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newConfigCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}
			if err := toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg); err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}
