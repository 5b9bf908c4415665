//go:build linux
// +build linux

// File: cmd/hioload-rtp/serve_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/momentics/hioload-rtp/control"
	"github.com/momentics/hioload-rtp/server"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept ingest connections and relay them as RTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), f)
		},
	}
	f.register(cmd)
	return cmd
}

func serve(parent context.Context, f *flags) error {
	cfg, err := f.load()
	if err != nil {
		return err
	}
	log, err := control.NewLogger(cfg)
	if err != nil {
		return err
	}
	store := control.NewConfigStore(cfg.Values())
	control.BindLogLevel(store, log)

	srv, err := server.NewServer(cfg,
		server.WithLogger(log),
		server.WithConfigStore(store))
	if err != nil {
		log.WithError(err).Error("server setup failed")
		return err
	}
	if err := srv.Start(); err != nil {
		log.WithError(err).Error("server start failed")
		return err
	}
	log.WithFields(logrus.Fields{
		"addr":    srv.Addr().String(),
		"workers": cfg.Workers,
	}).Info("hioload-rtp running")

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if f.config != "" {
		go func() {
			if err := control.WatchConfig(ctx, f.config, store, log); err != nil {
				log.WithError(err).Warn("config watch disabled")
			}
		}()
	}

	dump := make(chan os.Signal, 1)
	signal.Notify(dump, syscall.SIGUSR1)
	defer signal.Stop(dump)

	for {
		select {
		case <-dump:
			log.WithFields(logrus.Fields(srv.Probes().DumpState())).Info("debug probes")
			log.WithFields(logrus.Fields(srv.Metrics().GetSnapshot())).Info("metrics")
			continue
		case <-ctx.Done():
		}
		break
	}

	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}
