// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// The waddled command runs the federation engine for one XMPP domain.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/waddle-social/waddle-sub002/server"
	"github.com/waddle-social/waddle-sub002/takeover"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "waddled:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "waddled",
		Short:         "waddled is a federating XMPP stanza-transport engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "waddled.yaml", "path to the YAML config file")
	root.AddCommand(newServeCommand(&cfgPath), newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "waddled %s (%s)\n", version, commit)
		},
	}
}

func newServeCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the server until SIGTERM; SIGUSR2 restarts in place",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return serve(*cfgPath)
		},
	}
}

func serve(cfgPath string) error {
	cfg, err := server.LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	srv, err := server.New(cfg, server.StaticUsers(cfg.Users), logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	// On a restart-in-place the predecessor hands its sockets down; a cold
	// start creates fresh ones.
	inherited, err := takeover.Inherited()
	if err != nil {
		return err
	}
	if len(inherited) > 0 {
		logger.Info("listeners inherited from predecessor", "count", len(inherited))
	}
	c2s, err := takeover.Listen(inherited, "c2s", cfg.C2SAddr)
	if err != nil {
		return err
	}
	s2s, err := takeover.Listen(inherited, "s2s", cfg.S2SAddr)
	if err != nil {
		return err
	}

	coord := takeover.NewCoordinator(logger, cfg.DrainTimeout, srv.Drain)
	coord.Manage("c2s", c2s)
	coord.Manage("s2s", s2s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var metrics *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metrics = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx, c2s, s2s)
	}()
	logger.Info("serving",
		"domain", cfg.Domain,
		"c2s", c2s.Addr().String(),
		"s2s", s2s.Addr().String(),
		"version", version,
	)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	for {
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR2:
				logger.Info("restart requested")
				// Freed first so the replacement can bind it immediately.
				shutdownMetrics(metrics)
				if err := coord.Restart(ctx); err != nil {
					logger.Error("restart failed", "error", err)
					continue
				}
				cancel()
				return nil

			default:
				logger.Info("shutting down", "signal", sig.String())
				dctx, dcancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
				if err := srv.Drain(dctx); err != nil {
					logger.Warn("drain ended early", "error", err)
				}
				dcancel()
				cancel()
				shutdownMetrics(metrics)
				return nil
			}
		}
	}
}

func shutdownMetrics(metrics *http.Server) {
	if metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = metrics.Shutdown(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
