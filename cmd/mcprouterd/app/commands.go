// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the mcprouterd command-line
// daemon.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/mcp-router/pkg/config"
	"github.com/stacklok/mcp-router/pkg/envref"
	"github.com/stacklok/mcp-router/pkg/logger"
	"github.com/stacklok/mcp-router/pkg/router"
	"github.com/stacklok/mcp-router/pkg/supervisor"
)

// shutdownGrace bounds how long the shutdown coordinator waits for every
// backend to stop before returning control to the OS.
const shutdownGrace = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:               "mcprouterd",
	DisableAutoGenTag: true,
	Short:             "Secure multiplexing router for the Model Context Protocol",
	Long: `mcprouterd aggregates tools from many independently-running MCP backend
servers - local subprocesses and remote HTTP+SSE endpoints - behind a
single namespaced tool catalogue, enforcing sandbox isolation, per-call
timeouts and process lifecycle management for each one.

This binary is the router core only: it loads a server config, supervises
backends, and exposes operational metrics. Speaking MCP to an upstream
client is the job of a separate adapter process that embeds this core.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Get().Error("displaying help", "err", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		if viper.GetBool("debug") {
			logger.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
		}
	},
}

// NewRootCmd creates the root command for the mcprouterd CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Get().Error("binding debug flag", "err", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the router configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Get().Error("binding config flag", "err", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			logger.Get().Info("mcprouterd version", "version", getVersion())
		},
	}
}

func getVersion() string {
	return "dev"
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a router configuration file",
		Long: `Parses the configuration file and runs every schema validation rule against
it: id shape and uniqueness, per-kind required fields, sandbox strategy
presence, EnvRef syntax, and the https-unless-allow-insecure rule for
remote backends. Exits non-zero and prints every error if validation
fails; warnings are printed but do not fail the command.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			configPath := viper.GetString("config")
			if configPath == "" {
				return fmt.Errorf("no configuration file specified, use --config flag")
			}

			f, _, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			res := config.Validate(f)
			for _, w := range res.Warnings {
				logger.Get().Warn(w)
			}
			if !res.OK() {
				for _, e := range res.Errors {
					logger.Get().Error(e.Error())
				}
				return fmt.Errorf("configuration is invalid: %d error(s)", len(res.Errors))
			}

			logger.Get().Info("configuration is valid", "servers", len(f.Servers))
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load a configuration, supervise backends, and serve metrics",
		Long: `Starts every configured backend's Supervisor, builds the Router Engine
over them, and serves a Prometheus /metrics endpoint plus a /status
endpoint until an interrupt or SIGTERM is received, at which point it
tears every backend down within a bounded grace period.`,
		RunE: runServe,
	}
	cmd.Flags().String("host", "127.0.0.1", "Host address the metrics server binds to")
	cmd.Flags().Int("port", 4483, "Port the metrics server listens on")
	return cmd
}

func loadConfig(path string) (*config.File, []byte, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- path comes from an operator-supplied CLI flag, not untrusted input
	if err != nil {
		return nil, nil, fmt.Errorf("reading config file: %w", err)
	}
	f, err := config.Parse(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing config file: %w", err)
	}
	return f, raw, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	configPath := viper.GetString("config")
	if configPath == "" {
		return fmt.Errorf("no configuration file specified, use --config flag")
	}

	f, raw, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	res := config.Validate(f)
	for _, w := range res.Warnings {
		logger.Get().Warn(w)
	}
	if !res.OK() {
		for _, e := range res.Errors {
			logger.Get().Error(e.Error())
		}
		return fmt.Errorf("configuration is invalid: %d error(s)", len(res.Errors))
	}

	routerEnv := envref.EnvMapFromOS(os.Environ())
	supervisors, err := config.BuildSupervisors(f, routerEnv)
	if err != nil {
		return fmt.Errorf("building supervisors: %w", err)
	}

	var wg sync.WaitGroup
	for _, sup := range supervisors {
		wg.Add(1)
		go func(sup *supervisor.Supervisor) {
			defer wg.Done()
			sup.Run(ctx)
		}(sup)
	}

	reg := prometheus.NewRegistry()
	eng := router.New(supervisors, raw, f.SecretNames, reg)
	go rebuildLoop(ctx, eng)

	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	addr := fmt.Sprintf("%s:%d", host, port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		result, err := eng.CallTool(r.Context(), "router_status", json.RawMessage(`{}`))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(result)
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	srvErrCh := make(chan error, 1)
	go func() {
		logger.Get().Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			srvErrCh <- err
			return
		}
		srvErrCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Get().Info("shutdown signal received, draining backends")
	case err := <-srvErrCh:
		if err != nil {
			logger.Get().Error("metrics server failed", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	stopAll(supervisors, shutdownGrace)
	return nil
}

// rebuildLoop keeps the Engine's routing table in sync with every
// Supervisor's current state. Supervisors transition independently (a
// handshake completing, a tools/list refresh, a restart), so the Engine
// cannot wait for a push; it polls at a cadence well under its own
// tools/list refresh interval so a newly-ready backend's tools show up in
// list_tools promptly.
func rebuildLoop(ctx context.Context, eng *router.Engine) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			eng.Rebuild()
		}
	}
}

// stopAll asks every Supervisor to stop concurrently and waits up to
// deadline for all of them to report Stopped; Supervisors that don't make
// it in time are abandoned (their own Run goroutine keeps unwinding, but
// the process exits anyway once this returns).
func stopAll(supervisors map[string]*supervisor.Supervisor, deadline time.Duration) {
	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, sup := range supervisors {
			wg.Add(1)
			go func(sup *supervisor.Supervisor) {
				defer wg.Done()
				sup.Stop()
			}(sup)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		logger.Get().Warn("shutdown grace period elapsed before every backend stopped")
	}
}
