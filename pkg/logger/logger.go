// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides the router's process-wide structured logger.
//
// A single *slog.Logger is held behind an atomic pointer so that any
// package can call logger.Get() without threading a logger through every
// constructor, while tests can still swap the singleton out safely.
package logger

import (
	"log/slog"
	"os"
	"sync/atomic"
)

var singleton atomic.Pointer[slog.Logger]

func init() {
	singleton.Store(newDefault())
}

// EnvUnstructuredLogs is the environment variable controlling handler
// choice. Unset, invalid, or any value other than the literal string
// "false" means human-readable text logging (the default); "false"
// switches to structured JSON output.
const EnvUnstructuredLogs = "MCPROUTER_UNSTRUCTURED_LOGS"

func newDefault() *slog.Logger {
	return newWithEnv(osEnv{})
}

// envReader is the minimal environment-lookup seam the logger depends on,
// so tests can substitute a fake without touching the real process
// environment.
type envReader interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func unstructuredLogsWithEnv(env envReader) bool {
	v := env.Getenv(EnvUnstructuredLogs)
	return v == "" || v != "false"
}

func newWithEnv(env envReader) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if unstructuredLogsWithEnv(env) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// Get returns the current process-wide logger.
func Get() *slog.Logger {
	return singleton.Load()
}

// SetDefault replaces the process-wide logger. Intended for process
// start-up (e.g. to attach a "component" attribute) and for tests.
func SetDefault(l *slog.Logger) {
	singleton.Store(l)
}

// With returns a logger derived from the current singleton with the given
// attributes attached, without mutating the singleton itself.
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}

// ForBackend returns a logger scoped to a single backend id, the
// convention every Supervisor and Transport in this module uses so that
// every log line can be grep'd by backend.
func ForBackend(id string) *slog.Logger {
	return With("backend", id)
}
