// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeEnv map[string]string

func (f fakeEnv) Getenv(key string) string { return f[key] }

func TestUnstructuredLogsWithEnv(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		envValue string
		expected bool
	}{
		{"Default Case", "", true},
		{"Explicitly True", "true", true},
		{"Explicitly False", "false", false},
		{"Invalid Value", "not-a-bool", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := fakeEnv{EnvUnstructuredLogs: tt.envValue}
			assert.Equal(t, tt.expected, unstructuredLogsWithEnv(env))
		})
	}
}

func TestNewWithEnv(t *testing.T) {
	t.Parallel()

	text := newWithEnv(fakeEnv{})
	assert.NotNil(t, text)

	jsonLogger := newWithEnv(fakeEnv{EnvUnstructuredLogs: "false"})
	assert.NotNil(t, jsonLogger)
}

// setSingletonForTest temporarily replaces the singleton logger and
// restores the original when the test completes.
func setSingletonForTest(t *testing.T, l *slog.Logger) {
	t.Helper()
	prev := singleton.Load()
	singleton.Store(l)
	t.Cleanup(func() { singleton.Store(prev) })
}

func TestGetAndSetDefault(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, nil))
	setSingletonForTest(t, l)

	assert.Same(t, l, Get())

	With("key", "value").Info("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.Contains(t, buf.String(), "key=value")
}

func TestForBackend(t *testing.T) {
	var buf bytes.Buffer
	setSingletonForTest(t, slog.New(slog.NewTextHandler(&buf, nil)))

	ForBackend("weather").Info("ready")
	assert.Contains(t, buf.String(), "backend=weather")
}
