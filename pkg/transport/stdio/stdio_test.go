// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package stdio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stacklok/mcp-router/pkg/jsonrpc"
	"github.com/stacklok/mcp-router/pkg/sandbox"
	"github.com/stacklok/mcp-router/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler collects every frame and the eventual close cause so
// tests can assert on both without racing the background goroutines.
type recordingHandler struct {
	mu     sync.Mutex
	frames []jsonrpc.Frame
	closed chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{closed: make(chan error, 1)}
}

func (h *recordingHandler) HandleFrame(f jsonrpc.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, f)
}

func (h *recordingHandler) HandleClosed(cause error) {
	h.closed <- cause
}

func (h *recordingHandler) snapshot() []jsonrpc.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]jsonrpc.Frame, len(h.frames))
	copy(out, h.frames)
	return out
}

// catPlan launches the "cat" coreutil as a stand-in backend: anything
// written to its stdin is echoed verbatim to stdout, which is enough to
// exercise framing, the single-writer path, and shutdown without needing a
// real MCP server binary.
func catPlan() *sandbox.LaunchPlan {
	return &sandbox.LaunchPlan{Argv: []string{"cat"}, Env: map[string]string{}}
}

func TestTransport_RoundTripEcho(t *testing.T) {
	h := newRecordingHandler()
	tr, err := Start(context.Background(), "echo-backend", catPlan(), transport.DefaultOption(), h)
	require.NoError(t, err)
	defer tr.Close(context.Background())

	err = tr.SendRequest(context.Background(), "1", "ping", map[string]string{"a": "b"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(h.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	frames := h.snapshot()
	assert.Equal(t, jsonrpc.Version, frames[0].JSONRPC)
	assert.Equal(t, "ping", frames[0].Method)
}

func TestTransport_CloseIsGracefulAndIdempotent(t *testing.T) {
	h := newRecordingHandler()
	tr, err := Start(context.Background(), "backend", catPlan(), transport.DefaultOption(), h)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.Close(ctx))
	require.NoError(t, tr.Close(ctx))

	select {
	case <-h.closed:
	case <-time.After(time.Second):
		t.Fatal("HandleClosed was never called")
	}
}

func TestTransport_StartRejectsEmptyArgv(t *testing.T) {
	h := newRecordingHandler()
	_, err := Start(context.Background(), "backend", &sandbox.LaunchPlan{}, transport.DefaultOption(), h)
	require.Error(t, err)
}

func TestRingLog_WrapsAtCapacity(t *testing.T) {
	r := NewRingLog(3)
	r.Add("a")
	r.Add("b")
	r.Add("c")
	r.Add("d")
	assert.Equal(t, []string{"b", "c", "d"}, r.Lines())
}

func TestRingLog_BelowCapacity(t *testing.T) {
	r := NewRingLog(3)
	r.Add("a")
	r.Add("b")
	assert.Equal(t, []string{"a", "b"}, r.Lines())
}
