// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the uniform abstraction the Supervisor
// drives a backend through: send a JSON-RPC request and eventually observe
// its response, independent of whether the backend is a local subprocess
// or a remote HTTP+SSE endpoint.
package transport

import (
	"context"
	"time"

	"github.com/stacklok/mcp-router/pkg/jsonrpc"
)

// FrameHandler is invoked by a Transport's background reader for every
// inbound frame. Implementations must return quickly; Handle runs on the
// reader goroutine and blocking it stalls delivery of every other
// in-flight call on this Transport.
type FrameHandler interface {
	// HandleFrame is called for every frame read off the wire, responses
	// and notifications alike; the handler decides what to do with each
	// based on whether Frame.ID is present.
	HandleFrame(frame jsonrpc.Frame)

	// HandleClosed is called exactly once, when the transport's
	// background reader exits for good (EOF, unrecoverable error, or
	// Close). cause is nil when the stream ended without an error: EOF on
	// a stdio child's stdout (whether after Close or not), or a
	// caller-initiated Close of an SSE transport.
	HandleClosed(cause error)
}

// Transport is implemented by pkg/transport/stdio and pkg/transport/sse.
type Transport interface {
	// SendRequest writes method/params as a JSON-RPC request with the
	// given id and returns once the write has been accepted by the
	// single-writer goroutine (not once a response has arrived; the
	// caller correlates the response separately via the Correlator).
	SendRequest(ctx context.Context, id any, method string, params any) error

	// SendNotification writes a JSON-RPC notification (no id, no
	// response expected).
	SendNotification(ctx context.Context, method string, params any) error

	// Close begins graceful shutdown and blocks until the transport has
	// fully released its resources (child process reaped, HTTP client
	// streams closed). Close is idempotent.
	Close(ctx context.Context) error
}

// Option bundles the knobs of the stdio transport (stdio.Start takes one;
// sse.Start does not).
type Option struct {
	// WriteQueueDepth bounds how many outbound frames may be buffered
	// ahead of the single-writer goroutine before SendRequest blocks.
	WriteQueueDepth int

	// ShutdownGrace is how long Close waits for a graceful exit before
	// escalating (SIGTERM, then SIGKILL).
	ShutdownGrace time.Duration
}

// DefaultOption returns the knob values every local backend is started
// with.
func DefaultOption() Option {
	return Option{WriteQueueDepth: 64, ShutdownGrace: 5 * time.Second}
}
