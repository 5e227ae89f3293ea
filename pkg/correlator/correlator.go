// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package correlator implements the per-Transport bookkeeping that matches
// outbound JSON-RPC request ids to inbound response frames, enforces
// per-call deadlines, and drains cleanly on shutdown.
//
// The pending-call table is a single map guarded by a short critical
// section; the actual waiting happens on a per-entry channel owned by the
// waiter, so delivering a completion never blocks on the waiter being
// ready to receive.
package correlator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	rerr "github.com/stacklok/mcp-router/pkg/errors"
	"github.com/stacklok/mcp-router/pkg/jsonrpc"
)

// Result is what a PendingCall resolves to: either a response Frame or an
// error (Timeout, TransportGone, Shutdown).
type Result struct {
	Frame jsonrpc.Frame
	Err   error
}

type pendingCall struct {
	deadline time.Time // zero value means "no deadline"
	ch       chan Result
}

// Correlator is safe for concurrent use by many callers issuing calls and
// one reader goroutine delivering responses.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool
}

// New constructs an empty Correlator.
func New() *Correlator {
	return &Correlator{pending: make(map[string]*pendingCall)}
}

// Issue allocates a fresh request id and a PendingCall with the given
// deadline (the zero Time means no timeout).
// The returned id must be attached to the outbound request; Wait blocks
// for the eventual Result.
func (c *Correlator) Issue(deadline time.Time) (id string, wait func(ctx context.Context) Result) {
	id = uuid.NewString()
	pc := &pendingCall{deadline: deadline, ch: make(chan Result, 1)}

	c.mu.Lock()
	closed := c.closed
	if !closed {
		c.pending[id] = pc
	}
	c.mu.Unlock()

	if closed {
		pc.ch <- Result{Err: rerr.NewError(rerr.ErrTransportGone, "correlator is closed", nil)}
	}

	return id, func(ctx context.Context) Result {
		select {
		case r := <-pc.ch:
			return r
		case <-ctx.Done():
			// The caller walked away; the entry stays pending until
			// Complete/expire/Drain fires so the id is never reused
			// while in flight. Cancellation only abandons the wait,
			// never the call itself.
			return Result{Err: rerr.NewError(rerr.ErrInternal, "wait cancelled by caller", ctx.Err())}
		}
	}
}

// Complete delivers frame to the PendingCall matching frame's id. An id
// with no matching pending call (already timed out, already delivered, or
// never issued) is dropped; callers should log this as a late/unknown
// response, never treat it as an error that corrupts state.
func (c *Correlator) Complete(id string, frame jsonrpc.Frame) (delivered bool) {
	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	pc.ch <- Result{Frame: frame}
	return true
}

// ExpireNow sweeps every pending call whose deadline has passed and fails
// it with Timeout. Called by a reaper goroutine at least every 100ms.
func (c *Correlator) ExpireNow(now time.Time) (expired int) {
	var toFail []*pendingCall

	c.mu.Lock()
	for id, pc := range c.pending {
		if pc.deadline.IsZero() || pc.deadline.After(now) {
			continue
		}
		toFail = append(toFail, pc)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, pc := range toFail {
		pc.ch <- Result{Err: rerr.NewError(rerr.ErrTimeout, "call did not complete before its deadline; retry with a larger __timeout", nil)}
	}
	return len(toFail)
}

// Drain fails every currently pending call with reason and marks the
// Correlator closed, so any subsequent Issue fails fast instead of
// leaking a call nobody will ever complete. Drain is idempotent.
func (c *Correlator) Drain(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	toFail := make([]*pendingCall, 0, len(c.pending))
	for id, pc := range c.pending {
		toFail = append(toFail, pc)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, pc := range toFail {
		pc.ch <- Result{Err: reason}
	}
}

// Len reports the number of calls currently pending, for status/tests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// StartReaper launches a goroutine that calls ExpireNow every interval
// until ctx is done. Callers (the Supervisor) own the Correlator's
// lifetime and get exactly one reaper goroutine per transport.
func (c *Correlator) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				c.ExpireNow(now)
			}
		}
	}()
}
