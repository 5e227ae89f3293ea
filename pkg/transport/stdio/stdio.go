// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package stdio implements the local subprocess Transport: line-delimited
// JSON-RPC 2.0 over a child process's stdin/stdout, with stderr captured
// into a bounded ring log.
package stdio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	rerr "github.com/stacklok/mcp-router/pkg/errors"
	"github.com/stacklok/mcp-router/pkg/jsonrpc"
	"github.com/stacklok/mcp-router/pkg/logger"
	"github.com/stacklok/mcp-router/pkg/sandbox"
	"github.com/stacklok/mcp-router/pkg/transport"
)

// RingLog is a fixed-capacity FIFO of the most recent stderr lines a
// backend has written, kept so a crash or handshake failure can be
// reported with useful context without an unbounded memory cost.
type RingLog struct {
	mu    sync.Mutex
	lines []string
	cap   int
	next  int
	full  bool
}

// NewRingLog returns a RingLog holding at most capacity lines.
func NewRingLog(capacity int) *RingLog {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingLog{lines: make([]string, capacity), cap: capacity}
}

// Add appends line, evicting the oldest line once the ring is full.
func (r *RingLog) Add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.full = true
	}
}

// Lines returns the buffered lines in chronological order.
func (r *RingLog) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]string, r.next)
		copy(out, r.lines[:r.next])
		return out
	}
	out := make([]string, 0, r.cap)
	out = append(out, r.lines[r.next:]...)
	out = append(out, r.lines[:r.next]...)
	return out
}

// Transport is the local-subprocess concretion of transport.Transport.
type Transport struct {
	backendID string
	opt       transport.Option

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *RingLog

	writeCh chan writeJob
	handler transport.FrameHandler

	closeOnce sync.Once
	closed    chan struct{}
}

type writeJob struct {
	frame any
	errCh chan error
}

// Start launches the child process described by plan and begins the
// single-writer and background-reader goroutines. handler receives every
// frame read from the child's stdout.
func Start(ctx context.Context, backendID string, plan *sandbox.LaunchPlan, opt transport.Option, handler transport.FrameHandler) (*Transport, error) {
	if len(plan.Argv) == 0 {
		return nil, rerr.NewError(rerr.ErrLaunch, "launch plan has empty argv", nil)
	}

	// #nosec G204 -- argv is produced exclusively by pkg/sandbox.Launcher.Plan,
	// which resolves env references and checks the result against a fixed
	// command allowlist; no shell is ever invoked.
	cmd := exec.CommandContext(ctx, plan.Argv[0], plan.Argv[1:]...)
	cmd.Env = envSlice(plan.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, rerr.NewError(rerr.ErrLaunch, "opening stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, rerr.NewError(rerr.ErrLaunch, "opening stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, rerr.NewError(rerr.ErrLaunch, "opening stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, rerr.NewError(rerr.ErrLaunch, fmt.Sprintf("starting %q", plan.Argv[0]), err)
	}

	t := &Transport{
		backendID: backendID,
		opt:       opt,
		cmd:       cmd,
		stdin:     stdin,
		stderr:    NewRingLog(200),
		writeCh:   make(chan writeJob, opt.WriteQueueDepth),
		handler:   handler,
		closed:    make(chan struct{}),
	}

	go t.writeLoop()
	go t.readLoop(stdout)
	go t.stderrLoop(stderr)
	go t.waitLoop()

	return t, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func (t *Transport) writeLoop() {
	for {
		select {
		case job := <-t.writeCh:
			err := jsonrpc.WriteLine(t.stdin, job.frame)
			if job.errCh != nil {
				job.errCh <- err
			}
		case <-t.closed:
			return
		}
	}
}

func (t *Transport) readLoop(stdout io.Reader) {
	lr := jsonrpc.NewLineReader(stdout)
	var closeCause error
	for {
		frame, err := lr.Next()
		if err != nil {
			if err != io.EOF {
				closeCause = rerr.NewError(rerr.ErrTransport, "reading from backend stdout", err).WithBackend(t.backendID)
			}
			break
		}
		t.handler.HandleFrame(frame)
	}
	t.finish(closeCause)
}

func (t *Transport) stderrLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		t.stderr.Add(line)
		logger.Get().Debug("backend stderr", "backend", t.backendID, "line", line)
	}
}

func (t *Transport) waitLoop() {
	err := t.cmd.Wait()
	if err != nil {
		t.finish(rerr.NewError(rerr.ErrTransportGone, "backend process exited", err).WithBackend(t.backendID))
	} else {
		t.finish(rerr.NewError(rerr.ErrTransportGone, "backend process exited", nil).WithBackend(t.backendID))
	}
}

func (t *Transport) finish(cause error) {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.handler.HandleClosed(cause)
	})
}

// SendRequest implements transport.Transport.
func (t *Transport) SendRequest(ctx context.Context, id any, method string, params any) error {
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return err
	}
	return t.enqueue(ctx, req)
}

// SendNotification implements transport.Transport.
func (t *Transport) SendNotification(ctx context.Context, method string, params any) error {
	req, err := jsonrpc.NewRequest(nil, method, params)
	if err != nil {
		return err
	}
	return t.enqueue(ctx, req)
}

func (t *Transport) enqueue(ctx context.Context, frame any) error {
	errCh := make(chan error, 1)
	select {
	case t.writeCh <- writeJob{frame: frame, errCh: errCh}:
	case <-t.closed:
		return rerr.NewError(rerr.ErrTransportGone, "transport is closed", nil).WithBackend(t.backendID)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StderrLines returns the most recent captured stderr lines, for
// diagnostics surfaced on launch/handshake failure.
func (t *Transport) StderrLines() []string {
	return t.stderr.Lines()
}

// Close implements transport.Transport: drop stdin to signal EOF, wait for
// a graceful exit, then escalate to SIGTERM and finally SIGKILL.
func (t *Transport) Close(ctx context.Context) error {
	_ = t.stdin.Close()

	grace := t.opt.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}

	select {
	case <-t.closed:
		return nil
	case <-time.After(grace):
	case <-ctx.Done():
	}

	select {
	case <-t.closed:
		return nil
	default:
	}

	if t.cmd.Process != nil {
		_ = t.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-t.closed:
		return nil
	case <-time.After(grace):
	case <-ctx.Done():
	}

	select {
	case <-t.closed:
		return nil
	default:
	}

	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	<-t.closed
	return nil
}
