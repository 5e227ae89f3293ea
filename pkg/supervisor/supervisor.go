// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package supervisor implements the per-backend state machine that
// turns a Sandbox Launch plan or remote endpoint into a live Transport,
// drives the MCP handshake, keeps a backend's tool list fresh, and
// restarts a misbehaving backend with backoff.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/mcp-router/pkg/correlator"
	rerr "github.com/stacklok/mcp-router/pkg/errors"
	"github.com/stacklok/mcp-router/pkg/jsonrpc"
	"github.com/stacklok/mcp-router/pkg/logger"
	"github.com/stacklok/mcp-router/pkg/transport"
)

// State is one position in the state machine described in the router's
// concurrency model.
type State string

const (
	Starting State = "starting"
	Ready    State = "ready"
	Degraded State = "degraded"
	Failed   State = "failed"
	Stopped  State = "stopped"
)

// ToolDescriptor is a backend's raw (un-namespaced) tool, as reported by
// its own tools/list response.
type ToolDescriptor struct {
	Raw         string
	Description string
	InputSchema json.RawMessage
}

// StatusSnapshot is the per-backend row of router_status.
type StatusSnapshot struct {
	ID           string
	State        State
	ToolCount    int
	LastHealthAt time.Time
	RestartCount int
}

// Spawner builds a fresh Transport for one handshake attempt. The local
// and remote concretions live in pkg/config, which has the sandbox policy
// / remote URL needed to construct one; Supervisor only needs the narrow
// "give me a transport, tell me when it dies" operation.
type Spawner interface {
	Spawn(ctx context.Context, handler transport.FrameHandler) (transport.Transport, error)
}

// NoTimeout is the sentinel CallTool override meaning "no deadline at
// all", as distinct from 0 which means "no override given, use the
// backend's configured default timeout". Callers map the __timeout
// value "*" to this.
const NoTimeout = time.Duration(-1)

// Config bundles what a Supervisor needs beyond the Spawner.
type Config struct {
	ID              string
	DefaultTimeout  time.Duration
	HandshakeClient ClientInfo
	RestartBackoff  RestartBackoff
	RefreshInterval time.Duration // default 30s
}

// ClientInfo is sent as the handshake's initialize params.
type ClientInfo struct {
	Name    string
	Version string
}

// RestartBackoff controls the degraded -> starting backoff and the
// consecutive-restart ceiling before a backend is given up on.
type RestartBackoff struct {
	Initial     time.Duration
	Max         time.Duration
	MaxRestarts int
}

// DefaultRestartBackoff is 500ms doubling to a 30s cap, 5 attempts.
func DefaultRestartBackoff() RestartBackoff {
	return RestartBackoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second, MaxRestarts: 5}
}

type runtimeState struct {
	phase        State
	transport    transport.Transport
	corr         *correlator.Correlator
	tools        []ToolDescriptor
	lastHealthAt time.Time
	restartCount int
	lastErr      error
}

// Supervisor owns one backend: its transport, correlator, cached tool
// list, and the state machine that drives them.
type Supervisor struct {
	cfg     Config
	spawner Spawner

	state atomic.Pointer[runtimeState]

	// transportEvents and cancelOnClose belong to the currently active
	// attempt; they are only touched from the single Run goroutine, so
	// no lock is needed despite being read across state-machine phases.
	transportEvents chan error
	cancelOnClose   context.CancelFunc

	shutdownCh chan struct{}
	stoppedCh  chan struct{}
}

// New constructs a Supervisor in the Starting state; call Run to drive it.
func New(cfg Config, spawner Spawner) *Supervisor {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	if cfg.RestartBackoff.MaxRestarts <= 0 {
		cfg.RestartBackoff = DefaultRestartBackoff()
	}
	s := &Supervisor{
		cfg:        cfg,
		spawner:    spawner,
		shutdownCh: make(chan struct{}),
		stoppedCh:  make(chan struct{}),
	}
	s.state.Store(&runtimeState{phase: Starting})
	return s
}

// Run drives the state machine until Stop is called or ctx is cancelled.
// It is meant to be launched as the supervisor's single state-machine
// driver task.
func (s *Supervisor) Run(ctx context.Context) {
	defer close(s.stoppedCh)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RestartBackoff.Initial
	b.MaxInterval = s.cfg.RestartBackoff.Max
	b.Multiplier = 2

	phase := Starting
	for {
		select {
		case <-s.shutdownCh:
			s.enterStopped()
			return
		case <-ctx.Done():
			s.enterStopped()
			return
		default:
		}

		switch phase {
		case Starting:
			phase = s.runStarting(ctx)
			if phase == Ready {
				b.Reset()
			}
		case Ready:
			phase = s.runReady(ctx)
		case Degraded:
			phase = s.runDegraded(ctx, b)
		case Failed:
			phase = s.runFailed(ctx)
		case Stopped:
			return
		}
	}
}

func (s *Supervisor) runStarting(ctx context.Context) State {
	corr := correlator.New()
	reaperCtx, cancelReaper := context.WithCancel(ctx)
	corr.StartReaper(reaperCtx, 100*time.Millisecond)

	eventCh := make(chan error, 1)
	handler := &frameHandler{corr: corr, onClose: func(cause error) {
		select {
		case eventCh <- cause:
		default:
		}
	}}

	tr, err := s.spawner.Spawn(ctx, handler)
	if err != nil {
		cancelReaper()
		s.recordFailure(rerr.NewError(rerr.ErrLaunch, "spawning transport", err).WithBackend(s.cfg.ID))
		return Degraded
	}

	tools, err := s.handshake(ctx, tr, corr)
	if err != nil {
		_ = tr.Close(ctx)
		cancelReaper()
		s.recordFailure(rerr.NewError(rerr.ErrHandshake, "mcp handshake failed", err).WithBackend(s.cfg.ID))
		return Degraded
	}

	prev := s.state.Load()
	s.state.Store(&runtimeState{
		phase:        Ready,
		transport:    tr,
		corr:         corr,
		tools:        tools,
		lastHealthAt: time.Now(),
		restartCount: prev.restartCount,
	})
	s.cancelOnClose = cancelReaper
	s.transportEvents = eventCh
	return Ready
}

// handshake performs initialize -> notifications/initialized -> tools/list.
func (s *Supervisor) handshake(ctx context.Context, tr transport.Transport, corr *correlator.Correlator) ([]ToolDescriptor, error) {
	handshakeTimeout := s.cfg.DefaultTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	deadline := time.Now().Add(handshakeTimeout)

	initParams := map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]string{"name": s.cfg.HandshakeClient.Name, "version": s.cfg.HandshakeClient.Version},
		"capabilities":    map[string]any{},
	}
	if _, err := s.call(ctx, tr, corr, "initialize", initParams, deadline); err != nil {
		return nil, err
	}

	if err := tr.SendNotification(ctx, "notifications/initialized", map[string]any{}); err != nil {
		return nil, err
	}

	result, err := s.call(ctx, tr, corr, "tools/list", map[string]any{}, time.Now().Add(handshakeTimeout))
	if err != nil {
		return nil, err
	}

	var parsed toolsListResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, rerr.NewError(rerr.ErrProtocol, "parsing tools/list result", err).WithBackend(s.cfg.ID)
	}
	out := make([]ToolDescriptor, 0, len(parsed.Tools))
	for _, t := range parsed.Tools {
		out = append(out, ToolDescriptor{Raw: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out, nil
}

type rawToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type toolsListResult struct {
	Tools []rawToolDescriptor `json:"tools"`
}

// call issues a single request/response round trip through corr+tr.
func (s *Supervisor) call(ctx context.Context, tr transport.Transport, corr *correlator.Correlator, method string, params any, deadline time.Time) (json.RawMessage, error) {
	id, wait := corr.Issue(deadline)
	if err := tr.SendRequest(ctx, id, method, params); err != nil {
		return nil, err
	}
	res := wait(ctx)
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Frame.Error != nil {
		return nil, rerr.NewError(rerr.ErrProtocol, res.Frame.Error.Error(), nil).WithBackend(s.cfg.ID)
	}
	return res.Frame.Result, nil
}

func (s *Supervisor) runReady(ctx context.Context) State {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	consecutiveFailures := 0
	for {
		select {
		case <-s.shutdownCh:
			return Stopped
		case <-ctx.Done():
			return Stopped
		case cause := <-s.transportEvents:
			s.recordFailure(rerr.NewError(rerr.ErrTransport, "transport closed", cause).WithBackend(s.cfg.ID))
			return Degraded
		case <-ticker.C:
			rt := s.state.Load()
			tools, err := s.handshakeRefresh(ctx, rt)
			if err != nil {
				consecutiveFailures++
				logger.ForBackend(s.cfg.ID).Warn("tools/list refresh failed", "error", err, "consecutive_failures", consecutiveFailures)
				if consecutiveFailures >= 2 {
					s.recordFailure(rerr.NewError(rerr.ErrTransport, "repeated tools/list refresh failures", err).WithBackend(s.cfg.ID))
					return Degraded
				}
				continue
			}
			consecutiveFailures = 0
			s.swapTools(tools)
		}
	}
}

func (s *Supervisor) handshakeRefresh(ctx context.Context, rt *runtimeState) ([]ToolDescriptor, error) {
	timeout := s.cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	result, err := s.call(ctx, rt.transport, rt.corr, "tools/list", map[string]any{}, time.Now().Add(timeout))
	if err != nil {
		return nil, err
	}
	var parsed toolsListResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, rerr.NewError(rerr.ErrProtocol, "parsing tools/list result", err).WithBackend(s.cfg.ID)
	}
	out := make([]ToolDescriptor, 0, len(parsed.Tools))
	for _, t := range parsed.Tools {
		out = append(out, ToolDescriptor{Raw: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out, nil
}

func (s *Supervisor) swapTools(tools []ToolDescriptor) {
	prev := s.state.Load()
	next := *prev
	next.tools = tools
	next.lastHealthAt = time.Now()
	s.state.Store(&next)
}

func (s *Supervisor) runDegraded(ctx context.Context, b *backoff.ExponentialBackOff) State {
	rt := s.state.Load()
	if rt.transport != nil {
		_ = rt.transport.Close(ctx)
	}
	if s.cancelOnClose != nil {
		s.cancelOnClose()
	}
	if rt.corr != nil {
		rt.corr.Drain(rerr.NewError(rerr.ErrTransportGone, fmt.Sprintf("backend %q is degraded", s.cfg.ID), nil).WithBackend(s.cfg.ID))
	}

	restarts := rt.restartCount + 1
	s.state.Store(&runtimeState{phase: Degraded, restartCount: restarts, lastErr: rt.lastErr})

	if restarts > s.cfg.RestartBackoff.MaxRestarts {
		logger.ForBackend(s.cfg.ID).Error("giving up after repeated restarts", "restarts", restarts)
		s.state.Store(&runtimeState{phase: Failed, restartCount: restarts, lastErr: rt.lastErr})
		return Failed
	}

	wait := b.NextBackOff()
	if wait == backoff.Stop {
		wait = s.cfg.RestartBackoff.Max
	}
	select {
	case <-time.After(wait):
	case <-s.shutdownCh:
		return Stopped
	case <-ctx.Done():
		return Stopped
	}
	return Starting
}

func (s *Supervisor) runFailed(ctx context.Context) State {
	select {
	case <-s.shutdownCh:
		return Stopped
	case <-ctx.Done():
		return Stopped
	}
}

func (s *Supervisor) enterStopped() {
	rt := s.state.Load()
	if rt.transport != nil {
		_ = rt.transport.Close(context.Background())
	}
	if s.cancelOnClose != nil {
		s.cancelOnClose()
	}
	if rt.corr != nil {
		rt.corr.Drain(rerr.NewError(rerr.ErrShutdown, fmt.Sprintf("backend %q shutting down", s.cfg.ID), nil).WithBackend(s.cfg.ID))
	}
	next := *rt
	next.phase = Stopped
	s.state.Store(&next)
}

func (s *Supervisor) recordFailure(err error) {
	rt := s.state.Load()
	logger.ForBackend(s.cfg.ID).Warn("backend failure", "error", err)
	next := *rt
	next.phase = Degraded
	next.lastErr = err
	s.state.Store(&next)
}

// Stop requests shutdown and blocks until Run has finished draining.
func (s *Supervisor) Stop() {
	select {
	case <-s.shutdownCh:
	default:
		close(s.shutdownCh)
	}
	<-s.stoppedCh
}

// ListTools returns the currently cached descriptors. Safe to call from
// any state; returns an empty slice unless the backend is Ready.
func (s *Supervisor) ListTools() []ToolDescriptor {
	rt := s.state.Load()
	if rt.phase != Ready {
		return nil
	}
	out := make([]ToolDescriptor, len(rt.tools))
	copy(out, rt.tools)
	return out
}

// CallTool issues tools/call for rawName with args (already stripped of
// any router-level __timeout key) and the given timeout override: a
// positive duration overrides the backend's default, zero means "use the
// backend's configured default timeout", and NoTimeout means no deadline
// at all.
func (s *Supervisor) CallTool(ctx context.Context, rawName string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	rt := s.state.Load()
	if rt.phase != Ready {
		return nil, rerr.NewError(rerr.ErrBackendUnavailable, fmt.Sprintf("backend %q is %s", s.cfg.ID, rt.phase), nil).WithBackend(s.cfg.ID)
	}

	effective := timeout
	if timeout == 0 {
		effective = s.cfg.DefaultTimeout
	}
	deadline := time.Time{}
	if effective > 0 {
		deadline = time.Now().Add(effective)
	}

	params := map[string]any{"name": rawName, "arguments": json.RawMessage(args)}
	if len(args) == 0 {
		params["arguments"] = json.RawMessage("{}")
	}
	return s.call(ctx, rt.transport, rt.corr, "tools/call", params, deadline)
}

// Status returns the current StatusSnapshot for router_status.
func (s *Supervisor) Status() StatusSnapshot {
	rt := s.state.Load()
	return StatusSnapshot{
		ID:           s.cfg.ID,
		State:        rt.phase,
		ToolCount:    len(rt.tools),
		LastHealthAt: rt.lastHealthAt,
		RestartCount: rt.restartCount,
	}
}

// ID returns the backend id this Supervisor was constructed for.
func (s *Supervisor) ID() string { return s.cfg.ID }

type frameHandler struct {
	corr    *correlator.Correlator
	onClose func(error)
}

func (h *frameHandler) HandleFrame(f jsonrpc.Frame) {
	if id, ok := f.ID.(string); ok && f.IsResponse() {
		h.corr.Complete(id, f)
		return
	}
	// notifications carry no id; this router does not subscribe to any
	// in this version, so they are dropped after logging.
	if f.Method != "" {
		logger.Get().Debug("ignoring backend notification", "method", f.Method)
	}
}

func (h *frameHandler) HandleClosed(cause error) { h.onClose(cause) }
