// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package router implements the aggregation point that namespaces
// every ready backend's tools into one flat list and dispatches calls to
// the right Supervisor.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	rerr "github.com/stacklok/mcp-router/pkg/errors"
	"github.com/stacklok/mcp-router/pkg/logger"
	"github.com/stacklok/mcp-router/pkg/supervisor"
)

const (
	builtinStatus  = "router_status"
	builtinServers = "router_list_servers"
)

// NamespacedTool is one entry of the aggregated tool list handed to the
// MCP client.
type NamespacedTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type routeTarget struct {
	backendID string
	rawName   string
}

// routingTable is the immutable snapshot readers see; Engine swaps it in
// wholesale whenever any backend's tool list changes.
type routingTable struct {
	targets map[string]routeTarget
	tools   []NamespacedTool
}

// Engine owns the supervisors and the routing table; it is constructed
// once and shared by every caller.
type Engine struct {
	supervisors map[string]*supervisor.Supervisor // stable for the process lifetime; order fixed at construction
	order       []string                          // backend ids, sorted, for deterministic iteration

	rawConfig        json.RawMessage
	configSecretKeys []string

	table atomic.Pointer[routingTable]

	callsTotal    *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	backendsState *prometheus.GaugeVec
}

// New constructs an Engine over the given supervisors (keyed by backend
// id). rawConfig is the as-loaded config document, shown (masked) by
// router_list_servers; configSecretKeys augments the builtin masking
// pattern with configured "secret names".
func New(supervisors map[string]*supervisor.Supervisor, rawConfig json.RawMessage, configSecretKeys []string, reg prometheus.Registerer) *Engine {
	ids := make([]string, 0, len(supervisors))
	for id := range supervisors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	e := &Engine{
		supervisors:      supervisors,
		order:            ids,
		rawConfig:        rawConfig,
		configSecretKeys: configSecretKeys,
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_router_calls_total",
			Help: "Total tool calls handled by the router, by backend and outcome.",
		}, []string{"backend", "outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "mcp_router_call_duration_seconds",
			Help: "Tool call latency as observed by the router.",
		}, []string{"backend"}),
		backendsState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcp_router_backend_state",
			Help: "1 if the backend is in the named state, 0 otherwise.",
		}, []string{"backend", "state"}),
	}
	if reg != nil {
		reg.MustRegister(e.callsTotal, e.callDuration, e.backendsState)
	}
	e.Rebuild()
	return e
}

// Rebuild recomputes the routing table from the current state of every
// Supervisor. Call this whenever a Supervisor's tool list changes (after a
// successful handshake or refresh); readers always see a complete,
// internally-consistent snapshot via the atomic swap.
func (e *Engine) Rebuild() {
	targets := make(map[string]routeTarget)
	tools := make([]NamespacedTool, 0)
	seen := make(map[string]bool)

	for _, id := range e.order {
		sup := e.supervisors[id]
		st := sup.Status()
		for _, state := range []supervisor.State{supervisor.Starting, supervisor.Ready, supervisor.Degraded, supervisor.Failed, supervisor.Stopped} {
			e.backendsState.WithLabelValues(id, string(state)).Set(boolToFloat(st.State == state))
		}
		if st.State != supervisor.Ready {
			continue
		}

		descs := sup.ListTools()
		rawNames := make([]string, len(descs))
		byRaw := make(map[string]int, len(descs))
		for i, d := range descs {
			rawNames[i] = d.Raw
			byRaw[d.Raw] = i
		}
		sort.Strings(rawNames)

		for _, raw := range rawNames {
			d := descs[byRaw[raw]]
			name := namespacedName(id, d.Raw)
			if seen[name] {
				logger.Get().Warn("tool name collision after namespacing, keeping first in sort order",
					"name", name, "backend", id)
				continue
			}
			seen[name] = true
			targets[name] = routeTarget{backendID: id, rawName: d.Raw}
			tools = append(tools, NamespacedTool{Name: name, Description: d.Description, InputSchema: d.InputSchema})
		}
	}

	tools = append(tools, NamespacedTool{Name: builtinServers}, NamespacedTool{Name: builtinStatus})

	e.table.Store(&routingTable{targets: targets, tools: tools})
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// namespacedName implements "<backend_id>_<raw_with_colons_replaced>".
func namespacedName(backendID, raw string) string {
	return backendID + "_" + strings.ReplaceAll(raw, ":", "_")
}

// ListTools returns the aggregated, namespaced tool list in deterministic
// order: backends sorted by id, tools within each sorted by raw name, the
// two builtins last.
func (e *Engine) ListTools() []NamespacedTool {
	t := e.table.Load()
	out := make([]NamespacedTool, len(t.tools))
	copy(out, t.tools)
	return out
}

// CallTool dispatches a namespaced tool call. args is the caller's
// arguments object, possibly carrying a __timeout override; it is passed
// through opaque except for that one key.
func (e *Engine) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	switch name {
	case builtinStatus:
		return e.routerStatus()
	case builtinServers:
		return e.routerListServers()
	}

	t := e.table.Load()
	target, ok := t.targets[name]
	if !ok {
		return nil, rerr.NewError(rerr.ErrUnknownTool, fmt.Sprintf("no tool named %q", name), nil)
	}

	timeout, strippedArgs, err := extractTimeout(args)
	if err != nil {
		return nil, err
	}

	sup, ok := e.supervisors[target.backendID]
	if !ok {
		return nil, rerr.NewError(rerr.ErrUnknownTool, fmt.Sprintf("backend %q no longer configured", target.backendID), nil)
	}

	start := time.Now()
	result, callErr := sup.CallTool(ctx, target.rawName, strippedArgs, timeout)
	e.callDuration.WithLabelValues(target.backendID).Observe(time.Since(start).Seconds())
	if callErr != nil {
		e.callsTotal.WithLabelValues(target.backendID, "error").Inc()
		return nil, callErr
	}
	e.callsTotal.WithLabelValues(target.backendID, "ok").Inc()
	return result, nil
}

// extractTimeout consumes and strips args.__timeout: a
// positive integer (ms), a numeric string, or the literal "*" meaning no
// timeout at all (supervisor.NoTimeout). Any other value, or no key at
// all, is ignored and the backend's configured default applies
// (represented here as a zero Duration).
func extractTimeout(args json.RawMessage) (time.Duration, json.RawMessage, error) {
	if len(args) == 0 {
		return 0, args, nil
	}
	result := gjson.GetBytes(args, "__timeout")
	if !result.Exists() {
		return 0, args, nil
	}

	stripped, err := sjson.DeleteBytes(args, "__timeout")
	if err != nil {
		return 0, nil, rerr.NewError(rerr.ErrProtocol, "stripping __timeout from call arguments", err)
	}

	switch result.Type {
	case gjson.Number:
		ms := result.Int()
		if ms > 0 {
			return time.Duration(ms) * time.Millisecond, stripped, nil
		}
	case gjson.String:
		s := result.String()
		if s == "*" {
			return supervisor.NoTimeout, stripped, nil
		}
		if ms, err := parsePositiveInt(s); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond, stripped, nil
		}
	}
	// any other shape: ignored, default applies.
	return 0, stripped, nil
}

func parsePositiveInt(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

func (e *Engine) routerStatus() (json.RawMessage, error) {
	type row struct {
		ID           string    `json:"id"`
		State        string    `json:"state"`
		ToolCount    int       `json:"tool_count"`
		LastHealthAt time.Time `json:"last_health_at"`
		RestartCount int       `json:"restart_count"`
	}
	rows := make([]row, 0, len(e.order))
	for _, id := range e.order {
		st := e.supervisors[id].Status()
		rows = append(rows, row{ID: st.ID, State: string(st.State), ToolCount: st.ToolCount, LastHealthAt: st.LastHealthAt, RestartCount: st.RestartCount})
	}
	return json.Marshal(map[string]any{"backends": rows})
}

func (e *Engine) routerListServers() (json.RawMessage, error) {
	if len(e.rawConfig) == 0 {
		return json.Marshal(map[string]any{"servers": []any{}})
	}
	return MaskJSON(e.rawConfig, e.configSecretKeys)
}
