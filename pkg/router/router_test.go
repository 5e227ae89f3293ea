// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stacklok/mcp-router/pkg/jsonrpc"
	"github.com/stacklok/mcp-router/pkg/supervisor"
	"github.com/stacklok/mcp-router/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is an in-memory Spawner+Transport pair that serves the
// handshake and records every tools/call it receives, so Engine dispatch
// can be asserted end to end without real processes.
type fakeBackend struct {
	mu      sync.Mutex
	tools   []string
	handler transport.FrameHandler
	calls   []string // raw tool names received via tools/call
}

func (b *fakeBackend) Spawn(_ context.Context, handler transport.FrameHandler) (transport.Transport, error) {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
	return b, nil
}

func (b *fakeBackend) SendRequest(_ context.Context, id any, method string, params any) error {
	b.mu.Lock()
	tools := b.tools
	handler := b.handler
	b.mu.Unlock()

	go func() {
		var frame jsonrpc.Frame
		switch method {
		case "initialize":
			frame = jsonrpc.Frame{JSONRPC: jsonrpc.Version, ID: id, Result: []byte(`{}`)}
		case "tools/list":
			descs := make([]map[string]string, len(tools))
			for i, name := range tools {
				descs[i] = map[string]string{"name": name}
			}
			result, _ := json.Marshal(map[string]any{"tools": descs})
			frame = jsonrpc.Frame{JSONRPC: jsonrpc.Version, ID: id, Result: result}
		case "tools/call":
			raw, _ := json.Marshal(params)
			var p struct {
				Name string `json:"name"`
			}
			_ = json.Unmarshal(raw, &p)
			b.mu.Lock()
			b.calls = append(b.calls, p.Name)
			b.mu.Unlock()
			frame = jsonrpc.Frame{JSONRPC: jsonrpc.Version, ID: id, Result: []byte(`{"ok":true}`)}
		}
		handler.HandleFrame(frame)
	}()
	return nil
}

func (b *fakeBackend) SendNotification(context.Context, string, any) error { return nil }

func (b *fakeBackend) Close(context.Context) error { return nil }

func (b *fakeBackend) receivedCalls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.calls))
	copy(out, b.calls)
	return out
}

// startEngine brings up one Supervisor per backend and returns an Engine
// whose routing table has been rebuilt after every backend reached Ready.
func startEngine(t *testing.T, backends map[string]*fakeBackend) *Engine {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sups := make(map[string]*supervisor.Supervisor, len(backends))
	for id, b := range backends {
		cfg := supervisor.Config{
			ID:              id,
			DefaultTimeout:  time.Second,
			HandshakeClient: supervisor.ClientInfo{Name: "router-test", Version: "0"},
			RefreshInterval: time.Hour,
		}
		s := supervisor.New(cfg, b)
		sups[id] = s
		go s.Run(ctx)
		t.Cleanup(s.Stop)
	}

	e := New(sups, nil, nil, nil)
	require.Eventually(t, func() bool {
		for _, s := range sups {
			if s.Status().State != supervisor.Ready {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
	e.Rebuild()
	return e
}

func TestEngine_NamespacingAndSortOrder(t *testing.T) {
	e := startEngine(t, map[string]*fakeBackend{
		"a": {tools: []string{"t"}},
		"b": {tools: []string{"t"}},
	})

	tools := e.ListTools()
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	assert.Equal(t, []string{"a_t", "b_t", "router_list_servers", "router_status"}, names)
}

func TestEngine_DispatchReachesOnlyTargetBackend(t *testing.T) {
	a := &fakeBackend{tools: []string{"t"}}
	b := &fakeBackend{tools: []string{"t"}}
	e := startEngine(t, map[string]*fakeBackend{"a": a, "b": b})

	result, err := e.CallTool(context.Background(), "a_t", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))

	assert.Equal(t, []string{"t"}, a.receivedCalls())
	assert.Empty(t, b.receivedCalls())
}

func TestEngine_ListToolsIsDeterministic(t *testing.T) {
	e := startEngine(t, map[string]*fakeBackend{
		"b": {tools: []string{"z", "a"}},
		"a": {tools: []string{"echo"}},
	})

	first, err := json.Marshal(e.ListTools())
	require.NoError(t, err)
	second, err := json.Marshal(e.ListTools())
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))

	names := make([]string, 0)
	for _, tool := range e.ListTools() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"a_echo", "b_a", "b_z", "router_list_servers", "router_status"}, names)
}

func TestMaskValue(t *testing.T) {
	assert.Equal(t, "***", MaskValue("short"))
	assert.Equal(t, "sk-a...z789", MaskValue("sk-abcdefghijklmnoz789"))
}

func TestMaskJSON_MasksSensitiveKeys(t *testing.T) {
	raw := json.RawMessage(`{"id":"a","auth":{"token":"sk-abcdefghijklmnoprst","client_secret":"short"}}`)
	masked, err := MaskJSON(raw, nil)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(masked, &out))
	auth := out["auth"].(map[string]any)
	assert.Equal(t, "***", auth["client_secret"])
	assert.NotContains(t, string(masked), "sk-abcdefghijklmnoprst")
	assert.Equal(t, "a", out["id"])
}

func TestMaskJSON_ExtraSecretNames(t *testing.T) {
	raw := json.RawMessage(`{"env":{"MY_CUSTOM_SECRET":"abcdefghijkl"}}`)
	masked, err := MaskJSON(raw, []string{"MY_CUSTOM_SECRET"})
	require.NoError(t, err)
	assert.NotContains(t, string(masked), "abcdefghijkl")
}

func TestExtractTimeout_IntegerMilliseconds(t *testing.T) {
	timeout, stripped, err := extractTimeout(json.RawMessage(`{"__timeout":5000,"message":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, timeout)
	assert.JSONEq(t, `{"message":"hi"}`, string(stripped))
}

func TestExtractTimeout_StarMeansNoTimeout(t *testing.T) {
	timeout, stripped, err := extractTimeout(json.RawMessage(`{"__timeout":"*"}`))
	require.NoError(t, err)
	assert.Equal(t, supervisor.NoTimeout, timeout)
	assert.JSONEq(t, `{}`, string(stripped))
}

func TestExtractTimeout_NumericString(t *testing.T) {
	timeout, _, err := extractTimeout(json.RawMessage(`{"__timeout":"2500"}`))
	require.NoError(t, err)
	assert.Equal(t, 2500*time.Millisecond, timeout)
}

func TestExtractTimeout_AbsentLeavesArgsUntouched(t *testing.T) {
	timeout, stripped, err := extractTimeout(json.RawMessage(`{"message":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), timeout)
	assert.JSONEq(t, `{"message":"hi"}`, string(stripped))
}

func TestExtractTimeout_InvalidValueIgnored(t *testing.T) {
	for _, raw := range []string{
		`{"__timeout":{"nested":true}}`,
		`{"__timeout":"100abc"}`,
		`{"__timeout":"-5"}`,
		`{"__timeout":""}`,
	} {
		timeout, stripped, err := extractTimeout(json.RawMessage(raw))
		require.NoError(t, err, raw)
		assert.Equal(t, time.Duration(0), timeout, raw)
		assert.JSONEq(t, `{}`, string(stripped), raw)
	}
}

func TestEngine_CallTool_UnknownToolErrors(t *testing.T) {
	e := New(map[string]*supervisor.Supervisor{}, nil, nil, nil)
	_, err := e.CallTool(context.Background(), "nope_nope", nil)
	require.Error(t, err)
}

func TestEngine_ListTools_IncludesBuiltins(t *testing.T) {
	e := New(map[string]*supervisor.Supervisor{}, nil, nil, nil)
	tools := e.ListTools()
	names := make([]string, len(tools))
	for i, tt := range tools {
		names[i] = tt.Name
	}
	assert.Contains(t, names, builtinStatus)
	assert.Contains(t, names, builtinServers)
}

func TestEngine_RouterStatus(t *testing.T) {
	e := New(map[string]*supervisor.Supervisor{}, nil, nil, nil)
	result, err := e.CallTool(context.Background(), builtinStatus, nil)
	require.NoError(t, err)
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(result, &parsed))
	assert.Contains(t, parsed, "backends")
}

func TestEngine_RouterListServers_MasksSecrets(t *testing.T) {
	raw := json.RawMessage(`{"servers":[{"id":"a","auth":{"token":"sk-abcdefghijklmnoprst"}}]}`)
	e := New(map[string]*supervisor.Supervisor{}, raw, nil, nil)
	result, err := e.CallTool(context.Background(), builtinServers, nil)
	require.NoError(t, err)
	assert.NotContains(t, string(result), "sk-abcdefghijklmnoprst")
}

func TestNamespacedName_ReplacesColons(t *testing.T) {
	assert.Equal(t, "backend_ns_tool", namespacedName("backend", "ns:tool"))
}
