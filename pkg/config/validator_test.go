// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *File {
	t.Helper()
	f, err := Parse([]byte(raw))
	require.NoError(t, err)
	return f
}

func TestValidate_MinimalLocalOK(t *testing.T) {
	f := mustParse(t, `{"servers":[{"id":"weather","command":"node","args":["server.js"],
		"sandbox":{"strategy":{"docker":{"image":"mcp/weather"}}}}]}`)
	res := Validate(f)
	assert.True(t, res.OK(), "%v", res.Errors)
	assert.Empty(t, res.Warnings)
}

func TestValidate_LocalRequiresCommand(t *testing.T) {
	f := mustParse(t, `{"servers":[{"id":"x"}]}`)
	res := Validate(f)
	assert.False(t, res.OK())
}

func TestValidate_SandboxNoneWarns(t *testing.T) {
	f := mustParse(t, `{"servers":[{"id":"x","command":"node","sandbox":{"strategy":"none"}}]}`)
	res := Validate(f)
	assert.True(t, res.OK())
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "none")
}

func TestValidate_DuplicateIDs(t *testing.T) {
	f := mustParse(t, `{"servers":[
		{"id":"a","command":"node"},
		{"id":"a","command":"node"}
	]}`)
	res := Validate(f)
	assert.False(t, res.OK())
}

func TestValidate_InvalidIDShape(t *testing.T) {
	for _, id := range []string{"-bad", "bad:id", "bad id", ""} {
		f := mustParse(t, `{"servers":[{"id":"`+id+`","command":"node"}]}`)
		res := Validate(f)
		assert.False(t, res.OK(), "id %q should be rejected", id)
	}
}

func TestValidate_RemoteRequiresURLAndTransport(t *testing.T) {
	f := mustParse(t, `{"servers":[{"id":"x","type":"remote"}]}`)
	res := Validate(f)
	assert.False(t, res.OK())
}

func TestValidate_RemoteRequiresHTTPSUnlessAllowInsecure(t *testing.T) {
	f := mustParse(t, `{"servers":[{"id":"x","type":"remote","url":"http://example.test","transport":"sse"}]}`)
	res := Validate(f)
	assert.False(t, res.OK())

	f2 := mustParse(t, `{"servers":[{"id":"x","type":"remote","url":"http://example.test","transport":"sse","allow_insecure":true}]}`)
	res2 := Validate(f2)
	assert.True(t, res2.OK())
}

func TestValidate_RemoteHTTPSOK(t *testing.T) {
	f := mustParse(t, `{"servers":[{"id":"x","type":"remote","url":"https://example.test","transport":"sse"}]}`)
	res := Validate(f)
	assert.True(t, res.OK())
}

func TestValidate_TimeoutMsMustBePositive(t *testing.T) {
	f := mustParse(t, `{"servers":[{"id":"x","command":"node","timeout_ms":0}]}`)
	res := Validate(f)
	assert.True(t, res.OK(), "zero/absent timeout_ms is fine, it means use the default")

	f2 := mustParse(t, `{"servers":[{"id":"x","command":"node","timeout_ms":-5}]}`)
	res2 := Validate(f2)
	assert.False(t, res2.OK())
}

func TestValidate_DisallowedCommandIsNotThisLayersJob(t *testing.T) {
	// The allowlist check happens in pkg/sandbox at launch time, after env
	// expansion; the schema validator only checks shape, so "bash" alone
	// passes schema validation and is rejected later by Launcher.Plan.
	f := mustParse(t, `{"servers":[{"id":"x","command":"bash"}]}`)
	res := Validate(f)
	assert.True(t, res.OK())
}

func TestValidate_EnvRefSyntaxChecked(t *testing.T) {
	f := mustParse(t, `{"servers":[{"id":"x","command":"node","args":["${BAD"]}]}`)
	res := Validate(f)
	assert.False(t, res.OK())
}

func TestSandboxConfig_DockerOptions(t *testing.T) {
	f := mustParse(t, `{"servers":[{"id":"x","command":"node",
		"sandbox":{"strategy":{"docker":{"image":"mcp/weather:latest","memory_limit":"512m"}},
		"env_passthrough":["PATH"]}}]}`)
	sc, err := f.Servers[0].SandboxConfig()
	require.NoError(t, err)
	require.NotNil(t, sc.Strategy.Docker)
	assert.Equal(t, []string{"PATH"}, sc.EnvPassthrough)
}

func TestSandboxConfig_RejectsMultipleStrategies(t *testing.T) {
	f := mustParse(t, `{"servers":[{"id":"x","command":"node",
		"sandbox":{"strategy":{"docker":{"image":"a"},"podman":{"image":"b"}}}}]}`)
	_, err := f.Servers[0].SandboxConfig()
	require.Error(t, err)
}

func TestAuth_DefaultsToNone(t *testing.T) {
	f := mustParse(t, `{"servers":[{"id":"x","type":"remote","url":"https://e","transport":"sse"}]}`)
	a, err := f.Servers[0].Auth()
	require.NoError(t, err)
	assert.Equal(t, AuthNone, a.Type)
}

func TestAuth_BearerDecoded(t *testing.T) {
	f := mustParse(t, `{"servers":[{"id":"x","type":"remote","url":"https://e","transport":"sse",
		"auth":{"type":"bearer","token":"sk-abcdefghij"}}]}`)
	a, err := f.Servers[0].Auth()
	require.NoError(t, err)
	assert.Equal(t, AuthBearer, a.Type)
	assert.Equal(t, "sk-abcdefghij", a.Token)
}
