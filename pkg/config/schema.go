// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config implements parsing and validating the on-disk JSON
// configuration into the typed BackendConfig set, and wiring each entry
// into a running Supervisor.
package config

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	rerr "github.com/stacklok/mcp-router/pkg/errors"
	"github.com/stacklok/mcp-router/pkg/sandbox"
)

// Kind distinguishes a local subprocess backend from a remote HTTP+SSE one.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// SandboxConfig mirrors the polymorphic `sandbox.strategy` object: the
// string "none", or an object with exactly one of docker/podman/
// firejail/bubblewrap and its options.
type SandboxConfig struct {
	Strategy       sandbox.Policy
	EnvPassthrough []string
}

// RetryConfig is the remote backend's SSE reconnect policy.
type RetryConfig struct {
	MaxAttempts      int `json:"max_attempts"`
	InitialBackoffMs int `json:"initial_backoff_ms"`
	MaxBackoffMs     int `json:"max_backoff_ms"`
}

// TLSConfig controls a remote backend's HTTP client TLS behavior.
type TLSConfig struct {
	VerifyCert bool   `json:"verify_cert"`
	CACert     string `json:"ca_cert,omitempty"`
	ClientCert string `json:"client_cert,omitempty"`
	ClientKey  string `json:"client_key,omitempty"`
}

// AuthKind is the remote backend auth subobject's discriminant.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthBearer AuthKind = "bearer"
	AuthBasic  AuthKind = "basic"
	AuthOAuth  AuthKind = "oauth"
	AuthCustom AuthKind = "custom"
)

// AuthConfig is the remote backend's auth subobject, every field optional
// except the ones its Type requires.
type AuthConfig struct {
	Type         AuthKind          `json:"type"`
	Token        string            `json:"token,omitempty"`
	Username     string            `json:"username,omitempty"`
	Password     string            `json:"password,omitempty"`
	Provider     string            `json:"provider,omitempty"`
	ClientID     string            `json:"client_id,omitempty"`
	ClientSecret string            `json:"client_secret,omitempty"`
	Scopes       []string          `json:"scopes,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
}

// ServerEntry is one backend as it appears in the config file, before
// sandbox.Policy/auth have been resolved into their typed forms.
type ServerEntry struct {
	ID            string   `json:"id"`
	Name          string   `json:"name,omitempty"`
	Type          Kind     `json:"type,omitempty"`
	RequiresAuth  bool     `json:"requires_auth,omitempty"`
	AllowedUsers  []string `json:"allowed_users,omitempty"`
	TimeoutMs     int      `json:"timeout_ms,omitempty"`

	// local
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// remote
	URL           string `json:"url,omitempty"`
	Transport     string `json:"transport,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	raw json.RawMessage // preserved for sandbox/auth re-decoding
}

// File is the top-level config document: `{servers, timeout_ms, cache_tools}`.
type File struct {
	Servers      []ServerEntry `json:"servers"`
	TimeoutMs    int           `json:"timeout_ms,omitempty"`
	CacheTools   bool          `json:"cache_tools,omitempty"`
	SecretNames  []string      `json:"secret_names,omitempty"`
}

// Parse decodes raw into a File, without validating it; call Validate
// separately so callers can choose to report every error at once.
func Parse(raw []byte) (*File, error) {
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, rerr.NewError(rerr.ErrConfig, "parsing config file", err)
	}
	// Stash each entry's raw object for the sandbox/auth sub-decoders,
	// since ServerEntry's json tags don't capture those polymorphic shapes.
	var generic struct {
		Servers []json.RawMessage `json:"servers"`
	}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, rerr.NewError(rerr.ErrConfig, "parsing config file", err)
	}
	for i := range f.Servers {
		if i < len(generic.Servers) {
			f.Servers[i].raw = generic.Servers[i]
		}
		if f.Servers[i].Type == "" {
			f.Servers[i].Type = KindLocal
		}
	}
	return &f, nil
}

// SandboxConfig decodes the entry's `sandbox` subobject.
func (e *ServerEntry) SandboxConfig() (SandboxConfig, error) {
	strategyResult := gjson.GetBytes(e.raw, "sandbox.strategy")
	passthrough := gjson.GetBytes(e.raw, "sandbox.env_passthrough")

	var envPassthrough []string
	if passthrough.IsArray() {
		for _, v := range passthrough.Array() {
			envPassthrough = append(envPassthrough, v.String())
		}
	}

	if !strategyResult.Exists() || (strategyResult.Type == gjson.String && strategyResult.String() == "none") {
		return SandboxConfig{Strategy: sandbox.None(), EnvPassthrough: envPassthrough}, nil
	}

	if !strategyResult.IsObject() {
		return SandboxConfig{}, rerr.NewError(rerr.ErrConfig, fmt.Sprintf("server %q: sandbox.strategy must be \"none\" or an object", e.ID), nil)
	}

	policy, err := decodeSandboxObject(strategyResult)
	if err != nil {
		return SandboxConfig{}, rerr.NewError(rerr.ErrConfig, fmt.Sprintf("server %q: %s", e.ID, err.Error()), nil)
	}
	return SandboxConfig{Strategy: policy, EnvPassthrough: envPassthrough}, nil
}

func decodeSandboxObject(obj gjson.Result) (sandbox.Policy, error) {
	kinds := []struct {
		key  string
		kind sandbox.Kind
	}{
		{"docker", sandbox.KindDocker},
		{"podman", sandbox.KindPodman},
		{"firejail", sandbox.KindFirejail},
		{"bubblewrap", sandbox.KindBubblewrap},
	}

	var found []sandbox.Kind
	for _, k := range kinds {
		if obj.Get(k.key).Exists() {
			found = append(found, k.kind)
		}
	}
	if len(found) != 1 {
		return sandbox.Policy{}, fmt.Errorf("sandbox.strategy must have exactly one of docker/podman/firejail/bubblewrap, found %d", len(found))
	}

	switch found[0] {
	case sandbox.KindDocker:
		var opts sandbox.DockerOptions
		if err := json.Unmarshal([]byte(obj.Get("docker").Raw), &opts); err != nil {
			return sandbox.Policy{}, err
		}
		return sandbox.Policy{Kind: sandbox.KindDocker, Docker: &opts}, nil
	case sandbox.KindPodman:
		var opts sandbox.DockerOptions
		if err := json.Unmarshal([]byte(obj.Get("podman").Raw), &opts); err != nil {
			return sandbox.Policy{}, err
		}
		return sandbox.Policy{Kind: sandbox.KindPodman, Podman: &opts}, nil
	case sandbox.KindFirejail:
		var opts sandbox.FirejailOptions
		if err := json.Unmarshal([]byte(obj.Get("firejail").Raw), &opts); err != nil {
			return sandbox.Policy{}, err
		}
		return sandbox.Policy{Kind: sandbox.KindFirejail, Firejail: &opts}, nil
	case sandbox.KindBubblewrap:
		var opts sandbox.BubblewrapOptions
		if err := json.Unmarshal([]byte(obj.Get("bubblewrap").Raw), &opts); err != nil {
			return sandbox.Policy{}, err
		}
		return sandbox.Policy{Kind: sandbox.KindBubblewrap, Bubblewrap: &opts}, nil
	default:
		return sandbox.Policy{}, fmt.Errorf("unreachable sandbox kind %q", found[0])
	}
}

// Auth decodes the entry's `auth` subobject (remote backends only).
func (e *ServerEntry) Auth() (AuthConfig, error) {
	authResult := gjson.GetBytes(e.raw, "auth")
	if !authResult.Exists() {
		return AuthConfig{Type: AuthNone}, nil
	}
	var a AuthConfig
	if err := json.Unmarshal([]byte(authResult.Raw), &a); err != nil {
		return AuthConfig{}, rerr.NewError(rerr.ErrConfig, fmt.Sprintf("server %q: decoding auth", e.ID), err)
	}
	if a.Type == "" {
		a.Type = AuthNone
	}
	return a, nil
}

// Retry decodes the entry's `retry` subobject.
func (e *ServerEntry) Retry() RetryConfig {
	r := RetryConfig{MaxAttempts: 10, InitialBackoffMs: 500, MaxBackoffMs: 30_000}
	result := gjson.GetBytes(e.raw, "retry")
	if result.Exists() {
		_ = json.Unmarshal([]byte(result.Raw), &r)
	}
	return r
}

// TLS decodes the entry's `tls` subobject.
func (e *ServerEntry) TLS() TLSConfig {
	t := TLSConfig{VerifyCert: true}
	result := gjson.GetBytes(e.raw, "tls")
	if result.Exists() {
		_ = json.Unmarshal([]byte(result.Raw), &t)
	}
	return t
}

// RawJSON returns the entry's original JSON object, used for
// router_list_servers display (after masking).
func (e *ServerEntry) RawJSON() json.RawMessage { return e.raw }
