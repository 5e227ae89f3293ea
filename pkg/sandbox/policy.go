// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sandbox implements the launch planner: translating a
// sandbox policy plus a command into the concrete argv and environment the
// OS will exec, with a command allowlist and env-reference expansion
// standing between router configuration and the exec syscall.
package sandbox

// Kind discriminates the sandbox policy variants.
type Kind string

const (
	KindNone       Kind = "none"
	KindDocker     Kind = "docker"
	KindPodman     Kind = "podman"
	KindFirejail   Kind = "firejail"
	KindBubblewrap Kind = "bubblewrap"
)

// Policy is the tagged-variant sandbox policy. Exactly one of the
// Kind-specific fields is meaningful, selected by Kind; this mirrors the
// on-disk JSON shape, where the config carries exactly one of
// docker/podman/firejail/bubblewrap under "sandbox.strategy".
type Policy struct {
	Kind Kind

	Docker     *DockerOptions
	Podman     *DockerOptions // podman accepts the same run-time knobs as docker
	Firejail   *FirejailOptions
	Bubblewrap *BubblewrapOptions
}

// DockerOptions configures the docker/podman sandbox variants.
type DockerOptions struct {
	Image       string   `json:"image"`
	MemoryLimit string   `json:"memory_limit,omitempty"` // e.g. "512m", passed through to --memory
	CPULimit    string   `json:"cpu_limit,omitempty"`    // e.g. "1.5", passed through to --cpus
	Network     bool     `json:"network,omitempty"`      // true = default bridge network, false = --network none
	ExtraFlags  []string `json:"extra_flags,omitempty"`
}

// FirejailOptions configures the firejail sandbox variant.
type FirejailOptions struct {
	Profile        string   `json:"profile,omitempty"`
	WhitelistPaths []string `json:"whitelist_paths,omitempty"`
	ReadOnlyPaths  []string `json:"read_only_paths,omitempty"`
	Net            bool     `json:"net,omitempty"`
	NetFilter      string   `json:"net_filter,omitempty"` // path to a netfilter profile; empty = unset
	NoRoot         bool     `json:"no_root,omitempty"`
}

// BubblewrapOptions configures the bubblewrap sandbox variant.
type BubblewrapOptions struct {
	ROBinds  []string `json:"ro_binds,omitempty"`
	RWBinds  []string `json:"rw_binds,omitempty"`
	ShareNet bool     `json:"share_net,omitempty"`
}

// None is the no-isolation policy: the command runs as a direct child of
// the router with no wrapping tool.
func None() Policy { return Policy{Kind: KindNone} }
