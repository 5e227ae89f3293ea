// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"sort"

	rerr "github.com/stacklok/mcp-router/pkg/errors"
	"github.com/stacklok/mcp-router/pkg/envref"
)

// AllowedCommands is the fixed allowlist of executable basenames a local
// backend's resolved command may be. The sandbox
// tools themselves are included because the allowlist check runs on the
// resolved *user* command, after the sandbox prefix has already been
// chosen separately. Policies may still be configured to wrap one of
// these runtimes, so they must themselves be nameable as a bare command
// too (e.g. a backend whose "command" literally is "docker" for some
// docker-in-docker tool use case).
var AllowedCommands = map[string]bool{
	"node":     true,
	"npx":      true,
	"python":   true,
	"python3":  true,
	"deno":     true,
	"bun":      true,
	"docker":   true,
	"podman":   true,
	"firejail": true,
	"bwrap":    true,
}

// LaunchPlan is the concrete argv and environment the OS will exec,
// produced by Launcher.Plan.
type LaunchPlan struct {
	Argv []string
	Env  map[string]string
}

// Launcher turns a backend's configured command into a LaunchPlan.
type Launcher struct {
	// RouterEnv is the router process's own environment, used to resolve
	// $NAME/${NAME} references and as the source for env_passthrough.
	RouterEnv map[string]string

	// Available reports whether the named sandbox tool is usable on this
	// host (docker daemon reachable, firejail/bwrap binary present, etc).
	// Nil means "assume available" (used by tests).
	Available func(Kind) bool
}

// Plan resolves env references, checks the command allowlist, builds the
// sandbox argv prefix, and computes the child environment.
func (l *Launcher) Plan(cmd string, args []string, env map[string]string, envPassthrough []string, policy Policy) (*LaunchPlan, error) {
	// Step 1: resolve env references in cmd, args, and env *values*.
	resolvedCmd, err := envref.Resolve(cmd, l.RouterEnv)
	if err != nil {
		return nil, rerr.NewError(rerr.ErrLaunch, "resolving command", err)
	}
	resolvedArgs, err := envref.ResolveAll(args, l.RouterEnv)
	if err != nil {
		return nil, rerr.NewError(rerr.ErrLaunch, "resolving args", err)
	}
	resolvedEnv, err := envref.ResolveValues(env, l.RouterEnv)
	if err != nil {
		return nil, rerr.NewError(rerr.ErrLaunch, "resolving env", err)
	}

	// Step 2: allowlist check, after expansion, to defeat indirection
	// through an env var holding a disallowed command name.
	base := basename(resolvedCmd)
	if !AllowedCommands[base] {
		return nil, rerr.NewError(rerr.ErrLaunch, fmt.Sprintf("command %q is not in the allowlist", base), nil)
	}

	// Policy availability.
	if l.Available != nil && policy.Kind != KindNone && !l.Available(policy.Kind) {
		return nil, rerr.NewError(rerr.ErrLaunch, fmt.Sprintf("sandbox %q is not available on this host", policy.Kind), nil)
	}

	// Step 3/4: build the sandbox prefix and compose argv.
	prefix, err := buildPrefix(policy)
	if err != nil {
		return nil, err
	}
	argv := make([]string, 0, len(prefix)+1+len(resolvedArgs))
	argv = append(argv, prefix...)
	argv = append(argv, resolvedCmd)
	argv = append(argv, resolvedArgs...)

	// Step 5: child env = passthrough subset, then explicit env overlays.
	childEnv := make(map[string]string, len(envPassthrough)+len(resolvedEnv))
	for _, name := range envPassthrough {
		if v, ok := l.RouterEnv[name]; ok {
			childEnv[name] = v
		}
	}
	for k, v := range resolvedEnv {
		childEnv[k] = v
	}

	return &LaunchPlan{Argv: argv, Env: childEnv}, nil
}

func buildPrefix(policy Policy) ([]string, error) {
	switch policy.Kind {
	case "", KindNone:
		return nil, nil

	case KindDocker:
		return dockerPrefix("docker", policy.Docker)
	case KindPodman:
		return dockerPrefix("podman", policy.Podman)

	case KindFirejail:
		return firejailPrefix(policy.Firejail)

	case KindBubblewrap:
		return bubblewrapPrefix(policy.Bubblewrap)

	default:
		return nil, rerr.NewError(rerr.ErrLaunch, fmt.Sprintf("unknown sandbox policy %q", policy.Kind), nil)
	}
}

func dockerPrefix(tool string, opts *DockerOptions) ([]string, error) {
	if opts == nil {
		return nil, rerr.NewError(rerr.ErrLaunch, fmt.Sprintf("%s policy requires options", tool), nil)
	}
	argv := []string{tool, "run", "--rm", "-i"}
	if opts.MemoryLimit != "" {
		argv = append(argv, "--memory", opts.MemoryLimit)
	}
	if opts.CPULimit != "" {
		argv = append(argv, "--cpus", opts.CPULimit)
	}
	if !opts.Network {
		argv = append(argv, "--network", "none")
	}
	argv = append(argv, opts.ExtraFlags...)
	if opts.Image == "" {
		return nil, rerr.NewError(rerr.ErrLaunch, fmt.Sprintf("%s policy requires an image", tool), nil)
	}
	argv = append(argv, opts.Image)
	return argv, nil
}

func firejailPrefix(opts *FirejailOptions) ([]string, error) {
	if opts == nil {
		return nil, rerr.NewError(rerr.ErrLaunch, "firejail policy requires options", nil)
	}
	argv := []string{"firejail"}
	if opts.Profile != "" {
		argv = append(argv, "--profile="+opts.Profile)
	}
	if !opts.Net {
		argv = append(argv, "--net=none")
	}
	for _, p := range sortedCopy(opts.WhitelistPaths) {
		argv = append(argv, "--whitelist="+p)
	}
	for _, p := range sortedCopy(opts.ReadOnlyPaths) {
		argv = append(argv, "--read-only="+p)
	}
	if opts.NetFilter != "" {
		argv = append(argv, "--netfilter="+opts.NetFilter)
	}
	if opts.NoRoot {
		argv = append(argv, "--noroot")
	}
	return argv, nil
}

func bubblewrapPrefix(opts *BubblewrapOptions) ([]string, error) {
	if opts == nil {
		return nil, rerr.NewError(rerr.ErrLaunch, "bubblewrap policy requires options", nil)
	}
	argv := []string{"bwrap"}
	for _, b := range opts.ROBinds {
		argv = append(argv, "--ro-bind", b, b)
	}
	for _, b := range opts.RWBinds {
		argv = append(argv, "--bind", b, b)
	}
	if !opts.ShareNet {
		argv = append(argv, "--unshare-net")
	}
	return argv, nil
}

func sortedCopy(ss []string) []string {
	out := make([]string, len(ss))
	copy(out, ss)
	sort.Strings(out)
	return out
}

func basename(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}
