// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/stacklok/mcp-router/pkg/envref"
	rerr "github.com/stacklok/mcp-router/pkg/errors"
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// ValidationResult collects every error found, so a caller can report them
// all at once instead of stopping at the first, plus non-fatal warnings
// (e.g. sandbox strategy "none").
type ValidationResult struct {
	Errors   []error
	Warnings []string
}

func (r *ValidationResult) OK() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) addf(id, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.Errors = append(r.Errors, rerr.NewError(rerr.ErrConfig, fmt.Sprintf("server %q: %s", id, msg), nil))
}

// Validate checks every schema rule and returns every violation found,
// tagged with the offending server id.
func Validate(f *File) ValidationResult {
	var res ValidationResult
	seen := make(map[string]bool, len(f.Servers))

	if f.TimeoutMs != 0 && f.TimeoutMs < 1 {
		res.Errors = append(res.Errors, rerr.NewError(rerr.ErrConfig, "top-level timeout_ms must be >= 1 when present", nil))
	}

	for i := range f.Servers {
		e := &f.Servers[i]
		validateEntry(e, seen, &res)
	}
	return res
}

func validateEntry(e *ServerEntry, seen map[string]bool, res *ValidationResult) {
	if e.ID == "" || !idPattern.MatchString(e.ID) {
		res.addf(e.ID, "id must match %s", idPattern.String())
	} else if seen[e.ID] {
		res.addf(e.ID, "duplicate server id")
	} else {
		seen[e.ID] = true
	}

	if e.TimeoutMs != 0 && e.TimeoutMs < 1 {
		res.addf(e.ID, "timeout_ms must be >= 1 when present")
	}

	switch e.Type {
	case KindLocal, "":
		validateLocal(e, res)
	case KindRemote:
		validateRemote(e, res)
	default:
		res.addf(e.ID, "kind must be \"local\" or \"remote\", got %q", e.Type)
	}
}

func validateLocal(e *ServerEntry, res *ValidationResult) {
	if e.Command == "" {
		res.addf(e.ID, "local backend requires command")
		return
	}
	if err := validateEnvRefSyntax(e.Command); err != nil {
		res.addf(e.ID, "command: %s", err)
	}
	for _, a := range e.Args {
		if err := validateEnvRefSyntax(a); err != nil {
			res.addf(e.ID, "args: %s", err)
		}
	}
	for k, v := range e.Env {
		if err := validateEnvRefSyntax(v); err != nil {
			res.addf(e.ID, "env[%s]: %s", k, err)
		}
	}

	sc, err := e.SandboxConfig()
	if err != nil {
		res.Errors = append(res.Errors, err)
		return
	}
	if sc.Strategy.Kind == "" || sc.Strategy.Kind == "none" {
		res.Warnings = append(res.Warnings, fmt.Sprintf("server %q: sandbox.strategy is \"none\"; the backend runs unsandboxed", e.ID))
	}
}

func validateRemote(e *ServerEntry, res *ValidationResult) {
	if e.URL == "" {
		res.addf(e.ID, "remote backend requires url")
	} else {
		if !strings.HasPrefix(e.URL, "https://") && !e.AllowInsecure {
			res.addf(e.ID, "url must be https:// unless allow_insecure is set")
		}
		if err := validateEnvRefSyntax(e.URL); err != nil {
			res.addf(e.ID, "url: %s", err)
		}
	}
	if e.Transport == "" {
		res.addf(e.ID, "remote backend requires transport")
	} else if e.Transport != "sse" {
		res.addf(e.ID, "transport %q is not supported; only \"sse\" is", e.Transport)
	}

	auth, err := e.Auth()
	if err != nil {
		res.Errors = append(res.Errors, err)
		return
	}
	switch auth.Type {
	case AuthNone, AuthBearer, AuthBasic, AuthOAuth, AuthCustom:
	default:
		res.addf(e.ID, "auth.type %q is not recognized", auth.Type)
	}
	for k, v := range auth.Headers {
		if err := validateEnvRefSyntax(v); err != nil {
			res.addf(e.ID, "auth.headers[%s]: %s", k, err)
		}
	}
	if err := validateEnvRefSyntax(auth.Token); err != nil {
		res.addf(e.ID, "auth.token: %s", err)
	}
}

// validateEnvRefSyntax only checks that any $NAME/${NAME} reference is
// well-formed; it deliberately does not check the referenced name exists,
// since the router's own environment is not known at config-validation
// time (Launcher.Plan resolves and fails on missing names at launch).
func validateEnvRefSyntax(s string) error {
	return envref.CheckSyntax(s)
}
