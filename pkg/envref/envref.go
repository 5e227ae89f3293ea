// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package envref resolves $NAME and ${NAME} references against a supplied
// environment map. It is used by the sandbox launcher (command, args, env
// values) and by remote backend auth/TLS configuration (tokens, headers).
package envref

import (
	"fmt"
	"regexp"
	"strings"
)

// refPattern matches $NAME or ${NAME}. Names follow typical POSIX env var
// rules: a letter or underscore, then letters/digits/underscores.
var refPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// UnresolvedError reports a $NAME/${NAME} reference that has no value in
// the environment it was resolved against.
type UnresolvedError struct {
	Name string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("unresolved environment reference: %s", e.Name)
}

// Resolve expands every $NAME/${NAME} reference in s against env, returning
// an *UnresolvedError naming the first reference with no entry in env. A
// string with no references is returned unchanged (and is not required to
// be present in env).
func Resolve(s string, env map[string]string) (string, error) {
	var firstErr error
	result := refPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		name := refPattern.FindStringSubmatch(match)
		key := name[1]
		if key == "" {
			key = name[2]
		}
		val, ok := env[key]
		if !ok {
			firstErr = &UnresolvedError{Name: key}
			return match
		}
		return val
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// ResolveAll resolves every element of ss, stopping at the first error.
func ResolveAll(ss []string, env map[string]string) ([]string, error) {
	out := make([]string, len(ss))
	for i, s := range ss {
		r, err := Resolve(s, env)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

// ResolveValues resolves the values of m against env. Keys are never
// expanded.
func ResolveValues(m map[string]string, env map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for k, v := range m {
		r, err := Resolve(v, env)
		if err != nil {
			return nil, err
		}
		out[k] = r
	}
	return out, nil
}

// braceOpenPattern finds "${" occurrences so CheckSyntax can tell a
// malformed reference (unclosed brace, or an empty/invalid name inside
// it) from a literal "$" that isn't a reference at all.
var braceOpenPattern = regexp.MustCompile(`\$\{`)

// CheckSyntax reports a syntax error for any "${" that is never closed,
// or whose contents aren't a valid NAME, without requiring the name to
// resolve against any particular environment (that happens later, at
// launch time, in Resolve). This is what the config validator runs at
// load time, before the router's own environment is consulted.
func CheckSyntax(s string) error {
	for _, loc := range braceOpenPattern.FindAllStringIndex(s, -1) {
		rest := s[loc[1]:]
		end := strings.IndexByte(rest, '}')
		if end < 0 {
			return fmt.Errorf("unclosed %q in %q", "${", s)
		}
		name := rest[:end]
		if !envNamePattern.MatchString(name) {
			return fmt.Errorf("invalid environment reference name %q in %q", name, s)
		}
	}
	return nil
}

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// EnvMapFromOS converts os.Environ()-style "K=V" pairs into a map; a small
// convenience used by callers that want to resolve against the router's own
// environment, kept separate from os.Environ() itself so call sites (and
// tests) can pass a fixed, deterministic environment instead.
func EnvMapFromOS(pairs []string) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		for i := 0; i < len(p); i++ {
			if p[i] == '=' {
				out[p[:i]] = p[i+1:]
				break
			}
		}
	}
	return out
}
