// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/stacklok/mcp-router/pkg/envref"
	rerr "github.com/stacklok/mcp-router/pkg/errors"
	"github.com/stacklok/mcp-router/pkg/sandbox"
	"github.com/stacklok/mcp-router/pkg/supervisor"
	"github.com/stacklok/mcp-router/pkg/transport"
	"github.com/stacklok/mcp-router/pkg/transport/sse"
	"github.com/stacklok/mcp-router/pkg/transport/stdio"
)

// ClientInfo identifies the router itself in every backend's initialize
// handshake.
var ClientInfo = supervisor.ClientInfo{Name: "mcp-router", Version: "dev"}

// BuildSupervisors turns every validated ServerEntry into a Supervisor,
// keyed by backend id; the caller starts each one with Run. routerEnv is the router process's own
// environment, used to resolve EnvRefs and as the env_passthrough source.
func BuildSupervisors(f *File, routerEnv map[string]string) (map[string]*supervisor.Supervisor, error) {
	out := make(map[string]*supervisor.Supervisor, len(f.Servers))
	for i := range f.Servers {
		e := &f.Servers[i]
		spawner, err := buildSpawner(e, routerEnv)
		if err != nil {
			return nil, err
		}

		timeout := time.Duration(f.TimeoutMs) * time.Millisecond
		if e.TimeoutMs > 0 {
			timeout = time.Duration(e.TimeoutMs) * time.Millisecond
		}

		cfg := supervisor.Config{
			ID:              e.ID,
			DefaultTimeout:  timeout,
			HandshakeClient: ClientInfo,
			RestartBackoff:  supervisor.DefaultRestartBackoff(),
		}
		out[e.ID] = supervisor.New(cfg, spawner)
	}
	return out, nil
}

func buildSpawner(e *ServerEntry, routerEnv map[string]string) (supervisor.Spawner, error) {
	switch e.Type {
	case KindRemote:
		return buildRemoteSpawner(e, routerEnv)
	default:
		return buildLocalSpawner(e, routerEnv)
	}
}

type localSpawner struct {
	id       string
	launcher *sandbox.Launcher
	command  string
	args     []string
	env      map[string]string
	passthru []string
	policy   sandbox.Policy
	opt      transport.Option
}

func (s *localSpawner) Spawn(ctx context.Context, handler transport.FrameHandler) (transport.Transport, error) {
	plan, err := s.launcher.Plan(s.command, s.args, s.env, s.passthru, s.policy)
	if err != nil {
		return nil, err
	}
	return stdio.Start(ctx, s.id, plan, s.opt, handler)
}

func buildLocalSpawner(e *ServerEntry, routerEnv map[string]string) (supervisor.Spawner, error) {
	sc, err := e.SandboxConfig()
	if err != nil {
		return nil, err
	}
	return &localSpawner{
		id: e.ID,
		launcher: &sandbox.Launcher{
			RouterEnv: routerEnv,
			Available: sandbox.DefaultAvailability(),
		},
		command:  e.Command,
		args:     e.Args,
		env:      e.Env,
		passthru: sc.EnvPassthrough,
		policy:   sc.Strategy,
		opt:      transport.DefaultOption(),
	}, nil
}

type remoteSpawner struct {
	id  string
	cfg sse.Config
}

func (s *remoteSpawner) Spawn(ctx context.Context, handler transport.FrameHandler) (transport.Transport, error) {
	return sse.Start(ctx, s.id, s.cfg, handler)
}

func buildRemoteSpawner(e *ServerEntry, routerEnv map[string]string) (supervisor.Spawner, error) {
	auth, err := e.Auth()
	if err != nil {
		return nil, err
	}
	retry := e.Retry()
	tlsCfg, err := resolveTLS(e.TLS(), routerEnv)
	if err != nil {
		return nil, rerr.NewError(rerr.ErrConfig, fmt.Sprintf("server %q: resolving tls config", e.ID), err)
	}

	url, err := envref.Resolve(e.URL, routerEnv)
	if err != nil {
		return nil, rerr.NewError(rerr.ErrConfig, fmt.Sprintf("server %q: resolving url", e.ID), err)
	}

	client, err := buildHTTPClient(tlsCfg)
	if err != nil {
		return nil, rerr.NewError(rerr.ErrConfig, fmt.Sprintf("server %q: building TLS client", e.ID), err)
	}

	sseAuth, err := buildAuth(e.ID, auth, routerEnv)
	if err != nil {
		return nil, err
	}

	cfg := sse.Config{
		URL:  url,
		Auth: sseAuth,
		Retry: sse.RetryPolicy{
			InitialBackoff: time.Duration(retry.InitialBackoffMs) * time.Millisecond,
			MaxBackoff:     time.Duration(retry.MaxBackoffMs) * time.Millisecond,
			MaxAttempts:    retry.MaxAttempts,
		},
		Client: client,
	}
	return &remoteSpawner{id: e.ID, cfg: cfg}, nil
}

// buildAuth resolves every env reference in the auth subobject's values
// (tokens, credentials, header values) against the router's environment
// before handing them to the transport, so a config can carry
// `"token": "$API_TOKEN"` without the literal string ever reaching the
// wire.
func buildAuth(id string, a AuthConfig, routerEnv map[string]string) (sse.Auth, error) {
	resolve := func(field, v string) (string, error) {
		r, err := envref.Resolve(v, routerEnv)
		if err != nil {
			return "", rerr.NewError(rerr.ErrConfig, fmt.Sprintf("server %q: resolving auth.%s", id, field), err)
		}
		return r, nil
	}

	switch a.Type {
	case AuthNone, "":
		return sse.Auth{Kind: sse.AuthNone}, nil
	case AuthBearer:
		token, err := resolve("token", a.Token)
		if err != nil {
			return sse.Auth{}, err
		}
		return sse.Auth{Kind: sse.AuthBearer, BearerToken: token}, nil
	case AuthBasic:
		user, err := resolve("username", a.Username)
		if err != nil {
			return sse.Auth{}, err
		}
		pass, err := resolve("password", a.Password)
		if err != nil {
			return sse.Auth{}, err
		}
		return sse.Auth{Kind: sse.AuthBasic, BasicUser: user, BasicPassword: pass}, nil
	case AuthCustom:
		headers := make(map[string]string, len(a.Headers))
		for k, v := range a.Headers {
			r, err := resolve("headers["+k+"]", v)
			if err != nil {
				return sse.Auth{}, err
			}
			headers[k] = r
		}
		return sse.Auth{Kind: sse.AuthCustom, CustomHeaders: headers}, nil
	case AuthOAuth:
		clientID, err := resolve("client_id", a.ClientID)
		if err != nil {
			return sse.Auth{}, err
		}
		clientSecret, err := resolve("client_secret", a.ClientSecret)
		if err != nil {
			return sse.Auth{}, err
		}
		ccCfg := &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     a.Provider,
			Scopes:       a.Scopes,
		}
		return sse.Auth{Kind: sse.AuthOAuth, OAuth: &oauthTokenSource{ts: ccCfg.TokenSource(context.Background())}}, nil
	default:
		return sse.Auth{}, rerr.NewError(rerr.ErrConfig, fmt.Sprintf("server %q: unknown auth type %q", id, a.Type), nil)
	}
}

// resolveTLS expands env references in the TLS cert/key paths, so deploys
// can point at mounted secrets via e.g. `"ca_cert": "${SECRETS_DIR}/ca.pem"`.
func resolveTLS(t TLSConfig, routerEnv map[string]string) (TLSConfig, error) {
	var err error
	if t.CACert, err = envref.Resolve(t.CACert, routerEnv); err != nil {
		return TLSConfig{}, err
	}
	if t.ClientCert, err = envref.Resolve(t.ClientCert, routerEnv); err != nil {
		return TLSConfig{}, err
	}
	if t.ClientKey, err = envref.Resolve(t.ClientKey, routerEnv); err != nil {
		return TLSConfig{}, err
	}
	return t, nil
}

// oauthTokenSource adapts golang.org/x/oauth2's TokenSource to the narrow
// interface sse.Auth needs, so the transport package stays free of an
// oauth2 dependency of its own.
type oauthTokenSource struct {
	ts oauth2.TokenSource
}

func (o *oauthTokenSource) Token(_ context.Context) (string, error) {
	tok, err := o.ts.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func buildHTTPClient(t TLSConfig) (*http.Client, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: !t.VerifyCert} // #nosec G402 -- explicit opt-out via config, not a default

	if t.CACert != "" {
		pem, err := os.ReadFile(t.CACert)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", t.CACert)
		}
		tlsConfig.RootCAs = pool
	}

	if t.ClientCert != "" && t.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(t.ClientCert, t.ClientKey)
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return &http.Client{Transport: &http.Transport{TLSClientConfig: tlsConfig}}, nil
}

