// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sse implements the remote HTTP+SSE Transport: outbound requests
// are POSTed as JSON, inbound responses arrive on a long-lived SSE stream,
// and a dropped stream is retried with exponential backoff.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	rerr "github.com/stacklok/mcp-router/pkg/errors"
	"github.com/stacklok/mcp-router/pkg/jsonrpc"
	"github.com/stacklok/mcp-router/pkg/logger"
	"github.com/stacklok/mcp-router/pkg/transport"
)

// AuthKind selects how outbound requests (both the POST and the SSE GET)
// are authenticated.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthBearer AuthKind = "bearer"
	AuthBasic  AuthKind = "basic"
	AuthCustom AuthKind = "custom"
	AuthOAuth  AuthKind = "oauth"
)

// TokenSource yields the current bearer token for the oauth auth kind.
// golang.org/x/oauth2/clientcredentials.Config satisfies an equivalent
// shape via its TokenSource() method; callers adapt it to this interface.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Auth describes how a single backend authenticates its HTTP traffic.
type Auth struct {
	Kind          AuthKind
	BearerToken   string
	BasicUser     string
	BasicPassword string
	CustomHeaders map[string]string
	OAuth         TokenSource
}

func (a Auth) apply(ctx context.Context, req *http.Request) error {
	switch a.Kind {
	case "", AuthNone:
		return nil
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+a.BearerToken)
	case AuthBasic:
		req.SetBasicAuth(a.BasicUser, a.BasicPassword)
	case AuthCustom:
		for k, v := range a.CustomHeaders {
			req.Header.Set(k, v)
		}
	case AuthOAuth:
		if a.OAuth == nil {
			return rerr.NewError(rerr.ErrConfig, "oauth auth policy configured without a token source", nil)
		}
		tok, err := a.OAuth.Token(ctx)
		if err != nil {
			return rerr.NewError(rerr.ErrHandshake, "obtaining oauth token", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	default:
		return rerr.NewError(rerr.ErrConfig, fmt.Sprintf("unknown auth kind %q", a.Kind), nil)
	}
	return nil
}

// RetryPolicy controls SSE reconnect backoff.
type RetryPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
}

// DefaultRetryPolicy is 500ms doubling to a 30s cap, 10 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{InitialBackoff: 500 * time.Millisecond, MaxBackoff: 30 * time.Second, MaxAttempts: 10}
}

// Config is the set of knobs Start needs to bring up a remote backend.
type Config struct {
	URL    string
	Auth   Auth
	Retry  RetryPolicy
	Client *http.Client // nil means http.DefaultClient
}

// Transport is the remote HTTP+SSE concretion of transport.Transport.
type Transport struct {
	backendID string
	cfg       Config
	handler   transport.FrameHandler

	client *http.Client

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// Start opens the long-lived SSE stream and returns a Transport ready to
// POST outbound requests immediately; the SSE connection itself is
// established asynchronously and reconnects on its own per cfg.Retry.
func Start(parent context.Context, backendID string, cfg Config, handler transport.FrameHandler) (*Transport, error) {
	if cfg.URL == "" {
		return nil, rerr.NewError(rerr.ErrConfig, "remote backend requires a url", nil)
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}

	ctx, cancel := context.WithCancel(parent)
	t := &Transport{
		backendID: backendID,
		cfg:       cfg,
		handler:   handler,
		client:    client,
		ctx:       ctx,
		cancel:    cancel,
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	go t.streamLoop()
	return t, nil
}

func (t *Transport) streamLoop() {
	defer close(t.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = nonZero(t.cfg.Retry.InitialBackoff, 500*time.Millisecond)
	b.MaxInterval = nonZero(t.cfg.Retry.MaxBackoff, 30*time.Second)
	b.Multiplier = 2

	maxAttempts := t.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	attempts := 0
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		err := t.runStream()
		if t.ctx.Err() != nil {
			return
		}
		attempts++
		logger.ForBackend(t.backendID).Warn("sse stream ended, reconnecting", "error", err, "attempt", attempts)

		if attempts >= maxAttempts {
			cause := rerr.NewError(rerr.ErrTransportGone, "sse stream exhausted its reconnect attempts", err).WithBackend(t.backendID)
			t.finish(cause)
			return
		}

		next := b.NextBackOff()
		if next == backoff.Stop {
			next = b.MaxInterval
		}
		select {
		case <-time.After(next):
		case <-t.ctx.Done():
			return
		}
	}
}

func nonZero(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// runStream opens one SSE connection and reads it until it ends or errs.
func (t *Transport) runStream() error {
	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.cfg.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if err := t.cfg.Auth.apply(t.ctx, req); err != nil {
		return err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sse stream returned status %d", resp.StatusCode)
	}

	return t.consumeEvents(resp.Body)
}

// consumeEvents parses a text/event-stream body, dispatching each
// "message" event's data as one JSON-RPC frame.
func (t *Transport) consumeEvents(body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var eventName string
	var dataLines []string
	flush := func() {
		if len(dataLines) == 0 {
			return
		}
		if eventName == "" || eventName == "message" {
			data := strings.Join(dataLines, "\n")
			var frame jsonrpc.Frame
			if err := json.Unmarshal([]byte(data), &frame); err != nil {
				logger.ForBackend(t.backendID).Warn("dropping malformed sse event", "error", err)
			} else {
				t.handler.HandleFrame(frame)
			}
		}
		eventName = ""
		dataLines = nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// ignore id:/retry:/comment lines; the reconnect policy is
			// governed by our own backoff, not the server's retry: hint.
		}
	}
	flush()
	return scanner.Err()
}

// SendRequest implements transport.Transport by POSTing the request body.
func (t *Transport) SendRequest(ctx context.Context, id any, method string, params any) error {
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return err
	}
	return t.post(ctx, req)
}

// SendNotification implements transport.Transport.
func (t *Transport) SendNotification(ctx context.Context, method string, params any) error {
	req, err := jsonrpc.NewRequest(nil, method, params)
	if err != nil {
		return err
	}
	return t.post(ctx, req)
}

func (t *Transport) post(ctx context.Context, frame any) error {
	body, err := json.Marshal(frame)
	if err != nil {
		return rerr.NewError(rerr.ErrProtocol, "marshalling outbound frame", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return rerr.NewError(rerr.ErrTransport, "building outbound request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := t.cfg.Auth.apply(ctx, httpReq); err != nil {
		return err
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return rerr.NewError(rerr.ErrTransport, "posting request to backend", err).WithBackend(t.backendID)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return rerr.NewError(rerr.ErrTransport, fmt.Sprintf("backend returned status %d", resp.StatusCode), nil).WithBackend(t.backendID)
	}
	return nil
}

func (t *Transport) finish(cause error) {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.handler.HandleClosed(cause)
	})
}

// Close implements transport.Transport by cancelling the stream context
// and waiting for the reconnect loop to exit.
func (t *Transport) Close(ctx context.Context) error {
	t.cancel()
	select {
	case <-t.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.finish(nil)
	return nil
}
