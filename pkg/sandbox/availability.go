// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"os/exec"
	"time"

	"github.com/docker/docker/client"

	"github.com/stacklok/mcp-router/pkg/logger"
)

// DefaultAvailability builds an Available func that probes each sandbox
// kind the way that kind is actually checked in practice: docker/podman by
// pinging the daemon over its client SDK (cheap, and distinguishes "no
// daemon" from "hung spawn" far faster than waiting on a timed-out exec),
// firejail/bubblewrap by checking the binary is on PATH.
func DefaultAvailability() func(Kind) bool {
	return func(k Kind) bool {
		switch k {
		case KindDocker:
			return dockerDaemonReachable("")
		case KindPodman:
			// podman exposes a docker-compatible API socket; the caller is
			// expected to have DOCKER_HOST pointed at it.
			return dockerDaemonReachable("")
		case KindFirejail:
			return binaryOnPath("firejail")
		case KindBubblewrap:
			return binaryOnPath("bwrap")
		default:
			return true
		}
	}
}

func dockerDaemonReachable(host string) bool {
	var opts []client.Opt
	opts = append(opts, client.FromEnv, client.WithAPIVersionNegotiation())
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		logger.Get().Debug("docker client construction failed", "error", err)
		return false
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := cli.Ping(ctx); err != nil {
		logger.Get().Debug("docker daemon ping failed", "error", err)
		return false
	}
	return true
}

func binaryOnPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
