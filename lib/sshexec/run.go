/*
Copyright 2024 Otium Labs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sshexec

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
)

const (
	// heartbeatCommand is the cheap idempotent liveness probe.
	heartbeatCommand = "true"

	// stderrDeadlineExceeded and stderrSessionClosed are the reserved
	// stderr payloads for client-side failures (exit code -1).
	stderrDeadlineExceeded = "deadline exceeded"
	stderrSessionClosed    = "session closed"
)

// Run executes one command over a fresh exec channel on the shared
// connection. The context deadline aborts the execution; the result
// then carries exit code -1 with stderr "deadline exceeded". A
// concurrent Close makes the result carry exit code -1 with stderr
// "session closed". The returned result is always non-nil.
func (c *Client) Run(ctx context.Context, command string) (*CommandResult, error) {
	started := c.cfg.Clock.Now()

	if c.closed.Load() {
		return c.clientFailure(started, stderrSessionClosed), trace.ConnectionProblem(nil, "session closed")
	}

	session, err := c.client.NewSession()
	if err != nil {
		return c.clientFailure(started, stderrSessionClosed), trace.ConnectionProblem(err, "failed to open exec channel")
	}
	defer session.Close()

	stdout := newCapWriter(c.cfg.MaxOutputBytes)
	stderr := newCapWriter(c.cfg.MaxOutputBytes)
	session.Stdout = stdout
	session.Stderr = stderr

	if err := session.Start(command); err != nil {
		return c.clientFailure(started, stderrSessionClosed), trace.ConnectionProblem(err, "failed to start command")
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case <-ctx.Done():
		// best effort: ask the remote side to die, then sever the channel
		session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return c.clientFailure(started, stderrDeadlineExceeded), trace.LimitExceeded("command deadline exceeded")
		}
		return c.clientFailure(started, stderrSessionClosed), trace.ConnectionProblem(ctx.Err(), "session closed")
	case waitErr := <-done:
		finished := c.cfg.Clock.Now()
		result := &CommandResult{
			ExitCode:   0,
			Stdout:     stdout.Bytes(),
			Stderr:     stderr.Bytes(),
			StartedAt:  started,
			FinishedAt: finished,
			Duration:   finished.Sub(started),
		}
		if waitErr == nil {
			return result, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		var missingErr *ssh.ExitMissingError
		if errors.As(waitErr, &missingErr) || strings.Contains(waitErr.Error(), "exited without exit status") {
			// the remote process died without reporting status, the
			// message was printed to stderr by the remote side
			result.ExitCode = 1
			return result, nil
		}
		if c.closed.Load() {
			return c.clientFailure(started, stderrSessionClosed), trace.ConnectionProblem(waitErr, "session closed")
		}
		result.ExitCode = -1
		result.Stderr = appendReason(result.Stderr, waitErr.Error())
		return result, trace.ConnectionProblem(waitErr, "command channel failed")
	}
}

// Heartbeat issues the cheap idempotent probe and reports liveness.
// Any error counts as a failed probe.
func (c *Client) Heartbeat(ctx context.Context) bool {
	if c.closed.Load() {
		return false
	}
	result, err := c.Run(ctx, heartbeatCommand)
	return err == nil && result.Success()
}

// clientFailure builds the reserved exit -1 result for failures that
// happened on our side of the channel.
func (c *Client) clientFailure(started time.Time, reason string) *CommandResult {
	finished := c.cfg.Clock.Now()
	return &CommandResult{
		ExitCode:   -1,
		Stderr:     []byte(reason),
		StartedAt:  started,
		FinishedAt: finished,
		Duration:   finished.Sub(started),
	}
}

func appendReason(stderr []byte, reason string) []byte {
	if len(stderr) == 0 {
		return []byte(reason)
	}
	return append(append(stderr, '\n'), reason...)
}

// isAuthError recognizes authentication failures surfaced by the ssh
// package during the handshake.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "no supported methods remain")
}
