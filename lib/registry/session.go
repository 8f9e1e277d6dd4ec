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

package registry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/otium-ai/otium/lib/profile"
	"github.com/otium-ai/otium/lib/sshexec"
)

// Transport is the live channel a session executes over.
// *sshexec.Client satisfies it; tests substitute fakes.
type Transport interface {
	// Run executes one command on the host.
	Run(ctx context.Context, command string) (*sshexec.CommandResult, error)
	// Heartbeat probes channel liveness.
	Heartbeat(ctx context.Context) bool
	// Close tears the channel down, safe to call multiple times.
	Close() error
}

// Status is the session lifecycle state.
type Status int32

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDegraded
	// StatusClosed is terminal.
	StatusClosed
)

// String returns the wire representation of the status.
func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDegraded:
		return "degraded"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

// Session is one live SSH channel owned by the registry. Lifecycle
// writes go through the registry; the hot fields status and
// last-activity are atomics so the execution path never takes the
// registry lock.
type Session struct {
	// ID is the registry-assigned session identifier.
	ID string
	// UserID is the owning tenant.
	UserID string
	// Hostname is the target host.
	Hostname string
	// Port is the SSH port.
	Port int
	// Username is the remote login.
	Username string
	// CreatedAt is the connect timestamp.
	CreatedAt time.Time

	transport Transport
	clock     clockwork.Clock

	// hostProfile is captured once at connect and read-only after.
	hostProfile *profile.HostProfile

	status        atomic.Int32
	lastActivity  atomic.Int64 // unix nanos
	lastHeartbeat atomic.Int64 // unix nanos

	// heartbeatFailures is only touched by the monitor goroutine.
	heartbeatFailures int
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	return Status(s.status.Load())
}

// Alive reports whether the session can still execute commands.
func (s *Session) Alive() bool {
	switch s.Status() {
	case StatusConnected, StatusDegraded:
		return true
	}
	return false
}

// Profile returns the host snapshot captured at connect time.
func (s *Session) Profile() *profile.HostProfile {
	return s.hostProfile
}

// LastActivity returns the time of the last successful execution.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// LastHeartbeat returns the time of the last successful probe.
func (s *Session) LastHeartbeat() time.Time {
	return time.Unix(0, s.lastHeartbeat.Load())
}

// Run executes one command over the session transport. A successful
// execution advances last-activity; a transport-level failure degrades
// the session so the monitor gives it one probe to prove itself.
func (s *Session) Run(ctx context.Context, command string) (*sshexec.CommandResult, error) {
	if s.Status() == StatusClosed {
		return nil, trace.ConnectionProblem(nil, "session %v is closed", s.ID)
	}
	result, err := s.transport.Run(ctx, command)
	if err != nil {
		s.markDegraded()
		return result, trace.Wrap(err)
	}
	s.touch()
	return result, nil
}

// touch advances last-activity, strictly: a fake clock that has not
// moved still produces an increase.
func (s *Session) touch() {
	now := s.clock.Now().UnixNano()
	for {
		prev := s.lastActivity.Load()
		next := now
		if next <= prev {
			next = prev + 1
		}
		if s.lastActivity.CompareAndSwap(prev, next) {
			return
		}
	}
}

func (s *Session) markDegraded() {
	s.status.CompareAndSwap(int32(StatusConnected), int32(StatusDegraded))
}

// markClosed is terminal: no state leaves closed.
func (s *Session) markClosed() {
	s.status.Store(int32(StatusClosed))
}

// markHeartbeatOK records a successful probe and restores a degraded
// session, the probe having proven the channel works.
func (s *Session) markHeartbeatOK() {
	s.lastHeartbeat.Store(s.clock.Now().UnixNano())
	s.heartbeatFailures = 0
	s.status.CompareAndSwap(int32(StatusDegraded), int32(StatusConnected))
}
