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

// Package registry owns the per-user pools of live SSH sessions:
// connect, lookup, disconnect, liveness probing and idle eviction.
// The registry is the single writer for session lifecycle.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/otium-ai/otium"
	"github.com/otium-ai/otium/lib/defaults"
	"github.com/otium-ai/otium/lib/events"
	"github.com/otium-ai/otium/lib/profile"
	"github.com/otium-ai/otium/lib/secret"
	"github.com/otium-ai/otium/lib/sshexec"
)

var activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: otium.MetricActiveSessions,
	Help: "Number of live SSH sessions across all users.",
})

func init() {
	prometheus.MustRegister(activeSessions)
}

// DialFunc opens a transport to a host. Production wires sshexec.Open;
// tests substitute fakes.
type DialFunc func(ctx context.Context, cfg sshexec.Config) (Transport, error)

// SSHDial is the production DialFunc.
func SSHDial(ctx context.Context, cfg sshexec.Config) (Transport, error) {
	client, err := sshexec.Open(ctx, cfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return client, nil
}

// Config configures a session registry.
type Config struct {
	// Vault unseals submitted credentials.
	Vault *secret.Vault
	// Dial opens transports, SSHDial when nil.
	Dial DialFunc
	// Profiler captures the connect-time host snapshot.
	Profiler *profile.Profiler
	// Emitter receives audit records.
	Emitter events.Emitter
	// Clock drives heartbeats and idle eviction.
	Clock clockwork.Clock
	// HeartbeatInterval is the probe period.
	HeartbeatInterval time.Duration
	// HeartbeatFailureLimit is the consecutive-failure eviction bound.
	HeartbeatFailureLimit int
	// IdleTimeout evicts sessions with no execution activity.
	IdleTimeout time.Duration
	// MaxSessionsPerUser caps concurrent sessions per tenant.
	MaxSessionsPerUser int
	// ConnectTimeout bounds transport dialing.
	ConnectTimeout time.Duration
	// MaxOutputBytes caps captured stdout/stderr per command.
	MaxOutputBytes int
}

// CheckAndSetDefaults fills in defaults and validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Vault == nil {
		return trace.BadParameter("missing parameter Vault")
	}
	if c.Profiler == nil {
		return trace.BadParameter("missing parameter Profiler")
	}
	if c.Dial == nil {
		c.Dial = SSHDial
	}
	if c.Emitter == nil {
		c.Emitter = events.DiscardEmitter{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if c.HeartbeatFailureLimit == 0 {
		c.HeartbeatFailureLimit = defaults.HeartbeatFailureLimit
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaults.SessionIdleTimeout
	}
	if c.MaxSessionsPerUser == 0 {
		c.MaxSessionsPerUser = defaults.MaxSessionsPerUser
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaults.ConnectTimeout
	}
	if c.MaxOutputBytes == 0 {
		c.MaxOutputBytes = defaults.MaxOutputBytes
	}
	return nil
}

// Registry is the thread-safe per-user session map.
type Registry struct {
	cfg Config
	log *logrus.Entry

	mu sync.RWMutex
	// sessions is keyed by user id, then session id.
	sessions map[string]map[string]*Session

	closeOnce sync.Once
	done      chan struct{}
}

// New returns a session registry. Call Start to run the liveness
// monitor and Close on shutdown.
func New(config Config) (*Registry, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Registry{
		cfg: config,
		log: logrus.WithFields(logrus.Fields{
			otium.ComponentKey: otium.ComponentRegistry,
		}),
		sessions: make(map[string]map[string]*Session),
		done:     make(chan struct{}),
	}, nil
}

// ConnectRequest carries everything a connect needs. Credential is the
// sealed blob produced at submission time.
type ConnectRequest struct {
	UserID           string
	Hostname         string
	Port             int
	Username         string
	SealedCredential []byte
}

// Connect unseals the credential, dials the host, captures the host
// profile and registers the session. The plaintext credential is
// zeroed before return on every path.
func (r *Registry) Connect(ctx context.Context, req ConnectRequest) (*Session, error) {
	if req.Port == 0 {
		req.Port = defaults.SSHPort
	}

	if count := len(r.List(req.UserID)); count >= r.cfg.MaxSessionsPerUser {
		return nil, trace.LimitExceeded("user %v reached the session limit of %v", req.UserID, r.cfg.MaxSessionsPerUser)
	}

	credential, err := r.cfg.Vault.Open(req.SealedCredential)
	if err != nil {
		r.emitConnect(ctx, req, "", events.OutcomeFailed, "credential unseal failed")
		if secret.IsIntegrityError(err) {
			return nil, trace.AccessDenied("credential rejected: %v", err)
		}
		return nil, trace.Wrap(err)
	}
	defer secret.Zero(credential)

	transport, err := r.cfg.Dial(ctx, sshexec.Config{
		Hostname:       req.Hostname,
		Port:           req.Port,
		Username:       req.Username,
		Credential:     credential,
		DialTimeout:    r.cfg.ConnectTimeout,
		MaxOutputBytes: r.cfg.MaxOutputBytes,
		Clock:          r.cfg.Clock,
	})
	if err != nil {
		r.emitConnect(ctx, req, "", events.OutcomeFailed, err.Error())
		return nil, trace.Wrap(err)
	}

	now := r.cfg.Clock.Now().UTC()
	session := &Session{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Hostname:  req.Hostname,
		Port:      req.Port,
		Username:  req.Username,
		CreatedAt: now,
		transport: transport,
		clock:     r.cfg.Clock,
	}
	session.status.Store(int32(StatusConnected))
	session.lastActivity.Store(now.UnixNano())
	session.lastHeartbeat.Store(now.UnixNano())

	// the snapshot is captured once here and reused by every submit
	session.hostProfile = r.cfg.Profiler.Profile(ctx, transport)

	r.mu.Lock()
	userSessions := r.sessions[req.UserID]
	if userSessions == nil {
		userSessions = make(map[string]*Session)
		r.sessions[req.UserID] = userSessions
	}
	userSessions[session.ID] = session
	r.mu.Unlock()
	activeSessions.Inc()

	r.log.WithFields(logrus.Fields{
		"user":                req.UserID,
		events.EventSessionID: session.ID,
		"addr":                req.Hostname,
	}).Info("Session connected.")
	r.emitConnect(ctx, req, session.ID, events.OutcomeOK, "")
	return session, nil
}

// Disconnect removes the session and closes its transport. Idempotent:
// disconnecting an unknown or already-closed session succeeds quietly.
func (r *Registry) Disconnect(ctx context.Context, userID, sessionID string) {
	r.mu.Lock()
	session := r.sessions[userID][sessionID]
	if session != nil {
		delete(r.sessions[userID], sessionID)
		if len(r.sessions[userID]) == 0 {
			delete(r.sessions, userID)
		}
	}
	r.mu.Unlock()
	if session == nil {
		return
	}
	r.closeSession(ctx, session, events.SessionDisconnectEvent, "")
}

// Lookup finds a live session.
func (r *Registry) Lookup(userID, sessionID string) (*Session, error) {
	r.mu.RLock()
	session := r.sessions[userID][sessionID]
	r.mu.RUnlock()
	if session == nil {
		return nil, trace.NotFound("session %v not found for user %v", sessionID, userID)
	}
	return session, nil
}

// List returns the user's sessions in unspecified order.
func (r *Registry) List(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions[userID]))
	for _, session := range r.sessions[userID] {
		out = append(out, session)
	}
	return out
}

// Count returns the number of live sessions across all users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, userSessions := range r.sessions {
		total += len(userSessions)
	}
	return total
}

// TerminateUser disconnects every session the user owns. Invoked on
// the client-departure beacon; in-flight executions observe the
// transport close and fail with a session-closed result.
func (r *Registry) TerminateUser(ctx context.Context, userID string) int {
	r.mu.Lock()
	userSessions := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()

	for _, session := range userSessions {
		r.closeSession(ctx, session, events.SessionDisconnectEvent, "client departure")
	}
	return len(userSessions)
}

// Close stops the monitor and tears down every session.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})

	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]map[string]*Session)
	r.mu.Unlock()

	ctx := context.Background()
	for _, userSessions := range all {
		for _, session := range userSessions {
			r.closeSession(ctx, session, events.SessionDisconnectEvent, "shutdown")
		}
	}
}

// closeSession closes the transport exactly once per session and emits
// the given lifecycle event.
func (r *Registry) closeSession(ctx context.Context, session *Session, action, detail string) {
	if session.Status() == StatusClosed {
		return
	}
	session.markClosed()
	if err := session.transport.Close(); err != nil {
		r.log.WithError(err).Debug("Transport close failed.")
	}
	activeSessions.Dec()

	fields := events.EventFields{
		events.EventAction:    action,
		events.EventUser:      session.UserID,
		events.EventSessionID: session.ID,
	}
	if detail != "" {
		fields[events.EventDetail] = detail
	}
	if err := r.cfg.Emitter.EmitAuditEvent(ctx, fields); err != nil {
		r.log.WithError(err).Warn("Failed to emit audit event.")
	}
}

func (r *Registry) emitConnect(ctx context.Context, req ConnectRequest, sessionID, outcome, detail string) {
	fields := events.EventFields{
		events.EventAction:  events.SessionConnectEvent,
		events.EventUser:    req.UserID,
		events.EventOutcome: outcome,
		"addr":              req.Hostname,
	}
	if sessionID != "" {
		fields[events.EventSessionID] = sessionID
	}
	if detail != "" {
		fields[events.EventDetail] = detail
	}
	if err := r.cfg.Emitter.EmitAuditEvent(ctx, fields); err != nil {
		r.log.WithError(err).Warn("Failed to emit audit event.")
	}
}
