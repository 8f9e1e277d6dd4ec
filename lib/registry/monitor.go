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

	"github.com/sirupsen/logrus"

	"github.com/otium-ai/otium/lib/events"
)

// Start runs the liveness monitor until Close is called or the context
// is cancelled. One scheduler covers all sessions: each tick it probes
// liveness and evicts idle or unresponsive sessions.
func (r *Registry) Start(ctx context.Context) {
	ticker := r.cfg.Clock.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.sweep(ctx)
		case <-r.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweep runs one monitor pass over a snapshot of all sessions.
func (r *Registry) sweep(ctx context.Context) {
	r.mu.RLock()
	var snapshot []*Session
	for _, userSessions := range r.sessions {
		for _, session := range userSessions {
			snapshot = append(snapshot, session)
		}
	}
	r.mu.RUnlock()

	now := r.cfg.Clock.Now()
	for _, session := range snapshot {
		if session.Status() == StatusClosed {
			continue
		}
		if now.Sub(session.LastActivity()) >= r.cfg.IdleTimeout {
			r.evict(ctx, session, "idle timeout")
			continue
		}
		r.probe(ctx, session)
	}
}

// probe issues one heartbeat. A success resets the consecutive-failure
// counter; reaching the failure limit evicts the session. A degraded
// session is evicted on its first failed probe.
func (r *Registry) probe(ctx context.Context, session *Session) {
	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.HeartbeatInterval)
	defer cancel()

	if session.transport.Heartbeat(probeCtx) {
		session.markHeartbeatOK()
		return
	}

	session.heartbeatFailures++
	r.log.WithFields(logrus.Fields{
		events.EventSessionID: session.ID,
		"failures":            session.heartbeatFailures,
	}).Warn("Session heartbeat failed.")
	r.emitSessionEvent(ctx, session, events.SessionHeartbeatFailedEvent, events.OutcomeFailed, "")

	if session.heartbeatFailures >= r.cfg.HeartbeatFailureLimit || session.Status() == StatusDegraded {
		r.evict(ctx, session, "heartbeat failure")
	}
}

// evict removes the session from the map and closes it.
func (r *Registry) evict(ctx context.Context, session *Session, reason string) {
	r.mu.Lock()
	delete(r.sessions[session.UserID], session.ID)
	if len(r.sessions[session.UserID]) == 0 {
		delete(r.sessions, session.UserID)
	}
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		events.EventSessionID: session.ID,
		"reason":              reason,
	}).Info("Session evicted.")
	r.closeSession(ctx, session, events.SessionEvictedEvent, reason)
}

func (r *Registry) emitSessionEvent(ctx context.Context, session *Session, action, outcome, detail string) {
	fields := events.EventFields{
		events.EventAction:    action,
		events.EventUser:      session.UserID,
		events.EventSessionID: session.ID,
		events.EventOutcome:   outcome,
	}
	if detail != "" {
		fields[events.EventDetail] = detail
	}
	if err := r.cfg.Emitter.EmitAuditEvent(ctx, fields); err != nil {
		r.log.WithError(err).Warn("Failed to emit audit event.")
	}
}
