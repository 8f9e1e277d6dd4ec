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

// Package orchestrator owns the lifecycle of every plan: sequential
// step-gated approval, per-step execution over the session transport,
// terminal-state resolution and audit emission. All plan state is
// in-memory for the session lifetime.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/otium-ai/otium"
	"github.com/otium-ai/otium/lib/ai"
	"github.com/otium-ai/otium/lib/defaults"
	"github.com/otium-ai/otium/lib/events"
	"github.com/otium-ai/otium/lib/plan"
	"github.com/otium-ai/otium/lib/profile"
	"github.com/otium-ai/otium/lib/registry"
	"github.com/otium-ai/otium/lib/sshexec"
)

var executedSteps = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: otium.MetricExecutedSteps,
	Help: "Number of executed plan steps by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(executedSteps)
}

// PlanGenerator is the generation capability the orchestrator drives.
// *ai.Service satisfies it.
type PlanGenerator interface {
	GeneratePlan(ctx context.Context, req ai.GenerateRequest) (*plan.Plan, *ai.Normalization, error)
	Chat(ctx context.Context, hp *profile.HostProfile, planSummary, question string) string
}

// Session is the execution surface of one live session.
// *registry.Session satisfies it.
type Session interface {
	// Run executes one command over the session transport.
	Run(ctx context.Context, command string) (*sshexec.CommandResult, error)
	// Status is the session lifecycle state.
	Status() registry.Status
	// Alive reports whether the session can still execute.
	Alive() bool
	// Profile is the host snapshot captured at connect time.
	Profile() *profile.HostProfile
}

// Sessions is the registry surface the orchestrator needs.
type Sessions interface {
	Lookup(userID, sessionID string) (Session, error)
}

// RegistrySessions adapts the session registry to the Sessions
// interface.
func RegistrySessions(r *registry.Registry) Sessions {
	return registrySessions{registry: r}
}

type registrySessions struct {
	registry *registry.Registry
}

func (s registrySessions) Lookup(userID, sessionID string) (Session, error) {
	session, err := s.registry.Lookup(userID, sessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return session, nil
}

// Config configures an orchestrator.
type Config struct {
	// Sessions resolves session handles for execution.
	Sessions Sessions
	// Generator produces validated plans.
	Generator PlanGenerator
	// Emitter receives audit records.
	Emitter events.Emitter
	// Clock stamps decisions and messages.
	Clock clockwork.Clock
	// StepTimeout is the execution deadline for steps without a usable
	// duration hint.
	StepTimeout time.Duration
}

// CheckAndSetDefaults fills in defaults and validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Sessions == nil {
		return trace.BadParameter("missing parameter Sessions")
	}
	if c.Generator == nil {
		return trace.BadParameter("missing parameter Generator")
	}
	if c.Emitter == nil {
		c.Emitter = events.DiscardEmitter{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.StepTimeout == 0 {
		c.StepTimeout = defaults.StepTimeout
	}
	return nil
}

// planEntry pairs a plan with its exclusive-execution token. The
// mutex covers every step transition, message append and the audit
// emission for them, which keeps per-plan audit records in causal
// order at the sink.
type planEntry struct {
	mu   sync.Mutex
	plan *plan.Plan
}

// Orchestrator is the in-memory plan store and state machine driver.
type Orchestrator struct {
	cfg Config
	log *logrus.Entry

	mu    sync.RWMutex
	plans map[string]*planEntry
	// unresolvedBySession enforces one plan in flight per session.
	unresolvedBySession map[string]string
}

// New returns an orchestrator.
func New(config Config) (*Orchestrator, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Orchestrator{
		cfg: config,
		log: logrus.WithFields(logrus.Fields{
			otium.ComponentKey: otium.ComponentOrchestrator,
		}),
		plans:               make(map[string]*planEntry),
		unresolvedBySession: make(map[string]string),
	}, nil
}

// Submit generates a plan for the request against the session's cached
// host profile and stores it with all steps pending.
func (o *Orchestrator) Submit(ctx context.Context, userID, sessionID, requestText string) (*plan.Plan, error) {
	session, err := o.cfg.Sessions.Lookup(userID, sessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !session.Alive() {
		return nil, trace.ConnectionProblem(nil, "session %v is not available", sessionID)
	}

	o.mu.Lock()
	if unresolved, busy := o.unresolvedBySession[sessionID]; busy {
		o.mu.Unlock()
		return nil, trace.LimitExceeded("session %v already has unresolved plan %v", sessionID, unresolved)
	}
	o.mu.Unlock()

	generated, norm, err := o.cfg.Generator.GeneratePlan(ctx, ai.GenerateRequest{
		SessionID:   sessionID,
		UserID:      userID,
		RequestText: requestText,
		Profile:     session.Profile(),
	})
	if err != nil {
		o.emit(ctx, events.EventFields{
			events.EventAction:    events.PlanGenerationFailedEvent,
			events.EventUser:      userID,
			events.EventSessionID: sessionID,
			events.EventOutcome:   events.OutcomeFailed,
			events.EventDetail:    err.Error(),
		})
		return nil, trace.Wrap(err)
	}

	o.mu.Lock()
	// re-check under the lock so two concurrent submits cannot both
	// claim the session
	if unresolved, busy := o.unresolvedBySession[sessionID]; busy {
		o.mu.Unlock()
		return nil, trace.LimitExceeded("session %v already has unresolved plan %v", sessionID, unresolved)
	}
	o.plans[generated.ID] = &planEntry{plan: generated}
	o.unresolvedBySession[sessionID] = generated.ID
	o.mu.Unlock()

	fields := events.EventFields{
		events.EventAction:    events.PlanSubmittedEvent,
		events.EventUser:      userID,
		events.EventSessionID: sessionID,
		events.EventPlanID:    generated.ID,
		"risk":                string(generated.OverallRisk),
		"steps":               len(generated.Steps),
	}
	if norm != nil {
		if detail := norm.Summary(); detail != "" {
			fields[events.EventDetail] = detail
		}
	}
	o.emit(ctx, fields)

	o.log.WithFields(logrus.Fields{
		events.EventPlanID: generated.ID,
		"steps":            len(generated.Steps),
		"risk":             generated.OverallRisk,
	}).Info("Plan submitted.")
	return generated.Clone(), nil
}

// Get returns a read-only snapshot of the plan.
func (o *Orchestrator) Get(userID, planID string) (*plan.Plan, error) {
	entry, err := o.entry(userID, planID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.plan.Clone(), nil
}

// entry finds the plan entry, scoped to its owner.
func (o *Orchestrator) entry(userID, planID string) (*planEntry, error) {
	o.mu.RLock()
	entry := o.plans[planID]
	o.mu.RUnlock()
	if entry == nil || entry.plan.UserID != userID {
		return nil, trace.NotFound("plan %v not found for user %v", planID, userID)
	}
	return entry, nil
}

// markResolvedLocked releases the session's in-flight slot and emits
// plan.resolved. Callers hold the entry mutex.
func (o *Orchestrator) markResolvedLocked(ctx context.Context, entry *planEntry) {
	p := entry.plan
	o.mu.Lock()
	if o.unresolvedBySession[p.SessionID] == p.ID {
		delete(o.unresolvedBySession, p.SessionID)
	}
	o.mu.Unlock()

	outcome := events.OutcomeOK
	if p.Status() == plan.StatusFailed {
		outcome = events.OutcomeFailed
	}
	o.emit(ctx, events.EventFields{
		events.EventAction:  events.PlanResolvedEvent,
		events.EventUser:    p.UserID,
		events.EventPlanID:  p.ID,
		events.EventOutcome: outcome,
	})
	o.log.WithFields(logrus.Fields{
		events.EventPlanID: p.ID,
		"status":           p.Status(),
	}).Info("Plan resolved.")
}

func (o *Orchestrator) emit(ctx context.Context, fields events.EventFields) {
	if err := o.cfg.Emitter.EmitAuditEvent(ctx, fields); err != nil {
		o.log.WithError(err).Warn("Failed to emit audit event.")
	}
}
