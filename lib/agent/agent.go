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

// Package agent is the external operation surface of the control
// plane. It validates inputs, seals credentials on arrival and
// delegates to the registry and the orchestrator; the HTTP layer is a
// thin adapter over this package.
package agent

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/otium-ai/otium"
	"github.com/otium-ai/otium/lib/defaults"
	"github.com/otium-ai/otium/lib/orchestrator"
	"github.com/otium-ai/otium/lib/plan"
	"github.com/otium-ai/otium/lib/registry"
	"github.com/otium-ai/otium/lib/secret"
)

// Config configures the agent facade.
type Config struct {
	// Vault seals submitted credentials before they touch the
	// registry.
	Vault *secret.Vault
	// Registry owns the live sessions.
	Registry *registry.Registry
	// Orchestrator owns the plans.
	Orchestrator *orchestrator.Orchestrator
	// Clock is used for status reporting.
	Clock clockwork.Clock
}

// CheckAndSetDefaults fills in defaults and validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Vault == nil {
		return trace.BadParameter("missing parameter Vault")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Orchestrator == nil {
		return trace.BadParameter("missing parameter Orchestrator")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Agent exposes the control plane operations, one method per external
// operation.
type Agent struct {
	cfg Config
	log *logrus.Entry
}

// New returns an agent facade.
func New(config Config) (*Agent, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Agent{
		cfg: config,
		log: logrus.WithFields(logrus.Fields{
			otium.ComponentKey: otium.ComponentAgent,
		}),
	}, nil
}

// ConnectParams carries a connect request. Credential is password or
// private-key material, disambiguated downstream by content.
type ConnectParams struct {
	Hostname   string
	Port       int
	Username   string
	Credential string
}

// ConnectResult reports the established session.
type ConnectResult struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// Connect validates the target, seals the credential and opens a
// session. The plaintext credential is zeroed before return.
func (a *Agent) Connect(ctx context.Context, userID string, params ConnectParams) (*ConnectResult, error) {
	if err := validateUserID(userID); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := validateHostname(params.Hostname); err != nil {
		return nil, trace.Wrap(err)
	}
	if params.Port == 0 {
		params.Port = defaults.SSHPort
	}
	if err := validatePort(params.Port); err != nil {
		return nil, trace.Wrap(err)
	}
	if params.Username == "" {
		return nil, trace.BadParameter("missing username")
	}
	if params.Credential == "" {
		return nil, trace.BadParameter("missing credential")
	}

	credential := []byte(params.Credential)
	sealed, err := a.cfg.Vault.Seal(credential)
	secret.Zero(credential)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	session, err := a.cfg.Registry.Connect(ctx, registry.ConnectRequest{
		UserID:           userID,
		Hostname:         params.Hostname,
		Port:             params.Port,
		Username:         params.Username,
		SealedCredential: sealed,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &ConnectResult{
		SessionID: session.ID,
		Status:    session.Status().String(),
	}, nil
}

// Disconnect closes one session, or every session of the user when
// sessionID is empty. Idempotent.
func (a *Agent) Disconnect(ctx context.Context, userID, sessionID string) error {
	if err := validateUserID(userID); err != nil {
		return trace.Wrap(err)
	}
	if sessionID == "" {
		a.cfg.Registry.TerminateUser(ctx, userID)
		return nil
	}
	a.cfg.Registry.Disconnect(ctx, userID, sessionID)
	return nil
}

// SessionStatus is one row of the status report.
type SessionStatus struct {
	Hostname    string    `json:"hostname"`
	Username    string    `json:"username"`
	Port        int       `json:"port"`
	Status      string    `json:"status"`
	Alive       bool      `json:"alive"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Status reports every live session of the user.
func (a *Agent) Status(userID string) (map[string]SessionStatus, error) {
	if err := validateUserID(userID); err != nil {
		return nil, trace.Wrap(err)
	}
	out := make(map[string]SessionStatus)
	for _, session := range a.cfg.Registry.List(userID) {
		out[session.ID] = SessionStatus{
			Hostname:    session.Hostname,
			Username:    session.Username,
			Port:        session.Port,
			Status:      session.Status().String(),
			Alive:       session.Alive(),
			ConnectedAt: session.CreatedAt,
		}
	}
	return out, nil
}

// SessionCount reports live sessions across all users, for health
// reporting.
func (a *Agent) SessionCount() int {
	return a.cfg.Registry.Count()
}

// Submit validates the request and generates a plan against the
// session.
func (a *Agent) Submit(ctx context.Context, userID, sessionID, requestText string) (*plan.Plan, error) {
	if err := validateUserID(userID); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := validateRequest(requestText); err != nil {
		return nil, trace.Wrap(err)
	}
	p, err := a.cfg.Orchestrator.Submit(ctx, userID, sessionID, requestText)
	return p, trace.Wrap(err)
}

// GetPlan returns a read-only plan snapshot.
func (a *Agent) GetPlan(userID, planID string) (*plan.Plan, error) {
	if err := validateUserID(userID); err != nil {
		return nil, trace.Wrap(err)
	}
	p, err := a.cfg.Orchestrator.Get(userID, planID)
	return p, trace.Wrap(err)
}

// Respond reviews one step.
func (a *Agent) Respond(ctx context.Context, userID, planID string, stepIndex int, approved bool, reason string) (*orchestrator.StepOutcome, error) {
	if err := validateUserID(userID); err != nil {
		return nil, trace.Wrap(err)
	}
	outcome, err := a.cfg.Orchestrator.Respond(ctx, userID, planID, stepIndex, approved, reason)
	return outcome, trace.Wrap(err)
}

// RespondAll reviews every remaining pending step with one verdict.
func (a *Agent) RespondAll(ctx context.Context, userID, planID string, approved bool, reason string) (*orchestrator.RespondSummary, error) {
	if err := validateUserID(userID); err != nil {
		return nil, trace.Wrap(err)
	}
	summary, err := a.cfg.Orchestrator.RespondAll(ctx, userID, planID, approved, reason)
	return summary, trace.Wrap(err)
}

// Chat appends a discussion message to a plan and answers it.
func (a *Agent) Chat(ctx context.Context, userID, planID, message string) (*orchestrator.ChatExchange, error) {
	if err := validateUserID(userID); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := validateRequest(message); err != nil {
		return nil, trace.Wrap(err)
	}
	exchange, err := a.cfg.Orchestrator.Chat(ctx, userID, planID, message)
	return exchange, trace.Wrap(err)
}

// BeaconLeave terminates every session of a departing client. The
// registry close cascades into any in-flight execution. Idempotent:
// repeated beacons terminate the same sessions exactly once.
func (a *Agent) BeaconLeave(ctx context.Context, userID string) error {
	if err := validateUserID(userID); err != nil {
		return trace.Wrap(err)
	}
	terminated := a.cfg.Registry.TerminateUser(ctx, userID)
	a.log.WithFields(logrus.Fields{
		"user":     userID,
		"sessions": terminated,
	}).Info("Client departure beacon processed.")
	return nil
}
