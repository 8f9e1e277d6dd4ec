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

package ai

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/otium-ai/otium"
	"github.com/otium-ai/otium/lib/defaults"
	"github.com/otium-ai/otium/lib/plan"
	"github.com/otium-ai/otium/lib/profile"
)

// ServiceConfig configures the plan generation service.
type ServiceConfig struct {
	// Generator produces raw model completions.
	Generator Generator
	// GenerateTimeout bounds one generation call end to end.
	GenerateTimeout time.Duration
	// Clock stamps generated plans.
	Clock clockwork.Clock
}

// CheckAndSetDefaults fills in defaults and validates the config.
func (c *ServiceConfig) CheckAndSetDefaults() error {
	if c.Generator == nil {
		return trace.BadParameter("missing parameter Generator")
	}
	if c.GenerateTimeout == 0 {
		c.GenerateTimeout = defaults.GenerateTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Service turns natural-language requests into validated plans.
type Service struct {
	cfg ServiceConfig
	log *logrus.Entry
}

// NewService returns a plan generation service.
func NewService(config ServiceConfig) (*Service, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{
		cfg: config,
		log: logrus.WithFields(logrus.Fields{
			otium.ComponentKey: otium.ComponentGenerator,
		}),
	}, nil
}

// GenerateRequest carries everything a generation needs.
type GenerateRequest struct {
	// SessionID names the session the plan will execute on.
	SessionID string
	// UserID is the requesting tenant.
	UserID string
	// RequestText is the raw natural-language request.
	RequestText string
	// Profile is the host snapshot captured at connect time.
	Profile *profile.HostProfile
}

// GeneratePlan runs one model call under the configured deadline and
// returns a fully validated plan with all steps pending. The second
// return value reports any risk normalization performed, nil when the
// model output was clean.
func (s *Service) GeneratePlan(ctx context.Context, req GenerateRequest) (*plan.Plan, *Normalization, error) {
	genCtx, cancel := context.WithTimeout(ctx, s.cfg.GenerateTimeout)
	defer cancel()

	output, err := s.cfg.Generator.Complete(genCtx,
		BuildSystemPrompt(req.Profile),
		BuildUserPrompt(req.RequestText))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(genCtx.Err(), context.DeadlineExceeded) {
			return nil, nil, NewModelTimeout("plan generation deadline exceeded")
		}
		return nil, nil, trace.Wrap(err)
	}

	p, norm, err := parsePlan(output)
	if err != nil {
		s.log.WithError(err).Warn("Model output rejected.")
		return nil, nil, trace.Wrap(err)
	}

	p.ID = uuid.NewString()
	p.SessionID = req.SessionID
	p.UserID = req.UserID
	p.RequestText = req.RequestText
	p.CreatedAt = s.cfg.Clock.Now().UTC()

	if summary := norm.Summary(); summary != "" {
		s.log.WithFields(logrus.Fields{
			"plan":   p.ID,
			"detail": summary,
		}).Warn("Normalized model risk levels.")
	}
	s.log.WithFields(logrus.Fields{
		"plan":  p.ID,
		"steps": len(p.Steps),
		"risk":  p.OverallRisk,
	}).Info("Plan generated.")
	return p, norm, nil
}

// Chat answers a follow-up question about an existing plan. It is
// purely conversational: the reply never alters the plan. On model
// failure a canned reply is returned instead of an error so review
// flows are not blocked by chat.
func (s *Service) Chat(ctx context.Context, hp *profile.HostProfile, planSummary, question string) string {
	genCtx, cancel := context.WithTimeout(ctx, s.cfg.GenerateTimeout)
	defer cancel()

	reply, err := s.cfg.Generator.Complete(genCtx,
		BuildChatSystemPrompt(hp, planSummary),
		question)
	if err != nil {
		s.log.WithError(err).Debug("Chat completion failed, using canned reply.")
		return "I could not reach the model to answer that right now. The plan above is unchanged; you can approve, reject, or ask again."
	}
	return reply
}
