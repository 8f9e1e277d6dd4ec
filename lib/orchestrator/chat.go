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

package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/otium-ai/otium/lib/events"
	"github.com/otium-ai/otium/lib/plan"
	"github.com/otium-ai/otium/lib/profile"
)

// ChatExchange is one question-and-answer pair on a plan transcript.
type ChatExchange struct {
	UserMessage plan.Message `json:"user_message"`
	AIMessage   plan.Message `json:"ai_message"`
}

// Chat appends a discussion message to the plan and answers it. Chat
// is explanatory only: the plan's steps are never mutated by a chat
// exchange, whatever the model replies.
func (o *Orchestrator) Chat(ctx context.Context, userID, planID, message string) (*ChatExchange, error) {
	entry, err := o.entry(userID, planID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	entry.mu.Lock()
	summary := planSummary(entry.plan)
	hostProfile := o.sessionProfile(entry.plan)
	entry.mu.Unlock()

	// the model call happens without holding the plan mutex so a slow
	// completion does not stall step review
	reply := o.cfg.Generator.Chat(ctx, hostProfile, summary, message)

	now := o.cfg.Clock.Now().UTC()
	exchange := &ChatExchange{
		UserMessage: plan.Message{
			ID:        uuid.NewString(),
			Role:      plan.MessageRoleUser,
			Content:   message,
			CreatedAt: now,
		},
		AIMessage: plan.Message{
			ID:        uuid.NewString(),
			Role:      plan.MessageRoleAssistant,
			Content:   reply,
			CreatedAt: now,
		},
	}

	entry.mu.Lock()
	entry.plan.Messages = append(entry.plan.Messages, &exchange.UserMessage, &exchange.AIMessage)
	entry.mu.Unlock()

	o.emit(ctx, events.EventFields{
		events.EventAction: events.ChatMessageEvent,
		events.EventUser:   userID,
		events.EventPlanID: planID,
	})
	return exchange, nil
}

// sessionProfile fetches the cached host profile for chat context. A
// session that is already gone yields an empty profile rather than a
// chat failure.
func (o *Orchestrator) sessionProfile(p *plan.Plan) *profile.HostProfile {
	session, err := o.cfg.Sessions.Lookup(p.UserID, p.SessionID)
	if err != nil || session.Profile() == nil {
		return &profile.HostProfile{OSFamily: profile.FamilyUnknown}
	}
	return session.Profile()
}

// planSummary renders the plan for the chat system prompt.
func planSummary(p *plan.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\nOverall risk: %s\n", p.RequestText, p.OverallRisk)
	for _, step := range p.Steps {
		fmt.Fprintf(&b, "%d. [%s, %s] %s", step.Index+1, step.State, step.Risk, step.Command)
		if step.Explanation != "" {
			fmt.Fprintf(&b, " (%s)", step.Explanation)
		}
		b.WriteString("\n")
	}
	return b.String()
}
