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

// Package events defines the audit record vocabulary of the control
// plane and the emitter interface the core writes records through.
// The sink behind the emitter is opaque to the core.
package events

import (
	"context"
	"fmt"
	"time"
)

const (
	// EventAction is the action field, drawn from the closed
	// vocabulary below.
	EventAction = "action"
	// EventOutcome is one of OutcomeOK, OutcomeFailed or
	// OutcomeDegraded.
	EventOutcome = "outcome"
	// EventTime is the record timestamp.
	EventTime = "time"
	// EventUser is the opaque user identifier supplied per request.
	EventUser = "user"
	// EventSessionID identifies the SSH session a record refers to.
	EventSessionID = "sid"
	// EventPlanID identifies the plan a record refers to.
	EventPlanID = "plan"
	// EventStepIndex is the zero-based index of a plan step.
	EventStepIndex = "step"
	// EventDetail carries free-form human-readable context.
	EventDetail = "detail"
)

// Audit actions form a closed vocabulary. Emitters must not invent
// new action names.
const (
	SessionConnectEvent         = "session.connect"
	SessionDisconnectEvent      = "session.disconnect"
	SessionHeartbeatFailedEvent = "session.heartbeat_failed"
	SessionEvictedEvent         = "session.evicted"
	PlanSubmittedEvent          = "plan.submitted"
	PlanGenerationFailedEvent   = "plan.generation_failed"
	StepApprovedEvent           = "step.approved"
	StepRejectedEvent           = "step.rejected"
	StepExecutingEvent          = "step.executing"
	StepResultEvent             = "step.result"
	StepSkippedEvent            = "step.skipped"
	PlanResolvedEvent           = "plan.resolved"
	ChatMessageEvent            = "chat.message"
)

const (
	// OutcomeOK marks a record for an operation that completed.
	OutcomeOK = "ok"
	// OutcomeFailed marks a record for an operation that failed.
	OutcomeFailed = "failed"
	// OutcomeDegraded marks a best-effort operation that partially
	// completed, e.g. an incomplete host profile.
	OutcomeDegraded = "degraded"
)

// EventFields instance is attached to every audit record.
type EventFields map[string]interface{}

// AsString returns a string representation of an event structure
func (f EventFields) AsString() string {
	return fmt.Sprintf("%v: %v %v",
		f.GetString(EventAction),
		f.GetString(EventUser),
		f.GetString(EventOutcome))
}

// GetAction returns the audit action of the record.
func (f EventFields) GetAction() string {
	return f.GetString(EventAction)
}

// GetOutcome returns the outcome of the record.
func (f EventFields) GetOutcome() string {
	return f.GetString(EventOutcome)
}

// GetString returns a string representation of a logged field.
func (f EventFields) GetString(key string) string {
	val, found := f[key]
	if !found {
		return ""
	}
	v, _ := val.(string)
	return v
}

// GetInt returns an int representation of a logged field.
func (f EventFields) GetInt(key string) int {
	val, found := f[key]
	if !found {
		return 0
	}
	v, ok := val.(int)
	if !ok {
		f, ok := val.(float64)
		if ok {
			v = int(f)
		}
	}
	return v
}

// GetTime returns a time.Time representation of a logged field.
func (f EventFields) GetTime(key string) time.Time {
	val, found := f[key]
	if !found {
		return time.Time{}
	}
	v, ok := val.(time.Time)
	if !ok {
		s := f.GetString(key)
		v, _ = time.Parse(time.RFC3339, s)
	}
	return v
}

// Emitter emits audit records to an opaque append-only sink. Emitters
// must be safe for concurrent use; records for a given plan are
// emitted under the plan's mutex and must preserve that order at the
// sink.
type Emitter interface {
	EmitAuditEvent(ctx context.Context, fields EventFields) error
}
