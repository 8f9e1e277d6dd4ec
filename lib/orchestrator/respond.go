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

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/otium-ai/otium/lib/events"
	"github.com/otium-ai/otium/lib/plan"
	"github.com/otium-ai/otium/lib/registry"
	"github.com/otium-ai/otium/lib/sshexec"
)

// StepOutcome is the observable result of a respond call.
type StepOutcome struct {
	// StepIndex is the step the outcome describes.
	StepIndex int `json:"step_index"`
	// State is the step state after the call.
	State plan.StepState `json:"state"`
	// Result is present once the step has executed.
	Result *sshexec.CommandResult `json:"result,omitempty"`
}

// Respond drives the state machine for one step. Only the first
// pending step may be responded to; responding to a step already in a
// terminal state is an idempotent no-op returning its current state.
// Approval executes the command inline under the step deadline.
func (o *Orchestrator) Respond(ctx context.Context, userID, planID string, stepIndex int, approved bool, reason string) (*StepOutcome, error) {
	entry, err := o.entry(userID, planID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	p := entry.plan
	if stepIndex < 0 || stepIndex >= len(p.Steps) {
		return nil, trace.NotFound("plan %v has no step %v", planID, stepIndex)
	}
	step := p.Steps[stepIndex]

	// stale responds, including any respond after resolution, return
	// the current state without side effect
	if step.State.IsTerminal() {
		return outcomeOf(step), nil
	}
	if first := p.FirstPending(); stepIndex != first {
		return nil, trace.BadParameter("step %v is out of order, step %v is awaiting review", stepIndex, first)
	}

	if approved {
		return o.approveLocked(ctx, entry, step, reason)
	}
	return o.rejectLocked(ctx, entry, step, reason), nil
}

// RespondSummary is the aggregate result of a bulk respond.
type RespondSummary struct {
	// Responded counts the steps this call transitioned.
	Responded int `json:"responded"`
	// Status is the plan status after the call.
	Status plan.Status `json:"status"`
}

// RespondAll responds to every remaining pending step in order. A step
// failure short-circuits: the cascade skip resolves the plan and the
// loop observes it.
func (o *Orchestrator) RespondAll(ctx context.Context, userID, planID string, approved bool, reason string) (*RespondSummary, error) {
	summary := &RespondSummary{}
	for {
		snapshot, err := o.Get(userID, planID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		first := snapshot.FirstPending()
		if first < 0 {
			summary.Status = snapshot.Status()
			return summary, nil
		}
		if _, err := o.Respond(ctx, userID, planID, first, approved, reason); err != nil {
			return nil, trace.Wrap(err)
		}
		summary.Responded++
	}
}

// approveLocked runs pending → approved → executing → succeeded|failed
// for one step, then cascades. Callers hold the entry mutex, so the
// whole transition chain and its audit records are atomic with respect
// to other responders.
func (o *Orchestrator) approveLocked(ctx context.Context, entry *planEntry, step *plan.Step, reason string) (*StepOutcome, error) {
	p := entry.plan

	session, err := o.cfg.Sessions.Lookup(p.UserID, p.SessionID)
	if err == nil && session.Status() != registry.StatusConnected {
		err = trace.ConnectionProblem(nil, "session %v is %v", p.SessionID, session.Status())
	}
	if err != nil {
		// the decision stands; the step fails without executing
		o.transition(ctx, entry, step, plan.StepApproved, reason)
		o.transition(ctx, entry, step, plan.StepExecuting, "")
		step.Result = &sshexec.CommandResult{
			ExitCode: -1,
			Stderr:   []byte("session unavailable"),
		}
		o.transition(ctx, entry, step, plan.StepFailed, "")
		o.cascadeSkipLocked(ctx, entry, plan.SkipReasonPrecedingFailed)
		o.markResolvedLocked(ctx, entry)
		return nil, trace.Wrap(err)
	}

	o.transition(ctx, entry, step, plan.StepApproved, reason)
	o.transition(ctx, entry, step, plan.StepExecuting, "")

	deadline := StepDeadline(step.DurationHint, o.cfg.StepTimeout)
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	result, runErr := session.Run(runCtx, step.Command)
	cancel()
	if result == nil {
		detail := "session closed"
		if runErr != nil {
			detail = runErr.Error()
		}
		result = &sshexec.CommandResult{ExitCode: -1, Stderr: []byte(detail)}
	}
	step.Result = result

	if result.Success() {
		o.transition(ctx, entry, step, plan.StepSucceeded, "")
		executedSteps.WithLabelValues("succeeded").Inc()
	} else {
		o.transition(ctx, entry, step, plan.StepFailed, "")
		executedSteps.WithLabelValues("failed").Inc()
		o.cascadeSkipLocked(ctx, entry, plan.SkipReasonPrecedingFailed)
	}

	o.log.WithFields(logrus.Fields{
		events.EventPlanID:    p.ID,
		events.EventStepIndex: step.Index,
		"exit_code":           result.ExitCode,
	}).Info("Step executed.")

	if p.Resolved() {
		o.markResolvedLocked(ctx, entry)
	}
	return outcomeOf(step), nil
}

// rejectLocked turns a rejection into a resolved plan: the rejected
// step is terminal and every later pending step is skipped.
func (o *Orchestrator) rejectLocked(ctx context.Context, entry *planEntry, step *plan.Step, reason string) *StepOutcome {
	o.transition(ctx, entry, step, plan.StepRejected, reason)
	o.cascadeSkipLocked(ctx, entry, plan.SkipReasonPrecedingRejected)
	o.markResolvedLocked(ctx, entry)
	return outcomeOf(step)
}

// cascadeSkipLocked skips every remaining pending step.
func (o *Orchestrator) cascadeSkipLocked(ctx context.Context, entry *planEntry, reason string) {
	for _, step := range entry.plan.Steps {
		if step.State == plan.StepPending {
			o.transition(ctx, entry, step, plan.StepSkipped, reason)
		}
	}
}

// transition applies one step state transition, records the decision
// when the transition is a review outcome, and emits the matching
// audit record. Callers hold the entry mutex.
func (o *Orchestrator) transition(ctx context.Context, entry *planEntry, step *plan.Step, to plan.StepState, reason string) {
	p := entry.plan
	if !plan.CanTransition(step.State, to) {
		// transitions are driven by this package only; a bad one is a
		// programming error worth a loud log, not a panic
		o.log.WithFields(logrus.Fields{
			events.EventPlanID:    p.ID,
			events.EventStepIndex: step.Index,
		}).Errorf("Invalid step transition %v -> %v.", step.State, to)
		return
	}
	step.State = to

	now := o.cfg.Clock.Now().UTC()
	fields := events.EventFields{
		events.EventUser:      p.UserID,
		events.EventPlanID:    p.ID,
		events.EventStepIndex: step.Index,
	}
	switch to {
	case plan.StepApproved:
		step.Decision = &plan.Decision{Approved: true, Reason: reason, At: now}
		fields[events.EventAction] = events.StepApprovedEvent
	case plan.StepRejected:
		step.Decision = &plan.Decision{Approved: false, Reason: reason, At: now}
		fields[events.EventAction] = events.StepRejectedEvent
		if reason != "" {
			fields[events.EventDetail] = reason
		}
	case plan.StepExecuting:
		fields[events.EventAction] = events.StepExecutingEvent
	case plan.StepSucceeded:
		fields[events.EventAction] = events.StepResultEvent
		fields["exit_code"] = step.Result.ExitCode
	case plan.StepFailed:
		fields[events.EventAction] = events.StepResultEvent
		fields[events.EventOutcome] = events.OutcomeFailed
		if step.Result != nil {
			fields["exit_code"] = step.Result.ExitCode
		}
	case plan.StepSkipped:
		fields[events.EventAction] = events.StepSkippedEvent
		fields[events.EventDetail] = reason
	default:
		return
	}
	o.emit(ctx, fields)
}

func outcomeOf(step *plan.Step) *StepOutcome {
	outcome := &StepOutcome{
		StepIndex: step.Index,
		State:     step.State,
	}
	if step.Result != nil {
		outcome.Result = step.Result.Clone()
	}
	return outcome
}
