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

// Package plan defines the command plan data model: an ordered,
// immutable sequence of steps derived from one user request against
// one host profile, with per-step state driven by the orchestrator.
package plan

import (
	"time"

	"github.com/otium-ai/otium/lib/sshexec"
)

// RiskLevel classifies a step or plan.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// riskRank orders risk levels for max computations.
var riskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Valid reports whether the level is a member of the closed set.
func (r RiskLevel) Valid() bool {
	_, ok := riskRank[r]
	return ok
}

// AtLeast reports whether r is at least as risky as other.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return riskRank[r] >= riskRank[other]
}

// MaxRisk returns the highest risk level among the given steps,
// RiskLow for an empty slice.
func MaxRisk(steps []*Step) RiskLevel {
	max := RiskLow
	for _, s := range steps {
		if s.Risk.AtLeast(max) {
			max = s.Risk
		}
	}
	return max
}

// StepState is the lifecycle state of one step.
type StepState string

const (
	StepPending   StepState = "pending"
	StepApproved  StepState = "approved"
	StepRejected  StepState = "rejected"
	StepExecuting StepState = "executing"
	StepSucceeded StepState = "succeeded"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
)

// stepTransitions is the legal transition table. Terminal states have
// no outgoing edges.
var stepTransitions = map[StepState][]StepState{
	StepPending:   {StepApproved, StepRejected, StepSkipped},
	StepApproved:  {StepExecuting},
	StepExecuting: {StepSucceeded, StepFailed},
}

// IsTerminal reports whether the state is final. No step ever leaves
// a terminal state.
func (s StepState) IsTerminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepRejected, StepSkipped:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to StepState) bool {
	for _, next := range stepTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SkipReasonPrecedingFailed marks steps auto-skipped because an
// earlier step failed.
const SkipReasonPrecedingFailed = "preceding-step-failed"

// SkipReasonPrecedingRejected marks steps auto-skipped because an
// earlier step was rejected by the reviewer.
const SkipReasonPrecedingRejected = "preceding-step-rejected"

// Decision records the reviewer's verdict on a step.
type Decision struct {
	Approved bool      `json:"approved"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Step is one command within a plan.
type Step struct {
	// Index is zero-based and unique within the plan.
	Index int `json:"index"`
	// Command is a single shell command.
	Command string `json:"command"`
	// Explanation is the generator-supplied description.
	Explanation string `json:"explanation,omitempty"`
	// DurationHint is the generator's estimated execution time, used
	// to derive a bounded per-step deadline.
	DurationHint string `json:"expected_duration_hint,omitempty"`
	// Risk classifies this step.
	Risk RiskLevel `json:"risk"`
	// State is mutated only through legal transitions.
	State StepState `json:"state"`
	// Decision is set when the reviewer approves or rejects, and on
	// auto-skip.
	Decision *Decision `json:"decision,omitempty"`
	// Result is set once execution finishes.
	Result *sshexec.CommandResult `json:"result,omitempty"`
}

// Clone returns a deep copy of the step.
func (s *Step) Clone() *Step {
	out := *s
	if s.Decision != nil {
		d := *s.Decision
		out.Decision = &d
	}
	if s.Result != nil {
		r := *s.Result
		r.Stdout = append([]byte(nil), s.Result.Stdout...)
		r.Stderr = append([]byte(nil), s.Result.Stderr...)
		out.Result = &r
	}
	return &out
}

// Status is the terminal status of a resolved plan.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Message is one chat transcript entry bound to a plan. Chat is
// explanatory only and never mutates steps.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
)

// Plan is an ordered sequence of steps derived from one request. The
// identifying and descriptive fields are immutable once validated;
// only step states, decisions, results and the chat transcript change
// afterwards.
type Plan struct {
	ID          string     `json:"plan_id"`
	SessionID   string     `json:"session_id"`
	UserID      string     `json:"user_id"`
	CreatedAt   time.Time  `json:"created_at"`
	RequestText string     `json:"request_text"`
	Intent      string     `json:"intent,omitempty"`
	Action      string     `json:"action,omitempty"`
	Explanation string     `json:"explanation,omitempty"`
	OverallRisk RiskLevel  `json:"overall_risk"`
	Steps       []*Step    `json:"steps"`
	Messages    []*Message `json:"messages,omitempty"`
}

// FirstPending returns the smallest index with state pending, or -1
// when no step is pending.
func (p *Plan) FirstPending() int {
	for _, s := range p.Steps {
		if s.State == StepPending {
			return s.Index
		}
	}
	return -1
}

// Executing returns the index of the step currently executing, or -1.
func (p *Plan) Executing() int {
	for _, s := range p.Steps {
		if s.State == StepExecuting {
			return s.Index
		}
	}
	return -1
}

// Resolved reports whether every step is in a terminal state.
func (p *Plan) Resolved() bool {
	for _, s := range p.Steps {
		if !s.State.IsTerminal() {
			return false
		}
	}
	return true
}

// Status derives the plan status: succeeded iff resolved with every
// step succeeded or skipped, failed when resolved otherwise, pending
// until then.
func (p *Plan) Status() Status {
	if !p.Resolved() {
		return StatusPending
	}
	for _, s := range p.Steps {
		switch s.State {
		case StepSucceeded, StepSkipped:
		default:
			return StatusFailed
		}
	}
	return StatusSucceeded
}

// Clone returns a deep copy safe to hand outside the plan's mutex.
func (p *Plan) Clone() *Plan {
	out := *p
	out.Steps = make([]*Step, len(p.Steps))
	for i, s := range p.Steps {
		out.Steps[i] = s.Clone()
	}
	out.Messages = make([]*Message, len(p.Messages))
	for i, m := range p.Messages {
		msg := *m
		out.Messages[i] = &msg
	}
	return &out
}
