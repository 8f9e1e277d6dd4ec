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
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/otium-ai/otium/lib/ai"
	"github.com/otium-ai/otium/lib/defaults"
	"github.com/otium-ai/otium/lib/events"
	"github.com/otium-ai/otium/lib/plan"
	"github.com/otium-ai/otium/lib/profile"
	"github.com/otium-ai/otium/lib/registry"
	"github.com/otium-ai/otium/lib/sshexec"
)

// fakeSession scripts per-command exit codes, exit 0 by default.
type fakeSession struct {
	mu        sync.Mutex
	status    registry.Status
	profile   *profile.HostProfile
	exitCodes map[string]int
	runErr    error
	runs      []string
	deadline  time.Time
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		status:  registry.StatusConnected,
		profile: &profile.HostProfile{OSFamily: profile.FamilyDebian},
	}
}

func (s *fakeSession) Run(ctx context.Context, command string) (*sshexec.CommandResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, command)
	if d, ok := ctx.Deadline(); ok {
		s.deadline = d
	}
	if s.runErr != nil {
		return nil, s.runErr
	}
	return &sshexec.CommandResult{ExitCode: s.exitCodes[command]}, nil
}

func (s *fakeSession) Status() registry.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *fakeSession) Alive() bool {
	switch s.Status() {
	case registry.StatusConnected, registry.StatusDegraded:
		return true
	}
	return false
}

func (s *fakeSession) Profile() *profile.HostProfile { return s.profile }

func (s *fakeSession) lastDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline
}

func (s *fakeSession) setStatus(status registry.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// fakeSessions is a one-session registry.
type fakeSessions struct {
	userID    string
	sessionID string
	session   *fakeSession
}

func (f *fakeSessions) Lookup(userID, sessionID string) (Session, error) {
	if userID != f.userID || sessionID != f.sessionID {
		return nil, trace.NotFound("session %v not found", sessionID)
	}
	return f.session, nil
}

// fakeGenerator hands out plans with the scripted commands.
type fakeGenerator struct {
	commands []string
	err      error
	chat     string
}

func (g *fakeGenerator) GeneratePlan(ctx context.Context, req ai.GenerateRequest) (*plan.Plan, *ai.Normalization, error) {
	if g.err != nil {
		return nil, nil, g.err
	}
	steps := make([]*plan.Step, len(g.commands))
	for i, command := range g.commands {
		steps[i] = &plan.Step{
			Index:   i,
			Command: command,
			Risk:    plan.RiskLow,
			State:   plan.StepPending,
		}
	}
	return &plan.Plan{
		ID:          uuid.NewString(),
		SessionID:   req.SessionID,
		UserID:      req.UserID,
		RequestText: req.RequestText,
		OverallRisk: plan.MaxRisk(steps),
		Steps:       steps,
	}, &ai.Normalization{}, nil
}

func (g *fakeGenerator) Chat(ctx context.Context, hp *profile.HostProfile, planSummary, question string) string {
	if g.chat != "" {
		return g.chat
	}
	return "That plan is safe to run."
}

type testPack struct {
	orchestrator *Orchestrator
	sessions     *fakeSessions
	generator    *fakeGenerator
	emitter      *events.MemoryEmitter
}

func newTestPack(t *testing.T, commands ...string) *testPack {
	pack := &testPack{
		sessions: &fakeSessions{
			userID:    "alice",
			sessionID: "sess-1",
			session:   newFakeSession(),
		},
		generator: &fakeGenerator{commands: commands},
		emitter:   events.NewMemoryEmitter(clockwork.NewFakeClock()),
	}
	o, err := New(Config{
		Sessions:  pack.sessions,
		Generator: pack.generator,
		Emitter:   pack.emitter,
		Clock:     clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	pack.orchestrator = o
	return pack
}

func (p *testPack) submit(t *testing.T) *plan.Plan {
	submitted, err := p.orchestrator.Submit(context.Background(), "alice", "sess-1", "do the thing")
	require.NoError(t, err)
	return submitted
}

func TestSubmitStoresPlan(t *testing.T) {
	pack := newTestPack(t, "df -h")
	submitted := pack.submit(t)

	fetched, err := pack.orchestrator.Get("alice", submitted.ID)
	require.NoError(t, err)
	require.Equal(t, submitted.ID, fetched.ID)
	require.Equal(t, "do the thing", fetched.RequestText)
	require.Equal(t, plan.StepPending, fetched.Steps[0].State)

	require.Equal(t, []string{events.PlanSubmittedEvent}, pack.emitter.Actions())
}

func TestSubmitUnknownSession(t *testing.T) {
	pack := newTestPack(t, "df -h")
	_, err := pack.orchestrator.Submit(context.Background(), "alice", "nope", "x")
	require.True(t, trace.IsNotFound(err))
}

func TestSubmitClosedSession(t *testing.T) {
	pack := newTestPack(t, "df -h")
	pack.sessions.session.setStatus(registry.StatusClosed)
	_, err := pack.orchestrator.Submit(context.Background(), "alice", "sess-1", "x")
	require.True(t, trace.IsConnectionProblem(err))
}

func TestSubmitSessionBusy(t *testing.T) {
	pack := newTestPack(t, "df -h")
	pack.submit(t)

	_, err := pack.orchestrator.Submit(context.Background(), "alice", "sess-1", "another")
	require.True(t, trace.IsLimitExceeded(err))

	// resolving the plan frees the session
	first := pack.submit2(t)
	_ = first
}

// submit2 resolves the in-flight plan, then submits again.
func (p *testPack) submit2(t *testing.T) *plan.Plan {
	plans := p.orchestrator.plans
	for id := range plans {
		_, err := p.orchestrator.RespondAll(context.Background(), "alice", id, true, "")
		require.NoError(t, err)
	}
	return p.submit(t)
}

func TestSubmitGenerationFailure(t *testing.T) {
	pack := newTestPack(t)
	pack.generator.err = ai.NewParseFailure("bad json", "")

	_, err := pack.orchestrator.Submit(context.Background(), "alice", "sess-1", "x")
	require.True(t, ai.IsParseFailure(err))

	records := pack.emitter.Events()
	require.Len(t, records, 1)
	require.Equal(t, events.PlanGenerationFailedEvent, records[0].GetAction())
	require.Equal(t, events.OutcomeFailed, records[0].GetOutcome())

	// a failed generation does not hold the session busy
	pack.generator.err = nil
	pack.generator.commands = []string{"df -h"}
	pack.submit(t)
}

func TestHappyPathSequentialApproval(t *testing.T) {
	commands := []string{
		"apt-get update",
		"apt-get install -y nginx",
		"systemctl enable --now nginx",
		"systemctl status nginx --no-pager",
	}
	pack := newTestPack(t, commands...)
	submitted := pack.submit(t)

	for i := range commands {
		outcome, err := pack.orchestrator.Respond(context.Background(), "alice", submitted.ID, i, true, "")
		require.NoError(t, err)
		require.Equal(t, plan.StepSucceeded, outcome.State)
		require.Equal(t, 0, outcome.Result.ExitCode)
	}

	final, err := pack.orchestrator.Get("alice", submitted.ID)
	require.NoError(t, err)
	require.Equal(t, plan.StatusSucceeded, final.Status())
	require.Equal(t, commands, pack.sessions.session.runs)

	require.Equal(t, []string{
		events.PlanSubmittedEvent,
		events.StepApprovedEvent, events.StepExecutingEvent, events.StepResultEvent,
		events.StepApprovedEvent, events.StepExecutingEvent, events.StepResultEvent,
		events.StepApprovedEvent, events.StepExecutingEvent, events.StepResultEvent,
		events.StepApprovedEvent, events.StepExecutingEvent, events.StepResultEvent,
		events.PlanResolvedEvent,
	}, pack.emitter.Actions())
}

func TestOutOfOrderApproval(t *testing.T) {
	pack := newTestPack(t, "a", "b", "c")
	submitted := pack.submit(t)

	_, err := pack.orchestrator.Respond(context.Background(), "alice", submitted.ID, 1, true, "")
	require.True(t, trace.IsBadParameter(err))

	// plan state unchanged
	fetched, err := pack.orchestrator.Get("alice", submitted.ID)
	require.NoError(t, err)
	for _, step := range fetched.Steps {
		require.Equal(t, plan.StepPending, step.State)
	}
	require.Empty(t, pack.sessions.session.runs)
}

func TestMidPlanFailureCascades(t *testing.T) {
	pack := newTestPack(t, "a", "b", "c")
	pack.sessions.session.exitCodes = map[string]int{"b": 2}
	submitted := pack.submit(t)

	_, err := pack.orchestrator.Respond(context.Background(), "alice", submitted.ID, 0, true, "")
	require.NoError(t, err)

	outcome, err := pack.orchestrator.Respond(context.Background(), "alice", submitted.ID, 1, true, "")
	require.NoError(t, err)
	require.Equal(t, plan.StepFailed, outcome.State)
	require.Equal(t, 2, outcome.Result.ExitCode)

	final, err := pack.orchestrator.Get("alice", submitted.ID)
	require.NoError(t, err)
	require.Equal(t, plan.StatusFailed, final.Status())
	require.Equal(t, plan.StepSkipped, final.Steps[2].State)
	// step c never ran
	require.Equal(t, []string{"a", "b"}, pack.sessions.session.runs)

	require.Equal(t, []string{
		events.PlanSubmittedEvent,
		events.StepApprovedEvent, events.StepExecutingEvent, events.StepResultEvent,
		events.StepApprovedEvent, events.StepExecutingEvent, events.StepResultEvent,
		events.StepSkippedEvent,
		events.PlanResolvedEvent,
	}, pack.emitter.Actions())

	// the failed step.result record carries the failed outcome
	records := pack.emitter.Events()
	require.Equal(t, events.OutcomeFailed, records[6].GetOutcome())
	require.Equal(t, plan.SkipReasonPrecedingFailed, records[7].GetString(events.EventDetail))
}

func TestRejectionSkipsRemainder(t *testing.T) {
	pack := newTestPack(t, "a", "b", "c")
	submitted := pack.submit(t)

	outcome, err := pack.orchestrator.Respond(context.Background(), "alice", submitted.ID, 0, false, "too risky")
	require.NoError(t, err)
	require.Equal(t, plan.StepRejected, outcome.State)

	final, err := pack.orchestrator.Get("alice", submitted.ID)
	require.NoError(t, err)
	require.Equal(t, plan.StatusFailed, final.Status())
	require.Equal(t, plan.StepSkipped, final.Steps[1].State)
	require.Equal(t, plan.StepSkipped, final.Steps[2].State)
	require.NotNil(t, final.Steps[0].Decision)
	require.False(t, final.Steps[0].Decision.Approved)
	require.Equal(t, "too risky", final.Steps[0].Decision.Reason)
	require.Empty(t, pack.sessions.session.runs)

	records := pack.emitter.Events()
	last := records[len(records)-1]
	require.Equal(t, events.PlanResolvedEvent, last.GetAction())
	require.Equal(t, events.OutcomeFailed, last.GetOutcome())
}

func TestStaleRespondIsIdempotent(t *testing.T) {
	pack := newTestPack(t, "a")
	submitted := pack.submit(t)

	first, err := pack.orchestrator.Respond(context.Background(), "alice", submitted.ID, 0, true, "")
	require.NoError(t, err)
	require.Equal(t, plan.StepSucceeded, first.State)

	runsBefore := len(pack.sessions.session.runs)
	eventsBefore := len(pack.emitter.Events())

	// repeating the respond, with either verdict, is a no-op
	again, err := pack.orchestrator.Respond(context.Background(), "alice", submitted.ID, 0, false, "")
	require.NoError(t, err)
	require.Equal(t, plan.StepSucceeded, again.State)
	require.Len(t, pack.sessions.session.runs, runsBefore)
	require.Len(t, pack.emitter.Events(), eventsBefore)
}

func TestRespondAll(t *testing.T) {
	pack := newTestPack(t, "a", "b", "c")
	submitted := pack.submit(t)

	summary, err := pack.orchestrator.RespondAll(context.Background(), "alice", submitted.ID, true, "")
	require.NoError(t, err)
	require.Equal(t, 3, summary.Responded)
	require.Equal(t, plan.StatusSucceeded, summary.Status)
}

func TestRespondAllShortCircuitsOnFailure(t *testing.T) {
	pack := newTestPack(t, "a", "b", "c")
	pack.sessions.session.exitCodes = map[string]int{"a": 1}
	submitted := pack.submit(t)

	summary, err := pack.orchestrator.RespondAll(context.Background(), "alice", submitted.ID, true, "")
	require.NoError(t, err)
	require.Equal(t, 1, summary.Responded)
	require.Equal(t, plan.StatusFailed, summary.Status)
	require.Equal(t, []string{"a"}, pack.sessions.session.runs)
}

func TestRespondAllReject(t *testing.T) {
	pack := newTestPack(t, "a", "b")
	submitted := pack.submit(t)

	summary, err := pack.orchestrator.RespondAll(context.Background(), "alice", submitted.ID, false, "nope")
	require.NoError(t, err)
	// rejecting the first pending step skips the rest
	require.Equal(t, 1, summary.Responded)
	require.Equal(t, plan.StatusFailed, summary.Status)
}

func TestApproveAgainstUnavailableSession(t *testing.T) {
	pack := newTestPack(t, "a", "b")
	submitted := pack.submit(t)

	pack.sessions.session.setStatus(registry.StatusDegraded)
	_, err := pack.orchestrator.Respond(context.Background(), "alice", submitted.ID, 0, true, "")
	require.True(t, trace.IsConnectionProblem(err))

	final, err := pack.orchestrator.Get("alice", submitted.ID)
	require.NoError(t, err)
	require.Equal(t, plan.StepFailed, final.Steps[0].State)
	require.Equal(t, -1, final.Steps[0].Result.ExitCode)
	require.Equal(t, plan.StepSkipped, final.Steps[1].State)
	require.Equal(t, plan.StatusFailed, final.Status())
	require.Empty(t, pack.sessions.session.runs)
}

func TestTransportLossDuringExecution(t *testing.T) {
	pack := newTestPack(t, "a", "b")
	pack.sessions.session.runErr = trace.ConnectionProblem(nil, "session closed")
	submitted := pack.submit(t)

	outcome, err := pack.orchestrator.Respond(context.Background(), "alice", submitted.ID, 0, true, "")
	require.NoError(t, err)
	require.Equal(t, plan.StepFailed, outcome.State)
	require.Equal(t, -1, outcome.Result.ExitCode)
	require.Contains(t, string(outcome.Result.Stderr), "session closed")

	final, err := pack.orchestrator.Get("alice", submitted.ID)
	require.NoError(t, err)
	require.Equal(t, plan.StepSkipped, final.Steps[1].State)
	require.Equal(t, plan.StatusFailed, final.Status())
}

func TestGetUnknownPlan(t *testing.T) {
	pack := newTestPack(t, "a")
	_, err := pack.orchestrator.Get("alice", "nope")
	require.True(t, trace.IsNotFound(err))

	// plans are tenant-scoped
	submitted := pack.submit(t)
	_, err = pack.orchestrator.Get("bob", submitted.ID)
	require.True(t, trace.IsNotFound(err))
}

func TestGetReturnsSnapshot(t *testing.T) {
	pack := newTestPack(t, "a")
	submitted := pack.submit(t)

	snapshot, err := pack.orchestrator.Get("alice", submitted.ID)
	require.NoError(t, err)
	snapshot.Steps[0].State = plan.StepFailed

	fresh, err := pack.orchestrator.Get("alice", submitted.ID)
	require.NoError(t, err)
	require.Equal(t, plan.StepPending, fresh.Steps[0].State)
}

func TestChatNeverMutatesSteps(t *testing.T) {
	pack := newTestPack(t, "a", "b")
	pack.generator.chat = "Step 1 updates the package index."
	submitted := pack.submit(t)

	exchange, err := pack.orchestrator.Chat(context.Background(), "alice", submitted.ID, "what does step 1 do?")
	require.NoError(t, err)
	require.Equal(t, "what does step 1 do?", exchange.UserMessage.Content)
	require.Equal(t, "Step 1 updates the package index.", exchange.AIMessage.Content)

	final, err := pack.orchestrator.Get("alice", submitted.ID)
	require.NoError(t, err)
	require.Len(t, final.Messages, 2)
	for _, step := range final.Steps {
		require.Equal(t, plan.StepPending, step.State)
	}

	actions := pack.emitter.Actions()
	require.Equal(t, events.ChatMessageEvent, actions[len(actions)-1])
}

func TestChatUnknownPlan(t *testing.T) {
	pack := newTestPack(t, "a")
	_, err := pack.orchestrator.Chat(context.Background(), "alice", "nope", "hi")
	require.True(t, trace.IsNotFound(err))
}

func TestStepDeadline(t *testing.T) {
	cases := []struct {
		hint string
		want string
	}{
		{"", "2m0s"},
		{"garbage", "2m0s"},
		{"30s", "30s"},
		{"45", "45s"},
		{"2 minutes", "2m0s"},
		{"10 sec", "10s"},
		{"1s", "5s"},    // clamped up
		{"2h", "15m0s"}, // clamped down
		{"-5s", "2m0s"}, // nonsense falls back
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, StepDeadline(tc.hint, defaults.StepTimeout).String(), "hint %q", tc.hint)
	}
}

func TestStepDeadlineConfiguredFallback(t *testing.T) {
	require.Equal(t, 45*time.Second, StepDeadline("", 45*time.Second))
	require.Equal(t, 45*time.Second, StepDeadline("garbage", 45*time.Second))
	// a usable hint still wins over the fallback
	require.Equal(t, 30*time.Second, StepDeadline("30s", 45*time.Second))
	// a zero fallback means the built-in default
	require.Equal(t, defaults.StepTimeout, StepDeadline("", 0))
}

func TestConfiguredStepTimeoutBoundsExecution(t *testing.T) {
	sessions := &fakeSessions{
		userID:    "alice",
		sessionID: "sess-1",
		session:   newFakeSession(),
	}
	o, err := New(Config{
		Sessions:    sessions,
		Generator:   &fakeGenerator{commands: []string{"sleep 1"}},
		Emitter:     events.NewMemoryEmitter(clockwork.NewFakeClock()),
		StepTimeout: 7 * time.Second,
	})
	require.NoError(t, err)

	submitted, err := o.Submit(context.Background(), "alice", "sess-1", "wait a bit")
	require.NoError(t, err)

	before := time.Now()
	_, err = o.Respond(context.Background(), "alice", submitted.ID, 0, true, "")
	require.NoError(t, err)

	deadline := sessions.session.lastDeadline()
	require.False(t, deadline.IsZero())
	require.LessOrEqual(t, deadline.Sub(before), 7*time.Second+time.Second)
	require.Greater(t, deadline.Sub(before), 6*time.Second)
}
