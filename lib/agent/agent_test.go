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

package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/otium-ai/otium/lib/ai"
	"github.com/otium-ai/otium/lib/events"
	"github.com/otium-ai/otium/lib/orchestrator"
	"github.com/otium-ai/otium/lib/plan"
	"github.com/otium-ai/otium/lib/profile"
	"github.com/otium-ai/otium/lib/registry"
	"github.com/otium-ai/otium/lib/secret"
	"github.com/otium-ai/otium/lib/sshexec"
)

// blockableTransport executes instantly by default but can be switched
// to block until the transport is closed, for departure-mid-execution
// tests.
type blockableTransport struct {
	mu       sync.Mutex
	block    bool
	closedCh chan struct{}
	closed   bool
	running  chan struct{}
}

func newBlockableTransport() *blockableTransport {
	return &blockableTransport{
		closedCh: make(chan struct{}),
		running:  make(chan struct{}, 1),
	}
}

func (t *blockableTransport) Run(ctx context.Context, command string) (*sshexec.CommandResult, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, trace.ConnectionProblem(nil, "session closed")
	}
	block := t.block
	t.mu.Unlock()

	if block {
		select {
		case t.running <- struct{}{}:
		default:
		}
		select {
		case <-t.closedCh:
			return nil, trace.ConnectionProblem(nil, "session closed")
		case <-ctx.Done():
			return nil, trace.ConnectionProblem(ctx.Err(), "deadline exceeded")
		}
	}
	return &sshexec.CommandResult{ExitCode: 0}, nil
}

func (t *blockableTransport) Heartbeat(ctx context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *blockableTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.closedCh)
	}
	return nil
}

// planGenerator emits a fixed two-step plan.
type planGenerator struct{}

func (planGenerator) GeneratePlan(ctx context.Context, req ai.GenerateRequest) (*plan.Plan, *ai.Normalization, error) {
	steps := []*plan.Step{
		{Index: 0, Command: "apt-get update", Risk: plan.RiskMedium, State: plan.StepPending},
		{Index: 1, Command: "apt-get install -y nginx", Risk: plan.RiskMedium, State: plan.StepPending},
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

func (planGenerator) Chat(ctx context.Context, hp *profile.HostProfile, planSummary, question string) string {
	return "The plan installs nginx."
}

type testPack struct {
	agent     *Agent
	emitter   *events.MemoryEmitter
	transport *blockableTransport
}

func newTestPack(t *testing.T) *testPack {
	clock := clockwork.NewFakeClock()
	pack := &testPack{
		emitter:   events.NewMemoryEmitter(clock),
		transport: newBlockableTransport(),
	}

	key, err := secret.NewKey()
	require.NoError(t, err)
	vault, err := secret.New(secret.Config{KeyBytes: key})
	require.NoError(t, err)

	profiler, err := profile.New(profile.Config{Clock: clock})
	require.NoError(t, err)

	reg, err := registry.New(registry.Config{
		Vault:    vault,
		Profiler: profiler,
		Emitter:  pack.emitter,
		Clock:    clock,
		Dial: func(ctx context.Context, cfg sshexec.Config) (registry.Transport, error) {
			return pack.transport, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	orch, err := orchestrator.New(orchestrator.Config{
		Sessions:  orchestrator.RegistrySessions(reg),
		Generator: planGenerator{},
		Emitter:   pack.emitter,
		Clock:     clock,
	})
	require.NoError(t, err)

	a, err := New(Config{
		Vault:        vault,
		Registry:     reg,
		Orchestrator: orch,
		Clock:        clock,
	})
	require.NoError(t, err)
	pack.agent = a
	return pack
}

func (p *testPack) connect(t *testing.T) string {
	result, err := p.agent.Connect(context.Background(), "alice", ConnectParams{
		Hostname:   "web-1.example.com",
		Username:   "root",
		Credential: "hunter2",
	})
	require.NoError(t, err)
	require.Equal(t, "connected", result.Status)
	return result.SessionID
}

func TestConnectValidation(t *testing.T) {
	pack := newTestPack(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		userID string
		params ConnectParams
	}{
		{"bad user id", "a!", ConnectParams{Hostname: "h.example.com", Username: "root", Credential: "x"}},
		{"short user id", "ab", ConnectParams{Hostname: "h.example.com", Username: "root", Credential: "x"}},
		{"empty hostname", "alice", ConnectParams{Username: "root", Credential: "x"}},
		{"bad hostname", "alice", ConnectParams{Hostname: "-bad-.example.com", Username: "root", Credential: "x"}},
		{"long hostname", "alice", ConnectParams{Hostname: strings.Repeat("a", 256), Username: "root", Credential: "x"}},
		{"bad port", "alice", ConnectParams{Hostname: "h.example.com", Port: 70000, Username: "root", Credential: "x"}},
		{"missing username", "alice", ConnectParams{Hostname: "h.example.com", Credential: "x"}},
		{"missing credential", "alice", ConnectParams{Hostname: "h.example.com", Username: "root"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := pack.agent.Connect(ctx, tc.userID, tc.params)
			require.True(t, trace.IsBadParameter(err), "expected bad parameter, got %v", err)
		})
	}
}

func TestConnectAndStatus(t *testing.T) {
	pack := newTestPack(t)
	sessionID := pack.connect(t)

	status, err := pack.agent.Status("alice")
	require.NoError(t, err)
	require.Len(t, status, 1)
	require.Equal(t, "web-1.example.com", status[sessionID].Hostname)
	require.Equal(t, "root", status[sessionID].Username)
	require.Equal(t, 22, status[sessionID].Port)
	require.True(t, status[sessionID].Alive)
}

func TestSubmitValidation(t *testing.T) {
	pack := newTestPack(t)
	sessionID := pack.connect(t)
	ctx := context.Background()

	_, err := pack.agent.Submit(ctx, "alice", sessionID, "   ")
	require.True(t, trace.IsBadParameter(err))

	_, err = pack.agent.Submit(ctx, "alice", sessionID, strings.Repeat("x", 1001))
	require.True(t, trace.IsBadParameter(err))

	_, err = pack.agent.Submit(ctx, "alice", sessionID, "please run sudo rm -rf /var")
	require.True(t, trace.IsBadParameter(err))
}

func TestSubmitReviewExecuteFlow(t *testing.T) {
	pack := newTestPack(t)
	sessionID := pack.connect(t)
	ctx := context.Background()

	p, err := pack.agent.Submit(ctx, "alice", sessionID, "install nginx")
	require.NoError(t, err)
	require.Len(t, p.Steps, 2)

	outcome, err := pack.agent.Respond(ctx, "alice", p.ID, 0, true, "")
	require.NoError(t, err)
	require.Equal(t, plan.StepSucceeded, outcome.State)

	summary, err := pack.agent.RespondAll(ctx, "alice", p.ID, true, "")
	require.NoError(t, err)
	require.Equal(t, 1, summary.Responded)
	require.Equal(t, plan.StatusSucceeded, summary.Status)

	final, err := pack.agent.GetPlan("alice", p.ID)
	require.NoError(t, err)
	require.Equal(t, plan.StatusSucceeded, final.Status())
}

func TestChatFlow(t *testing.T) {
	pack := newTestPack(t)
	sessionID := pack.connect(t)
	ctx := context.Background()

	p, err := pack.agent.Submit(ctx, "alice", sessionID, "install nginx")
	require.NoError(t, err)

	exchange, err := pack.agent.Chat(ctx, "alice", p.ID, "what does this do?")
	require.NoError(t, err)
	require.Equal(t, "The plan installs nginx.", exchange.AIMessage.Content)

	_, err = pack.agent.Chat(ctx, "alice", p.ID, "")
	require.True(t, trace.IsBadParameter(err))
}

func TestDisconnectAllWhenUnspecified(t *testing.T) {
	pack := newTestPack(t)
	pack.connect(t)

	require.NoError(t, pack.agent.Disconnect(context.Background(), "alice", ""))
	status, err := pack.agent.Status("alice")
	require.NoError(t, err)
	require.Empty(t, status)
}

func TestBeaconDuringExecution(t *testing.T) {
	pack := newTestPack(t)
	sessionID := pack.connect(t)
	ctx := context.Background()

	p, err := pack.agent.Submit(ctx, "alice", sessionID, "install nginx")
	require.NoError(t, err)

	pack.transport.mu.Lock()
	pack.transport.block = true
	pack.transport.mu.Unlock()

	type respondResult struct {
		outcome *orchestrator.StepOutcome
		err     error
	}
	done := make(chan respondResult, 1)
	go func() {
		outcome, err := pack.agent.Respond(ctx, "alice", p.ID, 0, true, "")
		done <- respondResult{outcome, err}
	}()

	// wait for the step to be in flight, then fire the beacon
	select {
	case <-pack.transport.running:
	case <-time.After(5 * time.Second):
		t.Fatal("step never started executing")
	}
	require.NoError(t, pack.agent.BeaconLeave(ctx, "alice"))

	var result respondResult
	select {
	case result = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("respond never returned")
	}
	require.NoError(t, result.err)
	require.Equal(t, plan.StepFailed, result.outcome.State)
	require.Equal(t, -1, result.outcome.Result.ExitCode)
	require.Contains(t, string(result.outcome.Result.Stderr), "session closed")

	final, err := pack.agent.GetPlan("alice", p.ID)
	require.NoError(t, err)
	require.Equal(t, plan.StepSkipped, final.Steps[1].State)
	require.Equal(t, plan.StatusFailed, final.Status())

	// repeated beacons are a no-op
	require.NoError(t, pack.agent.BeaconLeave(ctx, "alice"))
	status, err := pack.agent.Status("alice")
	require.NoError(t, err)
	require.Empty(t, status)
}
