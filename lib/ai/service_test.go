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
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/otium-ai/otium/lib/profile"
)

// scriptedGenerator returns a fixed completion and records the prompts
// it was handed.
type scriptedGenerator struct {
	output        string
	err           error
	systemPrompts []string
	userPrompts   []string
}

func (g *scriptedGenerator) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	g.systemPrompts = append(g.systemPrompts, systemPrompt)
	g.userPrompts = append(g.userPrompts, userPrompt)
	if g.err != nil {
		return "", g.err
	}
	return g.output, nil
}

func testProfile() *profile.HostProfile {
	return &profile.HostProfile{
		OSFamily:       profile.FamilyDebian,
		Distribution:   "ubuntu",
		Version:        "22.04",
		Kernel:         "5.15.0-91-generic",
		Arch:           "x86_64",
		ServiceManager: profile.ServiceManagerSystemd,
		Tools:          map[string]bool{"apt-get": true, "systemctl": true, "curl": true},
	}
}

func newTestService(t *testing.T, gen Generator) *Service {
	s, err := NewService(ServiceConfig{
		Generator: gen,
		Clock:     clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	return s
}

func TestGeneratePlanFillsIdentity(t *testing.T) {
	gen := &scriptedGenerator{output: cleanOutput}
	s := newTestService(t, gen)

	p, _, err := s.GeneratePlan(context.Background(), GenerateRequest{
		SessionID:   "sess-1",
		UserID:      "alice",
		RequestText: "check disk usage",
		Profile:     testProfile(),
	})
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)
	require.Equal(t, "sess-1", p.SessionID)
	require.Equal(t, "alice", p.UserID)
	require.Equal(t, "check disk usage", p.RequestText)
	require.False(t, p.CreatedAt.IsZero())
}

func TestGeneratePlanPromptsCarryProfile(t *testing.T) {
	gen := &scriptedGenerator{output: cleanOutput}
	s := newTestService(t, gen)

	_, _, err := s.GeneratePlan(context.Background(), GenerateRequest{
		SessionID:   "sess-1",
		UserID:      "alice",
		RequestText: "install nginx",
		Profile:     testProfile(),
	})
	require.NoError(t, err)
	require.Len(t, gen.systemPrompts, 1)
	require.Contains(t, gen.systemPrompts[0], "ubuntu 22.04")
	require.Contains(t, gen.systemPrompts[0], "Package Manager: apt-get")
	require.Contains(t, gen.systemPrompts[0], "Service Manager: systemd")
	require.Contains(t, gen.systemPrompts[0], "apache2, not httpd")
	require.Contains(t, gen.systemPrompts[0], "single valid JSON object")
	require.Contains(t, gen.userPrompts[0], "install nginx")
}

func TestGeneratePlanTimeout(t *testing.T) {
	gen := &scriptedGenerator{err: context.DeadlineExceeded}
	s := newTestService(t, gen)

	_, _, err := s.GeneratePlan(context.Background(), GenerateRequest{
		SessionID:   "sess-1",
		UserID:      "alice",
		RequestText: "install nginx",
		Profile:     testProfile(),
	})
	require.Error(t, err)
	require.True(t, IsModelTimeout(err))
}

func TestGeneratePlanPropagatesRefusal(t *testing.T) {
	gen := &scriptedGenerator{output: `{"intent": "general_help", "action": "none",
		"risk_level": "low", "explanation": "That would destroy the host.", "steps": []}`}
	s := newTestService(t, gen)

	_, _, err := s.GeneratePlan(context.Background(), GenerateRequest{
		SessionID:   "sess-1",
		UserID:      "alice",
		RequestText: "format the root disk",
		Profile:     testProfile(),
	})
	require.Error(t, err)
	require.True(t, IsModelRefusal(err))
}

func TestChatFallsBackOnModelFailure(t *testing.T) {
	gen := &scriptedGenerator{err: context.DeadlineExceeded}
	s := newTestService(t, gen)

	reply := s.Chat(context.Background(), testProfile(), "1. df -h", "why df?")
	require.Contains(t, reply, "unchanged")
}

func TestChatPassesPlanSummary(t *testing.T) {
	gen := &scriptedGenerator{output: "It shows disk usage."}
	s := newTestService(t, gen)

	reply := s.Chat(context.Background(), testProfile(), "1. df -h", "why df?")
	require.Equal(t, "It shows disk usage.", reply)
	require.Contains(t, gen.systemPrompts[0], "1. df -h")
	require.Contains(t, gen.userPrompts[0], "why df?")
}
