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

package events

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/otium-ai/otium"
)

func TestLogEmitterComponentField(t *testing.T) {
	e := NewLogEmitter(clockwork.NewFakeClock())
	require.Equal(t, otium.ComponentAudit, e.log.Data[otium.ComponentKey])
}

func TestEmitRejectsMissingAction(t *testing.T) {
	ctx := context.Background()
	fields := EventFields{EventUser: "alice"}

	err := NewLogEmitter(clockwork.NewFakeClock()).EmitAuditEvent(ctx, fields)
	require.True(t, trace.IsBadParameter(err))

	err = NewMemoryEmitter(clockwork.NewFakeClock()).EmitAuditEvent(ctx, fields)
	require.True(t, trace.IsBadParameter(err))
}

func TestMemoryEmitterStampsAndOrders(t *testing.T) {
	clock := clockwork.NewFakeClock()
	e := NewMemoryEmitter(clock)

	require.NoError(t, e.EmitAuditEvent(context.Background(), EventFields{
		EventAction: SessionConnectEvent,
		EventUser:   "alice",
	}))
	clock.Advance(time.Minute)
	require.NoError(t, e.EmitAuditEvent(context.Background(), EventFields{
		EventAction:  SessionDisconnectEvent,
		EventUser:    "alice",
		EventOutcome: OutcomeFailed,
	}))

	require.Equal(t, []string{SessionConnectEvent, SessionDisconnectEvent}, e.Actions())

	records := e.Events()
	require.Equal(t, OutcomeOK, records[0].GetOutcome())
	require.NotEmpty(t, records[0].GetString(EventTime))
	// an explicit outcome is never overwritten by the stamp
	require.Equal(t, OutcomeFailed, records[1].GetOutcome())

	e.Reset()
	require.Empty(t, e.Events())
}
