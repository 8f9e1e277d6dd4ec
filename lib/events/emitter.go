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
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/otium-ai/otium"
)

// NewLogEmitter returns an emitter that writes audit records to the
// structured log. It is the default sink when no external sink is
// configured.
func NewLogEmitter(clock clockwork.Clock) *LogEmitter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LogEmitter{
		clock: clock,
		log: logrus.WithFields(logrus.Fields{
			otium.ComponentKey: otium.ComponentAudit,
		}),
	}
}

// LogEmitter emits audit records to logrus.
type LogEmitter struct {
	clock clockwork.Clock
	log   *logrus.Entry
}

// EmitAuditEvent stamps the record and writes it as one log entry.
func (e *LogEmitter) EmitAuditEvent(ctx context.Context, fields EventFields) error {
	if fields.GetAction() == "" {
		return trace.BadParameter("audit record is missing action")
	}
	stamp(fields, e.clock)
	e.log.WithFields(logrus.Fields(fields)).Info("Audit event.")
	return nil
}

// DiscardEmitter drops every record. Used when audit is explicitly
// disabled and as a default in tests that do not assert on audit.
type DiscardEmitter struct{}

// EmitAuditEvent drops the record.
func (DiscardEmitter) EmitAuditEvent(ctx context.Context, fields EventFields) error {
	return nil
}

// NewMemoryEmitter returns an emitter that buffers records in memory
// in arrival order. Tests use it to assert on causal ordering.
func NewMemoryEmitter(clock clockwork.Clock) *MemoryEmitter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryEmitter{clock: clock}
}

// MemoryEmitter is an in-memory append-only sink.
type MemoryEmitter struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	events []EventFields
}

// EmitAuditEvent appends the record to the buffer.
func (e *MemoryEmitter) EmitAuditEvent(ctx context.Context, fields EventFields) error {
	if fields.GetAction() == "" {
		return trace.BadParameter("audit record is missing action")
	}
	stamp(fields, e.clock)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, fields)
	return nil
}

// Events returns a copy of all buffered records in emission order.
func (e *MemoryEmitter) Events() []EventFields {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]EventFields, len(e.events))
	copy(out, e.events)
	return out
}

// Actions returns the action names of all buffered records in
// emission order.
func (e *MemoryEmitter) Actions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.events))
	for _, f := range e.events {
		out = append(out, f.GetAction())
	}
	return out
}

// Reset drops all buffered records.
func (e *MemoryEmitter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = nil
}

func stamp(fields EventFields, clock clockwork.Clock) {
	if _, ok := fields[EventTime]; !ok {
		fields[EventTime] = clock.Now().UTC().Format(time.RFC3339Nano)
	}
	if _, ok := fields[EventOutcome]; !ok {
		fields[EventOutcome] = OutcomeOK
	}
}
