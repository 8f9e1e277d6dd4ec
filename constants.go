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

// Package otium carries constants shared across the control plane.
package otium

import "strings"

const (
	// ComponentKey is the name of the logging field that carries
	// the component emitting the entry
	ComponentKey = "component"

	// ComponentVault is the credential sealing service
	ComponentVault = "vault"

	// ComponentTransport is the SSH transport layer
	ComponentTransport = "sshexec"

	// ComponentProfiler is the host profiling battery
	ComponentProfiler = "profiler"

	// ComponentRegistry is the per-user session registry
	ComponentRegistry = "registry"

	// ComponentGenerator is the plan generation and validation pipeline
	ComponentGenerator = "generator"

	// ComponentOrchestrator is the plan lifecycle state machine
	ComponentOrchestrator = "orchestrator"

	// ComponentAgent is the external operation facade
	ComponentAgent = "agent"

	// ComponentWeb is the HTTP adapter
	ComponentWeb = "web"

	// ComponentAudit is the audit event sink plumbing
	ComponentAudit = "audit"
)

const (
	// MetricActiveSessions is the name of the gauge tracking live SSH
	// sessions held by the registry
	MetricActiveSessions = "otium_active_sessions"

	// MetricExecutedSteps is the name of the counter tracking plan steps
	// executed against remote hosts
	MetricExecutedSteps = "otium_executed_steps_total"
)

// Component generates a component name joining all parts, used
// for logging, e.g. Component("registry", "heartbeat")
func Component(parts ...string) string {
	return strings.Join(parts, ":")
}

// Version is the agent version reported by the health endpoint.
// Overridden at build time via -ldflags for release builds.
var Version = "0.1.0-dev"
