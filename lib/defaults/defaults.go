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

// Package defaults contains default constants set in various parts of
// the otium control plane.
package defaults

import "time"

const (
	// SSHPort is the default port a target host is dialed on.
	SSHPort = 22

	// ConnectTimeout caps the TCP dial plus SSH handshake and
	// authentication of a new session.
	ConnectTimeout = 20 * time.Second

	// HeartbeatInterval is how often the registry probes every live
	// session with a cheap idempotent command.
	HeartbeatInterval = 30 * time.Second

	// HeartbeatFailureLimit is the number of consecutive failed probes
	// after which a session is closed and evicted.
	HeartbeatFailureLimit = 2

	// SessionIdleTimeout evicts sessions that have not executed a
	// command for this long.
	SessionIdleTimeout = 60 * time.Minute

	// MaxSessionsPerUser caps concurrent live sessions per user.
	MaxSessionsPerUser = 8

	// StepTimeout is the per-step execution deadline when the plan
	// carries no usable duration hint.
	StepTimeout = 120 * time.Second

	// MinStepTimeout and MaxStepTimeout bound any per-step deadline
	// derived from a generator duration hint.
	MinStepTimeout = 5 * time.Second
	MaxStepTimeout = 900 * time.Second

	// GenerateTimeout caps a single call to the plan generator model.
	GenerateTimeout = 90 * time.Second

	// ProbeTimeout caps each individual host profiling probe.
	ProbeTimeout = 5 * time.Second

	// MaxOutputBytes caps captured stdout and stderr of a remote
	// command, each buffer independently.
	MaxOutputBytes = 1 << 20

	// TruncatedMarker is appended to a capture buffer that hit
	// MaxOutputBytes.
	TruncatedMarker = "[truncated]"

	// MaxRequestChars bounds the natural-language request text.
	MaxRequestChars = 1000

	// MaxHostnameChars bounds a target hostname.
	MaxHostnameChars = 255
)

const (
	// GenerateModel is the completion model driven by the plan
	// generator.
	GenerateModel = "gpt-4o"

	// GenerateTemperature keeps command generation near-deterministic.
	GenerateTemperature = 0.1

	// GenerateMaxTokens caps a single completion.
	GenerateMaxTokens = 2000
)

const (
	// HTTPListenAddr is the default address of the HTTP adapter.
	HTTPListenAddr = "127.0.0.1:8080"

	// ShutdownTimeout is how long the HTTP adapter waits for in-flight
	// requests on graceful shutdown.
	ShutdownTimeout = 10 * time.Second
)
