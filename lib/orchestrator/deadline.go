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
	"strconv"
	"strings"
	"time"

	"github.com/otium-ai/otium/lib/defaults"
)

// StepDeadline derives the per-step execution deadline from the
// model's duration hint, clamped to [MinStepTimeout, MaxStepTimeout].
// An empty or unparseable hint yields the fallback timeout.
func StepDeadline(hint string, fallback time.Duration) time.Duration {
	if fallback <= 0 {
		fallback = defaults.StepTimeout
	}
	d, ok := parseDurationHint(hint)
	if !ok {
		return fallback
	}
	if d < defaults.MinStepTimeout {
		return defaults.MinStepTimeout
	}
	if d > defaults.MaxStepTimeout {
		return defaults.MaxStepTimeout
	}
	return d
}

// parseDurationHint accepts Go duration syntax ("90s", "2m"), bare
// numbers treated as seconds ("30"), and the spelled-out forms models
// like to emit ("30 seconds", "2 minutes").
func parseDurationHint(hint string) (time.Duration, bool) {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if hint == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(hint); err == nil && d > 0 {
		return d, true
	}
	if n, err := strconv.Atoi(hint); err == nil && n > 0 {
		return time.Duration(n) * time.Second, true
	}

	fields := strings.Fields(hint)
	if len(fields) != 2 {
		return 0, false
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n <= 0 {
		return 0, false
	}
	switch strings.TrimSuffix(fields[1], "s") {
	case "second", "sec":
		return time.Duration(n) * time.Second, true
	case "minute", "min":
		return time.Duration(n) * time.Minute, true
	case "hour", "hr":
		return time.Duration(n) * time.Hour, true
	}
	return 0, false
}
