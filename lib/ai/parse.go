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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/otium-ai/otium/lib/plan"
)

// parseContextBytes bounds the diagnostic slice attached to a
// ParseFailure. The full model output is never surfaced.
const parseContextBytes = 200

// rawPlan is the wire schema the generator is instructed to emit.
// Unknown extra fields are ignored.
type rawPlan struct {
	Intent      string    `json:"intent"`
	Action      string    `json:"action"`
	RiskLevel   string    `json:"risk_level"`
	Explanation string    `json:"explanation"`
	Steps       []rawStep `json:"steps"`
}

type rawStep struct {
	Step          int    `json:"step"`
	Command       string `json:"command"`
	Explanation   string `json:"explanation"`
	RiskLevel     string `json:"risk_level"`
	EstimatedTime string `json:"estimated_time"`
}

// normalization records what the validator had to fix up, for the
// audit detail of the submit record.
type Normalization struct {
	// CoercedRisks lists step indexes whose risk level was outside
	// the closed set and was coerced.
	CoercedRisks []int
	// RaisedRisks lists step indexes whose risk was raised by the
	// command classifier above the declared level.
	RaisedRisks []int
	// DeclaredOverall is set when the model's declared plan risk
	// disagreed with the computed maximum.
	DeclaredOverall string
}

// Summary renders the normalization for an audit detail field, empty
// when nothing was fixed.
func (n *Normalization) Summary() string {
	var parts []string
	if len(n.CoercedRisks) > 0 {
		parts = append(parts, fmt.Sprintf("coerced invalid risk on steps %v", n.CoercedRisks))
	}
	if len(n.RaisedRisks) > 0 {
		parts = append(parts, fmt.Sprintf("raised classified risk on steps %v", n.RaisedRisks))
	}
	if n.DeclaredOverall != "" {
		parts = append(parts, fmt.Sprintf("overrode declared overall risk %q", n.DeclaredOverall))
	}
	return strings.Join(parts, "; ")
}

// parsePlan drives the §response recovery: repair, parse with one
// missing-closer retry, schema check, risk normalization. It returns
// the step skeleton of a plan; identity fields are filled by the
// caller.
func parsePlan(output string) (*plan.Plan, *Normalization, error) {
	candidate, ok := repairModelOutput(output)
	if !ok {
		return nil, nil, NewParseFailure("no JSON object found in model output", contextSlice(output, 0, parseContextBytes))
	}

	var raw rawPlan
	err := json.Unmarshal([]byte(candidate), &raw)
	if err != nil {
		// a single retry is allowed when the stream is merely missing
		// its closing braces or brackets
		closers := missingClosers(candidate)
		if closers == "" {
			return nil, nil, NewParseFailure(err.Error(), parseErrorContext(candidate, err))
		}
		candidate += closers
		if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
			return nil, nil, NewParseFailure(err.Error(), parseErrorContext(candidate, err))
		}
	}

	if len(raw.Steps) == 0 && strings.TrimSpace(raw.Explanation) != "" {
		return nil, nil, NewModelRefusal(raw.Explanation)
	}

	var missing []string
	if strings.TrimSpace(raw.Intent) == "" {
		missing = append(missing, "intent")
	}
	if strings.TrimSpace(raw.Action) == "" {
		missing = append(missing, "action")
	}
	if strings.TrimSpace(raw.RiskLevel) == "" {
		missing = append(missing, "risk_level")
	}
	if len(raw.Steps) == 0 {
		missing = append(missing, "steps")
	}
	for i, s := range raw.Steps {
		if strings.TrimSpace(s.Command) == "" {
			missing = append(missing, fmt.Sprintf("steps[%d].command", i))
		}
		if s.Step != i+1 {
			missing = append(missing, fmt.Sprintf("steps[%d].step", i))
		}
	}
	if len(missing) > 0 {
		return nil, nil, NewValidationFailure(missing...)
	}

	norm := &Normalization{}
	steps := make([]*plan.Step, len(raw.Steps))
	for i, s := range raw.Steps {
		risk := plan.RiskLevel(strings.ToLower(strings.TrimSpace(s.RiskLevel)))
		if !risk.Valid() {
			risk = plan.RiskMedium
			norm.CoercedRisks = append(norm.CoercedRisks, i)
		}
		if classified := ClassifyCommandRisk(s.Command); classified.AtLeast(risk) && classified != risk {
			risk = classified
			norm.RaisedRisks = append(norm.RaisedRisks, i)
		}
		steps[i] = &plan.Step{
			Index:        i,
			Command:      strings.TrimSpace(s.Command),
			Explanation:  s.Explanation,
			DurationHint: s.EstimatedTime,
			Risk:         risk,
			State:        plan.StepPending,
		}
	}

	// the computed maximum wins over whatever the model declared
	overall := plan.MaxRisk(steps)
	if declared := plan.RiskLevel(strings.ToLower(strings.TrimSpace(raw.RiskLevel))); declared != overall {
		norm.DeclaredOverall = string(declared)
	}

	return &plan.Plan{
		Intent:      raw.Intent,
		Action:      raw.Action,
		Explanation: raw.Explanation,
		OverallRisk: overall,
		Steps:       steps,
	}, norm, nil
}

// parseErrorContext extracts the byte offset from a JSON syntax or
// type error and slices diagnostics around it.
func parseErrorContext(candidate string, err error) string {
	var offset int64
	switch e := err.(type) {
	case *json.SyntaxError:
		offset = e.Offset
	case *json.UnmarshalTypeError:
		offset = e.Offset
	default:
		offset = int64(len(candidate))
	}
	return contextSlice(candidate, offset, parseContextBytes)
}
