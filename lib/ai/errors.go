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
	"fmt"
	"strings"

	"github.com/gravitational/trace"
)

// parseFailure is an error caused by model output that could not be
// coaxed into JSON even after the repair pipeline. It carries the
// last parser error and a truncated context slice around the failure
// point, never the full model output.
type parseFailure struct {
	detail  string
	context string
}

// NewParseFailure builds a ParseFailure. contextSlice must already be
// truncated by the caller.
func NewParseFailure(detail, contextSlice string) error {
	return &parseFailure{detail: detail, context: contextSlice}
}

// IsParseFailure returns true if the error is a ParseFailure.
func IsParseFailure(err error) bool {
	_, ok := trace.Unwrap(err).(*parseFailure)
	return ok
}

func (e *parseFailure) Error() string {
	if e.context == "" {
		return fmt.Sprintf("failed to parse model output: %v", e.detail)
	}
	return fmt.Sprintf("failed to parse model output: %v (near %q)", e.detail, e.context)
}

// validationFailure is an error caused by structurally valid JSON
// that does not satisfy the plan schema.
type validationFailure struct {
	missing []string
}

// NewValidationFailure builds a ValidationFailure carrying the
// missing or invalid field list.
func NewValidationFailure(missing ...string) error {
	return &validationFailure{missing: missing}
}

// IsValidationFailure returns true if the error is a
// ValidationFailure.
func IsValidationFailure(err error) bool {
	_, ok := trace.Unwrap(err).(*validationFailure)
	return ok
}

func (e *validationFailure) Error() string {
	return fmt.Sprintf("model output failed schema validation, missing or invalid: %v", strings.Join(e.missing, ", "))
}

// modelRefusal is returned when the model explicitly declined the
// request: an empty step list with an explanation.
type modelRefusal struct {
	explanation string
}

// NewModelRefusal builds a ModelRefusal.
func NewModelRefusal(explanation string) error {
	return &modelRefusal{explanation: explanation}
}

// IsModelRefusal returns true if the error is a ModelRefusal.
func IsModelRefusal(err error) bool {
	_, ok := trace.Unwrap(err).(*modelRefusal)
	return ok
}

func (e *modelRefusal) Error() string {
	return fmt.Sprintf("model declined to generate a plan: %v", e.explanation)
}

// modelTimeout is returned when the generator deadline expired before
// the model produced a reply.
type modelTimeout struct {
	detail string
}

// NewModelTimeout builds a ModelTimeout.
func NewModelTimeout(detail string) error {
	return &modelTimeout{detail: detail}
}

// IsModelTimeout returns true if the error is a ModelTimeout.
func IsModelTimeout(err error) bool {
	_, ok := trace.Unwrap(err).(*modelTimeout)
	return ok
}

func (e *modelTimeout) Error() string {
	return fmt.Sprintf("model deadline exceeded: %v", e.detail)
}
