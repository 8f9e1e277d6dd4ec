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
	"regexp"
	"strings"

	"github.com/gravitational/trace"

	"github.com/otium-ai/otium/lib/defaults"
)

var (
	hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)
	userIDPattern   = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,50}$`)

	// blockedRequestPatterns reject requests that ask for outright
	// destruction before a single model token is spent on them.
	blockedRequestPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)rm\s+-rf\s+/`),
		regexp.MustCompile(`(?i)dd\s+if=/dev/`),
		regexp.MustCompile(`(?i)mkfs`),
		regexp.MustCompile(`(?i):\(\)\s*\{\s*:\|:&\s*\};\s*:`),
		regexp.MustCompile(`(?i)>\s*/dev/sd[a-z]`),
		regexp.MustCompile(`(?i)chmod\s+777\s+/`),
		regexp.MustCompile(`(?i)sudo\s+rm\s+-rf`),
	}
)

// validateHostname enforces RFC-ish hostname shape and length.
func validateHostname(hostname string) error {
	if hostname == "" {
		return trace.BadParameter("missing hostname")
	}
	if len(hostname) > defaults.MaxHostnameChars {
		return trace.BadParameter("hostname exceeds %v characters", defaults.MaxHostnameChars)
	}
	if !hostnamePattern.MatchString(hostname) {
		return trace.BadParameter("invalid hostname %q", hostname)
	}
	return nil
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return trace.BadParameter("port %v is out of range 1-65535", port)
	}
	return nil
}

func validateUserID(userID string) error {
	if !userIDPattern.MatchString(userID) {
		return trace.BadParameter("invalid user id")
	}
	return nil
}

// validateRequest bounds and screens a natural-language request or
// chat message before it reaches the model.
func validateRequest(request string) error {
	trimmed := strings.TrimSpace(request)
	if trimmed == "" {
		return trace.BadParameter("request is empty")
	}
	if len(request) > defaults.MaxRequestChars {
		return trace.BadParameter("request exceeds %v characters", defaults.MaxRequestChars)
	}
	for _, pattern := range blockedRequestPatterns {
		if pattern.MatchString(request) {
			return trace.BadParameter("request contains a blocked destructive pattern")
		}
	}
	return nil
}
