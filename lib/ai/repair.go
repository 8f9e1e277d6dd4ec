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
	"strings"
)

// repairModelOutput applies the pre-parse recovery transforms, in
// order: fence stripping, object extraction, comment scrubbing,
// trailing-comma repair and string-local control-character escaping.
// It returns the repaired candidate JSON, or ok=false when no object
// could be located at all.
func repairModelOutput(raw string) (string, bool) {
	s := stripFences(raw)
	s, ok := extractObject(s)
	if !ok {
		return "", false
	}
	s = scrubComments(s)
	s = stripTrailingCommas(s)
	s = escapeControlChars(s)
	return s, true
}

// stripFences removes a leading/trailing markdown code fence with an
// optional json tag.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimPrefix(s, "JSON")
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// extractObject keeps the slice between the first '{' and the last
// '}'. When no closing brace follows the opening one the tail from
// '{' is kept so the missing-closer retry gets a chance.
func extractObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	end := strings.LastIndexByte(s, '}')
	if end < start {
		return s[start:], true
	}
	return s[start : end+1], true
}

// scrubComments removes //-line and /*-block comments outside of
// quoted strings. Operating with an in-string scanner keeps URLs and
// other slashes inside strings intact.
func scrubComments(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch {
		case c == '"':
			inString = true
			b.WriteByte(c)
		case c == '/' && i+1 < len(s) && s[i+1] == '/':
			for i < len(s) && s[i] != '\n' {
				i++
			}
			if i < len(s) {
				b.WriteByte('\n')
			}
		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			i += 2
			for i+1 < len(s) && !(s[i] == '*' && s[i+1] == '/') {
				i++
			}
			i++ // skip the trailing '/'
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// stripTrailingCommas drops commas that directly precede a closing
// brace or bracket, outside of quoted strings.
func stripTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && isJSONSpace(s[j]) {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue // drop the comma
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// escapeControlChars replaces literal ASCII control characters inside
// quoted strings with a single space, preserving the surrounding
// quotes and everything outside strings.
func escapeControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
				b.WriteByte(c)
				continue
			}
			switch {
			case c == '\\':
				escaped = true
				b.WriteByte(c)
			case c == '"':
				inString = false
				b.WriteByte(c)
			case c < 0x20:
				b.WriteByte(' ')
			default:
				b.WriteByte(c)
			}
			continue
		}
		if c == '"' {
			inString = true
		}
		b.WriteByte(c)
	}
	return b.String()
}

// missingClosers tracks unbalanced braces and brackets over the
// candidate stream, outside of quoted strings, and returns the
// closers to append in nesting order. An empty return means the
// stream is balanced.
func missingClosers(s string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}
	var closers []byte
	if inString {
		closers = append(closers, '"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		closers = append(closers, stack[i])
	}
	return string(closers)
}

// contextSlice returns at most max bytes of s around offset for
// parse-failure diagnostics.
func contextSlice(s string, offset int64, max int) string {
	if len(s) == 0 {
		return ""
	}
	center := int(offset)
	if center < 0 {
		center = 0
	}
	if center > len(s) {
		center = len(s)
	}
	start := center - max/2
	if start < 0 {
		start = 0
	}
	end := start + max
	if end > len(s) {
		end = len(s)
		if end-max > 0 {
			start = end - max
		} else {
			start = 0
		}
	}
	return s[start:end]
}

func isJSONSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
