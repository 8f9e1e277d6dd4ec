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

package sshexec

import (
	"bytes"
	"sync"

	"github.com/otium-ai/otium/lib/defaults"
)

// capWriter captures up to max bytes, then drops the rest and marks
// the buffer truncated. The capture ends up holding exactly max bytes
// followed by the truncation marker.
type capWriter struct {
	mu        sync.Mutex
	max       int
	buf       bytes.Buffer
	truncated bool
}

func newCapWriter(max int) *capWriter {
	return &capWriter{max: max}
}

// Write never returns an error: a full buffer silently swallows the
// overflow so the remote command is not back-pressured to death.
func (w *capWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.truncated {
		return len(p), nil
	}
	room := w.max - w.buf.Len()
	if room >= len(p) {
		w.buf.Write(p)
		return len(p), nil
	}
	w.buf.Write(p[:room])
	w.buf.WriteString(defaults.TruncatedMarker)
	w.truncated = true
	return len(p), nil
}

// Bytes returns the captured output, including the truncation marker
// when the cap was hit.
func (w *capWriter) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]byte, w.buf.Len())
	copy(out, w.buf.Bytes())
	return out
}

// Truncated reports whether the cap was hit.
func (w *capWriter) Truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.truncated
}
