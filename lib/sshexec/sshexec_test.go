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
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/otium-ai/otium/lib/defaults"
)

func TestConfigCheckAndSetDefaults(t *testing.T) {
	cfg := Config{
		Hostname:   "host.example.com",
		Username:   "root",
		Credential: []byte("password"),
	}
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, defaults.SSHPort, cfg.Port)
	require.Equal(t, defaults.ConnectTimeout, cfg.DialTimeout)
	require.Equal(t, defaults.MaxOutputBytes, cfg.MaxOutputBytes)
	require.NotNil(t, cfg.Clock)

	bad := Config{Username: "root", Credential: []byte("x")}
	require.Error(t, bad.CheckAndSetDefaults())

	badPort := Config{Hostname: "h", Username: "u", Credential: []byte("x"), Port: 70000}
	require.Error(t, badPort.CheckAndSetDefaults())
}

func TestAuthMethodsPassword(t *testing.T) {
	methods, err := authMethods([]byte("swordfish"))
	require.NoError(t, err)
	// password plus keyboard-interactive fallback
	require.Len(t, methods, 2)
}

func TestAuthMethodsPrivateKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	methods, err := authMethods(pem.EncodeToMemory(block))
	require.NoError(t, err)
	require.Len(t, methods, 1)
}

func TestCapWriterUnderCap(t *testing.T) {
	w := newCapWriter(64)
	n, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, []byte("hello"), w.Bytes())
	require.False(t, w.Truncated())
}

func TestCapWriterOverflow(t *testing.T) {
	const limit = 16
	w := newCapWriter(limit)
	payload := bytes.Repeat([]byte("a"), limit+100)
	n, err := w.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	out := w.Bytes()
	require.True(t, w.Truncated())
	// exactly the cap's bytes followed by the literal marker, no more
	require.Equal(t, limit+len(defaults.TruncatedMarker), len(out))
	require.Equal(t, payload[:limit], out[:limit])
	require.Equal(t, defaults.TruncatedMarker, string(out[limit:]))

	// later writes are swallowed without growing the buffer
	_, err = w.Write([]byte("more"))
	require.NoError(t, err)
	require.Equal(t, out, w.Bytes())
}

func TestCapWriterExactBoundary(t *testing.T) {
	w := newCapWriter(4)
	_, err := w.Write([]byte("abcd"))
	require.NoError(t, err)
	require.False(t, w.Truncated())
	require.Equal(t, "abcd", string(w.Bytes()))

	_, err = w.Write([]byte("e"))
	require.NoError(t, err)
	require.True(t, w.Truncated())
	require.Equal(t, "abcd"+defaults.TruncatedMarker, string(w.Bytes()))
}

func TestIsAuthError(t *testing.T) {
	require.False(t, isAuthError(nil))
	require.True(t, isAuthError(errString("ssh: unable to authenticate, attempted methods [password]")))
	require.True(t, isAuthError(errString("ssh: handshake failed: no supported methods remain")))
	require.False(t, isAuthError(errString("dial tcp: connection refused")))
}

func TestAppendReason(t *testing.T) {
	require.Equal(t, "boom", string(appendReason(nil, "boom")))
	out := appendReason([]byte("remote said no"), "boom")
	require.True(t, strings.HasSuffix(string(out), "\nboom"))
}

type errString string

func (e errString) Error() string { return string(e) }
