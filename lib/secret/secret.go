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

// Package secret seals and opens opaque byte blobs with an
// authenticated symmetric primitive (NaCl secretbox). Credentials at
// rest in the session registry only ever exist in sealed form.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"io"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/otium-ai/otium"
)

const (
	// KeyLength is the length of a sealing key in bytes.
	KeyLength = 32

	// NonceLength is the length of the fresh per-seal nonce in bytes.
	NonceLength = 24
)

// Config configures a vault. Exactly one process-wide vault is
// expected; collaborators receive it explicitly, never through
// package state.
type Config struct {
	// KeyBytes is the sealing key. When nil a fresh key is generated
	// and a warning is logged once: all blobs sealed with it become
	// unopenable after process exit.
	KeyBytes []byte
}

// Vault seals and opens credential blobs.
type Vault struct {
	key [KeyLength]byte
	log *logrus.Entry
}

// New returns a vault holding the configured key.
func New(config Config) (*Vault, error) {
	v := &Vault{
		log: logrus.WithFields(logrus.Fields{
			otium.ComponentKey: otium.ComponentVault,
		}),
	}
	switch {
	case config.KeyBytes == nil:
		if _, err := io.ReadFull(rand.Reader, v.key[:]); err != nil {
			return nil, trace.Wrap(err)
		}
		v.log.Warn("No sealing key configured, generated an ephemeral key. Sealed credentials will not survive a restart.")
	case len(config.KeyBytes) != KeyLength:
		return nil, trace.BadParameter("sealing key must be %v bytes, got %v", KeyLength, len(config.KeyBytes))
	default:
		copy(v.key[:], config.KeyBytes)
	}
	return v, nil
}

// Seal encrypts and authenticates plaintext under a fresh nonce. The
// returned blob is nonce || ciphertext. Plaintext is never logged;
// callers are expected to Zero their plaintext buffers after use.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	var nonce [NonceLength]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, trace.Wrap(err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &v.key), nil
}

// Open authenticates the blob and returns the plaintext. Any
// tampering with the blob yields an integrity error.
func (v *Vault) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < NonceLength+secretbox.Overhead {
		return nil, newIntegrityError("sealed blob too short: %v bytes", len(sealed))
	}
	var nonce [NonceLength]byte
	copy(nonce[:], sealed[:NonceLength])
	plaintext, ok := secretbox.Open(nil, sealed[NonceLength:], &nonce, &v.key)
	if !ok {
		return nil, newIntegrityError("authentication failed")
	}
	return plaintext, nil
}

// NewKey generates a fresh sealing key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeyLength)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, trace.Wrap(err)
	}
	return key, nil
}

// KeyFromEncodedString decodes a base64 standard-encoded sealing key.
func KeyFromEncodedString(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(key) != KeyLength {
		return nil, trace.BadParameter("sealing key must decode to %v bytes, got %v", KeyLength, len(key))
	}
	return key, nil
}

// KeyToEncodedString encodes a sealing key for storage in
// configuration.
func KeyToEncodedString(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// Zero overwrites a plaintext buffer. Callers invoke it as soon as a
// credential has been consumed.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
