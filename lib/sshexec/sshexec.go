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

// Package sshexec owns exactly one authenticated shell channel to one
// target host and knows how to run a single command over it with a
// deadline, capturing stdout, stderr and the exit code.
package sshexec

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/otium-ai/otium"
	"github.com/otium-ai/otium/lib/defaults"
)

// Config describes one target host connection.
type Config struct {
	// Hostname is the target host to dial.
	Hostname string
	// Port is the SSH port, defaults to defaults.SSHPort.
	Port int
	// Username is the login to authenticate as.
	Username string
	// Credential is either a password or private key material,
	// disambiguated by content.
	Credential []byte
	// DialTimeout caps TCP connect plus handshake and auth.
	DialTimeout time.Duration
	// MaxOutputBytes caps each captured output stream.
	MaxOutputBytes int
	// Clock is used for result timestamps, swapped in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Hostname == "" {
		return trace.BadParameter("missing parameter Hostname")
	}
	if c.Username == "" {
		return trace.BadParameter("missing parameter Username")
	}
	if len(c.Credential) == 0 {
		return trace.BadParameter("missing parameter Credential")
	}
	if c.Port == 0 {
		c.Port = defaults.SSHPort
	}
	if c.Port < 1 || c.Port > 65535 {
		return trace.BadParameter("port %v is out of range", c.Port)
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaults.ConnectTimeout
	}
	if c.MaxOutputBytes == 0 {
		c.MaxOutputBytes = defaults.MaxOutputBytes
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// CommandResult captures one remote command execution.
type CommandResult struct {
	// ExitCode is the remote exit status. -1 is reserved for
	// client-side failures (deadline, channel loss); Stderr carries
	// the reason in that case.
	ExitCode int `json:"exit_code"`
	// Stdout is the captured standard output, truncated at the
	// configured cap.
	Stdout []byte `json:"stdout"`
	// Stderr is the captured standard error, truncated at the
	// configured cap.
	Stderr []byte `json:"stderr"`
	// Duration is the wall time of the execution.
	Duration time.Duration `json:"duration"`
	// StartedAt and FinishedAt bracket the execution.
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Success is true when the remote command exited zero.
func (r *CommandResult) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Clone returns a deep copy of the result.
func (r *CommandResult) Clone() *CommandResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Stdout = append([]byte(nil), r.Stdout...)
	out.Stderr = append([]byte(nil), r.Stderr...)
	return &out
}

// Client is a live authenticated connection to one host. A client is
// safe for concurrent use; each Run opens its own exec channel on the
// shared connection.
type Client struct {
	cfg    Config
	client *ssh.Client
	log    *logrus.Entry

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open performs the TCP connect, protocol negotiation and
// authentication, then verifies the channel with a cheap probe.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	log := logrus.WithFields(logrus.Fields{
		otium.ComponentKey: otium.ComponentTransport,
		"host":             cfg.Hostname,
		"user":             cfg.Username,
	})

	auth, err := authMethods(cfg.Credential)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	addr := net.JoinHostPort(cfg.Hostname, fmt.Sprintf("%d", cfg.Port))
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "failed to dial %v", addr)
	}

	// bound the handshake and auth by the same dial timeout
	if err := conn.SetDeadline(cfg.Clock.Now().Add(cfg.DialTimeout)); err != nil {
		conn.Close()
		return nil, trace.Wrap(err)
	}
	clientConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.DialTimeout,
	}
	sconn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		if isAuthError(err) {
			return nil, trace.AccessDenied("authentication failed for %v@%v: %v", cfg.Username, cfg.Hostname, err)
		}
		return nil, trace.ConnectionProblem(err, "SSH handshake with %v failed", addr)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		sconn.Close()
		return nil, trace.Wrap(err)
	}

	c := &Client{
		cfg:    cfg,
		client: ssh.NewClient(sconn, chans, reqs),
		log:    log,
	}

	// same connection test the session is stored behind
	probeCtx, cancel := context.WithTimeout(ctx, defaults.ProbeTimeout)
	defer cancel()
	if !c.Heartbeat(probeCtx) {
		c.Close()
		return nil, trace.ConnectionProblem(nil, "connection test to %v failed", addr)
	}

	log.Debug("SSH transport established.")
	return c, nil
}

// authMethods picks the authentication method by credential content:
// parseable private key material means public key auth, anything else
// is treated as a password (with keyboard-interactive fallback for
// servers that insist on it).
func authMethods(credential []byte) ([]ssh.AuthMethod, error) {
	if signer, err := ssh.ParsePrivateKey(credential); err == nil {
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	password := string(credential)
	return []ssh.AuthMethod{
		ssh.Password(password),
		ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range questions {
				answers[i] = password
			}
			return answers, nil
		}),
	}, nil
}

// Addr returns the host:port this client is connected to.
func (c *Client) Addr() string {
	return net.JoinHostPort(c.cfg.Hostname, fmt.Sprintf("%d", c.cfg.Port))
}

// Close tears the connection down. Safe to call multiple times and
// concurrently with an in-flight Run, which will fail with a session
// closed error.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.client.Close()
		c.log.Debug("SSH transport closed.")
	})
	return c.closeErr
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	return c.closed.Load()
}
