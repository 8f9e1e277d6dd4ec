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

// Package config defines the closed configuration record of the
// process: the vault key, the model credentials and the default-limits
// bundle. Everything else is compiled-in defaults.
package config

import (
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v2"

	"github.com/otium-ai/otium/lib/defaults"
)

// FileConfig is the on-disk YAML configuration.
type FileConfig struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`
	// VaultKey is the base64-encoded 32-byte credential sealing key.
	// When empty an ephemeral key is generated at start.
	VaultKey string `yaml:"vault_key"`
	// Model configures the external language model.
	Model ModelConfig `yaml:"model"`
	// Limits bundles the operational limits.
	Limits LimitsConfig `yaml:"limits"`
	// Log configures logging.
	Log LogConfig `yaml:"log"`
}

// ModelConfig configures the plan generation model.
type ModelConfig struct {
	// APIKey authenticates against the model API. Falls back to the
	// OPENAI_API_KEY environment variable.
	APIKey string `yaml:"api_key"`
	// BaseURL overrides the API endpoint for compatible gateways.
	BaseURL string `yaml:"base_url"`
	// Name selects the chat model.
	Name string `yaml:"name"`
	// Temperature is the sampling temperature.
	Temperature *float64 `yaml:"temperature,omitempty"`
	// MaxTokens caps the completion length.
	MaxTokens int64 `yaml:"max_tokens"`
	// GenerateTimeout bounds one generation call.
	GenerateTimeout time.Duration `yaml:"generate_timeout"`
}

// LimitsConfig is the default-limits bundle.
type LimitsConfig struct {
	// HeartbeatInterval is the session probe period.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// HeartbeatFailureLimit is the consecutive failed probes a session
	// survives before eviction.
	HeartbeatFailureLimit int `yaml:"heartbeat_failure_limit"`
	// IdleTimeout evicts sessions with no execution activity.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// ConnectTimeout bounds SSH dialing.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// StepTimeout is the default per-step execution deadline.
	StepTimeout time.Duration `yaml:"step_timeout"`
	// MaxOutputBytes caps captured stdout/stderr per command.
	MaxOutputBytes int `yaml:"max_output_bytes"`
	// MaxSessionsPerUser caps concurrent sessions per tenant.
	MaxSessionsPerUser int `yaml:"max_sessions_per_user"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// ReadFromFile loads and validates a config file.
func ReadFromFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return Parse(data)
}

// Parse parses and validates YAML configuration bytes.
func Parse(data []byte) (*FileConfig, error) {
	var fc FileConfig
	if err := yaml.UnmarshalStrict(data, &fc); err != nil {
		return nil, trace.BadParameter("failed to parse config: %v", err)
	}
	if err := fc.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &fc, nil
}

// Default returns the built-in configuration.
func Default() *FileConfig {
	fc := &FileConfig{}
	// defaults cannot fail
	_ = fc.CheckAndSetDefaults()
	return fc
}

// CheckAndSetDefaults fills in defaults and validates the config.
func (c *FileConfig) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.HTTPListenAddr
	}
	if c.Model.APIKey == "" {
		c.Model.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Model.Name == "" {
		c.Model.Name = defaults.GenerateModel
	}
	if c.Model.MaxTokens == 0 {
		c.Model.MaxTokens = defaults.GenerateMaxTokens
	}
	if c.Model.GenerateTimeout == 0 {
		c.Model.GenerateTimeout = defaults.GenerateTimeout
	}
	if c.Limits.HeartbeatInterval == 0 {
		c.Limits.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if c.Limits.HeartbeatFailureLimit == 0 {
		c.Limits.HeartbeatFailureLimit = defaults.HeartbeatFailureLimit
	}
	if c.Limits.IdleTimeout == 0 {
		c.Limits.IdleTimeout = defaults.SessionIdleTimeout
	}
	if c.Limits.ConnectTimeout == 0 {
		c.Limits.ConnectTimeout = defaults.ConnectTimeout
	}
	if c.Limits.StepTimeout == 0 {
		c.Limits.StepTimeout = defaults.StepTimeout
	}
	if c.Limits.MaxOutputBytes == 0 {
		c.Limits.MaxOutputBytes = defaults.MaxOutputBytes
	}
	if c.Limits.MaxSessionsPerUser == 0 {
		c.Limits.MaxSessionsPerUser = defaults.MaxSessionsPerUser
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return trace.BadParameter("unsupported log format %q", c.Log.Format)
	}
	if c.Limits.MaxSessionsPerUser < 1 {
		return trace.BadParameter("max_sessions_per_user must be positive")
	}
	return nil
}
