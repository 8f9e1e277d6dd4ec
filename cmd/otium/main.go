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

// Command otium runs the control plane: the session registry, the plan
// generation pipeline and the HTTP adapter, wired together from one
// YAML config file.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/otium-ai/otium"
	"github.com/otium-ai/otium/lib/agent"
	"github.com/otium-ai/otium/lib/ai"
	"github.com/otium-ai/otium/lib/config"
	"github.com/otium-ai/otium/lib/defaults"
	"github.com/otium-ai/otium/lib/events"
	"github.com/otium-ai/otium/lib/orchestrator"
	"github.com/otium-ai/otium/lib/profile"
	"github.com/otium-ai/otium/lib/registry"
	"github.com/otium-ai/otium/lib/secret"
	"github.com/otium-ai/otium/lib/web"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("otium", "Reviewed, step-gated remote administration over SSH.")
	app.HelpFlag.Short('h')

	start := app.Command("start", "Start the control plane.")
	configPath := start.Flag("config", "Path to a YAML configuration file.").Short('c').String()
	listenAddr := start.Flag("listen-addr", "Override the HTTP listen address.").String()
	debug := start.Flag("debug", "Enable verbose logging.").Bool()

	version := app.Command("version", "Print the version and exit.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	switch command {
	case start.FullCommand():
		fc, err := loadConfig(*configPath)
		if err != nil {
			return trace.Wrap(err)
		}
		if *listenAddr != "" {
			fc.ListenAddr = *listenAddr
		}
		if *debug {
			fc.Log.Level = "debug"
		}
		if err := initLogging(fc.Log); err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(runServer(fc))
	case version.FullCommand():
		fmt.Println(otium.Version)
		return nil
	}
	return trace.BadParameter("unknown command %q", command)
}

func loadConfig(path string) (*config.FileConfig, error) {
	if path == "" {
		return config.Default(), nil
	}
	fc, err := config.ReadFromFile(path)
	return fc, trace.Wrap(err)
}

func initLogging(lc config.LogConfig) error {
	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		return trace.BadParameter("unsupported log level %q", lc.Level)
	}
	logrus.SetLevel(level)
	if lc.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logrus.SetOutput(os.Stderr)
	return nil
}

// runServer wires the components bottom-up and serves until SIGINT or
// SIGTERM, then drains in-flight requests and closes every session.
func runServer(fc *config.FileConfig) error {
	log := logrus.WithFields(logrus.Fields{
		otium.ComponentKey: otium.Component("otium", "main"),
	})

	key, err := vaultKey(fc, log)
	if err != nil {
		return trace.Wrap(err)
	}
	vault, err := secret.New(secret.Config{KeyBytes: key})
	if err != nil {
		return trace.Wrap(err)
	}

	profiler, err := profile.New(profile.Config{})
	if err != nil {
		return trace.Wrap(err)
	}

	emitter := events.NewLogEmitter(nil)

	reg, err := registry.New(registry.Config{
		Vault:                 vault,
		Profiler:              profiler,
		Emitter:               emitter,
		HeartbeatInterval:     fc.Limits.HeartbeatInterval,
		HeartbeatFailureLimit: fc.Limits.HeartbeatFailureLimit,
		IdleTimeout:           fc.Limits.IdleTimeout,
		MaxSessionsPerUser:    fc.Limits.MaxSessionsPerUser,
		ConnectTimeout:        fc.Limits.ConnectTimeout,
		MaxOutputBytes:        fc.Limits.MaxOutputBytes,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer reg.Close()

	if fc.Model.APIKey == "" {
		return trace.BadParameter("model API key is not set, configure model.api_key or export OPENAI_API_KEY")
	}
	generator, err := ai.NewOpenAIGenerator(ai.OpenAIGeneratorConfig{
		APIKey:      fc.Model.APIKey,
		BaseURL:     fc.Model.BaseURL,
		Model:       fc.Model.Name,
		Temperature: fc.Model.Temperature,
		MaxTokens:   fc.Model.MaxTokens,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	service, err := ai.NewService(ai.ServiceConfig{
		Generator:       generator,
		GenerateTimeout: fc.Model.GenerateTimeout,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Sessions:    orchestrator.RegistrySessions(reg),
		Generator:   service,
		Emitter:     emitter,
		StepTimeout: fc.Limits.StepTimeout,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	a, err := agent.New(agent.Config{
		Vault:        vault,
		Registry:     reg,
		Orchestrator: orch,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	handler, err := web.NewHandler(web.Config{Agent: a})
	if err != nil {
		return trace.Wrap(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go reg.Start(ctx)

	server := &http.Server{
		Addr:    fc.ListenAddr,
		Handler: handler,
	}
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", fc.ListenAddr).Infof("Otium %v listening.", otium.Version)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return trace.Wrap(err)
	case <-ctx.Done():
	}

	log.Info("Shutting down.")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return trace.Wrap(err)
	}
	return nil
}

// vaultKey loads the configured sealing key or generates an ephemeral
// one. With an ephemeral key every credential sealed by this process
// dies with it, which is the intended default.
func vaultKey(fc *config.FileConfig, log *logrus.Entry) ([]byte, error) {
	if fc.VaultKey != "" {
		key, err := secret.KeyFromEncodedString(fc.VaultKey)
		return key, trace.Wrap(err)
	}
	key, err := secret.NewKey()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	log.Warn("No vault_key configured, using an ephemeral sealing key.")
	return key, nil
}
