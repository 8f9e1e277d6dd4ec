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

// Package web is the thin HTTP adapter over the agent operations. It
// translates requests one-to-one, maps the error taxonomy onto status
// codes and carries the opaque user identity from a request header.
package web

import (
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/otium-ai/otium"
	"github.com/otium-ai/otium/lib/agent"
	"github.com/otium-ai/otium/lib/ai"
	"github.com/otium-ai/otium/lib/httplib"
)

// UserIDHeader carries the opaque user identity. Authentication is the
// deployment's concern; the adapter only requires the header to be
// present.
const UserIDHeader = "X-Otium-User"

// Config configures the web handler.
type Config struct {
	// Agent is the operation surface being adapted.
	Agent *agent.Agent
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Agent == nil {
		return trace.BadParameter("missing parameter Agent")
	}
	return nil
}

// Handler is the HTTP API.
type Handler struct {
	httprouter.Router
	cfg Config
	log *logrus.Entry
}

// NewHandler returns the HTTP API handler.
func NewHandler(config Config) (*Handler, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg: config,
		log: logrus.WithFields(logrus.Fields{
			otium.ComponentKey: otium.ComponentWeb,
		}),
	}

	h.POST("/v1/sessions", h.withAuth(h.connect))
	h.GET("/v1/sessions", h.withAuth(h.status))
	h.DELETE("/v1/sessions", h.withAuth(h.disconnectAll))
	h.DELETE("/v1/sessions/:session_id", h.withAuth(h.disconnect))

	h.POST("/v1/plans", h.withAuth(h.submit))
	h.GET("/v1/plans/:plan_id", h.withAuth(h.getPlan))
	h.POST("/v1/plans/:plan_id/respond", h.withAuth(h.respond))
	h.POST("/v1/plans/:plan_id/respond_all", h.withAuth(h.respondAll))
	h.POST("/v1/plans/:plan_id/chat", h.withAuth(h.chat))

	h.POST("/v1/beacon/leave", h.withAuth(h.beaconLeave))

	h.GET("/healthz", httplib.MakeHandler(h.health))
	h.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	return h, nil
}

// authHandler is a handler bound to a validated user identity.
type authHandler func(w http.ResponseWriter, r *http.Request, p httprouter.Params, userID string) (interface{}, error)

// withAuth extracts the user identity header and rejects requests
// without one.
func (h *Handler) withAuth(fn authHandler) httprouter.Handle {
	return httplib.MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if userID == "" {
			return nil, trace.AccessDenied("missing %v header", UserIDHeader)
		}
		out, err := fn(w, r, p, userID)
		if err != nil {
			return nil, trace.Wrap(translateGenerationError(err))
		}
		return out, nil
	})
}

// translateGenerationError maps the generation failures, which are not
// trace errors, onto statuses the adapter can express: a refusal is a
// client-visible rejection, parse and validation failures are a bad
// upstream, a model timeout is a gateway timeout.
func translateGenerationError(err error) error {
	switch {
	case ai.IsModelRefusal(err):
		return trace.BadParameter("model declined the request: %v", trace.UserMessage(err))
	case ai.IsParseFailure(err), ai.IsValidationFailure(err):
		return trace.ConnectionProblem(err, "model output was unusable")
	case ai.IsModelTimeout(err):
		return trace.ConnectionProblem(err, "model deadline exceeded")
	}
	return err
}

func (h *Handler) connect(w http.ResponseWriter, r *http.Request, p httprouter.Params, userID string) (interface{}, error) {
	var req struct {
		Hostname   string `json:"hostname"`
		Port       int    `json:"port"`
		Username   string `json:"username"`
		Credential string `json:"credential"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := h.cfg.Agent.Connect(r.Context(), userID, agent.ConnectParams{
		Hostname:   req.Hostname,
		Port:       req.Port,
		Username:   req.Username,
		Credential: req.Credential,
	})
	return result, trace.Wrap(err)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request, p httprouter.Params, userID string) (interface{}, error) {
	status, err := h.cfg.Agent.Status(userID)
	return status, trace.Wrap(err)
}

func (h *Handler) disconnect(w http.ResponseWriter, r *http.Request, p httprouter.Params, userID string) (interface{}, error) {
	return nil, trace.Wrap(h.cfg.Agent.Disconnect(r.Context(), userID, p.ByName("session_id")))
}

func (h *Handler) disconnectAll(w http.ResponseWriter, r *http.Request, p httprouter.Params, userID string) (interface{}, error) {
	return nil, trace.Wrap(h.cfg.Agent.Disconnect(r.Context(), userID, ""))
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, p httprouter.Params, userID string) (interface{}, error) {
	var req struct {
		SessionID string `json:"session_id"`
		Request   string `json:"request"`
		// Priority is accepted for callers that send it. Every plan is
		// review-gated the same way, so it does not affect handling.
		Priority string `json:"priority"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Priority != "" {
		h.log.WithField("priority", req.Priority).Debug("Ignoring submit priority hint.")
	}
	plan, err := h.cfg.Agent.Submit(r.Context(), userID, req.SessionID, req.Request)
	return plan, trace.Wrap(err)
}

func (h *Handler) getPlan(w http.ResponseWriter, r *http.Request, p httprouter.Params, userID string) (interface{}, error) {
	plan, err := h.cfg.Agent.GetPlan(userID, p.ByName("plan_id"))
	return plan, trace.Wrap(err)
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, p httprouter.Params, userID string) (interface{}, error) {
	var req struct {
		StepIndex int    `json:"step_index"`
		Approved  bool   `json:"approved"`
		Reason    string `json:"reason"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	outcome, err := h.cfg.Agent.Respond(r.Context(), userID, p.ByName("plan_id"), req.StepIndex, req.Approved, req.Reason)
	return outcome, trace.Wrap(err)
}

func (h *Handler) respondAll(w http.ResponseWriter, r *http.Request, p httprouter.Params, userID string) (interface{}, error) {
	var req struct {
		Approved bool   `json:"approved"`
		Reason   string `json:"reason"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	summary, err := h.cfg.Agent.RespondAll(r.Context(), userID, p.ByName("plan_id"), req.Approved, req.Reason)
	return summary, trace.Wrap(err)
}

func (h *Handler) chat(w http.ResponseWriter, r *http.Request, p httprouter.Params, userID string) (interface{}, error) {
	var req struct {
		Message string `json:"message"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	exchange, err := h.cfg.Agent.Chat(r.Context(), userID, p.ByName("plan_id"), req.Message)
	return exchange, trace.Wrap(err)
}

func (h *Handler) beaconLeave(w http.ResponseWriter, r *http.Request, p httprouter.Params, userID string) (interface{}, error) {
	return nil, trace.Wrap(h.cfg.Agent.BeaconLeave(r.Context(), userID))
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	return map[string]interface{}{
		"status":          "ok",
		"version":         otium.Version,
		"active_sessions": h.cfg.Agent.SessionCount(),
	}, nil
}
