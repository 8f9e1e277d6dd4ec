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

// Package httplib implements common utility functions for writing
// classic HTTP handlers
package httplib

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

// maxRequestBodyBytes bounds request bodies the handlers will read.
const maxRequestBodyBytes = 1 << 20

// HandlerFunc specifies HTTP handler function that returns error
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// MakeHandler returns a new httprouter.Handle func from a handler func
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		ReplyJSON(w, http.StatusOK, out)
	}
}

// ReadJSON reads HTTP json request and unmarshals it
// into passed interface{} obj
func ReadJSON(r *http.Request, val interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, &val); err != nil {
		return trace.BadParameter("failed to parse request body: %v", err)
	}
	return nil
}

// ReplyJSON writes a JSON response with the given status code.
func ReplyJSON(w http.ResponseWriter, code int, out interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if out == nil {
		out = map[string]string{"status": "ok"}
	}
	if err := json.NewEncoder(w).Encode(out); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ReplyError maps an error from the taxonomy onto an HTTP status and
// writes it to writer w
func ReplyError(w http.ResponseWriter, err error) {
	message := map[string]string{"error": trace.UserMessage(err)}
	switch {
	case trace.IsNotFound(err):
		ReplyJSON(w, http.StatusNotFound, message)
	case trace.IsBadParameter(err) || trace.IsCompareFailed(err):
		ReplyJSON(w, http.StatusBadRequest, message)
	case trace.IsAccessDenied(err):
		ReplyJSON(w, http.StatusForbidden, message)
	case trace.IsAlreadyExists(err):
		ReplyJSON(w, http.StatusConflict, message)
	case trace.IsLimitExceeded(err):
		ReplyJSON(w, http.StatusTooManyRequests, message)
	case trace.IsConnectionProblem(err):
		ReplyJSON(w, http.StatusBadGateway, message)
	default:
		ReplyJSON(w, http.StatusInternalServerError, message)
	}
}
