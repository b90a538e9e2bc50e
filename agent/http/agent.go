// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package http

import (
	"net/http"
	"strings"
)

// agentSpecificRequest dispatches the /v1/agent/ sub-routes.
func (s *Server) agentSpecificRequest(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	path := strings.TrimSuffix(r.URL.Path, "/")

	switch path {
	case "/v1/agent/reload":
		return s.agentReload(w, r)
	default:
		return nil, newCodedError(http.StatusNotFound, "Not found")
	}
}

// agentReload asks the agent to rescan its worker directories.
func (s *Server) agentReload(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		return nil, newCodedError(http.StatusMethodNotAllowed, errInvalidMethod)
	}
	return s.agent.ReloadAgent(w, r)
}
