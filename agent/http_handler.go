// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"net/http"
)

// DisplayMetrics returns a summary of the telemetry collected by the agent.
func (a *Agent) DisplayMetrics(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	return a.inMemSink.DisplayMetrics(resp, req)
}

// DisplayPoolMetrics returns a snapshot of worker pool statistics.
func (a *Agent) DisplayPoolMetrics(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	return a.pool.Metrics(), nil
}

// ReloadAgent rescans the worker directories.
func (a *Agent) ReloadAgent(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	a.reload()
	return nil, nil
}
