// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package authz

import (
	"io"
	"net/http"
	"strings"

	"github.com/hashicorp/go-msgpack/codec"

	"github.com/buntime/buntime/policy"
	"github.com/buntime/buntime/sdk"
)

// maxAdminBody caps admin API request bodies.
const maxAdminBody = 1 << 20

// routes builds the admin API handler. Paths are relative to the plugin
// base, which the dispatcher strips before invoking.
func (a *Authz) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/policies", a.handlePolicies)
	mux.HandleFunc("/api/policies/", a.handlePolicyByID)
	mux.HandleFunc("/api/evaluate", a.handleEvaluate)
	mux.HandleFunc("/api/explain", a.handleExplain)
	return mux
}

func (a *Authz) handlePolicies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, a.store.List())

	case http.MethodPost:
		p, err := readPolicy(r)
		if err != nil {
			sdk.WriteError(w, sdk.NewError(sdk.ErrorKindValidation, "invalid policy body: %v", err))
			return
		}
		if err := a.store.Upsert(p); err != nil {
			sdk.WriteError(w, sdk.NewError(sdk.ErrorKindValidation, "%v", err))
			return
		}
		writeJSON(w, http.StatusOK, a.store.Get(p.ID))

	default:
		sdk.WriteError(w, sdk.NewError(sdk.ErrorKindValidation, "method %s not allowed", r.Method).
			WithCode("METHOD_NOT_ALLOWED"))
	}
}

func (a *Authz) handlePolicyByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/policies/")
	if id == "" || strings.Contains(id, "/") {
		sdk.WriteError(w, sdk.NewError(sdk.ErrorKindNotFound, "policy not found"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		p := a.store.Get(id)
		if p == nil {
			sdk.WriteError(w, sdk.NewError(sdk.ErrorKindNotFound, "policy %q not found", id))
			return
		}
		writeJSON(w, http.StatusOK, p)

	case http.MethodDelete:
		ok, err := a.store.Delete(id)
		if err != nil {
			sdk.WriteError(w, sdk.NewError(sdk.ErrorKindInternal, "failed to delete policy: %v", err))
			return
		}
		if !ok {
			sdk.WriteError(w, sdk.NewError(sdk.ErrorKindNotFound, "policy %q not found", id))
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": id})

	default:
		sdk.WriteError(w, sdk.NewError(sdk.ErrorKindValidation, "method %s not allowed", r.Method).
			WithCode("METHOD_NOT_ALLOWED"))
	}
}

func (a *Authz) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	ectx, ok := readContext(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.evaluate(ectx))
}

// handleExplain returns the decision together with the evaluated context
// and the policy snapshot it was made against.
func (a *Authz) handleExplain(w http.ResponseWriter, r *http.Request) {
	ectx, ok := readContext(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Context  *policy.Context  `json:"context"`
		Decision policy.Decision  `json:"decision"`
		Policies []*policy.Policy `json:"policies"`
	}{
		Context:  ectx,
		Decision: a.evaluate(ectx),
		Policies: a.store.List(),
	})
}

func readContext(w http.ResponseWriter, r *http.Request) (*policy.Context, bool) {
	if r.Method != http.MethodPost {
		sdk.WriteError(w, sdk.NewError(sdk.ErrorKindValidation, "method %s not allowed", r.Method).
			WithCode("METHOD_NOT_ALLOWED"))
		return nil, false
	}

	var ectx policy.Context
	if err := readJSON(r, &ectx); err != nil {
		sdk.WriteError(w, sdk.NewError(sdk.ErrorKindValidation, "invalid evaluation context: %v", err))
		return nil, false
	}
	return &ectx, true
}

func readPolicy(r *http.Request) (*policy.Policy, error) {
	var p policy.Policy
	if err := readJSON(r, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func readJSON(r *http.Request, out interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxAdminBody))
	if err != nil {
		return err
	}
	return codec.NewDecoderBytes(data, &codec.JsonHandle{}).Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &codec.JsonHandle{HTMLCharsAsIs: true})
	if err := enc.Encode(v); err != nil {
		sdk.WriteError(w, sdk.NewError(sdk.ErrorKindInternal, "failed to encode response"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf)
}
