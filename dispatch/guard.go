// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"net"
	"net/http"
	"net/url"

	"github.com/buntime/buntime/sdk"
)

// stateChanging are the methods subject to the CSRF origin check.
var stateChanging = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// guardCSRF enforces the origin check on state-changing methods. Trusted
// internal calls bypass via the internal header; everything else must
// present an http(s) Origin without credentials whose host equals the
// request Host.
func guardCSRF(r *http.Request) *sdk.Error {
	if !stateChanging[r.Method] {
		return nil
	}
	if r.Header.Get(sdk.HeaderInternal) != "" {
		return nil
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return sdk.NewError(sdk.ErrorKindForbidden, "missing Origin header on state-changing request").
			WithCode("CSRF_REJECTED")
	}

	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.User != nil || u.Host == "" {
		return sdk.NewError(sdk.ErrorKindForbidden, "malformed Origin header").
			WithCode("CSRF_REJECTED")
	}

	if normalizeHost(u.Host) != normalizeHost(r.Host) {
		return sdk.NewError(sdk.ErrorKindForbidden, "cross-origin request rejected").
			WithCode("CSRF_REJECTED")
	}
	return nil
}

// guardBodySize rejects declared bodies over the global limit; the worker
// pool separately enforces the per-app limit while streaming.
func guardBodySize(r *http.Request, limit int64) *sdk.Error {
	if limit <= 0 {
		return nil
	}
	if r.ContentLength > limit {
		return sdk.NewError(sdk.ErrorKindBodyTooLarge,
			"request body of %d bytes exceeds the %d byte limit", r.ContentLength, limit)
	}
	return nil
}

// normalizeHost strips a default http/https port so an origin and a Host
// header compare equal whether or not the default port is spelled out. Any
// other port stays significant, as same-origin requires.
func normalizeHost(host string) string {
	if h, p, err := net.SplitHostPort(host); err == nil && (p == "80" || p == "443") {
		return h
	}
	return host
}
