// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package sdk

import (
	"bytes"
	"net/http"

	"github.com/hashicorp/go-msgpack/codec"
)

// HeaderRequestID carries the request id on every response.
const HeaderRequestID = "X-Request-Id"

// HeaderIdentity is the serialized identity injected by the authentication
// layer and consumed by downstream authorization hooks and workers.
const HeaderIdentity = "X-Identity"

// HeaderInternal marks a request as originating from trusted transport and
// exempts it from CSRF origin validation.
const HeaderInternal = "X-Buntime-Internal"

// Headers injected into worker requests by the dispatcher.
const (
	HeaderBase          = "x-base"
	HeaderFragmentRoute = "x-fragment-route"
	HeaderVHostTenant   = "x-vhost-tenant"
	HeaderNotFound      = "x-not-found"
)

// Identity is the authenticated caller as serialized into the X-Identity
// header by the authentication plugin.
type Identity struct {
	ID     string                 `json:"id"`
	Roles  []string               `json:"roles,omitempty"`
	Groups []string               `json:"groups,omitempty"`
	Claims map[string]interface{} `json:"claims,omitempty"`
}

// ParseIdentity decodes the X-Identity header from the request. It returns
// nil without error when the header is absent.
func ParseIdentity(r *http.Request) (*Identity, error) {
	raw := r.Header.Get(HeaderIdentity)
	if raw == "" {
		return nil, nil
	}

	var id Identity
	dec := codec.NewDecoder(bytes.NewBufferString(raw), &codec.JsonHandle{})
	if err := dec.Decode(&id); err != nil {
		return nil, NewError(ErrorKindValidation, "malformed %s header: %v", HeaderIdentity, err)
	}
	return &id, nil
}
