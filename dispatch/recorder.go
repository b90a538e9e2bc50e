// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// recorder buffers a handler's response so the dispatcher can inspect the
// status before committing: plugin-route 404s fall through to worker
// routing instead of reaching the client.
type recorder struct {
	header http.Header
	code   int
	buf    bytes.Buffer
	wrote  bool
}

func newRecorder() *recorder {
	return &recorder{header: make(http.Header)}
}

func (rec *recorder) Header() http.Header { return rec.header }

func (rec *recorder) WriteHeader(code int) {
	if !rec.wrote {
		rec.code = code
		rec.wrote = true
	}
}

func (rec *recorder) Write(b []byte) (int, error) {
	if !rec.wrote {
		rec.WriteHeader(http.StatusOK)
	}
	return rec.buf.Write(b)
}

// response converts the recording into an http.Response for the
// onResponse chain.
func (rec *recorder) response(r *http.Request) *http.Response {
	code := rec.code
	if code == 0 {
		code = http.StatusOK
	}
	body := rec.buf.Bytes()

	return &http.Response{
		StatusCode:    code,
		Status:        fmt.Sprintf("%d %s", code, http.StatusText(code)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        rec.header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       r,
	}
}
