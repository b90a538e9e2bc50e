// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package keyenc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncode_roundTrip(t *testing.T) {
	testCases := []struct {
		inputParts     []interface{}
		expectedOutput []interface{}
		name           string
	}{
		{
			inputParts:     []interface{}{"policies", "p1"},
			expectedOutput: []interface{}{"policies", "p1"},
			name:           "string tuple",
		},
		{
			inputParts:     []interface{}{"a\x00b"},
			expectedOutput: []interface{}{"a\x00b"},
			name:           "embedded null byte",
		},
		{
			inputParts:     []interface{}{[]byte{0x00, 0xFF}, int64(-7), 3.5, true},
			expectedOutput: []interface{}{[]byte{0x00, 0xFF}, int64(-7), 3.5, true},
			name:           "mixed types",
		},
		{
			inputParts:     []interface{}{42},
			expectedOutput: []interface{}{int64(42)},
			name:           "int decodes as int64",
		},
		{
			inputParts:     []interface{}{""},
			expectedOutput: []interface{}{""},
			name:           "empty string",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := Encode(tc.inputParts...)
			assert.Nil(t, err, tc.name)

			decoded, err := Decode(key)
			assert.Nil(t, err, tc.name)
			assert.Equal(t, tc.expectedOutput, decoded, tc.name)
		})
	}
}

func TestEncode_ordering(t *testing.T) {
	// Each pair must encode such that the first key sorts strictly below
	// the second.
	testCases := []struct {
		lo   []interface{}
		hi   []interface{}
		name string
	}{
		{[]interface{}{"a"}, []interface{}{"b"}, "string order"},
		{[]interface{}{"a"}, []interface{}{"aa"}, "prefix sorts first"},
		{[]interface{}{"a\x00"}, []interface{}{"a\x00a"}, "null escape preserves order"},
		{[]interface{}{int64(-10)}, []interface{}{int64(-1)}, "negative ints"},
		{[]interface{}{int64(-1)}, []interface{}{int64(0)}, "sign crossing"},
		{[]interface{}{int64(0)}, []interface{}{int64(100)}, "positive ints"},
		{[]interface{}{-2.5}, []interface{}{-1.25}, "negative floats"},
		{[]interface{}{-0.5}, []interface{}{0.5}, "float sign crossing"},
		{[]interface{}{1.5}, []interface{}{2.0}, "positive floats"},
		{[]interface{}{false}, []interface{}{true}, "bools"},
		{[]interface{}{[]byte("x")}, []interface{}{"x"}, "bytes sort below strings"},
		{[]interface{}{"x"}, []interface{}{1.0}, "strings sort below numbers"},
		{[]interface{}{"a", int64(1)}, []interface{}{"a", int64(2)}, "tuple suffix order"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			lo, err := Encode(tc.lo...)
			assert.Nil(t, err, tc.name)
			hi, err := Encode(tc.hi...)
			assert.Nil(t, err, tc.name)
			assert.Equal(t, -1, bytes.Compare(lo, hi), tc.name)
		})
	}
}

func TestEncode_unsupportedType(t *testing.T) {
	_, err := Encode(struct{}{})
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), "unsupported key part type")
}

func TestDecode_malformed(t *testing.T) {
	testCases := []struct {
		input []byte
		name  string
	}{
		{[]byte{0x02, 'a'}, "unterminated string"},
		{[]byte{0x03, 0x01}, "truncated number"},
		{[]byte{0x04}, "truncated integer"},
		{[]byte{0x05}, "truncated boolean"},
		{[]byte{0x7F}, "unknown tag"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.input)
			assert.NotNil(t, err, tc.name)
		})
	}
}
