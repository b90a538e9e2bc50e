// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package keyenc implements a canonical, order-preserving byte encoding for
// composite keys. Encoded keys compare bytewise in the same order as their
// source tuples: the type tag establishes a total order across mixed types
// ([]byte < string < float64 < int64 < bool) and each type encodes so that
// its natural order is preserved.
package keyenc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	tagBytes  = 0x01
	tagString = 0x02
	tagNumber = 0x03
	tagInt    = 0x04
	tagBool   = 0x05

	// terminator ends escaped byte sequences. A literal 0x00 inside the
	// sequence is escaped as 0x00 0xFF so the bare terminator always sorts
	// below any continuation.
	terminator = 0x00
	escape     = 0xFF
)

// Encode serializes a tuple of key parts into a single key. Supported part
// types are []byte, string, float64, int64, int and bool.
func Encode(parts ...interface{}) ([]byte, error) {
	var buf bytes.Buffer

	for _, part := range parts {
		switch v := part.(type) {
		case []byte:
			buf.WriteByte(tagBytes)
			writeEscaped(&buf, v)
		case string:
			buf.WriteByte(tagString)
			writeEscaped(&buf, []byte(v))
		case float64:
			buf.WriteByte(tagNumber)
			writeFloat(&buf, v)
		case int:
			buf.WriteByte(tagInt)
			writeInt(&buf, int64(v))
		case int64:
			buf.WriteByte(tagInt)
			writeInt(&buf, v)
		case bool:
			buf.WriteByte(tagBool)
			if v {
				buf.WriteByte(0x01)
			} else {
				buf.WriteByte(0x00)
			}
		default:
			return nil, fmt.Errorf("unsupported key part type %T", part)
		}
	}

	return buf.Bytes(), nil
}

// Decode reverses Encode, returning the original tuple. Integer parts decode
// as int64 regardless of how they were supplied.
func Decode(key []byte) ([]interface{}, error) {
	var out []interface{}

	for len(key) > 0 {
		tag := key[0]
		key = key[1:]

		switch tag {
		case tagBytes, tagString:
			raw, rest, err := readEscaped(key)
			if err != nil {
				return nil, err
			}
			if tag == tagBytes {
				out = append(out, raw)
			} else {
				out = append(out, string(raw))
			}
			key = rest
		case tagNumber:
			if len(key) < 8 {
				return nil, fmt.Errorf("truncated number part")
			}
			out = append(out, readFloat(key[:8]))
			key = key[8:]
		case tagInt:
			if len(key) < 8 {
				return nil, fmt.Errorf("truncated integer part")
			}
			out = append(out, int64(binary.BigEndian.Uint64(key[:8])^(1<<63)))
			key = key[8:]
		case tagBool:
			if len(key) < 1 {
				return nil, fmt.Errorf("truncated boolean part")
			}
			out = append(out, key[0] == 0x01)
			key = key[1:]
		default:
			return nil, fmt.Errorf("unknown key tag 0x%02x", tag)
		}
	}

	return out, nil
}

func writeEscaped(buf *bytes.Buffer, raw []byte) {
	for _, b := range raw {
		buf.WriteByte(b)
		if b == terminator {
			buf.WriteByte(escape)
		}
	}
	buf.WriteByte(terminator)
	buf.WriteByte(terminator)
}

func readEscaped(key []byte) ([]byte, []byte, error) {
	var raw []byte
	for i := 0; i < len(key); i++ {
		if key[i] != terminator {
			raw = append(raw, key[i])
			continue
		}
		if i+1 >= len(key) {
			return nil, nil, fmt.Errorf("truncated escaped part")
		}
		if key[i+1] == escape {
			raw = append(raw, terminator)
			i++
			continue
		}
		if key[i+1] == terminator {
			return raw, key[i+2:], nil
		}
		return nil, nil, fmt.Errorf("malformed escape sequence")
	}
	return nil, nil, fmt.Errorf("unterminated escaped part")
}

// writeFloat encodes an IEEE754 double so that bytewise comparison matches
// numeric comparison: positive values get their sign bit flipped, negative
// values are fully complemented.
func writeFloat(buf *bytes.Buffer, f float64) {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits ^= 1 << 63
	}
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], bits)
	buf.Write(scratch[:])
}

func readFloat(b []byte) float64 {
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

func writeInt(buf *bytes.Buffer, v int64) {
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], uint64(v)^(1<<63))
	buf.Write(scratch[:])
}
