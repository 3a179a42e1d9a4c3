// Copyright 2024 The Trussed SDK authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tlv8 implements the type-length-value encoding used for
// application-layer request/response framing on Trussed devices.
//
// Each entry is encoded as a 1-byte tag, a 1-byte length and up to 255
// bytes of value.  Values longer than 255 bytes are split into
// consecutive fragments carrying the same tag; a fragment of length 255
// is continued by the next entry if it has the same tag.  Unknown tags
// are carried through unchanged so that newer device firmware can add
// fields without breaking older SDKs.
package tlv8

import (
	"bytes"
	"errors"
)

// maxFragment is the largest value that fits in a single TLV8 entry.
const maxFragment = 255

// ErrTruncated is returned by Decode when the input ends inside an
// entry header or value.
var ErrTruncated = errors.New("tlv8: truncated entry")

// Entry is a single decoded type-length-value element.
type Entry struct {
	Tag   uint8
	Value []byte
}

// Encode serializes entries in order.  Entries with values longer than
// 255 bytes are fragmented as required by the encoding.
func Encode(entries []Entry) []byte {
	var buf bytes.Buffer

	for _, e := range entries {
		v := e.Value

		for len(v) > maxFragment {
			buf.WriteByte(e.Tag)
			buf.WriteByte(maxFragment)
			buf.Write(v[:maxFragment])
			v = v[maxFragment:]
		}

		buf.WriteByte(e.Tag)
		buf.WriteByte(byte(len(v)))
		buf.Write(v)
	}

	return buf.Bytes()
}

// Decode parses b into an ordered entry sequence, merging continuation
// fragments.  Tags that the caller does not know about are returned
// as-is rather than rejected.
func Decode(b []byte) ([]Entry, error) {
	var entries []Entry

	// Tracks whether the previous entry was a full 255-byte fragment,
	// in which case a following entry with the same tag continues it.
	continues := false

	for len(b) > 0 {
		if len(b) < 2 {
			return nil, ErrTruncated
		}

		tag := b[0]
		length := int(b[1])
		b = b[2:]

		if len(b) < length {
			return nil, ErrTruncated
		}

		value := b[:length]
		b = b[length:]

		if continues && len(entries) > 0 && entries[len(entries)-1].Tag == tag {
			last := &entries[len(entries)-1]
			last.Value = append(last.Value, value...)
		} else {
			entries = append(entries, Entry{Tag: tag, Value: append([]byte(nil), value...)})
		}

		continues = length == maxFragment
	}

	return entries, nil
}
