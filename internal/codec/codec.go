// SPDX-License-Identifier: AGPL-3.0-or-later
// zocp - Peer-to-peer orchestration of live-media nodes in a single binary
// Copyright (C) 2026 z25.org
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// The source code is available at <https://github.com/z25/zocp>

// Package codec implements the ZOCP wire codec: JSON text frames, one
// per message, each carrying exactly one of the eight canonical verbs.
package codec

import (
	"encoding/json"
	"fmt"
)

// Verb is one of the eight canonical ZOCP wire verbs.
type Verb string

const (
	VerbGet   Verb = "GET"
	VerbSet   Verb = "SET"
	VerbCall  Verb = "CALL"
	VerbSub   Verb = "SUB"
	VerbUnsub Verb = "UNSUB"
	VerbRep   Verb = "REP"
	VerbMod   Verb = "MOD"
	VerbSig   Verb = "SIG"
)

// Frame is a decoded wire frame: a verb plus its still-raw payload.
type Frame struct {
	Verb Verb
	Raw  json.RawMessage
}

// Decode parses a UTF-8 JSON frame. A frame carries exactly one
// top-level key — the verb. Decode errors are a recoverable condition at
// the call site (log and drop), not panics.
func Decode(b []byte) (Frame, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if len(m) != 1 {
		return Frame{}, fmt.Errorf("decode frame: expected exactly one verb key, got %d", len(m))
	}
	for k, v := range m {
		return Frame{Verb: Verb(k), Raw: v}, nil
	}
	return Frame{}, fmt.Errorf("decode frame: empty object")
}

func encodeVerb(verb Verb, payload any) []byte {
	b, err := json.Marshal(map[string]any{string(verb): payload})
	if err != nil {
		// payload is always a value built from json-safe types by this
		// package's own callers; a marshal failure here indicates a bug
		// upstream, not a wire-format problem.
		panic(fmt.Sprintf("codec: marshal %s frame: %v", verb, err))
	}
	return b
}

// EncodeGet builds a GET frame. names == nil encodes a JSON null (whole
// capability); otherwise only the listed names are requested.
func EncodeGet(names []string) []byte {
	if names == nil {
		return encodeVerb(VerbGet, nil)
	}
	return encodeVerb(VerbGet, names)
}

// DecodeGet returns (names, wantAll). wantAll is true when the payload
// was JSON null.
func (f Frame) DecodeGet() (names []string, wantAll bool, err error) {
	if string(f.Raw) == "null" {
		return nil, true, nil
	}
	if err := json.Unmarshal(f.Raw, &names); err != nil {
		return nil, false, fmt.Errorf("decode GET: %w", err)
	}
	return names, false, nil
}

// EncodeSet builds a SET frame.
func EncodeSet(data map[string]any) []byte { return encodeVerb(VerbSet, data) }

// EncodeMod builds a MOD frame.
func EncodeMod(data map[string]any) []byte { return encodeVerb(VerbMod, data) }

// DecodeMapPayload decodes a SET or MOD payload (a partial-capability mapping).
func (f Frame) DecodeMapPayload() (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(f.Raw, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Verb, err)
	}
	return m, nil
}

// EncodeSig builds a SIG frame: [emitter, value].
func EncodeSig(emitter string, value any) []byte {
	return encodeVerb(VerbSig, [2]any{emitter, value})
}

// DecodeSig decodes a SIG payload.
func (f Frame) DecodeSig() (emitter string, value any, err error) {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(f.Raw, &pair); err != nil {
		return "", nil, fmt.Errorf("decode SIG: %w", err)
	}
	if err := json.Unmarshal(pair[0], &emitter); err != nil {
		return "", nil, fmt.Errorf("decode SIG emitter: %w", err)
	}
	if err := json.Unmarshal(pair[1], &value); err != nil {
		return "", nil, fmt.Errorf("decode SIG value: %w", err)
	}
	return emitter, value, nil
}

// EncodeSub/EncodeUnsub build SUB/UNSUB frames: [emitPeer, emitter, recvPeer, receiver].
// emitter == nil means "subscribe to every emitter"; receiver == nil means
// "fire the signal callback only".
func EncodeSub(emitPeer string, emitter *string, recvPeer string, receiver *string) []byte {
	return encodeVerb(VerbSub, subUnsubPayload(emitPeer, emitter, recvPeer, receiver))
}

func EncodeUnsub(emitPeer string, emitter *string, recvPeer string, receiver *string) []byte {
	return encodeVerb(VerbUnsub, subUnsubPayload(emitPeer, emitter, recvPeer, receiver))
}

func subUnsubPayload(emitPeer string, emitter *string, recvPeer string, receiver *string) [4]any {
	var e, r any
	if emitter != nil {
		e = *emitter
	}
	if receiver != nil {
		r = *receiver
	}
	return [4]any{emitPeer, e, recvPeer, r}
}

// SubRequest is a decoded SUB/UNSUB payload.
type SubRequest struct {
	EmitPeer string
	Emitter  *string
	RecvPeer string
	Receiver *string
}

// DecodeSub decodes a SUB or UNSUB payload (identical shape).
func (f Frame) DecodeSub() (SubRequest, error) {
	var raw [4]json.RawMessage
	if err := json.Unmarshal(f.Raw, &raw); err != nil {
		return SubRequest{}, fmt.Errorf("decode %s: %w", f.Verb, err)
	}
	var req SubRequest
	if err := json.Unmarshal(raw[0], &req.EmitPeer); err != nil {
		return SubRequest{}, fmt.Errorf("decode %s emit_peer: %w", f.Verb, err)
	}
	if string(raw[1]) != "null" {
		var e string
		if err := json.Unmarshal(raw[1], &e); err != nil {
			return SubRequest{}, fmt.Errorf("decode %s emitter: %w", f.Verb, err)
		}
		req.Emitter = &e
	}
	if err := json.Unmarshal(raw[2], &req.RecvPeer); err != nil {
		return SubRequest{}, fmt.Errorf("decode %s recv_peer: %w", f.Verb, err)
	}
	if string(raw[3]) != "null" {
		var r string
		if err := json.Unmarshal(raw[3], &r); err != nil {
			return SubRequest{}, fmt.Errorf("decode %s receiver: %w", f.Verb, err)
		}
		req.Receiver = &r
	}
	return req, nil
}

// EncodeCall builds a CALL frame: [method, [args...]]. CALL is reserved;
// current semantics are accept-and-drop.
func EncodeCall(method string, args []any) []byte {
	return encodeVerb(VerbCall, [2]any{method, args})
}

// EncodeRep builds a REP frame. REP is reserved; current semantics are
// accept-and-drop.
func EncodeRep(payload any) []byte { return encodeVerb(VerbRep, payload) }

// DeepMerge merges src into dst (generic map[string]any form, used for
// the peer capability cache, which stores raw decoded JSON rather than
// typed capability.Parameter records). For each key: if both sides map
// to JSON objects, recurse; otherwise src overwrites dst, including
// lists, which are replaced wholesale, never merged element-wise.
func DeepMerge(dst map[string]any, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for k, sv := range src {
		if sm, ok := sv.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				dst[k] = DeepMerge(dm, sm)
				continue
			}
			dst[k] = DeepMerge(map[string]any{}, sm)
			continue
		}
		dst[k] = sv
	}
	return dst
}
