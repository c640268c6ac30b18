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

// Package capability implements the ZOCP capability tree: the in-memory,
// mutable tree of named parameters and nested objects that a node
// advertises to its peers.
package capability

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TypeHint is one of the eight canonical wire type strings a parameter
// value is tagged with.
type TypeHint string

const (
	TypeInt     TypeHint = "int"
	TypeFloat   TypeHint = "float"
	TypePercent TypeHint = "percent"
	TypeBool    TypeHint = "bool"
	TypeString  TypeHint = "string"
	TypeVec2f   TypeHint = "vec2f"
	TypeVec3f   TypeHint = "vec3f"
	TypeVec4f   TypeHint = "vec4f"
)

func (t TypeHint) valid() bool {
	switch t {
	case TypeInt, TypeFloat, TypePercent, TypeBool, TypeString, TypeVec2f, TypeVec3f, TypeVec4f:
		return true
	}
	return false
}

// Access is a concatenation of access flags drawn from {r,w,e,s}.
// Consumers test membership by substring containment, not by parsing.
type Access string

func (a Access) Readable() bool { return strings.Contains(string(a), "r") }
func (a Access) Writeable() bool { return strings.Contains(string(a), "w") }
func (a Access) Emitter() bool  { return strings.Contains(string(a), "e") }
func (a Access) Sensor() bool   { return strings.Contains(string(a), "s") }

// Subscriber is a (peer-id-hex, receiver-name-or-null) pair. It marshals
// to/from the wire as a 2-element JSON array, per the capability's
// "subscribers" field shape.
type Subscriber struct {
	PeerID   string
	Receiver *string
}

func (s Subscriber) MarshalJSON() ([]byte, error) {
	var recv any
	if s.Receiver != nil {
		recv = *s.Receiver
	}
	return json.Marshal([2]any{s.PeerID, recv})
}

func (s *Subscriber) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("subscriber: expected 2-element array: %w", err)
	}
	var peer string
	if err := json.Unmarshal(pair[0], &peer); err != nil {
		return fmt.Errorf("subscriber: peer id not a string: %w", err)
	}
	var recv *string
	if string(pair[1]) != "null" {
		var r string
		if err := json.Unmarshal(pair[1], &r); err != nil {
			return fmt.Errorf("subscriber: receiver not a string or null: %w", err)
		}
		recv = &r
	}
	s.PeerID = peer
	s.Receiver = recv
	return nil
}

// Parameter is a leaf record in the capability tree.
type Parameter struct {
	Value       any
	TypeHint    TypeHint
	Access      Access
	Min         any
	Max         any
	Step        any
	Subscribers []Subscriber
}

// ToWire renders the parameter in the free-form map shape used on the wire.
func (p *Parameter) ToWire() map[string]any {
	subs := make([]Subscriber, len(p.Subscribers))
	copy(subs, p.Subscribers)
	m := map[string]any{
		"value":       p.Value,
		"typeHint":    string(p.TypeHint),
		"access":      string(p.Access),
		"subscribers": subs,
	}
	if p.Min != nil {
		m["min"] = p.Min
	}
	if p.Max != nil {
		m["max"] = p.Max
	}
	if p.Step != nil {
		m["step"] = p.Step
	}
	return m
}

// ObjectRecord is a nested object in the capability tree: a type tag plus
// its own sub-tree of parameters/meta/objects.
type ObjectRecord struct {
	Type string
	Data map[string]any
}

func (o *ObjectRecord) ToWire() map[string]any {
	m := wireFromData(o.Data)
	m["type"] = o.Type
	return m
}

// wireFromData renders a Data map (the uniform shape used for both the
// tree root and every ObjectRecord) into its wire form: Parameters and
// nested ObjectRecords are rendered recursively, everything else
// (reserved "_"-prefixed meta fields) passes through unchanged.
func wireFromData(data map[string]any) map[string]any {
	m := make(map[string]any, len(data))
	for k, v := range data {
		switch val := v.(type) {
		case *Parameter:
			m[k] = val.ToWire()
		case map[string]*ObjectRecord:
			objs := make(map[string]any, len(val))
			for name, rec := range val {
				objs[name] = rec.ToWire()
			}
			m[k] = objs
		default:
			m[k] = v
		}
	}
	return m
}

// reservedHeaderFields are the node-meta keys set_header_fields may write.
var reservedHeaderFields = map[string]func(any) error{
	"_name":        validateString,
	"_location":    func(v any) error { return validateVector(v, 3) },
	"_orientation": func(v any) error { return validateVector(v, 3) },
	"_scale":       func(v any) error { return validateVector(v, 3) },
	"_matrix":      validateMatrix4,
}

func validateString(v any) error {
	if _, ok := v.(string); !ok {
		return fmt.Errorf("expected string, got %T", v)
	}
	return nil
}

func asFloatSlice(v any) ([]float64, bool) {
	switch s := v.(type) {
	case []float64:
		out := make([]float64, len(s))
		copy(out, s)
		return out, true
	case []any:
		out := make([]float64, 0, len(s))
		for _, e := range s {
			f, ok := toFloat(e)
			if !ok {
				return nil, false
			}
			out = append(out, f)
		}
		return out, true
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func validateVector(v any, n int) error {
	f, ok := asFloatSlice(v)
	if !ok || len(f) != n {
		return fmt.Errorf("expected a %d-element float vector", n)
	}
	return nil
}

func validateMatrix4(v any) error {
	rows, ok := v.([]any)
	if !ok || len(rows) != 4 {
		return fmt.Errorf("expected a 4x4 float matrix")
	}
	for _, row := range rows {
		if err := validateVector(row, 4); err != nil {
			return fmt.Errorf("expected a 4x4 float matrix: %w", err)
		}
	}
	return nil
}

// ValidateShape checks that value is shaped correctly for typeHint. It
// is applied at registration time, not on every merge (see
// capability.Tree.ApplySet).
func ValidateShape(t TypeHint, value any) error {
	if !t.valid() {
		return fmt.Errorf("unrecognized type hint %q", t)
	}
	switch t {
	case TypeInt, TypeFloat, TypePercent:
		if _, ok := toFloat(value); !ok {
			return fmt.Errorf("type %s requires a numeric value, got %T", t, value)
		}
	case TypeBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("type %s requires a bool value, got %T", t, value)
		}
	case TypeString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("type %s requires a string value, got %T", t, value)
		}
	case TypeVec2f:
		return validateVector(value, 2)
	case TypeVec3f:
		return validateVector(value, 3)
	case TypeVec4f:
		return validateVector(value, 4)
	}
	return nil
}
