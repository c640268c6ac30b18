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

package capability

import (
	"fmt"
)

// NotifyFunc is invoked after every local mutation with the already
// path-lifted, root-scoped change. originPeer/originName are nil for
// mutations made by the local host application; the protocol engine
// passes them through when replaying a remote SET.
type NotifyFunc func(data map[string]any, originPeer, originName *string)

// Tree is the capability tree for one node: a root Data map plus the
// current-object cursor used to scope subsequent registrations.
//
// Tree is not concurrency-safe on its own — the single writer is the
// event-loop goroutine; callers on other goroutines must funnel
// mutations through node.Node's command channel.
type Tree struct {
	root   map[string]any
	cursor []string
	notify NotifyFunc
}

// NewTree creates an empty capability tree. notify may be nil, in which
// case mutations are silent (useful for tests that only inspect state).
func NewTree(notify NotifyFunc) *Tree {
	if notify == nil {
		notify = func(map[string]any, *string, *string) {}
	}
	return &Tree{root: map[string]any{}, notify: notify}
}

// SetNotify replaces the tree's notify callback. Used by node.New, which
// must construct the tree before the protocol.Engine that supplies the
// callback exists.
func (t *Tree) SetNotify(notify NotifyFunc) {
	if notify == nil {
		notify = func(map[string]any, *string, *string) {}
	}
	t.notify = notify
}

func (t *Tree) fire(data map[string]any) {
	t.notify(t.pathLift(data), nil, nil)
}

// pathLift wraps data under the cursor's object names, innermost first,
// so the result is expressed relative to the tree root.
func (t *Tree) pathLift(data map[string]any) map[string]any {
	for i := len(t.cursor) - 1; i >= 0; i-- {
		data = map[string]any{
			"objects": map[string]any{t.cursor[i]: data},
		}
	}
	return data
}

// resolveCreate walks from the root to the Data map identified by path,
// creating intermediate object records as needed.
func (t *Tree) resolveCreate(path []string) map[string]any {
	cur := t.root
	for _, name := range path {
		objs, ok := cur["objects"].(map[string]*ObjectRecord)
		if !ok {
			objs = map[string]*ObjectRecord{}
			cur["objects"] = objs
		}
		rec, ok := objs[name]
		if !ok {
			rec = &ObjectRecord{Data: map[string]any{}}
			objs[name] = rec
		}
		cur = rec.Data
	}
	return cur
}

func (t *Tree) cursorMap() map[string]any {
	return t.resolveCreate(t.cursor)
}

// SetCapability replaces the whole capability tree and announces the
// result as one full MOD. The incoming wire form is absorbed through the
// same typed merge SET uses, onto a fresh root, so parameter records
// come out typed rather than as raw maps. The cursor resets to the root.
func (t *Tree) SetCapability(wire map[string]any) {
	t.root = map[string]any{}
	t.cursor = nil
	mergeNode(t.root, wire)
	t.notify(t.ToWire(), nil, nil)
}

// SetObject moves the current-object cursor. A nil name resets the
// cursor to the root. Otherwise it creates the object record if missing
// (or updates its Type if present) and points the cursor at it.
func (t *Tree) SetObject(name *string, objType string) {
	if name == nil {
		t.cursor = nil
		return
	}
	parent := t.cursorMap()
	objs, ok := parent["objects"].(map[string]*ObjectRecord)
	if !ok {
		objs = map[string]*ObjectRecord{}
		parent["objects"] = objs
	}
	rec, ok := objs[*name]
	if !ok {
		rec = &ObjectRecord{Type: objType, Data: map[string]any{}}
		objs[*name] = rec
	} else {
		rec.Type = objType
	}
	t.cursor = append(append([]string{}, t.cursor...), *name)
}

// RegisterParameter writes a parameter record under the current cursor.
// min/max/step may be nil, in which case they are omitted from the record.
func (t *Tree) RegisterParameter(name string, typeHint TypeHint, value any, access Access, minV, maxV, step any) error {
	if err := ValidateShape(typeHint, value); err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	p := &Parameter{
		Value:       value,
		TypeHint:    typeHint,
		Access:      access,
		Min:         minV,
		Max:         maxV,
		Step:        step,
		Subscribers: []Subscriber{},
	}
	t.cursorMap()[name] = p
	t.fire(map[string]any{name: p.ToWire()})
	return nil
}

// SetHeaderField sets a reserved ("_"-prefixed) node-meta key at the
// current cursor scope and emits a partial MOD of just that field.
func (t *Tree) SetHeaderField(key string, value any) error {
	validate, ok := reservedHeaderFields[key]
	if !ok {
		return fmt.Errorf("%q is not a reserved header field", key)
	}
	if err := validate(value); err != nil {
		return fmt.Errorf("set header field %s: %w", key, err)
	}
	t.cursorMap()[key] = value
	t.fire(map[string]any{key: value})
	return nil
}

// GetValue reads capability[name].Value. Root-only, deliberately —
// nested values are reachable through ToWire.
func (t *Tree) GetValue(name string) (any, bool) {
	p, ok := t.root[name].(*Parameter)
	if !ok {
		return nil, false
	}
	return p.Value, true
}

// Parameter returns the live parameter record at root scope, or nil.
func (t *Tree) Parameter(name string) *Parameter {
	p, _ := t.root[name].(*Parameter)
	return p
}

// SetValue updates an existing root-level parameter's value in place,
// without going through the MOD/SIG notifier. Used by EmitSignal and by
// inbound-SIG cascades, which bypass the pipeline for performance and
// instead synthesize their own SIG frames directly.
func (t *Tree) SetValue(name string, value any) bool {
	p := t.Parameter(name)
	if p == nil {
		return false
	}
	p.Value = value
	return true
}

// AddSubscriber appends (peerID, receiver) to capability[emitter].Subscribers
// if not already present (idempotent) and returns whether the capability
// tree changed.
func (t *Tree) AddSubscriber(emitter, peerID string, receiver *string) bool {
	p := t.Parameter(emitter)
	if p == nil {
		return false
	}
	for _, s := range p.Subscribers {
		if s.PeerID == peerID && equalReceiver(s.Receiver, receiver) {
			return false
		}
	}
	p.Subscribers = append(p.Subscribers, Subscriber{PeerID: peerID, Receiver: receiver})
	return true
}

// RemoveSubscriber removes (peerID, receiver) from capability[emitter].Subscribers.
func (t *Tree) RemoveSubscriber(emitter, peerID string, receiver *string) bool {
	p := t.Parameter(emitter)
	if p == nil {
		return false
	}
	for i, s := range p.Subscribers {
		if s.PeerID == peerID && equalReceiver(s.Receiver, receiver) {
			p.Subscribers = append(p.Subscribers[:i], p.Subscribers[i+1:]...)
			return true
		}
	}
	return false
}

// AddSubscriberToAllEmitters registers (peerID, receiver) against every
// root-level parameter with the emitter access flag set, for a SUB whose
// emitter_name was null (the wildcard subscribe). Returns the names
// actually touched.
func (t *Tree) AddSubscriberToAllEmitters(peerID string, receiver *string) []string {
	var touched []string
	for name, v := range t.root {
		p, ok := v.(*Parameter)
		if !ok || !p.Access.Emitter() {
			continue
		}
		if t.AddSubscriber(name, peerID, receiver) {
			touched = append(touched, name)
		}
	}
	return touched
}

// RemoveSubscriberFromAllEmitters mirrors AddSubscriberToAllEmitters for UNSUB.
func (t *Tree) RemoveSubscriberFromAllEmitters(peerID string, receiver *string) []string {
	var touched []string
	for name, v := range t.root {
		p, ok := v.(*Parameter)
		if !ok || !p.Access.Emitter() {
			continue
		}
		if t.RemoveSubscriber(name, peerID, receiver) {
			touched = append(touched, name)
		}
	}
	return touched
}

func equalReceiver(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// NotifyModified fires the notifier for emitter's subscribers field
// after AddSubscriber/RemoveSubscriber. Callers supply the emitter name
// explicitly since the mutation above doesn't go through
// RegisterParameter/SetHeaderField.
func (t *Tree) NotifyModified(emitter string) {
	p := t.Parameter(emitter)
	if p == nil {
		return
	}
	t.fire(map[string]any{emitter: p.ToWire()})
}

// ToWire renders the whole capability tree in wire form (GET null).
func (t *Tree) ToWire() map[string]any {
	return wireFromData(t.root)
}

// ToWireNames renders only the named top-level slots (GET [names...]).
func (t *Tree) ToWireNames(names []string) map[string]any {
	full := wireFromData(t.root)
	out := make(map[string]any, len(names))
	for _, n := range names {
		if v, ok := full[n]; ok {
			out[n] = v
		}
	}
	return out
}

// ApplySet deep-merges an inbound SET payload into the tree's typed root
// and fires the notifier with the originating peer/name stamped. SET
// targets are already expressed relative to the tree root, so no
// path-lift is applied.
func (t *Tree) ApplySet(data map[string]any, originPeer, originName *string) {
	mergeNode(t.root, data)
	t.notify(data, originPeer, originName)
}

// mergeNode deep-merges src into dst in place. It understands the three
// shapes a Data map's values take (*Parameter, the "objects" nested
// object-record map, and plain meta/atoms) so that an inbound raw JSON
// SET payload can update an already-typed capability tree without
// destroying its typing. Anything the destination doesn't already know
// about is stored as a plain map/atom — still mergeable on a later SET,
// just never type-validated (SET performs no schema validation).
func mergeNode(dst map[string]any, src map[string]any) {
	for k, sv := range src {
		if k == "objects" {
			mergeObjects(dst, sv)
			continue
		}

		srcMap, srcIsMap := asPlainMap(sv)
		existing, has := dst[k]

		if p, ok := existing.(*Parameter); ok {
			if srcIsMap {
				mergeIntoParameter(p, srcMap)
			} else {
				dst[k] = sv
			}
			continue
		}

		if !srcIsMap {
			dst[k] = sv
			continue
		}

		if !has && isParameterShape(srcMap) {
			p := &Parameter{Subscribers: []Subscriber{}}
			mergeIntoParameter(p, srcMap)
			dst[k] = p
			continue
		}

		var target map[string]any
		if has {
			if dm, ok := existing.(map[string]any); ok {
				target = dm
			}
		}
		if target == nil {
			target = map[string]any{}
			dst[k] = target
		}
		mergeNode(target, srcMap)
	}
}

func mergeObjects(dst map[string]any, sv any) {
	srcObjs, ok := asPlainMap(sv)
	if !ok {
		return
	}
	dstObjs, ok := dst["objects"].(map[string]*ObjectRecord)
	if !ok {
		dstObjs = map[string]*ObjectRecord{}
		dst["objects"] = dstObjs
	}
	for name, rawRec := range srcObjs {
		recMap, ok := asPlainMap(rawRec)
		if !ok {
			continue
		}
		rec, exists := dstObjs[name]
		if !exists {
			typ, _ := recMap["type"].(string)
			rec = &ObjectRecord{Type: typ, Data: map[string]any{}}
			dstObjs[name] = rec
		} else if typ, ok := recMap["type"].(string); ok {
			rec.Type = typ
		}
		inner := make(map[string]any, len(recMap))
		for ik, iv := range recMap {
			if ik == "type" {
				continue
			}
			inner[ik] = iv
		}
		mergeNode(rec.Data, inner)
	}
}

// isParameterShape reports whether a raw map is a parameter record on
// the wire: the typeHint field is what separates parameters from nested
// meta maps.
func isParameterShape(m map[string]any) bool {
	_, ok := m["typeHint"].(string)
	return ok
}

func mergeIntoParameter(p *Parameter, m map[string]any) {
	if v, ok := m["value"]; ok {
		p.Value = v
	}
	if v, ok := m["typeHint"].(string); ok {
		p.TypeHint = TypeHint(v)
	}
	if v, ok := m["access"].(string); ok {
		p.Access = Access(v)
	}
	if v, ok := m["min"]; ok {
		p.Min = v
	}
	if v, ok := m["max"]; ok {
		p.Max = v
	}
	if v, ok := m["step"]; ok {
		p.Step = v
	}
}

func asPlainMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}
