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

// Package protocol implements the ZOCP dispatch engine: decoding inbound
// wire frames, routing SUB/UNSUB by role, running the MOD/SIG
// change-notification pipeline, and the signal fan-out cascade.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"reflect"

	"go.opentelemetry.io/otel"

	"github.com/z25/zocp/internal/capability"
	"github.com/z25/zocp/internal/codec"
	"github.com/z25/zocp/internal/events"
	"github.com/z25/zocp/internal/subscription"
)

// Sender abstracts the one presence.Client method Engine needs to talk
// back to peers, so tests can swap in a recording fake without spinning
// up a real presence.Client.
type Sender interface {
	Whisper(peer string, data []byte) error
}

// Engine is the protocol state machine for one node. It owns no
// goroutines of its own — node.Node's event loop feeds it frames and
// presence events one at a time, preserving the single-writer discipline
// documented on capability.Tree.
type Engine struct {
	SelfID   string
	SelfName string

	Tree     *capability.Tree
	Registry *subscription.Registry
	Sender   Sender
	Handlers *events.Handlers

	extensions map[codec.Verb]ExtensionFunc
}

// ExtensionFunc handles a non-canonical verb registered through
// RegisterHandler. frame.Raw carries the undecoded payload.
type ExtensionFunc func(senderPeer, senderName string, frame codec.Frame)

// ErrReservedVerb is returned by RegisterHandler when the verb is one of
// the eight canonical ones, whose handlers are not replaceable.
var ErrReservedVerb = errors.New("protocol: cannot override a canonical verb")

// NewEngine wires an engine around its collaborators. It does not touch
// the tree's notify callback: the caller installs OnTreeModified with
// tree.SetNotify so local mutations flow into the MOD/SIG pipeline.
func NewEngine(selfID, selfName string, tree *capability.Tree, registry *subscription.Registry, sender Sender, handlers *events.Handlers) *Engine {
	e := &Engine{
		SelfID:     selfID,
		SelfName:   selfName,
		Tree:       tree,
		Registry:   registry,
		Sender:     sender,
		Handlers:   handlers,
		extensions: map[codec.Verb]ExtensionFunc{},
	}
	return e
}

// RegisterHandler installs fn for a non-canonical verb, the explicit
// registration replacing any reflective handler probing. Must be called
// before the event loop starts; canonical verbs are rejected with
// ErrReservedVerb.
func (e *Engine) RegisterHandler(verb codec.Verb, fn ExtensionFunc) error {
	switch verb {
	case codec.VerbGet, codec.VerbSet, codec.VerbCall, codec.VerbSub,
		codec.VerbUnsub, codec.VerbRep, codec.VerbMod, codec.VerbSig:
		return ErrReservedVerb
	}
	e.extensions[verb] = fn
	return nil
}

// OnTreeModified is installed as the capability.Tree's NotifyFunc. It is
// exported so node.Node can wire it at construction time, before the
// first mutation happens.
func (e *Engine) OnTreeModified(data map[string]any, originPeer, originName *string) {
	e.Handlers.OnModified(data, originPeer, originName)

	if name, value, ok := demotable(data); ok {
		var skip string
		if originPeer != nil {
			skip = *originPeer
		}
		e.deliverSignal(e.SelfID, name, value, skip)
		return
	}
	e.fanoutMod(data, originPeer)
}

// demotable reports whether data is a pure single-key {name:{value:v}}
// mutation, eligible for MOD→SIG demotion. Deeper single-value writes
// stay MODs to keep the classifier O(1).
func demotable(data map[string]any) (name string, value any, ok bool) {
	if len(data) != 1 {
		return "", nil, false
	}
	for k, v := range data {
		if k == "objects" {
			return "", nil, false
		}
		m, isMap := v.(map[string]any)
		if !isMap || len(m) != 1 {
			return "", nil, false
		}
		val, hasValue := m["value"]
		if !hasValue {
			return "", nil, false
		}
		return k, val, true
	}
	return "", nil, false
}

// fanoutMod delivers a MOD frame to every subscriber of each top-level
// key in data, skipping whichever peer originated the mutation (if any)
// so it doesn't receive an echo of its own SET.
func (e *Engine) fanoutMod(data map[string]any, originPeer *string) {
	for name, value := range data {
		frame := codec.EncodeMod(map[string]any{name: value})
		for _, entry := range e.Registry.ReceiversFor(e.SelfID, name) {
			if originPeer != nil && entry.RecvPeer == *originPeer {
				continue
			}
			if err := e.Sender.Whisper(entry.RecvPeer, frame); err != nil {
				slog.Error("protocol: failed to deliver MOD", "peer", entry.RecvPeer, "name", name, "error", err)
			}
		}
	}
}

// deliverSignal is the pure fan-out step shared by EmitSignal and inbound
// SIG handling: it looks up who has subscribed to fromPeer's name and
// delivers to each. A local match with a non-null receiver writes the
// value into that parameter — only when the value actually differs, which
// is what breaks emitter/receiver cycles — and recurses to cascade the
// change to ITS subscribers; a local match with a null receiver fires
// the signal callback only, no capability write. Remote receivers are
// whispered SIG frames carrying the EMITTER's name: the receiving node
// owns the remapping to
// its local receiver via its own subscriptions table. Recursive cascades
// deliver silently — OnPeerSignaled is fired at most once, by handleSig,
// which owns the inbound SIG frame, never once per cascade hop; a local
// EmitSignal call fires no callback. skipPeer, if non-empty, is excluded
// from delivery (the MOD/SIG demotion rule: don't echo a signal back to
// whoever caused it). Returns the local receiver names the signal was
// bound to, plus whether any subscription matched at all.
func (e *Engine) deliverSignal(fromPeer, name string, value any, skipPeer string) (localReceivers []string, matched bool) {
	for _, entry := range e.Registry.ReceiversFor(fromPeer, name) {
		if skipPeer != "" && entry.RecvPeer == skipPeer {
			continue
		}
		matched = true
		if entry.RecvPeer == e.SelfID {
			if entry.Receiver == nil {
				continue
			}
			outName := *entry.Receiver
			localReceivers = append(localReceivers, outName)
			if cur, ok := e.Tree.GetValue(outName); ok && reflect.DeepEqual(cur, value) {
				continue
			}
			e.Tree.SetValue(outName, value)
			e.deliverSignal(e.SelfID, outName, value, "")
			continue
		}
		if err := e.Sender.Whisper(entry.RecvPeer, codec.EncodeSig(name, value)); err != nil {
			slog.Error("protocol: failed to deliver SIG", "peer", entry.RecvPeer, "name", name, "error", err)
		}
	}
	return localReceivers, matched
}

// EmitSignal is the local application-facing shortcut: set a capability
// value and fan it straight out as a SIG, bypassing the MOD pipeline
// entirely.
func (e *Engine) EmitSignal(name string, value any) {
	e.Tree.SetValue(name, value)
	e.deliverSignal(e.SelfID, name, value, "")
}

// Dispatch decodes and routes one inbound wire frame, received via
// whisper or shout from senderPeer/senderName.
func (e *Engine) Dispatch(senderPeer, senderName string, raw []byte) {
	_, span := otel.Tracer("zocp").Start(context.Background(), "Engine.Dispatch")
	defer span.End()

	frame, err := codec.Decode(raw)
	if err != nil {
		slog.Warn("protocol: decode error, dropping frame", "peer", senderPeer, "error", err)
		return
	}

	switch frame.Verb {
	case codec.VerbGet:
		e.handleGet(senderPeer, frame)
	case codec.VerbSet:
		e.handleSet(senderPeer, senderName, frame)
	case codec.VerbCall:
		slog.Debug("protocol: CALL accepted, no-op", "peer", senderPeer)
	case codec.VerbRep:
		e.handleRep(senderPeer, senderName, frame)
	case codec.VerbSub:
		e.handleSub(senderPeer, senderName, frame)
	case codec.VerbUnsub:
		e.handleUnsub(senderPeer, senderName, frame)
	case codec.VerbSig:
		e.handleSig(senderPeer, senderName, frame)
	case codec.VerbMod:
		e.handleMod(senderPeer, frame)
	default:
		if fn, ok := e.extensions[frame.Verb]; ok {
			fn(senderPeer, senderName, frame)
			return
		}
		slog.Warn("protocol: unknown verb, dropping frame", "peer", senderPeer, "verb", frame.Verb)
	}
}

func (e *Engine) handleGet(senderPeer string, frame codec.Frame) {
	names, wantAll, err := frame.DecodeGet()
	if err != nil {
		slog.Warn("protocol: malformed GET, dropping", "peer", senderPeer, "error", err)
		return
	}
	var wire map[string]any
	if wantAll {
		wire = e.Tree.ToWire()
	} else {
		wire = e.Tree.ToWireNames(names)
	}
	if err := e.Sender.Whisper(senderPeer, codec.EncodeMod(wire)); err != nil {
		slog.Error("protocol: failed to reply to GET", "peer", senderPeer, "error", err)
	}
}

func (e *Engine) handleSet(senderPeer, senderName string, frame codec.Frame) {
	data, err := frame.DecodeMapPayload()
	if err != nil {
		slog.Warn("protocol: malformed SET, dropping", "peer", senderPeer, "error", err)
		return
	}
	peer, name := senderPeer, senderName
	e.Tree.ApplySet(data, &peer, &name)
}

// handleRep is accept-and-drop: REP is reserved. The payload is
// forwarded verbatim to OnPeerReplied without further interpretation.
func (e *Engine) handleRep(senderPeer, senderName string, frame codec.Frame) {
	var payload any
	_ = json.Unmarshal(frame.Raw, &payload)
	e.Handlers.OnPeerReplied(senderPeer, senderName, payload)
}

// handleMod applies an inbound MOD to our peer capability cache. An
// inbound MOD is either a GET reply or a fan-out from a peer we have
// subscribed to, so this always updates the *cache*, never the local tree.
func (e *Engine) handleMod(senderPeer string, frame codec.Frame) {
	data, err := frame.DecodeMapPayload()
	if err != nil {
		slog.Warn("protocol: malformed MOD, dropping", "peer", senderPeer, "error", err)
		return
	}
	e.Registry.MergePeerCapability(senderPeer, data)
	for name, value := range data {
		e.Handlers.OnPeerModified(senderPeer, "", map[string]any{name: value})
	}
}

func (e *Engine) handleSig(senderPeer, senderName string, frame codec.Frame) {
	name, value, err := frame.DecodeSig()
	if err != nil {
		slog.Warn("protocol: malformed SIG, dropping", "peer", senderPeer, "error", err)
		return
	}
	e.Registry.MergePeerCapability(senderPeer, map[string]any{name: map[string]any{"value": value}})
	localReceivers, matched := e.deliverSignal(senderPeer, name, value, "")
	if matched {
		e.Handlers.OnPeerSignaled(senderPeer, senderName, name, value, localReceivers)
	}
}

func (e *Engine) role(emitPeer, recvPeer string) subscriptionRole {
	switch {
	case emitPeer == "" || recvPeer == "":
		return roleInvalid
	case emitPeer == e.SelfID:
		return roleEmitter
	case recvPeer == e.SelfID:
		return roleReceiver
	default:
		return roleThirdParty
	}
}

type subscriptionRole int

const (
	roleInvalid subscriptionRole = iota
	roleEmitter
	roleReceiver
	roleThirdParty
)

// SignalSubscribe is the one API for initiating a subscription. It is
// both the local application-facing entry point and
// the mechanism a node uses to re-enter the registry when it detects a
// third-party-forwarded SUB naming it as the emitter: in that case the
// node calls SignalSubscribe again with itself as emitPeer, landing in
// the emitter role below and forwarding the confirmation on to the
// receiver. Entry is inserted only when it is new (Registry.Subscribe's
// idempotence check), which is what stops the receiver/emitter
// confirmation exchange from looping forever.
func (e *Engine) SignalSubscribe(recvPeer string, receiver *string, emitPeer string, emitter *string) {
	entry := subscription.Entry{EmitPeer: emitPeer, Emitter: emitterKey(emitter), RecvPeer: recvPeer, Receiver: receiver}
	switch e.role(emitPeer, recvPeer) {
	case roleInvalid:
		slog.Warn("protocol: invalid subscribe request (missing peer ids)", "emit_peer", emitPeer, "recv_peer", recvPeer)
	case roleReceiver:
		changed := e.Registry.Subscribe(entry)
		if !changed {
			return
		}
		if receiver != nil {
			if _, cached := e.Registry.PeerCapability(emitPeer); !cached {
				var names []string
				if emitter != nil {
					names = []string{*emitter}
				}
				if err := e.Sender.Whisper(emitPeer, codec.EncodeGet(names)); err != nil {
					slog.Error("protocol: failed to whisper scoped GET", "peer", emitPeer, "error", err)
				}
			}
		}
		if err := e.Sender.Whisper(emitPeer, codec.EncodeSub(emitPeer, emitter, recvPeer, receiver)); err != nil {
			slog.Error("protocol: failed to whisper SUB", "peer", emitPeer, "error", err)
		}
	case roleEmitter:
		changed := e.Registry.Subscribe(entry)
		var touched []string
		if emitter == nil {
			touched = e.Tree.AddSubscriberToAllEmitters(recvPeer, receiver)
		} else if e.Tree.AddSubscriber(*emitter, recvPeer, receiver) {
			touched = []string{*emitter}
		}
		for _, name := range touched {
			e.Tree.NotifyModified(name)
		}
		e.Handlers.OnPeerSubscribed(recvPeer, "", subAsWire(codec.SubRequest{EmitPeer: emitPeer, Emitter: emitter, RecvPeer: recvPeer, Receiver: receiver}))
		if !changed {
			return
		}
		if err := e.Sender.Whisper(recvPeer, codec.EncodeSub(emitPeer, emitter, recvPeer, receiver)); err != nil {
			slog.Error("protocol: failed to whisper SUB confirmation", "peer", recvPeer, "error", err)
		}
	case roleThirdParty:
		if err := e.Sender.Whisper(emitPeer, codec.EncodeSub(emitPeer, emitter, recvPeer, receiver)); err != nil {
			slog.Error("protocol: failed to forward SUB", "peer", emitPeer, "error", err)
		}
	}
}

// SignalUnsubscribe mirrors SignalSubscribe for UNSUB, applying the same
// participant check and three-party forwarding rules.
func (e *Engine) SignalUnsubscribe(recvPeer string, receiver *string, emitPeer string, emitter *string) {
	entry := subscription.Entry{EmitPeer: emitPeer, Emitter: emitterKey(emitter), RecvPeer: recvPeer, Receiver: receiver}
	switch e.role(emitPeer, recvPeer) {
	case roleInvalid:
		slog.Warn("protocol: invalid unsubscribe request (missing peer ids)", "emit_peer", emitPeer, "recv_peer", recvPeer)
	case roleReceiver:
		if !e.Registry.Unsubscribe(entry) {
			return
		}
		if err := e.Sender.Whisper(emitPeer, codec.EncodeUnsub(emitPeer, emitter, recvPeer, receiver)); err != nil {
			slog.Error("protocol: failed to whisper UNSUB", "peer", emitPeer, "error", err)
		}
	case roleEmitter:
		changed := e.Registry.Unsubscribe(entry)
		var touched []string
		if emitter == nil {
			touched = e.Tree.RemoveSubscriberFromAllEmitters(recvPeer, receiver)
		} else if e.Tree.RemoveSubscriber(*emitter, recvPeer, receiver) {
			touched = []string{*emitter}
		}
		for _, name := range touched {
			e.Tree.NotifyModified(name)
		}
		e.Handlers.OnPeerUnsubscribed(recvPeer, "", subAsWire(codec.SubRequest{EmitPeer: emitPeer, Emitter: emitter, RecvPeer: recvPeer, Receiver: receiver}))
		if !changed {
			return
		}
		if err := e.Sender.Whisper(recvPeer, codec.EncodeUnsub(emitPeer, emitter, recvPeer, receiver)); err != nil {
			slog.Error("protocol: failed to whisper UNSUB confirmation", "peer", recvPeer, "error", err)
		}
	case roleThirdParty:
		if err := e.Sender.Whisper(emitPeer, codec.EncodeUnsub(emitPeer, emitter, recvPeer, receiver)); err != nil {
			slog.Error("protocol: failed to forward UNSUB", "peer", emitPeer, "error", err)
		}
	}
}

func emitterKey(emitter *string) string {
	if emitter == nil {
		return ""
	}
	return *emitter
}

func (e *Engine) handleSub(senderPeer, senderName string, frame codec.Frame) {
	req, err := frame.DecodeSub()
	if err != nil {
		slog.Warn("protocol: malformed SUB, dropping", "peer", senderPeer, "error", err)
		return
	}
	// A frame naming us as neither party is invalid: third-party requests
	// are sent to the emitter, never relayed onward by bystanders.
	if r := e.role(req.EmitPeer, req.RecvPeer); r == roleInvalid || r == roleThirdParty {
		slog.Warn("protocol: invalid SUB (neither peer id is self), dropping", "peer", senderPeer)
		return
	}
	e.SignalSubscribe(req.RecvPeer, req.Receiver, req.EmitPeer, req.Emitter)
}

func (e *Engine) handleUnsub(senderPeer, senderName string, frame codec.Frame) {
	req, err := frame.DecodeSub()
	if err != nil {
		slog.Warn("protocol: malformed UNSUB, dropping", "peer", senderPeer, "error", err)
		return
	}
	if r := e.role(req.EmitPeer, req.RecvPeer); r == roleInvalid || r == roleThirdParty {
		slog.Warn("protocol: invalid UNSUB (neither peer id is self), dropping", "peer", senderPeer)
		return
	}
	e.SignalUnsubscribe(req.RecvPeer, req.Receiver, req.EmitPeer, req.Emitter)
}

func subAsWire(req codec.SubRequest) map[string]any {
	m := map[string]any{"emit_peer": req.EmitPeer, "recv_peer": req.RecvPeer}
	if req.Emitter != nil {
		m["emitter"] = *req.Emitter
	}
	if req.Receiver != nil {
		m["receiver"] = *req.Receiver
	}
	return m
}

// HandlePeerExit purges subscription state for a departed peer.
// node.Node calls this from its presence loop on an EXIT event.
func (e *Engine) HandlePeerExit(peer, name string) {
	e.Registry.RemovePeer(peer)
	e.Handlers.OnPeerExit(peer, name)
}

// HandlePeerEnter forwards an ENTER presence event to the application
// callback. It does not itself issue a GET — node.Node decides whether
// discovery should eagerly fetch the new peer's capability.
func (e *Engine) HandlePeerEnter(peer, name string, headers map[string]any) {
	e.Handlers.OnPeerEnter(peer, name, headers)
}

func (e *Engine) HandlePeerJoin(peer, name, group string)  { e.Handlers.OnPeerJoin(peer, name, group) }
func (e *Engine) HandlePeerLeave(peer, name, group string) { e.Handlers.OnPeerLeave(peer, name, group) }

func (e *Engine) HandlePeerWhisper(peer, name string, data []byte) {
	e.Handlers.OnPeerWhisper(peer, name, map[string]any{})
	e.Dispatch(peer, name, data)
}

func (e *Engine) HandlePeerShout(peer, name, group string, data []byte) {
	e.Handlers.OnPeerShout(peer, name, group, map[string]any{})
	e.Dispatch(peer, name, data)
}
