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

// Package node wires the capability tree, subscription registry, protocol
// engine, event dispatcher and a presence.Client together into one ZOCP
// node, and drives the cooperative event loop.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/z25/zocp/internal/capability"
	"github.com/z25/zocp/internal/codec"
	"github.com/z25/zocp/internal/events"
	"github.com/z25/zocp/internal/presence"
	"github.com/z25/zocp/internal/protocol"
	"github.com/z25/zocp/internal/subscription"
)

// commandBuffer bounds Node.Enqueue's backlog so a slow event loop
// applies backpressure instead of growing without bound.
const commandBuffer = 256

// Node is one ZOCP node: a capability tree, its subscription bookkeeping,
// the protocol engine that ties them to the wire, and the presence.Client
// that carries frames to and from peers.
//
// Every mutating method on Node (RegisterParameter, SetObject,
// EmitSignal, SignalSubscribe, ...) is only safe to call from the
// goroutine running RunOnce/Run. A host application on another goroutine
// must go through Enqueue, which funnels the call through a channel
// RunOnce drains before every poll.
type Node struct {
	Tree     *capability.Tree
	Registry *subscription.Registry
	Engine   *protocol.Engine
	Handlers *events.Handlers

	presence presence.Client
	commands chan func(*Node)
}

// New constructs a Node around an already-Start()-able presence.Client.
// handlers may be nil, in which case every callback defaults to a debug
// log line (events.NewHandlers).
func New(client presence.Client, handlers *events.Handlers) *Node {
	if handlers == nil {
		handlers = events.NewHandlers()
	}
	n := &Node{
		Handlers: handlers,
		presence: client,
		commands: make(chan func(*Node), commandBuffer),
	}
	n.Registry = subscription.NewRegistry()
	n.Tree = capability.NewTree(nil)
	n.Engine = protocol.NewEngine(client.UUID(), client.Name(), n.Tree, n.Registry, client, handlers)
	n.Tree.SetNotify(n.Engine.OnTreeModified)
	return n
}

// Start joins the ZOCP presence group and sets the ZOCP discovery header,
// then starts the underlying presence.Client.
func (n *Node) Start(ctx context.Context) error {
	n.presence.SetHeader("X-ZOCP", "1")
	if err := n.presence.Start(ctx); err != nil {
		return fmt.Errorf("node: start presence client: %w", err)
	}
	if err := n.presence.Join("ZOCP"); err != nil {
		return fmt.Errorf("node: join ZOCP group: %w", err)
	}
	return nil
}

// Stop tells the presence client to shut down.
func (n *Node) Stop() error { return n.presence.Stop() }

// UUID and Name expose the node's own identity, as carried by its
// presence.Client.
func (n *Node) UUID() string { return n.presence.UUID() }
func (n *Node) Name() string { return n.presence.Name() }

// Enqueue schedules fn to run on the event-loop goroutine during the next
// RunOnce call, for host applications that mutate the node from another
// goroutine.
func (n *Node) Enqueue(fn func(*Node)) {
	n.commands <- fn
}

// --- capability tree convenience wrappers (event-loop goroutine only) ---

// RegisterParameter writes a parameter record under the current cursor
// and lets the MOD/SIG pipeline notify any interested subscriber.
func (n *Node) RegisterParameter(name string, typeHint capability.TypeHint, value any, access capability.Access, minV, maxV, step any) error {
	return n.Tree.RegisterParameter(name, typeHint, value, access, minV, maxV, step)
}

// Typed registration helpers, one per canonical type hint.

func (n *Node) RegisterInt(name string, value any, access capability.Access, minV, maxV, step any) error {
	return n.Tree.RegisterParameter(name, capability.TypeInt, value, access, minV, maxV, step)
}

func (n *Node) RegisterFloat(name string, value any, access capability.Access, minV, maxV, step any) error {
	return n.Tree.RegisterParameter(name, capability.TypeFloat, value, access, minV, maxV, step)
}

func (n *Node) RegisterPercent(name string, value any, access capability.Access, minV, maxV, step any) error {
	return n.Tree.RegisterParameter(name, capability.TypePercent, value, access, minV, maxV, step)
}

func (n *Node) RegisterBool(name string, value any, access capability.Access) error {
	return n.Tree.RegisterParameter(name, capability.TypeBool, value, access, nil, nil, nil)
}

func (n *Node) RegisterString(name string, value any, access capability.Access) error {
	return n.Tree.RegisterParameter(name, capability.TypeString, value, access, nil, nil, nil)
}

func (n *Node) RegisterVec2f(name string, value any, access capability.Access, minV, maxV, step any) error {
	return n.Tree.RegisterParameter(name, capability.TypeVec2f, value, access, minV, maxV, step)
}

func (n *Node) RegisterVec3f(name string, value any, access capability.Access, minV, maxV, step any) error {
	return n.Tree.RegisterParameter(name, capability.TypeVec3f, value, access, minV, maxV, step)
}

func (n *Node) RegisterVec4f(name string, value any, access capability.Access, minV, maxV, step any) error {
	return n.Tree.RegisterParameter(name, capability.TypeVec4f, value, access, minV, maxV, step)
}

// SetCapability replaces the node's whole capability tree and announces
// it as one full MOD.
func (n *Node) SetCapability(wire map[string]any) { n.Tree.SetCapability(wire) }

// SetObject moves the capability tree's current-object cursor.
func (n *Node) SetObject(name *string, objType string) { n.Tree.SetObject(name, objType) }

// SetHeaderField sets a reserved node-meta key (_name, _location, ...).
func (n *Node) SetHeaderField(key string, value any) error {
	return n.Tree.SetHeaderField(key, value)
}

// GetValue reads a root-level parameter's value.
func (n *Node) GetValue(name string) (any, bool) { return n.Tree.GetValue(name) }

// EmitSignal sets a value and broadcasts it as SIG directly, bypassing
// the MOD pipeline.
func (n *Node) EmitSignal(name string, value any) { n.Engine.EmitSignal(name, value) }

// SignalSubscribe/SignalUnsubscribe are the public subscription API,
// with emitter/receiver nil meaning "wildcard"/"signal callback only"
// respectively.
func (n *Node) SignalSubscribe(recvPeer string, receiver *string, emitPeer string, emitter *string) {
	n.Engine.SignalSubscribe(recvPeer, receiver, emitPeer, emitter)
}

func (n *Node) SignalUnsubscribe(recvPeer string, receiver *string, emitPeer string, emitter *string) {
	n.Engine.SignalUnsubscribe(recvPeer, receiver, emitPeer, emitter)
}

// Snapshot safely reads the capability tree's wire form from a goroutine
// other than the event loop, by funneling the read through the same
// command channel Enqueue uses for mutations — capability.Tree itself is
// not concurrency-safe, so any cross-goroutine access (the
// debug API's GET /capability) must go through here rather than reading
// n.Tree directly. Blocks until the next RunOnce drains the command
// queue, so it requires the event loop to be running.
func (n *Node) Snapshot() map[string]any {
	result := make(chan map[string]any, 1)
	n.Enqueue(func(n *Node) {
		result <- n.Tree.ToWire()
	})
	return <-result
}

// PeerCapability returns the last-known cached capability tree for peer.
func (n *Node) PeerCapability(peer string) (map[string]any, bool) {
	return n.Registry.PeerCapability(peer)
}

// Peers lists every peer the node currently knows about.
func (n *Node) Peers() []string { return n.Registry.Peers() }

// ErrStopped is returned by RunOnce when the presence client's Receive
// channel has been closed (the client was stopped). Run treats it as a
// clean, expected shutdown and returns nil, as it does on context
// cancellation.
var ErrStopped = errors.New("node: event loop stopped")

// RunOnce drains the command queue, then polls the presence client's
// Receive channel once. If a frame is ready it is processed and RunOnce
// immediately re-polls with a zero timeout, draining everything
// currently pending. It returns when nothing more is
// ready within timeout (or immediately, for timeout<=0, if nothing is
// pending).
func (n *Node) RunOnce(timeout time.Duration) error {
	n.drainCommands()

	first := true
	for {
		wait := timeout
		if !first {
			wait = 0
		}
		first = false

		if wait <= 0 {
			select {
			case ev, ok := <-n.presence.Receive():
				if !ok {
					return ErrStopped
				}
				n.handleEvent(ev)
				n.drainCommands()
				continue
			default:
				return nil
			}
		}

		select {
		case ev, ok := <-n.presence.Receive():
			if !ok {
				return ErrStopped
			}
			n.handleEvent(ev)
			n.drainCommands()
		case <-time.After(wait):
			return nil
		}
	}
}

func (n *Node) drainCommands() {
	for {
		select {
		case fn := <-n.commands:
			fn(n)
		default:
			return
		}
	}
}

// Run calls RunOnce in a loop until ctx is cancelled, at which point it
// stops the presence client and returns. Any other error from RunOnce
// propagates immediately and terminates the loop; the caller may restart.
func (n *Node) Run(ctx context.Context, timeout time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			if err := n.presence.Stop(); err != nil {
				slog.Error("node: error stopping presence client", "error", err)
			}
			return nil
		default:
		}
		if err := n.RunOnce(timeout); err != nil {
			if errors.Is(err, ErrStopped) {
				return nil
			}
			return err
		}
	}
}

func (n *Node) handleEvent(ev presence.Event) {
	_, span := otel.Tracer("zocp").Start(context.Background(), "Node.RunOnce")
	defer span.End()

	switch ev.Type {
	case presence.EventEnter:
		if _, cached := n.Registry.PeerCapability(ev.Peer); !cached {
			n.Registry.SetPeerCapability(ev.Peer, map[string]any{})
		}
		n.Engine.HandlePeerEnter(ev.Peer, ev.Name, ev.Headers)
		if err := n.presence.Whisper(ev.Peer, codec.EncodeGet(nil)); err != nil {
			slog.Error("node: failed to whisper discovery GET", "peer", ev.Peer, "error", err)
		}
	case presence.EventExit:
		n.Engine.HandlePeerExit(ev.Peer, ev.Name)
	case presence.EventJoin:
		n.Engine.HandlePeerJoin(ev.Peer, ev.Name, ev.Group)
	case presence.EventLeave:
		n.Engine.HandlePeerLeave(ev.Peer, ev.Name, ev.Group)
	case presence.EventWhisper:
		n.Engine.HandlePeerWhisper(ev.Peer, ev.Name, ev.Data)
	case presence.EventShout:
		n.Engine.HandlePeerShout(ev.Peer, ev.Name, ev.Group, ev.Data)
	default:
		slog.Warn("node: unrecognized presence event type, dropping", "type", ev.Type)
	}
}
