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

package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
)

// controlKind tags the small envelope Gossip wraps every message in, so a
// single memberlist.Delegate can tell a whisper from a group control
// message without a second transport.
type controlKind string

const (
	controlWhisper controlKind = "whisper"
	controlShout   controlKind = "shout"
	controlJoin    controlKind = "join"
	controlLeave   controlKind = "leave"
)

type controlEnvelope struct {
	Kind  controlKind `json:"kind"`
	From  string      `json:"from"`
	Name  string      `json:"name"`
	Group string      `json:"group,omitempty"`
	Data  []byte      `json:"data,omitempty"`
}

// Gossip is a presence.Client backed by hashicorp/memberlist: ENTER/EXIT
// ride memberlist's own membership gossip, and JOIN/LEAVE/SHOUT/WHISPER
// ride a small control envelope over memberlist's broadcast queue and
// point-to-point send.
type Gossip struct {
	ml   *memberlist.Memberlist
	id   string
	name string

	bindAddr string
	bindPort int
	seeds    []string

	mu         sync.Mutex
	headers    map[string]string
	groups     map[string]bool
	peerGroups map[string]map[string]bool
	peerHdrs   map[string]map[string]string

	broadcasts *memberlist.TransmitLimitedQueue
	events     chan Event
}

// leaveTimeout bounds how long Stop waits for memberlist to gossip this
// node's departure before shutting down unconditionally.
const leaveTimeout = 2 * time.Second

// GossipConfig configures a Gossip client. BindAddr/BindPort follow
// memberlist.Config's fields of the same name; Seeds are addresses of
// already-running peers to join on Start.
type GossipConfig struct {
	Name     string
	BindAddr string
	BindPort int
	Seeds    []string
}

// NewGossip constructs a Gossip client. The underlying memberlist isn't
// created until Start, since memberlist.Create begins listening
// immediately.
func NewGossip(cfg GossipConfig) *Gossip {
	g := &Gossip{
		id:         NewPeerID(),
		name:       cfg.Name,
		headers:    map[string]string{},
		groups:     map[string]bool{},
		peerGroups: map[string]map[string]bool{},
		peerHdrs:   map[string]map[string]string{},
		events:     make(chan Event, eventBuffer),
	}
	g.broadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       func() int { return g.ml.NumMembers() },
		RetransmitMult: 3,
	}
	g.seeds = cfg.Seeds
	g.bindAddr = cfg.BindAddr
	g.bindPort = cfg.BindPort
	return g
}

// UUID is the node's wire peer id: 32 hex characters, generated once at
// construction and doubling as the memberlist node name so peers address
// each other by it.
func (g *Gossip) UUID() string { return g.id }

func (g *Gossip) Name() string { return g.name }

func (g *Gossip) SetHeader(key, value string) {
	g.mu.Lock()
	g.headers[key] = value
	g.mu.Unlock()
	if g.ml != nil {
		g.ml.UpdateNode(0)
	}
}

func (g *Gossip) PeerHeaderValue(peer, key string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	hdrs, ok := g.peerHdrs[peer]
	if !ok {
		return "", false
	}
	v, ok := hdrs[key]
	return v, ok
}

func (g *Gossip) Peers() []string {
	if g.ml == nil {
		return nil
	}
	members := g.ml.Members()
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m.Name != g.UUID() {
			out = append(out, m.Name)
		}
	}
	return out
}

func (g *Gossip) PeerAddress(peer string) (string, bool) {
	if g.ml == nil {
		return "", false
	}
	for _, m := range g.ml.Members() {
		if m.Name == peer {
			return fmt.Sprintf("%s:%d", m.Addr, m.Port), true
		}
	}
	return "", false
}

func (g *Gossip) OwnGroups() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.groups))
	for grp := range g.groups {
		out = append(out, grp)
	}
	return out
}

func (g *Gossip) PeerGroups(peer string) ([]string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	groups, ok := g.peerGroups[peer]
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(groups))
	for grp := range groups {
		out = append(out, grp)
	}
	return out, true
}

// Start creates the underlying memberlist node and joins the configured
// seeds. ENTER/EXIT events are driven by gossipEventDelegate, wired in as the
// memberlist EventDelegate below.
func (g *Gossip) Start(_ context.Context) error {
	cfg := memberlist.DefaultLANConfig()
	cfg.Name = g.id
	if g.bindAddr != "" {
		cfg.BindAddr = g.bindAddr
	}
	if g.bindPort != 0 {
		cfg.BindPort = g.bindPort
		cfg.AdvertisePort = g.bindPort
	}
	cfg.Delegate = (*gossipDelegate)(g)
	cfg.Events = (*gossipEventDelegate)(g)

	ml, err := memberlist.Create(cfg)
	if err != nil {
		return fmt.Errorf("presence: create memberlist: %w", err)
	}
	g.ml = ml

	if len(g.seeds) > 0 {
		if _, err := ml.Join(g.seeds); err != nil {
			return fmt.Errorf("presence: join seeds: %w", err)
		}
	}
	return nil
}

func (g *Gossip) Stop() error {
	if g.ml == nil {
		return nil
	}
	if err := g.ml.Leave(leaveTimeout); err != nil {
		slog.Warn("presence: graceful leave failed", "error", err)
	}
	err := g.ml.Shutdown()
	g.ml = nil
	close(g.events)
	return err
}

func (g *Gossip) Join(group string) error {
	g.mu.Lock()
	g.groups[group] = true
	g.mu.Unlock()
	return g.broadcastControl(controlEnvelope{Kind: controlJoin, From: g.UUID(), Name: g.name, Group: group})
}

func (g *Gossip) Leave(group string) error {
	g.mu.Lock()
	delete(g.groups, group)
	g.mu.Unlock()
	return g.broadcastControl(controlEnvelope{Kind: controlLeave, From: g.UUID(), Name: g.name, Group: group})
}

func (g *Gossip) Whisper(peer string, data []byte) error {
	env := controlEnvelope{Kind: controlWhisper, From: g.UUID(), Name: g.name, Data: data}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("presence: marshal whisper: %w", err)
	}
	var node *memberlist.Node
	for _, m := range g.ml.Members() {
		if m.Name == peer {
			node = m
			break
		}
	}
	if node == nil {
		return fmt.Errorf("presence: unknown peer %s", peer)
	}
	return g.ml.SendReliable(node, b)
}

func (g *Gossip) Shout(group string, data []byte) error {
	return g.broadcastControl(controlEnvelope{Kind: controlShout, From: g.UUID(), Name: g.name, Group: group, Data: data})
}

func (g *Gossip) broadcastControl(env controlEnvelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("presence: marshal control message: %w", err)
	}
	g.broadcasts.QueueBroadcast(gossipBroadcast(b))
	return nil
}

func (g *Gossip) Receive() <-chan Event { return g.events }

// gossipBroadcast adapts a raw payload to memberlist.Broadcast.
type gossipBroadcast []byte

func (b gossipBroadcast) Invalidates(memberlist.Broadcast) bool { return false }
func (b gossipBroadcast) Message() []byte                       { return b }
func (b gossipBroadcast) Finished()                             {}
