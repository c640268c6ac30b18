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
	"encoding/json"
	"log/slog"

	"github.com/hashicorp/memberlist"
)

// gossipDelegate and gossipEventDelegate are Gossip itself, viewed through
// the two interfaces memberlist.Config wants. Splitting them out keeps
// the Client-facing methods in gossip.go free of memberlist's vocabulary.
type gossipDelegate Gossip
type gossipEventDelegate Gossip

// gossipMeta is the per-node metadata gossiped with membership: the
// human-readable name (the memberlist node name itself is the hex peer
// id) plus the presence headers.
type gossipMeta struct {
	Name    string            `json:"name"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (d *gossipDelegate) NodeMeta(limit int) []byte {
	g := (*Gossip)(d)
	g.mu.Lock()
	defer g.mu.Unlock()
	b, err := json.Marshal(gossipMeta{Name: g.name, Headers: g.headers})
	if err != nil {
		slog.Error("presence: marshal node meta", "error", err)
		return nil
	}
	if len(b) > limit {
		slog.Warn("presence: node meta truncated to fit limit", "limit", limit)
		return b[:limit]
	}
	return b
}

func (d *gossipDelegate) NotifyMsg(raw []byte) {
	g := (*Gossip)(d)
	var env controlEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		slog.Warn("presence: dropping malformed control message", "error", err)
		return
	}
	if env.From == g.UUID() {
		return
	}
	switch env.Kind {
	case controlWhisper:
		g.events <- Event{Type: EventWhisper, Peer: env.From, Name: env.Name, Data: env.Data}
	case controlShout:
		g.events <- Event{Type: EventShout, Peer: env.From, Name: env.Name, Group: env.Group, Data: env.Data}
	case controlJoin:
		g.recordPeerGroup(env.From, env.Group, true)
		g.events <- Event{Type: EventJoin, Peer: env.From, Name: env.Name, Group: env.Group}
	case controlLeave:
		g.recordPeerGroup(env.From, env.Group, false)
		g.events <- Event{Type: EventLeave, Peer: env.From, Name: env.Name, Group: env.Group}
	default:
		slog.Warn("presence: unknown control message kind", "kind", env.Kind)
	}
}

func (d *gossipDelegate) GetBroadcasts(overhead, limit int) [][]byte {
	g := (*Gossip)(d)
	return g.broadcasts.GetBroadcasts(overhead, limit)
}

// LocalState/MergeRemoteState are unused: group membership and whisper
// traffic are all delivered as point-in-time events, not reconciled
// state, so a node that joins mid-conversation only sees membership
// changes from that point forward.
func (d *gossipDelegate) LocalState(join bool) []byte          { return nil }
func (d *gossipDelegate) MergeRemoteState(buf []byte, join bool) {}

func (g *Gossip) recordPeerGroup(peer, group string, joined bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	groups, ok := g.peerGroups[peer]
	if !ok {
		groups = map[string]bool{}
		g.peerGroups[peer] = groups
	}
	if joined {
		groups[group] = true
	} else {
		delete(groups, group)
	}
}

func (d *gossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	g := (*Gossip)(d)
	var meta gossipMeta
	_ = json.Unmarshal(node.Meta, &meta)
	g.mu.Lock()
	g.peerHdrs[node.Name] = meta.Headers
	g.mu.Unlock()
	g.events <- Event{Type: EventEnter, Peer: node.Name, Name: meta.Name, Headers: toAnyMap(meta.Headers)}
}

func (d *gossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	g := (*Gossip)(d)
	g.mu.Lock()
	delete(g.peerHdrs, node.Name)
	delete(g.peerGroups, node.Name)
	g.mu.Unlock()
	g.events <- Event{Type: EventExit, Peer: node.Name, Name: node.Name}
}

func (d *gossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	g := (*Gossip)(d)
	var meta gossipMeta
	_ = json.Unmarshal(node.Meta, &meta)
	g.mu.Lock()
	g.peerHdrs[node.Name] = meta.Headers
	g.mu.Unlock()
}
