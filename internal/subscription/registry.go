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

// Package subscription implements the ZOCP subscription registry: who
// receives which peer's signals, plus the cached copy of every known
// peer's capability tree.
package subscription

import (
	"log/slog"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/z25/zocp/internal/codec"
)

// wildcard is the emitter key used for a SUB whose emitter_name is null
// ("subscribe to everything this peer emits").
const wildcard = ""

// Entry is one subscription: recvPeer/receiver wants emitPeer's emitter
// signals delivered to receiver (or, if receiver is nil, wants only the
// on_peer_signaled callback fired with no local fan-out target). Emitter
// is the wildcard sentinel ("") when the SUB named no emitter — sent for
// every signal emitPeer fires.
type Entry struct {
	EmitPeer string
	Emitter  string
	RecvPeer string
	Receiver *string
}

func equalReceiver(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (e Entry) equal(o Entry) bool {
	return e.EmitPeer == o.EmitPeer && e.Emitter == o.Emitter &&
		e.RecvPeer == o.RecvPeer && equalReceiver(e.Receiver, o.Receiver)
}

// Registry holds the two subscription tables plus the peer capability
// cache. It is safe for concurrent use, but
// callers on the node's single-writer goroutine get no benefit from
// that — the locking here is for the debug API, which reads the
// registry from its own goroutine.
type Registry struct {
	mu sync.Mutex

	// subscriptions[emitPeer][emitter] -> who receives emitPeer's emitter
	// signals. Consulted on outbound SIG fan-out.
	subscriptions *xsync.Map[string, *xsync.Map[string, []Entry]]

	// subscribers[recvPeer][emitter] -> what recvPeer has subscribed to,
	// regardless of which peer emits it. Consulted for introspection and
	// for peer-removal cleanup.
	subscribers *xsync.Map[string, *xsync.Map[string, []Entry]]

	// peersCapabilities[peer] is the last-known wire-form capability tree
	// for a remote peer, built by GET replies and MOD fan-out.
	peersCapabilities *xsync.Map[string, map[string]any]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		subscriptions:     xsync.NewMap[string, *xsync.Map[string, []Entry]](),
		subscribers:       xsync.NewMap[string, *xsync.Map[string, []Entry]](),
		peersCapabilities: xsync.NewMap[string, map[string]any](),
	}
}

func loadOrCreate(m *xsync.Map[string, []Entry], key string) []Entry {
	v, _ := m.Load(key)
	return v
}

// Subscribe records entry in both tables. Idempotent: re-subscribing the
// same (emitPeer, emitter, recvPeer, receiver) quadruple is a no-op and
// Subscribe reports whether the registry actually changed.
func (r *Registry) Subscribe(e Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := r.appendEntry(r.subscriptions, e.EmitPeer, e.Emitter, e)
	r.appendEntry(r.subscribers, e.RecvPeer, e.Emitter, e)
	return changed
}

func (r *Registry) appendEntry(table *xsync.Map[string, *xsync.Map[string, []Entry]], outerKey, innerKey string, e Entry) bool {
	inner, ok := table.Load(outerKey)
	if !ok {
		inner = xsync.NewMap[string, []Entry]()
		table.Store(outerKey, inner)
	}
	existing := loadOrCreate(inner, innerKey)
	for _, cur := range existing {
		if cur.equal(e) {
			return false
		}
	}
	inner.Store(innerKey, append(existing, e))
	return true
}

// Unsubscribe removes entry from both tables and prunes now-empty maps.
// Returns whether anything was removed.
func (r *Registry) Unsubscribe(e Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := r.removeEntry(r.subscriptions, e.EmitPeer, e.Emitter, e)
	r.removeEntry(r.subscribers, e.RecvPeer, e.Emitter, e)
	return removed
}

func (r *Registry) removeEntry(table *xsync.Map[string, *xsync.Map[string, []Entry]], outerKey, innerKey string, e Entry) bool {
	inner, ok := table.Load(outerKey)
	if !ok {
		return false
	}
	existing, ok := inner.Load(innerKey)
	if !ok {
		return false
	}
	out := existing[:0:0]
	removed := false
	for _, cur := range existing {
		if cur.equal(e) {
			removed = true
			continue
		}
		out = append(out, cur)
	}
	if !removed {
		return false
	}
	if len(out) == 0 {
		inner.Delete(innerKey)
	} else {
		inner.Store(innerKey, out)
	}
	if inner.Size() == 0 {
		table.Delete(outerKey)
	}
	return true
}

// ReceiversFor returns every entry that wants emitPeer's emitter signals
// delivered — both entries that named emitter explicitly and entries that
// subscribed with a null emitter_name (wildcard).
func (r *Registry) ReceiversFor(emitPeer, emitter string) []Entry {
	inner, ok := r.subscriptions.Load(emitPeer)
	if !ok {
		return nil
	}
	var out []Entry
	if named, ok := inner.Load(emitter); ok {
		out = append(out, named...)
	}
	if wild, ok := inner.Load(wildcard); ok {
		out = append(out, wild...)
	}
	return out
}

// RemovePeer purges every subscription and subscriber entry referencing
// peerID (whether as emitter-side or receiver-side party) and drops its
// capability cache entry.
func (r *Registry) RemovePeer(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subscriptions.Delete(peerID)
	r.subscribers.Delete(peerID)
	r.pruneReferencesLocked(r.subscriptions, peerID)
	r.pruneReferencesLocked(r.subscribers, peerID)
	r.peersCapabilities.Delete(peerID)

	slog.Debug("purged subscription state for departed peer", "peer", peerID)
}

// pruneReferencesLocked drops every entry mentioning peerID from every
// inner bucket of table, regardless of which outer key holds it. Caller
// must hold r.mu.
func (r *Registry) pruneReferencesLocked(table *xsync.Map[string, *xsync.Map[string, []Entry]], peerID string) {
	table.Range(func(outerKey string, inner *xsync.Map[string, []Entry]) bool {
		inner.Range(func(innerKey string, entries []Entry) bool {
			out := entries[:0:0]
			for _, e := range entries {
				if e.EmitPeer == peerID || e.RecvPeer == peerID {
					continue
				}
				out = append(out, e)
			}
			if len(out) == 0 {
				inner.Delete(innerKey)
			} else if len(out) != len(entries) {
				inner.Store(innerKey, out)
			}
			return true
		})
		if inner.Size() == 0 {
			table.Delete(outerKey)
		}
		return true
	})
}

// SubscriptionsOf returns every emitter name recvPeer has subscribed to
// (wildcard entries reported as an empty string), for introspection.
func (r *Registry) SubscriptionsOf(recvPeer string) map[string][]Entry {
	inner, ok := r.subscribers.Load(recvPeer)
	if !ok {
		return nil
	}
	out := make(map[string][]Entry)
	inner.Range(func(emitter string, entries []Entry) bool {
		cp := make([]Entry, len(entries))
		copy(cp, entries)
		out[emitter] = cp
		return true
	})
	return out
}

// SetPeerCapability replaces peer's entire cached capability tree, used
// after a GET reply with a full snapshot.
func (r *Registry) SetPeerCapability(peer string, wire map[string]any) {
	r.peersCapabilities.Store(peer, wire)
}

// MergePeerCapability deep-merges partial (a decoded MOD or SIG-derived
// update) into peer's cached capability tree, creating the cache entry if
// this is the first update seen for peer.
func (r *Registry) MergePeerCapability(peer string, partial map[string]any) map[string]any {
	existing, _ := r.peersCapabilities.Load(peer)
	merged := codec.DeepMerge(existing, partial)
	r.peersCapabilities.Store(peer, merged)
	return merged
}

// PeerCapability returns the cached capability tree for peer, if any.
func (r *Registry) PeerCapability(peer string) (map[string]any, bool) {
	return r.peersCapabilities.Load(peer)
}

// Dump materializes both subscription tables for introspection (the
// debug API's GET /subscriptions), copying every entry slice so the
// caller can't mutate live registry state.
func (r *Registry) Dump() (subscriptions, subscribers map[string]map[string][]Entry) {
	dumpTable := func(table *xsync.Map[string, *xsync.Map[string, []Entry]]) map[string]map[string][]Entry {
		out := make(map[string]map[string][]Entry)
		table.Range(func(outerKey string, inner *xsync.Map[string, []Entry]) bool {
			innerOut := make(map[string][]Entry)
			inner.Range(func(innerKey string, entries []Entry) bool {
				cp := make([]Entry, len(entries))
				copy(cp, entries)
				innerOut[innerKey] = cp
				return true
			})
			out[outerKey] = innerOut
			return true
		})
		return out
	}
	return dumpTable(r.subscriptions), dumpTable(r.subscribers)
}

// Peers lists every peer with a cached capability tree.
func (r *Registry) Peers() []string {
	out := make([]string, 0, r.peersCapabilities.Size())
	r.peersCapabilities.Range(func(peer string, _ map[string]any) bool {
		out = append(out, peer)
		return true
	})
	return out
}
