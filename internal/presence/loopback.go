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
	"fmt"
	"sync"
)

// eventBuffer is the per-peer inbound event channel depth. A Loopback bus
// is meant for tests and single-process scenarios, not load — the buffer
// absorbs short bursts, and once it is full a Shout/Whisper call blocks
// until the receiver drains (see deliver).
const eventBuffer = 64

// Bus is a shared, in-process presence network. Every Loopback client
// created with the same Bus can discover and message every other client
// on it, mirroring what a real gossip overlay provides across processes.
type Bus struct {
	mu    sync.Mutex
	peers map[string]*Loopback
}

// NewBus creates an empty presence bus.
func NewBus() *Bus {
	return &Bus{peers: map[string]*Loopback{}}
}

// NewClient creates a new Loopback peer attached to the bus, named name
// with the given initial headers. The peer is not visible to others
// until Start is called.
func (b *Bus) NewClient(name string, headers map[string]string) *Loopback {
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	return &Loopback{
		bus:        b,
		id:         NewPeerID(),
		name:       name,
		headers:    h,
		groups:     map[string]bool{},
		peerGroups: map[string]map[string]bool{},
		peerAddr:   map[string]string{},
		peerHdrs:   map[string]map[string]string{},
		events:     make(chan Event, eventBuffer),
	}
}

// Loopback is an in-memory presence.Client. Bus membership changes take
// the Bus lock and per-client state takes the client's own mu, so
// Loopback is safe to drive from multiple goroutines, same as a real
// network transport would require.
type Loopback struct {
	bus *Bus

	id   string
	name string

	mu      sync.Mutex
	headers map[string]string
	groups  map[string]bool

	// peerGroups caches which groups we've observed each peer belong to,
	// refreshed as JOIN/LEAVE events are produced for peers we've seen ENTER.
	peerGroups map[string]map[string]bool
	peerAddr   map[string]string
	peerHdrs   map[string]map[string]string

	events  chan Event
	started bool
}

func (l *Loopback) UUID() string { return l.id }
func (l *Loopback) Name() string { return l.name }

func (l *Loopback) SetHeader(key, value string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.headers[key] = value
}

func (l *Loopback) PeerHeaderValue(peer, key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	hdrs, ok := l.peerHdrs[peer]
	if !ok {
		return "", false
	}
	v, ok := hdrs[key]
	return v, ok
}

func (l *Loopback) Peers() []string {
	l.bus.mu.Lock()
	defer l.bus.mu.Unlock()
	out := make([]string, 0, len(l.bus.peers))
	for id := range l.bus.peers {
		if id != l.id {
			out = append(out, id)
		}
	}
	return out
}

func (l *Loopback) PeerAddress(peer string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	addr, ok := l.peerAddr[peer]
	return addr, ok
}

func (l *Loopback) OwnGroups() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.groups))
	for g := range l.groups {
		out = append(out, g)
	}
	return out
}

func (l *Loopback) PeerGroups(peer string) ([]string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	groups, ok := l.peerGroups[peer]
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(groups))
	for g := range groups {
		out = append(out, g)
	}
	return out, true
}

// Start registers the peer on the bus: every already-present peer
// receives an ENTER event for it, and it receives an ENTER event for
// every peer already present.
func (l *Loopback) Start(_ context.Context) error {
	l.bus.mu.Lock()
	defer l.bus.mu.Unlock()

	if l.started {
		return fmt.Errorf("presence: peer %s already started", l.id)
	}
	l.started = true

	l.mu.Lock()
	headers := make(map[string]any, len(l.headers))
	for k, v := range l.headers {
		headers[k] = v
	}
	l.mu.Unlock()

	for id, peer := range l.bus.peers {
		peer.deliver(Event{Type: EventEnter, Peer: l.id, Name: l.name, Headers: headers})
		l.observeEnter(id, peer)
	}
	l.bus.peers[l.id] = l
	return nil
}

// observeEnter snapshots peer's current headers into l's local peer
// cache, as if discovered via a real presence beacon.
func (l *Loopback) observeEnter(id string, peer *Loopback) {
	peer.mu.Lock()
	headers := make(map[string]string, len(peer.headers))
	for k, v := range peer.headers {
		headers[k] = v
	}
	peer.mu.Unlock()

	l.mu.Lock()
	if l.peerHdrs == nil {
		l.peerHdrs = map[string]map[string]string{}
	}
	if l.peerAddr == nil {
		l.peerAddr = map[string]string{}
	}
	l.peerHdrs[id] = headers
	l.peerAddr[id] = id
	l.mu.Unlock()

	l.deliver(Event{Type: EventEnter, Peer: id, Name: peer.name, Headers: toAnyMap(headers)})
}

func toAnyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Stop removes the peer from the bus and tells every other peer it left.
// Idempotent: a second Stop is a no-op.
func (l *Loopback) Stop() error {
	l.bus.mu.Lock()
	if !l.started {
		l.bus.mu.Unlock()
		return nil
	}
	l.started = false
	delete(l.bus.peers, l.id)
	others := make([]*Loopback, 0, len(l.bus.peers))
	for _, p := range l.bus.peers {
		others = append(others, p)
	}
	l.bus.mu.Unlock()

	for _, p := range others {
		p.deliver(Event{Type: EventExit, Peer: l.id, Name: l.name})
	}
	close(l.events)
	return nil
}

func (l *Loopback) Join(group string) error {
	l.mu.Lock()
	l.groups[group] = true
	l.mu.Unlock()

	for _, p := range l.groupMembers(group, true) {
		p.deliver(Event{Type: EventJoin, Peer: l.id, Name: l.name, Group: group})
		p.recordPeerGroup(l.id, group, true)
	}
	return nil
}

func (l *Loopback) Leave(group string) error {
	l.mu.Lock()
	delete(l.groups, group)
	l.mu.Unlock()

	for _, p := range l.groupMembers(group, true) {
		p.deliver(Event{Type: EventLeave, Peer: l.id, Name: l.name, Group: group})
		p.recordPeerGroup(l.id, group, false)
	}
	return nil
}

func (l *Loopback) recordPeerGroup(peer, group string, joined bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	groups, ok := l.peerGroups[peer]
	if !ok {
		groups = map[string]bool{}
		l.peerGroups[peer] = groups
	}
	if joined {
		groups[group] = true
	} else {
		delete(groups, group)
	}
}

func (l *Loopback) Whisper(peer string, data []byte) error {
	l.bus.mu.Lock()
	target, ok := l.bus.peers[peer]
	l.bus.mu.Unlock()
	if !ok {
		return fmt.Errorf("presence: unknown peer %s", peer)
	}
	target.deliver(Event{Type: EventWhisper, Peer: l.id, Name: l.name, Data: data})
	return nil
}

func (l *Loopback) Shout(group string, data []byte) error {
	for _, p := range l.groupMembers(group, false) {
		p.deliver(Event{Type: EventShout, Peer: l.id, Name: l.name, Group: group, Data: data})
	}
	return nil
}

// groupMembers returns every other bus peer currently in group.
// includeSelf is accepted for symmetry but self is always excluded —
// a peer never receives its own JOIN/LEAVE/SHOUT notification.
func (l *Loopback) groupMembers(group string, _ bool) []*Loopback {
	l.bus.mu.Lock()
	defer l.bus.mu.Unlock()
	var out []*Loopback
	for id, p := range l.bus.peers {
		if id == l.id {
			continue
		}
		p.mu.Lock()
		in := p.groups[group]
		p.mu.Unlock()
		if in {
			out = append(out, p)
		}
	}
	return out
}

// deliver blocks once eventBuffer is full. Callers (tests, scenarios) are
// expected to keep draining Receive(); dropping events here would hide bugs.
func (l *Loopback) deliver(e Event) {
	l.events <- e
}

func (l *Loopback) Receive() <-chan Event { return l.events }
