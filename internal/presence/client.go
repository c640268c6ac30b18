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

// Package presence defines the transport-agnostic contract a ZOCP node
// uses to discover peers and exchange whisper/shout frames, plus two
// concrete adapters: an in-memory Loopback bus for tests and single-process
// scenarios, and a Gossip adapter over hashicorp/memberlist for a real
// multi-process overlay.
package presence

import (
	"context"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewPeerID generates the 32-character hex peer id used on the wire (no
// dashes).
func NewPeerID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// EventType is one of the six presence events a Client delivers.
type EventType string

const (
	EventEnter   EventType = "ENTER"
	EventExit    EventType = "EXIT"
	EventJoin    EventType = "JOIN"
	EventLeave   EventType = "LEAVE"
	EventShout   EventType = "SHOUT"
	EventWhisper EventType = "WHISPER"
)

// Event is one presence-layer occurrence, delivered on Client.Receive().
type Event struct {
	Type EventType

	Peer string
	Name string

	// Group is set for JOIN/LEAVE/SHOUT.
	Group string

	// Headers is set for ENTER: the peer's full header set at the moment
	// it joined the overlay.
	Headers map[string]any

	// Data is the raw wire frame for SHOUT/WHISPER.
	Data []byte
}

// Client is the presence substrate a node runs its protocol engine over.
// It deliberately says nothing about transport: Loopback and Gossip both
// satisfy it, and a node built against Client doesn't know which one it
// has.
type Client interface {
	UUID() string
	Name() string

	// SetHeader sets a header key visible to peers once Start is called
	// (or immediately, if already started).
	SetHeader(key, value string)
	PeerHeaderValue(peer, key string) (string, bool)

	Peers() []string
	PeerAddress(peer string) (string, bool)

	OwnGroups() []string
	PeerGroups(peer string) ([]string, bool)

	Join(group string) error
	Leave(group string) error

	Whisper(peer string, data []byte) error
	Shout(group string, data []byte) error

	// Receive returns the channel Events are delivered on. The channel is
	// closed when Stop completes.
	Receive() <-chan Event

	Start(ctx context.Context) error
	Stop() error
}
