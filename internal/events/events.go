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

// Package events defines the fixed set of node lifecycle callbacks a
// ZOCP node dispatches to as it processes presence and protocol
// traffic. Callers override only the ones they care about; every
// Handlers field defaults to a slog line at debug level.
package events

import "log/slog"

// Handlers is the full set of overridable node callbacks. Every field
// must be non-nil, since the protocol engine calls them directly; the
// zero value is therefore not usable. NewHandlers fills every field with
// a logging default, and callers start from it and replace individual
// fields.
type Handlers struct {
	OnPeerEnter  func(peer, name string, headers map[string]any)
	OnPeerExit   func(peer, name string)
	OnPeerJoin   func(peer, name, group string)
	OnPeerLeave  func(peer, name, group string)
	OnPeerWhisper func(peer, name string, data map[string]any)
	OnPeerShout  func(peer, name, group string, data map[string]any)

	// OnModified fires for every local mutation (register/SET/header
	// field), independent of whether it triggers a MOD or SIG fan-out.
	OnModified func(data map[string]any, originPeer, originName *string)

	OnPeerModified     func(peer, name string, data map[string]any)
	OnPeerSubscribed   func(peer, name string, data map[string]any)
	OnPeerUnsubscribed func(peer, name string, data map[string]any)

	// OnPeerSignaled receives the SIG payload extended with the list of
	// local receiver names the signal cascaded to.
	OnPeerSignaled func(peer, name, emitter string, value any, receivers []string)

	OnPeerReplied func(peer, name string, data any)
}

// NewHandlers returns a Handlers whose every field logs at debug level
// and does nothing else. Exceptions raised inside a handler are not
// recovered here — they propagate to the caller's dispatch loop, which
// decides whether one bad handler should stop the node.
func NewHandlers() *Handlers {
	return &Handlers{
		OnPeerEnter: func(peer, name string, headers map[string]any) {
			slog.Debug("peer entered", "peer", peer, "name", name)
		},
		OnPeerExit: func(peer, name string) {
			slog.Debug("peer exited", "peer", peer, "name", name)
		},
		OnPeerJoin: func(peer, name, group string) {
			slog.Debug("peer joined group", "peer", peer, "name", name, "group", group)
		},
		OnPeerLeave: func(peer, name, group string) {
			slog.Debug("peer left group", "peer", peer, "name", name, "group", group)
		},
		OnPeerWhisper: func(peer, name string, data map[string]any) {
			slog.Debug("peer whispered", "peer", peer, "name", name)
		},
		OnPeerShout: func(peer, name, group string, data map[string]any) {
			slog.Debug("peer shouted", "peer", peer, "name", name, "group", group)
		},
		OnModified: func(data map[string]any, originPeer, originName *string) {
			slog.Debug("capability modified", "origin_peer", originPeer, "origin_name", originName)
		},
		OnPeerModified: func(peer, name string, data map[string]any) {
			slog.Debug("peer capability modified", "peer", peer, "name", name)
		},
		OnPeerSubscribed: func(peer, name string, data map[string]any) {
			slog.Debug("peer subscribed", "peer", peer, "name", name)
		},
		OnPeerUnsubscribed: func(peer, name string, data map[string]any) {
			slog.Debug("peer unsubscribed", "peer", peer, "name", name)
		},
		OnPeerSignaled: func(peer, name, emitter string, value any, receivers []string) {
			slog.Debug("peer signaled", "peer", peer, "name", name, "emitter", emitter, "receivers", receivers)
		},
		OnPeerReplied: func(peer, name string, data any) {
			slog.Debug("peer replied", "peer", peer, "name", name)
		},
	}
}
