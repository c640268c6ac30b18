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

package debugapi

import (
	"encoding/json"
	"log/slog"

	"github.com/z25/zocp/internal/events"
)

// WrapHandlers returns a copy of h whose every callback also marshals its
// arguments to a JSON line and publishes it on b, feeding the /events
// websocket stream. Each original callback still runs first, unchanged;
// this is a pure decorator.
func WrapHandlers(h *events.Handlers, b *Broadcaster) *events.Handlers {
	if h == nil {
		h = events.NewHandlers()
	}
	orig := *h

	publish := func(kind string, payload any) {
		line, err := json.Marshal(map[string]any{"event": kind, "data": payload})
		if err != nil {
			slog.Error("debugapi: failed to marshal event", "event", kind, "error", err)
			return
		}
		b.Publish(line)
	}

	return &events.Handlers{
		OnPeerEnter: func(peer, name string, headers map[string]any) {
			orig.OnPeerEnter(peer, name, headers)
			publish("peer_enter", map[string]any{"peer": peer, "name": name, "headers": headers})
		},
		OnPeerExit: func(peer, name string) {
			orig.OnPeerExit(peer, name)
			publish("peer_exit", map[string]any{"peer": peer, "name": name})
		},
		OnPeerJoin: func(peer, name, group string) {
			orig.OnPeerJoin(peer, name, group)
			publish("peer_join", map[string]any{"peer": peer, "name": name, "group": group})
		},
		OnPeerLeave: func(peer, name, group string) {
			orig.OnPeerLeave(peer, name, group)
			publish("peer_leave", map[string]any{"peer": peer, "name": name, "group": group})
		},
		OnPeerWhisper: func(peer, name string, data map[string]any) {
			orig.OnPeerWhisper(peer, name, data)
			publish("peer_whisper", map[string]any{"peer": peer, "name": name})
		},
		OnPeerShout: func(peer, name, group string, data map[string]any) {
			orig.OnPeerShout(peer, name, group, data)
			publish("peer_shout", map[string]any{"peer": peer, "name": name, "group": group})
		},
		OnModified: func(data map[string]any, originPeer, originName *string) {
			orig.OnModified(data, originPeer, originName)
			publish("modified", map[string]any{"data": data})
		},
		OnPeerModified: func(peer, name string, data map[string]any) {
			orig.OnPeerModified(peer, name, data)
			publish("peer_modified", map[string]any{"peer": peer, "data": data})
		},
		OnPeerSubscribed: func(peer, name string, data map[string]any) {
			orig.OnPeerSubscribed(peer, name, data)
			publish("peer_subscribed", map[string]any{"peer": peer, "data": data})
		},
		OnPeerUnsubscribed: func(peer, name string, data map[string]any) {
			orig.OnPeerUnsubscribed(peer, name, data)
			publish("peer_unsubscribed", map[string]any{"peer": peer, "data": data})
		},
		OnPeerSignaled: func(peer, name, emitter string, value any, receivers []string) {
			orig.OnPeerSignaled(peer, name, emitter, value, receivers)
			publish("peer_signaled", map[string]any{"peer": peer, "emitter": emitter, "value": value, "receivers": receivers})
		},
		OnPeerReplied: func(peer, name string, data any) {
			orig.OnPeerReplied(peer, name, data)
			publish("peer_replied", map[string]any{"peer": peer, "data": data})
		},
	}
}
