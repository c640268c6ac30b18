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

package debugapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/z25/zocp/internal/capability"
	"github.com/z25/zocp/internal/config"
	"github.com/z25/zocp/internal/debugapi"
	"github.com/z25/zocp/internal/events"
	"github.com/z25/zocp/internal/node"
	"github.com/z25/zocp/internal/presence"
)

func newRunningNode(t *testing.T) *node.Node {
	t.Helper()
	bus := presence.NewBus()
	client := bus.NewClient("node1", nil)
	n := node.New(client, events.NewHandlers())
	require.NoError(t, n.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.Run(ctx, 5*time.Millisecond)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return n
}

func testConfig() *config.Config {
	return &config.Config{
		LogLevel: config.LogLevelInfo,
		Node:     config.Node{Name: "node1"},
		Presence: config.Presence{Kind: config.PresenceKindLoopback},
		Debug:    config.Debug{Bind: "127.0.0.1", Port: 9707, CORSHosts: []string{"http://localhost"}},
	}
}

func TestCapabilityEndpointReturnsWireForm(t *testing.T) {
	t.Parallel()
	n := newRunningNode(t)
	n.Enqueue(func(n *node.Node) {
		_ = n.RegisterParameter("Volume", capability.TypeFloat, 0.5, "rw", 0.0, 1.0, 0.01)
	})

	router := debugapi.NewRouter(testConfig(), n)

	require.Eventually(t, func() bool {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/capability", nil)
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			return false
		}
		var body map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			return false
		}
		_, ok := body["Volume"]
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestPeersEndpointReturnsEmptyMapInitially(t *testing.T) {
	t.Parallel()
	n := newRunningNode(t)
	router := debugapi.NewRouter(testConfig(), n)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/peers", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Empty(t, body)
}

func TestSubscriptionsEndpointShape(t *testing.T) {
	t.Parallel()
	n := newRunningNode(t)
	router := debugapi.NewRouter(testConfig(), n)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/subscriptions", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body, "subscriptions")
	assert.Contains(t, body, "subscribers")
}

func TestBroadcasterFansOutToMultipleSubscribers(t *testing.T) {
	t.Parallel()
	b := debugapi.NewBroadcaster()
	a := b.Subscribe()
	c := b.Subscribe()

	b.Publish([]byte(`{"event":"test"}`))

	assert.Equal(t, []byte(`{"event":"test"}`), <-a)
	assert.Equal(t, []byte(`{"event":"test"}`), <-c)
}

func TestBroadcasterUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := debugapi.NewBroadcaster()
	ch := b.Subscribe()
	b.Unsubscribe(ch)

	_, ok := <-ch
	assert.False(t, ok)
}
