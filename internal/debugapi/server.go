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

// Package debugapi is a read-only HTTP+WebSocket introspection server: a
// gin router exposing a node's capability tree, peer cache and
// subscription tables, plus a websocket stream of fired event-dispatcher
// callbacks. It never participates in the wire protocol and is safe to
// omit entirely.
package debugapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/z25/zocp/internal/config"
	"github.com/z25/zocp/internal/node"
)

const (
	defTimeout = 10 * time.Second
	wsBuffer   = 1024
)

// Server is the debug API's HTTP listener.
type Server struct {
	*http.Server
	shutdownChannel chan struct{}
}

// NewRouter builds the gin router around n's capability tree,
// subscription registry and peer cache. It also queues, through
// n.Enqueue, a decorator around the handlers the node's engine calls,
// so once the event loop applies it every dispatched event republishes
// to the returned router's /events stream. Split out from NewServer so tests
// can exercise routes with httptest without binding a real listener.
func NewRouter(cfg *config.Config, n *node.Node) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.Debug.CORSHosts
	r.Use(cors.New(corsConfig))

	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsBuffer,
		WriteBufferSize: wsBuffer,
		CheckOrigin: func(req *http.Request) bool {
			return checkOrigin(req.Header.Get("Origin"), cfg.Debug.CORSHosts)
		},
	}

	broadcaster := NewBroadcaster()
	n.Enqueue(func(n *node.Node) {
		wrapped := WrapHandlers(n.Engine.Handlers, broadcaster)
		n.Handlers = wrapped
		n.Engine.Handlers = wrapped
	})

	r.GET("/capability", func(c *gin.Context) {
		c.JSON(http.StatusOK, n.Snapshot())
	})

	r.GET("/peers", func(c *gin.Context) {
		peers := n.Peers()
		out := make(map[string]any, len(peers))
		for _, p := range peers {
			wire, _ := n.PeerCapability(p)
			out[p] = wire
		}
		c.JSON(http.StatusOK, out)
	})

	r.GET("/subscriptions", func(c *gin.Context) {
		subscriptions, subscribers := n.Registry.Dump()
		c.JSON(http.StatusOK, gin.H{
			"subscriptions": subscriptions,
			"subscribers":   subscribers,
		})
	})

	r.GET("/events", func(c *gin.Context) {
		serveEvents(c.Writer, c.Request, upgrader, broadcaster)
	})

	return r
}

// NewServer wraps NewRouter's router in an http.Server bound to
// cfg.Debug.
func NewServer(cfg *config.Config, n *node.Node) *Server {
	r := NewRouter(cfg, n)
	addr := fmt.Sprintf("%s:%d", cfg.Debug.Bind, cfg.Debug.Port)
	s := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  defTimeout,
		WriteTimeout: defTimeout,
	}
	return &Server{Server: s, shutdownChannel: make(chan struct{})}
}

func checkOrigin(origin string, hosts []string) bool {
	if origin == "" {
		return false
	}
	for _, host := range hosts {
		if strings.Contains(origin, host) {
			return true
		}
	}
	return false
}

// serveEvents upgrades the request to a websocket and relays every
// broadcaster publication to the client until it disconnects.
func serveEvents(w http.ResponseWriter, r *http.Request, upgrader websocket.Upgrader, b *Broadcaster) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("debugapi: failed to upgrade websocket", "error", err)
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Error("debugapi: failed to close websocket", "error", err)
		}
	}()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	readFailed := make(chan struct{})
	go func() {
		defer close(readFailed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-readFailed:
			return
		case line, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
				return
			}
		}
	}
}

// ErrClosed reports a clean Shutdown-induced exit from Start.
var ErrClosed = errors.New("debugapi: server closed")

// Start runs the HTTP listener until it is closed or fails.
func (s *Server) Start() error {
	g := new(errgroup.Group)
	g.Go(func() error {
		if err := s.ListenAndServe(); err != nil {
			if errors.Is(err, http.ErrServerClosed) {
				close(s.shutdownChannel)
				return ErrClosed
			}
			return fmt.Errorf("debugapi: listen: %w", err)
		}
		return nil
	})
	return g.Wait() //nolint:wrapcheck
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), defTimeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		return fmt.Errorf("debugapi: shutdown: %w", err)
	}
	<-s.shutdownChannel
	return nil
}
