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

// Package config loads ZOCP node configuration from the environment and
// caches it as an atomic singleton.
package config

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

// Node configures this process's own presence identity.
type Node struct {
	Name string
}

// Presence configures which presence.Client adapter the CLI constructs
// and how it binds/seeds.
type Presence struct {
	Kind     PresenceKind
	BindAddr string
	BindPort int
	Seeds    []string
}

// Debug configures the read-only HTTP+WebSocket introspection server.
// Bind is empty when the server should not start.
type Debug struct {
	Bind      string
	Port      int
	CORSHosts []string
}

// Config stores the application configuration.
type Config struct {
	LogLevel LogLevel
	Node     Node
	Presence Presence
	Debug    Debug
}

var currentConfig atomic.Value //nolint:gochecknoglobals
var isInit atomic.Bool         //nolint:gochecknoglobals

func loadConfig() Config {
	cfg := Config{
		LogLevel: LogLevel(strings.ToLower(os.Getenv("ZOCP_LOG_LEVEL"))),
		Node: Node{
			Name: os.Getenv("ZOCP_NODE_NAME"),
		},
		Presence: Presence{
			Kind:     PresenceKind(strings.ToLower(os.Getenv("ZOCP_PRESENCE_KIND"))),
			BindAddr: os.Getenv("ZOCP_BIND_ADDR"),
			BindPort: envInt("ZOCP_BIND_PORT", 0),
		},
		Debug: Debug{
			Bind: os.Getenv("ZOCP_DEBUG_BIND"),
			Port: envInt("ZOCP_DEBUG_PORT", 0),
		},
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = LogLevelInfo
	}
	if cfg.Node.Name == "" {
		cfg.Node.Name = "zocp-node"
	}
	if cfg.Presence.Kind == "" {
		cfg.Presence.Kind = PresenceKindGossip
	}
	if cfg.Presence.BindAddr == "" {
		cfg.Presence.BindAddr = "0.0.0.0"
	}
	if seeds := os.Getenv("ZOCP_SEEDS"); seeds != "" {
		cfg.Presence.Seeds = strings.Split(seeds, ",")
	}
	if cfg.Debug.Bind == "" {
		cfg.Debug.Bind = "127.0.0.1"
	}
	if cfg.Debug.Port == 0 {
		cfg.Debug.Port = 9707
	}
	if hosts := os.Getenv("ZOCP_DEBUG_CORS_HOSTS"); hosts != "" {
		cfg.Debug.CORSHosts = strings.Split(hosts, ",")
	} else {
		cfg.Debug.CORSHosts = []string{"http://localhost:" + strconv.Itoa(cfg.Debug.Port)}
	}

	return cfg
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// GetConfig obtains the current configuration, loading it from the
// environment on the first call and caching it thereafter.
func GetConfig() *Config {
	if !isInit.Swap(true) {
		currentConfig.Store(loadConfig())
	}
	cfg, _ := currentConfig.Load().(Config)
	return &cfg
}
