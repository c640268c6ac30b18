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

package config

import "errors"

var (
	// ErrInvalidLogLevel indicates that the provided log level is not valid.
	ErrInvalidLogLevel = errors.New("invalid log level provided")
	// ErrNodeNameRequired indicates that the node's name is empty.
	ErrNodeNameRequired = errors.New("node name is required")
	// ErrInvalidPresenceKind indicates that the provided presence kind is not valid.
	ErrInvalidPresenceKind = errors.New("invalid presence kind provided, must be one of gossip, loopback")
	// ErrInvalidBindAddr indicates that the provided bind address is not valid.
	ErrInvalidBindAddr = errors.New("invalid presence bind address provided")
	// ErrInvalidDebugPort indicates that the provided debug API port is not valid.
	ErrInvalidDebugPort = errors.New("invalid debug API port provided")
)

// Validate validates the Presence configuration.
func (p Presence) Validate() error {
	if p.Kind != PresenceKindGossip && p.Kind != PresenceKindLoopback {
		return ErrInvalidPresenceKind
	}
	if p.Kind == PresenceKindGossip && p.BindAddr == "" {
		return ErrInvalidBindAddr
	}
	return nil
}

// Validate validates the Debug API configuration. An empty Bind disables
// the server entirely, so it is always valid.
func (d Debug) Validate() error {
	if d.Bind == "" {
		return nil
	}
	if d.Port <= 0 || d.Port > 65535 {
		return ErrInvalidDebugPort
	}
	return nil
}

// Validate validates the whole Config: one Validate() error per section
// plus this top-level aggregator.
func (c Config) Validate() error {
	if c.LogLevel != LogLevelDebug &&
		c.LogLevel != LogLevelInfo &&
		c.LogLevel != LogLevelWarn &&
		c.LogLevel != LogLevelError {
		return ErrInvalidLogLevel
	}
	if c.Node.Name == "" {
		return ErrNodeNameRequired
	}
	if err := c.Presence.Validate(); err != nil {
		return err
	}
	if err := c.Debug.Validate(); err != nil {
		return err
	}
	return nil
}
