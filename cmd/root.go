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

// Package cmd wires configuration, logging, tracing, the presence client
// and the ZOCP node into the zocp binary's root command.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/z25/zocp/internal/config"
	"github.com/z25/zocp/internal/debugapi"
	"github.com/z25/zocp/internal/events"
	"github.com/z25/zocp/internal/logging"
	"github.com/z25/zocp/internal/node"
	"github.com/z25/zocp/internal/presence"
)

// pollTimeout is how long each event-loop iteration blocks waiting for a
// presence frame before re-checking the shutdown context.
const pollTimeout = 100 * time.Millisecond

func NewCommand(version, commit string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "zocp",
		Version: fmt.Sprintf("%s - %s", version, commit),
		Annotations: map[string]string{
			"version": version,
			"commit":  commit,
		},
		RunE:              runRoot,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}
	return cmd
}

func runRoot(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	fmt.Printf("zocp - %s (%s)\n", cmd.Annotations["version"], cmd.Annotations["commit"])

	cfg := config.GetConfig()
	logging.Setup(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	cleanup, err := setupTracing(cmd.Annotations["version"])
	if err != nil {
		return fmt.Errorf("failed to setup tracing: %w", err)
	}
	defer func() {
		if err := cleanup(context.Background()); err != nil {
			fmt.Printf("failed to shutdown tracer: %v\n", err)
		}
	}()

	client, err := makePresenceClient(cfg)
	if err != nil {
		return err
	}

	n := node.New(client, events.NewHandlers())
	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.Run(ctx, pollTimeout)
	})

	if cfg.Debug.Bind != "" {
		debugServer := debugapi.NewServer(cfg, n)
		g.Go(func() error {
			if err := debugServer.Start(); err != nil && !errors.Is(err, debugapi.ErrClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return debugServer.Stop()
		})
	}

	return g.Wait()
}

// setupTracing registers a process-wide tracer provider so the spans the
// engine opens around dispatch and event-loop iterations are sampled.
// Exporters are deployment-specific and attached out of band.
func setupTracing(version string) (func(context.Context) error, error) {
	resources, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", "zocp"),
			attribute.String("service.version", version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("could not set tracing resources: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(resources),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func makePresenceClient(cfg *config.Config) (presence.Client, error) {
	switch cfg.Presence.Kind {
	case config.PresenceKindGossip:
		return presence.NewGossip(presence.GossipConfig{
			Name:     cfg.Node.Name,
			BindAddr: cfg.Presence.BindAddr,
			BindPort: cfg.Presence.BindPort,
			Seeds:    cfg.Presence.Seeds,
		}), nil
	case config.PresenceKindLoopback:
		return presence.NewBus().NewClient(cfg.Node.Name, nil), nil
	default:
		return nil, config.ErrInvalidPresenceKind
	}
}
