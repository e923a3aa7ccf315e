// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bridge assembles one relay instance: the platform adapter, the MQTT
// bus, the relay engine and the admin API, and runs them until shutdown.
package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/intergalactic-relay/pkg/adminapi"
	"github.com/aiku/intergalactic-relay/pkg/config"
	"github.com/aiku/intergalactic-relay/pkg/discord"
	"github.com/aiku/intergalactic-relay/pkg/mattermost"
	"github.com/aiku/intergalactic-relay/pkg/mqttbus"
	"github.com/aiku/intergalactic-relay/pkg/relay"
)

// ErrBusDisconnected is reported by the health check while the broker
// connection is down.
var ErrBusDisconnected = errors.New("mqtt broker connection is down")

// Platform is a chat platform adapter.
type Platform interface {
	relay.Destination
	relay.IdentityChecker
	Start(ctx context.Context, sink relay.EventSink) error
	Stop()
}

// Bus is the message bus the relay publishes to and subscribes from.
type Bus interface {
	relay.Publisher
	Start(ctx context.Context, handler func(payload []byte)) error
	Stop()
	Connected() bool
}

// Bridge is one running relay instance.
type Bridge struct {
	cfg      *config.Config
	cache    *relay.CorrelationCache
	bans     *relay.BanList
	platform Platform
	bus      Bus
	engine   *relay.Engine
	admin    *adminapi.Server
	registry *prometheus.Registry
	log      zerolog.Logger
}

// New loads the persisted state and builds every component for cfg. Nothing
// connects until Run.
func New(cfg *config.Config, log zerolog.Logger) (*Bridge, error) {
	cache := relay.NewCorrelationCache(cfg.Relay.CacheSize)
	relay.LoadCache(cfg.Relay.CacheFile, cache, log)
	bans := relay.NewBanList()
	relay.LoadBans(cfg.Relay.BanFile, bans, log)

	var platform Platform
	switch cfg.Platform {
	case config.PlatformDiscord:
		adapter, err := discord.New(cfg.Discord, bans, log)
		if err != nil {
			return nil, err
		}
		platform = adapter
	case config.PlatformMattermost:
		platform = mattermost.New(cfg.Mattermost, log)
	default:
		return nil, fmt.Errorf("unknown platform %q", cfg.Platform)
	}

	return newBridge(cfg, cache, bans, platform, mqttbus.New(cfg.MQTT, log), log), nil
}

func newBridge(
	cfg *config.Config,
	cache *relay.CorrelationCache,
	bans *relay.BanList,
	platform Platform,
	bus Bus,
	log zerolog.Logger,
) *Bridge {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := relay.NewMetrics(registry)
	relay.RegisterStateMetrics(registry, cache, bans)

	engine := relay.NewEngine(relay.Options{
		Channels:       cfg.Channels(),
		RelayName:      cfg.Relay.RelayName,
		QueueSize:      cfg.Relay.QueueSize,
		MaxConcurrency: cfg.Relay.MaxConcurrency,
		IgnoreBots:     cfg.Relay.IgnoreBots,
		PublishRate:    cfg.Relay.PublishRate,
		PublishBurst:   cfg.Relay.PublishBurst,
	}, cache, bans, platform, platform, bus, metrics, log)

	b := &Bridge{
		cfg:      cfg,
		cache:    cache,
		bans:     bans,
		platform: platform,
		bus:      bus,
		engine:   engine,
		registry: registry,
		log:      log.With().Str("component", "bridge").Logger(),
	}
	b.admin = adminapi.New(bans, cache, registry, b.health, log)
	return b
}

// Run connects the platform and then the bus, and relays until ctx is
// cancelled or a component fails. Events received while connecting wait in
// the engine queues until both sides are up. On the way out both snapshots
// are written.
func (b *Bridge) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	if b.cfg.AdminAPIAddr != "" {
		g.Go(func() error {
			return b.admin.Run(gctx, b.cfg.AdminAPIAddr)
		})
	}

	err := b.start(gctx)
	if err == nil {
		g.Go(func() error {
			return b.engine.Run(gctx)
		})
		b.log.Info().
			Str("platform", b.cfg.Platform).
			Strs("channels", b.cfg.Channels()).
			Msg("Relay started")
		<-gctx.Done()
	}

	b.log.Info().Msg("Shutting down")
	b.platform.Stop()
	b.bus.Stop()
	b.engine.Close()
	cancel()
	if waitErr := g.Wait(); err == nil {
		err = waitErr
	}
	relay.SaveState(b.cfg.Relay.CacheFile, b.cfg.Relay.BanFile, b.cache, b.bans, b.log)
	return err
}

func (b *Bridge) start(ctx context.Context) error {
	if err := b.platform.Start(ctx, b.engine); err != nil {
		return fmt.Errorf("failed to start %s adapter: %w", b.cfg.Platform, err)
	}
	if err := b.bus.Start(ctx, b.engine.HandleBusPayload); err != nil {
		return fmt.Errorf("failed to start bus: %w", err)
	}
	return nil
}

func (b *Bridge) health() error {
	if !b.bus.Connected() {
		return ErrBusDisconnected
	}
	return nil
}
