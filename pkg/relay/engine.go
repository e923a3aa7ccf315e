// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Options configures an Engine.
type Options struct {
	// Channels are the linked channel ids. They are both the outbound
	// allow-list and the fan-out destinations.
	Channels []string
	// RelayName is the name given to relays created in each channel.
	RelayName string
	// QueueSize bounds each internal queue. The platform queue drops its
	// oldest event when full; the bus queue makes the caller wait.
	QueueSize int
	// MaxConcurrency bounds concurrent post/edit/delete calls; 0 is unbounded.
	MaxConcurrency int
	// IgnoreBots drops outbound messages written by bot accounts.
	IgnoreBots bool
	// PublishRate limits publishes per second; 0 is unlimited.
	PublishRate float64
	// PublishBurst is the limiter burst; values below 1 become 1.
	PublishBurst int
}

// Engine wires the gate, dispatcher and propagator to the platform and bus
// queues.
type Engine struct {
	cache      *CorrelationCache
	bans       *BanList
	gate       *Gate
	dispatcher *Dispatcher
	propagator *Propagator
	publisher  Publisher
	limiter    *rate.Limiter
	metrics    *Metrics
	log        zerolog.Logger

	platformQueue *Queue[Event]
	busQueue      *Queue[[]byte]
}

var _ EventSink = (*Engine)(nil)

// NewEngine creates an engine. It does not start any goroutine; call Run.
func NewEngine(
	opts Options,
	cache *CorrelationCache,
	bans *BanList,
	dest Destination,
	identity IdentityChecker,
	publisher Publisher,
	metrics *Metrics,
	log zerolog.Logger,
) *Engine {
	log = log.With().Str("component", "relay").Logger()
	pool := NewWorkerPool(opts.MaxConcurrency)

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.PublishRate > 0 {
		burst := opts.PublishBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.PublishRate), burst)
	}

	return &Engine{
		cache:      cache,
		bans:       bans,
		gate:       NewGate(opts.Channels, identity, bans, opts.IgnoreBots),
		dispatcher: NewDispatcher(cache, dest, opts.Channels, opts.RelayName, pool, metrics, log),
		propagator: NewPropagator(cache, dest, pool, metrics, log),
		publisher:  publisher,
		limiter:    limiter,
		metrics:    metrics,
		log:        log,
		platformQueue: NewQueue[Event](opts.QueueSize, func() {
			metrics.QueueDrops.WithLabelValues("platform").Inc()
		}),
		busQueue: NewQueue[[]byte](opts.QueueSize, nil),
	}
}

// Cache returns the correlation cache.
func (e *Engine) Cache() *CorrelationCache { return e.cache }

// Bans returns the ban list.
func (e *Engine) Bans() *BanList { return e.bans }

// Gate returns the outbound gate.
func (e *Engine) Gate() *Gate { return e.gate }

// HandlePlatformEvent queues an event decoded by a platform adapter.
func (e *Engine) HandlePlatformEvent(evt Event) {
	dropped, err := e.platformQueue.Push(evt)
	if err != nil {
		e.log.Debug().Err(err).Msg("Platform event received after shutdown")
		return
	}
	if dropped {
		e.log.Warn().Msg("Platform queue full, dropped oldest event")
	}
}

// HandleBusPayload queues a payload received from the bus. It blocks while
// the bus queue is full; the broker keeps the backlog.
func (e *Engine) HandleBusPayload(payload []byte) {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	if err := e.busQueue.PushWait(buf); err != nil {
		e.log.Debug().Err(err).Msg("Bus payload received after shutdown")
	}
}

// Run drains both queues until ctx is done or Close is called.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info().
		Int("channels", len(e.gate.Channels())).
		Int("cache_capacity", e.cache.Capacity()).
		Int("cache_entries", e.cache.Len()).
		Int("bans", e.bans.Len()).
		Msg("Starting relay engine")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			evt, ok := e.platformQueue.Pop(ctx)
			if !ok {
				return nil
			}
			e.handlePlatformEvent(ctx, evt)
		}
	})
	g.Go(func() error {
		for {
			payload, ok := e.busQueue.Pop(ctx)
			if !ok {
				return nil
			}
			e.handleBusPayload(ctx, payload)
		}
	})
	err := g.Wait()
	e.log.Info().Msg("Relay engine stopped")
	return err
}

// Close stops both consumers. Queued events are dropped.
func (e *Engine) Close() {
	e.platformQueue.Close()
	e.busQueue.Close()
}

func (e *Engine) handlePlatformEvent(ctx context.Context, evt Event) {
	switch evt := evt.(type) {
	case MessageCreated:
		e.publish(ctx, evt.Message)
	case MessageEdited:
		if evt.Content == "" {
			return
		}
		e.propagator.Edit(ctx, evt.MessageID, evt.Content)
	case MessageDeleted:
		e.propagator.Delete(ctx, evt.MessageID)
	default:
		e.log.Warn().Type("event_type", evt).Msg("Unhandled platform event")
	}
}

func (e *Engine) publish(ctx context.Context, msg *Message) {
	if msg == nil {
		return
	}
	if ok, reason := e.gate.Admit(msg); !ok {
		e.metrics.GateDrops.WithLabelValues(string(reason)).Inc()
		e.log.Trace().
			Str("message_id", msg.ID).
			Str("channel_id", msg.ChannelID).
			Str("author_id", msg.Author.ID).
			Str("reason", string(reason)).
			Msg("Message not relayed")
		return
	}

	payload, err := EncodeMessage(msg)
	if err != nil {
		e.log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to serialize message")
		return
	}
	if err := e.limiter.Wait(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			e.log.Warn().Err(err).Str("message_id", msg.ID).Msg("Publish rate limiter aborted")
		}
		return
	}
	if err := e.publisher.Publish(ctx, payload); err != nil {
		e.metrics.PublishFails.Inc()
		e.log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to publish message")
		return
	}
	e.metrics.Published.Inc()
	e.log.Debug().
		Str("message_id", msg.ID).
		Str("channel_id", msg.ChannelID).
		Msg("Published message")
}

func (e *Engine) handleBusPayload(ctx context.Context, payload []byte) {
	msg, err := DecodeMessage(payload)
	if err != nil {
		e.metrics.Malformed.Inc()
		e.log.Warn().Err(err).Int("size", len(payload)).Msg("Dropping bus payload")
		return
	}
	e.dispatcher.Dispatch(ctx, msg)
}
