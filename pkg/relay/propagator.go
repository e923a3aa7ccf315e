// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"

	"github.com/rs/zerolog"
)

// Propagator mirrors edits and deletions of an original message onto every
// replica recorded for it.
type Propagator struct {
	cache   *CorrelationCache
	dest    Destination
	pool    *WorkerPool
	metrics *Metrics
	log     zerolog.Logger
}

// NewPropagator creates a propagator replaying mutations through dest.
func NewPropagator(cache *CorrelationCache, dest Destination, pool *WorkerPool, metrics *Metrics, log zerolog.Logger) *Propagator {
	return &Propagator{
		cache:   cache,
		dest:    dest,
		pool:    pool,
		metrics: metrics,
		log:     log.With().Str("component", "propagator").Logger(),
	}
}

// Edit replaces the content of every replica of originID. Unknown ids are
// ignored.
func (p *Propagator) Edit(ctx context.Context, originID, content string) <-chan struct{} {
	records, ok := p.cache.Lookup(originID)
	if !ok {
		p.log.Trace().Str("message_id", originID).Msg("Edited message is not tracked")
		return closedChan
	}

	tasks := make([]func(context.Context), 0, len(records))
	for _, rec := range records {
		tasks = append(tasks, func(ctx context.Context) {
			err := p.dest.EditViaRelay(ctx, rec, content)
			p.metrics.Mutations.WithLabelValues("edit", resultLabel(err)).Inc()
			if err != nil {
				p.log.Error().Err(err).
					Str("message_id", originID).
					Str("channel_id", rec.ChannelID).
					Str("replica_id", rec.MessageID).
					Msg("Failed to edit replica")
			}
		})
	}
	p.log.Debug().Str("message_id", originID).Int("replicas", len(tasks)).Msg("Propagating edit")
	return p.pool.Go(ctx, tasks)
}

// Delete removes every replica of originID and forgets the message. The
// cache entry is dropped whether or not the deletions succeed.
func (p *Propagator) Delete(ctx context.Context, originID string) <-chan struct{} {
	records, ok := p.cache.Lookup(originID)
	if !ok {
		p.log.Trace().Str("message_id", originID).Msg("Deleted message is not tracked")
		return closedChan
	}

	tasks := make([]func(context.Context), 0, len(records))
	for _, rec := range records {
		tasks = append(tasks, func(ctx context.Context) {
			err := p.dest.DeleteMessage(ctx, rec.ChannelID, rec.MessageID)
			p.metrics.Mutations.WithLabelValues("delete", resultLabel(err)).Inc()
			if err != nil {
				p.log.Error().Err(err).
					Str("message_id", originID).
					Str("channel_id", rec.ChannelID).
					Str("replica_id", rec.MessageID).
					Msg("Failed to delete replica")
			}
		})
	}
	p.log.Debug().Str("message_id", originID).Int("replicas", len(tasks)).Msg("Propagating delete")
	done := p.pool.Go(ctx, tasks)
	p.cache.Remove(originID)
	return done
}
