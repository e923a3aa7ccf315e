// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"

	"github.com/rs/zerolog"
)

// Dispatcher fans a message received from the bus out to every linked
// channel except the one it was written in.
type Dispatcher struct {
	cache        *CorrelationCache
	dest         Destination
	destinations []string
	relayName    string
	pool         *WorkerPool
	metrics      *Metrics
	log          zerolog.Logger
}

// NewDispatcher creates a dispatcher posting to destinations through dest.
func NewDispatcher(
	cache *CorrelationCache,
	dest Destination,
	destinations []string,
	relayName string,
	pool *WorkerPool,
	metrics *Metrics,
	log zerolog.Logger,
) *Dispatcher {
	dsts := make([]string, len(destinations))
	copy(dsts, destinations)
	return &Dispatcher{
		cache:        cache,
		dest:         dest,
		destinations: dsts,
		relayName:    relayName,
		pool:         pool,
		metrics:      metrics,
		log:          log.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch reserves a cache slot for msg and starts one post per
// destination. The returned channel is closed when every post finished;
// callers are free to ignore it.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) <-chan struct{} {
	if !d.cache.Reserve(msg.ID) {
		d.metrics.Duplicates.Inc()
		d.log.Debug().
			Str("message_id", msg.ID).
			Msg("Message already tracked, skipping duplicate delivery")
		return closedChan
	}

	post := buildPost(msg)
	var tasks []func(context.Context)
	for _, channelID := range d.destinations {
		if channelID == msg.ChannelID {
			continue
		}
		tasks = append(tasks, func(ctx context.Context) {
			d.postTo(ctx, msg.ID, channelID, post)
		})
	}
	if len(tasks) == 0 {
		return closedChan
	}

	d.log.Debug().
		Str("message_id", msg.ID).
		Str("origin_channel_id", msg.ChannelID).
		Int("destinations", len(tasks)).
		Msg("Dispatching message")
	return d.pool.Go(ctx, tasks)
}

func (d *Dispatcher) postTo(ctx context.Context, originID, channelID string, post Post) {
	log := d.log.With().
		Str("message_id", originID).
		Str("channel_id", channelID).
		Logger()

	relay, err := d.dest.GetOrCreateRelay(ctx, channelID, d.relayName)
	if err != nil {
		d.metrics.Posts.WithLabelValues(resultLabel(err)).Inc()
		log.Error().Err(err).Msg("Failed to get relay for channel")
		return
	}
	record, err := d.dest.PostViaRelay(ctx, relay, post)
	d.metrics.Posts.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		log.Error().Err(err).Msg("Failed to post message")
		return
	}
	d.cache.Append(originID, record)
	log.Trace().Str("replica_id", record.MessageID).Msg("Posted replica")
}

// buildPost converts a bus message into the replica posted everywhere.
func buildPost(msg *Message) Post {
	return Post{
		Content:         msg.Content,
		AuthorName:      msg.Author.Name,
		AuthorAvatarURL: msg.Author.AvatarURL,
		AttachmentURLs:  msg.AttachmentURLs(),
		Quote:           BuildQuote(msg.ReferencedMessage),
	}
}
