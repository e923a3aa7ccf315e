// Copyright 2024-2026 Aiku AI

package relay

import "context"

// RelayHandle identifies the channel-scoped identity used to post replicas,
// for example a Discord webhook.
type RelayHandle struct {
	ID        string
	ChannelID string
}

// Post is one replica to be created through a relay.
type Post struct {
	Content         string
	AuthorName      string
	AuthorAvatarURL string
	AttachmentURLs  []string
	Quote           *Quote
}

// Destination is the chat platform as seen by the fan-out and mutation
// paths. Implementations must be safe for concurrent use.
type Destination interface {
	// GetOrCreateRelay returns the relay used to post into channelID,
	// creating it with the given name if needed.
	GetOrCreateRelay(ctx context.Context, channelID, name string) (RelayHandle, error)
	// PostViaRelay posts a replica and returns where it landed.
	PostViaRelay(ctx context.Context, relay RelayHandle, post Post) (DestinationRecord, error)
	// EditViaRelay replaces the content of a replica.
	EditViaRelay(ctx context.Context, record DestinationRecord, content string) error
	// DeleteMessage removes a replica.
	DeleteMessage(ctx context.Context, channelID, messageID string) error
}

// Publisher sends serialized messages to the bus.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}
