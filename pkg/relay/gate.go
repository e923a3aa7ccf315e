// Copyright 2024-2026 Aiku AI

package relay

// DropReason explains why the Gate rejected an outbound message.
type DropReason string

const (
	DropNone            DropReason = ""
	DropUnlinkedChannel DropReason = "unlinked_channel"
	DropSelf            DropReason = "self"
	DropBanned          DropReason = "banned"
	DropBot             DropReason = "bot"
)

// IdentityChecker reports whether an author id belongs to the relay itself,
// either its bot account or one of the relays it posts through.
type IdentityChecker interface {
	IsRelayIdentity(authorID string) bool
}

// Gate decides which platform messages are published to the bus.
type Gate struct {
	channels   map[string]struct{}
	identity   IdentityChecker
	bans       *BanList
	ignoreBots bool
}

// NewGate creates a gate for the given linked channels.
func NewGate(channels []string, identity IdentityChecker, bans *BanList, ignoreBots bool) *Gate {
	set := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		set[ch] = struct{}{}
	}
	return &Gate{
		channels:   set,
		identity:   identity,
		bans:       bans,
		ignoreBots: ignoreBots,
	}
}

// IsLinked reports whether channelID is one of the linked channels.
func (g *Gate) IsLinked(channelID string) bool {
	_, ok := g.channels[channelID]
	return ok
}

// Channels returns the linked channel ids.
func (g *Gate) Channels() []string {
	out := make([]string, 0, len(g.channels))
	for ch := range g.channels {
		out = append(out, ch)
	}
	return out
}

// Admit applies the outbound checks in order: linked channel, echo of the
// relay's own posts, ban list, and optionally bot authors.
func (g *Gate) Admit(msg *Message) (bool, DropReason) {
	if !g.IsLinked(msg.ChannelID) {
		return false, DropUnlinkedChannel
	}
	if g.identity != nil && g.identity.IsRelayIdentity(msg.Author.ID) {
		return false, DropSelf
	}
	if g.bans.IsBanned(msg.Author.ID) {
		return false, DropBanned
	}
	if g.ignoreBots && msg.Author.IsBot {
		return false, DropBot
	}
	return true, DropNone
}
