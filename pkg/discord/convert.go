// Copyright 2024-2026 Aiku AI

package discord

import (
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/aiku/intergalactic-relay/pkg/discord/discordfmt"
	"github.com/aiku/intergalactic-relay/pkg/relay"
)

// messageLink returns the jump link of a message. Direct messages have no
// guild and use "@me".
func messageLink(guildID, channelID, messageID string) string {
	if guildID == "" {
		guildID = "@me"
	}
	return fmt.Sprintf("https://discord.com/channels/%s/%s/%s", guildID, channelID, messageID)
}

// mentionNames collects the names of everything m mentions. Users come with
// the message; roles and channels are looked up in state, which may be nil.
func mentionNames(m *discordgo.Message, state *discordgo.State) discordfmt.Names {
	names := discordfmt.Names{
		Users:    make(map[string]string, len(m.Mentions)),
		Roles:    make(map[string]string, len(m.MentionRoles)),
		Channels: make(map[string]string, len(m.MentionChannels)),
	}
	for _, u := range m.Mentions {
		if u != nil {
			names.Users[u.ID] = u.DisplayName()
		}
	}
	for _, ch := range m.MentionChannels {
		if ch != nil {
			names.Channels[ch.ID] = ch.Name
		}
	}
	if state == nil {
		return names
	}
	for _, roleID := range m.MentionRoles {
		if role, err := state.Role(m.GuildID, roleID); err == nil {
			names.Roles[roleID] = role.Name
		}
	}
	for _, channelID := range discordfmt.MentionedChannels(m.Content) {
		if _, ok := names.Channels[channelID]; ok {
			continue
		}
		if ch, err := state.Channel(channelID); err == nil {
			names.Channels[channelID] = ch.Name
		}
	}
	return names
}

// portableContent renders the content of m without Discord-only markup.
func portableContent(m *discordgo.Message, state *discordgo.State) string {
	return discordfmt.Parse(m.Content, mentionNames(m, state))
}

// convertMessage builds the bus form of a Discord message. Referenced
// messages are converted one level deep.
func convertMessage(m *discordgo.Message, state *discordgo.State) *relay.Message {
	msg := &relay.Message{
		ID:          m.ID,
		ChannelID:   m.ChannelID,
		GuildID:     m.GuildID,
		Link:        messageLink(m.GuildID, m.ChannelID, m.ID),
		Content:     portableContent(m, state),
		Attachments: make([]relay.Attachment, 0, len(m.Attachments)),
	}
	if m.Author != nil {
		msg.Author = relay.Author{
			ID:        m.Author.ID,
			Name:      m.Author.DisplayName(),
			AvatarURL: m.Author.AvatarURL(""),
			IsBot:     m.Author.Bot,
		}
	}
	for _, att := range m.Attachments {
		if att != nil && att.URL != "" {
			msg.Attachments = append(msg.Attachments, relay.Attachment{URL: att.URL})
		}
	}
	if ref := m.ReferencedMessage; ref != nil {
		shallow := &discordgo.Message{
			ID:           ref.ID,
			ChannelID:    ref.ChannelID,
			GuildID:      ref.GuildID,
			Content:      ref.Content,
			Author:       ref.Author,
			Attachments:  ref.Attachments,
			Mentions:     ref.Mentions,
			MentionRoles: ref.MentionRoles,
		}
		if shallow.GuildID == "" {
			shallow.GuildID = m.GuildID
		}
		if shallow.ChannelID == "" {
			shallow.ChannelID = m.ChannelID
		}
		msg.ReferencedMessage = convertMessage(shallow, state)
	}
	return msg
}
