// Copyright 2024-2026 Aiku AI

package discord

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/aiku/intergalactic-relay/pkg/relay"
)

// webhookName returns the name of the relay webhook. An explicit config
// value wins, then "Webhook for <bot name>", then fallback.
func (a *Adapter) webhookName(fallback string) (string, error) {
	if a.cfg.WebhookName != "" {
		return a.cfg.WebhookName, nil
	}
	a.userMu.RLock()
	botName := a.botName
	a.userMu.RUnlock()
	if botName != "" {
		return "Webhook for " + botName, nil
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", ErrNotReady
}

// webhookFor returns the relay webhook of channelID, reusing one with the
// expected name if the channel already has it.
func (a *Adapter) webhookFor(ctx context.Context, channelID, fallbackName string) (*discordgo.Webhook, error) {
	a.webhookMu.Lock()
	defer a.webhookMu.Unlock()
	if wh, ok := a.webhooks[channelID]; ok {
		return wh, nil
	}

	name, err := a.webhookName(fallbackName)
	if err != nil {
		return nil, err
	}
	existing, err := a.api.ChannelWebhooks(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks of %s: %w", channelID, err)
	}
	var wh *discordgo.Webhook
	for _, candidate := range existing {
		if candidate.Name == name && candidate.Token != "" {
			wh = candidate
			break
		}
	}
	if wh == nil {
		wh, err = a.api.WebhookCreate(channelID, name, "", discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to create webhook in %s: %w", channelID, err)
		}
		a.log.Info().Str("channel_id", channelID).Str("webhook_id", wh.ID).Msg("Created relay webhook")
	}
	a.webhooks[channelID] = wh
	a.webhookIDs.Add(wh.ID)
	return wh, nil
}

// GetOrCreateRelay implements relay.Destination.
func (a *Adapter) GetOrCreateRelay(ctx context.Context, channelID, name string) (relay.RelayHandle, error) {
	wh, err := a.webhookFor(ctx, channelID, name)
	if err != nil {
		return relay.RelayHandle{}, err
	}
	return relay.RelayHandle{ID: wh.ID, ChannelID: channelID}, nil
}

// maxEmbeds is the number of embeds Discord accepts on one message.
const maxEmbeds = 10

// PostViaRelay implements relay.Destination. Mentions in relayed content
// never ping anyone. The reply quote and the attachments are sent as embeds,
// which a later content edit leaves in place.
func (a *Adapter) PostViaRelay(ctx context.Context, handle relay.RelayHandle, post relay.Post) (relay.DestinationRecord, error) {
	wh, err := a.webhookFor(ctx, handle.ChannelID, "")
	if err != nil {
		return relay.DestinationRecord{}, err
	}
	params := &discordgo.WebhookParams{
		Content:         post.Content,
		Username:        post.AuthorName,
		AvatarURL:       post.AuthorAvatarURL,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
		Embeds:          replicaEmbeds(post),
	}
	msg, err := a.api.WebhookExecute(wh.ID, wh.Token, true, params, discordgo.WithContext(ctx))
	if err != nil {
		return relay.DestinationRecord{}, fmt.Errorf("failed to execute webhook in %s: %w", handle.ChannelID, err)
	}
	channelID := msg.ChannelID
	if channelID == "" {
		channelID = handle.ChannelID
	}
	return relay.DestinationRecord{
		ChannelID: channelID,
		MessageID: msg.ID,
		RelayID:   wh.ID,
	}, nil
}

// EditViaRelay implements relay.Destination. Only the webhook that posted a
// message may edit it. Only the content is replaced.
func (a *Adapter) EditViaRelay(ctx context.Context, record relay.DestinationRecord, content string) error {
	wh, err := a.webhookFor(ctx, record.ChannelID, "")
	if err != nil {
		return err
	}
	if wh.ID != record.RelayID {
		return fmt.Errorf("replica %s was posted by webhook %s, channel webhook is now %s", record.MessageID, record.RelayID, wh.ID)
	}
	_, err = a.api.WebhookMessageEdit(wh.ID, wh.Token, record.MessageID, &discordgo.WebhookEdit{
		Content: &content,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to edit replica %s: %w", record.MessageID, err)
	}
	return nil
}

// DeleteMessage implements relay.Destination.
func (a *Adapter) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	if err := a.api.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to delete replica %s: %w", messageID, err)
	}
	return nil
}

func quoteEmbed(q *relay.Quote) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{Description: q.Text()}
	if q.AuthorName != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{
			Text:    q.AuthorName,
			IconURL: q.AuthorAvatarURL,
		}
	}
	return embed
}

// replicaEmbeds returns the quote embed followed by one embed per
// attachment. Attachments that do not fit are listed in the last embed.
func replicaEmbeds(post relay.Post) []*discordgo.MessageEmbed {
	var embeds []*discordgo.MessageEmbed
	if post.Quote != nil {
		embeds = append(embeds, quoteEmbed(post.Quote))
	}
	urls := post.AttachmentURLs
	var overflow []string
	if room := maxEmbeds - len(embeds); len(urls) > room {
		urls, overflow = urls[:room-1], urls[room-1:]
	}
	for _, u := range urls {
		embeds = append(embeds, attachmentEmbed(u))
	}
	if len(overflow) > 0 {
		embeds = append(embeds, &discordgo.MessageEmbed{Description: strings.Join(overflow, "\n")})
	}
	return embeds
}

func attachmentEmbed(u string) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: relay.AttachmentName(u),
		URL:   u,
	}
	if relay.IsImageAttachment(u) {
		embed.Image = &discordgo.MessageEmbedImage{URL: u}
	}
	return embed
}
