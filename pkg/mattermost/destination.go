// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/intergalactic-relay/pkg/relay"
)

// ErrNotStarted is returned when a relay is requested before Start
// authenticated the bot account.
var ErrNotStarted = errors.New("mattermost adapter is not started")

// GetOrCreateRelay implements relay.Destination. Mattermost replicas are
// posted by the bot account itself, so the relay is only checked to be able
// to read the channel.
func (a *Adapter) GetOrCreateRelay(ctx context.Context, channelID, _ string) (relay.RelayHandle, error) {
	userID := a.botUserID()
	if userID == "" {
		return relay.RelayHandle{}, ErrNotStarted
	}
	if !a.checkedChannels.Has(channelID) {
		if _, _, err := a.client.GetChannel(ctx, channelID, ""); err != nil {
			return relay.RelayHandle{}, fmt.Errorf("failed to get channel %s: %w", channelID, err)
		}
		a.checkedChannels.Add(channelID)
	}
	return relay.RelayHandle{ID: userID, ChannelID: channelID}, nil
}

// PostViaRelay implements relay.Destination. The author's name and avatar
// are applied with the override props, which the server honours when
// integrations are allowed to override them. The reply quote and the
// attachment links are message attachments, so the message text holds only
// the relayed content.
func (a *Adapter) PostViaRelay(ctx context.Context, handle relay.RelayHandle, post relay.Post) (relay.DestinationRecord, error) {
	mmPost := &model.Post{
		ChannelId: handle.ChannelID,
		Message:   post.Content,
	}
	if attachments := replicaAttachments(post); len(attachments) > 0 {
		model.ParseSlackAttachment(mmPost, attachments)
	}
	mmPost.AddProp("from_webhook", "true")
	mmPost.AddProp("override_username", post.AuthorName)
	if post.AuthorAvatarURL != "" {
		mmPost.AddProp("override_icon_url", post.AuthorAvatarURL)
	}
	mmPost.AddProp(relayMarkerProp, true)

	created, _, err := a.client.CreatePost(ctx, mmPost)
	if err != nil {
		return relay.DestinationRecord{}, fmt.Errorf("failed to create post: %w", err)
	}
	return relay.DestinationRecord{
		ChannelID: handle.ChannelID,
		MessageID: created.Id,
		RelayID:   handle.ID,
	}, nil
}

// EditViaRelay implements relay.Destination. The patch carries no props, so
// the quote and attachments of the replica stay in place.
func (a *Adapter) EditViaRelay(ctx context.Context, record relay.DestinationRecord, content string) error {
	patch := &model.PostPatch{
		Message: &content,
	}
	if _, _, err := a.client.PatchPost(ctx, record.MessageID, patch); err != nil {
		return fmt.Errorf("failed to edit post: %w", err)
	}
	return nil
}

// DeleteMessage implements relay.Destination.
func (a *Adapter) DeleteMessage(ctx context.Context, _, messageID string) error {
	if _, err := a.client.DeletePost(ctx, messageID); err != nil {
		return fmt.Errorf("failed to delete post: %w", err)
	}
	return nil
}

// replicaAttachments renders the reply quote and the attachment links.
func replicaAttachments(post relay.Post) []*model.SlackAttachment {
	var out []*model.SlackAttachment
	if q := post.Quote; q != nil {
		out = append(out, &model.SlackAttachment{
			Fallback:   q.Text(),
			AuthorName: q.AuthorName,
			AuthorIcon: q.AuthorAvatarURL,
			Text:       q.Text(),
		})
	}
	for _, u := range post.AttachmentURLs {
		att := &model.SlackAttachment{
			Fallback:  u,
			Title:     relay.AttachmentName(u),
			TitleLink: u,
		}
		if relay.IsImageAttachment(u) {
			att.ImageURL = u
		}
		out = append(out, att)
	}
	return out
}
