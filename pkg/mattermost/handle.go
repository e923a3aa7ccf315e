// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/intergalactic-relay/pkg/config"
	"github.com/aiku/intergalactic-relay/pkg/relay"
)

// relayMarkerProp is set on every post created by a relay so that other
// relay instances on the same server never publish it again.
const relayMarkerProp = "intergalactic_relay"

var errMissingPost = errors.New("event missing post data")

// handleEvent dispatches a Mattermost WebSocket event to the appropriate handler.
func (a *Adapter) handleEvent(evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		a.handlePosted(evt)
	case model.WebsocketEventPostEdited:
		a.handlePostEdited(evt)
	case model.WebsocketEventPostDeleted:
		a.handlePostDeleted(evt)
	default:
		a.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
}

// parsePostEvent extracts a post from a WebSocket event and applies the echo
// prevention layers. It returns (nil, nil) to skip silently.
func (a *Adapter) parsePostEvent(evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, errMissingPost
	}
	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}

	// Echo prevention: skip own posts.
	if a.IsRelayIdentity(post.UserId) {
		return nil, nil
	}

	// Echo prevention: skip non-default post types (system messages).
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil, nil
	}

	// Echo prevention: skip posts made by any relay instance.
	if marker, _ := post.GetProp(relayMarkerProp).(bool); marker {
		a.log.Debug().
			Str("post_id", post.Id).
			Msg("Skipping relayed post (echo prevention)")
		return nil, nil
	}

	// Echo prevention: skip usernames of bridge-managed accounts.
	senderName, _ := evt.GetData()["sender_name"].(string)
	senderName = strings.TrimPrefix(senderName, "@")
	if a.cfg.BotPrefix != "" && strings.HasPrefix(senderName, a.cfg.BotPrefix) {
		a.log.Debug().
			Str("post_id", post.Id).
			Str("username", senderName).
			Msg("Skipping bridge username post (echo prevention)")
		return nil, nil
	}

	return &post, nil
}

func (a *Adapter) handlePosted(evt *model.WebSocketEvent) {
	post, err := a.parsePostEvent(evt)
	if err != nil {
		a.log.Warn().Err(err).Msg("Failed to parse posted event")
		return
	}
	if post == nil {
		return
	}

	a.log.Debug().
		Str("post_id", post.Id).
		Str("channel_id", post.ChannelId).
		Str("user_id", post.UserId).
		Msg("Received new message")

	senderName, _ := evt.GetData()["sender_name"].(string)
	msg := a.convertPost(a.ctx, post, strings.TrimPrefix(senderName, "@"))
	if post.RootId != "" {
		root, _, err := a.client.GetPost(a.ctx, post.RootId, "")
		if err != nil {
			a.log.Warn().Err(err).Str("root_id", post.RootId).Msg("Failed to get thread root for reply quote")
		} else {
			msg.ReferencedMessage = a.convertPost(a.ctx, root, "")
		}
	}
	a.emit(relay.MessageCreated{Message: msg})
}

func (a *Adapter) handlePostEdited(evt *model.WebSocketEvent) {
	post, err := a.parsePostEvent(evt)
	if err != nil {
		a.log.Error().Err(err).Msg("Failed to parse post edited event")
		return
	}
	if post == nil {
		return
	}
	a.emit(relay.MessageEdited{
		MessageID: post.Id,
		ChannelID: post.ChannelId,
		Content:   post.Message,
	})
}

func (a *Adapter) handlePostDeleted(evt *model.WebSocketEvent) {
	post, err := a.parsePostEvent(evt)
	if err != nil {
		a.log.Error().Err(err).Msg("Failed to parse post deleted event")
		return
	}
	if post == nil {
		return
	}
	a.emit(relay.MessageDeleted{
		MessageID: post.Id,
		ChannelID: post.ChannelId,
	})
}

// convertPost builds the bus form of a post. The author's display name
// comes from the configured template; senderName is used when the user
// cannot be fetched.
func (a *Adapter) convertPost(ctx context.Context, post *model.Post, senderName string) *relay.Message {
	msg := &relay.Message{
		ID:          post.Id,
		ChannelID:   post.ChannelId,
		Link:        a.serverURL + "/_redirect/pl/" + post.Id,
		Content:     post.Message,
		Attachments: make([]relay.Attachment, 0, len(post.FileIds)),
		Author: relay.Author{
			ID:        post.UserId,
			Name:      senderName,
			AvatarURL: fmt.Sprintf("%s/api/v4/users/%s/image", a.serverURL, post.UserId),
		},
	}
	for _, fileID := range post.FileIds {
		msg.Attachments = append(msg.Attachments, relay.Attachment{
			URL: fmt.Sprintf("%s/api/v4/files/%s", a.serverURL, fileID),
		})
	}

	u, err := a.user(ctx, post.UserId)
	if err != nil {
		a.log.Warn().Err(err).Str("user_id", post.UserId).Msg("Failed to get post author")
		if msg.Author.Name == "" {
			msg.Author.Name = post.UserId
		}
		return msg
	}
	msg.Author.Name = a.cfg.FormatDisplayname(config.DisplaynameParams{
		Username:  u.Username,
		Nickname:  u.Nickname,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	})
	msg.Author.IsBot = u.IsBot
	return msg
}
