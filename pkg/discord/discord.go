// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package discord links Discord channels to the relay. It turns gateway
// events into relay events and posts replicas through one webhook per
// linked channel, so relayed messages carry the original author's name and
// avatar.
package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/aiku/intergalactic-relay/pkg/config"
	"github.com/aiku/intergalactic-relay/pkg/relay"
)

// readyTimeout bounds how long Start waits for the gateway to report the
// bot user.
const readyTimeout = 30 * time.Second

const inviteURLFormat = "https://discord.com/api/oauth2/authorize?client_id=%s&permissions=1789592463424&scope=bot+applications.commands"

// ErrNotReady is returned when the gateway does not report the bot user in
// time, or when a webhook is requested before it did and no name is
// configured.
var ErrNotReady = errors.New("discord session is not ready")

// session is the subset of *discordgo.Session used by Adapter. Tests
// replace it with a fake.
type session interface {
	ChannelWebhooks(channelID string, options ...discordgo.RequestOption) ([]*discordgo.Webhook, error)
	WebhookCreate(channelID, name, avatar string, options ...discordgo.RequestOption) (*discordgo.Webhook, error)
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	WebhookMessageEdit(webhookID, token, messageID string, data *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	ApplicationCommandBulkOverwrite(appID, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
}

// Adapter is the Discord side of the relay. It implements
// relay.Destination and relay.IdentityChecker.
type Adapter struct {
	cfg      config.DiscordConfig
	channels []string
	bans     *relay.BanList
	log      zerolog.Logger

	token string
	conn  *discordgo.Session
	api   session

	sinkMu sync.RWMutex
	sink   relay.EventSink

	userMu  sync.RWMutex
	botID   string
	botName string
	appID   string

	ready     chan struct{}
	readyOnce sync.Once

	// webhookMu serializes webhook lookups and creation so concurrent
	// dispatches never create two webhooks in the same channel.
	webhookMu  sync.Mutex
	webhooks   map[string]*discordgo.Webhook // channel id -> webhook
	webhookIDs *exsync.Set[string]
}

var (
	_ relay.Destination     = (*Adapter)(nil)
	_ relay.IdentityChecker = (*Adapter)(nil)
)

// New creates an adapter for the linked channels in cfg. Nothing connects
// until Start.
func New(cfg config.DiscordConfig, bans *relay.BanList, log zerolog.Logger) (*Adapter, error) {
	conn, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	conn.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentMessageContent
	a := newAdapter(cfg, conn, bans, log)
	a.conn = conn
	return a, nil
}

func newAdapter(cfg config.DiscordConfig, api session, bans *relay.BanList, log zerolog.Logger) *Adapter {
	channels := make([]string, len(cfg.Channels))
	copy(channels, cfg.Channels)
	return &Adapter{
		cfg:        cfg,
		channels:   channels,
		bans:       bans,
		log:        log.With().Str("component", "discord").Logger(),
		api:        api,
		webhooks:   make(map[string]*discordgo.Webhook),
		webhookIDs: exsync.NewSet[string](),
		ready:      make(chan struct{}),
	}
}

// Start registers the gateway handlers, opens the connection and waits for
// the gateway to report the bot user. Events for linked channels are passed
// to sink.
func (a *Adapter) Start(ctx context.Context, sink relay.EventSink) error {
	a.sinkMu.Lock()
	a.sink = sink
	a.sinkMu.Unlock()

	if a.conn == nil {
		return nil
	}
	a.conn.AddHandler(a.onReady)
	a.conn.AddHandler(a.onMessageCreate)
	a.conn.AddHandler(a.onMessageUpdate)
	a.conn.AddHandler(a.onMessageDelete)
	a.conn.AddHandler(a.onInteractionCreate)

	a.log.Info().Strs("channels", a.channels).Msg("Connecting to Discord")
	if err := a.conn.Open(); err != nil {
		return fmt.Errorf("failed to open discord gateway: %w", err)
	}
	return a.waitReady(ctx, readyTimeout)
}

// waitReady blocks until the first Ready event was handled.
func (a *Adapter) waitReady(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-a.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrNotReady, timeout)
	}
}

// Stop closes the gateway connection.
func (a *Adapter) Stop() {
	if a.conn == nil {
		return
	}
	if err := a.conn.Close(); err != nil {
		a.log.Warn().Err(err).Msg("Failed to close discord gateway")
		return
	}
	a.log.Info().Msg("Disconnected from Discord")
}

// IsRelayIdentity reports whether authorID is the bot user or one of the
// webhooks the relay posts through.
func (a *Adapter) IsRelayIdentity(authorID string) bool {
	a.userMu.RLock()
	botID := a.botID
	a.userMu.RUnlock()
	if botID != "" && authorID == botID {
		return true
	}
	return a.webhookIDs.Has(authorID)
}

func (a *Adapter) emit(evt relay.Event) {
	a.sinkMu.RLock()
	sink := a.sink
	a.sinkMu.RUnlock()
	if sink != nil {
		sink.HandlePlatformEvent(evt)
	}
}

// state returns the gateway cache, or nil when there is no gateway.
func (a *Adapter) state() *discordgo.State {
	if a.conn == nil {
		return nil
	}
	return a.conn.State
}

func (a *Adapter) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User == nil {
		return
	}
	a.userMu.Lock()
	a.botID = r.User.ID
	a.botName = r.User.Username
	if r.Application != nil {
		a.appID = r.Application.ID
	}
	appID := a.appID
	a.userMu.Unlock()

	a.log.Info().
		Str("user_id", r.User.ID).
		Str("username", r.User.Username).
		Str("invite_url", fmt.Sprintf(inviteURLFormat, appID)).
		Msg("Connected to Discord")

	ctx := context.Background()
	for _, channelID := range a.channels {
		if _, err := a.webhookFor(ctx, channelID, ""); err != nil {
			a.log.Error().Err(err).Str("channel_id", channelID).Msg("Failed to prepare channel webhook")
		}
	}
	if a.cfg.RegisterCommands {
		if err := a.registerCommands(ctx, appID); err != nil {
			a.log.Error().Err(err).Msg("Failed to register slash commands")
		}
	}
	a.readyOnce.Do(func() { close(a.ready) })
}

func (a *Adapter) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil {
		return
	}
	a.emit(relay.MessageCreated{Message: convertMessage(m.Message, a.state())})
}

func (a *Adapter) onMessageUpdate(_ *discordgo.Session, m *discordgo.MessageUpdate) {
	if m.Message == nil {
		return
	}
	if m.Author != nil && a.IsRelayIdentity(m.Author.ID) {
		return
	}
	a.emit(relay.MessageEdited{
		MessageID: m.ID,
		ChannelID: m.ChannelID,
		Content:   portableContent(m.Message, a.state()),
	})
}

func (a *Adapter) onMessageDelete(_ *discordgo.Session, m *discordgo.MessageDelete) {
	if m.Message == nil {
		return
	}
	a.emit(relay.MessageDeleted{
		MessageID: m.ID,
		ChannelID: m.ChannelID,
	})
}
