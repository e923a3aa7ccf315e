// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mattermost links Mattermost channels to the relay. A single bot
// account listens on the WebSocket API and posts replicas with overridden
// username and icon, so relayed messages look like they were written by
// their original author.
package mattermost

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/aiku/intergalactic-relay/pkg/config"
	"github.com/aiku/intergalactic-relay/pkg/relay"
)

const (
	minReconnectDelay = time.Second
	maxReconnectDelay = 30 * time.Second
)

// Adapter is the Mattermost side of the relay. It implements
// relay.Destination and relay.IdentityChecker.
type Adapter struct {
	cfg       config.MattermostConfig
	serverURL string

	client *model.Client4

	// selfMu guards the bot account, which Start fills in while
	// destinations may already be queried.
	selfMu   sync.RWMutex
	userID   string
	username string

	wsMu     sync.Mutex
	wsClient *model.WebSocketClient

	sinkMu sync.RWMutex
	sink   relay.EventSink

	usersMu sync.RWMutex
	users   map[string]*model.User

	// checkedChannels holds the channels the bot could read at least once.
	checkedChannels *exsync.Set[string]

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopChan chan struct{}
	log      zerolog.Logger
}

var (
	_ relay.Destination     = (*Adapter)(nil)
	_ relay.IdentityChecker = (*Adapter)(nil)
)

// New creates an adapter for the server and channels in cfg. Nothing
// connects until Start.
func New(cfg config.MattermostConfig, log zerolog.Logger) *Adapter {
	serverURL := strings.TrimSuffix(cfg.ServerURL, "/")
	client := model.NewAPIv4Client(serverURL)
	client.SetToken(cfg.Token)
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		cfg:             cfg,
		serverURL:       serverURL,
		client:          client,
		users:           make(map[string]*model.User),
		checkedChannels: exsync.NewSet[string](),
		ctx:             ctx,
		cancel:          cancel,
		stopChan:        make(chan struct{}),
		log:             log.With().Str("component", "mattermost").Logger(),
	}
}

// Start verifies the token, then opens the WebSocket and passes events of
// the linked channels to sink. The WebSocket reconnects until Stop.
func (a *Adapter) Start(ctx context.Context, sink relay.EventSink) error {
	a.sinkMu.Lock()
	a.sink = sink
	a.sinkMu.Unlock()

	a.log.Info().Str("server_url", a.serverURL).Msg("Connecting to Mattermost")
	me, _, err := a.client.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to verify mattermost token: %w", err)
	}
	a.setSelf(me.Id, me.Username)
	a.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")

	if err = a.connectWebSocket(); err != nil {
		return err
	}
	go a.listenWebSocket()
	return nil
}

func (a *Adapter) connectWebSocket() error {
	wsURL := httpToWS(a.serverURL)
	ws, err := model.NewWebSocketClient4(wsURL, a.client.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()
	a.wsMu.Lock()
	a.wsClient = ws
	a.wsMu.Unlock()
	a.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
	return nil
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func (a *Adapter) listenWebSocket() {
	for {
		a.wsMu.Lock()
		events := a.wsClient.EventChannel
		a.wsMu.Unlock()
		select {
		case <-a.stopChan:
			return
		case evt, ok := <-events:
			if !ok {
				a.log.Warn().Msg("WebSocket event channel closed, reconnecting")
				if !a.reconnect() {
					return
				}
				continue
			}
			if evt == nil {
				continue
			}
			a.handleEvent(evt)
		}
	}
}

// reconnect retries the WebSocket connection with exponential backoff. It
// returns false once the adapter is stopped.
func (a *Adapter) reconnect() bool {
	delay := minReconnectDelay
	for {
		select {
		case <-a.stopChan:
			return false
		case <-time.After(delay):
		}
		err := a.connectWebSocket()
		if err == nil {
			return true
		}
		a.log.Error().Err(err).Dur("retry_in", delay).Msg("Failed to reconnect WebSocket")
		delay = min(delay*2, maxReconnectDelay)
	}
}

// Stop closes the WebSocket and stops the event loop.
func (a *Adapter) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopChan)
		a.cancel()
	})
	a.wsMu.Lock()
	if a.wsClient != nil {
		a.wsClient.Close()
	}
	a.wsMu.Unlock()
	a.log.Info().Msg("Disconnected from Mattermost")
}

// IsRelayIdentity reports whether authorID is the bot account the relay
// posts with.
func (a *Adapter) IsRelayIdentity(authorID string) bool {
	userID := a.botUserID()
	return userID != "" && authorID == userID
}

func (a *Adapter) setSelf(userID, username string) {
	a.selfMu.Lock()
	defer a.selfMu.Unlock()
	a.userID = userID
	a.username = username
}

func (a *Adapter) botUserID() string {
	a.selfMu.RLock()
	defer a.selfMu.RUnlock()
	return a.userID
}

func (a *Adapter) emit(evt relay.Event) {
	a.sinkMu.RLock()
	sink := a.sink
	a.sinkMu.RUnlock()
	if sink != nil {
		sink.HandlePlatformEvent(evt)
	}
}

// user returns the Mattermost user, cached after the first lookup.
func (a *Adapter) user(ctx context.Context, userID string) (*model.User, error) {
	a.usersMu.RLock()
	u, ok := a.users[userID]
	a.usersMu.RUnlock()
	if ok {
		return u, nil
	}
	u, _, err := a.client.GetUser(ctx, userID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	a.usersMu.Lock()
	a.users[userID] = u
	a.usersMu.Unlock()
	return u, nil
}
