// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mqttbus connects the relay to an MQTT broker. Every relay sharing
// a broker and topic forms one network: each publishes the messages of its
// linked channels and receives everyone else's.
package mqttbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aiku/intergalactic-relay/pkg/config"
)

const (
	clientIDPrefix      = "intergalactic-relay-"
	connectTimeout      = 30 * time.Second
	subscribeTimeout    = 10 * time.Second
	disconnectQuiesceMS = 250
)

// ErrNotStarted is returned by Publish before Start succeeded.
var ErrNotStarted = errors.New("bus not started")

// client is the subset of mqtt.Client used by Bus.
type client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	IsConnectionOpen() bool
}

// Bus publishes to and subscribes from one MQTT topic.
type Bus struct {
	client       client
	topic        string
	publishQoS   byte
	subscribeQoS byte
	log          zerolog.Logger

	mu      sync.RWMutex
	handler func(payload []byte)
	started bool
}

// New creates a Bus for cfg. Nothing is connected until Start.
func New(cfg config.MQTTConfig, log zerolog.Logger) *Bus {
	b := &Bus{
		topic:        cfg.Topic,
		publishQoS:   cfg.PublishQoS,
		subscribeQoS: cfg.SubscribeQoS,
		log:          log.With().Str("component", "mqtt").Logger(),
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = clientIDPrefix + uuid.NewString()
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetKeepAlive(time.Duration(cfg.KeepAlive) * time.Second).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(func(mqtt.Client) { b.onConnect() }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.log.Warn().Err(err).Msg("Lost connection to broker, reconnecting")
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	b.client = mqtt.NewClient(opts)
	b.log = b.log.With().Str("client_id", clientID).Logger()
	return b
}

// Start connects to the broker. handler is called with the payload of every
// message received on the topic, each call on its own paho goroutine, so it
// may block; the message is acknowledged once it returns. The subscription
// is renewed on every reconnect.
func (b *Bus) Start(ctx context.Context, handler func(payload []byte)) error {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()

	b.log.Info().Str("topic", b.topic).Msg("Connecting to MQTT broker")
	if err := waitToken(ctx, b.client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
	return nil
}

func (b *Bus) onConnect() {
	b.log.Info().Str("topic", b.topic).Uint8("qos", b.subscribeQoS).Msg("Connected to broker, subscribing")
	token := b.client.Subscribe(b.topic, b.subscribeQoS, b.onMessage)
	if !token.WaitTimeout(subscribeTimeout) {
		b.log.Error().Str("topic", b.topic).Msg("Timed out subscribing to topic")
		return
	}
	if err := token.Error(); err != nil {
		b.log.Error().Err(err).Str("topic", b.topic).Msg("Failed to subscribe to topic")
	}
}

func (b *Bus) onMessage(_ mqtt.Client, msg mqtt.Message) {
	b.mu.RLock()
	handler := b.handler
	b.mu.RUnlock()
	if handler == nil {
		return
	}
	b.log.Trace().
		Uint16("mqtt_id", msg.MessageID()).
		Bool("duplicate", msg.Duplicate()).
		Int("size", len(msg.Payload())).
		Msg("Received bus message")
	handler(msg.Payload())
}

// Publish sends payload to the topic and waits until the broker
// acknowledged it at the configured QoS or ctx is done.
func (b *Bus) Publish(ctx context.Context, payload []byte) error {
	b.mu.RLock()
	started := b.started
	b.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}
	if err := waitToken(ctx, b.client.Publish(b.topic, b.publishQoS, false, payload)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", b.topic, err)
	}
	return nil
}

// Connected reports whether the broker connection is currently open.
func (b *Bus) Connected() bool {
	return b.client.IsConnectionOpen()
}

// Stop disconnects from the broker.
func (b *Bus) Stop() {
	b.mu.Lock()
	wasStarted := b.started
	b.started = false
	b.mu.Unlock()
	if wasStarted {
		b.client.Disconnect(disconnectQuiesceMS)
		b.log.Info().Msg("Disconnected from broker")
	}
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
