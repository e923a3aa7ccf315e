// Copyright 2024-2026 Aiku AI

// Package config loads the relay configuration from YAML, applies
// environment overrides for secrets and validates the result.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"text/template"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

const (
	PlatformDiscord    = "discord"
	PlatformMattermost = "mattermost"
)

// ErrConfigCreated is returned by Load when no config file existed and the
// example config was written in its place.
var ErrConfigCreated = errors.New("config file created from example, edit it and restart")

// Config is the whole relay configuration. It is built once at startup and
// passed down to every component.
type Config struct {
	Platform     string            `yaml:"platform"`
	MQTT         MQTTConfig        `yaml:"mqtt"`
	Discord      DiscordConfig     `yaml:"discord"`
	Mattermost   MattermostConfig  `yaml:"mattermost"`
	Relay        RelayConfig       `yaml:"relay"`
	AdminAPIAddr string            `yaml:"admin_api_addr"`
	Logging      zeroconfig.Config `yaml:"logging"`
}

// MQTTConfig holds the bus connection settings.
type MQTTConfig struct {
	Broker       string `yaml:"broker"`
	ClientID     string `yaml:"client_id"`
	Topic        string `yaml:"topic"`
	PublishQoS   byte   `yaml:"publish_qos"`
	SubscribeQoS byte   `yaml:"subscribe_qos"`
	KeepAlive    int    `yaml:"keep_alive"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
}

// DiscordConfig holds the Discord adapter settings.
type DiscordConfig struct {
	Token             string   `yaml:"token"`
	Channels          []string `yaml:"channels"`
	WebhookName       string   `yaml:"webhook_name"`
	RegisterCommands  bool     `yaml:"register_commands"`
	NotifyBannedUsers bool     `yaml:"notify_banned_users"`
}

// MattermostConfig holds the Mattermost adapter settings.
type MattermostConfig struct {
	ServerURL string   `yaml:"server_url"`
	Token     string   `yaml:"token"`
	Channels  []string `yaml:"channels"`
	// BotPrefix is a username prefix for echo prevention. Any Mattermost
	// username starting with this prefix is treated as bridge-managed and
	// its posts are not published. Leave empty to disable.
	BotPrefix           string `yaml:"bot_prefix"`
	DisplaynameTemplate string `yaml:"displayname_template"`

	displaynameTemplate *template.Template `yaml:"-"`
}

// RelayConfig holds the engine settings.
type RelayConfig struct {
	RelayName      string  `yaml:"relay_name"`
	CacheSize      int     `yaml:"cache_size"`
	QueueSize      int     `yaml:"queue_size"`
	MaxConcurrency int     `yaml:"max_concurrency"`
	IgnoreBots     bool    `yaml:"ignore_bots"`
	PublishRate    float64 `yaml:"publish_rate"`
	PublishBurst   int     `yaml:"publish_burst"`
	CacheFile      string  `yaml:"cache_file"`
	BanFile        string  `yaml:"ban_file"`
}

// secrets are the settings that may come from the environment instead of
// the config file.
type secrets struct {
	DiscordToken    string `env:"DISCORD_TOKEN"`
	MattermostToken string `env:"MATTERMOST_TOKEN"`
	MQTTBroker      string `env:"MQTT_BROKER"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`
}

// Channels returns the linked channels of the selected platform.
func (c *Config) Channels() []string {
	if c.Platform == PlatformMattermost {
		return c.Mattermost.Channels
	}
	return c.Discord.Channels
}

// LoadEnv reads KEY=value pairs from path into the process environment.
// Variables that are already set win. A missing file is not an error.
func LoadEnv(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load reads the config at path. A missing file is replaced with the example
// config and ErrConfigCreated is returned. Otherwise keys missing from the
// file are filled in from the example, environment overrides are applied and
// the result is validated.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err = os.WriteFile(path, []byte(ExampleConfig), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write example config: %w", err)
		}
		return nil, fmt.Errorf("%w: %s", ErrConfigCreated, path)
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat config: %w", err)
	}

	data, _, err := up.Do(path, false, Upgrader())
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err = cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML config data without validating it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overrides secrets with environment variables that are set.
func (c *Config) ApplyEnv() error {
	var s secrets
	if err := env.Parse(&s); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	override := func(dst *string, val string) {
		if val != "" {
			*dst = val
		}
	}
	override(&c.Discord.Token, s.DiscordToken)
	override(&c.Mattermost.Token, s.MattermostToken)
	override(&c.MQTT.Broker, s.MQTTBroker)
	override(&c.MQTT.Username, s.MQTTUsername)
	override(&c.MQTT.Password, s.MQTTPassword)
	return nil
}

// PostProcess validates the config and prepares derived values.
func (c *Config) PostProcess() error {
	var errs []error
	switch c.Platform {
	case PlatformDiscord:
		if c.Discord.Token == "" {
			errs = append(errs, errors.New("discord.token is not set"))
		}
	case PlatformMattermost:
		if c.Mattermost.Token == "" {
			errs = append(errs, errors.New("mattermost.token is not set"))
		}
		if _, err := url.ParseRequestURI(c.Mattermost.ServerURL); err != nil {
			errs = append(errs, fmt.Errorf("mattermost.server_url is invalid: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown platform %q", c.Platform))
	}
	if len(c.Channels()) == 0 {
		errs = append(errs, fmt.Errorf("%s.channels is empty", c.Platform))
	}
	for _, ch := range c.Channels() {
		if strings.TrimSpace(ch) == "" {
			errs = append(errs, fmt.Errorf("%s.channels contains an empty id", c.Platform))
			break
		}
	}

	if c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is not set"))
	}
	if c.MQTT.Topic == "" {
		errs = append(errs, errors.New("mqtt.topic is not set"))
	}
	if c.MQTT.PublishQoS > 2 || c.MQTT.SubscribeQoS > 2 {
		errs = append(errs, errors.New("mqtt QoS must be 0, 1 or 2"))
	}
	if c.MQTT.KeepAlive < 0 {
		errs = append(errs, errors.New("mqtt.keep_alive must not be negative"))
	}

	if c.Relay.CacheSize < 0 {
		errs = append(errs, errors.New("relay.cache_size must not be negative"))
	}
	if c.Relay.QueueSize < 1 {
		errs = append(errs, errors.New("relay.queue_size must be at least 1"))
	}
	if c.Relay.MaxConcurrency < 0 {
		errs = append(errs, errors.New("relay.max_concurrency must not be negative"))
	}
	if c.Relay.PublishRate < 0 {
		errs = append(errs, errors.New("relay.publish_rate must not be negative"))
	}

	var err error
	c.Mattermost.displaynameTemplate, err = template.New("displayname").Parse(c.Mattermost.DisplaynameTemplate)
	if err != nil {
		errs = append(errs, fmt.Errorf("mattermost.displayname_template is invalid: %w", err))
	}
	return errors.Join(errs...)
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "platform")

	helper.Copy(up.Str, "mqtt", "broker")
	helper.Copy(up.Str, "mqtt", "client_id")
	helper.Copy(up.Str, "mqtt", "topic")
	helper.Copy(up.Int, "mqtt", "publish_qos")
	helper.Copy(up.Int, "mqtt", "subscribe_qos")
	helper.Copy(up.Int, "mqtt", "keep_alive")
	helper.Copy(up.Str, "mqtt", "username")
	helper.Copy(up.Str, "mqtt", "password")

	helper.Copy(up.Str, "discord", "token")
	helper.Copy(up.List, "discord", "channels")
	helper.Copy(up.Str, "discord", "webhook_name")
	helper.Copy(up.Bool, "discord", "register_commands")
	helper.Copy(up.Bool, "discord", "notify_banned_users")

	helper.Copy(up.Str, "mattermost", "server_url")
	helper.Copy(up.Str, "mattermost", "token")
	helper.Copy(up.List, "mattermost", "channels")
	helper.Copy(up.Str, "mattermost", "bot_prefix")
	helper.Copy(up.Str, "mattermost", "displayname_template")

	helper.Copy(up.Str, "relay", "relay_name")
	helper.Copy(up.Int, "relay", "cache_size")
	helper.Copy(up.Int, "relay", "queue_size")
	helper.Copy(up.Int, "relay", "max_concurrency")
	helper.Copy(up.Bool, "relay", "ignore_bots")
	helper.Copy(up.Int|up.Float, "relay", "publish_rate")
	helper.Copy(up.Int, "relay", "publish_burst")
	helper.Copy(up.Str, "relay", "cache_file")
	helper.Copy(up.Str, "relay", "ban_file")

	helper.Copy(up.Str, "admin_api_addr")
	helper.Copy(up.Map, "logging")
}

// Upgrader merges a user config onto the embedded example.
func Upgrader() *up.StructUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks: [][]string{
			{"mqtt"},
			{"discord"},
			{"mattermost"},
			{"relay"},
			{"admin_api_addr"},
			{"logging"},
		},
		Base: ExampleConfig,
	}
}

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	Username  string
	Nickname  string
	FirstName string
	LastName  string
}

// FormatDisplayname renders the displayname template, falling back to the
// username when the template is unset, fails or renders empty.
func (c *MattermostConfig) FormatDisplayname(params DisplaynameParams) string {
	if c.displaynameTemplate == nil {
		return params.Username
	}
	var sb strings.Builder
	if err := c.displaynameTemplate.Execute(&sb, params); err != nil {
		return params.Username
	}
	if name := strings.TrimSpace(sb.String()); name != "" {
		return name
	}
	return params.Username
}
