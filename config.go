package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// GerritConfig is the SSH endpoint the Event Source connects to.
type GerritConfig struct {
	Hostname    string `yaml:"hostname"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	PrivKeyPath string `yaml:"priv_key_path"`
}

// sshURL renders the ssh:// URL NewGerritEventSource expects.
func (c GerritConfig) sshURL() string {
	return fmt.Sprintf("ssh://%s@%s:%d", c.Username, c.Hostname, c.Port)
}

// ChatConfig configures the Chat Adapter. Exactly one of WebhookURL or
// SQS should be set to select the ingress variant; Endpoint overrides
// the default REST base URL (used in tests against an httptest server).
type ChatConfig struct {
	BotToken   string `yaml:"bot_token"`
	BotID      string `yaml:"bot_id"`
	WebhookURL string `yaml:"webhook_url,omitempty"`
	Endpoint   string `yaml:"endpoint,omitempty"`
	SQS        string `yaml:"sqs,omitempty"`
	SQSRegion  string `yaml:"sqs_region,omitempty"`
}

// BotConfig configures the core engine's own state and runtime knobs.
type BotConfig struct {
	StatePath     string `yaml:"state_path"`
	MsgExpiration int    `yaml:"msg_expiration,omitempty"`
}

// FormatConfig points at the formatter script loaded once at startup.
type FormatConfig struct {
	ScriptPath string `yaml:"script_path"`
}

// RedisConfig points at the optional Redis instance backing the
// distributed dedup cache (--dedup-backend=redis) and the state-save
// lock used by a hot standby. Unused unless one of those is enabled.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// Config is the full configuration document loaded from --config.
type Config struct {
	Gerrit GerritConfig `yaml:"gerrit"`
	Chat   ChatConfig   `yaml:"spark"`
	Bot    BotConfig    `yaml:"bot"`
	Format FormatConfig `yaml:"format"`
	Redis  RedisConfig  `yaml:"redis,omitempty"`
}

// LoadConfig reads and validates the YAML document at path. A missing
// file or a document missing a required field is a configuration error,
// which is fatal at startup per the error taxonomy.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Gerrit.Hostname == "" {
		return fmt.Errorf("gerrit.hostname is required")
	}
	if c.Gerrit.Port == 0 {
		c.Gerrit.Port = 29418
	}
	if c.Gerrit.Username == "" {
		return fmt.Errorf("gerrit.username is required")
	}
	if c.Gerrit.PrivKeyPath == "" {
		return fmt.Errorf("gerrit.priv_key_path is required")
	}
	if c.Chat.BotToken == "" {
		return fmt.Errorf("spark.bot_token is required")
	}
	if c.Chat.WebhookURL == "" && c.Chat.SQS == "" {
		return fmt.Errorf("one of spark.webhook_url or spark.sqs is required")
	}
	if c.Chat.WebhookURL != "" && c.Chat.SQS != "" {
		return fmt.Errorf("only one of spark.webhook_url or spark.sqs may be set")
	}
	if c.Bot.StatePath == "" {
		return fmt.Errorf("bot.state_path is required")
	}
	if c.Format.ScriptPath == "" {
		return fmt.Errorf("format.script_path is required")
	}
	return nil
}
