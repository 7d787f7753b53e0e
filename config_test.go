package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

const validConfig = `
gerrit:
  hostname: gerrit.example.com
  username: gerritbot
  priv_key_path: /etc/gerritbot/id_rsa
spark:
  bot_token: token-123
  webhook_url: https://bot.example.com/hook
bot:
  state_path: /var/lib/gerritbot/state.json
format:
  script_path: /etc/gerritbot/format.lua
`

func TestLoadConfigDefaultsPort(t *testing.T) {
	cfg, err := LoadConfig(writeTempConfig(t, validConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Gerrit.Port != 29418 {
		t.Errorf("expected default gerrit port 29418, got %d", cfg.Gerrit.Port)
	}
}

func TestLoadConfigRequiresChatIngressVariant(t *testing.T) {
	cfg := `
gerrit:
  hostname: gerrit.example.com
  username: gerritbot
  priv_key_path: /etc/gerritbot/id_rsa
spark:
  bot_token: token-123
bot:
  state_path: /var/lib/gerritbot/state.json
format:
  script_path: /etc/gerritbot/format.lua
`
	if _, err := LoadConfig(writeTempConfig(t, cfg)); err == nil {
		t.Fatalf("expected an error when neither webhook_url nor sqs is set")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}

func TestLoadConfigRequiresHostname(t *testing.T) {
	cfg := `
gerrit:
  username: gerritbot
  priv_key_path: /etc/gerritbot/id_rsa
spark:
  bot_token: token-123
  webhook_url: https://bot.example.com/hook
bot:
  state_path: /var/lib/gerritbot/state.json
format:
  script_path: /etc/gerritbot/format.lua
`
	if _, err := LoadConfig(writeTempConfig(t, cfg)); err == nil {
		t.Fatalf("expected an error for a missing gerrit.hostname")
	}
}
