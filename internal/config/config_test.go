package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsFromEnv(t *testing.T) {
	t.Chdir(t.TempDir()) // no .env here
	t.Setenv("PARLEY_CONVERSATION_ID", "42")
	t.Setenv("PARLEY_TRANSPORT_ENDPOINT", "ws://relay.test/ws/chat/")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Timing.ReconnectDelay != 3*time.Second {
		t.Fatalf("reconnect delay = %v", cfg.Timing.ReconnectDelay)
	}
	if cfg.Timing.PingInterval != 30*time.Second {
		t.Fatalf("ping interval = %v", cfg.Timing.PingInterval)
	}
	if cfg.Timing.TypingDebounce != time.Second {
		t.Fatalf("typing debounce = %v", cfg.Timing.TypingDebounce)
	}
	if cfg.Timing.TypingExpiry != 0 {
		t.Fatalf("typing expiry should be disabled by default, got %v", cfg.Timing.TypingExpiry)
	}
	if cfg.Timing.RingTimeout != 30*time.Second {
		t.Fatalf("ring timeout = %v", cfg.Timing.RingTimeout)
	}
	if got := cfg.ChannelEndpoint(); got != "ws://relay.test/ws/chat/42" {
		t.Fatalf("ChannelEndpoint() = %q", got)
	}
	if len(cfg.ICE.STUNServers) == 0 {
		t.Fatal("expected default STUN servers")
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "parley.yaml")
	body := `
env: dev
api_endpoint: http://api.test/api/
username: alice
timing:
  reconnect_delay: 5s
ice:
  stun_servers: ["stun:stun.example.org:3478"]
relay:
  address: ":9000"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Env != "dev" || cfg.Username != "alice" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.APIEndpoint != "http://api.test/api" {
		t.Fatalf("trailing slash not trimmed: %q", cfg.APIEndpoint)
	}
	if cfg.Timing.ReconnectDelay != 5*time.Second {
		t.Fatalf("reconnect delay = %v", cfg.Timing.ReconnectDelay)
	}
	if len(cfg.ICE.STUNServers) != 1 || cfg.ICE.STUNServers[0] != "stun:stun.example.org:3478" {
		t.Fatalf("stun servers = %v", cfg.ICE.STUNServers)
	}
	if cfg.Relay.Address != ":9000" {
		t.Fatalf("relay address = %q", cfg.Relay.Address)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Chdir(t.TempDir())
	if _, err := Load("does-not-exist.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cfg := Config{
		TransportEndpoint: "ws://x",
		APIEndpoint:       "http://x",
		Timing: Timing{
			ReconnectDelay: time.Second,
			PingInterval:   time.Second,
			TypingDebounce: time.Second,
		},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg.Timing.PingInterval = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero ping interval")
	}
}
