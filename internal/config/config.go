// Package config holds the client and relay configuration. Everything that
// used to be a process-wide base URL or constant is an explicit field here and
// is passed down at construction time.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config stores every tunable of the client and of the development relay.
type Config struct {
	Env   string `yaml:"env" env:"PARLEY_ENV" env-default:"local"`
	Debug bool   `yaml:"debug" env:"PARLEY_DEBUG"`

	TransportEndpoint string `yaml:"transport_endpoint" env:"PARLEY_TRANSPORT_ENDPOINT" env-default:"ws://localhost:8000/ws/chat"`
	APIEndpoint       string `yaml:"api_endpoint" env:"PARLEY_API_ENDPOINT" env-default:"http://localhost:8000/api"`
	APIKey            string `yaml:"api_key" env:"PARLEY_API_KEY"`

	Username       string `yaml:"username" env:"PARLEY_USERNAME"`
	UserID         string `yaml:"user_id" env:"PARLEY_USER_ID"`
	ConversationID string `yaml:"conversation_id" env:"PARLEY_CONVERSATION_ID" env-default:"lobby"`

	Timing Timing      `yaml:"timing"`
	ICE    ICEConfig   `yaml:"ice"`
	Relay  RelayConfig `yaml:"relay"`
}

// Timing groups the fixed delays of the channel, call and chat layers.
type Timing struct {
	ReconnectDelay  time.Duration `yaml:"reconnect_delay" env:"PARLEY_RECONNECT_DELAY" env-default:"3s"`
	PingInterval    time.Duration `yaml:"ping_interval" env:"PARLEY_PING_INTERVAL" env-default:"30s"`
	TypingDebounce  time.Duration `yaml:"typing_debounce" env:"PARLEY_TYPING_DEBOUNCE" env-default:"1s"`
	TypingExpiry    time.Duration `yaml:"typing_expiry" env:"PARLEY_TYPING_EXPIRY" env-default:"0s"`
	DecisionTimeout time.Duration `yaml:"decision_timeout" env:"PARLEY_DECISION_TIMEOUT" env-default:"30s"`
	RingTimeout     time.Duration `yaml:"ring_timeout" env:"PARLEY_RING_TIMEOUT" env-default:"30s"`
	EchoWindow      time.Duration `yaml:"echo_window" env:"PARLEY_ECHO_WINDOW" env-default:"10s"`
}

// ICEConfig lists the servers used for candidate gathering.
type ICEConfig struct {
	STUNServers []string `yaml:"stun_servers" env:"PARLEY_STUN_SERVERS" env-separator:","`
}

// RelayConfig configures the development relay started by `parley relay`.
type RelayConfig struct {
	Address       string        `yaml:"address" env:"PARLEY_RELAY_ADDRESS" env-default:":8000"`
	JWTSecret     string        `yaml:"jwt_secret" env:"PARLEY_RELAY_JWT_SECRET"`
	TokenTTL      time.Duration `yaml:"token_ttl" env:"PARLEY_RELAY_TOKEN_TTL" env-default:"5m"`
	RedisAddr     string        `yaml:"redis_addr" env:"PARLEY_RELAY_REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"PARLEY_RELAY_REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" env:"PARLEY_RELAY_REDIS_DB"`
}

// Load reads an optional .env file, then the YAML file at path (if path is
// non-empty) overlaid with PARLEY_* environment variables, and fills in
// defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	var cfg Config
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("cannot read config: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("cannot read environment: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	c.TransportEndpoint = strings.TrimRight(c.TransportEndpoint, "/")
	c.APIEndpoint = strings.TrimRight(c.APIEndpoint, "/")
	if len(c.ICE.STUNServers) == 0 {
		c.ICE.STUNServers = []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		}
	}
	if c.Relay.JWTSecret == "" {
		c.Relay.JWTSecret = "change-me-in-production"
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch {
	case c.TransportEndpoint == "":
		return errors.New("config: transport_endpoint is required")
	case c.APIEndpoint == "":
		return errors.New("config: api_endpoint is required")
	case c.Timing.ReconnectDelay <= 0:
		return errors.New("config: timing.reconnect_delay must be positive")
	case c.Timing.PingInterval <= 0:
		return errors.New("config: timing.ping_interval must be positive")
	case c.Timing.TypingDebounce <= 0:
		return errors.New("config: timing.typing_debounce must be positive")
	case c.Timing.TypingExpiry < 0:
		return errors.New("config: timing.typing_expiry must not be negative")
	}
	return nil
}

// ChannelEndpoint returns the websocket endpoint of the configured
// conversation; the transport appends the channel token to it.
func (c *Config) ChannelEndpoint() string {
	return c.TransportEndpoint + "/" + c.ConversationID
}
