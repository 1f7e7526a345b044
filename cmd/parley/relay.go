package main

import (
	"context"
	"time"

	"github.com/1ureka/parley/internal/config"
	"github.com/1ureka/parley/internal/relay"
	"github.com/1ureka/parley/internal/util"
)

const defaultJWTSecret = "change-me-in-production"

// runRelay serves the development relay until ctx is cancelled.
func runRelay(ctx context.Context, cfg *config.Config) error {
	var store relay.Store
	if cfg.Relay.RedisAddr != "" {
		rs, err := relay.ConnectRedis(ctx, cfg.Relay.RedisAddr, cfg.Relay.RedisPassword, cfg.Relay.RedisDB)
		if err != nil {
			return err
		}
		util.LogInfo("using Redis store at %s (db %d)", cfg.Relay.RedisAddr, cfg.Relay.RedisDB)
		store = rs
	} else {
		util.LogInfo("using in-memory store; history is lost on exit")
		store = relay.NewMemoryStore()
	}
	defer store.Close()

	if cfg.Relay.JWTSecret == defaultJWTSecret {
		util.LogWarning("relay is signing channel tokens with the default secret; set PARLEY_RELAY_JWT_SECRET")
	}

	srv, err := relay.New(relay.Options{
		Store:  store,
		Tokens: relay.NewTokens(cfg.Relay.JWTSecret, cfg.Relay.TokenTTL),
		APIKey: cfg.APIKey,
		Debug:  cfg.Debug,
	})
	if err != nil {
		return err
	}

	if cfg.Debug {
		util.StartStatsReporter(ctx, 10*time.Second)
	}
	return srv.Run(ctx, cfg.Relay.Address)
}
