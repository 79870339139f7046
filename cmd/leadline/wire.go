package main

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/zulandar/leadline/internal/alert"
	"github.com/zulandar/leadline/internal/cache"
	"github.com/zulandar/leadline/internal/config"
	"github.com/zulandar/leadline/internal/db"
	"github.com/zulandar/leadline/internal/gateway"
	"github.com/zulandar/leadline/internal/metrics"
	"github.com/zulandar/leadline/internal/obs"
	"github.com/zulandar/leadline/internal/transport"
)

// loadConfig reads the config file and builds the logger it selects.
func loadConfig(path string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := obs.NewLogger(cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// newGateway builds the REST client. m may be nil.
func newGateway(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*gateway.Client, error) {
	opts := gateway.Opts{
		BaseURL:    cfg.Gateway.BaseURL,
		Token:      cfg.Gateway.Token,
		Timeout:    cfg.Gateway.Timeout,
		Retries:    cfg.Gateway.Retries,
		RetryDelay: cfg.Gateway.RetryDelay,
		RatePerSec: cfg.Gateway.RatePerSec,
		Burst:      cfg.Gateway.Burst,
		Logger:     logger,
	}
	if m != nil {
		opts.OnRequest = m.Request
	}
	return gateway.New(opts)
}

// newTransport builds the push session. m may be nil.
func newTransport(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*transport.Session, error) {
	header := http.Header{}
	if cfg.Gateway.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Gateway.Token)
	}
	opts := transport.Opts{
		URL:            cfg.Push.URL,
		Header:         header,
		MaxAttempts:    cfg.Push.MaxAttempts,
		InitialBackoff: cfg.Push.InitialBackoff,
		MaxBackoff:     cfg.Push.MaxBackoff,
		Logger:         logger,
	}
	if m != nil {
		opts.OnDrop = m.FrameDropped
		opts.OnReconnect = m.Reconnect
	}
	return transport.New(opts)
}

// openCache connects the message cache. It returns nil when the cache is
// disabled.
func openCache(cfg *config.Config, logger *slog.Logger) (*cache.Store, error) {
	if cfg.Cache.Driver == "" {
		return nil, nil
	}
	gormDB, err := db.Connect(cfg.Cache.Driver, cfg.Cache.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, err
	}
	return cache.New(cache.Opts{DB: gormDB, Logger: logger})
}

func newNotifier(cfg *config.Config) (alert.Notifier, error) {
	return alert.New(alert.Opts{
		Platform:     cfg.Alert.Platform,
		Channel:      cfg.Alert.Channel,
		SlackToken:   cfg.Alert.SlackToken,
		DiscordToken: cfg.Alert.DiscordToken,
	})
}
