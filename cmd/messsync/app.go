package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/MinhajShafin/MessKhata/internal/config"
	"github.com/MinhajShafin/MessKhata/internal/remote"
	"github.com/MinhajShafin/MessKhata/internal/remote/memremote"
	"github.com/MinhajShafin/MessKhata/internal/remote/redisremote"
	"github.com/MinhajShafin/MessKhata/internal/store"
	"github.com/MinhajShafin/MessKhata/internal/syncer"
)

// openStore opens the Local Store and makes sure its schema exists.
func openStore(ctx context.Context) (*store.Store, error) {
	st, err := store.Open(cfg.Store.Path, store.Options{
		DeviceID:    cfg.Device.ID,
		MaxAttempts: cfg.Store.MaxAttempts,
		Logger:      logger.Named("store"),
	})
	if err != nil {
		return nil, err
	}
	if err := st.InitSchema(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// openRemote connects the configured Remote Store Adapter. The returned
// close func is never nil.
func openRemote(ctx context.Context) (remote.Store, func() error, error) {
	switch cfg.Remote.Kind {
	case config.RemoteRedis:
		client, err := redisremote.NewClient(ctx, redisremote.Config{
			Addr:     cfg.Remote.RedisAddr,
			Password: cfg.Remote.RedisPassword,
			DB:       cfg.Remote.RedisDB,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Remote.RedisAddr, err)
		}
		rs := redisremote.New(client, cfg.Device.ID,
			redisremote.WithKeyPrefix(cfg.Remote.KeyPrefix),
			redisremote.WithLogger(logger.Named("redis")))
		return rs, client.Close, nil

	default:
		logger.Warn("using the in-memory remote; changes are not shared with other processes")
		return memremote.NewCloud().Device(cfg.Device.ID), func() error { return nil }, nil
	}
}

// newCoordinator builds a Sync Coordinator from the loaded configuration.
func newCoordinator(st *store.Store, rs remote.Store) syncer.Coordinator {
	c := syncer.New(st, rs, syncer.Options{
		DeviceID:        cfg.Device.ID,
		BatchSize:       cfg.Sync.BatchSize,
		InFlightTimeout: cfg.Sync.InFlightTimeout,
		BackoffInitial:  cfg.Sync.BackoffInitial,
		BackoffMax:      cfg.Sync.BackoffMax,
		MaxRetries:      retries(cfg.Sync.MaxRetries),
		Logger:          logger.Named("sync"),
	})
	c.SetEnabled(cfg.Sync.Enabled)
	return c
}

// retries maps the config value, where 0 means no retries, onto
// syncer.Options, where 0 means the default.
func retries(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// closeQuietly closes c and logs a failure.
func closeQuietly(what string, c func() error) {
	if err := c(); err != nil {
		logger.Warn("close failed", zap.String("what", what), zap.Error(err))
	}
}
