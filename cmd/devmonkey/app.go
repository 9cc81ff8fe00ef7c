package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-redis/redis/v8"

	"github.com/mixelka/devmonkey/internal/config"
	"github.com/mixelka/devmonkey/internal/database"
	"github.com/mixelka/devmonkey/internal/dispatch"
	"github.com/mixelka/devmonkey/internal/remote"
	"github.com/mixelka/devmonkey/internal/secret"
)

// app holds lazily opened dependencies shared by the commands
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db    *database.DB
	redis *redis.Client
	box   *secret.Box
}

func (a *app) database(ctx context.Context) (*database.DB, error) {
	if a.db != nil {
		return a.db, nil
	}

	db, err := database.New(a.cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	a.db = db
	return db, nil
}

func (a *app) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.RedisAddr,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	a.redis = client
	return client, nil
}

func (a *app) queue(ctx context.Context) (*dispatch.RedisQueue, error) {
	client, err := a.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	return dispatch.NewRedisQueue(client, a.cfg.QueueName), nil
}

func (a *app) secretBox() (*secret.Box, error) {
	if a.box != nil {
		return a.box, nil
	}
	box, err := secret.NewBox(a.cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	a.box = box
	return box, nil
}

func (a *app) gateway() *remote.Gateway {
	return remote.NewGateway(remote.GatewayConfig{
		BaseURL: a.cfg.GatewayURL,
		Token:   a.cfg.GatewayToken,
		Timeout: a.cfg.GatewayTimeout,
	})
}

func (a *app) close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// printJSON writes v to stdout, indented
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
