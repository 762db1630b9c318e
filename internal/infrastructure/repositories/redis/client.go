package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	dialTimeout  = 5 * time.Second
	opTimeout    = 3 * time.Second
	minIdleConns = 5
)

// Connect opens a pooled client against the room directory store. The
// connection is verified with a ping and the schema is brought up to date
// before the client is handed out, so a returned client is ready for traffic.
func Connect(ctx context.Context, address, password string, db, poolSize int, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		MinIdleConns: minIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis unreachable at %s: %w", address, err)
	}

	if err := Migrate(ctx, client, logger); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("schema migration: %w", err)
	}

	logger.Infow("room directory store connected",
		"address", address,
		"db", db,
		"pool_size", poolSize,
	)
	return client, nil
}
