package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey = "roomcast:schema:version"
	schemaVersion    = 1
)

// migrations are applied in order on startup. Index i holds the step that
// brings the schema from version i to version i+1.
var migrations = []func(ctx context.Context, client *redis.Client) error{
	initRoomIndex,
}

// Migrate brings the store schema up to the version this build expects.
// Room records are plain JSON values, so there is little real schema to
// manage; the version key mainly guards against an old build writing into a
// newer layout.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	version, err := client.Get(ctx, schemaVersionKey).Int()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version > schemaVersion {
		return fmt.Errorf("store schema version %d is newer than this build supports (%d)", version, schemaVersion)
	}

	for ; version < schemaVersion; version++ {
		if err := migrations[version](ctx, client); err != nil {
			return fmt.Errorf("migration to version %d: %w", version+1, err)
		}
		if err := client.Set(ctx, schemaVersionKey, version+1, 0).Err(); err != nil {
			return fmt.Errorf("record schema version %d: %w", version+1, err)
		}
		logger.Infow("store migration applied", "version", version+1)
	}

	return nil
}

// initRoomIndex ensures the room index set exists so SMEMBERS-based listing
// never distinguishes "no rooms" from "never initialized".
func initRoomIndex(ctx context.Context, client *redis.Client) error {
	exists, err := client.Exists(ctx, "roomcast:rooms").Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		if err := client.SAdd(ctx, "roomcast:rooms", "").Err(); err != nil {
			return err
		}
		return client.SRem(ctx, "roomcast:rooms", "").Err()
	}
	return nil
}
