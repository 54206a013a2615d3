package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = keyPrefix + "schema:version"
	currentSchemaVersion = 1
)

type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, client redis.Cmdable) error
}

func Migrate(ctx context.Context, client redis.Cmdable, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Debugw("redis schema is up to date", "version", currentVersion)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration",
				"version", migration.Version,
				"description", migration.Description,
			)
		}
		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := client.Set(ctx, schemaVersionKey, migration.Version, 0).Err(); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	return nil
}

func getSchemaVersion(ctx context.Context, client redis.Cmdable) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func getMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "seed room generation counters for rooms with a live pointer",
			Up: func(ctx context.Context, client redis.Cmdable) error {
				iter := client.Scan(ctx, 0, keyPrefix+"{*}:active", 100).Iterator()
				for iter.Next(ctx) {
					genKey := strings.TrimSuffix(iter.Val(), ":active") + ":generation"
					if err := client.SetNX(ctx, genKey, 1, 0).Err(); err != nil {
						return err
					}
				}
				return iter.Err()
			},
		},
	}
}
