package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/honeydew/honeydew/internal/config"
)

// Open builds the ledger engine selected by cfg.Engine and, when a redis
// address is configured, wraps it in a CachedLedger.
func Open(ctx context.Context, cfg config.LedgerConfig) (Ledger, error) {
	var (
		l   Ledger
		err error
	)

	switch strings.ToLower(cfg.Engine) {
	case "", "sqlite":
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating ledger directory: %w", err)
			}
		}
		l, err = NewSQLiteStore(cfg.SQLite.Path)
	case "postgres", "postgresql":
		if cfg.Postgres.DSN == "" {
			return nil, fmt.Errorf("ledger.postgres.dsn is required when engine is 'postgres'")
		}
		l, err = NewSQLStore(DialectPostgres, cfg.Postgres.DSN)
	case "mysql":
		if cfg.MySQL.DSN == "" {
			return nil, fmt.Errorf("ledger.mysql.dsn is required when engine is 'mysql'")
		}
		l, err = NewSQLStore(DialectMySQL, cfg.MySQL.DSN)
	case "memory":
		l = NewMemoryStore()
	case "dynamodb":
		l, err = NewDynamoDBStore(ctx, &cfg.DynamoDB)
	case "firestore":
		l, err = NewFirestoreStore(ctx, &cfg.Firestore)
	case "cosmos":
		l, err = NewCosmosStore(ctx, &cfg.Cosmos)
	default:
		return nil, fmt.Errorf("unknown ledger engine %q", cfg.Engine)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s ledger: %w", cfg.Engine, err)
	}

	if cfg.Cache.RedisAddr == "" {
		return l, nil
	}

	client, err := NewRedisClient(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
	if err != nil {
		l.Close()
		return nil, err
	}
	ttl := time.Duration(cfg.Cache.TTLSeconds) * time.Second
	slog.Info("Ledger cache enabled", "redis_addr", cfg.Cache.RedisAddr, "ttl", ttl)
	return NewCachedLedger(l, client, ttl), nil
}
