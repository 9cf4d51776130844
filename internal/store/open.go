package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/amirk1998/authsession/internal/config"
	"github.com/amirk1998/authsession/internal/database"
	"github.com/amirk1998/authsession/internal/repository"
	"github.com/amirk1998/authsession/internal/security"
)

// Open builds the store selected by cfg.StoreBackend. The returned *sql.DB is
// non-nil for the SQL backends and is shared with the audit logger; the caller
// closes it after the store.
func Open(ctx context.Context, cfg *config.Config) (*Store, *sql.DB, error) {
	if cfg.StoreBackend == config.BackendMemory {
		return New(NewMemoryBackend()), nil, nil
	}

	keys, err := security.NewKeyManager(cfg.StoreEncryptionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize key manager: %w", err)
	}

	switch cfg.StoreBackend {
	case config.BackendRedis:
		encryptor, err := security.NewFieldEncryptor(keys.FieldKey())
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(&redis.Options{
			Addr:        cfg.RedisAddr,
			DB:          cfg.RedisDB,
			DialTimeout: DefaultTimeout,
			ReadTimeout: DefaultTimeout,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis connection failed: %w", err)
		}
		return New(NewRedisBackend(client, encryptor)), nil, nil

	case config.BackendSQLCipher, config.BackendSQLite:
		dbConfig := database.Config{
			Path:         cfg.StorePath,
			Driver:       database.DriverSQLite,
			MaxOpenConns: 4,
			MaxIdleConns: 2,
			MaxLifetime:  1 * time.Hour,
			MaxIdleTime:  10 * time.Minute,
		}

		// The plain SQLite file gets per-value encryption instead of page encryption
		var sealer repository.Sealer
		if cfg.StoreBackend == config.BackendSQLCipher {
			dbConfig.Driver = database.DriverSQLCipher
			dbConfig.EncryptionKey = keys.DatabaseKey()
		} else {
			encryptor, err := security.NewFieldEncryptor(keys.FieldKey())
			if err != nil {
				return nil, nil, err
			}
			sealer = encryptor
		}

		db, err := database.Connect(dbConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}

		if err := database.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migration failed: %w", err)
		}

		return New(repository.NewCredentialRepository(db, sealer)), db, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
