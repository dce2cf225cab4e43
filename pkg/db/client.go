package db

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

type StoreConfig struct {
	Driver        string
	DatabaseURL   string
	MongoURI      string
	MongoDatabase string
}

// NewStore opens the store selected by the configured driver
func NewStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	switch cfg.Driver {
	case DRIVER_POSTGRES, "":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is not set")
		}
		client, err := NewPostgresClient(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("[Store] [NewStore] using postgres store")
		return NewPostgresStore(client)
	case DRIVER_MONGO:
		if cfg.MongoURI == "" || cfg.MongoDatabase == "" {
			return nil, fmt.Errorf("MONGODB_URI and MONGODB_DATABASE must be set")
		}
		client, err := NewMongoClient(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		log.Info().Str("database", cfg.MongoDatabase).Msg("[Store] [NewStore] using mongo store")
		return NewMongoStore(ctx, client, cfg.MongoDatabase)
	case DRIVER_MEMORY:
		log.Warn().Msg("[Store] [NewStore] using in-memory store, transfers are lost on restart")
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
