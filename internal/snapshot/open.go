package snapshot

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/msageha/commsengine/internal/model"
	"github.com/msageha/commsengine/internal/syncqueue"
)

// Store is a sync queue store that holds resources.
type Store interface {
	syncqueue.Store
	io.Closer
}

// Open builds the store selected by cfg.Store. "none" returns a nil Store, which turns the
// sync queue into a no-op.
func Open(ctx context.Context, cfg model.SyncConfig, logger *log.Logger, level model.LogLevel) (Store, error) {
	switch cfg.Store {
	case "none":
		return nil, nil
	case "", "file":
		return NewFileStore(cfg.Path, logger, level), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		s, err := OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		s := NewRedisStore(cfg.RedisAddr, os.Getenv("COMMSENGINE_REDIS_PASSWORD"), cfg.RedisDB)
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown sync store %q (want file, sqlite, redis or none)", cfg.Store)
	}
}
