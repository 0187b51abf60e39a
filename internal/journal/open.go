package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Config selects and configures a journal backend.
//
// Driver values:
//   - "memory": in-process, nothing survives a restart
//   - "sqlite": SQLite database file at Path (default)
//   - "redis": streams + hashes at URL, keys under Prefix
//   - "postgres": tables in the database at URL
type Config struct {
	Driver string
	Path   string
	URL    string
	Prefix string
}

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errors.New("storage path is required for sqlite driver")
		}
		return OpenSQLite(cfg.Path)
	case "memory":
		return NewMemory(), nil
	case "redis":
		if cfg.URL == "" {
			return nil, errors.New("storage url is required for redis driver")
		}
		return OpenRedis(ctx, cfg.URL, cfg.Prefix)
	case "postgres", "postgresql":
		if cfg.URL == "" {
			return nil, errors.New("storage url is required for postgres driver")
		}
		return OpenPostgres(ctx, cfg.URL)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}
