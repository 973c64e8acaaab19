// Package cache is the TTL key/value store shared by the delivery guard and
// the metrics sync engine. Keys support glob invalidation.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chanpost/pkg/logx"
)

var ErrDisabled = errors.New("cache disabled")

// Cache is safe for concurrent use. A zero or negative ttl means no expiry.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// FlushPattern deletes every key matching glob ('*', '?', '[...]') and
	// returns how many were removed.
	FlushPattern(ctx context.Context, glob string) (int, error)
	Close() error
}

// Pruner is implemented by drivers that keep expired rows until swept.
type Pruner interface {
	Prune(ctx context.Context) (int, error)
}

type Config struct {
	Driver     string
	Path       string
	MaxEntries int
}

// Open builds the configured driver; sqlite is the default. The sqlite driver
// persists across restarts and never evicts, memory does neither.
func Open(cfg Config, log logx.Logger) (Cache, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errors.New("cache.path is required when cache.driver=sqlite")
		}
		return OpenSQLite(cfg.Path, log)
	case "memory":
		return NewMemory(cfg.MaxEntries)
	default:
		return nil, fmt.Errorf("unknown cache driver: %s", cfg.Driver)
	}
}

func GetJSON(ctx context.Context, c Cache, key string, out any) (bool, error) {
	b, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, fmt.Errorf("cache %s: decode: %w", key, err)
	}
	return true, nil
}

func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache %s: encode: %w", key, err)
	}
	return c.Set(ctx, key, b, ttl)
}
