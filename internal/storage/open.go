package storage

import (
	"context"
	"errors"
	"strings"

	"chanpost/pkg/logx"
)

// Open initializes the configured store and verifies it is reachable.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return OpenSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return OpenPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
