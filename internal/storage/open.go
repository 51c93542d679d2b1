package storage

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	logx "pewsched/pkg/logx"
)

const defaultHistoryLimit = 100

// Open initializes the configured store. It returns (nil, nil) when storage
// is disabled.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.WithHint(errors.Newf("unknown storage driver %q", driver), "use file, sqlite, postgres or none")
	}
}

func limitOr(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}
