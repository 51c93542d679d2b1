package storage

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pewsched/internal/task/outcome"
	logx "pewsched/pkg/logx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS pewsched_last_fired (
  task_id TEXT PRIMARY KEY,
  at      TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS pewsched_runs (
  id          BIGSERIAL PRIMARY KEY,
  task_id     TEXT NOT NULL,
  run_id      TEXT,
  started_at  TIMESTAMPTZ NOT NULL,
  ended_at    TIMESTAMPTZ NOT NULL,
  status      TEXT NOT NULL,
  exit_status INTEGER NOT NULL DEFAULT 0,
  output_ref  TEXT,
  attempts    INTEGER NOT NULL DEFAULT 0,
  err         TEXT,
  reason      TEXT
);
CREATE INDEX IF NOT EXISTS pewsched_runs_task_idx ON pewsched_runs(task_id, id DESC);
`

type postgresStore struct {
	pool         *pgxpool.Pool
	log          logx.Logger
	historyLimit int
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for the postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse dsn")
	}
	pcfg.MaxConns = 4
	pcfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, errors.Wrap(err, "new pool")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping db")
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "migrate postgres")
	}
	log.Debug("postgres store ready", logx.String("host", pcfg.ConnConfig.Host))
	return &postgresStore{pool: pool, log: log, historyLimit: limitOr(cfg.HistoryLimit, defaultHistoryLimit)}, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) PutLastFired(ctx context.Context, taskID string, at time.Time) error {
	if taskID == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pewsched_last_fired (task_id, at) VALUES ($1, $2)
		ON CONFLICT (task_id) DO UPDATE SET at = GREATEST(pewsched_last_fired.at, EXCLUDED.at)
	`, taskID, at)
	return errors.Wrap(err, "put last-fired")
}

func (s *postgresStore) LoadLastFired(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.pool.Query(ctx, `SELECT task_id, at FROM pewsched_last_fired`)
	if err != nil {
		return nil, errors.Wrap(err, "load last-fired")
	}
	defer rows.Close()
	out := map[string]time.Time{}
	for rows.Next() {
		var id string
		var at time.Time
		if err := rows.Scan(&id, &at); err != nil {
			return nil, errors.Wrap(err, "scan last-fired")
		}
		out[id] = at
	}
	return out, rows.Err()
}

func (s *postgresStore) AppendRun(ctx context.Context, ev outcome.Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pewsched_runs (task_id, run_id, started_at, ended_at, status, exit_status,
		                           output_ref, attempts, err, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		ev.TaskID, nullString(ev.RunID), ev.StartedAt, ev.EndedAt, string(ev.Status), ev.ExitStatus,
		nullString(ev.OutputRef), ev.Attempts, nullString(ev.Error), nullString(ev.Reason),
	)
	return errors.Wrap(err, "insert run")
}

func (s *postgresStore) RecentRuns(ctx context.Context, taskID string, limit int) ([]outcome.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, COALESCE(run_id, ''), started_at, ended_at, status, exit_status,
		       COALESCE(output_ref, ''), attempts, COALESCE(err, ''), COALESCE(reason, '')
		FROM pewsched_runs
		WHERE ($1 = '' OR task_id = $1)
		ORDER BY id DESC
		LIMIT $2
	`, taskID, limitOr(limit, s.historyLimit))
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (outcome.Event, error) {
		var ev outcome.Event
		var status string
		err := row.Scan(&ev.TaskID, &ev.RunID, &ev.StartedAt, &ev.EndedAt, &status, &ev.ExitStatus,
			&ev.OutputRef, &ev.Attempts, &ev.Error, &ev.Reason)
		ev.Status = outcome.Status(status)
		ev.Duration = ev.EndedAt.Sub(ev.StartedAt)
		return ev, err
	})
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
