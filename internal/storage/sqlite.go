//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"pewsched/internal/task/outcome"
	logx "pewsched/pkg/logx"
)

//go:embed migrations.sql
var sqliteSchema string

const maxRunRows = 50000

type sqliteStore struct {
	db           *sql.DB
	log          logx.Logger
	historyLimit int

	appends    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for the sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate sqlite")
	}
	return &sqliteStore{
		db:           db,
		log:          log,
		historyLimit: limitOr(cfg.HistoryLimit, defaultHistoryLimit),
		pruneEvery:   500,
	}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutLastFired(ctx context.Context, taskID string, at time.Time) error {
	if taskID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO last_fired(task_id, at_ns) VALUES(?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET at_ns = max(at_ns, excluded.at_ns)`,
		taskID, at.UnixNano(),
	)
	return errors.Wrap(err, "put last-fired")
}

func (s *sqliteStore) LoadLastFired(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, at_ns FROM last_fired`)
	if err != nil {
		return nil, errors.Wrap(err, "load last-fired")
	}
	defer rows.Close()
	out := map[string]time.Time{}
	for rows.Next() {
		var id string
		var ns int64
		if err := rows.Scan(&id, &ns); err != nil {
			return nil, errors.Wrap(err, "scan last-fired")
		}
		out[id] = time.Unix(0, ns)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendRun(ctx context.Context, ev outcome.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(task_id, run_id, started_at, ended_at, status, exit_status, output_ref, attempts, err, reason)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		ev.TaskID, nullStr(ev.RunID),
		ev.StartedAt.Format(time.RFC3339Nano), ev.EndedAt.Format(time.RFC3339Nano),
		string(ev.Status), ev.ExitStatus, nullStr(ev.OutputRef), ev.Attempts,
		nullStr(ev.Error), nullStr(ev.Reason),
	)
	if err != nil {
		return errors.Wrap(err, "append run")
	}
	if s.appends.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if err := s.prune(pctx); err != nil {
			s.log.Debug("run history prune failed", logx.Err(err))
		}
		cancel()
	}
	return nil
}

func (s *sqliteStore) RecentRuns(ctx context.Context, taskID string, limit int) ([]outcome.Event, error) {
	limit = limitOr(limit, s.historyLimit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, COALESCE(run_id,''), started_at, ended_at, status, exit_status,
		        COALESCE(output_ref,''), attempts, COALESCE(err,''), COALESCE(reason,'')
		 FROM runs WHERE (? = '' OR task_id = ?) ORDER BY id DESC LIMIT ?`,
		taskID, taskID, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query runs")
	}
	defer rows.Close()

	var out []outcome.Event
	for rows.Next() {
		var ev outcome.Event
		var started, ended, status string
		if err := rows.Scan(&ev.TaskID, &ev.RunID, &started, &ended, &status, &ev.ExitStatus,
			&ev.OutputRef, &ev.Attempts, &ev.Error, &ev.Reason); err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		ev.Status = outcome.Status(status)
		ev.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		ev.EndedAt, _ = time.Parse(time.RFC3339Nano, ended)
		ev.Duration = ev.EndedAt.Sub(ev.StartedAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id <= (SELECT id FROM runs ORDER BY id DESC LIMIT 1 OFFSET ?)`, maxRunRows)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
