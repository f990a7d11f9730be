package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "taskmgr/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	finished    TEXT    NOT NULL,
	started     TEXT    NOT NULL,
	owner       TEXT    NOT NULL,
	name        TEXT    NOT NULL,
	description TEXT,
	priority    TEXT    NOT NULL,
	slot        TEXT,
	status      TEXT    NOT NULL,
	err         TEXT,
	took_ms     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_name ON runs(name);
`

const sqliteRetain = 50000

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Debug("run history opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.Finished.IsZero() {
		r.Finished = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(finished, started, owner, name, description, priority, slot, status, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.Finished.UTC().Format(time.RFC3339Nano), r.Started.UTC().Format(time.RFC3339Nano),
		r.Owner, r.Name, nullStr(r.Description), r.Priority, nullStr(r.Slot), r.Status, nullStr(r.Error), r.TookMS,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug("run history prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = sqliteRetain
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT finished, started, owner, name, description, priority, slot, status, err, took_ms
		 FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []RunRecord{}
	for rows.Next() {
		var (
			r                     RunRecord
			finished, started     string
			desc, slot, errString sql.NullString
		)
		if err := rows.Scan(&finished, &started, &r.Owner, &r.Name, &desc, &r.Priority, &slot, &r.Status, &errString, &r.TookMS); err != nil {
			return nil, err
		}
		r.Finished, _ = time.Parse(time.RFC3339Nano, finished)
		r.Started, _ = time.Parse(time.RFC3339Nano, started)
		r.Description = desc.String
		r.Slot = slot.String
		r.Error = errString.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id <= (SELECT id FROM runs ORDER BY id DESC LIMIT 1 OFFSET ?)`, sqliteRetain)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
