package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "tickhost/pkg/logx"
)

//go:embed migrations.sql
var schemaV1 string

// schemaVersion is stored in PRAGMA user_version.
const schemaVersion = 1

type sqliteStore struct {
	db  *sql.DB
	put *sql.Stmt
	get *sql.Stmt
}

// sqliteDSN builds a modernc.org/sqlite DSN that applies the pragmas on
// every new connection.
func sqliteDSN(path string, busy time.Duration) string {
	q := url.Values{}
	if busy > 0 {
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return path + "?" + q.Encode()
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", sqliteDSN(path, cfg.BusyTimeout))
	if err != nil {
		return nil, err
	}
	// One writer; the monitor writes once per run.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	st, err := prepareSQLite(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func prepareSQLite(ctx context.Context, db *sql.DB) (*sqliteStore, error) {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return nil, err
	}
	if version < schemaVersion {
		if _, err := db.ExecContext(ctx, schemaV1); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return nil, err
		}
	}

	s := &sqliteStore{db: db}
	var err error
	if s.put, err = db.PrepareContext(ctx, `
		INSERT INTO schedule_status(name, last_ms, next_ms, updated_ms) VALUES(?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			last_ms = excluded.last_ms,
			next_ms = excluded.next_ms,
			updated_ms = excluded.updated_ms`); err != nil {
		return nil, err
	}
	if s.get, err = db.PrepareContext(ctx,
		`SELECT last_ms, next_ms, updated_ms FROM schedule_status WHERE name = ?`); err != nil {
		_ = s.put.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) Close() error {
	return errors.Join(s.put.Close(), s.get.Close(), s.db.Close())
}

func (s *sqliteStore) PutStatus(ctx context.Context, st ScheduleStatus) error {
	name := strings.TrimSpace(st.Name)
	if name == "" {
		return ErrNoName
	}
	if st.LastUpdated.IsZero() {
		st.LastUpdated = time.Now()
	}
	_, err := s.put.ExecContext(ctx, name, toMillis(st.Last), toMillis(st.Next), toMillis(st.LastUpdated))
	return err
}

func (s *sqliteStore) GetStatus(ctx context.Context, name string) (ScheduleStatus, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ScheduleStatus{}, false, nil
	}
	var last, next, updated int64
	switch err := s.get.QueryRowContext(ctx, name).Scan(&last, &next, &updated); {
	case errors.Is(err, sql.ErrNoRows):
		return ScheduleStatus{}, false, nil
	case err != nil:
		return ScheduleStatus{}, false, err
	}
	return ScheduleStatus{
		Name:        name,
		Last:        fromMillis(last),
		Next:        fromMillis(next),
		LastUpdated: fromMillis(updated),
	}, true, nil
}

// Zero times are stored as 0 so they read back as the zero time.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
