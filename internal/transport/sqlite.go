package transport

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gxo-labs/statesync/internal/retry"
	"github.com/gxo-labs/statesync/internal/save"
	sserrors "github.com/gxo-labs/statesync/pkg/statesync/v1/errors"
	sslog "github.com/gxo-labs/statesync/pkg/statesync/v1/log"
)

const recordsSchema = `
CREATE TABLE IF NOT EXISTS records (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	owner      TEXT    NOT NULL,
	revision   INTEGER NOT NULL,
	payload    TEXT    NOT NULL,
	updated_at TEXT    NOT NULL
)`

type sqliteConfig struct {
	busyTimeout time.Duration
	busyRetries int
	retryDelay  time.Duration
}

// SQLiteOption configures OpenSQLite.
type SQLiteOption func(*sqliteConfig)

// WithBusyTimeout sets PRAGMA busy_timeout. Default 5s.
func WithBusyTimeout(d time.Duration) SQLiteOption {
	return func(c *sqliteConfig) { c.busyTimeout = d }
}

// WithBusyRetries sets how many times a statement that hit SQLITE_BUSY is
// attempted in total. Default 3.
func WithBusyRetries(n int) SQLiteOption {
	return func(c *sqliteConfig) { c.busyRetries = n }
}

// SQLiteTransport stores records in a SQLite database through the
// modernc.org/sqlite driver. Ids are the decimal rowids.
type SQLiteTransport struct {
	db       *sql.DB
	log      sslog.Logger
	retry    *retry.Helper
	retryCfg retry.Config
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the records schema. ":memory:" is accepted and pinned to one connection.
func OpenSQLite(ctx context.Context, path string, log sslog.Logger, opts ...SQLiteOption) (*SQLiteTransport, error) {
	if log == nil {
		return nil, sserrors.NewConfigError("sqlite transport requires a logger", nil)
	}
	cfg := sqliteConfig{busyTimeout: 5 * time.Second, busyRetries: 3, retryDelay: 100 * time.Millisecond}
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if isMemoryPath(path) {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout.Milliseconds()),
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range append(pragmas, recordsSchema) {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite setup of %s: %w", path, err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	log = log.With("component", "SQLiteTransport")
	log.Debugf("Opened record store at %s", path)
	return &SQLiteTransport{
		db:    db,
		log:   log,
		retry: retry.NewHelper(log),
		retryCfg: retry.Config{
			Attempts:      cfg.busyRetries,
			Delay:         cfg.retryDelay,
			BackoffFactor: 2,
			Jitter:        0.2,
			Retryable:     IsBusy,
			Name:          "sqlite",
		},
	}, nil
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// IsBusy reports whether err is an SQLite BUSY/locked condition.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// Close closes the database.
func (s *SQLiteTransport) Close() error {
	return s.db.Close()
}

// Insert implements save.Transport.
func (s *SQLiteTransport) Insert(ctx context.Context, req save.Request) (save.Response, error) {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return save.Response{}, fmt.Errorf("encode payload: %w", err)
	}
	var id int64
	err = s.retry.Do(ctx, s.retryCfg, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO records (owner, revision, payload, updated_at) VALUES (?, 1, ?, ?)`,
			req.Owner, string(payload), now())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return save.Response{}, err
	}
	return save.Response{ID: strconv.FormatInt(id, 10), Revision: 1}, nil
}

// Update implements save.Transport. The revision check and the write run in
// one transaction.
func (s *SQLiteTransport) Update(ctx context.Context, req save.Request) (save.Response, error) {
	rowID, err := strconv.ParseInt(req.ID, 10, 64)
	if err != nil {
		return save.Response{}, sserrors.ErrRecordNotFound
	}
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return save.Response{}, fmt.Errorf("encode payload: %w", err)
	}

	var revision int64
	err = s.retry.Do(ctx, s.retryCfg, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var stored int64
		err = tx.QueryRowContext(ctx, `SELECT revision FROM records WHERE id = ?`, rowID).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			return sserrors.ErrRecordNotFound
		}
		if err != nil {
			return err
		}
		if !req.Force && stored != req.Revision {
			return sserrors.NewConflictError(req.ID, req.Revision, stored)
		}
		revision = stored + 1
		if _, err := tx.ExecContext(ctx,
			`UPDATE records SET revision = ?, payload = ?, updated_at = ? WHERE id = ?`,
			revision, string(payload), now(), rowID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return save.Response{}, err
	}
	return save.Response{ID: req.ID, Revision: revision}, nil
}

// Load implements save.Transport. The payload comes back as decoded JSON.
func (s *SQLiteTransport) Load(ctx context.Context, id string) (save.Record, error) {
	rowID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return save.Record{}, sserrors.ErrRecordNotFound
	}
	rec := save.Record{ID: id}
	var payload string
	err = s.retry.Do(ctx, s.retryCfg, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx,
			`SELECT owner, revision, payload FROM records WHERE id = ?`, rowID,
		).Scan(&rec.Owner, &rec.Revision, &payload)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return save.Record{}, sserrors.ErrRecordNotFound
	}
	if err != nil {
		return save.Record{}, err
	}
	if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
		return save.Record{}, fmt.Errorf("decode payload of record %s: %w", id, err)
	}
	return rec, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

var _ save.Transport = (*SQLiteTransport)(nil)
