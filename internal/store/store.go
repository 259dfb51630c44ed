// Package store persists tracker states in SQLite, one row per hex.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/adsbalert/dbopen"
	"github.com/hazyhaar/adsbalert/internal/alerterr"
	"github.com/hazyhaar/adsbalert/internal/tracker"
)

// Schema is the DDL for the tracks table. Durations are milliseconds and
// instants unix milliseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS tracks (
    hex TEXT PRIMARY KEY,
    first_seen INTEGER NOT NULL,
    last_seen INTEGER NOT NULL,
    cumulative_ms INTEGER NOT NULL DEFAULT 0,
    last_notified_at INTEGER,
    day TEXT NOT NULL DEFAULT '',
    today_ms INTEGER NOT NULL DEFAULT 0,
    delivered TEXT NOT NULL DEFAULT '[]',
    updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_tracks_last_seen ON tracks(last_seen DESC);
`

const selectColumns = `hex, first_seen, last_seen, cumulative_ms, last_notified_at, day, today_ms, delivered`

// Store is a tracker.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New wraps db, which must already hold Schema.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens (creating if needed) the state database at path.
func Open(path string, opts ...dbopen.Option) (*Store, *sql.DB, error) {
	opts = append([]dbopen.Option{dbopen.WithMkdirAll(), dbopen.WithSchema(Schema)}, opts...)
	db, err := dbopen.Open(path, opts...)
	if err != nil {
		return nil, nil, err
	}
	return New(db), db, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanState(s scanner) (tracker.State, error) {
	var (
		st                          tracker.State
		first, last, cumMS, todayMS int64
		notified                    sql.NullInt64
		delivered                   string
	)
	if err := s.Scan(&st.Hex, &first, &last, &cumMS, &notified, &st.Day, &todayMS, &delivered); err != nil {
		return st, err
	}
	st.FirstSeen = time.UnixMilli(first).UTC()
	st.LastSeen = time.UnixMilli(last).UTC()
	st.Cumulative = time.Duration(cumMS) * time.Millisecond
	st.Today = time.Duration(todayMS) * time.Millisecond
	if notified.Valid {
		at := time.UnixMilli(notified.Int64).UTC()
		st.LastNotifiedAt = &at
	}
	if delivered != "" && delivered != "[]" {
		if err := json.Unmarshal([]byte(delivered), &st.Delivered); err != nil {
			return st, fmt.Errorf("decode delivered: %w", err)
		}
	}
	return st, nil
}

// Get implements tracker.Store.
func (s *Store) Get(ctx context.Context, hex string) (tracker.State, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM tracks WHERE hex = ?`, hex)
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tracker.State{}, false, nil
	}
	if err != nil {
		return tracker.State{}, false, fmt.Errorf("store: get %s: %w", hex, err)
	}
	return st, true, nil
}

const upsertSQL = `
		INSERT INTO tracks (hex, first_seen, last_seen, cumulative_ms, last_notified_at,
			day, today_ms, delivered, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(hex) DO UPDATE SET
			first_seen = excluded.first_seen,
			last_seen = excluded.last_seen,
			cumulative_ms = excluded.cumulative_ms,
			last_notified_at = excluded.last_notified_at,
			day = excluded.day,
			today_ms = excluded.today_ms,
			delivered = excluded.delivered,
			updated_at = excluded.updated_at`

func upsertArgs(st tracker.State) ([]any, error) {
	delivered := "[]"
	if len(st.Delivered) > 0 {
		b, err := json.Marshal(st.Delivered)
		if err != nil {
			return nil, fmt.Errorf("encode delivered: %w", err)
		}
		delivered = string(b)
	}
	var notified sql.NullInt64
	if st.LastNotifiedAt != nil {
		notified = sql.NullInt64{Int64: st.LastNotifiedAt.UnixMilli(), Valid: true}
	}
	return []any{st.Hex, st.FirstSeen.UnixMilli(), st.LastSeen.UnixMilli(), st.Cumulative.Milliseconds(),
		notified, st.Day, st.Today.Milliseconds(), delivered, time.Now().Unix()}, nil
}

// Put implements tracker.Store. The write is durable when it returns
// (synchronous=FULL) and retried while SQLite reports BUSY.
func (s *Store) Put(ctx context.Context, st tracker.State) error {
	args, err := upsertArgs(st)
	if err != nil {
		return fmt.Errorf("store: put %s: %w", st.Hex, err)
	}
	if _, err := dbopen.Exec(ctx, s.db, upsertSQL, args...); err != nil {
		return fmt.Errorf("store: put %s: %w", st.Hex, err)
	}
	return nil
}

// Update implements tracker.Updater: the row is read, passed to fn and
// written back in one transaction, retried as a whole while SQLite reports
// BUSY. Nothing is written when fn returns write=false.
func (s *Store) Update(ctx context.Context, hex string, fn func(st tracker.State, ok bool) (tracker.State, bool)) (tracker.State, error) {
	var out tracker.State
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM tracks WHERE hex = ?`, hex)
		st, err := scanState(row)
		ok := true
		if errors.Is(err, sql.ErrNoRows) {
			st, ok = tracker.State{}, false
		} else if err != nil {
			return &alerterr.PersistenceError{Hex: hex, Stage: "get", Cause: err}
		}

		next, write := fn(st, ok)
		out = next
		if !write {
			return nil
		}
		args, err := upsertArgs(next)
		if err == nil {
			_, err = tx.ExecContext(ctx, upsertSQL, args...)
		}
		if err != nil {
			return &alerterr.PersistenceError{Hex: hex, Stage: "put", Cause: err}
		}
		return nil
	})
	if err != nil {
		return tracker.State{}, err
	}
	return out, nil
}

// List implements tracker.Lister, most recently seen first.
func (s *Store) List(ctx context.Context) ([]tracker.State, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM tracks ORDER BY last_seen DESC, hex`)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var out []tracker.State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Prune deletes tracks last seen before cutoff. Cooldowns on those rows
// have long expired.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := dbopen.Exec(ctx, s.db, `DELETE FROM tracks WHERE last_seen < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: prune: %w", err)
	}
	return res.RowsAffected()
}
