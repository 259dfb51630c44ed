// Package observability carries the process logger and the SQLite-backed
// operational records of adsbalert: per-recipient notification attempts,
// per-cycle summaries, worker heartbeats, and their retention cleanup.
package observability

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/adsbalert/idgen"
)

// ParseLevel maps "debug", "info", "warn" or "error" to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("observability: unknown log level %q", s)
}

// NewLogger returns a JSON slog logger writing to w at the given level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Notification status values.
const (
	StatusSent          = "sent"
	StatusPhotoFallback = "photo_fallback"
	StatusFailed        = "failed"
)

// NotificationRecord is one recipient delivery attempt.
type NotificationRecord struct {
	Hex       string        `json:"hex"`
	List      string        `json:"list"`
	Channel   string        `json:"channel"`
	Recipient string        `json:"recipient"`
	Status    string        `json:"status"` // StatusSent, StatusPhotoFallback, StatusFailed
	PhotoURL  string        `json:"photo_url,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
	At        time.Time     `json:"at"`
}

// CycleRecord summarises one poll cycle.
type CycleRecord struct {
	StartedAt      time.Time
	Duration       time.Duration
	Observed       int
	Matched        int
	Due            int
	Sent           int
	Failed         int
	Suppressed     int
	WatchlistStale bool
	Error          string
}

// Recorder writes notification and cycle records. Writes never fail the
// caller: errors are logged and dropped, so a broken log table cannot stop
// alerts from going out.
type Recorder struct {
	db     *sql.DB
	newID  idgen.Generator
	ntfID  idgen.Generator
	cycID  idgen.Generator
	logger *slog.Logger
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithIDGenerator sets a custom ID generator for row IDs.
func WithIDGenerator(gen idgen.Generator) RecorderOption {
	return func(r *Recorder) { r.newID = gen }
}

// WithRecorderLogger sets the logger used to report write failures.
func WithRecorderLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = l }
}

// NewRecorder creates a recorder backed by a database holding Schema.
func NewRecorder(db *sql.DB, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		db:     db,
		newID:  idgen.Default,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	r.ntfID = idgen.Prefixed("ntf_", r.newID)
	r.cycID = idgen.Prefixed("cyc_", r.newID)
	return r
}

// Notification appends a delivery attempt to notification_log.
func (r *Recorder) Notification(ctx context.Context, n NotificationRecord) {
	at := n.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notification_log (
			log_id, hex, list, channel, recipient, status,
			photo_url, error, duration_ms, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		r.ntfID(), n.Hex, n.List, n.Channel, n.Recipient, n.Status,
		n.PhotoURL, n.Error, n.Duration.Milliseconds(), at.Unix())
	if err != nil {
		r.logger.Error("observability: notification log failed", "error", err, "hex", n.Hex)
	}
}

// Cycle appends a cycle summary to cycle_log.
func (r *Recorder) Cycle(ctx context.Context, c CycleRecord) {
	stale := 0
	if c.WatchlistStale {
		stale = 1
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cycle_log (
			cycle_id, started_at, duration_ms, observed, matched, due,
			sent, failed, suppressed, watchlist_stale, error, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.cycID(), c.StartedAt.Unix(), c.Duration.Milliseconds(),
		c.Observed, c.Matched, c.Due, c.Sent, c.Failed, c.Suppressed,
		stale, c.Error, c.StartedAt.Unix())
	if err != nil {
		r.logger.Error("observability: cycle log failed", "error", err)
	}
}

// RetentionConfig specifies per-table retention in days. Zero means no cleanup.
type RetentionConfig struct {
	NotificationLogDays int
	CycleLogDays        int
	HeartbeatsDays      int
	RunVacuumAfter      bool
}

// Cleanup deletes records older than the retention thresholds relative to
// now and returns the number of rows removed.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig, now time.Time) (int64, error) {
	// Table and column names are fixed here, never taken from input.
	targets := []struct {
		table  string
		column string
		days   int
	}{
		{"notification_log", "created_at", cfg.NotificationLogDays},
		{"cycle_log", "created_at", cfg.CycleLogDays},
		{"worker_heartbeats", "timestamp", cfg.HeartbeatsDays},
	}

	var total int64
	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -t.days).Unix()
		q := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.table, t.column)
		res, err := db.ExecContext(ctx, q, cutoff)
		if err != nil {
			return total, fmt.Errorf("cleanup %s: %w", t.table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return total, fmt.Errorf("vacuum: %w", err)
		}
	}
	return total, nil
}

// RecentNotifications returns the latest notification_log rows, newest first.
func (r *Recorder) RecentNotifications(ctx context.Context, limit int) ([]NotificationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT hex, list, channel, recipient, status, photo_url, error,
		       duration_ms, created_at
		FROM notification_log
		ORDER BY created_at DESC, log_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query notification log: %w", err)
	}
	defer rows.Close()

	var out []NotificationRecord
	for rows.Next() {
		var n NotificationRecord
		var ms, at int64
		if err := rows.Scan(&n.Hex, &n.List, &n.Channel, &n.Recipient, &n.Status,
			&n.PhotoURL, &n.Error, &ms, &at); err != nil {
			return nil, fmt.Errorf("scan notification log: %w", err)
		}
		n.Duration = time.Duration(ms) * time.Millisecond
		n.At = time.Unix(at, 0)
		out = append(out, n)
	}
	return out, rows.Err()
}
