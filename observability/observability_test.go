package observability

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/adsbalert/dbopen"
	"github.com/hazyhaar/adsbalert/idgen"

	_ "modernc.org/sqlite"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
}

// sequence yields "1", "2", ... so tests can assert on stored IDs.
func sequence() idgen.Generator {
	n := 0
	return func() string {
		n++
		return strconv.Itoa(n)
	}
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestInit_CreatesAllTables(t *testing.T) {
	db := setupObsDB(t)
	for _, table := range []string{"notification_log", "cycle_log", "worker_heartbeats", "_observability_metadata"} {
		var count int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if count != 1 {
			t.Fatalf("table %s not found", table)
		}
	}
	// Idempotent.
	if err := Init(db); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"":      slog.LevelInfo,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q): got %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelWarn)
	logger.Info("dropped")
	logger.Warn("adsbalert: cycle", "hex", "39C4AF")

	out := strings.TrimSpace(buf.String())
	if strings.Contains(out, "dropped") {
		t.Fatal("info line should be filtered at warn level")
	}
	var line map[string]any
	if err := json.Unmarshal([]byte(out), &line); err != nil {
		t.Fatalf("output is not JSON: %q", out)
	}
	if line["hex"] != "39C4AF" || line["msg"] != "adsbalert: cycle" {
		t.Fatalf("line: %v", line)
	}
}

func TestRecorder_Notification(t *testing.T) {
	db := setupObsDB(t)
	rec := NewRecorder(db, WithIDGenerator(sequence()))
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec.Notification(ctx, NotificationRecord{
		Hex: "39C4AF", List: "military", Channel: "telegram", Recipient: "-1001",
		Status: StatusSent, PhotoURL: "https://cdn.example.org/p.jpg",
		Duration: 250 * time.Millisecond, At: t0,
	})
	rec.Notification(ctx, NotificationRecord{
		Hex: "39C4AF", List: "military", Channel: "telegram", Recipient: "-1002",
		Status: StatusFailed, Error: "http 502", At: t0.Add(time.Second),
	})

	var id string
	db.QueryRow("SELECT log_id FROM notification_log WHERE recipient = '-1001'").Scan(&id)
	if id != "ntf_1" {
		t.Fatalf("log_id: got %q, want ntf_1", id)
	}

	got, err := rec.RecentNotifications(ctx, 10)
	if err != nil {
		t.Fatalf("RecentNotifications: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("rows: got %d, want 2", len(got))
	}
	if got[0].Recipient != "-1002" || got[0].Status != StatusFailed || got[0].Error != "http 502" {
		t.Fatalf("newest row: %+v", got[0])
	}
	if got[1].Duration != 250*time.Millisecond || !got[1].At.Equal(t0) {
		t.Fatalf("oldest row: %+v", got[1])
	}
}

func TestRecorder_Cycle(t *testing.T) {
	db := setupObsDB(t)
	rec := NewRecorder(db)
	rec.Cycle(context.Background(), CycleRecord{
		StartedAt: time.Now(), Duration: 120 * time.Millisecond,
		Observed: 40, Matched: 2, Due: 1, Sent: 1, Suppressed: 1, WatchlistStale: true,
	})

	var matched, stale int
	var id string
	err := db.QueryRow("SELECT cycle_id, matched, watchlist_stale FROM cycle_log").Scan(&id, &matched, &stale)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if !strings.HasPrefix(id, "cyc_") || matched != 2 || stale != 1 {
		t.Fatalf("row: id=%q matched=%d stale=%d", id, matched, stale)
	}
}

// WHAT: A failing insert is logged, not returned.
// WHY: Operational logging must never block alert delivery.
func TestRecorder_WriteFailureIsLogged(t *testing.T) {
	db := setupObsDB(t)
	var buf bytes.Buffer
	rec := NewRecorder(db, WithRecorderLogger(NewLogger(&buf, slog.LevelDebug)))
	db.Exec("DROP TABLE notification_log")

	rec.Notification(context.Background(), NotificationRecord{Hex: "ABCDEF", Channel: "x", Status: StatusSent})
	if !strings.Contains(buf.String(), "notification log failed") {
		t.Fatalf("expected logged failure, got %q", buf.String())
	}
}

func TestCleanup_Retention(t *testing.T) {
	db := setupObsDB(t)
	rec := NewRecorder(db)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	rec.Notification(ctx, NotificationRecord{Hex: "AAAAAA", Channel: "c", Status: StatusSent, At: now.AddDate(0, 0, -40)})
	rec.Notification(ctx, NotificationRecord{Hex: "BBBBBB", Channel: "c", Status: StatusSent, At: now.AddDate(0, 0, -1)})
	rec.Cycle(ctx, CycleRecord{StartedAt: now.AddDate(0, 0, -31)})
	rec.Cycle(ctx, CycleRecord{StartedAt: now})

	n, err := Cleanup(ctx, db, RetentionConfig{NotificationLogDays: 30, CycleLogDays: 30}, now)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted: got %d, want 2", n)
	}
	if c := countRows(t, db, "notification_log"); c != 1 {
		t.Fatalf("notification_log rows: got %d, want 1", c)
	}
	if c := countRows(t, db, "cycle_log"); c != 1 {
		t.Fatalf("cycle_log rows: got %d, want 1", c)
	}
}

func TestCleanup_ZeroDaysKeepsEverything(t *testing.T) {
	db := setupObsDB(t)
	rec := NewRecorder(db)
	now := time.Now()
	rec.Cycle(context.Background(), CycleRecord{StartedAt: now.AddDate(-1, 0, 0)})

	n, err := Cleanup(context.Background(), db, RetentionConfig{}, now)
	if err != nil || n != 0 {
		t.Fatalf("Cleanup: n=%d err=%v", n, err)
	}
	if c := countRows(t, db, "cycle_log"); c != 1 {
		t.Fatalf("cycle_log rows: got %d, want 1", c)
	}
}

func TestHeartbeat_WriteAndLatest(t *testing.T) {
	db := setupObsDB(t)
	ctx := context.Background()

	hs, err := LatestHeartbeat(ctx, db, "adsbalert", time.Minute, time.Now())
	if err != nil || hs != nil {
		t.Fatalf("no heartbeat yet: got %+v, %v", hs, err)
	}

	hw := NewHeartbeatWriter(db, "adsbalert", time.Hour, nil)
	if err := hw.Write(ctx); err != nil {
		t.Fatalf("Write: %v", err)
	}
	hs, err = LatestHeartbeat(ctx, db, "adsbalert", time.Minute, time.Now())
	if err != nil || hs == nil {
		t.Fatalf("LatestHeartbeat: %+v, %v", hs, err)
	}
	if !hs.Alive || hs.Goroutines == 0 {
		t.Fatalf("status: %+v", hs)
	}

	later, _ := LatestHeartbeat(ctx, db, "adsbalert", time.Minute, time.Now().Add(5*time.Minute))
	if later.Alive {
		t.Fatal("heartbeat should be stale five minutes later")
	}
}

func TestHeartbeat_RunStopsOnCancel(t *testing.T) {
	db := setupObsDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	hw := NewHeartbeatWriter(db, "adsbalert", time.Hour, nil)
	go hw.Run(ctx)

	deadline := time.After(2 * time.Second)
	for countRows(t, db, "worker_heartbeats") == 0 {
		select {
		case <-deadline:
			t.Fatal("no immediate heartbeat")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-hw.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
