package deliver

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/adsbalert/channels"
	"github.com/hazyhaar/adsbalert/connectivity"
	"github.com/hazyhaar/adsbalert/dbopen"
	"github.com/hazyhaar/adsbalert/internal/alerterr"
	"github.com/hazyhaar/adsbalert/internal/geo"
	"github.com/hazyhaar/adsbalert/internal/notify"
	"github.com/hazyhaar/adsbalert/internal/snapshot"
	"github.com/hazyhaar/adsbalert/internal/tracker"
	"github.com/hazyhaar/adsbalert/internal/watchlist"
	"github.com/hazyhaar/adsbalert/observability"

	_ "modernc.org/sqlite"
)

var t0 = time.Date(2026, 4, 10, 10, 0, 0, 0, time.UTC)

// fakeSender records messages and fails according to fail.
type fakeSender struct {
	mu   sync.Mutex
	sent []channels.Message
	fail func(msg channels.Message, call int) error
}

func (f *fakeSender) Send(_ context.Context, msg channels.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if f.fail != nil {
		return f.fail(msg, len(f.sent))
	}
	return nil
}

func (f *fakeSender) count(pred func(channels.Message) bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if pred(m) {
			n++
		}
	}
	return n
}

func toRecipient(r string) func(channels.Message) bool {
	return func(m channels.Message) bool { return m.RecipientID == r }
}

var targets = []Target{
	{Channel: "telegram", Recipient: "-1001"},
	{Channel: "telegram", Recipient: "-1002"},
}

func fastPolicy() Option {
	return WithPolicy(connectivity.Policy{MaxRetries: 1, Backoff: time.Millisecond})
}

func dueDecision(t *testing.T, tr *tracker.Tracker) notify.Decision {
	t.Helper()
	st, err := tr.Observe(context.Background(), "39C4AF", t0)
	if err != nil {
		t.Fatal(err)
	}
	dist := 44.8
	return notify.Decision{
		Hex:        "39C4AF",
		Entry:      watchlist.Entry{Hex: "39C4AF", Registration: "F-RAFD", List: "military"},
		Aircraft:   snapshot.Aircraft{Hex: "39C4AF"},
		State:      st,
		ShouldSend: true,
		At:         t0,
		DistanceKm: &dist,
		Photo:      "https://cdn.example.org/39c4af-1.jpg",
	}
}

func newTracker() (*tracker.Tracker, *tracker.MemoryStore) {
	store := tracker.NewMemoryStore()
	return tracker.New(store, tracker.WithLocation(time.UTC)), store
}

// WHAT: Every target gets the photo with the caption and the round closes.
// WHY: Closing the round starts the cooldown.
func TestDeliver_AllTargets(t *testing.T) {
	tr, store := newTracker()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(observability.Schema))
	rec := observability.NewRecorder(db)
	sender := &fakeSender{}
	a := New(sender, tr, targets, fastPolicy(), WithLimiter(nil), WithRecorder(rec))

	out, err := a.Deliver(context.Background(), dueDecision(t, tr))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if !out.Closed || len(out.Sent) != 2 || len(out.Failed) != 0 {
		t.Fatalf("outcome: %+v", out)
	}
	if got := sender.count(func(m channels.Message) bool { return m.Photo() != "" }); got != 2 {
		t.Fatalf("photo sends: got %d, want 2", got)
	}
	if !strings.Contains(sender.sent[0].Text, "<b>F-RAFD</b>") {
		t.Fatalf("caption: %q", sender.sent[0].Text)
	}

	st, _, _ := store.Get(context.Background(), "39C4AF")
	if st.LastNotifiedAt == nil || !st.LastNotifiedAt.Equal(t0) || len(st.Delivered) != 0 {
		t.Fatalf("state after delivery: %+v", st)
	}

	rows, err := rec.RecentNotifications(context.Background(), 10)
	if err != nil || len(rows) != 2 {
		t.Fatalf("notification log: %d rows, %v", len(rows), err)
	}
	for _, r := range rows {
		if r.Status != observability.StatusSent || r.List != "military" || r.Channel != "telegram" {
			t.Fatalf("row: %+v", r)
		}
	}
}

// WHAT: A failed photo send falls back to text; the target counts as served.
// WHY: Dead photo links are common in community watchlists.
func TestDeliver_PhotoFallback(t *testing.T) {
	tr, store := newTracker()
	sender := &fakeSender{fail: func(m channels.Message, _ int) error {
		if m.Photo() != "" {
			return connectivity.Permanent(errors.New("wrong file identifier/HTTP URL specified"))
		}
		return nil
	}}
	a := New(sender, tr, targets[:1], fastPolicy(), WithLimiter(nil))

	out, err := a.Deliver(context.Background(), dueDecision(t, tr))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(out.PhotoFallback) != 1 || !out.Closed {
		t.Fatalf("outcome: %+v", out)
	}
	// Permanent photo error: one photo attempt, one text attempt.
	if len(sender.sent) != 2 || sender.sent[1].Photo() != "" {
		t.Fatalf("sends: %+v", sender.sent)
	}
	st, _, _ := store.Get(context.Background(), "39C4AF")
	if st.LastNotifiedAt == nil {
		t.Fatal("photo fallback should still close the round")
	}
}

// WHAT: With one target failing, the other is recorded as served and the
// next attempt only goes to the failed one.
// WHY: Recipients are independently retryable and must not get duplicates.
func TestDeliver_PartialFailureRetriesOnlyFailed(t *testing.T) {
	tr, store := newTracker()
	ctx := context.Background()
	down := true
	sender := &fakeSender{fail: func(m channels.Message, _ int) error {
		if m.RecipientID == "-1002" && down {
			return errors.New("http 502")
		}
		return nil
	}}
	a := New(sender, tr, targets, fastPolicy(), WithLimiter(nil),
		WithBreaker(connectivity.WithBreakerThreshold(100)))

	d := dueDecision(t, tr)
	out, err := a.Deliver(ctx, d)
	var de *alerterr.DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if got := de.Recipients(); len(got) != 1 || got[0] != "telegram:-1002" {
		t.Fatalf("failed recipients: %v", got)
	}
	if out.Closed || len(out.Sent) != 1 {
		t.Fatalf("outcome: %+v", out)
	}
	st, _, _ := store.Get(ctx, "39C4AF")
	if st.LastNotifiedAt != nil || !st.WasDelivered("telegram:-1001") {
		t.Fatalf("state after partial failure: %+v", st)
	}
	// Photo and text each tried twice (one retry) for the failing target.
	if got := sender.count(toRecipient("-1002")); got != 4 {
		t.Fatalf("attempts to failing target: got %d, want 4", got)
	}

	down = false
	d.State = st
	out, err = a.Deliver(ctx, d)
	if err != nil {
		t.Fatalf("retry Deliver: %v", err)
	}
	if len(out.Skipped) != 1 || out.Skipped[0] != "telegram:-1001" || !out.Closed {
		t.Fatalf("retry outcome: %+v", out)
	}
	if got := sender.count(toRecipient("-1001")); got != 1 {
		t.Fatalf("served target resent: got %d sends, want 1", got)
	}
}

// WHAT: When the photo goes out but the full caption after it fails once,
// the retry carries the text alone.
// WHY: Resending the whole message would post the same photo twice for one
// alert.
func TestDeliver_PhotoSentTextRetriedAlone(t *testing.T) {
	tr, store := newTracker()
	sender := &fakeSender{fail: func(m channels.Message, call int) error {
		if call == 1 {
			return &channels.ErrPhotoSent{Cause: errors.New("sendMessage: http 502")}
		}
		return nil
	}}
	a := New(sender, tr, targets[:1],
		WithPolicy(connectivity.Policy{MaxRetries: 2, Backoff: time.Millisecond}), WithLimiter(nil))

	out, err := a.Deliver(context.Background(), dueDecision(t, tr))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	photos := sender.count(func(m channels.Message) bool { return m.Photo() != "" })
	texts := sender.count(func(m channels.Message) bool { return m.Photo() == "" })
	if photos != 1 || texts != 1 {
		t.Fatalf("sends: got %d photos and %d texts, want 1 and 1", photos, texts)
	}
	if !out.Closed || len(out.PhotoFallback) != 0 {
		t.Fatalf("outcome: %+v", out)
	}
	st, _, _ := store.Get(context.Background(), "39C4AF")
	if st.LastNotifiedAt == nil {
		t.Fatal("round should close")
	}
}

// WHAT: A full caption that keeps failing after the photo went out still
// serves the target, and the photo is never resent.
// WHY: The photo carries the shortened caption; failing the target would
// repost the photo every cycle.
func TestDeliver_PhotoSentTextKeepsFailing(t *testing.T) {
	tr, _ := newTracker()
	sender := &fakeSender{fail: func(m channels.Message, _ int) error {
		if m.Photo() != "" {
			return &channels.ErrPhotoSent{Cause: errors.New("sendMessage: http 502")}
		}
		return errors.New("sendMessage: http 502")
	}}
	a := New(sender, tr, targets[:1], fastPolicy(), WithLimiter(nil),
		WithBreaker(connectivity.WithBreakerThreshold(100)))

	out, err := a.Deliver(context.Background(), dueDecision(t, tr))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if !out.Closed || len(out.Sent) != 1 {
		t.Fatalf("outcome: %+v", out)
	}
	if photos := sender.count(func(m channels.Message) bool { return m.Photo() != "" }); photos != 1 {
		t.Fatalf("photos: got %d, want 1", photos)
	}
}

func TestDeliver_TransientErrorRetried(t *testing.T) {
	tr, _ := newTracker()
	sender := &fakeSender{fail: func(_ channels.Message, call int) error {
		if call == 1 {
			return errors.New("connection reset")
		}
		return nil
	}}
	a := New(sender, tr, targets[:1], fastPolicy(), WithLimiter(nil))
	out, err := a.Deliver(context.Background(), dueDecision(t, tr))
	if err != nil || len(out.PhotoFallback) != 0 {
		t.Fatalf("Deliver: %+v %v", out, err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("sends: got %d, want 2", len(sender.sent))
	}
}

// WHAT: Repeated failures open the channel breaker and later sends are
// rejected without reaching the transport.
// WHY: A dead endpoint must not stall every cycle on timeouts.
func TestDeliver_BreakerOpens(t *testing.T) {
	tr, _ := newTracker()
	sender := &fakeSender{fail: func(channels.Message, int) error { return errors.New("http 503") }}
	a := New(sender, tr, targets, WithPolicy(connectivity.Policy{}), WithLimiter(nil),
		WithBreaker(connectivity.WithBreakerThreshold(1), connectivity.WithBreakerResetTimeout(time.Hour)))

	_, err := a.Deliver(context.Background(), dueDecision(t, tr))
	var de *alerterr.DeliveryError
	if !errors.As(err, &de) || len(de.Failed) != 2 {
		t.Fatalf("expected both targets failed, got %v", err)
	}
	var open *connectivity.ErrCircuitOpen
	if !errors.As(err, &open) {
		t.Fatalf("expected an open circuit among causes, got %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("transport calls: got %d, want 1", len(sender.sent))
	}
	if a.BreakerState("telegram") != connectivity.BreakerOpen {
		t.Fatalf("breaker: %v", a.BreakerState("telegram"))
	}
}

func TestDeliver_NotDueIsNoop(t *testing.T) {
	tr, _ := newTracker()
	sender := &fakeSender{}
	a := New(sender, tr, targets, WithLimiter(nil))
	d := dueDecision(t, tr)
	d.ShouldSend = false
	out, err := a.Deliver(context.Background(), d)
	if err != nil || len(sender.sent) != 0 || out.Closed {
		t.Fatalf("not due: %+v %v", out, err)
	}
}

type brokenStore struct{ tracker.Store }

func (brokenStore) Put(context.Context, tracker.State) error { return errors.New("disk full") }

func TestDeliver_PersistenceFailure(t *testing.T) {
	tr, store := newTracker()
	d := dueDecision(t, tr)
	a := New(&fakeSender{}, tracker.New(brokenStore{store}), targets[:1], WithLimiter(nil))
	_, err := a.Deliver(context.Background(), d)
	if !alerterr.IsPersistence(err) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
}

func TestDeliver_LimiterPaces(t *testing.T) {
	tr, _ := newTracker()
	sender := &fakeSender{}
	lim := rate.NewLimiter(rate.Every(40*time.Millisecond), 1)
	three := append(targets, Target{Channel: "ops"})
	a := New(sender, tr, three, WithLimiter(lim))
	d := dueDecision(t, tr)
	d.Photo = ""

	start := time.Now()
	if _, err := a.Deliver(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 70*time.Millisecond {
		t.Fatalf("three sends took %v, want at least 70ms of pacing", elapsed)
	}
}

func TestTargetKey(t *testing.T) {
	if k := (Target{Channel: "telegram", Recipient: "-1001"}).Key(); k != "telegram:-1001" {
		t.Fatalf("key: %q", k)
	}
	if k := (Target{Channel: "ops"}).Key(); k != "ops" {
		t.Fatalf("key: %q", k)
	}
}

// WHAT: List and feed text is stripped of markup and escaped; the caption
// carries the live figures and the tracking links.
// WHY: Telegram rejects the whole message on malformed HTML.
func TestCaptioner_Render(t *testing.T) {
	c := NewCaptioner()
	c.Tar1090Base = "https://adsb.example.org/tar1090/"
	c.AirplanesLiveBase = "https://globe.airplanes.live"
	c.Location = time.FixedZone("CEST", 2*3600)

	dist, brg := 44.8, 42.0
	seen := 1.0
	d := notify.Decision{
		Hex: "39C4AF",
		Entry: watchlist.Entry{
			Hex: "39C4AF", Registration: "F-RAFD", TypeCode: "R<b>FL",
			Operator: "Armée de l'Air & <script>x</script>Espace", DisplayName: "Dassault Rafale",
			Tags: []string{"Fighter", "", "Cocarde"}, Link: "https://example.org/rafale?a=1&b=2",
			List: "military",
		},
		Aircraft: snapshot.Aircraft{Hex: "39C4AF", Callsign: "RFR123", Seen: &seen, Source: snapshot.SourceMLAT},
		State: tracker.State{
			Hex: "39C4AF", FirstSeen: t0.Add(-5*time.Minute - 3*time.Second), LastSeen: t0,
			Cumulative: 5*time.Minute + 3*time.Second, Today: time.Hour,
		},
		ShouldSend: true,
		At:         t0,
		DistanceKm: &dist,
		BearingDeg: &brg,
		Speed:      &notify.Speed{Value: 463, Unit: geo.Kmh},
		Altitude:   &geo.Height{Metres: 9448.8, Feet: 31000},
	}
	got := c.Render(d)

	for _, want := range []string{
		"<b>ADSB Alert Bot</b> • <i>military</i>",
		"<b>F-RAFD</b> • <b>ICAO:</b> <code>39C4AF</code>",
		"<b>Flight:</b> <code>RFR123</code>",
		"&amp;",
		"<b>Aircraft:</b> Dassault Rafale",
		"<b>Alt:</b> <code>9449</code> m (<code>31000</code> ft)",
		"<b>Speed:</b> <code>463</code> km/h",
		"<b>Dist:</b> <code>44.8</code> km @ <code>42</code>° NE",
		"<b>Seen today:</b> <code>1h05m</code>",
		"<b>In view:</b> <code>5m03s</code>",
		"<b>Last msg:</b> <code>1s</code>",
		"<b>Source:</b> <code>MLAT</code>",
		"10-04-2026 12:00:00 (2026-04-10 10:00:00 UTC)",
		"#adsb #alert",
		"Fighter | Cocarde",
		`<a href="https://adsb.example.org/tar1090/?icao=39C4AF">Tar1090</a>`,
		`<a href="https://globe.airplanes.live/?icao=39C4AF">Airplanes.live</a>`,
		`<a href="https://example.org/rafale?a=1&amp;b=2">Info</a>`,
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("caption missing %q:\n%s", want, got)
		}
	}
	for _, bad := range []string{"<script>", "R<b>FL", "x</script>"} {
		if strings.Contains(got, bad) {
			t.Fatalf("caption contains %q:\n%s", bad, got)
		}
	}
}

func TestCaptioner_MinimalDecision(t *testing.T) {
	got := NewCaptioner().Render(notify.Decision{Hex: "abcdef", At: t0})
	if !strings.Contains(got, "<b>-</b> • <b>ICAO:</b> <code>ABCDEF</code>") {
		t.Fatalf("caption: %s", got)
	}
	for _, absent := range []string{"Dist:", "Speed:", "Alt:", "Info</a>", "Flight:"} {
		if strings.Contains(got, absent) {
			t.Fatalf("caption should omit %q:\n%s", absent, got)
		}
	}
	if !strings.Contains(got, "<b>Source:</b> <code>ADS-B</code>") {
		t.Fatalf("default source missing:\n%s", got)
	}
}
