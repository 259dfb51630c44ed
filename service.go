// Package adsbalert watches a readsb aircraft feed for aircraft on curated
// watchlists and sends deduplicated alerts to messaging channels.
//
// One cycle reads the feed, matches it against the watchlist index, updates
// the visibility state of every matched aircraft, decides which alerts are
// due and delivers them:
//
//	feed → watchlist → tracker (SQLite) → decision → delivery → tracker
//
// Usage:
//
//	cfg, err := adsbalert.LoadConfigFile("adsbalert.yaml")
//	svc, err := adsbalert.New(cfg, adsbalert.Deps{Logger: logger})
//	defer svc.Close()
//	err = svc.Run(ctx)
package adsbalert

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/adsbalert/channels"
	"github.com/hazyhaar/adsbalert/connectivity"
	"github.com/hazyhaar/adsbalert/internal/alerterr"
	"github.com/hazyhaar/adsbalert/internal/deliver"
	"github.com/hazyhaar/adsbalert/internal/geo"
	"github.com/hazyhaar/adsbalert/internal/notify"
	"github.com/hazyhaar/adsbalert/internal/snapshot"
	"github.com/hazyhaar/adsbalert/internal/store"
	"github.com/hazyhaar/adsbalert/internal/tracker"
	"github.com/hazyhaar/adsbalert/internal/watchlist"
	"github.com/hazyhaar/adsbalert/observability"
)

// WorkerName identifies the process in worker_heartbeats.
const WorkerName = "adsbalert"

// Deps overrides the collaborators New would otherwise build from Config.
// Every field is optional.
type Deps struct {
	Logger      *slog.Logger
	Clock       func() time.Time
	DB          *sql.DB              // state database; opened from DBPath when nil
	Feed        snapshot.Source      // built from FeedPath / FeedURL when nil
	Sender      deliver.Sender       // a channels.Dispatcher from Channels when nil
	HTTPClient  *http.Client         // watchlist downloads and the HTTP feed
	PhotoPicker notify.PhotoPicker   // notify.RandomPhoto when nil
	Limiter     *rate.Limiter        // from Delivery when nil
	Policy      *connectivity.Policy // from Delivery when nil
}

// CycleReport counts one cycle.
type CycleReport struct {
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration_ns"`
	Observed       int           `json:"observed"`
	Matched        int           `json:"matched"`
	NotLive        int           `json:"not_live"`
	Due            int           `json:"due"`
	Sent           int           `json:"sent"`
	Failed         int           `json:"failed"`
	Suppressed     int           `json:"suppressed"`
	WatchlistSize  int           `json:"watchlist_size"`
	WatchlistStale bool          `json:"watchlist_stale"`
	Error          string        `json:"error,omitempty"`
}

// Service runs cycles. RunCycle and Run are safe to call concurrently; cycles
// never overlap.
type Service struct {
	cfg      *Config
	logger   *slog.Logger
	now      func() time.Time
	db       *sql.DB
	ownsDB   bool
	store    tracker.Store
	tracker  *tracker.Tracker
	registry *watchlist.Registry
	feed     snapshot.Source
	engine   *notify.Engine
	deliver  *deliver.Adapter
	dispatch *channels.Dispatcher // nil when Deps.Sender was given
	recorder *observability.Recorder
	station  *geo.Point

	mu          sync.Mutex // one cycle at a time
	lastCleanup time.Time

	reportMu sync.RWMutex
	last     *CycleReport
}

// New wires a Service from cfg. cfg gets its defaults filled in and is
// validated.
func New(cfg *Config, deps Deps) (*Service, error) {
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	loc, _ := cfg.location()
	unit, _ := geo.ParseSpeedUnit(cfg.Notify.SpeedUnit)

	s := &Service{cfg: cfg, logger: logger, now: now, db: deps.DB}
	if s.db == nil {
		st, db, err := store.Open(cfg.DBPath)
		if err != nil {
			return nil, &alerterr.PersistenceError{Stage: "open", Cause: err}
		}
		s.db, s.ownsDB, s.store = db, true, st
	} else {
		if _, err := s.db.Exec(store.Schema); err != nil {
			return nil, &alerterr.PersistenceError{Stage: "open", Cause: err}
		}
		s.store = store.New(s.db)
	}
	if err := observability.Init(s.db); err != nil {
		s.Close()
		return nil, fmt.Errorf("adsbalert: observability schema: %w", err)
	}
	s.recorder = observability.NewRecorder(s.db, observability.WithRecorderLogger(logger))
	s.tracker = tracker.New(s.store, tracker.WithGap(cfg.Notify.Gap), tracker.WithLocation(loc))

	client := deps.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	s.registry = watchlist.NewRegistry(cfg.Watchlist.Sources, &watchlist.Fetcher{
		CacheDir:  cfg.Watchlist.CacheDir,
		TTL:       cfg.Watchlist.TTL,
		Timeout:   cfg.Watchlist.Timeout,
		UserAgent: "adsbalert/1.0",
		Client:    client,
		Now:       now,
	}, logger)

	s.feed = deps.Feed
	if s.feed == nil {
		if cfg.FeedURL != "" {
			s.feed = snapshot.HTTPSource{URL: cfg.FeedURL, Client: client, Timeout: cfg.FeedTimeout}
		} else {
			s.feed = snapshot.FileSource{Path: cfg.FeedPath}
		}
	}

	if st, ok := snapshot.ReadStation(cfg.ReceiverPath); ok {
		s.station = &geo.Point{Lat: st.Lat, Lon: st.Lon}
	} else if cfg.Station != nil {
		s.station = &geo.Point{Lat: cfg.Station.Lat, Lon: cfg.Station.Lon}
	}

	engineOpts := []notify.Option{
		notify.WithCooldown(cfg.Notify.Cooldown),
		notify.WithMaxSeen(cfg.Notify.MaxSeen),
		notify.WithStation(s.station),
		notify.WithSpeedUnit(unit),
	}
	if deps.PhotoPicker != nil {
		engineOpts = append(engineOpts, notify.WithPhotoPicker(deps.PhotoPicker))
	}
	s.engine = notify.NewEngine(s.tracker, engineOpts...)

	sender := deps.Sender
	if sender == nil {
		specs, err := cfg.channelSpecs()
		if err != nil {
			s.Close()
			return nil, err
		}
		d := channels.NewDispatcher(channels.WithLogger(logger))
		d.RegisterPlatform("telegram", channels.TelegramFactory())
		d.RegisterPlatform("webhook", channels.WebhookFactory())
		d.RegisterPlatform("discord", channels.DiscordFactory())
		d.Reconcile(specs)
		s.dispatch, sender = d, d
	}

	policy := connectivity.Policy{
		MaxRetries: cfg.Delivery.MaxRetries,
		Backoff:    cfg.Delivery.Backoff,
		Timeout:    cfg.Delivery.Timeout,
	}
	if deps.Policy != nil {
		policy = *deps.Policy
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Limit(cfg.Delivery.RatePerSecond), cfg.Delivery.Burst)
	}
	s.deliver = deliver.New(sender, s.tracker, cfg.targets(),
		deliver.WithCaptioner(&deliver.Captioner{
			Title:             cfg.Caption.Title,
			Footer:            cfg.Caption.Footer,
			Tar1090Base:       cfg.Caption.Tar1090Base,
			AirplanesLiveBase: cfg.Caption.AirplanesLiveBase,
			Location:          loc,
		}),
		deliver.WithRecorder(s.recorder),
		deliver.WithPolicy(policy),
		deliver.WithLimiter(limiter),
		deliver.WithBreaker(
			connectivity.WithBreakerThreshold(cfg.Delivery.BreakerThreshold),
			connectivity.WithBreakerResetTimeout(cfg.Delivery.BreakerReset),
			connectivity.WithBreakerClock(now),
		),
		deliver.WithLogger(logger),
		deliver.WithClock(now),
	)
	return s, nil
}

// targets flattens the enabled channels into delivery targets.
func (c *Config) targets() []deliver.Target {
	var out []deliver.Target
	for _, ch := range c.Channels {
		if ch.Disabled {
			continue
		}
		if len(ch.Recipients) == 0 {
			out = append(out, deliver.Target{Channel: ch.Name})
			continue
		}
		for _, r := range ch.Recipients {
			out = append(out, deliver.Target{Channel: ch.Name, Recipient: r})
		}
	}
	return out
}

// DB returns the state database (heartbeats, admin).
func (s *Service) DB() *sql.DB { return s.db }

// Station returns the receiver position in use, or nil.
func (s *Service) Station() *geo.Point { return s.station }

// LastReport returns the report of the last completed cycle.
func (s *Service) LastReport() (CycleReport, bool) {
	s.reportMu.RLock()
	defer s.reportMu.RUnlock()
	if s.last == nil {
		return CycleReport{}, false
	}
	return *s.last, true
}

// RunCycle runs one poll cycle.
//
// A watchlist refresh failure is logged and the previous index is used. A
// *FeedReadError or *PersistenceError aborts the cycle and is returned. A
// *DeliveryError is logged per aircraft and the cycle continues.
func (s *Service) RunCycle(ctx context.Context) (CycleReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.now()
	rep := CycleReport{StartedAt: start}
	err := s.runCycle(ctx, start, &rep)
	rep.Duration = s.now().Sub(start)
	if err != nil {
		rep.Error = err.Error()
	}

	s.reportMu.Lock()
	s.last = &rep
	s.reportMu.Unlock()

	s.recorder.Cycle(ctx, observability.CycleRecord{
		StartedAt:      start,
		Duration:       rep.Duration,
		Observed:       rep.Observed,
		Matched:        rep.Matched,
		Due:            rep.Due,
		Sent:           rep.Sent,
		Failed:         rep.Failed,
		Suppressed:     rep.Suppressed,
		WatchlistStale: rep.WatchlistStale,
		Error:          rep.Error,
	})
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelError
	} else if rep.Due == 0 {
		level = slog.LevelDebug
	}
	s.logger.Log(ctx, level, "adsbalert: cycle",
		"observed", rep.Observed, "matched", rep.Matched, "due", rep.Due,
		"sent", rep.Sent, "failed", rep.Failed, "suppressed", rep.Suppressed,
		"stale", rep.WatchlistStale, "duration_ms", rep.Duration.Milliseconds(), "error", rep.Error)
	return rep, err
}

func (s *Service) runCycle(ctx context.Context, now time.Time, rep *CycleReport) error {
	if s.registry.Due(now) {
		if err := s.registry.Refresh(ctx); err != nil {
			s.logger.WarnContext(ctx, "adsbalert: watchlist refresh failed, keeping previous index", "error", err)
		}
	}
	idx := s.registry.Current()
	rep.WatchlistSize = idx.Len()
	rep.WatchlistStale = s.registry.Stale()

	snap, err := s.feed.Read(ctx)
	if err != nil {
		return err
	}

	decisions, sum, err := s.engine.Evaluate(ctx, idx, snap, now)
	rep.Observed, rep.Matched, rep.NotLive = sum.Observed, sum.Matched, sum.NotLive
	rep.Due, rep.Suppressed = sum.Due, sum.Suppressed
	if err != nil {
		return err
	}

	for _, d := range decisions {
		if !d.ShouldSend {
			continue
		}
		_, err := s.deliver.Deliver(ctx, d)
		var de *alerterr.DeliveryError
		switch {
		case err == nil:
			rep.Sent++
		case errors.As(err, &de):
			rep.Failed++
			s.logger.WarnContext(ctx, "adsbalert: delivery incomplete, will retry",
				"hex", d.Hex, "failed", de.Recipients(), "error", err)
		default:
			return err
		}
	}
	return nil
}

// Run runs a cycle immediately and then every PollInterval until ctx is
// done. Cycle errors are logged; the loop only stops on ctx. Log retention
// and track pruning run once a day.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	s.logger.Info("adsbalert: running",
		"interval", s.cfg.PollInterval.String(), "db", s.cfg.DBPath, "station", s.station != nil)
	for {
		s.RunCycle(ctx)
		s.maintain(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("adsbalert: stopping")
			return nil
		case <-ticker.C:
		}
	}
}

type pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// maintain applies retention when a day has passed since the last run.
func (s *Service) maintain(ctx context.Context) {
	now := s.now()
	if !s.lastCleanup.IsZero() && now.Sub(s.lastCleanup) < 24*time.Hour {
		return
	}
	s.lastCleanup = now

	days := s.cfg.Retention.Days
	n, err := observability.Cleanup(ctx, s.db, observability.RetentionConfig{
		NotificationLogDays: days,
		CycleLogDays:        days,
		HeartbeatsDays:      days,
	}, now)
	if err != nil {
		s.logger.Error("adsbalert: log retention failed", "error", err)
	}
	var pruned int64
	if p, ok := s.store.(pruner); ok {
		pruned, err = p.Prune(ctx, now.AddDate(0, 0, -s.cfg.Retention.TracksDays))
		if err != nil {
			s.logger.Error("adsbalert: track pruning failed", "error", err)
		}
	}
	s.logger.Info("adsbalert: retention", "log_rows", n, "tracks", pruned)
}

// Close closes the channels and, when New opened it, the database.
func (s *Service) Close() error {
	var errs []error
	if s.dispatch != nil {
		errs = append(errs, s.dispatch.Close())
	}
	if s.ownsDB && s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}
