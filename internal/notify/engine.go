// Package notify decides, per observed aircraft, whether an alert is due and
// gathers the enrichment the alert carries.
package notify

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/hazyhaar/adsbalert/internal/geo"
	"github.com/hazyhaar/adsbalert/internal/snapshot"
	"github.com/hazyhaar/adsbalert/internal/tracker"
	"github.com/hazyhaar/adsbalert/internal/watchlist"
)

// Defaults.
const (
	DefaultCooldown = 15 * time.Minute
	DefaultMaxSeen  = 60 * time.Second
)

// Speed is a converted ground speed.
type Speed struct {
	Value float64
	Unit  geo.SpeedUnit
}

// Decision is the outcome for one matched, live aircraft.
type Decision struct {
	Hex        string
	Entry      watchlist.Entry
	Aircraft   snapshot.Aircraft
	State      tracker.State
	ShouldSend bool
	At         time.Time

	// Enrichment, filled only when ShouldSend.
	DistanceKm *float64
	BearingDeg *float64
	Speed      *Speed
	Altitude   *geo.Height
	Photo      string
}

// PhotoPicker chooses one photo URL, or "" for none.
type PhotoPicker func(photos []string) string

// RandomPhoto picks uniformly at random.
func RandomPhoto(photos []string) string {
	if len(photos) == 0 {
		return ""
	}
	return photos[rand.IntN(len(photos))]
}

// FirstPhoto picks the first photo. Deterministic, for tests.
func FirstPhoto(photos []string) string {
	if len(photos) == 0 {
		return ""
	}
	return photos[0]
}

// ShouldSend reports whether the cooldown since last has elapsed. A hex
// never notified is always due.
func ShouldSend(last *time.Time, now time.Time, cooldown time.Duration) bool {
	return last == nil || now.Sub(*last) >= cooldown
}

// Summary counts one Evaluate pass.
type Summary struct {
	Observed   int
	Matched    int
	NotLive    int
	Due        int
	Suppressed int
}

// Engine evaluates snapshots against the watchlist and the tracker.
type Engine struct {
	tracker   *tracker.Tracker
	cooldown  time.Duration
	maxSeen   time.Duration
	station   *geo.Point
	speedUnit geo.SpeedUnit
	pick      PhotoPicker
}

// Option configures an Engine.
type Option func(*Engine)

// WithCooldown sets the renotification interval.
func WithCooldown(d time.Duration) Option { return func(e *Engine) { e.cooldown = d } }

// WithMaxSeen sets the live filter: aircraft silent for longer are ignored.
func WithMaxSeen(d time.Duration) Option { return func(e *Engine) { e.maxSeen = d } }

// WithStation sets the receiver position used for distance and bearing.
func WithStation(p *geo.Point) Option { return func(e *Engine) { e.station = p } }

// WithSpeedUnit sets the display unit for ground speed.
func WithSpeedUnit(u geo.SpeedUnit) Option { return func(e *Engine) { e.speedUnit = u } }

// WithPhotoPicker replaces RandomPhoto.
func WithPhotoPicker(p PhotoPicker) Option { return func(e *Engine) { e.pick = p } }

// NewEngine creates an Engine.
func NewEngine(tr *tracker.Tracker, opts ...Option) *Engine {
	e := &Engine{
		tracker:   tr,
		cooldown:  DefaultCooldown,
		maxSeen:   DefaultMaxSeen,
		speedUnit: geo.Kmh,
		pick:      RandomPhoto,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Cooldown returns the renotification interval.
func (e *Engine) Cooldown() time.Duration { return e.cooldown }

// Evaluate runs every aircraft in snap through Decide. Aircraft missing
// from idx produce no decision. The first error (always a persistence
// error from the tracker) stops the pass.
func (e *Engine) Evaluate(ctx context.Context, idx *watchlist.Index, snap snapshot.Snapshot, now time.Time) ([]Decision, Summary, error) {
	var sum Summary
	var decisions []Decision
	seen := make(map[string]bool, len(snap.Aircraft))
	for _, a := range snap.Aircraft {
		if seen[a.Hex] {
			continue
		}
		seen[a.Hex] = true
		sum.Observed++

		entry, ok := idx.Lookup(a.Hex)
		if !ok {
			continue
		}
		sum.Matched++
		if !a.Live(e.maxSeen) {
			sum.NotLive++
			continue
		}

		d, err := e.Decide(ctx, entry, a, now)
		if err != nil {
			return decisions, sum, err
		}
		if d.ShouldSend {
			sum.Due++
		} else {
			sum.Suppressed++
		}
		decisions = append(decisions, d)
	}
	return decisions, sum, nil
}

// Decide records the observation and returns the decision for one matched
// aircraft.
func (e *Engine) Decide(ctx context.Context, entry watchlist.Entry, a snapshot.Aircraft, now time.Time) (Decision, error) {
	st, err := e.tracker.Observe(ctx, a.Hex, now)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{
		Hex:        a.Hex,
		Entry:      entry,
		Aircraft:   a,
		State:      st,
		At:         now,
		ShouldSend: ShouldSend(st.LastNotifiedAt, now, e.cooldown),
	}
	if !d.ShouldSend {
		return d, nil
	}

	d.DistanceKm = geo.DistanceKm(e.station, a.Lat, a.Lon)
	d.BearingDeg = geo.BearingDeg(e.station, a.Lat, a.Lon)
	if d.DistanceKm == nil && e.station == nil {
		// No station configured: readsb's own range, if it has one.
		d.DistanceKm, d.BearingDeg = a.RangeKm, a.BearingDeg
	}
	if v, u, ok := geo.Speed(a.GroundSpeed, e.speedUnit); ok {
		d.Speed = &Speed{Value: v, Unit: u}
	}
	if h, ok := geo.Altitude(a.Altitude.Feet, a.Altitude.Ground); ok {
		d.Altitude = &h
	}
	d.Photo = e.pick(entry.Photos)
	return d, nil
}

// FormatDuration renders d as "1h05m", "5m03s" or "42s". Negative
// durations render as "0s".
func FormatDuration(d time.Duration) string {
	sec := int64(d / time.Second)
	if sec < 0 {
		sec = 0
	}
	m, s := sec/60, sec%60
	h, m := m/60, m%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%02dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
