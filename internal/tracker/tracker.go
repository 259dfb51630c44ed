// Package tracker keeps per-aircraft visibility sessions and notification
// bookkeeping, persisted through a Store before any decision uses them.
package tracker

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/hazyhaar/adsbalert/internal/alerterr"
)

// DefaultGap ends a session when an aircraft has not been observed for
// longer than this.
const DefaultGap = 5 * time.Minute

// State is the persisted record for one hex. A hex without a record is
// ABSENT; a record is ACTIVE until a gap longer than the threshold is seen
// on the next observation.
type State struct {
	Hex            string        `json:"hex"`
	FirstSeen      time.Time     `json:"first_seen"`
	LastSeen       time.Time     `json:"last_seen"`
	Cumulative     time.Duration `json:"cumulative"`
	LastNotifiedAt *time.Time    `json:"last_notified_at,omitempty"`
	// Day is the local calendar day (YYYY-MM-DD) Today refers to.
	Day string `json:"day"`
	// Today is the visible time on Day outside the open session. It goes
	// negative while a session begun before Day is open, so that TodayTotal
	// counts only the part after midnight.
	Today time.Duration `json:"today"`
	// Delivered lists recipients already served in the open notification
	// round. Cleared when the round completes.
	Delivered []string `json:"delivered,omitempty"`
}

// TodayTotal is the visible time on Day including the open session.
func (s State) TodayTotal() time.Duration { return s.Today + s.Cumulative }

// WasDelivered reports whether recipient was served in the open round.
func (s State) WasDelivered(recipient string) bool {
	return slices.Contains(s.Delivered, recipient)
}

// Store persists States. Get returns ok=false for an unknown hex.
type Store interface {
	Get(ctx context.Context, hex string) (State, bool, error)
	Put(ctx context.Context, st State) error
}

// Updater is implemented by stores that can read, change and write one
// State atomically. fn gets ok=false for an unknown hex and returns
// write=false to leave the record untouched.
type Updater interface {
	Update(ctx context.Context, hex string, fn func(st State, ok bool) (State, bool)) (State, error)
}

// Lister is implemented by stores that can enumerate every State.
type Lister interface {
	List(ctx context.Context) ([]State, error)
}

// Tracker applies the session state machine on top of a Store.
type Tracker struct {
	store Store
	gap   time.Duration
	loc   *time.Location
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithGap sets the session gap threshold. Non-positive values are ignored.
func WithGap(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.gap = d
		}
	}
}

// WithLocation sets the time zone that defines a calendar day.
func WithLocation(loc *time.Location) Option {
	return func(t *Tracker) {
		if loc != nil {
			t.loc = loc
		}
	}
}

// New creates a Tracker.
func New(store Store, opts ...Option) *Tracker {
	t := &Tracker{store: store, gap: DefaultGap, loc: time.Local}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Gap returns the session gap threshold.
func (t *Tracker) Gap() time.Duration { return t.gap }

func (t *Tracker) dayKey(at time.Time) string {
	return at.In(t.loc).Format(time.DateOnly)
}

// Observe records that hex was seen at now and returns the persisted State.
// The read and the write happen in one transaction when the store is an
// Updater.
func (t *Tracker) Observe(ctx context.Context, hex string, now time.Time) (State, error) {
	if u, ok := t.store.(Updater); ok {
		st, err := u.Update(ctx, hex, func(st State, ok bool) (State, bool) {
			return t.advance(hex, st, ok, now)
		})
		if err != nil {
			return State{}, persistence(hex, "update", err)
		}
		return st, nil
	}

	st, ok, err := t.store.Get(ctx, hex)
	if err != nil {
		return State{}, persistence(hex, "get", err)
	}
	st, write := t.advance(hex, st, ok, now)
	if !write {
		return st, nil
	}
	if err := t.store.Put(ctx, st); err != nil {
		return State{}, persistence(hex, "put", err)
	}
	return st, nil
}

// advance applies one observation at now to st.
func (t *Tracker) advance(hex string, st State, ok bool, now time.Time) (State, bool) {
	day := t.dayKey(now)

	switch {
	case !ok:
		return State{Hex: hex, FirstSeen: now, LastSeen: now, Day: day}, true

	case now.Before(st.LastSeen):
		// Out-of-order sample: nothing moves.
		return st, false

	case now.Sub(st.LastSeen) > t.gap:
		if st.Day == day {
			st.Today += st.Cumulative
		} else {
			st.Today = 0
		}
		st.Day = day
		st.FirstSeen = now
		st.LastSeen = now
		st.Cumulative = 0

	default:
		st.Cumulative += now.Sub(st.LastSeen)
		st.LastSeen = now
		if st.Day != day {
			// The open session crossed midnight: only the part since then
			// belongs to the new day.
			st.Day = day
			st.Today = -(st.Cumulative - min(now.Sub(t.midnight(now)), st.Cumulative))
		}
	}
	return st, true
}

func (t *Tracker) midnight(at time.Time) time.Time {
	y, m, d := at.In(t.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.loc)
}

// MarkDelivered adds recipients to the open round and persists it.
func (t *Tracker) MarkDelivered(ctx context.Context, st State, recipients []string) (State, error) {
	for _, r := range recipients {
		if !st.WasDelivered(r) {
			st.Delivered = append(st.Delivered, r)
		}
	}
	if err := t.store.Put(ctx, st); err != nil {
		return st, persistence(st.Hex, "put", err)
	}
	return st, nil
}

// MarkNotified closes the round: LastNotifiedAt = at, Delivered cleared.
func (t *Tracker) MarkNotified(ctx context.Context, st State, at time.Time) (State, error) {
	at = at.UTC()
	st.LastNotifiedAt = &at
	st.Delivered = nil
	if err := t.store.Put(ctx, st); err != nil {
		return st, persistence(st.Hex, "put", err)
	}
	return st, nil
}

// List returns every State when the store supports it.
func (t *Tracker) List(ctx context.Context) ([]State, error) {
	l, ok := t.store.(Lister)
	if !ok {
		return nil, errors.New("tracker: store cannot list")
	}
	states, err := l.List(ctx)
	if err != nil {
		return nil, persistence("", "list", err)
	}
	return states, nil
}

func persistence(hex, stage string, err error) error {
	var pe *alerterr.PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &alerterr.PersistenceError{Hex: hex, Stage: stage, Cause: err}
}
