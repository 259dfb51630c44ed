package watchlist

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/adsbalert/internal/alerterr"
)

// Registry holds the current Index and rebuilds it from its sources.
// Lookups never block on a refresh: the new Index is swapped in atomically,
// and only after every source loaded.
type Registry struct {
	sources []Source
	fetcher *Fetcher
	ttl     time.Duration
	logger  *slog.Logger

	current atomic.Pointer[Index]

	mu        sync.Mutex // serialises Refresh
	lastOK    time.Time
	lastErr   error
	lastStale bool
}

// NewRegistry creates a Registry with an empty Index. Call Refresh to load.
func NewRegistry(sources []Source, fetcher *Fetcher, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		sources: sources,
		fetcher: fetcher,
		ttl:     fetcher.TTL,
		logger:  logger,
	}
	r.current.Store(Build())
	return r
}

// Current returns the Index in use.
func (r *Registry) Current() *Index {
	return r.current.Load()
}

// Due reports whether the list TTL has elapsed since the last successful
// refresh. A registry that never loaded is always due.
func (r *Registry) Due(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastOK.IsZero() || now.Sub(r.lastOK) >= r.ttl
}

// Stale reports whether the Index in use came from a failed refresh
// (cache fallback) or the last refresh failed outright.
func (r *Registry) Stale() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastStale || r.lastErr != nil
}

// Refresh loads every source and swaps in the new Index. On any failure the
// old Index stays in place and a *alerterr.WatchlistFetchError is returned.
func (r *Registry) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lists := make([]List, 0, len(r.sources))
	stale := false
	for _, src := range r.sources {
		res, err := r.fetcher.Fetch(ctx, src)
		if err != nil {
			return r.fail(&alerterr.WatchlistFetchError{List: src.Name, Stage: "fetch", Cause: err})
		}
		if res.Stale {
			stale = true
			r.logger.Warn("watchlist: download failed, using cache",
				"list", src.Name, "path", res.Path, "error", res.Err)
		}
		l, err := loadFile(src.Name, res.Path)
		if err != nil {
			return r.fail(err)
		}
		if l.Skipped > 0 {
			r.logger.Debug("watchlist: skipped malformed rows", "list", src.Name, "skipped", l.Skipped)
		}
		lists = append(lists, l)
	}

	idx := Build(lists...)
	r.current.Store(idx)
	r.lastOK = r.fetcher.now()
	r.lastErr = nil
	r.lastStale = stale
	st := idx.Stats()
	r.logger.Info("watchlist: refreshed",
		"size", st.Size, "lists", len(lists), "duplicates", st.Duplicates, "skipped", st.Skipped)
	return nil
}

func (r *Registry) fail(err error) error {
	r.lastErr = err
	return err
}

func loadFile(name, path string) (List, error) {
	f, err := os.Open(path)
	if err != nil {
		return List{}, &alerterr.WatchlistFetchError{List: name, Stage: "open", Cause: err}
	}
	defer f.Close()
	entries, skipped, err := Parse(name, f)
	if err != nil {
		return List{}, &alerterr.WatchlistFetchError{List: name, Stage: "parse", Cause: err}
	}
	return List{Name: name, Entries: entries, Skipped: skipped}, nil
}
