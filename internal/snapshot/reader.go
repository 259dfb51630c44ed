package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/hazyhaar/adsbalert/horosafe"
	"github.com/hazyhaar/adsbalert/internal/alerterr"
)

// Source yields the current feed snapshot. Errors are *alerterr.FeedReadError.
type Source interface {
	Read(ctx context.Context) (Snapshot, error)
}

// FileSource reads aircraft.json from the local filesystem, where readsb
// rewrites it every second.
type FileSource struct {
	Path string
}

func (s FileSource) Read(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, &alerterr.FeedReadError{Path: s.Path, Stage: "read", Cause: err}
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return Snapshot{}, &alerterr.FeedReadError{Path: s.Path, Stage: "read", Cause: err}
	}
	snap, err := Decode(data)
	if err != nil {
		return Snapshot{}, &alerterr.FeedReadError{Path: s.Path, Stage: "decode", Cause: err}
	}
	return snap, nil
}

// HTTPSource fetches aircraft.json from a tar1090 web root
// (e.g. http://pi.local/tar1090/data/aircraft.json).
type HTTPSource struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
	// MaxBytes caps the body; zero means horosafe.MaxFeedBody.
	MaxBytes int64
}

func (s HTTPSource) Read(ctx context.Context) (Snapshot, error) {
	fail := func(stage string, err error) (Snapshot, error) {
		return Snapshot{}, &alerterr.FeedReadError{Path: s.URL, Stage: stage, Cause: err}
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return fail("read", err)
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fail("read", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fail("read", fmt.Errorf("http %d", resp.StatusCode))
	}
	limit := s.MaxBytes
	if limit <= 0 {
		limit = horosafe.MaxFeedBody
	}
	data, err := horosafe.LimitedReadAll(resp.Body, limit)
	if err != nil {
		return fail("read", err)
	}
	snap, err := Decode(data)
	if err != nil {
		return fail("decode", err)
	}
	return snap, nil
}

// Station is the receiver position.
type Station struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ReadStation loads lat/lon from readsb's receiver.json. ok is false when
// the file is missing, unreadable, or carries no position.
func ReadStation(path string) (Station, bool) {
	if path == "" {
		return Station{}, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Station{}, false
	}
	var rj struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
	}
	if err := json.Unmarshal(data, &rj); err != nil || rj.Lat == nil || rj.Lon == nil {
		return Station{}, false
	}
	return Station{Lat: *rj.Lat, Lon: *rj.Lon}, true
}
