package watchlist

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/adsbalert/horosafe"
)

// Source is one watchlist. Exactly one of URL or File is set: URL lists are
// downloaded through the cache, File lists are read in place.
type Source struct {
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url,omitempty" json:"url,omitempty"`
	File string `yaml:"file,omitempty" json:"file,omitempty"`
}

// Fetcher downloads remote lists into a local cache directory.
//
// A cache file younger than TTL is used as is. Otherwise the list is
// downloaded and written atomically; if the download fails the stale cache
// file is used. A source with neither a download nor a cache file fails.
type Fetcher struct {
	CacheDir  string
	TTL       time.Duration
	Timeout   time.Duration
	UserAgent string
	// MaxBytes caps one download; zero means horosafe.MaxListBody.
	MaxBytes int64
	Client   *http.Client
	Now      func() time.Time
}

// Result tells where a list was read from.
type Result struct {
	Path  string
	Stale bool // download failed, cache used
	Err   error
}

func (f *Fetcher) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// CachePath returns the cache file for a source name. Names that would
// leave CacheDir are refused.
func (f *Fetcher) CachePath(name string) (string, error) {
	return horosafe.SafePath(f.CacheDir, name+".csv")
}

// Fetch returns a local path holding the list for src.
func (f *Fetcher) Fetch(ctx context.Context, src Source) (Result, error) {
	if src.File != "" {
		if _, err := os.Stat(src.File); err != nil {
			return Result{}, err
		}
		return Result{Path: src.File}, nil
	}
	if src.URL == "" {
		return Result{}, fmt.Errorf("source %s has neither url nor file", src.Name)
	}

	dst, err := f.CachePath(src.Name)
	if err != nil {
		return Result{}, err
	}
	info, statErr := os.Stat(dst)
	if statErr == nil && f.now().Sub(info.ModTime()) < f.TTL {
		return Result{Path: dst}, nil
	}

	err = f.download(ctx, src.URL, dst)
	if err == nil {
		return Result{Path: dst}, nil
	}
	if statErr == nil {
		return Result{Path: dst, Stale: true, Err: err}, nil
	}
	return Result{}, err
}

func (f *Fetcher) download(ctx context.Context, url, dst string) error {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: http %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("mkdir cache: %w", err)
	}
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create cache: %w", err)
	}
	limit := f.MaxBytes
	if limit <= 0 {
		limit = horosafe.MaxListBody
	}
	if _, err := horosafe.CopyN(out, resp.Body, limit); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("download body: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close cache: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename cache: %w", err)
	}
	return nil
}
