package adsbalert

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/adsbalert/channels"
	"github.com/hazyhaar/adsbalert/horosafe"
	"github.com/hazyhaar/adsbalert/internal/geo"
	"github.com/hazyhaar/adsbalert/internal/watchlist"
)

// Config holds all adsbalert configuration. It is read once at process
// start; nothing below New consults the environment.
type Config struct {
	// FeedPath is readsb's aircraft.json. FeedURL fetches it over HTTP
	// instead (tar1090 web root). Exactly one is required.
	FeedPath    string        `yaml:"feed_path"`
	FeedURL     string        `yaml:"feed_url"`
	FeedTimeout time.Duration `yaml:"feed_timeout"`

	// ReceiverPath is readsb's receiver.json. When it carries a position it
	// wins over Station.
	ReceiverPath string         `yaml:"receiver_path"`
	Station      *StationConfig `yaml:"station"`

	DBPath       string        `yaml:"db_path"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timezone     string        `yaml:"timezone"`
	LogLevel     string        `yaml:"log_level"`
	StatusListen string        `yaml:"status_listen"`

	Watchlist WatchlistConfig `yaml:"watchlist"`
	Notify    NotifyConfig    `yaml:"notify"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Caption   CaptionConfig   `yaml:"caption"`
	Channels  []ChannelConfig `yaml:"channels"`
	Retention RetentionConfig `yaml:"retention"`
}

// StationConfig is the receiver position fallback.
type StationConfig struct {
	Lat float64 `yaml:"lat"`
	Lon float64 `yaml:"lon"`
}

// WatchlistConfig lists the CSV sources, in priority order.
type WatchlistConfig struct {
	Sources  []watchlist.Source `yaml:"sources"`
	CacheDir string             `yaml:"cache_dir"`
	TTL      time.Duration      `yaml:"ttl"`
	Timeout  time.Duration      `yaml:"timeout"`
}

// NotifyConfig tunes the decision engine and the visibility tracker.
type NotifyConfig struct {
	Cooldown  time.Duration `yaml:"cooldown"`
	Gap       time.Duration `yaml:"gap"`
	MaxSeen   time.Duration `yaml:"max_seen"`
	SpeedUnit string        `yaml:"speed_unit"`
}

// DeliveryConfig tunes retries, pacing and the per-channel breakers.
type DeliveryConfig struct {
	MaxRetries       int           `yaml:"max_retries"`
	Backoff          time.Duration `yaml:"backoff"`
	Timeout          time.Duration `yaml:"timeout"`
	RatePerSecond    float64       `yaml:"rate_per_second"`
	Burst            int           `yaml:"burst"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
}

// CaptionConfig customises the alert text.
type CaptionConfig struct {
	Title             string `yaml:"title"`
	Footer            string `yaml:"footer"`
	Tar1090Base       string `yaml:"tar1090_base"`
	AirplanesLiveBase string `yaml:"airplanes_live_base"`
}

// ChannelConfig is one outbound channel and its recipients. Settings is the
// platform config (bot_token, url, webhook_url, ...).
type ChannelConfig struct {
	Name       string         `yaml:"name"`
	Platform   string         `yaml:"platform"`
	Disabled   bool           `yaml:"disabled"`
	Recipients []string       `yaml:"recipients"`
	Settings   map[string]any `yaml:"settings"`
}

// RetentionConfig bounds the log and track tables.
type RetentionConfig struct {
	Days       int `yaml:"days"`
	TracksDays int `yaml:"tracks_days"`
}

// Validation errors.
var (
	ErrNoFeed      = errors.New("adsbalert: one of feed_path or feed_url is required")
	ErrNoWatchlist = errors.New("adsbalert: at least one watchlist source is required")
	ErrNoChannels  = errors.New("adsbalert: at least one enabled channel is required")
)

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "adsb_state.sqlite"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.FeedTimeout <= 0 {
		c.FeedTimeout = 5 * time.Second
	}
	if c.Watchlist.CacheDir == "" {
		c.Watchlist.CacheDir = "cache"
	}
	if c.Watchlist.TTL <= 0 {
		c.Watchlist.TTL = 15 * time.Minute
	}
	if c.Watchlist.Timeout <= 0 {
		c.Watchlist.Timeout = 15 * time.Second
	}
	if c.Notify.Cooldown <= 0 {
		c.Notify.Cooldown = 15 * time.Minute
	}
	if c.Notify.Gap <= 0 {
		c.Notify.Gap = 5 * time.Minute
	}
	if c.Notify.MaxSeen <= 0 {
		c.Notify.MaxSeen = 60 * time.Second
	}
	if c.Delivery.MaxRetries < 0 {
		c.Delivery.MaxRetries = 0
	}
	if c.Delivery.Backoff <= 0 {
		c.Delivery.Backoff = time.Second
	}
	if c.Delivery.Timeout <= 0 {
		c.Delivery.Timeout = 15 * time.Second
	}
	if c.Delivery.RatePerSecond <= 0 {
		c.Delivery.RatePerSecond = 1
	}
	if c.Delivery.Burst <= 0 {
		c.Delivery.Burst = 1
	}
	if c.Delivery.BreakerThreshold <= 0 {
		c.Delivery.BreakerThreshold = 5
	}
	if c.Delivery.BreakerReset <= 0 {
		c.Delivery.BreakerReset = 2 * time.Minute
	}
	if c.Caption.Title == "" {
		c.Caption.Title = "ADSB Alert Bot"
	}
	if c.Caption.Footer == "" {
		c.Caption.Footer = "#adsb #alert"
	}
	if c.Retention.Days <= 0 {
		c.Retention.Days = 30
	}
	if c.Retention.TracksDays <= 0 {
		c.Retention.TracksDays = 90
	}
}

// Validate checks the config after defaults and environment overrides.
func (c *Config) Validate() error {
	if c.FeedPath == "" && c.FeedURL == "" {
		return ErrNoFeed
	}
	if c.FeedPath != "" && c.FeedURL != "" {
		return fmt.Errorf("adsbalert: feed_path and feed_url are exclusive")
	}
	if len(c.Watchlist.Sources) == 0 {
		return ErrNoWatchlist
	}
	names := make(map[string]bool)
	for i, s := range c.Watchlist.Sources {
		if s.Name == "" {
			return fmt.Errorf("adsbalert: watchlist source %d has no name", i)
		}
		if (s.URL == "") == (s.File == "") {
			return fmt.Errorf("adsbalert: watchlist %s needs exactly one of url or file", s.Name)
		}
		if names[s.Name] {
			return fmt.Errorf("adsbalert: duplicate watchlist %s", s.Name)
		}
		if s.URL != "" {
			if _, err := horosafe.SafePath(c.Watchlist.CacheDir, s.Name+".csv"); err != nil {
				return fmt.Errorf("adsbalert: watchlist name %q cannot name a cache file: %w", s.Name, err)
			}
		}
		names[s.Name] = true
	}
	if _, err := geo.ParseSpeedUnit(c.Notify.SpeedUnit); err != nil {
		return fmt.Errorf("adsbalert: %w", err)
	}
	if _, err := c.location(); err != nil {
		return fmt.Errorf("adsbalert: timezone: %w", err)
	}
	if c.Station != nil && (c.Station.Lat < -90 || c.Station.Lat > 90 || c.Station.Lon < -180 || c.Station.Lon > 180) {
		return fmt.Errorf("adsbalert: station %v,%v out of range", c.Station.Lat, c.Station.Lon)
	}

	enabled := 0
	seen := make(map[string]bool)
	for i, ch := range c.Channels {
		if ch.Name == "" || ch.Platform == "" {
			return fmt.Errorf("adsbalert: channel %d needs name and platform", i)
		}
		if seen[ch.Name] {
			return fmt.Errorf("adsbalert: duplicate channel %s", ch.Name)
		}
		seen[ch.Name] = true
		if ch.Disabled {
			continue
		}
		if ch.Platform == "telegram" && len(ch.Recipients) == 0 {
			return fmt.Errorf("adsbalert: telegram channel %s has no recipients", ch.Name)
		}
		enabled++
	}
	if enabled == 0 {
		return ErrNoChannels
	}
	return nil
}

func (c *Config) location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// channelSpecs converts the channel list for channels.Dispatcher.Reconcile.
func (c *Config) channelSpecs() ([]channels.Spec, error) {
	specs := make([]channels.Spec, 0, len(c.Channels))
	for _, ch := range c.Channels {
		settings := ch.Settings
		if settings == nil {
			settings = map[string]any{}
		}
		raw, err := json.Marshal(settings)
		if err != nil {
			return nil, fmt.Errorf("adsbalert: channel %s settings: %w", ch.Name, err)
		}
		specs = append(specs, channels.Spec{
			Name:     ch.Name,
			Platform: ch.Platform,
			Enabled:  !ch.Disabled,
			Config:   raw,
		})
	}
	return specs, nil
}

// LoadConfigFile reads a YAML config file, applies the environment
// overrides and defaults, and validates the result. An empty path starts
// from an empty config, so a pure environment setup works.
func LoadConfigFile(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("adsbalert: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides the file with environment variables. TG_TOKEN and TG_CHAT_IDS define (or replace) the channel
// named "telegram".
func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("ADSB_STATE_DB"); v != "" {
		c.DBPath = v
	}
	if v := getenv("TAR1090_BASE"); v != "" {
		c.Caption.Tar1090Base = v
	}
	if v := getenv("AIRPLANESLIVE_BASE"); v != "" {
		c.Caption.AirplanesLiveBase = v
	}

	lat, lon := getenv("STATION_LAT"), getenv("STATION_LON")
	if lat != "" && lon != "" {
		la, err := strconv.ParseFloat(lat, 64)
		if err != nil {
			return fmt.Errorf("adsbalert: STATION_LAT: %w", err)
		}
		lo, err := strconv.ParseFloat(lon, 64)
		if err != nil {
			return fmt.Errorf("adsbalert: STATION_LON: %w", err)
		}
		c.Station = &StationConfig{Lat: la, Lon: lo}
	}

	token := getenv("TG_TOKEN")
	if token == "" {
		return nil
	}
	var chats []string
	for _, id := range strings.Split(getenv("TG_CHAT_IDS"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			chats = append(chats, id)
		}
	}
	tg := ChannelConfig{
		Name:       "telegram",
		Platform:   "telegram",
		Recipients: chats,
		Settings:   map[string]any{"bot_token": token},
	}
	for i, ch := range c.Channels {
		if ch.Name == tg.Name {
			if len(chats) == 0 {
				tg.Recipients = ch.Recipients
			}
			for k, v := range ch.Settings {
				if k != "bot_token" {
					tg.Settings[k] = v
				}
			}
			c.Channels[i] = tg
			return nil
		}
	}
	c.Channels = append(c.Channels, tg)
	return nil
}
