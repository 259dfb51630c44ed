package adsbalert

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/adsbalert/internal/watchlist"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func validConfig() *Config {
	return &Config{
		FeedPath:  "/run/readsb/aircraft.json",
		Watchlist: WatchlistConfig{Sources: []watchlist.Source{{Name: "military", URL: "https://example.org/mil.csv"}}},
		Channels:  []ChannelConfig{{Name: "telegram", Platform: "telegram", Recipients: []string{"-1001"}}},
	}
}

func TestConfig_Defaults(t *testing.T) {
	c := validConfig()
	c.defaults()
	if c.PollInterval != 30*time.Second || c.Notify.Cooldown != 15*time.Minute || c.Notify.Gap != 5*time.Minute {
		t.Fatalf("timing defaults: %+v %+v", c.PollInterval, c.Notify)
	}
	if c.Notify.MaxSeen != 60*time.Second || c.Watchlist.TTL != 15*time.Minute {
		t.Fatalf("max_seen/ttl defaults: %v %v", c.Notify.MaxSeen, c.Watchlist.TTL)
	}
	if c.DBPath != "adsb_state.sqlite" || c.Caption.Title != "ADSB Alert Bot" || c.Caption.Footer != "#adsb #alert" {
		t.Fatalf("string defaults: %q %q %q", c.DBPath, c.Caption.Title, c.Caption.Footer)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   error
		substr string
	}{
		{name: "no feed", mutate: func(c *Config) { c.FeedPath = "" }, want: ErrNoFeed},
		{name: "both feeds", mutate: func(c *Config) { c.FeedURL = "http://localhost/data/aircraft.json" }, substr: "exclusive"},
		{name: "no watchlist", mutate: func(c *Config) { c.Watchlist.Sources = nil }, want: ErrNoWatchlist},
		{name: "source url and file", mutate: func(c *Config) { c.Watchlist.Sources[0].File = "mil.csv" }, substr: "exactly one"},
		{name: "source name escapes cache", mutate: func(c *Config) { c.Watchlist.Sources[0].Name = "../mil" }, substr: "cache file"},
		{name: "duplicate source", mutate: func(c *Config) {
			c.Watchlist.Sources = append(c.Watchlist.Sources, watchlist.Source{Name: "military", File: "x.csv"})
		}, substr: "duplicate watchlist"},
		{name: "speed unit", mutate: func(c *Config) { c.Notify.SpeedUnit = "furlongs" }, substr: "speed unit"},
		{name: "timezone", mutate: func(c *Config) { c.Timezone = "Mars/Olympus" }, substr: "timezone"},
		{name: "station", mutate: func(c *Config) { c.Station = &StationConfig{Lat: 95} }, substr: "out of range"},
		{name: "telegram without recipients", mutate: func(c *Config) { c.Channels[0].Recipients = nil }, substr: "no recipients"},
		{name: "all disabled", mutate: func(c *Config) { c.Channels[0].Disabled = true }, want: ErrNoChannels},
		{name: "duplicate channel", mutate: func(c *Config) { c.Channels = append(c.Channels, c.Channels[0]) }, substr: "duplicate channel"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.mutate(c)
			c.defaults()
			err := c.Validate()
			if err == nil {
				t.Fatal("expected an error")
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
			if tc.substr != "" && !strings.Contains(err.Error(), tc.substr) {
				t.Fatalf("got %q, want it to mention %q", err, tc.substr)
			}
		})
	}
}

// WHAT: TG_TOKEN with TG_CHAT_IDS creates the telegram channel when the file
// has none.
// WHY: A bare environment setup (token, chats, feed path in a file) is the
// common deployment.
func TestApplyEnv_CreatesTelegramChannel(t *testing.T) {
	c := &Config{}
	err := c.applyEnv(envMap(map[string]string{
		"TG_TOKEN":      "123:abc",
		"TG_CHAT_IDS":   " -1001, -1002 ,,",
		"ADSB_STATE_DB": "/var/lib/adsb/state.sqlite",
		"TAR1090_BASE":  "http://pi.local/tar1090/",
		"STATION_LAT":   "44.8",
		"STATION_LON":   "11.6",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Channels) != 1 {
		t.Fatalf("channels: got %d, want 1", len(c.Channels))
	}
	tg := c.Channels[0]
	if tg.Platform != "telegram" || tg.Settings["bot_token"] != "123:abc" {
		t.Fatalf("telegram channel: %+v", tg)
	}
	if strings.Join(tg.Recipients, "|") != "-1001|-1002" {
		t.Fatalf("recipients: %v", tg.Recipients)
	}
	if c.DBPath != "/var/lib/adsb/state.sqlite" || c.Caption.Tar1090Base != "http://pi.local/tar1090/" {
		t.Fatalf("overrides: %q %q", c.DBPath, c.Caption.Tar1090Base)
	}
	if c.Station == nil || c.Station.Lat != 44.8 || c.Station.Lon != 11.6 {
		t.Fatalf("station: %+v", c.Station)
	}
}

func TestApplyEnv_ReplacesTelegramChannel(t *testing.T) {
	c := &Config{Channels: []ChannelConfig{
		{Name: "telegram", Platform: "telegram", Recipients: []string{"-42"},
			Settings: map[string]any{"bot_token": "old", "api_base": "http://tg.local"}},
		{Name: "ops", Platform: "webhook", Settings: map[string]any{"url": "http://ops.local/hook"}},
	}}
	if err := c.applyEnv(envMap(map[string]string{"TG_TOKEN": "new"})); err != nil {
		t.Fatal(err)
	}
	if len(c.Channels) != 2 {
		t.Fatalf("channels: got %d, want 2", len(c.Channels))
	}
	tg := c.Channels[0]
	if tg.Settings["bot_token"] != "new" || tg.Settings["api_base"] != "http://tg.local" {
		t.Fatalf("settings: %v", tg.Settings)
	}
	if len(tg.Recipients) != 1 || tg.Recipients[0] != "-42" {
		t.Fatalf("recipients without TG_CHAT_IDS should be kept: %v", tg.Recipients)
	}
}

func TestApplyEnv_BadStation(t *testing.T) {
	c := &Config{}
	err := c.applyEnv(envMap(map[string]string{"STATION_LAT": "north", "STATION_LON": "11.6"}))
	if err == nil || !strings.Contains(err.Error(), "STATION_LAT") {
		t.Fatalf("got %v", err)
	}
	// Only one coordinate set: ignored.
	c = &Config{}
	if err := c.applyEnv(envMap(map[string]string{"STATION_LAT": "44.8"})); err != nil || c.Station != nil {
		t.Fatalf("half a station: %+v %v", c.Station, err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adsbalert.yaml")
	yml := `
feed_url: http://pi.local/tar1090/data/aircraft.json
poll_interval: 20s
timezone: Europe/Paris
watchlist:
  ttl: 2h
  sources:
    - name: military
      url: https://example.org/plane-alert-mil.csv
    - name: local
      file: /etc/adsbalert/local.csv
notify:
  cooldown: 30m
  speed_unit: kt
delivery:
  max_retries: 3
  breaker_threshold: 2
channels:
  - name: ops
    platform: webhook
    settings:
      url: http://ops.local/hook
      secret: 0123456789abcdef0123456789abcdef
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TG_TOKEN", "")
	c, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if c.PollInterval != 20*time.Second || c.Watchlist.TTL != 2*time.Hour || c.Notify.Cooldown != 30*time.Minute {
		t.Fatalf("durations: %v %v %v", c.PollInterval, c.Watchlist.TTL, c.Notify.Cooldown)
	}
	if len(c.Watchlist.Sources) != 2 || c.Watchlist.Sources[1].File != "/etc/adsbalert/local.csv" {
		t.Fatalf("sources: %+v", c.Watchlist.Sources)
	}
	if c.Delivery.MaxRetries != 3 || c.Delivery.BreakerThreshold != 2 || c.Delivery.BreakerReset != 2*time.Minute {
		t.Fatalf("delivery: %+v", c.Delivery)
	}

	specs, err := c.channelSpecs()
	if err != nil || len(specs) != 1 {
		t.Fatalf("channelSpecs: %v %v", specs, err)
	}
	if !strings.Contains(string(specs[0].Config), `"secret":"0123456789abcdef0123456789abcdef"`) || !specs[0].Enabled {
		t.Fatalf("spec: %+v %s", specs[0], specs[0].Config)
	}
	if got := c.targets(); len(got) != 1 || got[0].Key() != "ops" {
		t.Fatalf("targets: %+v", got)
	}
}

func TestLoadConfigFile_Errors(t *testing.T) {
	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file should fail")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("poll_interval: [nope"), 0o644)
	if _, err := LoadConfigFile(path); err == nil || !strings.Contains(err.Error(), "parse") {
		t.Fatalf("bad yaml: %v", err)
	}
}
