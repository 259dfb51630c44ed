package channels

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/hazyhaar/adsbalert/connectivity"
)

// Spec declares one outbound channel. Config is the platform-specific JSON
// passed to the ChannelFactory.
type Spec struct {
	Name     string          `json:"name" yaml:"name"`
	Platform string          `json:"platform" yaml:"platform"`
	Enabled  bool            `json:"enabled" yaml:"enabled"`
	Config   json.RawMessage `json:"config" yaml:"-"`
}

// fingerprint changes when the channel must be rebuilt.
func (s Spec) fingerprint() string {
	return s.Platform + "|" + string(s.Config)
}

// channelEntry holds an open channel and its config fingerprint.
type channelEntry struct {
	channel     Channel
	platform    string
	fingerprint string
}

// Dispatcher owns the open channels and routes outbound messages to them by
// channel name. It is safe for concurrent use.
type Dispatcher struct {
	mu        sync.RWMutex
	channels  map[string]*channelEntry
	factories map[string]ChannelFactory
	logger    *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets a custom logger for the dispatcher.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates an empty Dispatcher. Register platform factories
// before calling Open or Reconcile.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		channels:  make(map[string]*channelEntry),
		factories: make(map[string]ChannelFactory),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// RegisterPlatform registers a ChannelFactory for a platform name.
// Example: d.RegisterPlatform("telegram", TelegramFactory())
func (d *Dispatcher) RegisterPlatform(platform string, f ChannelFactory) {
	d.mu.Lock()
	d.factories[platform] = f
	d.mu.Unlock()
}

// Open builds a channel through its platform factory and registers it under
// name, replacing (and closing) any channel already open with that name.
func (d *Dispatcher) Open(name, platform string, config json.RawMessage) error {
	return d.open(Spec{Name: name, Platform: platform, Enabled: true, Config: config})
}

func (d *Dispatcher) open(s Spec) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	factory, ok := d.factories[s.Platform]
	if !ok {
		return &ErrNoPlatformFactory{Channel: s.Name, Platform: s.Platform}
	}
	ch, err := factory(s.Name, s.Config)
	if err != nil {
		return err
	}
	if old, exists := d.channels[s.Name]; exists {
		d.closeEntry(s.Name, old)
	}
	d.channels[s.Name] = &channelEntry{
		channel:     ch,
		platform:    s.Platform,
		fingerprint: s.fingerprint(),
	}
	d.logger.Info("channel opened", "channel", s.Name, "platform", s.Platform)
	return nil
}

// Reconcile brings the open channel set in line with specs. Removed or
// disabled channels are closed, channels whose config changed are rebuilt,
// and unchanged channels are left alone. Factory failures are logged and
// skipped so one bad entry does not take the others down.
func (d *Dispatcher) Reconcile(specs []Spec) {
	desired := make(map[string]Spec, len(specs))
	for _, s := range specs {
		desired[s.Name] = s
	}

	d.mu.Lock()
	for name, entry := range d.channels {
		s, exists := desired[name]
		if !exists || !s.Enabled || s.fingerprint() != entry.fingerprint {
			d.closeEntry(name, entry)
			delete(d.channels, name)
		}
	}
	var pending []Spec
	for name, s := range desired {
		if !s.Enabled {
			continue
		}
		if _, active := d.channels[name]; active {
			continue
		}
		pending = append(pending, s)
	}
	d.mu.Unlock()

	for _, s := range pending {
		if err := d.open(s); err != nil {
			d.logger.Error("channel open failed",
				"channel", s.Name, "platform", s.Platform, "error", err)
		}
	}

	d.mu.RLock()
	active := len(d.channels)
	d.mu.RUnlock()
	d.logger.Info("channels reconciled", "active", active, "configured", len(desired))
}

// Send sends an outbound message through the named channel.
// Returns a permanent ErrChannelNotFound if the channel is not open.
func (d *Dispatcher) Send(ctx context.Context, msg Message) error {
	d.mu.RLock()
	entry, ok := d.channels[msg.ChannelName]
	d.mu.RUnlock()

	if !ok {
		return connectivity.Permanent(&ErrChannelNotFound{Channel: msg.ChannelName})
	}
	msg.Platform = entry.platform
	return entry.channel.Send(ctx, msg)
}

// Status returns the ChannelStatus for a named channel.
// Returns ok=false if the channel is not open.
func (d *Dispatcher) Status(name string) (ChannelStatus, bool) {
	d.mu.RLock()
	entry, ok := d.channels[name]
	d.mu.RUnlock()

	if !ok {
		return ChannelStatus{}, false
	}
	return entry.channel.Status(), true
}

// Names returns the open channel names, sorted.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	names := make([]string, 0, len(d.channels))
	for name := range d.channels {
		names = append(names, name)
	}
	d.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (d *Dispatcher) closeEntry(name string, entry *channelEntry) {
	if err := entry.channel.Close(); err != nil {
		d.logger.Error("channel close failed",
			"channel", name, "platform", entry.platform, "error", err)
	} else {
		d.logger.Info("channel stopped",
			"channel", name, "platform", entry.platform)
	}
}

// Close shuts down all open channels.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, entry := range d.channels {
		d.closeEntry(name, entry)
	}
	d.channels = make(map[string]*channelEntry)
	return nil
}
