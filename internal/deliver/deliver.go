// Package deliver sends due decisions to every configured recipient and
// records the outcome on the tracker.
//
// A notification round covers all targets. Targets that succeed are stored
// in the track state, so a partial failure is retried on the next cycle for
// the failed targets only. The round closes, and the cooldown starts, once
// every target has the text.
package deliver

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/adsbalert/channels"
	"github.com/hazyhaar/adsbalert/connectivity"
	"github.com/hazyhaar/adsbalert/internal/alerterr"
	"github.com/hazyhaar/adsbalert/internal/notify"
	"github.com/hazyhaar/adsbalert/internal/tracker"
	"github.com/hazyhaar/adsbalert/observability"
)

// Target is one recipient on one open channel.
type Target struct {
	Channel   string `yaml:"channel" json:"channel"`
	Recipient string `yaml:"recipient" json:"recipient"` // empty for single-target webhooks
}

// Key identifies the target in TrackState.Delivered.
func (t Target) Key() string {
	if t.Recipient == "" {
		return t.Channel
	}
	return t.Channel + ":" + t.Recipient
}

// Sender is satisfied by *channels.Dispatcher.
type Sender interface {
	Send(ctx context.Context, msg channels.Message) error
}

// Outcome reports one Deliver call.
type Outcome struct {
	Hex           string
	Sent          []string // target keys served this call
	PhotoFallback []string // subset of Sent that got text only
	Skipped       []string // already served earlier in the round
	Failed        []string
	Closed        bool // round closed: LastNotifiedAt set
	State         tracker.State
}

// Default pacing and retry.
var (
	DefaultPolicy = connectivity.Policy{MaxRetries: 2, Backoff: time.Second, Timeout: 15 * time.Second}
	DefaultRate   = rate.Every(time.Second)
)

// Adapter delivers decisions through a Sender.
type Adapter struct {
	sender    Sender
	tracker   *tracker.Tracker
	targets   []Target
	captioner *Captioner
	recorder  *observability.Recorder
	policy    connectivity.Policy
	limiter   *rate.Limiter
	logger    *slog.Logger
	now       func() time.Time

	breakerOpts []connectivity.BreakerOption
	mu          sync.Mutex
	breakers    map[string]*connectivity.CircuitBreaker
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithCaptioner replaces the default caption renderer.
func WithCaptioner(c *Captioner) Option { return func(a *Adapter) { a.captioner = c } }

// WithRecorder appends every attempt to the notification log.
func WithRecorder(r *observability.Recorder) Option { return func(a *Adapter) { a.recorder = r } }

// WithPolicy sets the per-send retry policy.
func WithPolicy(p connectivity.Policy) Option { return func(a *Adapter) { a.policy = p } }

// WithLimiter sets the limiter shared by every send. nil disables pacing.
func WithLimiter(l *rate.Limiter) Option { return func(a *Adapter) { a.limiter = l } }

// WithBreaker sets the options of the per-channel circuit breakers.
func WithBreaker(opts ...connectivity.BreakerOption) Option {
	return func(a *Adapter) { a.breakerOpts = opts }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(a *Adapter) { a.logger = l } }

// WithClock sets the clock used for attempt timestamps.
func WithClock(now func() time.Time) Option { return func(a *Adapter) { a.now = now } }

// New creates an Adapter for targets.
func New(sender Sender, tr *tracker.Tracker, targets []Target, opts ...Option) *Adapter {
	a := &Adapter{
		sender:    sender,
		tracker:   tr,
		targets:   targets,
		captioner: NewCaptioner(),
		policy:    DefaultPolicy,
		limiter:   rate.NewLimiter(DefaultRate, 1),
		logger:    slog.Default(),
		now:       time.Now,
		breakers:  make(map[string]*connectivity.CircuitBreaker),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Targets returns the configured targets.
func (a *Adapter) Targets() []Target { return a.targets }

func (a *Adapter) breaker(channel string) *connectivity.CircuitBreaker {
	a.mu.Lock()
	defer a.mu.Unlock()
	cb, ok := a.breakers[channel]
	if !ok {
		cb = connectivity.NewCircuitBreaker(a.breakerOpts...)
		a.breakers[channel] = cb
	}
	return cb
}

// BreakerState returns the breaker state of a channel. Channels that never
// sent report closed.
func (a *Adapter) BreakerState(channel string) connectivity.BreakerState {
	a.mu.Lock()
	cb, ok := a.breakers[channel]
	a.mu.Unlock()
	if !ok {
		return connectivity.BreakerClosed
	}
	return cb.State()
}

// Deliver sends d to every target not yet served in the current round.
// Decisions that are not due are returned untouched. A *DeliveryError
// lists the targets whose text failed; a *PersistenceError means the
// outcome could not be stored.
func (a *Adapter) Deliver(ctx context.Context, d notify.Decision) (Outcome, error) {
	out := Outcome{Hex: d.Hex, State: d.State}
	if !d.ShouldSend {
		return out, nil
	}

	caption := a.captioner.Render(d)
	var failed []alerterr.RecipientFailure
	for _, t := range a.targets {
		key := t.Key()
		if d.State.WasDelivered(key) {
			out.Skipped = append(out.Skipped, key)
			continue
		}
		status, err := a.sendOne(ctx, d, t, caption)
		switch status {
		case observability.StatusFailed:
			out.Failed = append(out.Failed, key)
			failed = append(failed, alerterr.RecipientFailure{Recipient: key, Cause: err})
		case observability.StatusPhotoFallback:
			out.PhotoFallback = append(out.PhotoFallback, key)
			out.Sent = append(out.Sent, key)
		default:
			out.Sent = append(out.Sent, key)
		}
	}

	if len(failed) == 0 {
		st, err := a.tracker.MarkNotified(ctx, d.State, d.At)
		out.State = st
		if err != nil {
			return out, err
		}
		out.Closed = true
		return out, nil
	}

	if len(out.Sent) > 0 {
		st, err := a.tracker.MarkDelivered(ctx, d.State, out.Sent)
		out.State = st
		if err != nil {
			return out, err
		}
	}
	return out, &alerterr.DeliveryError{Hex: d.Hex, Stage: "send", Failed: failed}
}

// sendOne sends the photo with the caption, falling back to text alone when
// the photo send fails. Only a text failure fails the target. A photo that
// went out with a shortened caption serves the target even when the full
// caption after it keeps failing.
func (a *Adapter) sendOne(ctx context.Context, d notify.Decision, t Target, caption string) (string, error) {
	start := a.now()
	msg := channels.Message{
		ID:          d.Hex + "@" + d.At.UTC().Format(time.RFC3339),
		ChannelName: t.Channel,
		RecipientID: t.Recipient,
		Text:        caption,
		Metadata:    map[string]string{"hex": d.Hex, "list": d.Entry.List},
		Timestamp:   d.At,
	}

	status := observability.StatusSent
	var err, overflowErr error
	if d.Photo != "" {
		photoMsg := msg
		photoMsg.Attachments = []channels.Attachment{{Type: "image", URL: d.Photo}}
		photoOut, perr := a.send(ctx, photoMsg)
		switch {
		case perr == nil:
		case photoOut:
			// The photo and its shortened caption reached the recipient.
			overflowErr = perr
			a.logger.WarnContext(ctx, "deliver: full caption failed after photo",
				"hex", d.Hex, "target", t.Key(), "error", perr)
		default:
			a.logger.WarnContext(ctx, "deliver: photo failed, sending text",
				"hex", d.Hex, "target", t.Key(), "photo", d.Photo, "error", perr)
			status = observability.StatusPhotoFallback
		}
	}
	if d.Photo == "" || status == observability.StatusPhotoFallback {
		_, err = a.send(ctx, msg)
		if err != nil {
			status = observability.StatusFailed
		}
	}

	rec := observability.NotificationRecord{
		Hex:       d.Hex,
		List:      d.Entry.List,
		Channel:   t.Channel,
		Recipient: t.Recipient,
		Status:    status,
		PhotoURL:  d.Photo,
		Duration:  a.now().Sub(start),
		At:        d.At,
	}
	if overflowErr != nil {
		rec.Error = overflowErr.Error()
	}
	if err != nil {
		rec.Error = err.Error()
		a.logger.ErrorContext(ctx, "deliver: send failed",
			"hex", d.Hex, "target", t.Key(), "error", err)
	} else {
		a.logger.InfoContext(ctx, "deliver: sent",
			"hex", d.Hex, "target", t.Key(), "status", status)
	}
	if a.recorder != nil {
		a.recorder.Notification(ctx, rec)
	}
	return status, err
}

// send retries msg through the limiter and the channel breaker. photoSent
// reports that an attempt got the photo out; later attempts then carry the
// text alone.
func (a *Adapter) send(ctx context.Context, msg channels.Message) (photoSent bool, err error) {
	cb := a.breaker(msg.ChannelName)
	err = connectivity.Retry(ctx, a.policy, a.logger, func(ctx context.Context) error {
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		err := cb.Do(ctx, msg.ChannelName, func(ctx context.Context) error {
			return a.sender.Send(ctx, msg)
		})
		var ps *channels.ErrPhotoSent
		if errors.As(err, &ps) {
			photoSent = true
			msg.Attachments = nil
		}
		return err
	})
	return photoSent, err
}
