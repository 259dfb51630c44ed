package channels

import "fmt"

// ErrChannelNotFound is returned when an operation targets a channel that
// is not open on the dispatcher.
type ErrChannelNotFound struct {
	Channel string
}

func (e *ErrChannelNotFound) Error() string {
	return fmt.Sprintf("channels: channel not found: %s", e.Channel)
}

// ErrNoPlatformFactory is returned by Open when the platform has no
// registered ChannelFactory.
type ErrNoPlatformFactory struct {
	Channel  string
	Platform string
}

func (e *ErrNoPlatformFactory) Error() string {
	return fmt.Sprintf("channels: no factory for platform %q (channel %s)", e.Platform, e.Channel)
}

// ErrSendFailed is returned when a message could not be delivered to the
// platform. StatusCode is the HTTP status when the platform answered.
type ErrSendFailed struct {
	Channel    string
	Platform   string
	StatusCode int
	Cause      error
}

func (e *ErrSendFailed) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("channels: send failed on %s (%s): http %d: %v", e.Channel, e.Platform, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("channels: send failed on %s (%s): %v", e.Channel, e.Platform, e.Cause)
}

func (e *ErrSendFailed) Unwrap() error { return e.Cause }

// ErrPhotoSent is returned when a photo went out but the text that follows
// it did not. Sending the same Message again would repeat the photo; send
// the text alone instead.
type ErrPhotoSent struct {
	Cause error
}

func (e *ErrPhotoSent) Error() string {
	return fmt.Sprintf("channels: photo sent, follow-up text failed: %v", e.Cause)
}

func (e *ErrPhotoSent) Unwrap() error { return e.Cause }
