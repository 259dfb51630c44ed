package channels

import (
	"net/http"

	"github.com/hazyhaar/adsbalert/connectivity"
)

// httpFailure wraps a non-2xx platform answer. Client errors other than
// 408 and 429 are permanent: resending the same payload cannot succeed.
func httpFailure(channel, platform string, status int, cause error) error {
	err := &ErrSendFailed{Channel: channel, Platform: platform, StatusCode: status, Cause: cause}
	if status >= 400 && status < 500 &&
		status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
		return connectivity.Permanent(err)
	}
	return err
}
