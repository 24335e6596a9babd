package downloader

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidURL means the request URL was absent or malformed.
	ErrInvalidURL = errors.New("downloader: invalid url")
	// ErrConnectionInitFailed means the request could not be constructed or
	// the connection could not be established.
	ErrConnectionInitFailed = errors.New("downloader: connection init failed")
	// ErrUndecodableImage means the fetch succeeded but the payload was
	// empty or did not decode as an image.
	ErrUndecodableImage = errors.New("downloader: undecodable image data")
	// ErrCancelled marks the cancelled terminal state. It is internal and
	// never delivered through a completion callback.
	ErrCancelled = errors.New("downloader: operation cancelled")
)

// HTTPStatusError reports a terminal HTTP failure (status >= 400, excluding
// 304 which is a cache-fallback signal rather than an error).
type HTTPStatusError struct {
	Code int
}

func (e HTTPStatusError) Error() string {
	return fmt.Sprintf("downloader: http status %d", e.Code)
}

// IsPermanentFailure reports whether err should blacklist its URL: HTTP
// terminal failures and undecodable payloads, but never cancellation or
// transient connectivity problems.
func IsPermanentFailure(err error) bool {
	if err == nil {
		return false
	}
	var statusErr HTTPStatusError
	if errors.As(err, &statusErr) {
		return true
	}
	return errors.Is(err, ErrUndecodableImage) || errors.Is(err, ErrInvalidURL)
}
