package webimage

import "errors"

var (
	// ErrInvalidURL means LoadImage was given an absent or malformed URL.
	// It is delivered without any cache or network access.
	ErrInvalidURL = errors.New("webimage: invalid url")
	// ErrPreviouslyFailed short-circuits a load whose URL is blacklisted
	// after a permanent failure. No network access is performed; pass
	// OptionRetryFailed to opt into a retry.
	ErrPreviouslyFailed = errors.New("webimage: url previously failed")
)
