package transport

import "errors"

// Adapters wrap platform errors with these sentinels so callers can classify
// a failed send without knowing the platform.
var (
	// ErrDestinationGone: the chat no longer accepts messages (blocked, kicked, deleted).
	ErrDestinationGone = errors.New("destination gone")
	// ErrRateLimited: the platform asked us to slow down.
	ErrRateLimited = errors.New("rate limited")
)

const (
	ReasonDestinationGone = "destination_gone"
	ReasonRateLimited     = "rate_limited"
	ReasonOther           = "other"
)

// Reason maps a send error to its delivery reason. It returns "" for nil.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDestinationGone):
		return ReasonDestinationGone
	case errors.Is(err, ErrRateLimited):
		return ReasonRateLimited
	default:
		return ReasonOther
	}
}
