package ws

import "time"

// Backoff returns the reconnect delay for the given retry count:
// min(base * 2^retry, max). A non-positive max disables the cap.
func Backoff(base, max time.Duration, retry int) time.Duration {
	if base <= 0 {
		return 0
	}
	if retry < 0 {
		retry = 0
	}
	d := base
	for i := 0; i < retry; i++ {
		if max > 0 && d >= max {
			return max
		}
		if d > 1<<61 {
			break
		}
		d *= 2
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Application close codes in this range mean the peer deliberately
// rejected the connection (meeting not found, missing participant id).
const (
	RejectionCodeMin = 4000
	RejectionCodeMax = 4999
)

// IsRejection reports whether a close code must not trigger a reconnect.
func IsRejection(code int) bool {
	return code >= RejectionCodeMin && code <= RejectionCodeMax
}
