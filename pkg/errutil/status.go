package errutil

type CoreStatus string

const (
	StatusBadRequest  CoreStatus = "BAD_REQUEST"
	StatusNotFound    CoreStatus = "NOT_FOUND"
	StatusConflict    CoreStatus = "CONFLICT"
	StatusInternal    CoreStatus = "INTERNAL"
	StatusTimeout     CoreStatus = "TIMEOUT"
	StatusUnavailable CoreStatus = "UNAVAILABLE"
	StatusUnknown     CoreStatus = "UNKNOWN"

	// Action execution taxonomy. These drive the retry and
	// account-health policy of the task queue.
	StatusTransient         CoreStatus = "TRANSIENT"
	StatusRateLimited       CoreStatus = "RATE_LIMITED"
	StatusPermanent         CoreStatus = "PERMANENT"
	StatusResourceExhausted CoreStatus = "RESOURCE_EXHAUSTED"
)

// Retryable reports whether a task failing with this status should go back
// to the queue. RateLimited is retryable because the retry lands on a
// different account once the flooded one is cooling down.
func (s CoreStatus) Retryable() bool {
	switch s {
	case StatusTransient, StatusRateLimited, StatusTimeout, StatusUnavailable:
		return true
	default:
		return false
	}
}
