package httpclient

import "errors"

var (
	// ErrHostNotAllowed is returned for any request outside the allowed host.
	// It is never retried.
	ErrHostNotAllowed = errors.New("host not allowed")

	// ErrAuthBlocked signals that consecutive 401/403 responses reached the
	// configured threshold. Callers must stop the whole crawl.
	ErrAuthBlocked = errors.New("authentication circuit breaker tripped")
)

// Outcome is the caller-facing disposition of a request.
type Outcome int

const (
	// Success means the request produced a response (of any status).
	Success Outcome = iota
	// RetryableFailure means the request failed after the client's own
	// retries but the crawl may continue: record the failure and move on.
	RetryableFailure
	// HostRejected means the URL, or a redirect it issued, left the allowed
	// host. Nothing was retried; the crawl may continue.
	HostRejected
	// FatalAbort means the crawl must stop.
	FatalAbort
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable_failure"
	case HostRejected:
		return "host_rejected"
	case FatalAbort:
		return "fatal_abort"
	default:
		return "unknown"
	}
}

// OutcomeOf maps an error returned by the client to an Outcome.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrAuthBlocked):
		return FatalAbort
	case errors.Is(err, ErrHostNotAllowed):
		return HostRejected
	default:
		return RetryableFailure
	}
}
