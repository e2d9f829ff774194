// Package upstream talks to the external diary service for one account's
// credential. Callers match failures with errors.Is against the sentinels
// below.
package upstream

import "errors"

var (
	// ErrTokenInvalid means the upstream rejected the credential (401/403).
	// Never retried; the account needs re-authentication.
	ErrTokenInvalid = errors.New("upstream token invalid")

	// ErrUnavailable covers transient conditions (network errors, 5xx,
	// timeouts) that survived the retry budget.
	ErrUnavailable = errors.New("upstream unavailable")

	// ErrProtocol means the response could not be parsed into the expected
	// shape. A contract violation, not a transient condition; not retried.
	ErrProtocol = errors.New("upstream protocol error")

	// ErrImageTooLarge means an image payload exceeded the configured ceiling.
	ErrImageTooLarge = errors.New("image too large")
)
