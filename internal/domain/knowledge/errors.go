package knowledge

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the key does not exist in the structured store.
// Callers treat it as "context missing", not as a hard failure.
var ErrNotFound = errors.New("knowledge record not found")

// Tier names reported by health checks and unavailability errors.
const (
	TierCache      = "cache"
	TierStructured = "structured"
	TierSemantic   = "semantic"
)

// TierUnavailableError indicates a storage tier is down. The coordinator
// never fabricates data when a tier is unavailable.
type TierUnavailableError struct {
	Tier string
	Err  error
}

func (e *TierUnavailableError) Error() string {
	return fmt.Sprintf("%s tier unavailable: %v", e.Tier, e.Err)
}

func (e *TierUnavailableError) Unwrap() error { return e.Err }

// Unavailable wraps err as a TierUnavailableError for the given tier.
func Unavailable(tier string, err error) error {
	return &TierUnavailableError{Tier: tier, Err: err}
}
