package itchio

import (
	"errors"
	"fmt"
)

var ErrRateLimited = errors.New("rate limited by the storefront")
var ErrSessionExpired = errors.New("session expired")

// AuthError means the storefront rejected the credentials or the second
// factor. Transient is set when the failure came from the network rather
// than the account, in which case a retry with the same input can succeed.
type AuthError struct {
	Message   string
	Transient bool
}

func (e *AuthError) Error() string {
	if e.Transient {
		return fmt.Sprintf("login failed (transient): %s", e.Message)
	}
	return fmt.Sprintf("login failed: %s", e.Message)
}

// ClaimError is a per-entry claim failure. Permanent rejections (entry gone,
// account ineligible) must be skipped, not retried.
type ClaimError struct {
	Reason    string
	Permanent bool
}

func (e *ClaimError) Error() string {
	return fmt.Sprintf("claim failed: %s", e.Reason)
}
