package auth

import (
	"errors"
	"fmt"
)

var (
	ErrInputFormat        = errors.New("auth: malformed input")
	ErrCredentialFormat   = fmt.Errorf("%w: credential could not be decrypted", ErrInputFormat)
	ErrChallengeMissing   = errors.New("auth: no pending challenge")
	ErrChallengeMismatch  = errors.New("auth: challenge answer mismatch")
	ErrIdentityNotFound   = errors.New("auth: identity not found")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrNotAuthenticated   = errors.New("auth: not authenticated")
	ErrCapabilityUnknown  = errors.New("auth: capability unknown")
	ErrCapabilityDenied   = errors.New("auth: capability denied")
	ErrNotLoggedIn        = errors.New("auth: not logged in")
	ErrInternal           = errors.New("auth: internal error")

	// Group administration outcomes.
	ErrGroupNotFound   = errors.New("auth: group not found")
	ErrAlreadyAssigned = errors.New("auth: group already assigned")
	ErrIdentityExists  = errors.New("auth: identity already exists")
)

// internalError wraps a collaborator failure so callers can match
// ErrInternal while the cause stays available to logs.
func internalError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrInternal, op, err)
}
