package session

import "errors"

var (
	// ErrPlanInactive means the requested plan is disabled for sale.
	ErrPlanInactive = errors.New("plan is not active")

	// ErrUserInactive means the user account is disabled.
	ErrUserInactive = errors.New("user is not active")

	// ErrTooManyDevices means the requested device count exceeds the
	// plan's limit.
	ErrTooManyDevices = errors.New("device count exceeds plan limit")

	// ErrInvalidCredentials means an authentication attempt failed.
	ErrInvalidCredentials = errors.New("invalid credentials")
)
