package radiusdb

import (
	"context"
	"errors"
)

// ErrNoAttributes is returned when a username has no provisioned rows.
var ErrNoAttributes = errors.New("no radius attributes for user")

// Store persists FreeRADIUS authorization rows. Replace is atomic: it
// removes any existing rows for the username and writes the new set in
// one step, so a crash never leaves a user half-provisioned.
type Store interface {
	// Replace writes the full attribute set for set.Username, removing
	// any rows a previous provisioning left behind.
	Replace(ctx context.Context, set *AttributeSet) error

	// Remove deletes all rows for the username. Removing a username
	// that has no rows is not an error.
	Remove(ctx context.Context, username string) error

	// Lookup returns the provisioned set, or ErrNoAttributes.
	Lookup(ctx context.Context, username string) (*AttributeSet, error)
}
