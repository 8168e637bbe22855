package credstore

import (
	"context"
	"errors"
)

// ErrReadOnly is returned by Write on backends that cannot persist credentials.
var ErrReadOnly = errors.New("credential storage is read-only")

// Store reads and writes a single credential.
type Store interface {
	// Read returns the stored credential. Returns error if it is missing or empty.
	Read(ctx context.Context) (string, error)

	// Write replaces the stored credential.
	Write(ctx context.Context, credential string) error

	// Delete removes the stored credential. Deleting a missing credential is
	// not an error.
	Delete(ctx context.Context) error
}
