package credstore

import (
	"context"
	"fmt"
	"os"
)

// EnvStore reads a credential from an environment variable.
type EnvStore struct {
	key string
}

// Compile-time check to ensure EnvStore implements Store
var _ Store = (*EnvStore)(nil)

// NewEnvStore creates an EnvStore for the given variable, which must be set.
func NewEnvStore(key string) (*EnvStore, error) {
	if key == "" {
		return nil, fmt.Errorf("environment key cannot be empty")
	}
	if _, ok := os.LookupEnv(key); !ok {
		return nil, fmt.Errorf("environment variable %s not set", key)
	}
	return &EnvStore{key: key}, nil
}

// Read returns the variable's value. Returns error if empty.
func (e *EnvStore) Read(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	credential := os.Getenv(e.key)
	if credential == "" {
		return "", fmt.Errorf("environment variable %s is empty", e.key)
	}
	return credential, nil
}

// Write always fails with ErrReadOnly.
func (e *EnvStore) Write(ctx context.Context, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("environment variable %s: %w", e.key, ErrReadOnly)
}

// Delete always fails with ErrReadOnly.
func (e *EnvStore) Delete(ctx context.Context) error {
	return e.Write(ctx, "")
}
