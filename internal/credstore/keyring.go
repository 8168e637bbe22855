package credstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// DefaultKeyringService is the keyring service name credentials are filed under.
const DefaultKeyringService = "refreshwatch-session"

// KeyringStore keeps the credential in the OS credential manager
// (macOS Keychain, Windows Credential Manager, Linux Secret Service).
type KeyringStore struct {
	service string
	user    string
}

// Compile-time check to ensure KeyringStore implements Store
var _ Store = (*KeyringStore)(nil)

// NewKeyringStore creates a KeyringStore for the given service and user.
func NewKeyringStore(service, user string) (*KeyringStore, error) {
	if service == "" {
		return nil, fmt.Errorf("keyring service cannot be empty")
	}
	if user == "" {
		return nil, fmt.Errorf("keyring user cannot be empty")
	}
	return &KeyringStore{service: service, user: user}, nil
}

// Read returns the credential from the keyring. Returns error if not found or empty.
func (k *KeyringStore) Read(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	credential, err := keyring.Get(k.service, k.user)
	if err != nil {
		return "", fmt.Errorf("reading keyring entry %s/%s: %w", k.service, k.user, err)
	}
	if credential == "" {
		return "", fmt.Errorf("empty keyring entry %s/%s", k.service, k.user)
	}
	return credential, nil
}

// Write stores the credential, overwriting any existing entry.
func (k *KeyringStore) Write(ctx context.Context, credential string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := keyring.Set(k.service, k.user, credential); err != nil {
		return fmt.Errorf("writing keyring entry %s/%s: %w", k.service, k.user, err)
	}
	return nil
}

// Delete removes the keyring entry.
func (k *KeyringStore) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := keyring.Delete(k.service, k.user); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("deleting keyring entry %s/%s: %w", k.service, k.user, err)
	}
	return nil
}
