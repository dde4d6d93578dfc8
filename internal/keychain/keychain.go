// Package keychain abstracts the host OS credential store. The service
// keeps every secret (provider credentials, API key plaintexts, MCP
// client secrets, OAuth tokens) behind the KeychainStorage interface so
// the rest of the code never touches the platform keychain directly and
// tests can substitute an in-memory store.
package keychain

import (
	"errors"

	"localrouter/internal/api"
)

// ServiceAPIKeys is the keychain service name for API key and MCP
// client secrets.
const ServiceAPIKeys = "LocalRouter-APIKeys"

// ServiceProviders is the keychain service name for upstream provider
// credentials.
const ServiceProviders = "LocalRouter-Providers"

// ServiceOAuthTokens is the keychain service name for OAuth token sets
// belonging to MCP backends.
const ServiceOAuthTokens = "LocalRouter-OAuthTokens"

// ErrNotFound is returned by Get when no secret exists for the account.
var ErrNotFound = errors.New("keychain entry not found")

// KeychainStorage is the interface to the host OS credential store. All
// operations are synchronous and fallible with a single error kind
// (api.ErrKindStorage) apart from the not-found sentinel.
type KeychainStorage interface {
	// Set stores a secret under (service, account), overwriting any
	// existing entry.
	Set(service, account, secret string) error
	// Get retrieves the secret for (service, account). Returns
	// ErrNotFound when absent.
	Get(service, account string) (string, error)
	// Delete removes the entry for (service, account). Deleting an
	// absent entry returns ErrNotFound.
	Delete(service, account string) error
	// Exists reports whether an entry is present without returning it.
	Exists(service, account string) (bool, error)
}

// IsNotFound reports whether err is the missing-entry sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func storageError(err error, op string) error {
	return api.WrapError(api.ErrKindStorage, err, "keychain %s failed", op)
}
