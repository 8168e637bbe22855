// Package credstore keeps the credential that renews a session between runs:
// the session cookie value for cookie-based refresh, or the OAuth2 refresh
// token for bearer-based refresh.
//
// Backends:
//   - FileStore: a single 0600 file, written atomically
//   - EnvStore: an environment variable (read-only)
//   - KeyringStore: the OS credential manager
//   - RedisStore: a Redis key, shared by several instances
//
// Rotating credentials (OAuth2 refresh tokens, rotated session cookies)
// require a writable backend.
package credstore
