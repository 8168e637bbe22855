// Package refresh implements the side-channel call that renews an expired
// session.
//
// Two refreshers are provided:
//   - HTTPRefresher: POSTs to a cookie-session refresh endpoint
//     (http://localhost:8080/refresh by default) with the session cookie jar attached
//   - OAuth2Refresher: exchanges a stored OAuth2 refresh token for a new access token
//
// Refresh returns an Outcome together with an error. Non-success responses are
// reported as *Error wrapping ErrSessionExpired, ErrSessionTakenOver or ErrRejected,
// so callers can use errors.Is:
//
//	outcome, err := r.Refresh(ctx)
//	if errors.Is(err, refresh.ErrSessionTakenOver) {
//		// the user logged in elsewhere
//	}
package refresh
