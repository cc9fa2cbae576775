package domain

import "errors"

// Sentinel errors shared by the store, the service and the HTTP layer.
// Handlers map these onto status codes; clients map status codes back.
var (
	// ErrSessionNotFound means the referenced session does not exist. Clients
	// holding a cached session id must discard it on this error, not retry.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionBlocked means a visitor write was rejected because the
	// session is blocked. History stays visible; only new user messages are
	// refused.
	ErrSessionBlocked = errors.New("session blocked")

	// ErrValidation means the request was rejected before any persistence.
	ErrValidation = errors.New("validation failed")

	// ErrNameTaken is returned by the store when an insert or rename collides
	// with another active session's display name. The directory service
	// resolves it by suffixing; it never escapes to API callers.
	ErrNameTaken = errors.New("display name taken")
)
