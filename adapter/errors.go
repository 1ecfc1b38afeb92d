package marketplace

import "errors"

var (
	// ErrCredentialNotFound is returned by a CredentialStore for a missing key
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrNoRefreshToken is returned when a refresh is requested without a stored refresh token
	ErrNoRefreshToken = errors.New("no refresh token")

	// ErrRefreshRejected marks a refresh token the server will never accept again
	ErrRefreshRejected = errors.New("refresh token rejected")

	// ErrMissingAccessToken is returned when a token response carries no access token
	ErrMissingAccessToken = errors.New("token response missing access token")

	// ErrNoValidSession is returned by Token when no usable access token could be obtained
	ErrNoValidSession = errors.New("no valid session")

	// ErrInvalidConfig wraps configuration validation failures
	ErrInvalidConfig = errors.New("invalid configuration")
)
