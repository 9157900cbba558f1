package auth

import "errors"

// Reasons carried by *AuthError. The decode reasons are safe to show to
// the client; the credential mismatch reasons are collapsed into one
// message by ClientMessage.
var (
	ErrMissingHeader   = errors.New("The 'Authorization' header was missing.")
	ErrNotBasic        = errors.New("The authorization scheme was not 'Basic'.")
	ErrBadBase64       = errors.New("Failed to base64-decode 'Basic' credentials.")
	ErrNotUTF8         = errors.New("The decoded credential string is not valid UTF8.")
	ErrMissingUsername = errors.New("A username must be provided in 'Basic' auth.")
	ErrMissingPassword = errors.New("A password must be provided in 'Basic' auth.")
	ErrUnknownUsername = errors.New("unknown username")
	ErrInvalidPassword = errors.New("invalid password")
)

// ErrMalformedHash means a stored hash could not be parsed.
var ErrMalformedHash = errors.New("malformed password hash")

// AuthError is an authentication failure. It unwraps to its Reason.
type AuthError struct {
	Reason error
}

func (e *AuthError) Error() string { return e.Reason.Error() }

func (e *AuthError) Unwrap() error { return e.Reason }

func authErr(reason error) *AuthError { return &AuthError{Reason: reason} }

// ClientMessage is the text returned with a 401. Unknown usernames and
// wrong passwords produce the same message.
func ClientMessage(err error) string {
	if errors.Is(err, ErrUnknownUsername) || errors.Is(err, ErrInvalidPassword) {
		return "Invalid username or password."
	}
	var aErr *AuthError
	if errors.As(err, &aErr) {
		return aErr.Reason.Error()
	}
	return "Authentication failed."
}

// MetricReason is a short label for the auth failure counter.
func MetricReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownUsername):
		return "unknown_username"
	case errors.Is(err, ErrInvalidPassword):
		return "invalid_password"
	default:
		return "malformed_header"
	}
}
