package auth

import (
	"encoding/base64"
	"strings"
	"unicode/utf8"
)

// Credentials are a username and a plaintext password taken from a
// request. The password is never logged.
type Credentials struct {
	Username string
	Password string
}

// DecodeBasicAuth parses an Authorization header value of the form
// "Basic base64(username:password)". The password may itself contain ':'.
func DecodeBasicAuth(header string) (Credentials, error) {
	if header == "" {
		return Credentials{}, authErr(ErrMissingHeader)
	}
	encoded, ok := strings.CutPrefix(header, "Basic ")
	if !ok {
		return Credentials{}, authErr(ErrNotBasic)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return Credentials{}, authErr(ErrBadBase64)
	}
	if !utf8.Valid(raw) {
		return Credentials{}, authErr(ErrNotUTF8)
	}

	username, password, found := strings.Cut(string(raw), ":")
	if username == "" {
		return Credentials{}, authErr(ErrMissingUsername)
	}
	if !found {
		return Credentials{}, authErr(ErrMissingPassword)
	}
	return Credentials{Username: username, Password: password}, nil
}
