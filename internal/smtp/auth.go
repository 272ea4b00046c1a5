// Package smtp implements the SMTP listener: a pure command state machine,
// the per-connection session that drives it, and the accept loop.
package smtp

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBadCredentials is returned when no configured credential matches.
	ErrBadCredentials = errors.New("authentication failed")
	// ErrMalformedAuth is returned when AUTH data cannot be decoded.
	ErrMalformedAuth = errors.New("malformed authentication data")
)

// Credential is one username/password pair accepted by AUTH.
type Credential struct {
	Username string
	Password string
}

// Authenticator checks AUTH PLAIN and AUTH LOGIN responses against a fixed
// credential set.
type Authenticator struct {
	required    bool
	credentials []Credential
}

// NewAuthenticator creates an Authenticator. When required is false, AUTH is
// not advertised and MAIL is accepted from anyone.
func NewAuthenticator(required bool, credentials []Credential) *Authenticator {
	creds := make([]Credential, 0, len(credentials))
	for _, c := range credentials {
		if c.Username == "" {
			continue
		}
		creds = append(creds, c)
	}
	return &Authenticator{required: required, credentials: creds}
}

// Required reports whether clients must authenticate before MAIL.
func (a *Authenticator) Required() bool {
	return a != nil && a.required
}

// Verify checks a plain username and password. Usernames match
// case-insensitively, passwords exactly. The configured spelling of the
// username is returned on success.
func (a *Authenticator) Verify(username, password string) (string, error) {
	if a == nil {
		return "", ErrBadCredentials
	}

	matched := ""
	for _, c := range a.credentials {
		userOK := strings.EqualFold(c.Username, username)
		passOK := subtle.ConstantTimeCompare([]byte(c.Password), []byte(password)) == 1
		if userOK && passOK && matched == "" {
			matched = c.Username
		}
	}
	if matched == "" {
		return "", ErrBadCredentials
	}
	return matched, nil
}

// VerifyPlain decodes and verifies an AUTH PLAIN response:
// base64(authzid NUL authcid NUL password). The authorization identity is
// ignored.
func (a *Authenticator) VerifyPlain(encoded string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64", ErrMalformedAuth)
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: expected 3 NUL separated fields", ErrMalformedAuth)
	}
	return a.Verify(parts[1], parts[2])
}

// VerifyLogin verifies the two base64 answers of an AUTH LOGIN exchange.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) (string, error) {
	user, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encodedUser))
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64 username", ErrMalformedAuth)
	}
	pass, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encodedPass))
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64 password", ErrMalformedAuth)
	}
	return a.Verify(string(user), string(pass))
}
