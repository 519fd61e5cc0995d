// Package smtpd implements a small capturing SMTP server. It speaks enough
// ESMTP for a client to authenticate, upgrade to TLS and hand over messages,
// which are passed to a Handler instead of being relayed.
package smtpd

import (
	"encoding/base64"
	"errors"
	"strings"
)

// ErrInvalidCredentials is returned when the supplied credentials do not
// match the configured ones.
var ErrInvalidCredentials = errors.New("smtpd: invalid credentials")

// errMalformed is returned for undecodable AUTH payloads.
var errMalformed = errors.New("smtpd: malformed authentication payload")

// Authenticator verifies SMTP AUTH exchanges against a single configured
// account.
type Authenticator struct {
	username   string
	password   string
	mechanisms []string
}

// NewAuthenticator creates an Authenticator with the given credentials. The
// mechanisms are advertised in EHLO in the given order; nil means PLAIN and
// LOGIN. If both username and password are empty, authentication is disabled.
func NewAuthenticator(username, password string, mechanisms ...string) *Authenticator {
	if len(mechanisms) == 0 {
		mechanisms = []string{"PLAIN", "LOGIN"}
	}
	upper := make([]string, 0, len(mechanisms))
	for _, m := range mechanisms {
		upper = append(upper, strings.ToUpper(m))
	}
	return &Authenticator{
		username:   username,
		password:   password,
		mechanisms: upper,
	}
}

// Enabled returns true if authentication credentials are configured.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// Mechanisms returns the advertised mechanism names.
func (a *Authenticator) Mechanisms() []string {
	return a.mechanisms
}

// Supports reports whether mech is advertised.
func (a *Authenticator) Supports(mech string) bool {
	mech = strings.ToUpper(mech)
	for _, m := range a.mechanisms {
		if m == mech {
			return true
		}
	}
	return false
}

// VerifyPlain decodes and verifies an AUTH PLAIN payload of the form
// base64(authzid \0 authcid \0 password). It returns the authenticated user.
func (a *Authenticator) VerifyPlain(encoded string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errMalformed
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return "", errMalformed
	}

	return a.check(parts[1], parts[2])
}

// VerifyLogin verifies the base64 username and password collected by the
// AUTH LOGIN challenge-response flow.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) (string, error) {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return "", errMalformed
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return "", errMalformed
	}

	return a.check(string(user), string(pass))
}

func (a *Authenticator) check(user, pass string) (string, error) {
	if user != a.username || pass != a.password {
		return "", ErrInvalidCredentials
	}
	return user, nil
}
