package session

import (
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"
)

// Authenticator checks device credentials presented on the CWMP endpoint.
type Authenticator interface {
	Authenticate(username, password string, ok bool) bool
}

// AllowAll accepts every device.
type AllowAll struct{}

func (AllowAll) Authenticate(string, string, bool) bool { return true }

// BasicAuthenticator accepts one shared username with a bcrypt password hash.
type BasicAuthenticator struct {
	Username     string
	PasswordHash string
}

func (a BasicAuthenticator) Authenticate(username, password string, ok bool) bool {
	if !ok || a.PasswordHash == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(username), []byte(a.Username)) != 1 {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)) == nil
}
