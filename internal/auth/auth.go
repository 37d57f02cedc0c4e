// Package auth issues and validates the relay's bearer tokens and checks
// development account credentials.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	ErrAuthDisabled       = errors.New("auth disabled")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Identity is the authenticated member a token speaks for.
type Identity struct {
	UserID string
	Email  string
	Roles  []string
}

// Account is a login the relay accepts.
type Account struct {
	Email    string   `yaml:"email"`
	Password string   `yaml:"password"`
	UserID   string   `yaml:"user_id"`
	Roles    []string `yaml:"roles"`
}

// Accounts checks email/password pairs against a fixed list.
type Accounts struct {
	byEmail map[string]Account
}

// NewAccounts indexes accounts by lower-cased email.
func NewAccounts(accounts []Account) *Accounts {
	a := &Accounts{byEmail: make(map[string]Account, len(accounts))}
	for _, acc := range accounts {
		a.byEmail[strings.ToLower(strings.TrimSpace(acc.Email))] = acc
	}
	return a
}

// Authenticate returns the identity for a matching email and password.
func (a *Accounts) Authenticate(email, password string) (Identity, error) {
	acc, ok := a.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok || subtle.ConstantTimeCompare([]byte(acc.Password), []byte(password)) != 1 {
		return Identity{}, ErrInvalidCredentials
	}
	return Identity{UserID: acc.UserID, Email: acc.Email, Roles: acc.Roles}, nil
}
