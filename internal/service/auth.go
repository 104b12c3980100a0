package service

import (
	"crypto/subtle"
	"strings"

	"signalgw/internal/config"
)

// UserAuthenticator checks credentials against the configured gateway users.
type UserAuthenticator struct {
	users map[string]string
}

func NewUserAuthenticator(users []config.GatewayUser) *UserAuthenticator {
	m := make(map[string]string, len(users))
	for _, u := range users {
		m[strings.TrimSpace(u.Name)] = u.Password
	}
	return &UserAuthenticator{users: m}
}

func (a *UserAuthenticator) Authenticate(user, password string) bool {
	expected, ok := a.users[strings.TrimSpace(user)]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(password)) == 1
}
