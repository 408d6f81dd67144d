package auth

import (
	"errors"
	"strings"

	"github.com/a-essam23/go-wsuser/pkg/state"
)

// Errors returned by AddUser.
var (
	ErrInvalidEmail  = errors.New("auth: invalid email address")
	ErrShortPassword = errors.New("auth: password must be at least 6 characters")
	ErrUserExists    = errors.New("auth: user already exists")
)

// AddUser creates a user record directly in the store, bypassing the
// security code exchange. It backs operator tooling for seeding accounts.
// An empty name is derived from the local part of the address.
func AddUser(store state.Store, email, password, name string, organizations, roles []string) error {
	if !ValidEmail(email) {
		return ErrInvalidEmail
	}
	if len(password) < 6 {
		return ErrShortPassword
	}
	exists, err := store.Exists(state.UserKey(email))
	if err != nil {
		return err
	}
	if exists {
		return ErrUserExists
	}
	if name == "" {
		name = deriveName(email)
	}
	if organizations == nil {
		organizations = []string{}
	}
	if roles == nil {
		roles = []string{"user"}
	}
	rec := &state.UserRecord{
		Email:         email,
		Password:      HashPassword(password),
		Name:          name,
		Organizations: organizations,
		Roles:         roles,
	}
	return store.Save(state.UserKey(email), rec)
}

// deriveName turns the local part of an address into a display name:
// separators become spaces and each word is capitalized.
func deriveName(email string) string {
	local, _, _ := strings.Cut(email, "@")
	words := strings.FieldsFunc(local, func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || r == '+'
	})
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
