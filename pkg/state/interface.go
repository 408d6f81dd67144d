package state

import "errors"

// ErrNotFound is returned by Store.Load when no record exists under a name.
var ErrNotFound = errors.New("state: record not found")

// ErrWatchUnsupported is returned by stores without external change
// notification.
var ErrWatchUnsupported = errors.New("state: watch not supported")

// SessionsKey names the registry record shared by all connections.
const SessionsKey = "logged_users"

// UserKey names the persisted record for one identity.
func UserKey(email string) string { return "users/" + email }

// Store is the persisted key-value collaborator: load/save a named record
// as structured data. Every Save must be atomic per write.
type Store interface {
	Load(name string, v any) error
	Save(name string, v any) error
	Exists(name string) (bool, error)

	// Watch invokes fn after the named record changes outside this
	// process. Stores without such a facility return ErrWatchUnsupported.
	Watch(name string, fn func()) error

	Close() error
}

// Registry is the source of truth for "is this identity logged in", shared
// across all concurrently accepted connections.
type Registry interface {
	// Grant adds connID to email's session entry, creating it from rec if
	// absent.
	Grant(email, connID string, rec *UserRecord) error
	// Revoke removes connID from email's entry, deleting the entry the
	// instant its connection set empties.
	Revoke(email, connID string) error
	// RevokeAll deletes email's entire entry.
	RevokeAll(email string) error
	// Swap atomically revokes connID from oldEmail and grants it to
	// newEmail: no intermediate state where both or neither hold it is
	// observable.
	Swap(oldEmail, newEmail, connID string, rec *UserRecord) error

	IsLoggedIn(email, connID string) bool
	Lookup(email string) (SessionEntry, bool)
	// SetName updates the display name on email's entry, returning
	// ErrNotFound when no session exists for it.
	SetName(email, name string) error

	// OnChange subscribes to registry mutations, including reloads caused
	// by external edits to the backing record.
	OnChange(fn func())
}
