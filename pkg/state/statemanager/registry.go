// Package statemanager implements the shared session registry with
// write-through persistence: every mutation rewrites the whole backing
// record atomically so concurrent processes never observe a torn update.
package statemanager

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/a-essam23/go-wsuser/pkg/state"
)

type Registry struct {
	store  state.Store
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*state.SessionEntry

	cbMu      sync.Mutex
	callbacks []func()
}

// compile-time check to ensure Registry implements state.Registry.
var _ state.Registry = (*Registry)(nil)

// New loads the persisted session registry, starting empty when none exists,
// and subscribes to external changes where the store supports watching.
func New(store state.Store, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		store:    store,
		logger:   logger.With(slog.String("component", "session_registry")),
		sessions: make(map[string]*state.SessionEntry),
	}
	if err := r.load(); err != nil {
		return nil, fmt.Errorf("loading session registry: %w", err)
	}

	err := store.Watch(state.SessionsKey, func() {
		if err := r.Reload(); err != nil {
			r.logger.Error("failed to reload externally changed registry", slog.Any("error", err))
		}
	})
	if err != nil && !errors.Is(err, state.ErrWatchUnsupported) {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	sessions := make(map[string]*state.SessionEntry)
	if err := r.store.Load(state.SessionsKey, &sessions); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil
		}
		return err
	}
	r.mu.Lock()
	r.sessions = sessions
	r.mu.Unlock()
	return nil
}

// Reload re-reads the backing record after an external change and notifies
// subscribers so connection handlers can re-check their identity.
func (r *Registry) Reload() error {
	if err := r.load(); err != nil {
		return err
	}
	r.logger.Debug("registry reloaded after external change")
	r.notify()
	return nil
}

// persistLocked writes the full registry through to the store. Called with
// the write lock held so the read-modify-write is atomic.
func (r *Registry) persistLocked() error {
	if err := r.store.Save(state.SessionsKey, r.sessions); err != nil {
		return fmt.Errorf("persisting session registry: %w", err)
	}
	return nil
}

func (r *Registry) Grant(email, connID string, rec *state.UserRecord) error {
	r.mu.Lock()
	r.grantLocked(email, connID, rec)
	err := r.persistLocked()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.logger.Debug("session granted", slog.String("email", email), slog.String("connID", connID))
	r.notify()
	return nil
}

func (r *Registry) grantLocked(email, connID string, rec *state.UserRecord) {
	entry, ok := r.sessions[email]
	if !ok {
		entry = &state.SessionEntry{Email: email}
		if rec != nil {
			entry.Name = rec.Name
			entry.Organizations = rec.Organizations
			entry.Roles = rec.Roles
		}
		r.sessions[email] = entry
	}
	if !entry.Has(connID) {
		entry.ConnIDs = append(entry.ConnIDs, connID)
	}
}

func (r *Registry) Revoke(email, connID string) error {
	r.mu.Lock()
	r.revokeLocked(email, connID)
	err := r.persistLocked()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.logger.Debug("session revoked", slog.String("email", email), slog.String("connID", connID))
	r.notify()
	return nil
}

func (r *Registry) revokeLocked(email, connID string) {
	entry, ok := r.sessions[email]
	if !ok {
		return
	}
	remaining := entry.ConnIDs[:0:0]
	for _, id := range entry.ConnIDs {
		if id != connID {
			remaining = append(remaining, id)
		}
	}
	entry.ConnIDs = remaining
	// The entry is deleted the instant its connection set empties.
	if len(entry.ConnIDs) == 0 {
		delete(r.sessions, email)
	}
}

func (r *Registry) RevokeAll(email string) error {
	r.mu.Lock()
	delete(r.sessions, email)
	err := r.persistLocked()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.logger.Debug("all sessions revoked", slog.String("email", email))
	r.notify()
	return nil
}

// Swap performs the login identity exchange in one handling step: the old
// identity loses the connection id in the same critical section the new
// identity gains it.
func (r *Registry) Swap(oldEmail, newEmail, connID string, rec *state.UserRecord) error {
	r.mu.Lock()
	if oldEmail != "" && oldEmail != newEmail {
		r.revokeLocked(oldEmail, connID)
	}
	r.grantLocked(newEmail, connID, rec)
	err := r.persistLocked()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.logger.Debug("session swapped",
		slog.String("from", oldEmail),
		slog.String("to", newEmail),
		slog.String("connID", connID),
	)
	r.notify()
	return nil
}

func (r *Registry) IsLoggedIn(email, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[email]
	return ok && entry.Has(connID)
}

func (r *Registry) Lookup(email string) (state.SessionEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[email]
	if !ok {
		return state.SessionEntry{}, false
	}
	return entry.Clone(), true
}

func (r *Registry) SetName(email, name string) error {
	r.mu.Lock()
	entry, ok := r.sessions[email]
	if !ok {
		r.mu.Unlock()
		return state.ErrNotFound
	}
	entry.Name = name
	err := r.persistLocked()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.notify()
	return nil
}

func (r *Registry) OnChange(fn func()) {
	r.cbMu.Lock()
	r.callbacks = append(r.callbacks, fn)
	r.cbMu.Unlock()
}

func (r *Registry) notify() {
	r.cbMu.Lock()
	cbs := make([]func(), len(r.callbacks))
	copy(cbs, r.callbacks)
	r.cbMu.Unlock()
	for _, fn := range cbs {
		fn()
	}
}
