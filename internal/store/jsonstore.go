// Package store provides persisted key-value adapters for the session
// registry and per-identity user records.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/a-essam23/go-wsuser/pkg/state"
)

// JSONStore persists each named record as a pretty-printed JSON file under a
// root directory. User records live at users/<email>/<email>.json, the
// session registry at logged_users.json. Writes go through a temp file and
// rename so a record is never observable half-written.
type JSONStore struct {
	root   string
	logger *slog.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	watches  map[string][]func() // absolute file path -> subscribers
	suppress map[string]int      // own writes pending watcher events
	done     chan struct{}
}

var _ state.Store = (*JSONStore)(nil)

func NewJSONStore(root string, logger *slog.Logger) (*JSONStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating store root: %w", err)
	}
	return &JSONStore{
		root:     root,
		logger:   logger.With(slog.String("component", "json_store")),
		watches:  make(map[string][]func()),
		suppress: make(map[string]int),
	}, nil
}

func (s *JSONStore) path(name string) string {
	if email, ok := strings.CutPrefix(name, "users/"); ok {
		return filepath.Join(s.root, "users", email, email+".json")
	}
	return filepath.Join(s.root, name+".json")
}

func (s *JSONStore) Load(name string, v any) error {
	raw, err := os.ReadFile(s.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state.ErrNotFound
		}
		return fmt.Errorf("reading record %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding record %s: %w", name, err)
	}
	return nil
}

func (s *JSONStore) Save(name string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", name, err)
	}
	path := s.path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating record directory: %w", err)
	}

	s.mu.Lock()
	if _, watched := s.watches[path]; watched {
		s.suppress[path]++
	}
	s.mu.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("writing record %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("committing record %s: %w", name, err)
	}
	return nil
}

func (s *JSONStore) Exists(name string) (bool, error) {
	_, err := os.Stat(s.path(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Watch notifies fn when the named record's file changes on disk outside
// this store, e.g. when another process rewrites the shared registry.
func (s *JSONStore) Watch(name string, fn func()) error {
	path := s.path(name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("starting store watcher: %w", err)
		}
		s.watcher = w
		s.done = make(chan struct{})
		go s.watchLoop()
	}
	// Watch the directory: renames recreate the file, which would drop a
	// direct file watch.
	if err := s.watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching record %s: %w", name, err)
	}
	s.watches[path] = append(s.watches[path], fn)
	return nil
}

func (s *JSONStore) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			s.dispatch(event.Name)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("store watcher error", slog.Any("error", err))
		}
	}
}

func (s *JSONStore) dispatch(path string) {
	s.mu.Lock()
	fns, ok := s.watches[path]
	if ok && s.suppress[path] > 0 {
		// Our own write; subscribers already saw this state.
		s.suppress[path]--
		ok = false
	}
	cbs := make([]func(), 0, len(fns))
	if ok {
		cbs = append(cbs, fns...)
	}
	s.mu.Unlock()
	for _, fn := range cbs {
		fn()
	}
}

func (s *JSONStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher == nil {
		return nil
	}
	close(s.done)
	err := s.watcher.Close()
	s.watcher = nil
	return err
}
