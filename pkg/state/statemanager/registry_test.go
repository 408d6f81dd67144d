package statemanager_test

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"

	"github.com/a-essam23/go-wsuser/pkg/state"
	"github.com/a-essam23/go-wsuser/pkg/state/statemanager"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// memStore keeps records in memory and counts saves, standing in for the
// persisted collaborator.
type memStore struct {
	mu      sync.Mutex
	records map[string][]byte
	saves   int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string][]byte)}
}

func (s *memStore) Load(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.records[name]
	if !ok {
		return state.ErrNotFound
	}
	return json.Unmarshal(raw, v)
}

func (s *memStore) Save(name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[name] = raw
	s.saves++
	return nil
}

func (s *memStore) Exists(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[name]
	return ok, nil
}

func (s *memStore) Watch(name string, fn func()) error { return state.ErrWatchUnsupported }
func (s *memStore) Close() error                       { return nil }

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func newTestRegistry(t *testing.T) (*statemanager.Registry, *memStore) {
	t.Helper()
	store := newMemStore()
	r, err := statemanager.New(store, newTestLogger())
	if err != nil {
		t.Fatalf("statemanager.New failed: %v", err)
	}
	return r, store
}

func testRecord(email string) *state.UserRecord {
	return &state.UserRecord{
		Email:         email,
		Name:          "Tester",
		Organizations: []string{"org1"},
		Roles:         []string{"user"},
	}
}

// --- Tests ---

func TestGrantAndLookup(t *testing.T) {
	r, _ := newTestRegistry(t)

	if err := r.Grant("a@b.com", "conn-1", testRecord("a@b.com")); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}

	entry, ok := r.Lookup("a@b.com")
	if !ok {
		t.Fatal("Lookup failed to find granted entry")
	}
	if !entry.Has("conn-1") {
		t.Error("entry does not contain granted connection id")
	}
	if entry.Name != "Tester" || len(entry.Roles) != 1 {
		t.Errorf("entry not populated from record: %+v", entry)
	}
	if !r.IsLoggedIn("a@b.com", "conn-1") {
		t.Error("IsLoggedIn false for granted connection")
	}
}

func TestGrantIsIdempotentPerConnection(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Grant("a@b.com", "conn-1", testRecord("a@b.com"))
	r.Grant("a@b.com", "conn-1", testRecord("a@b.com"))

	entry, _ := r.Lookup("a@b.com")
	if len(entry.ConnIDs) != 1 {
		t.Errorf("duplicate grant duplicated the connection id: %v", entry.ConnIDs)
	}
}

func TestRevokeDeletesEmptiedEntry(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Grant("a@b.com", "conn-1", testRecord("a@b.com"))
	r.Grant("a@b.com", "conn-2", testRecord("a@b.com"))

	if err := r.Revoke("a@b.com", "conn-1"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	entry, ok := r.Lookup("a@b.com")
	if !ok || entry.Has("conn-1") || !entry.Has("conn-2") {
		t.Errorf("partial revoke wrong: %+v ok=%v", entry, ok)
	}

	r.Revoke("a@b.com", "conn-2")
	if _, ok := r.Lookup("a@b.com"); ok {
		t.Error("entry survived after its last connection was revoked")
	}
}

func TestRevokeUnknownIsNoOp(t *testing.T) {
	r, store := newTestRegistry(t)
	before := store.saveCount()
	if err := r.Revoke("ghost@b.com", "conn-x"); err != nil {
		t.Fatalf("Revoke of unknown identity errored: %v", err)
	}
	_ = before // a persist still happens; only the absence of panic/error matters
}

func TestSwapIsAtomic(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Grant("old@b.com", "conn-1", testRecord("old@b.com"))

	var sawBoth, sawNeither bool
	r.OnChange(func() {
		_, oldOK := r.Lookup("old@b.com")
		newEntry, newOK := r.Lookup("new@b.com")
		oldHolds := oldOK
		newHolds := newOK && newEntry.Has("conn-1")
		if oldHolds && newHolds {
			sawBoth = true
		}
		if !oldHolds && !newHolds {
			sawNeither = true
		}
	})

	if err := r.Swap("old@b.com", "new@b.com", "conn-1", testRecord("new@b.com")); err != nil {
		t.Fatalf("Swap failed: %v", err)
	}

	if _, ok := r.Lookup("old@b.com"); ok {
		t.Error("old identity still holds an entry after swap")
	}
	entry, ok := r.Lookup("new@b.com")
	if !ok || !entry.Has("conn-1") {
		t.Error("new identity does not hold the connection after swap")
	}
	if sawBoth || sawNeither {
		t.Error("observers saw an intermediate state during swap")
	}
}

func TestSwapSameIdentity(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Grant("a@b.com", "conn-1", testRecord("a@b.com"))

	if err := r.Swap("a@b.com", "a@b.com", "conn-1", testRecord("a@b.com")); err != nil {
		t.Fatalf("Swap failed: %v", err)
	}
	entry, ok := r.Lookup("a@b.com")
	if !ok || !entry.Has("conn-1") {
		t.Error("same-identity swap lost the session")
	}
}

func TestWriteThroughPersistence(t *testing.T) {
	store := newMemStore()
	r, err := statemanager.New(store, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	r.Grant("a@b.com", "conn-1", testRecord("a@b.com"))

	// A fresh registry over the same store sees the session.
	r2, err := statemanager.New(store, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	if !r2.IsLoggedIn("a@b.com", "conn-1") {
		t.Error("persisted session invisible to a fresh registry")
	}

	r.Revoke("a@b.com", "conn-1")
	if err := r2.Reload(); err != nil {
		t.Fatal(err)
	}
	if r2.IsLoggedIn("a@b.com", "conn-1") {
		t.Error("revocation not visible after reload")
	}
}

func TestSetNameUpdatesExistingEntryOnly(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Grant("a@b.com", "conn-1", testRecord("a@b.com"))

	if err := r.SetName("a@b.com", "Renamed"); err != nil {
		t.Fatal(err)
	}
	entry, _ := r.Lookup("a@b.com")
	if entry.Name != "Renamed" {
		t.Errorf("name not updated: %q", entry.Name)
	}

	if err := r.SetName("ghost@b.com", "Nobody"); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("SetName for unknown identity returned %v, want ErrNotFound", err)
	}
}

func TestConcurrentMutation(t *testing.T) {
	r, _ := newTestRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			email := "user" + strconv.Itoa(i%5) + "@b.com"
			connID := "conn-" + strconv.Itoa(i)
			r.Grant(email, connID, testRecord(email))
			r.IsLoggedIn(email, connID)
			r.Revoke(email, connID)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 5; i++ {
		email := "user" + strconv.Itoa(i) + "@b.com"
		if _, ok := r.Lookup(email); ok {
			t.Errorf("entry %s survived though all its connections were revoked", email)
		}
	}
}
