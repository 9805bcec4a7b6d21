package statemap

import (
	"errors"
	"iter"
	"maps"
	"slices"
	"sync"
)

// State is the single mapping value owned by a Map. It is the unit of
// persistence and replication: backends always receive and produce whole
// State values, never individual entries.
type State = map[string]any

var ErrKeyNotFound = errors.New("statemap: key not found")

// Backend is the persistence strategy bound to a Map for its lifetime.
//
// Load returns the state held by the backing medium. A nil State means the
// backend manages no initial state (the Map keeps whatever initial value it
// was constructed with); an empty non-nil State means the medium was read
// and held nothing usable. Load must not fail on corrupt or missing data,
// only on I/O errors that have no local recovery.
//
// Persist receives a snapshot of the whole state after every mutation.
type Backend interface {
	Load() (State, error)
	Persist(state State) error
}

// liveBackend is implemented by backends that push state into the Map from
// the outside (network updates). The Map installs a snapshot getter and an
// apply callback at construction time.
type liveBackend interface {
	install(snapshot func() State, apply func(State))
}

// Map is a mapping container bound to exactly one Backend. Every mutating
// operation updates the in-memory state and then persists it synchronously,
// before returning to the caller. Reads never touch the backend.
//
// A Map is safe for concurrent use. Remote updates applied by a live
// backend race with local mutations; the last write observed wins.
type Map struct {
	mu      sync.RWMutex
	data    State
	backend Backend
}

// New creates a Map bound to b, populated from b.Load. The initial value is
// kept only when the backend manages no state of its own (a fresh
// Replicated backend); file backends replace it with whatever the file
// holds, or with an empty state when the file is missing or corrupt.
func New(b Backend, initial State) (*Map, error) {
	m := &Map{backend: b, data: State{}}
	if initial != nil {
		m.data = maps.Clone(initial)
	}
	if lb, ok := b.(liveBackend); ok {
		lb.install(m.snapshot, m.applyRemote)
	}
	loaded, err := b.Load()
	if err != nil {
		return nil, err
	}
	if loaded != nil {
		m.data = loaded
	}
	return m, nil
}

// Get returns the value stored under key.
func (m *Map) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

// GetDefault returns the value stored under key, or def when absent.
func (m *Map) GetDefault(key string, def any) any {
	if v, ok := m.Get(key); ok {
		return v
	}
	return def
}

func (m *Map) Contains(key string) bool {
	_, ok := m.Get(key)
	return ok
}

func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Keys returns a restartable sequence over the keys. The sequence iterates
// a snapshot taken when iteration starts, so it is safe against concurrent
// mutation and has no persistence side effect.
func (m *Map) Keys() iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, k := range m.keySnapshot() {
			if !yield(k) {
				return
			}
		}
	}
}

// Items returns a restartable sequence over key/value pairs.
func (m *Map) Items() iter.Seq2[string, any] {
	return func(yield func(string, any) bool) {
		m.mu.RLock()
		snap := maps.Clone(m.data)
		m.mu.RUnlock()
		for k, v := range snap {
			if !yield(k, v) {
				return
			}
		}
	}
}

// Values returns a restartable sequence over the values.
func (m *Map) Values() iter.Seq[any] {
	return func(yield func(any) bool) {
		for _, v := range m.Items() {
			if !yield(v) {
				return
			}
		}
	}
}

func (m *Map) keySnapshot() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Collect(maps.Keys(m.data))
}

// Set inserts or replaces the value under key, then persists.
func (m *Map) Set(key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return m.persist()
}

// Delete removes key, then persists. Deleting an absent key fails with
// ErrKeyNotFound and persists nothing.
func (m *Map) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		return ErrKeyNotFound
	}
	delete(m.data, key)
	return m.persist()
}

// Update merges all entries of other into the state, then persists once
// for the whole batch.
func (m *Map) Update(other State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	maps.Copy(m.data, other)
	return m.persist()
}

// Clear empties the state, then persists.
func (m *Map) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = State{}
	return m.persist()
}

// Pop removes and returns the value under key, then persists. An absent
// key fails with ErrKeyNotFound before any persist happens.
func (m *Map) Pop(key string) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	delete(m.data, key)
	return v, m.persist()
}

// PopDefault removes and returns the value under key, or returns def when
// the key is absent. The persist still runs in the absent case.
func (m *Map) PopDefault(key string, def any) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return def, m.persist()
	}
	delete(m.data, key)
	return v, m.persist()
}

// persist hands a snapshot of the current state to the backend. Called
// with m.mu held so persists are serialized in mutation order.
func (m *Map) persist() error {
	return m.backend.Persist(maps.Clone(m.data))
}

func (m *Map) snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.data)
}

// applyRemote replaces the whole state with a value received from the
// network. No persist is triggered; the backend already has the state.
func (m *Map) applyRemote(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = s
}
