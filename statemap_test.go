package statemap

import (
	"slices"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBackend struct {
	mu        sync.Mutex
	persists  int
	last      State
	loadState State
	loadErr   error
}

func (b *recordingBackend) Load() (State, error) {
	return b.loadState, b.loadErr
}

func (b *recordingBackend) Persist(state State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.persists++
	b.last = state
	return nil
}

func (b *recordingBackend) stats() (int, State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.persists, b.last
}

func TestEveryMutationPersists(t *testing.T) {
	b := &recordingBackend{}
	m, err := New(b, nil)
	require.NoError(t, err)

	assert.NoError(t, m.Set("a", 1.0))
	assert.NoError(t, m.Set("b", "two"))
	assert.NoError(t, m.Update(State{"c": true, "d": nil}))
	assert.NoError(t, m.Delete("a"))

	v, err := m.Pop("b")
	assert.NoError(t, err)
	assert.Equal(t, "two", v)

	assert.NoError(t, m.Clear())

	persists, last := b.stats()
	assert.Equal(t, 6, persists)
	assert.Equal(t, State{}, last)
}

func TestUpdatePersistsOnce(t *testing.T) {
	b := &recordingBackend{}
	m, err := New(b, nil)
	require.NoError(t, err)

	require.NoError(t, m.Update(State{"a": 1.0, "b": 2.0, "c": 3.0}))

	persists, last := b.stats()
	assert.Equal(t, 1, persists)
	assert.Equal(t, 3, len(last))
}

func TestDeleteMissingKey(t *testing.T) {
	b := &recordingBackend{}
	m, err := New(b, nil)
	require.NoError(t, err)

	err = m.Delete("nope")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	persists, _ := b.stats()
	assert.Equal(t, 0, persists)
}

func TestPopMissingKey(t *testing.T) {
	b := &recordingBackend{}
	m, err := New(b, nil)
	require.NoError(t, err)

	_, err = m.Pop("nope")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	persists, _ := b.stats()
	assert.Equal(t, 0, persists)
}

func TestPopDefault(t *testing.T) {
	b := &recordingBackend{}
	m, err := New(b, State{"a": 1.0})
	require.NoError(t, err)

	v, err := m.PopDefault("a", "fallback")
	assert.NoError(t, err)
	assert.Equal(t, 1.0, v)
	assert.False(t, m.Contains("a"))

	// pop with a default never fails on an absent key, but it still
	// runs the persist like the removal case does
	v, err = m.PopDefault("a", "fallback")
	assert.NoError(t, err)
	assert.Equal(t, "fallback", v)

	persists, _ := b.stats()
	assert.Equal(t, 2, persists)
}

func TestReadsDoNotPersist(t *testing.T) {
	b := &recordingBackend{}
	m, err := New(b, State{"a": 1.0, "b": 2.0})
	require.NoError(t, err)

	_, _ = m.Get("a")
	_ = m.GetDefault("x", nil)
	_ = m.Contains("b")
	_ = m.Len()
	for range m.Keys() {
	}
	for range m.Items() {
	}

	persists, _ := b.stats()
	assert.Equal(t, 0, persists)
}

func TestKeysRestartable(t *testing.T) {
	m, err := New(&recordingBackend{}, State{"a": 1.0, "b": 2.0, "c": 3.0})
	require.NoError(t, err)

	first := slices.Sorted(m.Keys())
	second := slices.Sorted(m.Keys())
	assert.Equal(t, []string{"a", "b", "c"}, first)
	assert.Equal(t, first, second)

	// breaking out early must not wedge a later restart
	for range m.Keys() {
		break
	}
	assert.Equal(t, first, slices.Sorted(m.Keys()))
}

func TestConcurrentSetsLoseNothing(t *testing.T) {
	b := &recordingBackend{}
	m, err := New(b, nil)
	require.NoError(t, err)

	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Set(k, k))
		}()
	}
	wg.Wait()

	assert.Equal(t, len(keys), m.Len())
	for _, k := range keys {
		assert.True(t, m.Contains(k))
	}
	persists, _ := b.stats()
	assert.Equal(t, len(keys), persists)
}

func TestNewKeepsInitialWhenBackendHasNoState(t *testing.T) {
	m, err := New(&recordingBackend{loadState: nil}, State{"seed": true})
	require.NoError(t, err)
	assert.True(t, m.Contains("seed"))
}

func TestNewPrefersLoadedState(t *testing.T) {
	// an empty non-nil load result means the medium was consulted and
	// held nothing, which discards the initial value
	m, err := New(&recordingBackend{loadState: State{}}, State{"seed": true})
	require.NoError(t, err)
	assert.Equal(t, 0, m.Len())

	m, err = New(&recordingBackend{loadState: State{"x": 1.0}}, State{"seed": true})
	require.NoError(t, err)
	assert.False(t, m.Contains("seed"))
	assert.True(t, m.Contains("x"))
}

func TestNewPropagatesLoadError(t *testing.T) {
	boom := errors.New("disk on fire")
	_, err := New(&recordingBackend{loadErr: boom}, nil)
	assert.ErrorIs(t, err, boom)
}
