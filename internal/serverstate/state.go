// Package serverstate tracks the instance lifecycle state (ready, draining)
// and optionally publishes it to a shared store so load balancers and other
// instances can observe it.
package serverstate

import (
	"sync"
	"sync/atomic"
)

// State is the published view of one server instance.
type State struct {
	Status            string `json:"status"`
	ActiveConnections int    `json:"active_connections"`
}

// Store persists instance state somewhere observable.
type Store interface {
	Load() State
	Save(State)
}

type memoryStore struct {
	mu sync.Mutex
	st State
}

func (m *memoryStore) Load() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

func (m *memoryStore) Save(st State) {
	m.mu.Lock()
	m.st = st
	m.mu.Unlock()
}

var (
	storeMu sync.RWMutex
	store   Store = &memoryStore{}

	draining atomic.Bool
	active   atomic.Int64
)

// UseStore replaces the backing store (e.g. with a Redis store).
func UseStore(s Store) {
	storeMu.Lock()
	store = s
	storeMu.Unlock()
	publish()
}

func currentStore() Store {
	storeMu.RLock()
	defer storeMu.RUnlock()
	return store
}

func publish() {
	currentStore().Save(Current())
}

// Current returns this instance's state.
func Current() State {
	status := "ready"
	if draining.Load() {
		status = "draining"
	}
	return State{Status: status, ActiveConnections: int(active.Load())}
}

// StartDrain marks the server as draining. New connections must be refused.
func StartDrain() {
	draining.Store(true)
	publish()
}

// IsDraining reports whether the server is draining.
func IsDraining() bool {
	return draining.Load()
}

// ConnectionStarted records a newly accepted connection.
func ConnectionStarted() {
	active.Add(1)
	publish()
}

// ConnectionEnded records a finished connection.
func ConnectionEnded() {
	active.Add(-1)
	publish()
}

// ActiveConnections returns the number of live connections on this instance.
func ActiveConnections() int {
	return int(active.Load())
}

// Reset restores the initial state. Intended for tests.
func Reset() {
	draining.Store(false)
	active.Store(0)
	UseStore(&memoryStore{})
}
