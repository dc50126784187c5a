// Package store is the process-wide observable state container. All other
// components read and write UI-relevant state through a Store.
package store

import (
	"context"
	"log/slog"
	"sync"
)

// Listener is called after every update with the new and previous snapshots.
type Listener func(newState, oldState State)

// Updater computes the next state from the latest one.
type Updater func(State) State

// Store holds the current State. Updates are applied one at a time to the
// latest snapshot and listeners are notified before Set returns.
type Store struct {
	mu        sync.Mutex
	state     State
	listeners map[int]Listener
	order     []int
	nextID    int
}

// New creates a Store with the given initial state.
func New(initial State) *Store {
	return &Store{
		state:     initial,
		listeners: make(map[int]Listener),
	}
}

// Get returns the current snapshot.
func (s *Store) Get() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Set applies fn to the latest state and notifies every listener with the
// resulting snapshot before returning.
//
// Listeners run on the calling goroutine after the lock is released, so they
// may call Set again. Updates made by one goroutine reach a listener in
// order. Listeners of concurrent Sets may run interleaved and out of order;
// each call still gets a consistent (new, old) pair, so a listener should
// act on that pair and read Get when it needs the latest state.
func (s *Store) Set(fn Updater) State {
	return s.update(func(st State) (State, bool) { return fn(st), true })
}

// update is Set for updaters that may find nothing to change. Listeners are
// skipped when changed is false.
func (s *Store) update(fn func(State) (next State, changed bool)) State {
	s.mu.Lock()
	old := s.state
	next, changed := fn(old)
	if !changed {
		s.mu.Unlock()
		return old
	}
	s.state = next
	listeners := make([]Listener, 0, len(s.order))
	for _, id := range s.order {
		listeners = append(listeners, s.listeners[id])
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(next, old)
	}
	return next
}

// Subscribe registers a listener and returns a function removing it.
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.order = append(s.order, id)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.listeners, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}

// ConnectivitySource reports connectivity and its transitions.
type ConnectivitySource interface {
	Online() bool
	Watch(ctx context.Context) <-chan bool
}

// TrackConnectivity mirrors src into State.Online until ctx is done.
func (s *Store) TrackConnectivity(ctx context.Context, src ConnectivitySource) {
	s.SetOnline(src.Online())
	changes := src.Watch(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case online, ok := <-changes:
				if !ok {
					return
				}
				slog.Debug("connectivity changed", "component", "store", "online", online)
				s.SetOnline(online)
			}
		}
	}()
}

// SetOnline records a connectivity transition. No update is made when the
// value is unchanged.
func (s *Store) SetOnline(online bool) {
	s.update(func(st State) (State, bool) {
		if st.Online == online {
			return st, false
		}
		st.Online = online
		return st, true
	})
}
