package secrets

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned when a named secret does not exist.
var ErrNotFound = fmt.Errorf("secret not found")

// Store is the key-value secret interface the rest of the system depends
// on. The OAuth session manager watches token names to observe
// out-of-band rotation by the renewal UI.
type Store interface {
	// Get returns the current value of a named secret.
	Get(ctx context.Context, name string) ([]byte, error)

	// Put writes a named secret.
	Put(ctx context.Context, name string, value []byte) error

	// Watch delivers the current value and every subsequent change of a
	// named secret until ctx is cancelled. The channel is closed on
	// cancellation.
	Watch(ctx context.Context, name string) (<-chan []byte, error)
}

// MemoryStore is an in-process Store used by tests and paper runs.
type MemoryStore struct {
	mu       sync.RWMutex
	values   map[string][]byte
	watchers map[string][]chan []byte
}

// NewMemoryStore creates an empty in-memory secret store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:   make(map[string][]byte),
		watchers: make(map[string][]chan []byte),
	}
}

// Get returns the value of a secret.
func (s *MemoryStore) Get(ctx context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Put stores a secret and notifies watchers when the value changed.
func (s *MemoryStore) Put(ctx context.Context, name string, value []byte) error {
	s.mu.Lock()
	changed := !bytes.Equal(s.values[name], value)
	v := make([]byte, len(value))
	copy(v, value)
	s.values[name] = v

	var notify []chan []byte
	if changed {
		notify = append(notify, s.watchers[name]...)
	}
	s.mu.Unlock()

	for _, ch := range notify {
		select {
		case ch <- v:
		default:
			// Watcher is not keeping up; it will catch up on the next change.
		}
	}
	return nil
}

// Watch returns a channel receiving the current value and later changes.
func (s *MemoryStore) Watch(ctx context.Context, name string) (<-chan []byte, error) {
	ch := make(chan []byte, 4)

	s.mu.Lock()
	if v, ok := s.values[name]; ok {
		ch <- v
	}
	s.watchers[name] = append(s.watchers[name], ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		ws := s.watchers[name]
		for i, w := range ws {
			if w == ch {
				s.watchers[name] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

// pollInterval is the default cadence for poll-based Watch implementations.
const defaultPollInterval = 15 * time.Second
