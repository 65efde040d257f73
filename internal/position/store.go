package position

import (
	"fmt"
	"sync"
)

// Store holds the open positions. The executor is the single writer;
// the trailing engine and session loop read snapshots. Per-position
// update serialization lives in the trailing engine, not here.
type Store struct {
	mu       sync.RWMutex
	byID     map[string]Position
	bySymbol map[string]string // symbol -> position ID
	onMutate func()
}

// NewStore creates an empty store. onMutate, if set, runs after every
// successful mutation; persistence hooks in there.
func NewStore(onMutate func()) *Store {
	return &Store{
		byID:     make(map[string]Position),
		bySymbol: make(map[string]string),
		onMutate: onMutate,
	}
}

func (s *Store) notify() {
	if s.onMutate != nil {
		s.onMutate()
	}
}

// Add registers a new position. One strategy-owned position per symbol.
func (s *Store) Add(p Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[p.ID]; exists {
		return fmt.Errorf("position %s already exists", p.ID)
	}
	if other, exists := s.bySymbol[p.Symbol]; exists {
		return fmt.Errorf("symbol %s already held by position %s", p.Symbol, other)
	}
	s.byID[p.ID] = p
	s.bySymbol[p.Symbol] = p.ID
	s.notify()
	return nil
}

// Update replaces an existing position.
func (s *Store) Update(p Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[p.ID]; !exists {
		return fmt.Errorf("position %s not found", p.ID)
	}
	s.byID[p.ID] = p
	s.notify()
	return nil
}

// Remove deletes a position, returning the final snapshot.
func (s *Store) Remove(id string) (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, exists := s.byID[id]
	if !exists {
		return Position{}, fmt.Errorf("position %s not found", id)
	}
	delete(s.byID, id)
	delete(s.bySymbol, p.Symbol)
	s.notify()
	return p, nil
}

// Get returns a snapshot of one position.
func (s *Store) Get(id string) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	return p, ok
}

// GetBySymbol returns the position holding the symbol, if any.
func (s *Store) GetBySymbol(symbol string) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySymbol[symbol]
	if !ok {
		return Position{}, false
	}
	p, ok := s.byID[id]
	return p, ok
}

// Holds reports whether a strategy-owned position exists for the symbol.
func (s *Store) Holds(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.bySymbol[symbol]
	return ok
}

// Snapshot returns a copy of every open position.
func (s *Store) Snapshot() []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Position, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, p)
	}
	return out
}

// Count returns the number of open positions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Load replaces the whole store contents, used on startup restore.
func (s *Store) Load(positions []Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[string]Position, len(positions))
	s.bySymbol = make(map[string]string, len(positions))
	for _, p := range positions {
		s.byID[p.ID] = p
		s.bySymbol[p.Symbol] = p.ID
	}
}
