package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ees-trading/ees/internal/config"
	"github.com/ees-trading/ees/internal/position"
)

// SchemaVersion is bumped on incompatible snapshot layout changes.
const SchemaVersion = 1

// ErrCorrupt means the state file could not be trusted; the caller
// should reconcile against the broker instead.
var ErrCorrupt = fmt.Errorf("state file corrupt")

// OrderRecord is one in-flight order worth surviving a restart.
type OrderRecord struct {
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	PositionID    string    `json:"position_id,omitempty"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Quantity      int64     `json:"quantity"`
	PlacedAt      time.Time `json:"placed_at"`
}

// Counters are the daily tallies.
type Counters struct {
	TradesToday      int             `json:"trades_today"`
	RealizedPnLToday decimal.Decimal `json:"realized_pnl_today"`
}

// SessionState is the phase view worth persisting.
type SessionState struct {
	Phase     string    `json:"phase"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot is the whole durable record.
type Snapshot struct {
	SchemaVersion int                 `json:"schemaVersion"`
	LastSavedAt   time.Time           `json:"lastSavedAt"`
	SessionState  SessionState        `json:"sessionState"`
	Positions     []position.Position `json:"positions"`
	Orders        []OrderRecord       `json:"orders"`
	Counters      Counters            `json:"counters"`
}

// Store persists snapshots with an atomic write-fsync-rename swap.
// There is exactly one writer.
type Store struct {
	path   string
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewStore creates a store writing to path.
func NewStore(path string) *Store {
	return &Store{path: path, logger: config.NewLogger("state")}
}

func (s *Store) tmpPath() string {
	return s.path + ".tmp"
}

// Save writes the snapshot atomically.
func (s *Store) Save(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.SchemaVersion = SchemaVersion
	snap.LastSavedAt = time.Now()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	f, err := os.OpenFile(s.tmpPath(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("opening temp state file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}

	if err := os.Rename(s.tmpPath(), s.path); err != nil {
		return fmt.Errorf("swapping state file: %w", err)
	}
	return nil
}

// Load reads the last snapshot. A missing file with no leftover temp
// file is a clean first start (empty snapshot, no error). A missing
// file WITH a leftover temp file, an unreadable file, or a newer schema
// all return ErrCorrupt: the caller reconciles from the broker.
func (s *Store) Load() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		if _, tmpErr := os.Stat(s.tmpPath()); tmpErr == nil {
			s.logger.Error().Str("path", s.tmpPath()).Msg("orphaned temp state file, treating as corrupt")
			return Snapshot{}, fmt.Errorf("%w: interrupted write left %s", ErrCorrupt, s.tmpPath())
		}
		return Snapshot{SchemaVersion: SchemaVersion}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if snap.SchemaVersion > SchemaVersion {
		return Snapshot{}, fmt.Errorf("%w: schema %d newer than supported %d", ErrCorrupt, snap.SchemaVersion, SchemaVersion)
	}

	s.logger.Info().
		Int("positions", len(snap.Positions)).
		Int("orders", len(snap.Orders)).
		Time("saved_at", snap.LastSavedAt).
		Msg("state restored")
	return snap, nil
}
