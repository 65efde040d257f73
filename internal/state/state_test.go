package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ees-trading/ees/internal/position"
)

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStore(path)

	p := position.New("TQQQ", 70, decimal.NewFromFloat(50.00), time.Now().Truncate(time.Second))
	snap := Snapshot{
		SessionState: SessionState{Phase: "open", UpdatedAt: time.Now()},
		Positions:    []position.Position{p},
		Orders: []OrderRecord{{
			OrderID:       "ord-1",
			ClientOrderID: "idem-1",
			Symbol:        "TQQQ",
			Side:          "BUY",
			Quantity:      70,
			PlacedAt:      time.Now(),
		}},
		Counters: Counters{TradesToday: 3, RealizedPnLToday: decimal.NewFromFloat(120.50)},
	}
	require.NoError(t, s.Save(snap))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, got.SchemaVersion)
	require.Len(t, got.Positions, 1)
	assert.Equal(t, p.ID, got.Positions[0].ID)
	assert.True(t, got.Positions[0].EntryPrice.Equal(p.EntryPrice))
	assert.Equal(t, 3, got.Counters.TradesToday)
	assert.Equal(t, "open", got.SessionState.Phase)

	// No temp file left behind.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestLoad_FirstStartIsClean(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "state.json"))
	snap, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, snap.Positions)
}

func TestLoad_OrphanedTempFileIsCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path+".tmp", []byte("partial"), 0o644))

	s := NewStore(path)
	_, err := s.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestLoad_MalformedJSONIsCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0o644))

	s := NewStore(path)
	_, err := s.Load()
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestLoad_NewerSchemaIsCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schemaVersion": 99}`), 0o644))

	s := NewStore(path)
	_, err := s.Load()
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestSave_OverwritesPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStore(path)

	require.NoError(t, s.Save(Snapshot{Counters: Counters{TradesToday: 1}}))
	require.NoError(t, s.Save(Snapshot{Counters: Counters{TradesToday: 2}}))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, got.Counters.TradesToday)
}
