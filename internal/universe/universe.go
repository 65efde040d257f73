package universe

import (
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// SchemaVersion is the current universe file schema version.
// Files with a different major version are rejected.
const SchemaVersion = "1.0.0"

// Direction is the polarity of a leveraged ETF relative to its underlying.
type Direction string

const (
	DirectionBull    Direction = "bull"
	DirectionBear    Direction = "bear"
	DirectionNeutral Direction = "neutral"
)

// Symbol carries the static metadata for one tradable instrument.
// Symbols are immutable once loaded.
type Symbol struct {
	Ticker         string    `yaml:"symbol"`
	Direction      Direction `yaml:"direction"`
	UnderlyingID   string    `yaml:"underlying_id"`
	LeverageFactor int       `yaml:"leverage_factor"`
	PairSymbol     string    `yaml:"pair_symbol,omitempty"`
}

// Universe is the curated set of symbols the strategy scans.
type Universe struct {
	symbols map[string]Symbol
	ordered []string
}

type universeFile struct {
	Version string   `yaml:"version"`
	Symbols []Symbol `yaml:"symbols"`
}

// Load reads and validates the universe file.
func Load(path string) (*Universe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read universe file: %w", err)
	}

	var file universeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse universe file: %w", err)
	}

	if err := checkSchemaVersion(file.Version); err != nil {
		return nil, err
	}

	u := &Universe{symbols: make(map[string]Symbol, len(file.Symbols))}
	for i, s := range file.Symbols {
		if err := s.validate(); err != nil {
			return nil, fmt.Errorf("universe entry %d: %w", i, err)
		}
		s.Ticker = strings.ToUpper(s.Ticker)
		if _, dup := u.symbols[s.Ticker]; dup {
			return nil, fmt.Errorf("universe entry %d: duplicate symbol %s", i, s.Ticker)
		}
		u.symbols[s.Ticker] = s
		u.ordered = append(u.ordered, s.Ticker)
	}

	if len(u.ordered) == 0 {
		return nil, fmt.Errorf("universe file %s contains no symbols", path)
	}

	log.Info().
		Int("symbols", len(u.ordered)).
		Str("path", path).
		Msg("Universe loaded")

	return u, nil
}

func checkSchemaVersion(version string) error {
	if version == "" {
		return fmt.Errorf("universe file is missing a version")
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid universe file version %q: %w", version, err)
	}
	current := semver.MustParse(SchemaVersion)
	if v.Major() != current.Major() {
		return fmt.Errorf("unsupported universe schema version %s (supported: %d.x)", version, current.Major())
	}
	return nil
}

func (s Symbol) validate() error {
	if s.Ticker == "" {
		return fmt.Errorf("symbol is required")
	}
	if len(s.Ticker) > 8 {
		return fmt.Errorf("symbol %q exceeds 8 characters", s.Ticker)
	}
	switch s.Direction {
	case DirectionBull, DirectionBear, DirectionNeutral:
	default:
		return fmt.Errorf("symbol %s: invalid direction %q", s.Ticker, s.Direction)
	}
	switch s.LeverageFactor {
	case 1, 2, 3:
	default:
		return fmt.Errorf("symbol %s: leverage_factor must be 1, 2 or 3, got %d", s.Ticker, s.LeverageFactor)
	}
	if s.Direction != DirectionNeutral && s.UnderlyingID == "" {
		return fmt.Errorf("symbol %s: underlying_id is required for directional symbols", s.Ticker)
	}
	return nil
}

// Get returns the metadata for a ticker.
func (u *Universe) Get(ticker string) (Symbol, bool) {
	s, ok := u.symbols[strings.ToUpper(ticker)]
	return s, ok
}

// Tickers returns all tickers in file order.
func (u *Universe) Tickers() []string {
	out := make([]string, len(u.ordered))
	copy(out, u.ordered)
	return out
}

// Underlyings returns the distinct underlying IDs across the universe.
func (u *Universe) Underlyings() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range u.ordered {
		s := u.symbols[t]
		if s.UnderlyingID == "" || seen[s.UnderlyingID] {
			continue
		}
		seen[s.UnderlyingID] = true
		out = append(out, s.UnderlyingID)
	}
	return out
}

// Size returns the number of symbols in the universe.
func (u *Universe) Size() int {
	return len(u.ordered)
}
