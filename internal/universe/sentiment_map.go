package universe

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// SentimentMapping holds the keyword anchors and source weights used to
// attribute news items to an underlying.
type SentimentMapping struct {
	UnderlyingID      string             `yaml:"underlying_id"`
	Keywords          []string           `yaml:"keywords"`
	SourceReliability map[string]float64 `yaml:"source_reliability"`
}

// SentimentMap indexes sentiment mappings by underlying ID.
type SentimentMap struct {
	byUnderlying map[string]SentimentMapping
}

type sentimentMapFile struct {
	Mappings []SentimentMapping `yaml:"mappings"`
}

// LoadSentimentMap reads the sentiment mapping file.
func LoadSentimentMap(path string) (*SentimentMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sentiment map: %w", err)
	}

	var file sentimentMapFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse sentiment map: %w", err)
	}

	m := &SentimentMap{byUnderlying: make(map[string]SentimentMapping, len(file.Mappings))}
	for i, mapping := range file.Mappings {
		if mapping.UnderlyingID == "" {
			return nil, fmt.Errorf("sentiment map entry %d: underlying_id is required", i)
		}
		if len(mapping.Keywords) == 0 {
			return nil, fmt.Errorf("sentiment map entry %d (%s): at least one keyword is required", i, mapping.UnderlyingID)
		}
		for src, w := range mapping.SourceReliability {
			if w < 0 || w > 1 {
				return nil, fmt.Errorf("sentiment map %s: source %s reliability %f out of [0,1]", mapping.UnderlyingID, src, w)
			}
		}
		m.byUnderlying[mapping.UnderlyingID] = mapping
	}

	log.Info().
		Int("underlyings", len(m.byUnderlying)).
		Str("path", path).
		Msg("Sentiment map loaded")

	return m, nil
}

// Get returns the mapping for an underlying.
func (m *SentimentMap) Get(underlyingID string) (SentimentMapping, bool) {
	mapping, ok := m.byUnderlying[underlyingID]
	return mapping, ok
}

// Matches reports whether a headline mentions any keyword anchor of the
// given underlying. Matching is case-insensitive.
func (m *SentimentMap) Matches(underlyingID, headline string) bool {
	mapping, ok := m.byUnderlying[underlyingID]
	if !ok {
		return false
	}
	lower := strings.ToLower(headline)
	for _, kw := range mapping.Keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// SourceWeight returns the reliability weight for a news source,
// defaulting to 0.5 for unknown sources.
func (m *SentimentMap) SourceWeight(underlyingID, source string) float64 {
	mapping, ok := m.byUnderlying[underlyingID]
	if !ok {
		return 0.5
	}
	if w, ok := mapping.SourceReliability[source]; ok {
		return w
	}
	return 0.5
}
