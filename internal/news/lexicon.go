package news

import (
	"strings"
)

// Lexicon polarity scoring in the VADER family: token hits accumulate
// signed weight, boosters amplify the following hit, and a negation
// within three tokens flips the sign.

var positiveLexicon = map[string]float64{
	"surge":       0.8,
	"surges":      0.8,
	"soar":        0.9,
	"soars":       0.9,
	"rally":       0.7,
	"rallies":     0.7,
	"beat":        0.6,
	"beats":       0.6,
	"upgrade":     0.7,
	"upgraded":    0.7,
	"record":      0.5,
	"growth":      0.5,
	"profit":      0.5,
	"profits":     0.5,
	"strong":      0.5,
	"bullish":     0.8,
	"gain":        0.6,
	"gains":       0.6,
	"jump":        0.6,
	"jumps":       0.6,
	"outperform":  0.6,
	"outperforms": 0.6,
	"expands":     0.4,
	"breakthrough": 0.7,
	"optimistic":  0.5,
}

var negativeLexicon = map[string]float64{
	"plunge":     -0.9,
	"plunges":    -0.9,
	"crash":      -0.9,
	"crashes":    -0.9,
	"tumble":     -0.7,
	"tumbles":    -0.7,
	"miss":       -0.6,
	"misses":     -0.6,
	"downgrade":  -0.7,
	"downgraded": -0.7,
	"loss":       -0.5,
	"losses":     -0.5,
	"weak":       -0.5,
	"bearish":    -0.8,
	"fall":       -0.5,
	"falls":      -0.5,
	"drop":       -0.5,
	"drops":      -0.5,
	"slump":      -0.7,
	"slumps":     -0.7,
	"lawsuit":    -0.6,
	"probe":      -0.5,
	"recall":     -0.6,
	"layoffs":    -0.6,
	"bankruptcy": -0.9,
	"warns":      -0.6,
	"warning":    -0.6,
	"cuts":       -0.5,
}

var boosterWords = map[string]float64{
	"very":      1.3,
	"extremely": 1.5,
	"sharply":   1.4,
	"massive":   1.4,
	"huge":      1.3,
	"slightly":  0.6,
	"modestly":  0.7,
}

var negationWords = map[string]bool{
	"not":     true,
	"no":      true,
	"never":   true,
	"without": true,
	"fails":   true,
	"failed":  true,
}

// scoreText returns polarity in [-1, 1] and a scorer confidence in
// [0, 1]. Confidence grows with the number of lexicon hits; text with
// no hits scores zero at zero confidence.
func scoreText(text string) (polarity, confidence float64) {
	tokens := strings.Fields(strings.ToLower(strings.Map(stripPunct, text)))

	var total float64
	var hits int
	booster := 1.0
	negateWindow := 0

	for _, tok := range tokens {
		if negationWords[tok] {
			negateWindow = 3
			continue
		}
		if b, ok := boosterWords[tok]; ok {
			booster = b
			continue
		}

		w, ok := positiveLexicon[tok]
		if !ok {
			w, ok = negativeLexicon[tok]
		}
		if ok {
			w *= booster
			if negateWindow > 0 {
				w = -w * 0.7
			}
			total += w
			hits++
		}

		booster = 1.0
		if negateWindow > 0 {
			negateWindow--
		}
	}

	if hits == 0 {
		return 0, 0
	}

	polarity = total / float64(hits)
	if polarity > 1 {
		polarity = 1
	}
	if polarity < -1 {
		polarity = -1
	}

	confidence = float64(hits) / 3.0
	if confidence > 1 {
		confidence = 1
	}
	return polarity, confidence
}

func stripPunct(r rune) rune {
	switch r {
	case '.', ',', ';', ':', '!', '?', '"', '\'', '(', ')', '[', ']':
		return ' '
	}
	return r
}
