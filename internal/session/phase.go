package session

import "time"

// Phase is the scheduler's view of the trading day.
type Phase string

const (
	// PhaseDark covers overnight, weekends and holidays. Nothing runs
	// but the heartbeat.
	PhaseDark Phase = "dark"
	// PhasePrep is pre-market: sessions renew, caches and sentiment
	// warm up, the book reconciles. No entries.
	PhasePrep Phase = "prep"
	// PhaseOpen is regular hours: scanning, entries and exits.
	PhaseOpen Phase = "open"
	// PhaseCooldown runs from the close until dark: exits only.
	PhaseCooldown Phase = "cooldown"
)

const (
	prepHour   = 4
	openHour   = 9
	openMinute = 30
	darkHour   = 20
)

// PhaseAt computes the phase for a wall-clock instant. t must already
// be in the exchange timezone.
func PhaseAt(t time.Time, cal *Calendar) Phase {
	if !cal.TradingDay(t) {
		return PhaseDark
	}

	prep := time.Date(t.Year(), t.Month(), t.Day(), prepHour, 0, 0, 0, t.Location())
	open := time.Date(t.Year(), t.Month(), t.Day(), openHour, openMinute, 0, 0, t.Location())
	close := cal.CloseTime(t)
	dark := time.Date(t.Year(), t.Month(), t.Day(), darkHour, 0, 0, 0, t.Location())

	switch {
	case t.Before(prep):
		return PhaseDark
	case t.Before(open):
		return PhasePrep
	case t.Before(close):
		return PhaseOpen
	case t.Before(dark):
		return PhaseCooldown
	}
	return PhaseDark
}

// SessionOpenAt returns the regular-hours open for t's date, for
// opening-range math.
func SessionOpenAt(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), openHour, openMinute, 0, 0, t.Location())
}
