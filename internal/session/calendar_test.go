package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCalendar(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "holidays.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const calendarYAML = `
holidays:
  - date: 2026-01-01
    name: New Year's Day
  - date: 2026-07-03
    name: Independence Day (observed)
early_closes:
  - date: 2026-11-27
    close: "13:00"
`

func TestLoadCalendar(t *testing.T) {
	cal, err := LoadCalendar(writeCalendar(t, calendarYAML))
	require.NoError(t, err)

	ny := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, cal.IsHoliday(ny))
	name, ok := cal.HolidayName(ny)
	require.True(t, ok)
	assert.Equal(t, "New Year's Day", name)

	assert.False(t, cal.IsHoliday(time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)))
}

func TestLoadCalendar_EmptyPathHasNoHolidays(t *testing.T) {
	cal, err := LoadCalendar("")
	require.NoError(t, err)
	assert.False(t, cal.IsHoliday(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)))
}

func TestLoadCalendar_InvalidDateRejected(t *testing.T) {
	_, err := LoadCalendar(writeCalendar(t, "holidays:\n  - date: not-a-date\n    name: Bad\n"))
	assert.Error(t, err)
}

func TestCloseTime(t *testing.T) {
	cal, err := LoadCalendar(writeCalendar(t, calendarYAML))
	require.NoError(t, err)

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	regular := cal.CloseTime(time.Date(2026, 8, 24, 10, 0, 0, 0, loc))
	assert.Equal(t, 16, regular.Hour())
	assert.Equal(t, 0, regular.Minute())

	half := cal.CloseTime(time.Date(2026, 11, 27, 10, 0, 0, 0, loc))
	assert.Equal(t, 13, half.Hour())
}

func TestTradingDay(t *testing.T) {
	cal, err := LoadCalendar(writeCalendar(t, calendarYAML))
	require.NoError(t, err)

	assert.True(t, cal.TradingDay(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)))  // Monday
	assert.False(t, cal.TradingDay(time.Date(2026, 8, 22, 10, 0, 0, 0, time.UTC))) // Saturday
	assert.False(t, cal.TradingDay(time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC))) // Sunday
	assert.False(t, cal.TradingDay(time.Date(2026, 7, 3, 10, 0, 0, 0, time.UTC)))  // holiday
}

func TestPhaseAt(t *testing.T) {
	cal, err := LoadCalendar(writeCalendar(t, calendarYAML))
	require.NoError(t, err)
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	at := func(h, m int) time.Time {
		return time.Date(2026, 8, 24, h, m, 0, 0, loc) // a regular Monday
	}

	tests := []struct {
		name string
		t    time.Time
		want Phase
	}{
		{"overnight", at(2, 0), PhaseDark},
		{"prep start", at(4, 0), PhasePrep},
		{"just before open", at(9, 29), PhasePrep},
		{"open", at(9, 30), PhaseOpen},
		{"mid-session", at(13, 0), PhaseOpen},
		{"close", at(16, 0), PhaseCooldown},
		{"evening", at(19, 59), PhaseCooldown},
		{"dark again", at(20, 0), PhaseDark},
		{"saturday", time.Date(2026, 8, 22, 12, 0, 0, 0, loc), PhaseDark},
		{"holiday", time.Date(2026, 7, 3, 12, 0, 0, 0, loc), PhaseDark},
		{"half day open", time.Date(2026, 11, 27, 12, 59, 0, 0, loc), PhaseOpen},
		{"half day early cooldown", time.Date(2026, 11, 27, 13, 0, 0, 0, loc), PhaseCooldown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PhaseAt(tt.t, cal))
		})
	}
}
