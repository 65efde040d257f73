package session

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// dateLayout is how the holiday file spells dates.
const dateLayout = "2006-01-02"

// Calendar holds the exchange holiday schedule. Dates are compared in
// the exchange timezone; a half day trades until its early close.
type Calendar struct {
	holidays    map[string]string // date -> name
	earlyCloses map[string]string // date -> "HH:MM"
}

type calendarFile struct {
	Holidays []struct {
		Date string `yaml:"date"`
		Name string `yaml:"name"`
	} `yaml:"holidays"`
	EarlyCloses []struct {
		Date  string `yaml:"date"`
		Close string `yaml:"close"`
	} `yaml:"early_closes"`
}

// LoadCalendar reads the holiday file. An empty path yields a calendar
// with no holidays, which keeps sandbox runs simple.
func LoadCalendar(path string) (*Calendar, error) {
	cal := &Calendar{
		holidays:    make(map[string]string),
		earlyCloses: make(map[string]string),
	}
	if path == "" {
		return cal, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read holiday file: %w", err)
	}
	var file calendarFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse holiday file: %w", err)
	}

	for i, h := range file.Holidays {
		if _, err := time.Parse(dateLayout, h.Date); err != nil {
			return nil, fmt.Errorf("holiday entry %d: invalid date %q: %w", i, h.Date, err)
		}
		cal.holidays[h.Date] = h.Name
	}
	for i, e := range file.EarlyCloses {
		if _, err := time.Parse(dateLayout, e.Date); err != nil {
			return nil, fmt.Errorf("early close entry %d: invalid date %q: %w", i, e.Date, err)
		}
		if _, err := time.Parse("15:04", e.Close); err != nil {
			return nil, fmt.Errorf("early close entry %d: invalid time %q: %w", i, e.Close, err)
		}
		cal.earlyCloses[e.Date] = e.Close
	}
	return cal, nil
}

// IsHoliday reports whether the market is fully closed on t's date.
func (c *Calendar) IsHoliday(t time.Time) bool {
	_, ok := c.holidays[t.Format(dateLayout)]
	return ok
}

// HolidayName returns the holiday name for t's date, if any.
func (c *Calendar) HolidayName(t time.Time) (string, bool) {
	name, ok := c.holidays[t.Format(dateLayout)]
	return name, ok
}

// CloseTime returns the regular-hours close for t's date. Half days
// close early; everything else closes at 16:00.
func (c *Calendar) CloseTime(t time.Time) time.Time {
	hm := "16:00"
	if early, ok := c.earlyCloses[t.Format(dateLayout)]; ok {
		hm = early
	}
	parsed, _ := time.Parse("15:04", hm)
	return time.Date(t.Year(), t.Month(), t.Day(), parsed.Hour(), parsed.Minute(), 0, 0, t.Location())
}

// TradingDay reports whether t's date has a regular session at all.
func (c *Calendar) TradingDay(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !c.IsHoliday(t)
}
