package market

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Calendar answers trading-day, expiry and scheduled-event questions.
// It is injected everywhere timing matters, next to the Clock.
type Calendar interface {
	IsTradingDay(t time.Time) bool
	NextExpiry(from time.Time) time.Time
	HighImpactEventWithin(from time.Time, window time.Duration) (string, bool)
}

type calendarFile struct {
	ExpiryWeekday string   `yaml:"expiry_weekday"`
	Holidays      []string `yaml:"holidays"`
	Events        []struct {
		Name       string `yaml:"name"`
		At         string `yaml:"at"`
		Importance string `yaml:"importance"`
	} `yaml:"events"`
}

type scheduledEvent struct {
	name string
	at   time.Time
	high bool
}

// FileCalendar is the yaml-backed Calendar implementation.
type FileCalendar struct {
	expiryWeekday time.Weekday
	holidays      map[string]bool // keyed by 2006-01-02
	events        []scheduledEvent
}

// LoadCalendar reads the trading calendar file (holidays, weekly expiry
// weekday, scheduled economic events).
func LoadCalendar(path string) (*FileCalendar, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("calendar: reading %s failed: %w", path, err)
	}
	var file calendarFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("calendar: parsing %s failed: %w", path, err)
	}
	return buildCalendar(file)
}

func buildCalendar(file calendarFile) (*FileCalendar, error) {
	cal := &FileCalendar{
		expiryWeekday: time.Thursday,
		holidays:      make(map[string]bool, len(file.Holidays)),
	}
	if wd := strings.TrimSpace(file.ExpiryWeekday); wd != "" {
		parsed, err := parseWeekday(wd)
		if err != nil {
			return nil, err
		}
		cal.expiryWeekday = parsed
	}
	for _, h := range file.Holidays {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", h); err != nil {
			return nil, fmt.Errorf("calendar: bad holiday date %q: %w", h, err)
		}
		cal.holidays[h] = true
	}
	for _, ev := range file.Events {
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(ev.At))
		if err != nil {
			return nil, fmt.Errorf("calendar: bad event time %q: %w", ev.At, err)
		}
		cal.events = append(cal.events, scheduledEvent{
			name: strings.TrimSpace(ev.Name),
			at:   at,
			high: strings.EqualFold(strings.TrimSpace(ev.Importance), "high"),
		})
	}
	return cal, nil
}

// NewStaticCalendar builds a Calendar without a file; used by tests and by
// setups that manage events elsewhere.
func NewStaticCalendar(expiryWeekday time.Weekday, holidays []time.Time) *FileCalendar {
	cal := &FileCalendar{expiryWeekday: expiryWeekday, holidays: make(map[string]bool, len(holidays))}
	for _, h := range holidays {
		cal.holidays[h.Format("2006-01-02")] = true
	}
	return cal
}

// AddEvent registers a scheduled event (primarily for static calendars).
func (c *FileCalendar) AddEvent(name string, at time.Time, highImportance bool) {
	c.events = append(c.events, scheduledEvent{name: name, at: at, high: highImportance})
}

func (c *FileCalendar) IsTradingDay(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !c.holidays[t.Format("2006-01-02")]
}

// NextExpiry returns the next weekly expiry on or after from. When the
// nominal expiry weekday is a holiday the expiry moves to the previous
// trading day, matching exchange convention.
func (c *FileCalendar) NextExpiry(from time.Time) time.Time {
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, from.Location())
	for i := 0; i < 14; i++ {
		candidate := day.AddDate(0, 0, i)
		if candidate.Weekday() != c.expiryWeekday {
			continue
		}
		adjusted := candidate
		for !c.IsTradingDay(adjusted) {
			adjusted = adjusted.AddDate(0, 0, -1)
		}
		if !adjusted.Before(day) {
			return adjusted
		}
	}
	// Two weeks without the expiry weekday cannot happen on a sane calendar.
	return day.AddDate(0, 0, 7)
}

func (c *FileCalendar) HighImpactEventWithin(from time.Time, window time.Duration) (string, bool) {
	until := from.Add(window)
	for _, ev := range c.events {
		if !ev.high {
			continue
		}
		if !ev.at.Before(from) && ev.at.Before(until) {
			return ev.name, true
		}
	}
	return "", false
}

func parseWeekday(raw string) (time.Weekday, error) {
	switch strings.ToLower(raw) {
	case "monday":
		return time.Monday, nil
	case "tuesday":
		return time.Tuesday, nil
	case "wednesday":
		return time.Wednesday, nil
	case "thursday":
		return time.Thursday, nil
	case "friday":
		return time.Friday, nil
	default:
		return 0, fmt.Errorf("calendar: unsupported expiry weekday %q", raw)
	}
}
