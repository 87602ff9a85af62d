// Package calendar derives the day and week keys used as reset watermarks and
// leaderboard partitions. Keys are computed in a configured location so that
// "today" follows the player's local calendar rather than UTC.
package calendar

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

const dayLayout = "2006-01-02"

// weekRegex matches ISO week keys: {YYYY}-W{ww}
// Example: 2026-W42
var weekRegex = regexp.MustCompile(`^(\d{4})-W(\d{2})$`)

var ErrInvalidWeek = errors.New("calendar: invalid week key")

// DayID returns the calendar day key of t in loc.
func DayID(t time.Time, loc *time.Location) string {
	return t.In(orUTC(loc)).Format(dayLayout)
}

// WeekID returns the ISO week key of t in loc.
func WeekID(t time.Time, loc *time.Location) string {
	year, week := t.In(orUTC(loc)).ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// NextMidnight returns the first instant of the day after t in loc.
func NextMidnight(t time.Time, loc *time.Location) time.Time {
	lt := t.In(orUTC(loc))
	return time.Date(lt.Year(), lt.Month(), lt.Day()+1, 0, 0, 0, 0, lt.Location())
}

// ParseWeekID validates a week key and returns its ISO year and week.
func ParseWeekID(id string) (year, week int, err error) {
	m := weekRegex.FindStringSubmatch(id)
	if m == nil {
		return 0, 0, fmt.Errorf("%w: %s (expected YYYY-Www)", ErrInvalidWeek, id)
	}
	year, _ = strconv.Atoi(m[1])
	week, _ = strconv.Atoi(m[2])
	if week < 1 || week > 53 {
		return 0, 0, fmt.Errorf("%w: week %d out of range", ErrInvalidWeek, week)
	}
	return year, week, nil
}

// LoadLocation resolves a timezone name, falling back to UTC when the zone
// database is unavailable.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

func orUTC(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
