package cron

import "time"

// searchHorizon bounds the next-fire walk. Expressions that cannot
// match within this window (e.g. Feb 30) report no fire.
const searchHorizon = 5 * 366 * 24 * time.Hour

// Next returns the first instant strictly after from at which the
// expression matches, evaluated against the wall clock in loc. A nil
// loc means the local time zone. The boolean is false when nothing
// matches within the search horizon.
func (e *Expression) Next(from time.Time, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.Local
	}

	// Advance to the next minute boundary strictly after from.
	t := from.In(loc).Truncate(time.Minute).Add(time.Minute)
	limit := from.Add(searchHorizon)

	for t.Before(limit) {
		if !e.contains(FieldMonth, int(t.Month())) {
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, 1, 0)
			continue
		}
		if !e.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
			continue
		}
		if !e.contains(FieldHour, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc).Add(time.Hour)
			continue
		}
		if !e.contains(FieldMinute, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t, true
	}
	return time.Time{}, false
}

// NextN returns up to n successive fire times after from.
func (e *Expression) NextN(from time.Time, n int, loc *time.Location) []time.Time {
	times := make([]time.Time, 0, n)
	t := from
	for len(times) < n {
		next, ok := e.Next(t, loc)
		if !ok {
			break
		}
		times = append(times, next)
		t = next
	}
	return times
}

// Matches reports whether the wall clock of t in loc satisfies the
// expression. Seconds are ignored.
func (e *Expression) Matches(t time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	return e.contains(FieldMinute, t.Minute()) &&
		e.contains(FieldHour, t.Hour()) &&
		e.contains(FieldMonth, int(t.Month())) &&
		e.dayMatches(t)
}

// dayMatches applies the Vixie-cron day tie-break: with both day fields
// restricted, a date matches when either the day-of-month set or the
// day-of-week set contains it.
func (e *Expression) dayMatches(t time.Time) bool {
	domWild := e.wildcard[FieldDayOfMonth]
	dowWild := e.wildcard[FieldDayOfWeek]

	domMatch := e.contains(FieldDayOfMonth, t.Day())
	dowMatch := e.contains(FieldDayOfWeek, int(t.Weekday()))

	switch {
	case domWild && dowWild:
		return true
	case domWild:
		return dowMatch
	case dowWild:
		return domMatch
	default:
		return domMatch || dowMatch
	}
}
