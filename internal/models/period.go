package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrUnboundedPeriod is returned for periods without a finite window
var ErrUnboundedPeriod = errors.New("period must be a bounded lookback or an explicit range")

// PeriodUnit is the unit of a lookback period
type PeriodUnit string

// Lookback units
const (
	UnitHour  PeriodUnit = "h"
	UnitDay   PeriodUnit = "d"
	UnitWeek  PeriodUnit = "w"
	UnitMonth PeriodUnit = "mo"
	UnitYear  PeriodUnit = "y"
)

const dateLayout = "2006-01-02"

// Period describes the window of bars requested from a provider. It is either
// a lookback relative to the time of the run (5d, 1mo) or an explicit range.
type Period struct {
	Count int
	Unit  PeriodUnit
	Start time.Time
	End   time.Time
}

// LookbackPeriod returns a lookback of count units
func LookbackPeriod(count int, unit PeriodUnit) Period {
	return Period{Count: count, Unit: unit}
}

// RangePeriod returns an explicit [start, end] period
func RangePeriod(start, end time.Time) Period {
	return Period{Start: start.UTC(), End: end.UTC()}
}

// ParsePeriod parses "5d", "2w", "1mo", "1y", "12h", "2024-01-01..2024-01-31"
// or an RFC3339 "start..end" pair.
func ParsePeriod(s string) (Period, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "max", "ytd", "all":
		return Period{}, ErrUnboundedPeriod
	}

	if from, to, ok := strings.Cut(s, ".."); ok {
		start, err := parseRangeBound(from, false)
		if err != nil {
			return Period{}, fmt.Errorf("invalid period start %q: %w", from, err)
		}
		end, err := parseRangeBound(to, true)
		if err != nil {
			return Period{}, fmt.Errorf("invalid period end %q: %w", to, err)
		}
		if !start.Before(end) {
			return Period{}, fmt.Errorf("period start %s must be before end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
		}
		return RangePeriod(start, end), nil
	}

	for _, unit := range []PeriodUnit{UnitMonth, UnitHour, UnitDay, UnitWeek, UnitYear} {
		num, ok := strings.CutSuffix(s, string(unit))
		if !ok {
			continue
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			return Period{}, fmt.Errorf("invalid period %q", s)
		}
		if n <= 0 {
			return Period{}, fmt.Errorf("period %q must be positive", s)
		}
		return LookbackPeriod(n, unit), nil
	}
	return Period{}, fmt.Errorf("invalid period %q", s)
}

func parseRangeBound(s string, end bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, strings.ToUpper(s)); err == nil {
		return t.UTC(), nil
	}
	d, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	if end {
		return d.AddDate(0, 0, 1).Add(-time.Second), nil
	}
	return d, nil
}

// IsZero reports whether the period was never set
func (p Period) IsZero() bool {
	return p.Count == 0 && p.Start.IsZero() && p.End.IsZero()
}

// IsRange reports whether the period is an explicit range
func (p Period) IsRange() bool {
	return p.Count == 0 && !p.Start.IsZero()
}

// Window resolves the period to a concrete UTC [start, end] window. Month and
// year lookbacks clamp to the last day of a shorter target month.
func (p Period) Window(now time.Time) (time.Time, time.Time) {
	if p.IsRange() {
		return p.Start, p.End
	}
	end := now.UTC()
	return p.startFrom(end), end
}

func (p Period) startFrom(end time.Time) time.Time {
	switch p.Unit {
	case UnitHour:
		return end.Add(-time.Duration(p.Count) * time.Hour)
	case UnitWeek:
		return end.AddDate(0, 0, -7*p.Count)
	case UnitMonth:
		return addMonths(end, -p.Count)
	case UnitYear:
		return addMonths(end, -12*p.Count)
	default:
		return end.AddDate(0, 0, -p.Count)
	}
}

func addMonths(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := first.AddDate(0, 1, -1).Day(); d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

// Span returns the length of the resolved window
func (p Period) Span(now time.Time) time.Duration {
	start, end := p.Window(now)
	return end.Sub(start)
}

// rangeTolerance absorbs the extra day an inclusive date range carries
const rangeTolerance = 24 * time.Hour

// Validate rejects zero periods and windows reaching further back than
// maxLookback. The limit is resolved against the window's own end on every
// call, so 1mo allows 28 to 31 days depending on the month. Explicit ranges
// get one extra day. A zero maxLookback disables the length check.
func (p Period) Validate(now time.Time, maxLookback Period) error {
	if p.IsZero() {
		return ErrUnboundedPeriod
	}
	if maxLookback.IsZero() {
		return nil
	}
	start, end := p.Window(now)
	earliest := maxLookback.startFrom(end)
	if p.IsRange() {
		earliest = earliest.Add(-rangeTolerance)
	}
	if start.Before(earliest) {
		return fmt.Errorf("period %s spans %s, exceeds max lookback %s", p, end.Sub(start).Round(time.Hour), maxLookback)
	}
	return nil
}

func (p Period) String() string {
	if p.IsRange() {
		return p.Start.Format(time.RFC3339) + ".." + p.End.Format(time.RFC3339)
	}
	if p.Count == 0 {
		return ""
	}
	return strconv.Itoa(p.Count) + string(p.Unit)
}

// ParseLookback parses a max lookback given either as a lookback period
// ("1mo", "31d") or in Go duration syntax ("720h"), which is kept in whole
// hours. Calendar units stay symbolic and are resolved when validating.
func ParseLookback(s string) (Period, error) {
	if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
		hours := int((d + time.Hour - 1) / time.Hour)
		if hours <= 0 {
			return Period{}, fmt.Errorf("lookback %q must be positive", s)
		}
		return LookbackPeriod(hours, UnitHour), nil
	}
	p, err := ParsePeriod(s)
	if err != nil {
		return Period{}, err
	}
	if p.IsRange() {
		return Period{}, fmt.Errorf("lookback %q must be relative, not a range", s)
	}
	return p, nil
}
