// Package scheduler turns wall-clock time into synthetic inbound messages
// for the agent loop.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronFormatHint is appended to parse errors so tool output stays actionable.
const cronFormatHint = "expected 5 fields: minute(0-59) hour(0-23) day-of-month(1-31) month(1-12) day-of-week(0-6); each field supports *, N, N-M, */S, N-M/S and comma lists"

// Schedule is a parsed 5-field cron expression. Each field is a bit set
// over its valid range.
type Schedule struct {
	minute uint64
	hour   uint32
	dom    uint32
	month  uint16
	dow    uint8
}

type cronField struct {
	name string
	min  int
	max  int
}

var cronFields = []cronField{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// ParseSchedule parses a standard 5-field cron expression.
func ParseSchedule(expr string) (*Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return nil, fmt.Errorf("cron %q has %d fields; %s", expr, len(parts), cronFormatHint)
	}
	var sets [5]uint64
	for i, part := range parts {
		f := cronFields[i]
		set, err := parseCronField(part, f.min, f.max)
		if err != nil {
			return nil, fmt.Errorf("cron %s field %q: %w; %s", f.name, part, err, cronFormatHint)
		}
		sets[i] = set
	}
	return &Schedule{
		minute: sets[0],
		hour:   uint32(sets[1]),
		dom:    uint32(sets[2]),
		month:  uint16(sets[3]),
		dow:    uint8(sets[4]),
	}, nil
}

// Matches reports whether t falls on the schedule, at minute resolution.
func (s *Schedule) Matches(t time.Time) bool {
	return s.minute&(1<<uint(t.Minute())) != 0 &&
		s.hour&(1<<uint(t.Hour())) != 0 &&
		s.dom&(1<<uint(t.Day())) != 0 &&
		s.month&(1<<uint(t.Month())) != 0 &&
		s.dow&(1<<uint(t.Weekday())) != 0
}

// Next returns the first matching time strictly after t. Searches up to two
// years ahead; returns the zero time if nothing matches.
func (s *Schedule) Next(t time.Time) time.Time {
	candidate := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(2, 0, 0)

	for candidate.Before(limit) {
		if s.month&(1<<uint(candidate.Month())) == 0 {
			candidate = time.Date(candidate.Year(), candidate.Month()+1, 1, 0, 0, 0, 0, candidate.Location())
			continue
		}
		if s.dom&(1<<uint(candidate.Day())) == 0 || s.dow&(1<<uint(candidate.Weekday())) == 0 {
			candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day()+1, 0, 0, 0, 0, candidate.Location())
			continue
		}
		if s.hour&(1<<uint(candidate.Hour())) == 0 {
			candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day(), candidate.Hour()+1, 0, 0, 0, candidate.Location())
			continue
		}
		if s.minute&(1<<uint(candidate.Minute())) == 0 {
			candidate = candidate.Add(time.Minute)
			continue
		}
		return candidate
	}
	return time.Time{}
}

// parseCronField parses one field into a bit set over [min,max].
func parseCronField(field string, min, max int) (uint64, error) {
	var set uint64
	for _, part := range strings.Split(field, ",") {
		bits, err := parseCronPart(part, min, max)
		if err != nil {
			return 0, err
		}
		set |= bits
	}
	if set == 0 {
		return 0, fmt.Errorf("empty field")
	}
	return set, nil
}

// parseCronPart handles *, */S, N, N-M and N-M/S.
func parseCronPart(part string, min, max int) (uint64, error) {
	step := 1
	if i := strings.IndexByte(part, '/'); i >= 0 {
		s, err := strconv.Atoi(part[i+1:])
		if err != nil || s <= 0 {
			return 0, fmt.Errorf("invalid step %q", part)
		}
		step = s
		part = part[:i]
	}

	lo, hi := min, max
	switch {
	case part == "*":
	case strings.Contains(part, "-"):
		bounds := strings.SplitN(part, "-", 2)
		var err error
		if lo, err = strconv.Atoi(bounds[0]); err != nil {
			return 0, fmt.Errorf("invalid range start %q", bounds[0])
		}
		if hi, err = strconv.Atoi(bounds[1]); err != nil {
			return 0, fmt.Errorf("invalid range end %q", bounds[1])
		}
	default:
		v, err := strconv.Atoi(part)
		if err != nil {
			return 0, fmt.Errorf("invalid value %q", part)
		}
		lo, hi = v, v
	}

	if lo < min || hi > max || lo > hi {
		return 0, fmt.Errorf("range %d-%d out of bounds [%d,%d]", lo, hi, min, max)
	}
	var set uint64
	for v := lo; v <= hi; v += step {
		set |= 1 << uint(v)
	}
	return set, nil
}
