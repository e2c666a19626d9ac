// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed cron expression. Use Parse to create one, then
// Next to compute the next matching time.
type Schedule struct {
	minutes     bitset64
	hours       bitset64
	daysOfMonth bitset64
	months      bitset64
	daysOfWeek  bitset64
}

// bitset64 uses a uint64 as a compact set of integers 0-63.
type bitset64 uint64

func (b bitset64) has(value int) bool { return b&(1<<uint(value)) != 0 }
func (b *bitset64) set(value int)     { *b |= 1 << uint(value) }

// Parse parses a standard 5-field cron expression
// (minute hour day-of-month month day-of-week). Returns an error if
// the expression is malformed or contains out-of-range values.
func Parse(expression string) (Schedule, error) {
	fields := strings.Fields(expression)
	if len(fields) != 5 {
		return Schedule{}, fmt.Errorf("cron: expected 5 fields, got %d", len(fields))
	}

	minutes, err := parseField(fields[0], 0, 59)
	if err != nil {
		return Schedule{}, fmt.Errorf("cron: minute field: %w", err)
	}
	hours, err := parseField(fields[1], 0, 23)
	if err != nil {
		return Schedule{}, fmt.Errorf("cron: hour field: %w", err)
	}
	daysOfMonth, err := parseField(fields[2], 1, 31)
	if err != nil {
		return Schedule{}, fmt.Errorf("cron: day-of-month field: %w", err)
	}
	months, err := parseField(fields[3], 1, 12)
	if err != nil {
		return Schedule{}, fmt.Errorf("cron: month field: %w", err)
	}
	daysOfWeek, err := parseField(fields[4], 0, 6)
	if err != nil {
		return Schedule{}, fmt.Errorf("cron: day-of-week field: %w", err)
	}

	return Schedule{
		minutes:     minutes,
		hours:       hours,
		daysOfMonth: daysOfMonth,
		months:      months,
		daysOfWeek:  daysOfWeek,
	}, nil
}

// Next returns the earliest time strictly after t that matches the
// schedule. All computation is in UTC.
//
// Returns an error if no matching time exists within 4 years of t
// (prevents infinite loops on impossible schedules like Feb 31).
func (s Schedule) Next(t time.Time) (time.Time, error) {
	// Start from the next minute after t, with seconds/nanos zeroed.
	t = t.UTC().Truncate(time.Minute).Add(time.Minute)

	// 4 years covers all leap-year cycles.
	limit := t.AddDate(4, 0, 0)

	for t.Before(limit) {
		if !s.months.has(int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
			continue
		}

		// Wildcard fields produce full bitsets, so checking both
		// day constraints with AND gives standard cron behavior for
		// the common cases while remaining simple.
		if !s.daysOfMonth.has(t.Day()) || !s.daysOfWeek.has(int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
			continue
		}

		if !s.hours.has(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, time.UTC)
			continue
		}

		if !s.minutes.has(t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}

		return t, nil
	}

	return time.Time{}, fmt.Errorf("cron: no matching time within 4 years of %v", t)
}

// parseField parses one cron field into a bitset. Accepts "*",
// "*/step", "N", "N-M", "N-M/step", and comma-separated lists of the
// above.
func parseField(field string, min, max int) (bitset64, error) {
	var set bitset64

	for _, part := range strings.Split(field, ",") {
		rangePart := part
		step := 1

		if slash := strings.IndexByte(part, '/'); slash >= 0 {
			rangePart = part[:slash]
			parsed, err := strconv.Atoi(part[slash+1:])
			if err != nil || parsed < 1 {
				return 0, fmt.Errorf("invalid step %q", part[slash+1:])
			}
			step = parsed
		}

		low, high := min, max
		switch {
		case rangePart == "*":
			// full range
		case strings.Contains(rangePart, "-"):
			bounds := strings.SplitN(rangePart, "-", 2)
			var err error
			low, err = strconv.Atoi(bounds[0])
			if err != nil {
				return 0, fmt.Errorf("invalid range start %q", bounds[0])
			}
			high, err = strconv.Atoi(bounds[1])
			if err != nil {
				return 0, fmt.Errorf("invalid range end %q", bounds[1])
			}
			if low > high {
				return 0, fmt.Errorf("range %q is inverted", rangePart)
			}
		default:
			value, err := strconv.Atoi(rangePart)
			if err != nil {
				return 0, fmt.Errorf("invalid value %q", rangePart)
			}
			low, high = value, value
		}

		if low < min || high > max {
			return 0, fmt.Errorf("value out of range [%d,%d] in %q", min, max, part)
		}

		for value := low; value <= high; value += step {
			set.set(value)
		}
	}

	if set == 0 {
		return 0, fmt.Errorf("field %q matches nothing", field)
	}
	return set, nil
}
