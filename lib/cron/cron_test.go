// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package cron

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, expression string) Schedule {
	t.Helper()
	schedule, err := Parse(expression)
	if err != nil {
		t.Fatalf("Parse(%q): %v", expression, err)
	}
	return schedule
}

func at(year int, month time.Month, day, hour, minute int) time.Time {
	return time.Date(year, month, day, hour, minute, 0, 0, time.UTC)
}

func TestNextEveryMinute(t *testing.T) {
	schedule := mustParse(t, "* * * * *")
	next, err := schedule.Next(at(2030, time.March, 15, 12, 30))
	if err != nil {
		t.Fatal(err)
	}
	if want := at(2030, time.March, 15, 12, 31); !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}
}

func TestNextIsStrictlyAfter(t *testing.T) {
	schedule := mustParse(t, "30 12 * * *")
	// Exactly at the match: the next firing is tomorrow.
	next, err := schedule.Next(at(2030, time.March, 15, 12, 30))
	if err != nil {
		t.Fatal(err)
	}
	if want := at(2030, time.March, 16, 12, 30); !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}
}

func TestNextHourlyAtMinute(t *testing.T) {
	schedule := mustParse(t, "15 * * * *")
	next, _ := schedule.Next(at(2030, time.June, 1, 9, 20))
	if want := at(2030, time.June, 1, 10, 15); !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}
}

func TestNextSteps(t *testing.T) {
	schedule := mustParse(t, "*/10 * * * *")
	next, _ := schedule.Next(at(2030, time.June, 1, 9, 5))
	if want := at(2030, time.June, 1, 9, 10); !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}
}

func TestNextMonthRollover(t *testing.T) {
	schedule := mustParse(t, "0 0 1 * *")
	next, _ := schedule.Next(at(2030, time.January, 20, 8, 0))
	if want := at(2030, time.February, 1, 0, 0); !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}
}

func TestNextDayOfWeek(t *testing.T) {
	// 2030-03-15 is a Friday; next Monday is the 18th.
	schedule := mustParse(t, "0 9 * * 1")
	next, _ := schedule.Next(at(2030, time.March, 15, 10, 0))
	if want := at(2030, time.March, 18, 9, 0); !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}
}

func TestNextImpossibleSchedule(t *testing.T) {
	schedule := mustParse(t, "0 0 31 2 *")
	if _, err := schedule.Next(at(2030, time.January, 1, 0, 0)); err == nil {
		t.Error("Feb 31 schedule produced a firing time")
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, expression := range []string{
		"",
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 7",
		"a * * * *",
		"*/0 * * * *",
		"5-2 * * * *",
	} {
		if _, err := Parse(expression); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", expression)
		}
	}
}

func TestParseListsAndRanges(t *testing.T) {
	schedule := mustParse(t, "0,30 9-17 * * 1-5")
	next, _ := schedule.Next(at(2030, time.March, 15, 17, 30)) // Friday 17:30
	// Next slot is Monday 09:00.
	if want := at(2030, time.March, 18, 9, 0); !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}
}
