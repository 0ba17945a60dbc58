package payment

import (
	"testing"
	"time"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestEaster(t *testing.T) {
	cases := map[int]time.Time{
		2024: day(2024, time.March, 31),
		2025: day(2025, time.April, 20),
		2026: day(2026, time.April, 5),
		2027: day(2027, time.March, 28),
	}
	for year, want := range cases {
		if got := easter(year); !got.Equal(want) {
			t.Errorf("easter(%d) = %s, want %s", year, got.Format("2006-01-02"), want.Format("2006-01-02"))
		}
	}
}

func TestIsBusinessDay(t *testing.T) {
	cases := []struct {
		date     time.Time
		business bool
		label    string
	}{
		{day(2026, time.March, 10), true, "ordinary tuesday"},
		{day(2026, time.March, 14), false, "saturday"},
		{day(2026, time.March, 15), false, "sunday"},
		{day(2026, time.January, 1), false, "new year"},
		{day(2026, time.September, 7), false, "independence day"},
		{day(2026, time.April, 3), false, "good friday"},
		{day(2026, time.February, 17), false, "carnival tuesday"},
		{day(2026, time.June, 4), false, "corpus christi"},
		{day(2026, time.December, 25), false, "christmas"},
	}
	for _, tc := range cases {
		if got := IsBusinessDay(tc.date); got != tc.business {
			t.Errorf("%s (%s): IsBusinessDay = %v, want %v", tc.label, tc.date.Format("2006-01-02"), got, tc.business)
		}
	}
}

func TestNextBusinessDay(t *testing.T) {
	// Thursday before Good Friday 2026 skips the holiday and the weekend.
	if got := NextBusinessDay(day(2026, time.April, 2)); !got.Equal(day(2026, time.April, 6)) {
		t.Fatalf("expected 2026-04-06, got %s", got.Format("2006-01-02"))
	}
	// Christmas 2026 falls on a Friday.
	if got := NextBusinessDay(day(2026, time.December, 24)); !got.Equal(day(2026, time.December, 28)) {
		t.Fatalf("expected 2026-12-28, got %s", got.Format("2006-01-02"))
	}
	// Strictly after: a business day maps to the next one, not itself.
	if got := NextBusinessDay(day(2026, time.March, 10)); !got.Equal(day(2026, time.March, 11)) {
		t.Fatalf("expected 2026-03-11, got %s", got.Format("2006-01-02"))
	}
}

func TestValidDisbursementDay(t *testing.T) {
	tuesday := day(2026, time.March, 10)

	inWindow := tuesday.Add(10 * time.Hour)
	if got := ValidDisbursementDay(inWindow); !got.Equal(tuesday) {
		t.Fatalf("10:00 on a business day should disburse same day, got %s", got.Format("2006-01-02"))
	}
	if got := ValidDisbursementDay(tuesday.Add(8 * time.Hour)); !got.Equal(tuesday) {
		t.Fatalf("08:00 opens the window, got %s", got.Format("2006-01-02"))
	}
	if got := ValidDisbursementDay(tuesday.Add(7*time.Hour + 59*time.Minute)); !got.Equal(day(2026, time.March, 11)) {
		t.Fatalf("before 08:00 rolls to next business day, got %s", got.Format("2006-01-02"))
	}
	if got := ValidDisbursementDay(tuesday.Add(17 * time.Hour)); !got.Equal(day(2026, time.March, 11)) {
		t.Fatalf("17:00 closes the window, got %s", got.Format("2006-01-02"))
	}
	// Saturday noon rolls to Monday.
	if got := ValidDisbursementDay(day(2026, time.March, 14).Add(12 * time.Hour)); !got.Equal(day(2026, time.March, 16)) {
		t.Fatalf("saturday should roll to monday, got %s", got.Format("2006-01-02"))
	}
}
