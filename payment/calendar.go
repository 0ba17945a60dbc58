// Package payment reconciles partner-reported disbursement failures,
// driving resubmission for recoverable ones and refusal otherwise.
package payment

import "time"

// easter computes the Gregorian Easter Sunday for a year (anonymous
// Gregorian computus).
func easter(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// brazilianHolidays returns the national holidays of a year, including the
// movable feasts derived from Easter.
func brazilianHolidays(year int) map[time.Time]bool {
	fixed := []time.Time{
		time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC),
		time.Date(year, time.April, 21, 0, 0, 0, 0, time.UTC),
		time.Date(year, time.May, 1, 0, 0, 0, 0, time.UTC),
		time.Date(year, time.September, 7, 0, 0, 0, 0, time.UTC),
		time.Date(year, time.October, 12, 0, 0, 0, 0, time.UTC),
		time.Date(year, time.November, 2, 0, 0, 0, 0, time.UTC),
		time.Date(year, time.November, 15, 0, 0, 0, 0, time.UTC),
		time.Date(year, time.December, 25, 0, 0, 0, 0, time.UTC),
	}
	es := easter(year)
	movable := []time.Time{
		es.AddDate(0, 0, -48), // carnival monday
		es.AddDate(0, 0, -47), // carnival tuesday
		es.AddDate(0, 0, -2),  // good friday
		es.AddDate(0, 0, 60),  // corpus christi
	}
	out := make(map[time.Time]bool, len(fixed)+len(movable))
	for _, d := range append(fixed, movable...) {
		out[d] = true
	}
	return out
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// IsBusinessDay reports whether the date is neither a weekend nor a
// Brazilian national holiday.
func IsBusinessDay(t time.Time) bool {
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	return !brazilianHolidays(t.Year())[dateOnly(t)]
}

// NextBusinessDay returns the first business day strictly after from.
func NextBusinessDay(from time.Time) time.Time {
	d := dateOnly(from)
	for {
		d = d.AddDate(0, 0, 1)
		if IsBusinessDay(d) {
			return d
		}
	}
}

// ValidDisbursementDay returns today when the partner disbursement window
// (business day, 08:00-16:59) is open, otherwise the next business day.
func ValidDisbursementDay(now time.Time) time.Time {
	if IsBusinessDay(now) && now.Hour() > 7 && now.Hour() < 17 {
		return dateOnly(now)
	}
	return NextBusinessDay(now)
}
