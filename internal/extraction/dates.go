package extraction

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// dateMatch is one parsed date expression and its byte span in the text.
type dateMatch struct {
	At    time.Time
	Start int
	End   int
}

// dateGrammar recognizes absolute and relative date expressions. Results are
// midnight in loc; relative expressions count from the reference day.
type dateGrammar struct {
	loc      *time.Location
	dayFirst bool
}

const monthAlt = `(jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)`

var (
	isoDateRe     = regexp.MustCompile(`\b(\d{4})-(\d{1,2})-(\d{1,2})\b`)
	monthDayRe    = regexp.MustCompile(`(?i)\b` + monthAlt + `\.?\s+(\d{1,2})(?:st|nd|rd|th)?\b(?:,?\s+(\d{4})\b)?`)
	dayMonthRe    = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\s+(?:of\s+)?` + monthAlt + `\b\.?(?:,?\s+(\d{4})\b)?`)
	numericDateRe = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4}|\d{2})\b`)
	inNUnitsRe    = regexp.MustCompile(`(?i)\bin\s+(\d{1,3}|an?|one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve|fourteen|thirty)\s+(day|week|month)s?\b`)
	nUnitsFromRe  = regexp.MustCompile(`(?i)\b(\d{1,3}|one|two|three|four|five|six|seven|eight|nine|ten|fourteen|thirty)\s+(day|week|month)s?\s+from\s+(?:today|now)\b`)
	todayRe       = regexp.MustCompile(`(?i)\b(today|tomorrow)\b`)
)

var numberWords = map[string]int{
	"a": 1, "an": 1, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6,
	"seven": 7, "eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12,
	"fourteen": 14, "thirty": 30,
}

func parseMonth(s string) time.Month {
	s = strings.ToLower(s)
	for m := time.January; m <= time.December; m++ {
		if strings.HasPrefix(strings.ToLower(m.String()), s[:3]) {
			return m
		}
	}
	return 0
}

func parseCount(s string) (int, bool) {
	if n, ok := numberWords[strings.ToLower(s)]; ok {
		return n, true
	}
	n, err := strconv.Atoi(s)
	return n, err == nil && n > 0
}

// date builds a calendar date, rejecting values time.Date would normalize.
func (g *dateGrammar) date(y int, m time.Month, d int) (time.Time, bool) {
	if m < time.January || m > time.December || d < 1 || d > 31 {
		return time.Time{}, false
	}
	t := time.Date(y, m, d, 0, 0, 0, 0, g.loc)
	if t.Day() != d || t.Month() != m {
		return time.Time{}, false
	}
	return t, true
}

// yearless resolves a month/day without a year to its next occurrence on or
// after the reference day. Feb 29 may be up to four years out.
func (g *dateGrammar) yearless(m time.Month, d int, ref time.Time) (time.Time, bool) {
	today := g.midnight(ref)
	for y := today.Year(); y <= today.Year()+4; y++ {
		if t, ok := g.date(y, m, d); ok && !t.Before(today) {
			return t, true
		}
	}
	return time.Time{}, false
}

func (g *dateGrammar) midnight(t time.Time) time.Time {
	t = t.In(g.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, g.loc)
}

func (g *dateGrammar) offset(ref time.Time, n int, unit string) time.Time {
	base := g.midnight(ref)
	switch strings.ToLower(unit) {
	case "week":
		return base.AddDate(0, 0, 7*n)
	case "month":
		return base.AddDate(0, n, 0)
	default:
		return base.AddDate(0, 0, n)
	}
}

// findAll returns every date expression in text ordered by position.
// Overlapping expressions keep the longest, then the earliest.
func (g *dateGrammar) findAll(text string, ref time.Time) []dateMatch {
	var found []dateMatch
	add := func(t time.Time, ok bool, loc []int) {
		if ok {
			found = append(found, dateMatch{At: t, Start: loc[0], End: loc[1]})
		}
	}
	atoi := func(s string) int {
		n, _ := strconv.Atoi(s)
		return n
	}

	for _, m := range isoDateRe.FindAllStringSubmatchIndex(text, -1) {
		y, mo, d := atoi(text[m[2]:m[3]]), atoi(text[m[4]:m[5]]), atoi(text[m[6]:m[7]])
		t, ok := g.date(y, time.Month(mo), d)
		add(t, ok, m)
	}
	for _, m := range monthDayRe.FindAllStringSubmatchIndex(text, -1) {
		mo, d := parseMonth(text[m[2]:m[3]]), atoi(text[m[4]:m[5]])
		if m[6] >= 0 {
			t, ok := g.date(atoi(text[m[6]:m[7]]), mo, d)
			add(t, ok, m)
		} else {
			t, ok := g.yearless(mo, d, ref)
			add(t, ok, m)
		}
	}
	for _, m := range dayMonthRe.FindAllStringSubmatchIndex(text, -1) {
		d, mo := atoi(text[m[2]:m[3]]), parseMonth(text[m[4]:m[5]])
		if m[6] >= 0 {
			t, ok := g.date(atoi(text[m[6]:m[7]]), mo, d)
			add(t, ok, m)
		} else {
			t, ok := g.yearless(mo, d, ref)
			add(t, ok, m)
		}
	}
	for _, m := range numericDateRe.FindAllStringSubmatchIndex(text, -1) {
		a, b, y := atoi(text[m[2]:m[3]]), atoi(text[m[4]:m[5]]), atoi(text[m[6]:m[7]])
		if y < 100 {
			y += 2000
		}
		mo, d := a, b
		if g.dayFirst {
			mo, d = b, a
		}
		t, ok := g.date(y, time.Month(mo), d)
		add(t, ok, m)
	}
	for _, re := range []*regexp.Regexp{inNUnitsRe, nUnitsFromRe} {
		for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
			n, ok := parseCount(text[m[2]:m[3]])
			if ok {
				add(g.offset(ref, n, text[m[4]:m[5]]), true, m)
			}
		}
	}
	for _, m := range todayRe.FindAllStringSubmatchIndex(text, -1) {
		n := 0
		if strings.EqualFold(text[m[2]:m[3]], "tomorrow") {
			n = 1
		}
		add(g.offset(ref, n, "day"), true, m)
	}

	return dropOverlaps(found)
}

func dropOverlaps(found []dateMatch) []dateMatch {
	slices.SortFunc(found, func(a, b dateMatch) int {
		if a.Start != b.Start {
			return a.Start - b.Start
		}
		return (b.End - b.Start) - (a.End - a.Start)
	})
	out := found[:0]
	for _, m := range found {
		if n := len(out); n > 0 && m.Start < out[n-1].End {
			if m.End-m.Start > out[n-1].End-out[n-1].Start {
				out[n-1] = m
			}
			continue
		}
		out = append(out, m)
	}
	return out
}
