package classify

import (
	"regexp"
	"strconv"
	"strings"
)

// Signals are the scheduling preferences extractable from raw text without
// any model call. They feed both the pattern classifier and the slot
// search constraints.
type Signals struct {
	Day          string
	TimeWindow   string
	ExplicitTime string
	DayOfMonth   int
	RawText      string
}

func (s Signals) HasDay() bool      { return s.Day != "" || s.DayOfMonth != 0 }
func (s Signals) HasTimeInfo() bool { return s.TimeWindow != "" || s.ExplicitTime != "" }

type dayPattern struct {
	re  *regexp.Regexp
	day string
}

var dayPatterns = []dayPattern{
	{regexp.MustCompile(`\b(mon|monday|mondays)\b`), "monday"},
	{regexp.MustCompile(`\b(tue|tues|tuesday|tuesdays)\b`), "tuesday"},
	{regexp.MustCompile(`\b(wed|wednesday|wednesdays)\b`), "wednesday"},
	{regexp.MustCompile(`\b(thu|thurs|thursday|thursdays)\b`), "thursday"},
	{regexp.MustCompile(`\b(fri|friday|fridays)\b`), "friday"},
	{regexp.MustCompile(`\b(sat|saturday|saturdays)\b`), "saturday"},
	{regexp.MustCompile(`\b(sun|sunday|sundays)\b`), "sunday"},
	{regexp.MustCompile(`\btoday\b`), "today"},
	{regexp.MustCompile(`\btomorrow\b`), "tomorrow"},
}

var windowPatterns = []dayPattern{
	{regexp.MustCompile(`\bmorning\b`), "morning"},
	{regexp.MustCompile(`\bafternoon\b`), "afternoon"},
	{regexp.MustCompile(`\bevening\b`), "evening"},
}

var (
	timeRE    = regexp.MustCompile(`\b(\d{1,2})(?::(\d{2}))?\s*(am|pm)?\b`)
	ordinalRE = regexp.MustCompile(`\b(\d{1,2})(st|nd|rd|th)\b`)

	monthNames  = `jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|jun(?:e)?|jul(?:y)?|aug(?:ust)?|sep(?:tember)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?`
	monthDayRE  = regexp.MustCompile(`\b(?:` + monthNames + `)\s+(\d{1,2})\b`)
	dayMonthRE  = regexp.MustCompile(`\b(\d{1,2})\s+(?:` + monthNames + `)\b`)
	negationRE  = regexp.MustCompile(`\b(can't|cannot|doesn't|don't|wont|won't|not|no|never|doesnt)\b`)
)

// A negation shortly before ("can't do tuesday") or right after
// ("tuesday doesn't work") a day mention discounts that day.
const (
	negationLookback  = 50
	negationLookahead = 15
)

// ExtractSignals pulls day, time window, explicit time, and day-of-month
// preferences from free text.
func ExtractSignals(text string) Signals {
	t := strings.ToLower(strings.TrimSpace(text))
	signals := Signals{RawText: text}

	type mention struct {
		day string
		pos int
		end int
	}
	var mentions []mention
	for _, p := range dayPatterns {
		for _, loc := range p.re.FindAllStringIndex(t, -1) {
			mentions = append(mentions, mention{day: p.day, pos: loc[0], end: loc[1]})
		}
	}

	var affirmative []mention
	for _, m := range mentions {
		before := t[max(0, m.pos-negationLookback):m.pos]
		after := t[m.end:min(len(t), m.end+negationLookahead)]
		if !negationRE.MatchString(before) && !negationRE.MatchString(after) {
			affirmative = append(affirmative, m)
		}
	}

	switch {
	case len(affirmative) > 0:
		// earliest non-negated day mention wins
		best := affirmative[0]
		for _, m := range affirmative[1:] {
			if m.pos < best.pos {
				best = m
			}
		}
		signals.Day = best.day
	case len(mentions) > 0:
		// every mention is negated; take the last, it is what they are
		// pivoting towards
		best := mentions[0]
		for _, m := range mentions[1:] {
			if m.pos > best.pos {
				best = m
			}
		}
		signals.Day = best.day
	}

	for _, p := range windowPatterns {
		if p.re.MatchString(t) {
			signals.TimeWindow = p.day
			break
		}
	}

	if m := timeRE.FindStringSubmatch(t); m != nil {
		hour := m[1]
		minutes := m[2]
		if minutes == "" {
			minutes = "00"
		}
		signals.ExplicitTime = strings.TrimSuffix(hour+":"+minutes+m[3], ":")
	}

	if signals.TimeWindow == "" && signals.ExplicitTime != "" {
		if h, err := strconv.Atoi(strings.SplitN(signals.ExplicitTime, ":", 2)[0]); err == nil {
			signals.TimeWindow = inferWindowFromHour(h)
		}
	}

	signals.DayOfMonth = extractDayOfMonth(t)

	return signals
}

// inferWindowFromHour maps an hour mention to a half-of-day. Bare 1-6 are
// read as afternoon/evening hours.
func inferWindowFromHour(hour int) string {
	if hour < 7 {
		hour += 12
	}
	switch {
	case hour >= 5 && hour < 12:
		return "morning"
	case hour >= 12 && hour < 17:
		return "afternoon"
	case hour >= 17 || hour < 5:
		return "evening"
	}
	return ""
}

// extractDayOfMonth handles "March 6", "6 March", and ordinals like "6th".
func extractDayOfMonth(t string) int {
	candidates := [][]string{
		monthDayRE.FindStringSubmatch(t),
		dayMonthRE.FindStringSubmatch(t),
		ordinalRE.FindStringSubmatch(t),
	}
	for _, m := range candidates {
		if m == nil {
			continue
		}
		d, err := strconv.Atoi(m[1])
		if err == nil && d >= 1 && d <= 31 {
			return d
		}
	}
	return 0
}
