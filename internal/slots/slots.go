// Package slots contains the pure slot-matching logic: parsing free-text
// time expressions, filtering candidate calendar slots by extracted
// constraints, and selecting which slots to offer. No I/O happens here.
package slots

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultToleranceMinutes is how far a candidate slot may be from a
// requested time and still count as a match.
const DefaultToleranceMinutes = 45

// Part of day buckets used when choosing a contrasting second slot.
const (
	PartMorning   = "morning"
	PartAfternoon = "afternoon"
	PartEvening   = "evening"
)

// Constraints are the scheduling preferences extracted from an inbound
// message (by the classifier or the pattern matcher).
type Constraints struct {
	Day          string // "monday".."sunday", "today", "tomorrow", or ""
	DayOfMonth   int    // 1..31 from "the 6th" / "March 6", 0 if absent
	TimeWindow   string // "morning", "afternoon", "evening", or ""
	ExplicitTime string // raw time string like "4:35" or "9am", or ""
}

// Empty reports whether no preference was extracted at all.
func (c Constraints) Empty() bool {
	return c.Day == "" && c.DayOfMonth == 0 && c.TimeWindow == "" && c.ExplicitTime == ""
}

var weekdays = map[string]time.Weekday{
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
	"sunday":    time.Sunday,
}

// ParseHour converts a free-text time expression to a 24-hour float
// (e.g. "9:30" -> 9.5, "4:35" -> 16.583...). A bare hour below 8 with no
// am/pm marker is read as PM: leads booking business calls mean "4:35"
// as afternoon, not pre-dawn. This is a deliberate policy, not a guess.
func ParseHour(text string) (float64, bool) {
	raw := strings.ToLower(strings.TrimSpace(text))
	if raw == "" {
		return 0, false
	}

	isPM := strings.Contains(raw, "pm")
	isAM := strings.Contains(raw, "am")
	raw = strings.NewReplacer("am", "", "pm", "", ".", ":").Replace(raw)
	raw = strings.TrimSpace(raw)

	parts := strings.SplitN(raw, ":", 2)
	hour, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || hour < 0 || hour > 23 {
		return 0, false
	}
	minute := 0
	if len(parts) == 2 {
		minute, err = strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || minute < 0 || minute > 59 {
			return 0, false
		}
	}

	switch {
	case isPM && hour != 12:
		hour += 12
	case isAM && hour == 12:
		hour = 0
	case !isAM && !isPM && hour < 8:
		hour += 12
	}

	return float64(hour) + float64(minute)/60, true
}

// PartOfDay buckets a local time into morning (<12), afternoon (12-17)
// or evening (17+).
func PartOfDay(t time.Time) string {
	switch h := t.Hour(); {
	case h < 12:
		return PartMorning
	case h < 17:
		return PartAfternoon
	default:
		return PartEvening
	}
}

func localHour(t time.Time) float64 {
	return float64(t.Hour()) + float64(t.Minute())/60
}

// FilterBySignals keeps only slots matching the day, day-of-month and
// time-window constraints, evaluated in the tenant's location. The result
// is sorted chronologically. An empty constraint matches everything.
func FilterBySignals(candidates []time.Time, c Constraints, loc *time.Location, now time.Time) []time.Time {
	localNow := now.In(loc)

	var out []time.Time
	for _, slot := range candidates {
		local := slot.In(loc)

		switch c.Day {
		case "":
		case "today":
			if local.YearDay() != localNow.YearDay() || local.Year() != localNow.Year() {
				continue
			}
		case "tomorrow":
			tm := localNow.AddDate(0, 0, 1)
			if local.YearDay() != tm.YearDay() || local.Year() != tm.Year() {
				continue
			}
		default:
			wd, ok := weekdays[strings.ToLower(c.Day)]
			if ok && local.Weekday() != wd {
				continue
			}
		}

		if c.DayOfMonth != 0 && local.Day() != c.DayOfMonth {
			continue
		}

		if c.TimeWindow != "" && partWindowMiss(c.TimeWindow, local.Hour()) {
			continue
		}

		out = append(out, slot)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func partWindowMiss(window string, hour int) bool {
	switch window {
	case PartMorning:
		return hour >= 12
	case PartAfternoon:
		return hour < 12 || hour >= 17
	case PartEvening:
		return hour < 17
	default:
		return false
	}
}

// AvailabilityWindow is one tenant-configured bookable range on a weekday,
// with times as "HH:MM" strings in the tenant's local time.
type AvailabilityWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Availability maps lowercase three-letter day abbreviations ("mon".."sun")
// to the windows bookings may fall in. A day with no entry is closed.
type Availability map[string][]AvailabilityWindow

var dayAbbrev = map[time.Weekday]string{
	time.Monday:    "mon",
	time.Tuesday:   "tue",
	time.Wednesday: "wed",
	time.Thursday:  "thu",
	time.Friday:    "fri",
	time.Saturday:  "sat",
	time.Sunday:    "sun",
}

// FilterByAvailabilityWindows drops slots outside the tenant's configured
// weekly windows. A nil or empty Availability disables filtering entirely.
func FilterByAvailabilityWindows(candidates []time.Time, avail Availability, loc *time.Location) []time.Time {
	if len(avail) == 0 {
		return candidates
	}

	var out []time.Time
	for _, slot := range candidates {
		local := slot.In(loc)
		windows := avail[dayAbbrev[local.Weekday()]]
		if len(windows) == 0 {
			continue
		}
		hhmm := local.Format("15:04")
		for _, w := range windows {
			start, end := w.Start, w.End
			if start == "" {
				start = "00:00"
			}
			if end == "" {
				end = "23:59"
			}
			if start <= hhmm && hhmm < end {
				out = append(out, slot)
				break
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Nearest returns the candidate closest to targetHour (local time of day,
// optionally restricted to preferredDay) if it falls within the tolerance,
// or false when nothing is close enough.
func Nearest(candidates []time.Time, preferredDay string, targetHour float64, toleranceMinutes int, loc *time.Location) (time.Time, bool) {
	if toleranceMinutes <= 0 {
		toleranceMinutes = DefaultToleranceMinutes
	}

	var best time.Time
	bestDiff := -1.0
	for _, slot := range candidates {
		local := slot.In(loc)
		if wd, ok := weekdays[strings.ToLower(preferredDay)]; ok && local.Weekday() != wd {
			continue
		}
		diff := abs(localHour(local) - targetHour)
		if bestDiff < 0 || diff < bestDiff {
			bestDiff = diff
			best = slot
		}
	}

	if bestDiff < 0 || bestDiff > float64(toleranceMinutes)/60 {
		return time.Time{}, false
	}
	return best, true
}

// TwoNearest returns up to two candidates nearest to targetHour on
// preferredDay (no tolerance cap), sorted chronologically after selection.
func TwoNearest(candidates []time.Time, preferredDay string, targetHour float64, loc *time.Location) []time.Time {
	type scored struct {
		diff float64
		slot time.Time
	}
	var pool []scored
	for _, slot := range candidates {
		local := slot.In(loc)
		if wd, ok := weekdays[strings.ToLower(preferredDay)]; ok && local.Weekday() != wd {
			continue
		}
		pool = append(pool, scored{diff: abs(localHour(local) - targetHour), slot: slot})
	}

	sort.SliceStable(pool, func(i, j int) bool { return pool[i].diff < pool[j].diff })
	if len(pool) > 2 {
		pool = pool[:2]
	}

	out := make([]time.Time, 0, len(pool))
	for _, s := range pool {
		out = append(out, s.slot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Offer picks at most two slots to present: the soonest preference-matched
// slot, plus a contrasting one from the opposite half of day so the lead
// sees a real choice. When no contrast exists the next soonest is used.
// contrastPool may be wider than candidates (e.g. unfiltered availability);
// pass nil to contrast within candidates.
func Offer(candidates []time.Time, contrastPool []time.Time, loc *time.Location) []time.Time {
	if len(candidates) == 0 {
		return nil
	}

	sorted := append([]time.Time(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	first := sorted[0]
	wantPart := contrastPart(PartOfDay(first.In(loc)))

	pool := contrastPool
	if len(pool) == 0 {
		pool = sorted
	} else {
		pool = append([]time.Time(nil), pool...)
		sort.Slice(pool, func(i, j int) bool { return pool[i].Before(pool[j]) })
	}

	var second time.Time
	for _, slot := range pool {
		if slot.Equal(first) {
			continue
		}
		if PartOfDay(slot.In(loc)) == wantPart {
			second = slot
			break
		}
	}
	if second.IsZero() && len(sorted) > 1 {
		second = sorted[1]
	}
	if second.IsZero() {
		return []time.Time{first}
	}

	pair := []time.Time{first, second}
	sort.Slice(pair, func(i, j int) bool { return pair[i].Before(pair[j]) })
	return pair
}

func contrastPart(part string) string {
	if part == PartMorning {
		return PartAfternoon
	}
	// Afternoon and evening both contrast back to morning.
	return PartMorning
}

// FormatForDisplay renders slots as "Monday 09:15" in the tenant's local
// time, in input order.
func FormatForDisplay(slotTimes []time.Time, loc *time.Location) []string {
	out := make([]string, 0, len(slotTimes))
	for _, s := range slotTimes {
		out = append(out, s.In(loc).Format("Monday 15:04"))
	}
	return out
}

// FormatForConfirmation renders a single slot for a booking confirmation.
func FormatForConfirmation(slot time.Time, loc *time.Location) string {
	return slot.In(loc).Format("Monday 15:04")
}

// MatchesDay reports whether any slot lands on the named weekday in local
// time. Used to detect "asked for Friday, offered Tuesday" situations.
func MatchesDay(slotTimes []time.Time, day string, loc *time.Location) bool {
	wd, ok := weekdays[strings.ToLower(day)]
	if !ok {
		return false
	}
	for _, s := range slotTimes {
		if s.In(loc).Weekday() == wd {
			return true
		}
	}
	return false
}

// ParseISO parses a provider slot timestamp (RFC3339, "Z" or offset form).
func ParseISO(iso string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid slot timestamp %q: %w", iso, err)
	}
	return t, nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
