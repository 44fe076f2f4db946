package classify

import (
	"context"
	"regexp"
	"strings"
)

var (
	declineRE = regexp.MustCompile(`\b(not interested|no thanks|no thank you|stop|unsubscribe|leave me alone|don'?t contact)\b`)
	humanRE   = regexp.MustCompile(`\b(speak to (a )?(human|person|someone)|talk to (a )?(human|person|someone)|real person|call me|speak to the team)\b`)
	rescheduleRE = regexp.MustCompile(`\b(reschedule|re-schedule|move (my|the|it)|change (my|the) (appointment|booking|time)|pick a different (day|time))\b`)

	slotIndexRE    = regexp.MustCompile(`\b(?:option\s*)?([12])\b`)
	bareDigitRE    = regexp.MustCompile(`^\s*\d\s*$`)
	slotOrdinalRE  = regexp.MustCompile(`\b(first|second) (one|option|slot)?\b`)
	confirmationRE = regexp.MustCompile(`\b(yes|yeah|yep|yup|ok|okay|sure|sounds good|perfect|great|that works|let'?s do it)\b`)
)

const (
	replyUnclear    = "Got it — what day and time works best for you?"
	replyHandoff    = "Of course! I'll get someone from the team to reach out to you shortly."
	replyDecline    = "No problem at all — if anything changes, just drop me a message here. Have a great day!"
	replyWhichSlot  = "Which one works best — 1 or 2?"
)

// PatternClassifier is the deterministic classifier. It never errors and
// never calls out, which makes it both the LLM fallback and the test
// double of choice.
type PatternClassifier struct{}

func (PatternClassifier) Classify(_ context.Context, req Request) (Result, error) {
	t := strings.ToLower(strings.TrimSpace(req.Text()))

	result := Result{
		Intent:    IntentUnclear,
		ReplyText: replyUnclear,
	}
	if t == "" {
		return result, nil
	}

	switch {
	case declineRE.MatchString(t):
		result.Intent = IntentDecline
		result.ReplyText = replyDecline
		return result, nil
	case humanRE.MatchString(t):
		result.Intent = IntentWantsHuman
		result.ShouldHandoff = true
		result.ReplyText = replyHandoff
		return result, nil
	case rescheduleRE.MatchString(t):
		result.Intent = IntentReschedule
		result.ReplyText = ""
		return result, nil
	}

	if len(req.OfferedSlots) > 0 {
		if idx, ok := selectedSlotIndex(t, len(req.OfferedSlots)); ok {
			result.Intent = IntentSelectSlot
			result.SlotIndex = &idx
			result.ShouldBook = true
			result.ReplyText = ""
			return result, nil
		}
		if confirmationRE.MatchString(t) {
			if len(req.OfferedSlots) == 1 {
				idx := 0
				result.Intent = IntentSelectSlot
				result.SlotIndex = &idx
				result.ShouldBook = true
				result.ReplyText = ""
				return result, nil
			}
			// Agreement without picking one of several.
			result.ReplyText = replyWhichSlot
			return result, nil
		}
		if bareDigitRE.MatchString(t) {
			// A lone number that didn't match an offered slot is a failed
			// pick, not a time request.
			result.ReplyText = replyWhichSlot
			return result, nil
		}
	}

	signals := ExtractSignals(t)
	switch {
	case signals.ExplicitTime != "":
		result.Intent = IntentRequestSpecificTime
		result.PreferredDay = signals.Day
		result.PreferredWindow = signals.TimeWindow
		result.ExplicitTime = signals.ExplicitTime
		result.ReplyText = ""
	case signals.HasDay() || signals.TimeWindow != "":
		result.Intent = IntentRequestSlots
		result.PreferredDay = signals.Day
		result.PreferredWindow = signals.TimeWindow
		result.ReplyText = ""
	}

	return result, nil
}

// selectedSlotIndex detects an explicit pick of one of the offered slots:
// a bare "1"/"2", "option 2", or "the first one".
func selectedSlotIndex(t string, offered int) (int, bool) {
	if m := slotOrdinalRE.FindStringSubmatch(t); m != nil {
		idx := 0
		if m[1] == "second" {
			idx = 1
		}
		if idx < offered {
			return idx, true
		}
		return 0, false
	}

	// A number mixed into a longer sentence is more likely a time than a
	// slot pick, so only accept short messages here.
	if len(strings.Fields(t)) > 4 {
		return 0, false
	}
	if m := slotIndexRE.FindStringSubmatch(t); m != nil {
		idx := int(m[1][0]-'0') - 1
		if idx >= 0 && idx < offered {
			return idx, true
		}
	}
	return 0, false
}
