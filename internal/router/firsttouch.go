package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/humtech/bookingbot/internal/convo"
	"github.com/humtech/bookingbot/internal/slots"
)

// FirstTouch builds the greeting for a brand-new lead: the soonest two
// slots wrapped in the tenant's template, or the built-in greeting when no
// template is configured.
func (r *Router) FirstTouch(ctx context.Context, source SlotSource, in Input, displayName, template string) Decision {
	c := slots.Constraints{}

	avail := source.FreeSlots(ctx)
	offered := slots.Offer(avail.Filtered, nil, in.Loc)
	display := slots.FormatForDisplay(offered, in.Loc)

	namePart := ""
	if fields := strings.Fields(displayName); len(fields) > 0 {
		namePart = " " + fields[0]
	}

	check := finalizeCheck(avail, offered, in.Now)
	return Decision{
		Route:        RouteNewLead,
		Reply:        firstTouchText(display, namePart, template),
		OfferedSlots: offered,
		Patch: convo.Patch{
			LeadTouchpoint: &convo.LeadTouchpoint{FirstTouchAt: in.Now},
			LastOffer:      r.newOffer(in, c, offered, &check),
			LastStep:       RouteNewLead,
		},
	}
}

func firstTouchText(display []string, namePart, template string) string {
	if template != "" {
		slot1, slot2 := "", ""
		if len(display) > 0 {
			slot1 = display[0]
		}
		if len(display) > 1 {
			slot2 = display[1]
		}
		return strings.NewReplacer(
			"{name_part}", namePart,
			"{slot_1}", slot1,
			"{slot_2}", slot2,
		).Replace(template)
	}

	greeting := fmt.Sprintf("Hey%s — thanks for reaching out. Want to get you booked in quickly. ", namePart)
	switch len(display) {
	case 0:
		return greeting + "What day and time works best for you?"
	case 1:
		return greeting + fmt.Sprintf("I've got %s free — does that work for you?", display[0])
	default:
		return greeting + fmt.Sprintf("I've got %s or %s free — which works best for you?", display[0], display[1])
	}
}
