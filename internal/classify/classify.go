// Package classify turns an inbound lead message into a structured intent.
//
// Two implementations exist: an LLM-backed classifier that calls a chat
// completion API, and a deterministic pattern classifier used as its
// fallback and in tests. The processing pipeline only sees the Classifier
// interface.
package classify

import (
	"context"
	"time"
)

// Intent is the classified purpose of an inbound message.
type Intent string

const (
	IntentSelectSlot          Intent = "select_slot"
	IntentRequestSpecificTime Intent = "request_specific_time"
	IntentRequestSlots        Intent = "request_slots"
	IntentWantsHuman          Intent = "wants_human"
	IntentDecline             Intent = "decline"
	IntentReschedule          Intent = "reschedule"
	IntentUnclear             Intent = "unclear"
)

// Turn is one message in the conversation history.
type Turn struct {
	Role string // "lead" or "bot"
	Text string
}

const (
	RoleLead = "lead"
	RoleBot  = "bot"
)

// Request carries everything a classifier may use. History is
// chronological and its last turn is the message being classified.
type Request struct {
	History       []Turn
	OfferedSlots  []time.Time
	DisplaySlots  []string
	TenantContext string
	Persona       string
	Now           time.Time
}

// Text returns the message under classification.
func (r Request) Text() string {
	if len(r.History) == 0 {
		return ""
	}
	return r.History[len(r.History)-1].Text
}

// Result is the structured classification outcome. SlotIndex is only set
// for select_slot and always validated against OfferedSlots. ReplyText is
// advisory; the intent router may override it.
type Result struct {
	Intent          Intent
	SlotIndex       *int
	ShouldBook      bool
	ShouldHandoff   bool
	PreferredDay    string
	PreferredWindow string
	ExplicitTime    string
	ReplyText       string
	Used            bool
	Err             string
}

// Classifier classifies one inbound message. Implementations must be safe
// for concurrent use. A returned error means the classifier itself failed;
// an unclear message is a successful Result with IntentUnclear.
type Classifier interface {
	Classify(ctx context.Context, req Request) (Result, error)
}
