package classify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func classifyText(t *testing.T, text string, offered int) Result {
	t.Helper()

	req := Request{History: []Turn{{Role: RoleLead, Text: text}}}
	for i := 0; i < offered; i++ {
		req.OfferedSlots = append(req.OfferedSlots, time.Date(2026, 9, 7, 10+i, 0, 0, 0, time.UTC))
		req.DisplaySlots = append(req.DisplaySlots, "Monday 10:00")
	}

	result, err := PatternClassifier{}.Classify(context.Background(), req)
	require.NoError(t, err)
	return result
}

func TestPatternClassifier(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		offered    int
		wantIntent Intent
		wantIndex  *int
		check      func(t *testing.T, r Result)
	}{
		{
			name:       "decline",
			text:       "no thanks, not interested",
			wantIntent: IntentDecline,
		},
		{
			name:       "stop keyword",
			text:       "STOP",
			wantIntent: IntentDecline,
		},
		{
			name:       "wants human",
			text:       "can I speak to a person please",
			wantIntent: IntentWantsHuman,
			check: func(t *testing.T, r Result) {
				assert.True(t, r.ShouldHandoff)
				assert.NotEmpty(t, r.ReplyText)
			},
		},
		{
			name:       "reschedule",
			text:       "I need to reschedule my appointment",
			wantIntent: IntentReschedule,
		},
		{
			name:       "bare index picks first slot",
			text:       "1",
			offered:    2,
			wantIntent: IntentSelectSlot,
			wantIndex:  intPtr(0),
		},
		{
			name:       "option two",
			text:       "option 2 please",
			offered:    2,
			wantIntent: IntentSelectSlot,
			wantIndex:  intPtr(1),
		},
		{
			name:       "ordinal pick",
			text:       "the second one works",
			offered:    2,
			wantIntent: IntentSelectSlot,
			wantIndex:  intPtr(1),
		},
		{
			name:       "confirmation with single slot",
			text:       "yes that works",
			offered:    1,
			wantIntent: IntentSelectSlot,
			wantIndex:  intPtr(0),
		},
		{
			name:       "confirmation with two slots asks which",
			text:       "sounds good",
			offered:    2,
			wantIntent: IntentUnclear,
			check: func(t *testing.T, r Result) {
				assert.Equal(t, replyWhichSlot, r.ReplyText)
			},
		},
		{
			name:       "index out of range asks again",
			text:       "2",
			offered:    1,
			wantIntent: IntentUnclear,
			check: func(t *testing.T, r Result) {
				assert.Equal(t, replyWhichSlot, r.ReplyText)
			},
		},
		{
			name:       "explicit time",
			text:       "can you do thursday at 4:35pm?",
			wantIntent: IntentRequestSpecificTime,
			check: func(t *testing.T, r Result) {
				assert.Equal(t, "thursday", r.PreferredDay)
				assert.Equal(t, "4:35pm", r.ExplicitTime)
			},
		},
		{
			name:       "explicit time beats stale offer selection",
			text:       "could we make it friday 2pm instead",
			offered:    2,
			wantIntent: IntentRequestSpecificTime,
			check: func(t *testing.T, r Result) {
				assert.Equal(t, "friday", r.PreferredDay)
				assert.Equal(t, "2:00pm", r.ExplicitTime)
			},
		},
		{
			name:       "broad day request",
			text:       "do you have anything on friday afternoon",
			wantIntent: IntentRequestSlots,
			check: func(t *testing.T, r Result) {
				assert.Equal(t, "friday", r.PreferredDay)
				assert.Equal(t, "afternoon", r.PreferredWindow)
			},
		},
		{
			name:       "window only request",
			text:       "mornings are best",
			wantIntent: IntentRequestSlots,
			check: func(t *testing.T, r Result) {
				assert.Equal(t, "morning", r.PreferredWindow)
			},
		},
		{
			name:       "unclear",
			text:       "hmm let me think about it",
			wantIntent: IntentUnclear,
			check: func(t *testing.T, r Result) {
				assert.Equal(t, replyUnclear, r.ReplyText)
			},
		},
		{
			name:       "empty message",
			text:       "",
			wantIntent: IntentUnclear,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := classifyText(t, tt.text, tt.offered)
			assert.Equal(t, tt.wantIntent, result.Intent)
			if tt.wantIndex != nil {
				require.NotNil(t, result.SlotIndex)
				assert.Equal(t, *tt.wantIndex, *result.SlotIndex)
				assert.True(t, result.ShouldBook)
			}
			if tt.check != nil {
				tt.check(t, result)
			}
		})
	}
}

func TestFallbackUsesSecondaryOnPrimaryError(t *testing.T) {
	primary := classifierFunc(func(ctx context.Context, req Request) (Result, error) {
		return Result{Intent: IntentUnclear, Err: "llm_call_failed"}, assert.AnError
	})

	fb := NewFallback(primary, PatternClassifier{}, discardLogger())
	result, err := fb.Classify(context.Background(), Request{
		History: []Turn{{Role: RoleLead, Text: "friday afternoon works"}},
	})
	require.NoError(t, err)
	assert.Equal(t, IntentRequestSlots, result.Intent)
	assert.Equal(t, "llm_call_failed", result.Err)
	assert.False(t, result.Used)
}

func TestFallbackPrefersPrimary(t *testing.T) {
	idx := 1
	primary := classifierFunc(func(ctx context.Context, req Request) (Result, error) {
		return Result{Intent: IntentSelectSlot, SlotIndex: &idx, ShouldBook: true, Used: true}, nil
	})

	fb := NewFallback(primary, PatternClassifier{}, discardLogger())
	result, err := fb.Classify(context.Background(), Request{
		History: []Turn{{Role: RoleLead, Text: "the second one"}},
	})
	require.NoError(t, err)
	assert.Equal(t, IntentSelectSlot, result.Intent)
	assert.True(t, result.Used)
}

type classifierFunc func(ctx context.Context, req Request) (Result, error)

func (f classifierFunc) Classify(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

func intPtr(i int) *int { return &i }
