package classify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func chatServer(t *testing.T, verdict string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)

		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": verdict}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func llmRequest(text string, offered int) Request {
	req := Request{
		History: []Turn{
			{Role: RoleBot, Text: "Here are two options"},
			{Role: RoleLead, Text: text},
		},
		Now: time.Date(2026, 9, 7, 10, 0, 0, 0, time.UTC),
	}
	for i := 0; i < offered; i++ {
		req.OfferedSlots = append(req.OfferedSlots, time.Date(2026, 9, 8, 10+i, 0, 0, 0, time.UTC))
		req.DisplaySlots = append(req.DisplaySlots, "Tuesday 10:00")
	}
	return req
}

func TestLLMClassifierParsesVerdict(t *testing.T) {
	srv := chatServer(t, `{"intent": "select_slot", "slot_index": 1, "should_book": true, "should_handoff": false, "preferred_day": null, "preferred_time": null, "explicit_time": null, "reply_text": ""}`)
	defer srv.Close()

	c := NewLLMClassifier(LLMSettings{
		Enabled: true, BaseURL: srv.URL, APIKey: "test-key", Model: "gpt-4o-mini",
	}, discardLogger())

	result, err := c.Classify(context.Background(), llmRequest("the second one", 2))
	require.NoError(t, err)
	assert.Equal(t, IntentSelectSlot, result.Intent)
	require.NotNil(t, result.SlotIndex)
	assert.Equal(t, 1, *result.SlotIndex)
	assert.True(t, result.ShouldBook)
	assert.True(t, result.Used)
}

func TestLLMClassifierStripsMarkdownFence(t *testing.T) {
	srv := chatServer(t, "```json\n{\"intent\": \"decline\", \"slot_index\": null, \"should_book\": false, \"should_handoff\": false, \"preferred_day\": null, \"preferred_time\": null, \"explicit_time\": null, \"reply_text\": \"No worries!\"}\n```")
	defer srv.Close()

	c := NewLLMClassifier(LLMSettings{
		Enabled: true, BaseURL: srv.URL, APIKey: "test-key", Model: "gpt-4o-mini",
	}, discardLogger())

	result, err := c.Classify(context.Background(), llmRequest("not interested", 0))
	require.NoError(t, err)
	assert.Equal(t, IntentDecline, result.Intent)
	assert.Equal(t, "No worries!", result.ReplyText)
}

func TestLLMClassifierRejectsOutOfRangeSlotIndex(t *testing.T) {
	srv := chatServer(t, `{"intent": "select_slot", "slot_index": 5, "should_book": true, "should_handoff": false, "preferred_day": null, "preferred_time": null, "explicit_time": null, "reply_text": ""}`)
	defer srv.Close()

	c := NewLLMClassifier(LLMSettings{
		Enabled: true, BaseURL: srv.URL, APIKey: "test-key", Model: "gpt-4o-mini",
	}, discardLogger())

	result, err := c.Classify(context.Background(), llmRequest("yes", 2))
	require.NoError(t, err)
	assert.Nil(t, result.SlotIndex)
	assert.False(t, result.ShouldBook)
	assert.Equal(t, "slot_index_out_of_range", result.Err)
}

func TestLLMClassifierUnknownIntentFallsToUnclear(t *testing.T) {
	srv := chatServer(t, `{"intent": "make_coffee", "slot_index": null, "should_book": false, "should_handoff": false, "preferred_day": null, "preferred_time": null, "explicit_time": null, "reply_text": ""}`)
	defer srv.Close()

	c := NewLLMClassifier(LLMSettings{
		Enabled: true, BaseURL: srv.URL, APIKey: "test-key", Model: "gpt-4o-mini",
	}, discardLogger())

	result, err := c.Classify(context.Background(), llmRequest("huh", 0))
	require.NoError(t, err)
	assert.Equal(t, IntentUnclear, result.Intent)
}

func TestLLMClassifierDisabled(t *testing.T) {
	tests := []struct {
		name     string
		settings LLMSettings
	}{
		{name: "disabled flag", settings: LLMSettings{Enabled: false, Model: "gpt-4o-mini"}},
		{name: "stub model", settings: LLMSettings{Enabled: true, Model: "stub"}},
		{name: "no model", settings: LLMSettings{Enabled: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewLLMClassifier(tt.settings, discardLogger())
			result, err := c.Classify(context.Background(), llmRequest("hello", 0))
			require.Error(t, err)
			assert.Equal(t, "llm_disabled", result.Err)
		})
	}
}

func TestLLMClassifierBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewLLMClassifier(LLMSettings{
		Enabled: true, BaseURL: srv.URL, APIKey: "test-key", Model: "gpt-4o-mini",
	}, discardLogger())

	result, err := c.Classify(context.Background(), llmRequest("hello", 0))
	require.Error(t, err)
	assert.Equal(t, "llm_http_503", result.Err)
}
