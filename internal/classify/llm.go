package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// LLMSettings configures the chat-completion classifier. BaseURL points at
// any OpenAI-compatible endpoint; Model "stub" or Enabled=false disables
// the classifier entirely.
type LLMSettings struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	BaseURL     string  `yaml:"base_url" json:"base_url"`
	APIKey      string  `yaml:"api_key" json:"api_key"`
	Model       string  `yaml:"model" json:"model"`
	Temperature float64 `yaml:"temperature" json:"temperature"`
	TimeoutSec  int     `yaml:"timeout_sec" json:"timeout_sec"`
}

func (s LLMSettings) disabled() bool {
	return !s.Enabled || s.Model == "" || s.Model == "stub"
}

func (s LLMSettings) timeout() time.Duration {
	if s.TimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.TimeoutSec) * time.Second
}

// LLMClassifier classifies via a chat completion call. The model is asked
// for a single JSON object; anything unparsable is reported as an error so
// the fallback classifier can take over.
type LLMClassifier struct {
	settings LLMSettings
	client   *http.Client
	logger   *slog.Logger
}

func NewLLMClassifier(settings LLMSettings, logger *slog.Logger) *LLMClassifier {
	return &LLMClassifier{
		settings: settings,
		client:   &http.Client{Timeout: settings.timeout()},
		logger:   logger,
	}
}

const systemPromptTemplate = `You are an SMS booking assistant%s.%s
%s
Today is %s.

Classify the lead's latest message and reply with ONLY a JSON object:
{"intent": "...", "slot_index": null, "should_book": false, "should_handoff": false, "preferred_day": null, "preferred_time": null, "explicit_time": null, "reply_text": ""}

Intents: select_slot, request_specific_time, request_slots, wants_human, decline, reschedule, unclear.
slot_index is 0-based into the offered slots and only for select_slot.
Never fabricate a slot. Never guess. Never return multiple intents.`

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type modelVerdict struct {
	Intent        string  `json:"intent"`
	SlotIndex     *int    `json:"slot_index"`
	ShouldBook    bool    `json:"should_book"`
	ShouldHandoff bool    `json:"should_handoff"`
	PreferredDay  *string `json:"preferred_day"`
	PreferredTime *string `json:"preferred_time"`
	ExplicitTime  *string `json:"explicit_time"`
	ReplyText     string  `json:"reply_text"`
}

var fenceRE = regexp.MustCompile("(?s)^```(?:json)?\\s*|\\s*```$")

func (c *LLMClassifier) Classify(ctx context.Context, req Request) (Result, error) {
	result := Result{Intent: IntentUnclear, ReplyText: replyUnclear}

	if c.settings.disabled() {
		result.Err = "llm_disabled"
		return result, fmt.Errorf("llm classifier disabled")
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.settings.Model,
		Messages:    c.buildMessages(req),
		Temperature: c.settings.Temperature,
		MaxTokens:   256,
	})
	if err != nil {
		return result, fmt.Errorf("failed to encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.settings.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return result, fmt.Errorf("failed to build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.settings.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		result.Err = "llm_call_failed"
		return result, fmt.Errorf("chat completion call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		result.Err = fmt.Sprintf("llm_http_%d", resp.StatusCode)
		return result, fmt.Errorf("chat completion returned status %d", resp.StatusCode)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		result.Err = "llm_bad_response"
		return result, fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(chat.Choices) == 0 {
		result.Err = "llm_returned_none"
		return result, fmt.Errorf("chat completion returned no choices")
	}

	return c.parseVerdict(chat.Choices[0].Message.Content, len(req.OfferedSlots))
}

func (c *LLMClassifier) buildMessages(req Request) []chatMessage {
	var contextPart string
	if req.TenantContext != "" {
		contextPart = " for " + req.TenantContext
	}
	var personaSection string
	if req.Persona != "" {
		personaSection = "\n" + req.Persona
	}

	var slotsSection string
	if len(req.DisplaySlots) > 0 {
		var b strings.Builder
		b.WriteString("Currently offered slots:\n")
		for i, s := range req.DisplaySlots {
			fmt.Fprintf(&b, "  %d) %s\n", i+1, s)
		}
		slotsSection = b.String()
	} else {
		slotsSection = "No slots have been offered yet.\n"
	}

	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	today := now.Format("Monday 2 January 2006")

	system := fmt.Sprintf(systemPromptTemplate, contextPart, personaSection, slotsSection, today)

	var history strings.Builder
	for _, turn := range req.History[:max(0, len(req.History)-1)] {
		speaker := "Lead"
		if turn.Role == RoleBot {
			speaker = "You"
		}
		fmt.Fprintf(&history, "%s: %s\n", speaker, turn.Text)
	}
	if history.Len() == 0 {
		history.WriteString("(no prior messages)\n")
	}

	user := fmt.Sprintf("Conversation so far:\n%s\nLead's latest message: %s", history.String(), req.Text())

	return []chatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
}

func (c *LLMClassifier) parseVerdict(content string, offeredCount int) (Result, error) {
	result := Result{Intent: IntentUnclear, ReplyText: replyUnclear}

	clean := fenceRE.ReplaceAllString(strings.TrimSpace(content), "")
	var verdict modelVerdict
	if err := json.Unmarshal([]byte(clean), &verdict); err != nil {
		result.Err = "llm_bad_json"
		return result, fmt.Errorf("failed to parse model verdict: %w", err)
	}

	result.Used = true
	result.Intent = normalizeIntent(verdict.Intent)
	result.ShouldBook = verdict.ShouldBook
	result.ShouldHandoff = verdict.ShouldHandoff
	if verdict.PreferredDay != nil {
		result.PreferredDay = strings.ToLower(*verdict.PreferredDay)
	}
	if verdict.PreferredTime != nil {
		result.PreferredWindow = strings.ToLower(*verdict.PreferredTime)
	}
	if verdict.ExplicitTime != nil {
		result.ExplicitTime = *verdict.ExplicitTime
	}
	if verdict.ReplyText != "" {
		result.ReplyText = verdict.ReplyText
	}

	if verdict.SlotIndex != nil {
		if *verdict.SlotIndex < 0 || *verdict.SlotIndex >= offeredCount {
			result.SlotIndex = nil
			result.ShouldBook = false
			result.Err = "slot_index_out_of_range"
			c.logger.Warn("model returned out-of-range slot index",
				slog.Int("slot_index", *verdict.SlotIndex),
				slog.Int("offered", offeredCount),
			)
		} else {
			result.SlotIndex = verdict.SlotIndex
		}
	}

	return result, nil
}

func normalizeIntent(raw string) Intent {
	switch Intent(strings.ToLower(strings.TrimSpace(raw))) {
	case IntentSelectSlot, IntentRequestSpecificTime, IntentRequestSlots,
		IntentWantsHuman, IntentDecline, IntentReschedule:
		return Intent(strings.ToLower(strings.TrimSpace(raw)))
	default:
		return IntentUnclear
	}
}
