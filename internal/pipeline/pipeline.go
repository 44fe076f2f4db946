// Package pipeline executes one claimed job end to end. Every read and
// write of a job runs on the same database transaction, so a failure at
// any point rolls the whole turn back and the retry starts clean.
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/humtech/bookingbot/internal/adapters"
	"github.com/humtech/bookingbot/internal/classify"
	"github.com/humtech/bookingbot/internal/convo"
	"github.com/humtech/bookingbot/internal/queue"
	"github.com/humtech/bookingbot/internal/router"
	"github.com/humtech/bookingbot/internal/slots"
	"github.com/humtech/bookingbot/internal/store"
	"github.com/humtech/bookingbot/internal/tenant"
)

// historyLimit bounds how much transcript the classifier sees.
const historyLimit = 12

// RouteNoConversation marks an inbound message that arrived with no open
// conversation. Recorded, never replied to.
const RouteNoConversation = "no_active_conversation"

// EventStore is the message/event persistence the pipeline needs.
type EventStore interface {
	GetInboundEvent(ctx context.Context, inboundEventID string) (*store.InboundEvent, error)
	UpsertContact(ctx context.Context, tenantID, channel, address, displayName string, metadata json.RawMessage) (string, error)
	InsertInboundMessage(ctx context.Context, ev *store.InboundEvent, conversationID, contactID, text string) (string, error)
	InsertOutboundMessage(ctx context.Context, ev *store.InboundEvent, conversationID, contactID, text string, payload store.OutboundPayload) (string, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
}

// ConversationStore is the conversation persistence the pipeline needs.
type ConversationStore interface {
	FindOpen(ctx context.Context, tenantID, contactID string) (*convo.Conversation, error)
	Open(ctx context.Context, conversationID, tenantID, contactID string, now time.Time) (*convo.Conversation, error)
	Save(ctx context.Context, conv *convo.Conversation, now time.Time) error
}

// TenantStore loads tenant configuration.
type TenantStore interface {
	Load(ctx context.Context, tenantID string) (*tenant.Tenant, error)
}

// Stores bundles the per-transaction persistence handles.
type Stores struct {
	Events  EventStore
	Convos  ConversationStore
	Tenants TenantStore
}

// StoreFactory builds stores bound to a transaction.
type StoreFactory func(tx sqlx.ExtContext) Stores

// ClassifierFactory builds the classifier for a tenant's settings.
type ClassifierFactory func(tn *tenant.Tenant, logger *slog.Logger) classify.Classifier

// Outcome summarizes one processed job for logging and tests.
type Outcome struct {
	Route          string
	ConversationID string
	ContactID      string
	OutMessageID   string
	BookingID      string
	IdempotentSkip bool
}

// Pipeline orchestrates job processing. Safe for concurrent use.
type Pipeline struct {
	calendars     map[string]adapters.Calendar
	resolver      tenant.Resolver
	router        *router.Router
	stores        StoreFactory
	classifierFor ClassifierFactory
	logger        *slog.Logger
	now           func() time.Time
}

func New(calendars map[string]adapters.Calendar, resolver tenant.Resolver, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		calendars: calendars,
		resolver:  resolver,
		router:    router.New(logger),
		stores: func(tx sqlx.ExtContext) Stores {
			return Stores{
				Events:  store.New(tx),
				Convos:  convo.NewStore(tx),
				Tenants: tenant.NewStore(tx, logger),
			}
		},
		classifierFor: defaultClassifier,
		logger:        logger,
		now:           time.Now,
	}
}

// WithStores overrides the store factory. Used by tests.
func (p *Pipeline) WithStores(f StoreFactory) *Pipeline {
	p.stores = f
	return p
}

// WithClassifierFactory overrides classifier construction. Used by tests.
func (p *Pipeline) WithClassifierFactory(f ClassifierFactory) *Pipeline {
	p.classifierFor = f
	return p
}

// WithClock overrides the time source. Used by tests.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

func defaultClassifier(tn *tenant.Tenant, logger *slog.Logger) classify.Classifier {
	return classify.NewFallback(
		classify.NewLLMClassifier(tn.Settings.LLM, logger),
		classify.PatternClassifier{},
		logger,
	)
}

// Process handles one claimed job on the given transaction. The caller
// owns commit/rollback and job completion. Returned errors are classified
// by the queue's Fail: terminal errors never retry.
func (p *Pipeline) Process(ctx context.Context, tx sqlx.ExtContext, job *queue.Job) (*Outcome, error) {
	stores := p.stores(tx)

	ev, err := stores.Events.GetInboundEvent(ctx, job.InboundEventID)
	if err != nil {
		if errors.Is(err, store.ErrEventNotFound) {
			return nil, queue.NewTerminalError(queue.CodeInvariantViolated,
				fmt.Errorf("job references missing inbound event %s", job.InboundEventID))
		}
		return nil, fmt.Errorf("failed to load inbound event: %w", err)
	}

	tn, err := stores.Tenants.Load(ctx, ev.TenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			return nil, queue.NewTerminalError(queue.CodeInvariantViolated,
				fmt.Errorf("tenant %s not found or disabled", ev.TenantID))
		}
		return nil, fmt.Errorf("failed to load tenant: %w", err)
	}

	loc := tn.Location()
	now := p.now().In(loc)

	contactID, err := stores.Events.UpsertContact(ctx, ev.TenantID, ev.Channel, ev.ChannelAddress,
		ev.DisplayName(), contactMetadata(ev))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert contact: %w", err)
	}

	var outcome *Outcome
	switch ev.EventType {
	case store.EventNewLead:
		outcome, err = p.handleNewLead(ctx, stores, tn, ev, contactID, now, loc)
	case store.EventInboundMessage:
		outcome, err = p.handleInbound(ctx, stores, tn, ev, contactID, now, loc)
	default:
		return nil, queue.NewTerminalError(queue.CodeInvariantViolated,
			fmt.Errorf("unknown event type %q", ev.EventType))
	}
	if err != nil {
		var inv *convo.InvariantError
		if errors.As(err, &inv) {
			return nil, queue.NewTerminalError(queue.CodeInvariantViolated, err)
		}
		return nil, err
	}

	p.logger.Info("processing run",
		slog.String("tenant_slug", tn.TenantSlug),
		slog.String("trace_id", ev.TraceID),
		slog.String("contact_id", outcome.ContactID),
		slog.String("conversation_id", outcome.ConversationID),
		slog.String("route", outcome.Route),
		slog.Bool("idempotent_skip", outcome.IdempotentSkip),
	)
	return outcome, nil
}

// handleNewLead sends the first-touch greeting, exactly once per
// conversation: the lead_touchpoint marker makes the retry a no-op.
func (p *Pipeline) handleNewLead(ctx context.Context, stores Stores, tn *tenant.Tenant, ev *store.InboundEvent, contactID string, now time.Time, loc *time.Location) (*Outcome, error) {
	conv, err := stores.Convos.FindOpen(ctx, tn.TenantID, contactID)
	if errors.Is(err, convo.ErrNotFound) {
		conv, err = stores.Convos.Open(ctx, uuid.NewString(), tn.TenantID, contactID, now)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve conversation: %w", err)
	}

	if conv.Context.LeadTouchpoint != nil {
		return &Outcome{
			Route:          router.RouteNewLead,
			ConversationID: conv.ConversationID,
			ContactID:      contactID,
			OutMessageID:   conv.Context.LeadTouchpoint.MessageID,
			IdempotentSkip: true,
		}, nil
	}

	source := p.slotSource(ctx, tn, now, loc)
	in := router.Input{Now: now, Loc: loc, Timezone: tn.Timezone(), Context: conv.Context}
	decision := p.router.FirstTouch(ctx, source, in, ev.DisplayName(), tn.Settings.Bot.FirstTouchTemplate)

	outMsgID, err := stores.Events.InsertOutboundMessage(ctx, ev, conv.ConversationID, contactID,
		decision.Reply, outboundPayload(ev, decision, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to insert first-touch message: %w", err)
	}

	decision.Patch.LeadTouchpoint.Channel = ev.Channel
	decision.Patch.LeadTouchpoint.MessageID = outMsgID
	decision.Patch.DebugRun = debugRun(decision, classify.Signals{}, "start", now)

	if err := conv.Context.Apply(decision.Patch); err != nil {
		return nil, err
	}
	conv.LastIntent = nullString(router.RouteNewLead)
	if err := stores.Convos.Save(ctx, conv, now); err != nil {
		return nil, fmt.Errorf("failed to save conversation: %w", err)
	}

	return &Outcome{
		Route:          decision.Route,
		ConversationID: conv.ConversationID,
		ContactID:      contactID,
		OutMessageID:   outMsgID,
	}, nil
}

// handleInbound classifies a lead reply and executes the routed decision.
func (p *Pipeline) handleInbound(ctx context.Context, stores Stores, tn *tenant.Tenant, ev *store.InboundEvent, contactID string, now time.Time, loc *time.Location) (*Outcome, error) {
	conv, err := stores.Convos.FindOpen(ctx, tn.TenantID, contactID)
	if errors.Is(err, convo.ErrNotFound) {
		// A reply with nothing to reply to (closed conversation, or a lead
		// texting in cold). Recorded and skipped; a human can follow up.
		p.logger.Warn("inbound message without an open conversation",
			slog.String("tenant_id", tn.TenantID),
			slog.String("contact_id", contactID),
			slog.String("trace_id", ev.TraceID),
		)
		return &Outcome{Route: RouteNoConversation, ContactID: contactID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	text := ev.Text()
	if _, err := stores.Events.InsertInboundMessage(ctx, ev, conv.ConversationID, contactID, text); err != nil {
		return nil, fmt.Errorf("failed to insert inbound message: %w", err)
	}

	history, err := stores.Events.RecentMessages(ctx, conv.ConversationID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	var offered []time.Time
	var display []string
	if offer := conv.Context.ActiveOffer(now); offer != nil {
		offered = offer.Slots
		display = slots.FormatForDisplay(offered, loc)
	}

	verdict, err := p.classifierFor(tn, p.logger).Classify(ctx, classify.Request{
		History:       toTurns(history, text),
		OfferedSlots:  offered,
		DisplaySlots:  display,
		TenantContext: tn.Settings.Bot.Context,
		Persona:       tn.Settings.Bot.Persona,
		Now:           now,
	})
	if err != nil {
		// A classifier failure never blocks the turn.
		p.logger.Warn("classifier failed, treating message as unclear",
			slog.String("trace_id", ev.TraceID),
			slog.Any("error", err),
		)
		verdict = classify.Result{Intent: classify.IntentUnclear, Err: queue.CodeClassifier}
	}

	signals := classify.ExtractSignals(text)
	in := router.Input{
		Now:      now,
		Loc:      loc,
		Timezone: tn.Timezone(),
		Context:  conv.Context,
		Verdict:  verdict,
		Signals:  signals,
	}

	decision, err := p.router.Decide(ctx, p.slotSource(ctx, tn, now, loc), p.booker(ctx, tn, ev), in)
	if err != nil {
		return nil, err
	}

	outMsgID, err := stores.Events.InsertOutboundMessage(ctx, ev, conv.ConversationID, contactID,
		decision.Reply, outboundPayload(ev, decision, verdict.Err))
	if err != nil {
		return nil, fmt.Errorf("failed to insert outbound message: %w", err)
	}

	decision.Patch.DebugRun = debugRun(decision, signals, prevStep(conv.Context), now)
	if err := conv.Context.Apply(decision.Patch); err != nil {
		return nil, err
	}
	conv.LastIntent = nullString(string(verdict.Intent))
	if decision.Close {
		conv.Status = convo.StatusClosed
	}
	if err := stores.Convos.Save(ctx, conv, now); err != nil {
		return nil, fmt.Errorf("failed to save conversation: %w", err)
	}

	return &Outcome{
		Route:          decision.Route,
		ConversationID: conv.ConversationID,
		ContactID:      contactID,
		OutMessageID:   outMsgID,
		BookingID:      decision.BookingID,
	}, nil
}

func (p *Pipeline) slotSource(ctx context.Context, tn *tenant.Tenant, now time.Time, loc *time.Location) router.SlotSource {
	creds, credsErr := p.resolver.Resolve(ctx, tn.TenantID, tn.CalendarAdapter)
	return &calendarSource{
		calendar:   p.calendars[tn.CalendarAdapter],
		creds:      creds,
		credsErr:   credsErr,
		calendarID: tn.Settings.Calendar.CalendarID,
		timezone:   tn.Timezone(),
		loc:        loc,
		windows:    tn.Settings.Booking.Availability,
		lookahead:  int(tn.Lookahead() / (24 * time.Hour)),
		needsAuth:  tn.CalendarAdapter != "stub",
		now:        now,
		logger:     p.logger,
	}
}

func (p *Pipeline) booker(ctx context.Context, tn *tenant.Tenant, ev *store.InboundEvent) router.Booker {
	creds, credsErr := p.resolver.Resolve(ctx, tn.TenantID, tn.CalendarAdapter)
	providerContactID := ev.ProviderContactID()
	if providerContactID == "" {
		providerContactID = ev.ChannelAddress
	}
	return &calendarBooker{
		calendar:          p.calendars[tn.CalendarAdapter],
		creds:             creds,
		credsErr:          credsErr,
		tenantID:          tn.TenantID,
		calendarID:        tn.Settings.Calendar.CalendarID,
		timezone:          tn.Timezone(),
		providerContactID: providerContactID,
		needsAuth:         tn.CalendarAdapter != "stub",
	}
}

func outboundPayload(ev *store.InboundEvent, d router.Decision, classifierErr string) store.OutboundPayload {
	payload := store.OutboundPayload{
		Route:         d.Route,
		TextFinal:     d.Reply,
		OfferedSlots:  d.OfferedSlots,
		BookingID:     d.BookingID,
		ClassifierErr: classifierErr,
	}
	if ev.EventType == store.EventNewLead {
		payload.EventType = store.EventNewLead
	}
	if d.Patch.LastOffer != nil && d.Patch.LastOffer.CalendarCheck != nil {
		if raw, err := json.Marshal(d.Patch.LastOffer.CalendarCheck); err == nil {
			payload.CalendarCheck = raw
		}
	}
	return payload
}

func debugRun(d router.Decision, signals classify.Signals, from string, now time.Time) *convo.DebugRun {
	run := &convo.DebugRun{
		At:           now,
		Route:        d.Route,
		Day:          signals.Day,
		TimeWindow:   signals.TimeWindow,
		ExplicitTime: signals.ExplicitTime,
		SlotCount:    len(d.OfferedSlots),
		Transition:   &convo.Transition{From: from, To: d.Route},
	}
	loc := now.Location()
	for _, s := range d.OfferedSlots {
		run.ChosenSlots = append(run.ChosenSlots, convo.ChosenSlot{
			ISO:   s.Format(time.RFC3339),
			Human: slots.FormatForConfirmation(s, loc),
		})
	}
	if d.BookedSlot != nil {
		run.ChosenSlots = []convo.ChosenSlot{{
			ISO:   d.BookedSlot.Format(time.RFC3339),
			Human: slots.FormatForConfirmation(*d.BookedSlot, loc),
		}}
		run.SlotCount = 1
	}
	return run
}

func prevStep(c convo.Context) string {
	if c.LastStep == "" {
		return "start"
	}
	return c.LastStep
}

func toTurns(history []store.Message, fallbackText string) []classify.Turn {
	turns := make([]classify.Turn, 0, len(history)+1)
	for _, m := range history {
		role := classify.RoleBot
		if m.Direction == store.DirectionInbound {
			role = classify.RoleLead
		}
		turns = append(turns, classify.Turn{Role: role, Text: m.Text})
	}
	if len(turns) == 0 || turns[len(turns)-1].Role != classify.RoleLead {
		turns = append(turns, classify.Turn{Role: classify.RoleLead, Text: fallbackText})
	}
	return turns
}

func contactMetadata(ev *store.InboundEvent) json.RawMessage {
	pcid := ev.ProviderContactID()
	if pcid == "" {
		return nil
	}
	raw, err := json.Marshal(map[string]string{"provider_contact_id": pcid})
	if err != nil {
		return nil
	}
	return raw
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
