package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"carelink/internal/config"
	"carelink/internal/domain"
	"carelink/internal/store"
)

// Deliverer hands a finished reply to the outbound queue. The orchestrator
// persists the assistant message itself, so deliverers only queue and send.
type Deliverer interface {
	Send(ctx context.Context, conv *domain.Conversation, patient *domain.Patient, body string, appendix string) error
}

// Orchestrator runs the full inbound turn: dedup, patient resolution,
// conversation resolution, routing, prompt assembly, the tool loop, and
// post-turn effect application.
type Orchestrator struct {
	store     domain.Store
	provider  domain.Provider
	registry  *Registry
	router    *Router
	engine    *Engine
	deliverer Deliverer
	cfg       *config.Config
	logger    *slog.Logger

	concurrency int
}

func NewOrchestrator(
	store domain.Store,
	provider domain.Provider,
	registry *Registry,
	router *Router,
	engine *Engine,
	deliverer Deliverer,
	cfg *config.Config,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.General.MaxConcurrent
	if concurrency < 1 {
		concurrency = 1
	}
	return &Orchestrator{
		store:       store,
		provider:    provider,
		registry:    registry,
		router:      router,
		engine:      engine,
		deliverer:   deliverer,
		cfg:         cfg,
		logger:      logger,
		concurrency: concurrency,
	}
}

// Run consumes the inbound bus until the context is cancelled or the bus
// closes. Turns run concurrently up to the configured limit.
func (o *Orchestrator) Run(ctx context.Context, bus domain.MessageBus) {
	o.logger.Info("orchestrator started", "concurrency", o.concurrency)

	sem := make(chan struct{}, o.concurrency)
	inbound := bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				o.logger.Info("inbound channel closed, orchestrator stopping")
				return
			}
			sem <- struct{}{}
			go func(m domain.InboundMessage) {
				defer func() { <-sem }()
				if _, err := o.HandleInbound(ctx, m); err != nil {
					o.logger.Error("turn failed",
						"channel", m.Channel,
						"address", m.Address,
						"error", err,
					)
				}
			}(msg)
		}
	}
}

// TurnResult reports what a turn did. Duplicate turns carry nothing else.
type TurnResult struct {
	Duplicate bool
	Module    string
	Reply     string
	Appendix  string
}

// HandleInbound processes one patient message end to end.
func (o *Orchestrator) HandleInbound(ctx context.Context, msg domain.InboundMessage) (*TurnResult, error) {
	start := time.Now()

	// Redelivered webhook payloads are dropped before any side effect.
	if msg.ExternalID != "" {
		existing, err := o.store.FindMessageByExternalID(ctx, msg.ClinicID, msg.ExternalID)
		if err != nil {
			return nil, fmt.Errorf("idempotency check: %w", err)
		}
		if existing != nil {
			o.logger.Info("duplicate inbound dropped",
				"channel", msg.Channel, "external_id", msg.ExternalID)
			return &TurnResult{Duplicate: true}, nil
		}
	}

	patient, err := o.resolvePatient(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("resolve patient: %w", err)
	}

	conv, err := o.resolveConversation(ctx, msg, patient)
	if err != nil {
		return nil, fmt.Errorf("resolve conversation: %w", err)
	}

	module, ac, err := o.selectModule(ctx, msg, conv, patient)
	if err != nil {
		return nil, fmt.Errorf("select module: %w", err)
	}
	desc, ok := o.registry.Lookup(module)
	if !ok {
		return nil, fmt.Errorf("module %q has no registered agent", module)
	}

	if conv.Module != module || conv.AgentConfigID != ac.ID {
		conv.Module = module
		conv.AgentConfigID = ac.ID
		if err := o.store.UpdateConversation(ctx, *conv); err != nil {
			return nil, fmt.Errorf("pin module: %w", err)
		}
	}

	history, err := o.store.RecentMessages(ctx, conv.ID, o.historyLimit())
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	// Persist the inbound message before calling the model so a crash
	// mid-turn never loses patient input. The UNIQUE index on external id
	// backs the dedup check above against concurrent redelivery.
	if err := o.store.AddMessage(ctx, domain.MessageRecord{
		ConversationID: conv.ID,
		Role:           "user",
		Content:        msg.Content,
		ExternalID:     msg.ExternalID,
	}); err != nil {
		return nil, fmt.Errorf("persist inbound: %w", err)
	}

	tc := ToolContext{
		Store:          o.store,
		ClinicID:       msg.ClinicID,
		ConversationID: conv.ID,
		PatientID:      patient.ID,
		Locale:         o.cfg.Clinic.Locale,
		Config:         o.mergedConfig(ac),
	}

	system := AssemblePrompt(ctx, desc, o.promptParams(ac), recipientFor(patient), tc)
	messages := BuildMessages(system, history, msg.Content)
	tools := desc.Tools(ctx, tc)

	reply, effects, err := o.engine.Run(ctx, o.provider, desc, tc, messages, tools)
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", module, err)
	}

	// History reads see the reply as the patient will receive it, appendix
	// included.
	composed := reply
	if effects.Appendix != "" {
		if composed != "" {
			composed += "\n\n"
		}
		composed += effects.Appendix
	}
	if err := o.store.AddMessage(ctx, domain.MessageRecord{
		ConversationID: conv.ID,
		Role:           "assistant",
		Content:        composed,
	}); err != nil {
		return nil, fmt.Errorf("persist reply: %w", err)
	}

	if err := o.applyEffects(ctx, conv, effects); err != nil {
		return nil, fmt.Errorf("apply effects: %w", err)
	}

	if o.deliverer != nil {
		if err := o.deliverer.Send(ctx, conv, patient, reply, effects.Appendix); err != nil {
			// The reply is already in the transcript; delivery retries are
			// the queue sweeper's job.
			o.logger.Error("delivery failed",
				"conversation", conv.ID, "error", err)
		}
	}

	o.logger.Info("turn complete",
		"module", module,
		"conversation", conv.ID,
		"tool_calls", effects.ToolCalls,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &TurnResult{
		Module:   module,
		Reply:    reply,
		Appendix: effects.Appendix,
	}, nil
}

// resolvePatient finds the patient behind the sender address, creating a row
// on first contact. Phone lookup tolerates the regional ninth-digit variants.
func (o *Orchestrator) resolvePatient(ctx context.Context, msg domain.InboundMessage) (*domain.Patient, error) {
	variants := store.PhoneVariants(msg.Address)
	patient, err := o.store.FindPatientByPhone(ctx, msg.ClinicID, variants)
	if err != nil {
		return nil, err
	}
	if patient != nil {
		return patient, nil
	}

	name := msg.SenderName
	if name == "" {
		name = msg.Address
	}
	created, fresh, err := o.store.CreatePatient(ctx, domain.Patient{
		ID:       uuid.NewString(),
		ClinicID: msg.ClinicID,
		Name:     name,
		Phone:    msg.Address,
	})
	if err != nil {
		return nil, err
	}
	created.New = fresh
	return created, nil
}

// resolveConversation returns the open conversation for this patient and
// channel, or starts a new one. Escalated conversations stay open so the
// transcript keeps accumulating while a human handles it.
func (o *Orchestrator) resolveConversation(ctx context.Context, msg domain.InboundMessage, patient *domain.Patient) (*domain.Conversation, error) {
	conv, err := o.store.FindOpenConversation(ctx, msg.ClinicID, patient.ID, msg.Channel)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		return conv, nil
	}

	conv = &domain.Conversation{
		ID:        uuid.NewString(),
		ClinicID:  msg.ClinicID,
		PatientID: patient.ID,
		Channel:   msg.Channel,
		Status:    domain.StatusActive,
	}
	if err := o.store.CreateConversation(ctx, *conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// selectModule routes the message and loads the winning module's clinic
// configuration. A conversation that already has a module skips the
// classifier, and so does a brand-new patient: first contact always starts
// on the default module regardless of content. Disabled or missing configs
// fall back to the default module.
func (o *Orchestrator) selectModule(ctx context.Context, msg domain.InboundMessage, conv *domain.Conversation, patient *domain.Patient) (string, *domain.AgentConfig, error) {
	enabled, err := o.store.EnabledModules(ctx, msg.ClinicID)
	if err != nil {
		return "", nil, err
	}
	// Drop modules whose agent does not serve this channel before any
	// routing decision.
	filtered := enabled[:0]
	for _, id := range enabled {
		if d, ok := o.registry.Lookup(id); ok && d.SupportsChannel(msg.Channel) {
			filtered = append(filtered, id)
		}
	}
	enabled = filtered

	// A pinned module only sticks while it is still registered, enabled,
	// and serving this channel; otherwise the message is routed afresh.
	active := conv.Module
	if active != "" && !containsModule(enabled, active) {
		o.logger.Warn("pinned module no longer usable, re-routing",
			"module", active, "conversation", conv.ID)
		active = ""
	}

	var module, reason string
	if patient.New && conv.Module == "" {
		module, reason = o.cfg.General.DefaultModule, "new patient"
	} else {
		module, reason = o.router.Route(ctx, msg.Content, enabled, active)
	}
	o.logger.Debug("routed", "module", module, "reason", reason)

	ac, err := o.store.GetAgentConfig(ctx, msg.ClinicID, module)
	if err != nil {
		return "", nil, err
	}
	if ac == nil || !ac.Enabled {
		fallback := o.cfg.General.DefaultModule
		if module == fallback {
			return "", nil, fmt.Errorf("default module %q not configured for clinic %s", fallback, msg.ClinicID)
		}
		o.logger.Warn("module not configured, falling back",
			"module", module, "fallback", fallback)
		ac, err = o.store.GetAgentConfig(ctx, msg.ClinicID, fallback)
		if err != nil {
			return "", nil, err
		}
		if ac == nil || !ac.Enabled {
			return "", nil, fmt.Errorf("default module %q not configured for clinic %s", fallback, msg.ClinicID)
		}
		module = fallback
	}
	return module, ac, nil
}

func containsModule(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// applyEffects writes tool side effects to the conversation after the turn.
// Routing flips the module so the next turn lands there directly; an invalid
// target is logged and ignored rather than breaking the conversation.
func (o *Orchestrator) applyEffects(ctx context.Context, conv *domain.Conversation, effects Effects) error {
	dirty := false

	if effects.StatusOverride != "" && effects.StatusOverride.Valid() {
		conv.Status = effects.StatusOverride
		dirty = true
	}

	if target := effects.RoutingTarget(); target != "" && target != conv.Module {
		if _, ok := o.registry.Lookup(target); ok {
			conv.Module = target
			conv.AgentConfigID = ""
			dirty = true
		} else {
			o.logger.Warn("routing target not registered, ignoring", "target", target)
		}
	}

	if !dirty {
		return nil
	}
	return o.store.UpdateConversation(ctx, *conv)
}

func (o *Orchestrator) promptParams(ac *domain.AgentConfig) PromptParams {
	c := o.cfg.Clinic
	staff := make([]StaffMember, 0, len(c.Staff))
	for _, s := range c.Staff {
		staff = append(staff, StaffMember{Name: s.Name, Role: s.Role})
	}
	return PromptParams{
		DisplayName:      ac.DisplayName,
		Description:      ac.Description,
		Instructions:     ac.Instructions,
		SuccessCriterion: ac.SuccessCriterion,
		Tone:             c.Tone,
		Locale:           c.Locale,
		Config:           ac.Config,
		Business: &BusinessContext{
			ClinicName: c.Name,
			Address:    c.Address,
			Phone:      c.Phone,
			Email:      c.Email,
			Website:    c.Website,
			Services:   c.Services,
			Insurance:  c.Insurance,
			Staff:      staff,
		},
	}
}

// mergedConfig overlays clinic feature flags onto the module's config map.
// Feature keys use the "module.flag" form; only this module's flags apply.
func (o *Orchestrator) mergedConfig(ac *domain.AgentConfig) map[string]any {
	merged := make(map[string]any, len(ac.Config))
	for k, v := range ac.Config {
		merged[k] = v
	}
	prefix := ac.Module + "."
	for k, v := range o.cfg.Clinic.Features {
		if strings.HasPrefix(k, prefix) {
			merged[strings.TrimPrefix(k, prefix)] = v
		}
	}
	return merged
}

func (o *Orchestrator) historyLimit() int {
	if o.cfg.General.HistoryLimit > 0 {
		return o.cfg.General.HistoryLimit
	}
	return 50
}

func recipientFor(p *domain.Patient) *RecipientContext {
	return &RecipientContext{
		Name:         p.Name,
		Phone:        p.Phone,
		Notes:        p.Notes,
		CustomFields: p.CustomFields,
		New:          p.New,
	}
}
