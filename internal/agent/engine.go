package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"carelink/internal/domain"
)

const (
	// maxToolRounds caps model round trips within one turn. The cap is the
	// engine's only liveness guarantee; a model that keeps requesting tools
	// is cut off here.
	maxToolRounds = 5

	defaultMaxTokens   = 1024
	defaultTemperature = 0.7

	// exhaustedReply is returned when the round cap is hit and the model
	// never produced any text.
	exhaustedReply = "Sorry, I couldn't finish handling that just now. Someone from the clinic will follow up with you shortly."
)

// ToolContext scopes a tool invocation to one conversation.
type ToolContext struct {
	Store          domain.Store
	ClinicID       string
	ConversationID string
	PatientID      string
	Locale         string
	Config         map[string]any
}

// ToolResult is the outcome of one tool call. Text goes back to the model;
// the remaining fields are side effects applied after the turn.
type ToolResult struct {
	Text string

	// Appendix is delivered to the patient as its own message and is not
	// fed back through the model.
	Appendix string

	// StatusOverride moves the conversation to this status after the turn.
	StatusOverride domain.ConversationStatus

	// Routing hands the conversation to another module for the next turn.
	// Key "module" names the target.
	Routing map[string]any
}

// Effects accumulates tool side effects across one turn.
// Merge rules: appendices concatenate, status override is last-write-wins,
// routing payloads shallow-merge with later keys winning.
type Effects struct {
	Appendix       string
	StatusOverride domain.ConversationStatus
	Routing        map[string]any
	ToolCalls      int
	ToolNames      []string
}

func (e *Effects) absorb(name string, r ToolResult) {
	e.ToolCalls++
	e.ToolNames = append(e.ToolNames, name)

	if r.Appendix != "" {
		if e.Appendix != "" {
			e.Appendix += "\n" + r.Appendix
		} else {
			e.Appendix = r.Appendix
		}
	}
	if r.StatusOverride != "" {
		e.StatusOverride = r.StatusOverride
	}
	if len(r.Routing) > 0 {
		if e.Routing == nil {
			e.Routing = make(map[string]any, len(r.Routing))
		}
		for k, v := range r.Routing {
			e.Routing[k] = v
		}
	}
}

// RoutingTarget returns the module named by the routing payload, if any.
func (e *Effects) RoutingTarget() string {
	if e.Routing == nil {
		return ""
	}
	if target, ok := e.Routing["module"].(string); ok {
		return target
	}
	return ""
}

// Engine drives the model/tool round-trip loop for a single turn.
type Engine struct {
	limiter *RateLimiter
	logger  *slog.Logger
}

func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		limiter: NewRateLimiter(defaultRateBurst, defaultRatePerMinute),
		logger:  logger,
	}
}

// Run submits the conversation to the provider and executes requested tool
// calls until the model answers with plain text or the round cap is hit.
// Tool calls from one response run strictly in order: a scheduling turn may
// check availability and then book inside the same response, so later calls
// can depend on earlier results.
func (e *Engine) Run(
	ctx context.Context,
	provider domain.Provider,
	desc *Descriptor,
	tc ToolContext,
	messages []domain.Message,
	tools []domain.ToolDefinition,
) (string, Effects, error) {
	var effects Effects
	var lastContent string

	for round := 0; round < maxToolRounds; round++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return "", effects, fmt.Errorf("rate limit: %w", err)
		}

		start := time.Now()
		resp, err := provider.Chat(ctx, domain.ChatRequest{
			Messages:    messages,
			Tools:       tools,
			MaxTokens:   defaultMaxTokens,
			Temperature: defaultTemperature,
		})
		if err != nil {
			return "", effects, fmt.Errorf("model call: %w", err)
		}

		e.logger.Debug("model round complete",
			"module", desc.ID,
			"round", round+1,
			"tool_calls", len(resp.ToolCalls),
			"latency_ms", time.Since(start).Milliseconds(),
		)

		if resp.Content != "" {
			lastContent = resp.Content
		}

		// No tool calls: this is the final answer.
		if !resp.HasToolCalls() {
			return resp.Content, effects, nil
		}

		messages = append(messages, domain.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			result := desc.Handle(ctx, tc, call)
			effects.absorb(call.Name, result)

			e.logger.Info("tool executed",
				"module", desc.ID,
				"tool", call.Name,
				"result_len", len(result.Text),
			)

			messages = append(messages, domain.Message{
				Role:       "tool",
				Content:    result.Text,
				ToolCallID: call.ID,
				ToolName:   call.Name,
			})
		}
	}

	e.logger.Warn("tool loop cap reached",
		"module", desc.ID,
		"rounds", maxToolRounds,
		"tools_called", effects.ToolCalls,
	)

	if lastContent == "" {
		lastContent = exhaustedReply
	}
	return lastContent, effects, nil
}
