package modules

import (
	"context"
	"fmt"

	"carelink/internal/agent"
	"carelink/internal/domain"
)

// Support is the general-purpose front desk agent. It answers questions from
// clinic facts and hands off anything it cannot resolve, either to a human
// (escalation) or to a specialist module (routing).
func Support() *agent.Descriptor {
	return &agent.Descriptor{
		ID:         "support",
		Summary:    "general questions about the clinic, opening hours, directions, anything that fits nowhere else",
		BasePrompt: basePromptFor("support"),
		Tools:      supportTools,
		Handle:     supportHandle,
	}
}

func supportTools(ctx context.Context, tc agent.ToolContext) []domain.ToolDefinition {
	return []domain.ToolDefinition{
		{
			Name:        "escalate_to_human",
			Description: "Hand this conversation to a human member of the clinic staff. Use when the patient asks for a person or the request is beyond you.",
			Parameters: ToolParameters(
				map[string]Param{
					"reason": {Type: "string", Description: "Short reason for the escalation, shown to staff"},
				},
				[]string{"reason"},
			),
		},
		{
			Name:        "route_to",
			Description: "Transfer the conversation to another assistant module, e.g. scheduling or billing.",
			Parameters: ToolParameters(
				map[string]Param{
					"module": {Type: "string", Description: "Target module identifier (scheduling, billing)"},
				},
				[]string{"module"},
			),
		},
	}
}

func supportHandle(ctx context.Context, tc agent.ToolContext, call domain.ToolCall) agent.ToolResult {
	switch call.Name {
	case "escalate_to_human":
		reason := argString(call.Arguments, "reason")
		return agent.ToolResult{
			Text:           fmt.Sprintf("Escalated to clinic staff. Reason: %s. Tell the patient someone from the clinic will get back to them soon.", reason),
			StatusOverride: domain.StatusEscalated,
		}
	case "route_to":
		target := argString(call.Arguments, "module")
		if target == "" {
			return agent.ToolResult{Text: "route_to needs a module argument."}
		}
		return agent.ToolResult{
			Text:    fmt.Sprintf("Conversation will continue with the %s assistant from the next message on. Let the patient know and ask them to repeat or confirm their request.", target),
			Routing: map[string]any{"module": target},
		}
	default:
		return agent.ToolResult{Text: fmt.Sprintf("unknown tool: %s", call.Name)}
	}
}
