package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"carelink/internal/domain"
)

// Router decides which module owns an incoming message. It only runs the
// classifier when no conversation is already active; an active conversation
// keeps its module until it resolves.
type Router struct {
	provider      domain.Provider
	registry      *Registry
	defaultModule string
	logger        *slog.Logger
}

func NewRouter(provider domain.Provider, registry *Registry, defaultModule string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		provider:      provider,
		registry:      registry,
		defaultModule: defaultModule,
		logger:        logger,
	}
}

// Route returns the module that should handle text. enabled is the set of
// modules the clinic has switched on; active, if non-empty, is the current
// module of an open conversation, already validated by the caller against
// the registry and enabled set, and short-circuits classification.
func (r *Router) Route(ctx context.Context, text string, enabled []string, active string) (module, reason string) {
	if active != "" {
		return active, "conversation already active"
	}
	if len(enabled) == 0 {
		return r.defaultModule, "no modules enabled"
	}
	if len(enabled) == 1 {
		return enabled[0], "single module enabled"
	}

	module, reason, err := r.classify(ctx, text, enabled)
	if err != nil {
		r.logger.Warn("classification failed, using default module",
			"error", err, "default", r.defaultModule)
		return r.defaultModule, "classification failed"
	}
	return module, reason
}

func (r *Router) classify(ctx context.Context, text string, enabled []string) (string, string, error) {
	var catalog strings.Builder
	for _, id := range enabled {
		desc, ok := r.registry.Lookup(id)
		line := id
		if ok && desc.Summary != "" {
			line = fmt.Sprintf("%s: %s", id, desc.Summary)
		}
		catalog.WriteString("- " + line + "\n")
	}

	system := fmt.Sprintf(`You classify incoming patient messages for a clinic.
Pick the single best module from this list:
%s
Respond with JSON only: {"module": "<id>", "reason": "<short reason>"}`, catalog.String())

	resp, err := r.provider.Chat(ctx, domain.ChatRequest{
		Messages: []domain.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: text},
		},
		MaxTokens:   128,
		Temperature: 0,
	})
	if err != nil {
		return "", "", err
	}

	module, reason, err := parseClassification(resp.Content)
	if err != nil {
		return "", "", err
	}
	for _, id := range enabled {
		if id == module {
			return module, reason, nil
		}
	}
	return "", "", fmt.Errorf("classifier picked unknown module %q", module)
}

// parseClassification extracts the {"module","reason"} object from model
// output. Some models wrap JSON in code fences or surrounding prose.
func parseClassification(content string) (string, string, error) {
	content = strings.TrimSpace(content)

	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		if len(lines) >= 3 && strings.HasPrefix(lines[len(lines)-1], "```") {
			content = strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
		}
	}

	var out struct {
		Module string `json:"module"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		// Fall back to the first {...} span in mixed text.
		start := strings.Index(content, "{")
		end := strings.LastIndex(content, "}")
		if start < 0 || end <= start {
			return "", "", fmt.Errorf("no JSON object in classifier output")
		}
		if err := json.Unmarshal([]byte(content[start:end+1]), &out); err != nil {
			return "", "", fmt.Errorf("parse classifier output: %w", err)
		}
	}
	if out.Module == "" {
		return "", "", fmt.Errorf("classifier output missing module")
	}
	return out.Module, out.Reason, nil
}
