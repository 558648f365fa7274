package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"carelink/internal/domain"
)

// PromptParams is the per-turn parameter bundle for prompt assembly, built
// from the module's agent_configs row and clinic configuration.
type PromptParams struct {
	DisplayName      string
	Description      string
	Instructions     string
	SuccessCriterion string
	Tone             string
	Locale           string
	Config           map[string]any
	Business         *BusinessContext
}

// BusinessContext carries clinic facts rendered into every prompt.
type BusinessContext struct {
	ClinicName string
	Address    string
	Phone      string
	Email      string
	Website    string
	Services   []string
	Insurance  []string
	Staff      []StaffMember
}

type StaffMember struct {
	Name string
	Role string
}

// RecipientContext identifies the patient the agent is talking to.
type RecipientContext struct {
	Name         string
	Phone        string
	Notes        string
	CustomFields map[string]string
	New          bool
}

// AssemblePrompt composes the system instruction for one turn. Section order
// is fixed and append-only: base prompt, identity, description, custom
// instructions, success criterion, tool catalog, business context, recipient
// context. Sections with no content are omitted entirely. The tool catalog
// is fetched fresh from the descriptor on every call.
func AssemblePrompt(ctx context.Context, desc *Descriptor, p PromptParams, recipient *RecipientContext, tc ToolContext) string {
	var b strings.Builder

	b.WriteString(desc.BasePrompt(p.Locale))

	if p.DisplayName != "" {
		fmt.Fprintf(&b, "\n\nYour name is %s.", p.DisplayName)
	}
	if p.Tone != "" {
		fmt.Fprintf(&b, " Keep a %s tone.", p.Tone)
	}

	if p.Description != "" {
		b.WriteString("\n\n" + p.Description)
	}

	if p.Instructions != "" {
		b.WriteString("\n\n## Clinic instructions\n" + p.Instructions)
	}

	if p.SuccessCriterion != "" {
		b.WriteString("\n\n## Goal\n" + p.SuccessCriterion)
	}

	if tools := desc.Tools(ctx, tc); len(tools) > 0 {
		b.WriteString("\n\n## Available tools\n")
		for _, t := range tools {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		}
	}

	if block := renderBusiness(p.Business); block != "" {
		b.WriteString("\n\n" + block)
	}

	// Recipient context always comes last.
	if block := renderRecipient(recipient); block != "" {
		b.WriteString("\n\n" + block)
	}

	return b.String()
}

func renderBusiness(bc *BusinessContext) string {
	if bc == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("## About the clinic\n")
	if bc.ClinicName != "" {
		fmt.Fprintf(&b, "Name: %s\n", bc.ClinicName)
	}
	if bc.Address != "" {
		fmt.Fprintf(&b, "Address: %s\n", bc.Address)
	}
	if bc.Phone != "" {
		fmt.Fprintf(&b, "Phone: %s\n", bc.Phone)
	}
	if bc.Email != "" {
		fmt.Fprintf(&b, "Email: %s\n", bc.Email)
	}
	if bc.Website != "" {
		fmt.Fprintf(&b, "Website: %s\n", bc.Website)
	}
	if len(bc.Services) > 0 {
		fmt.Fprintf(&b, "Services: %s\n", strings.Join(bc.Services, ", "))
	}
	if len(bc.Insurance) > 0 {
		fmt.Fprintf(&b, "Accepted insurance: %s\n", strings.Join(bc.Insurance, ", "))
	}
	if len(bc.Staff) > 0 {
		b.WriteString("Staff:\n")
		for _, s := range bc.Staff {
			fmt.Fprintf(&b, "- %s (%s)\n", s.Name, s.Role)
		}
	}
	out := strings.TrimRight(b.String(), "\n")
	if out == "## About the clinic" {
		return ""
	}
	return out
}

func renderRecipient(rc *RecipientContext) string {
	if rc == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Patient you are talking to\n")
	if rc.Name != "" {
		fmt.Fprintf(&b, "Name: %s\n", rc.Name)
	}
	if rc.Phone != "" {
		fmt.Fprintf(&b, "Phone: %s\n", rc.Phone)
	}
	if rc.Notes != "" {
		fmt.Fprintf(&b, "Notes: %s\n", rc.Notes)
	}
	keys := make([]string, 0, len(rc.CustomFields))
	for k := range rc.CustomFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, rc.CustomFields[k])
	}
	if rc.New {
		b.WriteString("This is the patient's first contact with the clinic. Treat it as a first contact: introduce yourself and ask how you can help.\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// BuildMessages produces the model input for a turn: system instruction,
// trimmed history (chronological), then the new user message.
func BuildMessages(system string, history []domain.MessageRecord, userContent string) []domain.Message {
	messages := make([]domain.Message, 0, len(history)+2)
	messages = append(messages, domain.Message{Role: "system", Content: system})
	for _, h := range history {
		switch h.Role {
		case "user", "assistant":
			messages = append(messages, domain.Message{Role: h.Role, Content: h.Content})
		}
	}
	messages = append(messages, domain.Message{Role: "user", Content: userContent})
	return messages
}
