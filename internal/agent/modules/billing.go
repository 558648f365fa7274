package modules

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"carelink/internal/agent"
	"carelink/internal/domain"
)

type billingState struct {
	mu       sync.Mutex
	invoices map[string]*invoice
}

type invoice struct {
	ID        string
	PatientID string
	Amount    string
	Purpose   string
	Paid      bool
	CreatedAt time.Time
}

// Billing builds the payments agent. Invoice creation produces a payment
// link that is delivered to the patient as its own message, separate from
// whatever the model says.
func Billing() *agent.Descriptor {
	state := &billingState{invoices: make(map[string]*invoice)}
	return &agent.Descriptor{
		ID:         "billing",
		Summary:    "payments, invoices, charges, and payment links",
		BasePrompt: basePromptFor("billing"),
		Tools:      billingTools,
		Handle:     state.handle,
	}
}

func billingTools(ctx context.Context, tc agent.ToolContext) []domain.ToolDefinition {
	return []domain.ToolDefinition{
		{
			Name:        "create_invoice",
			Description: "Create an invoice and send the patient a payment link. Confirm amount and purpose with the patient first.",
			Parameters: ToolParameters(
				map[string]Param{
					"amount":  {Type: "string", Description: "Amount to charge, e.g. \"150.00\""},
					"purpose": {Type: "string", Description: "What the charge is for"},
				},
				[]string{"amount", "purpose"},
			),
		},
		{
			Name:        "check_invoice_status",
			Description: "Look up whether an invoice has been paid.",
			Parameters: ToolParameters(
				map[string]Param{
					"invoice_id": {Type: "string", Description: "Invoice id returned by create_invoice"},
				},
				[]string{"invoice_id"},
			),
		},
	}
}

func (s *billingState) handle(ctx context.Context, tc agent.ToolContext, call domain.ToolCall) agent.ToolResult {
	switch call.Name {
	case "create_invoice":
		return s.createInvoice(tc, call)
	case "check_invoice_status":
		return s.checkStatus(call)
	default:
		return agent.ToolResult{Text: fmt.Sprintf("unknown tool: %s", call.Name)}
	}
}

func (s *billingState) createInvoice(tc agent.ToolContext, call domain.ToolCall) agent.ToolResult {
	amount := argString(call.Arguments, "amount")
	purpose := argString(call.Arguments, "purpose")
	if amount == "" {
		return agent.ToolResult{Text: "create_invoice needs an amount."}
	}

	inv := &invoice{
		ID:        uuid.NewString()[:8],
		PatientID: tc.PatientID,
		Amount:    amount,
		Purpose:   purpose,
		CreatedAt: time.Now(),
	}
	s.mu.Lock()
	s.invoices[inv.ID] = inv
	s.mu.Unlock()

	base := configString(tc.Config, "paymentLinkBase")
	if base == "" {
		base = "https://pay.example.com/i"
	}
	link := fmt.Sprintf("%s/%s", strings.TrimRight(base, "/"), inv.ID)

	return agent.ToolResult{
		Text:     fmt.Sprintf("Invoice %s created for %s (%s). The payment link is being sent to the patient in a separate message; do not paste a link yourself.", inv.ID, amount, purpose),
		Appendix: fmt.Sprintf("Pay here: %s", link),
	}
}

func (s *billingState) checkStatus(call domain.ToolCall) agent.ToolResult {
	id := argString(call.Arguments, "invoice_id")
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return agent.ToolResult{Text: fmt.Sprintf("No invoice with id %q.", id)}
	}
	if inv.Paid {
		return agent.ToolResult{Text: fmt.Sprintf("Invoice %s (%s) is paid.", inv.ID, inv.Amount)}
	}
	return agent.ToolResult{Text: fmt.Sprintf("Invoice %s (%s for %s) is still unpaid.", inv.ID, inv.Amount, inv.Purpose)}
}
