package modules

import (
	"context"
	"strings"
	"testing"

	"carelink/internal/agent"
	"carelink/internal/domain"
)

func call(name string, args map[string]any) domain.ToolCall {
	return domain.ToolCall{ID: "call-1", Name: name, Arguments: args}
}

func toolCtx() agent.ToolContext {
	return agent.ToolContext{ClinicID: "clinic-1", ConversationID: "conv-1", PatientID: "pat-1"}
}

// --- scheduling ---

func TestScheduling_CheckThenBook(t *testing.T) {
	ctx := context.Background()
	desc := Scheduling()
	tc := toolCtx()

	res := desc.Handle(ctx, tc, call("check_availability", map[string]any{"date": "2026-09-10"}))
	if !strings.HasPrefix(res.Text, "Open slots on 2026-09-10:") {
		t.Fatalf("availability: %q", res.Text)
	}
	slots := strings.Split(strings.TrimPrefix(res.Text, "Open slots on 2026-09-10: "), ", ")
	if len(slots) == 0 {
		t.Fatal("no slots offered")
	}

	res = desc.Handle(ctx, tc, call("book_appointment", map[string]any{
		"date": "2026-09-10", "time": slots[0], "service": "cleaning",
	}))
	if !strings.HasPrefix(res.Text, "Booked:") {
		t.Fatalf("booking: %q", res.Text)
	}

	// The booked slot disappears from the next availability check.
	res = desc.Handle(ctx, tc, call("check_availability", map[string]any{"date": "2026-09-10"}))
	if strings.Contains(res.Text, slots[0]) {
		t.Errorf("booked slot %s still offered: %q", slots[0], res.Text)
	}
}

func TestScheduling_RejectsUnofferedSlot(t *testing.T) {
	desc := Scheduling()
	res := desc.Handle(context.Background(), toolCtx(), call("book_appointment", map[string]any{
		"date": "2026-09-10", "time": "03:33",
	}))
	if !strings.Contains(res.Text, "not an offered slot") {
		t.Errorf("got %q", res.Text)
	}
}

func TestScheduling_DoubleBookingConflicts(t *testing.T) {
	ctx := context.Background()
	desc := Scheduling()
	tc := toolCtx()

	slot := openSlots("2026-09-10")[0]
	args := map[string]any{"date": "2026-09-10", "time": slot, "service": "exam"}

	if res := desc.Handle(ctx, tc, call("book_appointment", args)); !strings.HasPrefix(res.Text, "Booked:") {
		t.Fatalf("first booking: %q", res.Text)
	}
	if res := desc.Handle(ctx, tc, call("book_appointment", args)); !strings.Contains(res.Text, "just taken") {
		t.Errorf("second booking: %q", res.Text)
	}
}

func TestScheduling_CancelByID(t *testing.T) {
	ctx := context.Background()
	desc := Scheduling()
	tc := toolCtx()

	slot := openSlots("2026-09-10")[0]
	res := desc.Handle(ctx, tc, call("book_appointment", map[string]any{
		"date": "2026-09-10", "time": slot, "service": "exam",
	}))
	// "Booked: ... booking id XXXXXXXX. Confirm ..."
	parts := strings.SplitAfter(res.Text, "booking id ")
	if len(parts) != 2 {
		t.Fatalf("no booking id in %q", res.Text)
	}
	id := strings.SplitN(parts[1], ".", 2)[0]

	res = desc.Handle(ctx, tc, call("cancel_appointment", map[string]any{"booking_id": id}))
	if !strings.HasPrefix(res.Text, "Cancelled booking") {
		t.Errorf("cancel: %q", res.Text)
	}

	res = desc.Handle(ctx, tc, call("cancel_appointment", map[string]any{"booking_id": id}))
	if !strings.Contains(res.Text, "No booking") {
		t.Errorf("double cancel: %q", res.Text)
	}
}

func TestScheduling_InvalidDate(t *testing.T) {
	desc := Scheduling()
	res := desc.Handle(context.Background(), toolCtx(), call("check_availability", map[string]any{"date": "next tuesday"}))
	if !strings.Contains(res.Text, "Invalid date") {
		t.Errorf("got %q", res.Text)
	}
}

func TestOpenSlots_Deterministic(t *testing.T) {
	a := openSlots("2026-09-10")
	b := openSlots("2026-09-10")
	if strings.Join(a, ",") != strings.Join(b, ",") {
		t.Errorf("%v vs %v", a, b)
	}
	if len(a) == 0 {
		t.Error("no slots for a regular day")
	}
}

// --- billing ---

func TestBilling_CreateInvoiceAppendixLink(t *testing.T) {
	desc := Billing()
	res := desc.Handle(context.Background(), toolCtx(), call("create_invoice", map[string]any{
		"amount": "150.00", "purpose": "consultation",
	}))
	if !strings.HasPrefix(res.Text, "Invoice ") {
		t.Fatalf("text: %q", res.Text)
	}
	if !strings.HasPrefix(res.Appendix, "Pay here: https://pay.example.com/i/") {
		t.Errorf("appendix: %q", res.Appendix)
	}
}

func TestBilling_PaymentLinkBaseFromConfig(t *testing.T) {
	tc := toolCtx()
	tc.Config = map[string]any{"paymentLinkBase": "https://billing.clinic.example/pay/"}

	desc := Billing()
	res := desc.Handle(context.Background(), tc, call("create_invoice", map[string]any{
		"amount": "80.00", "purpose": "x-ray",
	}))
	if !strings.HasPrefix(res.Appendix, "Pay here: https://billing.clinic.example/pay/") {
		t.Errorf("appendix: %q", res.Appendix)
	}
	if strings.Contains(res.Appendix, "pay//") {
		t.Errorf("trailing slash not trimmed: %q", res.Appendix)
	}
}

func TestBilling_CreateInvoiceNeedsAmount(t *testing.T) {
	desc := Billing()
	res := desc.Handle(context.Background(), toolCtx(), call("create_invoice", map[string]any{"purpose": "exam"}))
	if res.Appendix != "" {
		t.Error("no link without an amount")
	}
}

func TestBilling_CheckStatus(t *testing.T) {
	ctx := context.Background()
	desc := Billing()
	tc := toolCtx()

	res := desc.Handle(ctx, tc, call("create_invoice", map[string]any{"amount": "50.00", "purpose": "exam"}))
	id := strings.Fields(res.Text)[1]

	res = desc.Handle(ctx, tc, call("check_invoice_status", map[string]any{"invoice_id": id}))
	if !strings.Contains(res.Text, "still unpaid") {
		t.Errorf("status: %q", res.Text)
	}

	res = desc.Handle(ctx, tc, call("check_invoice_status", map[string]any{"invoice_id": "nope"}))
	if !strings.Contains(res.Text, "No invoice") {
		t.Errorf("missing invoice: %q", res.Text)
	}
}

// --- support ---

func TestSupport_EscalateSetsStatus(t *testing.T) {
	desc := Support()
	res := desc.Handle(context.Background(), toolCtx(), call("escalate_to_human", map[string]any{
		"reason": "patient asked for the dentist directly",
	}))
	if res.StatusOverride != domain.StatusEscalated {
		t.Errorf("status override = %q", res.StatusOverride)
	}
	if !strings.Contains(res.Text, "patient asked for the dentist directly") {
		t.Errorf("text: %q", res.Text)
	}
}

func TestSupport_RouteToSetsRouting(t *testing.T) {
	desc := Support()
	res := desc.Handle(context.Background(), toolCtx(), call("route_to", map[string]any{"module": "billing"}))
	if res.Routing["module"] != "billing" {
		t.Errorf("routing = %v", res.Routing)
	}
	if res.StatusOverride != "" {
		t.Error("routing must not change conversation status")
	}
}

func TestSupport_RouteToRequiresModule(t *testing.T) {
	desc := Support()
	res := desc.Handle(context.Background(), toolCtx(), call("route_to", map[string]any{}))
	if res.Routing != nil {
		t.Errorf("routing = %v", res.Routing)
	}
}

// --- registration ---

func TestRegisterAll(t *testing.T) {
	r := agent.NewRegistry()
	RegisterAll(r)
	for _, id := range []string{"support", "scheduling", "billing"} {
		if _, ok := r.Lookup(id); !ok {
			t.Errorf("module %s not registered", id)
		}
	}
}

func TestToolDefinitionsWellFormed(t *testing.T) {
	ctx := context.Background()
	tc := toolCtx()
	for _, desc := range []*agent.Descriptor{Support(), Scheduling(), Billing()} {
		for _, def := range desc.Tools(ctx, tc) {
			if def.Name == "" || def.Description == "" {
				t.Errorf("%s: tool missing name or description", desc.ID)
			}
			if def.Parameters["type"] != "object" {
				t.Errorf("%s/%s: parameters must be an object schema", desc.ID, def.Name)
			}
		}
	}
}
