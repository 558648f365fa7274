package agent

import (
	"context"
	"path/filepath"
	"testing"

	"carelink/internal/config"
	"carelink/internal/domain"
	"carelink/internal/store"
)

type capturedDelivery struct {
	conv     *domain.Conversation
	body     string
	appendix string
}

type recordingDeliverer struct {
	deliveries []capturedDelivery
}

func (d *recordingDeliverer) Send(ctx context.Context, conv *domain.Conversation, patient *domain.Patient, body, appendix string) error {
	d.deliveries = append(d.deliveries, capturedDelivery{conv: conv, body: body, appendix: appendix})
	return nil
}

type orchestratorFixture struct {
	store        *store.SQLiteStore
	provider     *scriptedProvider
	deliverer    *recordingDeliverer
	orchestrator *Orchestrator
}

func newFixture(t *testing.T, responses []*domain.ChatResponse, descriptors ...*Descriptor) *orchestratorFixture {
	t.Helper()
	ctx := context.Background()

	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	registry := NewRegistry()
	if len(descriptors) == 0 {
		descriptors = []*Descriptor{testDescriptor(func(domain.ToolCall) ToolResult { return ToolResult{} })}
		descriptors[0].ID = "support"
	}
	for _, d := range descriptors {
		registry.Register(d)
		if err := db.UpsertAgentConfig(ctx, domain.AgentConfig{
			ClinicID: "clinic-1",
			Module:   d.ID,
			Enabled:  true,
		}); err != nil {
			t.Fatal(err)
		}
	}

	cfg := config.Defaults()
	cfg.Clinic.ID = "clinic-1"
	cfg.Clinic.Name = "Clinica Sol"

	prov := &scriptedProvider{responses: responses}
	deliverer := &recordingDeliverer{}
	router := NewRouter(prov, registry, cfg.General.DefaultModule, testLogger())
	engine := NewEngine(testLogger())
	orch := NewOrchestrator(db, prov, registry, router, engine, deliverer, cfg, testLogger())

	return &orchestratorFixture{store: db, provider: prov, deliverer: deliverer, orchestrator: orch}
}

func inbound(content, externalID string) domain.InboundMessage {
	return domain.InboundMessage{
		Channel:    "whatsapp",
		ClinicID:   "clinic-1",
		Address:    "5511987654321",
		SenderName: "Maria",
		ExternalID: externalID,
		Content:    content,
	}
}

func TestHandleInbound_FullTurn(t *testing.T) {
	f := newFixture(t, []*domain.ChatResponse{textResponse("welcome!")})
	ctx := context.Background()

	result, err := f.orchestrator.HandleInbound(ctx, inbound("hello", "wamid.1"))
	if err != nil {
		t.Fatal(err)
	}
	if result.Duplicate {
		t.Fatal("first delivery must not be a duplicate")
	}
	if result.Module != "support" {
		t.Errorf("module %q", result.Module)
	}
	if result.Reply != "welcome!" {
		t.Errorf("reply %q", result.Reply)
	}

	if len(f.deliverer.deliveries) != 1 || f.deliverer.deliveries[0].body != "welcome!" {
		t.Errorf("deliveries %v", f.deliverer.deliveries)
	}

	// Both sides of the exchange are in the transcript.
	patient, err := f.store.FindPatientByPhone(ctx, "clinic-1", []string{"5511987654321"})
	if err != nil || patient == nil {
		t.Fatalf("patient not created: %v", err)
	}
	if patient.Name != "Maria" {
		t.Errorf("patient name %q", patient.Name)
	}
	conv, err := f.store.FindOpenConversation(ctx, "clinic-1", patient.ID, "whatsapp")
	if err != nil || conv == nil {
		t.Fatalf("conversation not created: %v", err)
	}
	if conv.Module != "support" {
		t.Errorf("conversation module %q", conv.Module)
	}
	msgs, err := f.store.RecentMessages(ctx, conv.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("transcript has %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("roles %q, %q", msgs[0].Role, msgs[1].Role)
	}
}

func TestHandleInbound_DuplicateExternalIDDropped(t *testing.T) {
	f := newFixture(t, []*domain.ChatResponse{textResponse("hi"), textResponse("hi again")})
	ctx := context.Background()

	if _, err := f.orchestrator.HandleInbound(ctx, inbound("hello", "wamid.dup")); err != nil {
		t.Fatal(err)
	}
	modelCalls := len(f.provider.requests)

	result, err := f.orchestrator.HandleInbound(ctx, inbound("hello", "wamid.dup"))
	if err != nil {
		t.Fatal(err)
	}
	if !result.Duplicate {
		t.Fatal("redelivery must be flagged duplicate")
	}
	if len(f.provider.requests) != modelCalls {
		t.Error("duplicate must not reach the model")
	}
	if len(f.deliverer.deliveries) != 1 {
		t.Error("duplicate must not be delivered")
	}
}

func TestHandleInbound_NewPatientStartsOnDefaultModule(t *testing.T) {
	support := testDescriptor(func(domain.ToolCall) ToolResult { return ToolResult{} })
	support.ID = "support"
	billing := testDescriptor(func(domain.ToolCall) ToolResult { return ToolResult{} })
	billing.ID = "billing"

	// Two modules enabled; a returning patient would be classified, but the
	// first-ever message goes straight to the default.
	f := newFixture(t, []*domain.ChatResponse{textResponse("hi")}, support, billing)

	result, err := f.orchestrator.HandleInbound(context.Background(), inbound("I want to pay my invoice", "w.1"))
	if err != nil {
		t.Fatal(err)
	}
	if result.Module != "support" {
		t.Errorf("new patient routed to %q, want support", result.Module)
	}
	// Exactly one model call: the reply. No classification call.
	if len(f.provider.requests) != 1 {
		t.Errorf("model calls = %d, want 1", len(f.provider.requests))
	}
}

func TestHandleInbound_EscalationOverridesStatus(t *testing.T) {
	desc := testDescriptor(func(call domain.ToolCall) ToolResult {
		return ToolResult{Text: "escalated", StatusOverride: domain.StatusEscalated}
	})
	desc.ID = "support"

	f := newFixture(t, []*domain.ChatResponse{
		toolResponse(domain.ToolCall{ID: "c1", Name: "escalate_to_human"}),
		textResponse("a human will reach out"),
	}, desc)
	ctx := context.Background()

	if _, err := f.orchestrator.HandleInbound(ctx, inbound("talk to a person", "w.1")); err != nil {
		t.Fatal(err)
	}

	patient, _ := f.store.FindPatientByPhone(ctx, "clinic-1", []string{"5511987654321"})
	conv, err := f.store.FindOpenConversation(ctx, "clinic-1", patient.ID, "whatsapp")
	if err != nil || conv == nil {
		t.Fatal("conversation should stay open after escalation")
	}
	if conv.Status != domain.StatusEscalated {
		t.Errorf("status %q, want escalated", conv.Status)
	}
}

func TestHandleInbound_RoutingSwitchesModule(t *testing.T) {
	support := testDescriptor(func(call domain.ToolCall) ToolResult {
		return ToolResult{Text: "handing over", Routing: map[string]any{"module": "billing"}}
	})
	support.ID = "support"
	billing := testDescriptor(func(domain.ToolCall) ToolResult { return ToolResult{} })
	billing.ID = "billing"

	f := newFixture(t, []*domain.ChatResponse{
		toolResponse(domain.ToolCall{ID: "c1", Name: "route_to"}),
		textResponse("passing you to billing"),
		textResponse("billing here"),
	}, support, billing)
	ctx := context.Background()

	if _, err := f.orchestrator.HandleInbound(ctx, inbound("I need an invoice", "w.1")); err != nil {
		t.Fatal(err)
	}

	// The next turn lands on billing without any classification.
	result, err := f.orchestrator.HandleInbound(ctx, inbound("it is for the consult", "w.2"))
	if err != nil {
		t.Fatal(err)
	}
	if result.Module != "billing" {
		t.Errorf("second turn module %q, want billing", result.Module)
	}
}

func TestHandleInbound_DisabledPinnedModuleReclassifies(t *testing.T) {
	support := testDescriptor(func(domain.ToolCall) ToolResult { return ToolResult{} })
	support.ID = "support"
	scheduling := testDescriptor(func(domain.ToolCall) ToolResult { return ToolResult{} })
	scheduling.ID = "scheduling"
	billing := testDescriptor(func(domain.ToolCall) ToolResult { return ToolResult{} })
	billing.ID = "billing"

	f := newFixture(t, []*domain.ChatResponse{
		textResponse(`{"module": "scheduling", "reason": "wants an appointment"}`),
		textResponse("let me check the calendar"),
	}, support, scheduling, billing)
	ctx := context.Background()

	// The clinic turned billing off after this conversation was pinned there.
	if err := f.store.UpsertAgentConfig(ctx, domain.AgentConfig{
		ClinicID: "clinic-1", Module: "billing", Enabled: false,
	}); err != nil {
		t.Fatal(err)
	}
	patient, _, err := f.store.CreatePatient(ctx, domain.Patient{
		ClinicID: "clinic-1", Name: "Maria", Phone: "5511987654321",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.store.CreateConversation(ctx, domain.Conversation{
		ID: "conv-1", ClinicID: "clinic-1", PatientID: patient.ID,
		Channel: "whatsapp", Status: domain.StatusActive, Module: "billing",
	}); err != nil {
		t.Fatal(err)
	}

	result, err := f.orchestrator.HandleInbound(ctx, inbound("can I book a cleaning?", "w.1"))
	if err != nil {
		t.Fatal(err)
	}
	if result.Module != "scheduling" {
		t.Errorf("module %q, want scheduling via classification", result.Module)
	}
	// Two model calls: the classifier plus the reply. Falling straight to
	// the default would make only one.
	if len(f.provider.requests) != 2 {
		t.Errorf("model calls = %d, want 2", len(f.provider.requests))
	}
}

func TestHandleInbound_UnregisteredPinnedModuleReroutes(t *testing.T) {
	support := testDescriptor(func(domain.ToolCall) ToolResult { return ToolResult{} })
	support.ID = "support"

	f := newFixture(t, []*domain.ChatResponse{textResponse("happy to help")}, support)
	ctx := context.Background()

	patient, _, err := f.store.CreatePatient(ctx, domain.Patient{
		ClinicID: "clinic-1", Name: "Maria", Phone: "5511987654321",
	})
	if err != nil {
		t.Fatal(err)
	}
	// Pinned to a module that no longer exists in this build.
	if err := f.store.CreateConversation(ctx, domain.Conversation{
		ID: "conv-1", ClinicID: "clinic-1", PatientID: patient.ID,
		Channel: "whatsapp", Status: domain.StatusActive, Module: "legacy",
	}); err != nil {
		t.Fatal(err)
	}

	result, err := f.orchestrator.HandleInbound(ctx, inbound("hello again", "w.1"))
	if err != nil {
		t.Fatal(err)
	}
	if result.Module != "support" {
		t.Errorf("module %q, want support", result.Module)
	}
}

func TestHandleInbound_AppendixReachesDeliverer(t *testing.T) {
	desc := testDescriptor(func(call domain.ToolCall) ToolResult {
		return ToolResult{Text: "invoice created", Appendix: "Pay here: https://pay.example.com/i/abc"}
	})
	desc.ID = "support"

	f := newFixture(t, []*domain.ChatResponse{
		toolResponse(domain.ToolCall{ID: "c1", Name: "create_invoice"}),
		textResponse("your payment link is on the way"),
	}, desc)

	if _, err := f.orchestrator.HandleInbound(context.Background(), inbound("charge me", "w.1")); err != nil {
		t.Fatal(err)
	}

	if len(f.deliverer.deliveries) != 1 {
		t.Fatal("expected one delivery")
	}
	got := f.deliverer.deliveries[0]
	if got.appendix != "Pay here: https://pay.example.com/i/abc" {
		t.Errorf("appendix %q", got.appendix)
	}
	if got.body != "your payment link is on the way" {
		t.Errorf("body %q", got.body)
	}

	// The transcript stores the reply as delivered, appendix included.
	msgs, err := f.store.RecentMessages(context.Background(), got.conv.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	last := msgs[len(msgs)-1]
	want := "your payment link is on the way\n\nPay here: https://pay.example.com/i/abc"
	if last.Role != "assistant" || last.Content != want {
		t.Errorf("stored reply %q", last.Content)
	}
}
