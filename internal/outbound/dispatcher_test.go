package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"carelink/internal/config"
	"carelink/internal/domain"
	"carelink/internal/store"
)

type fakeTransport struct {
	sent    []string
	failNow bool
}

func (f *fakeTransport) Name() string { return "whatsapp" }

func (f *fakeTransport) MaxMessageLength() int { return 80 }

func (f *fakeTransport) SendText(ctx context.Context, address, body string) (string, error) {
	if f.failNow {
		return "", fmt.Errorf("provider down")
	}
	f.sent = append(f.sent, body)
	return fmt.Sprintf("wamid.%d", len(f.sent)), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type dispatcherFixture struct {
	store      *store.SQLiteStore
	transport  *fakeTransport
	dispatcher *Dispatcher
	conv       *domain.Conversation
	patient    *domain.Patient
}

// tuesdayNoon is well inside the default business window.
var tuesdayNoon = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	ctx := context.Background()

	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.Defaults()
	cfg.Clinic.ID = "clinic-1"
	cfg.Clinic.Timezone = "UTC"
	cfg.Delivery.BusinessHoursStart = "08:00"
	cfg.Delivery.BusinessHoursEnd = "19:00"
	cfg.Delivery.ClosedWeekdays = []string{"sunday"}
	cfg.Delivery.DailyMessageCap = 3

	transport := &fakeTransport{}
	d, err := NewDispatcher(db, map[string]domain.Transport{"whatsapp": transport}, cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	d.now = func() time.Time { return tuesdayNoon }

	patient, _, err := db.CreatePatient(ctx, domain.Patient{
		ClinicID: "clinic-1", Name: "Maria", Phone: "5511987654321",
	})
	if err != nil {
		t.Fatal(err)
	}
	conv := &domain.Conversation{
		ID: "conv-1", ClinicID: "clinic-1", PatientID: patient.ID,
		Channel: "whatsapp", Status: domain.StatusActive,
	}
	if err := db.CreateConversation(ctx, *conv); err != nil {
		t.Fatal(err)
	}

	return &dispatcherFixture{store: db, transport: transport, dispatcher: d, conv: conv, patient: patient}
}

func (f *dispatcherFixture) send(t *testing.T, req SendRequest) error {
	t.Helper()
	req.Conversation = f.conv
	req.Patient = f.patient
	return f.dispatcher.Dispatch(context.Background(), req)
}

func TestDispatch_SendsWithinWindow(t *testing.T) {
	f := newDispatcherFixture(t)

	if err := f.send(t, SendRequest{Body: "your appointment is confirmed"}); err != nil {
		t.Fatal(err)
	}
	if len(f.transport.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(f.transport.sent))
	}

	count, err := f.store.CountOutboundForPatient(context.Background(), f.patient.ID,
		tuesdayNoon.Add(-time.Hour), []domain.OutboundStatus{domain.OutboundSent})
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("sent entries = %d", count)
	}
}

func TestDispatch_OutsideHoursHeldAsPending(t *testing.T) {
	f := newDispatcherFixture(t)
	f.dispatcher.now = func() time.Time {
		return time.Date(2026, 9, 1, 22, 30, 0, 0, time.UTC)
	}

	if err := f.send(t, SendRequest{Body: "reminder"}); err != nil {
		t.Fatal(err)
	}
	if len(f.transport.sent) != 0 {
		t.Error("nothing must go out after hours")
	}

	// The segment waits in the queue rather than being sent or lost.
	count, err := f.store.CountOutboundForPatient(context.Background(), f.patient.ID,
		time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), []domain.OutboundStatus{domain.OutboundPending})
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("pending entries = %d, want 1", count)
	}
}

func TestDispatch_ClosedWeekdayHeld(t *testing.T) {
	f := newDispatcherFixture(t)
	// Sunday, mid-morning.
	f.dispatcher.now = func() time.Time {
		return time.Date(2026, 9, 6, 10, 0, 0, 0, time.UTC)
	}

	if err := f.send(t, SendRequest{Body: "reminder"}); err != nil {
		t.Fatal(err)
	}
	if len(f.transport.sent) != 0 {
		t.Error("nothing must go out on a closed weekday")
	}
}

func TestDispatch_BypassWindowSendsAfterHours(t *testing.T) {
	f := newDispatcherFixture(t)
	f.dispatcher.now = func() time.Time {
		return time.Date(2026, 9, 1, 22, 30, 0, 0, time.UTC)
	}

	if err := f.send(t, SendRequest{Body: "direct reply", BypassWindow: true}); err != nil {
		t.Fatal(err)
	}
	if len(f.transport.sent) != 1 {
		t.Error("direct replies bypass the window gate")
	}
}

func TestDispatch_DailyCapHoldsFourthSend(t *testing.T) {
	f := newDispatcherFixture(t)

	for i := 0; i < 3; i++ {
		if err := f.send(t, SendRequest{Body: fmt.Sprintf("message %d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	if len(f.transport.sent) != 3 {
		t.Fatalf("sent %d, want 3", len(f.transport.sent))
	}

	// The 4th same-day send is held even for direct replies.
	if err := f.send(t, SendRequest{Body: "one too many", BypassWindow: true}); err != nil {
		t.Fatal(err)
	}
	if len(f.transport.sent) != 3 {
		t.Errorf("cap breached: %d sends", len(f.transport.sent))
	}
}

func TestDispatch_DailyCapResetsAtLocalMidnight(t *testing.T) {
	f := newDispatcherFixture(t)

	// Three sends yesterday do not count against today.
	yesterday := tuesdayNoon.Add(-24 * time.Hour)
	for i := 0; i < 3; i++ {
		if err := f.store.CreateOutbound(context.Background(), domain.OutboundEntry{
			ID: fmt.Sprintf("old-%d", i), ConversationID: f.conv.ID, PatientID: f.patient.ID,
			ClinicID: "clinic-1", Channel: "whatsapp", Content: "x",
			Status: domain.OutboundSent, CreatedAt: yesterday,
		}); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.send(t, SendRequest{Body: "fresh day"}); err != nil {
		t.Fatal(err)
	}
	if len(f.transport.sent) != 1 {
		t.Error("yesterday's sends must not count against today's cap")
	}
}

func TestDispatch_LongReplySplitsAndAppendixSeparate(t *testing.T) {
	f := newDispatcherFixture(t)

	long := strings.Repeat("All good. ", 20) // > 80 chars, splits
	appendix := "Pay here: https://pay.example.com/i/abc"
	if err := f.send(t, SendRequest{Body: long, Appendix: appendix}); err != nil {
		t.Fatal(err)
	}

	if len(f.transport.sent) < 3 {
		t.Fatalf("want at least 2 body segments plus appendix, got %d", len(f.transport.sent))
	}
	last := f.transport.sent[len(f.transport.sent)-1]
	if last != appendix {
		t.Errorf("appendix must be its own verbatim final segment, got %q", last)
	}
	for _, seg := range f.transport.sent[:len(f.transport.sent)-1] {
		if len(seg) > 80 {
			t.Errorf("segment %q exceeds transport limit", seg)
		}
	}
}

func TestDispatch_SegmentFailureDoesNotCancelRest(t *testing.T) {
	f := newDispatcherFixture(t)
	f.transport.failNow = true

	err := f.send(t, SendRequest{Body: "hello"})
	if err == nil {
		t.Fatal("send failure should surface")
	}

	// The entry is marked failed, not lost.
	count, err2 := f.store.CountOutboundForPatient(context.Background(), f.patient.ID,
		tuesdayNoon.Add(-time.Hour), []domain.OutboundStatus{domain.OutboundFailed})
	if err2 != nil {
		t.Fatal(err2)
	}
	if count != 1 {
		t.Errorf("failed entries = %d, want 1", count)
	}
}

func TestDispatch_RecordWritesTranscript(t *testing.T) {
	f := newDispatcherFixture(t)

	if err := f.send(t, SendRequest{Body: "recorded reply", Record: true}); err != nil {
		t.Fatal(err)
	}
	msgs, err := f.store.RecentMessages(context.Background(), f.conv.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Role != "assistant" || msgs[0].Content != "recorded reply" {
		t.Errorf("transcript %v", msgs)
	}
}

func TestSweepOnce_RetriesHeldSegments(t *testing.T) {
	f := newDispatcherFixture(t)

	// Held after hours yesterday evening.
	if err := f.store.CreateOutbound(context.Background(), domain.OutboundEntry{
		ID: "held-1", ConversationID: f.conv.ID, PatientID: f.patient.ID,
		ClinicID: "clinic-1", Channel: "whatsapp", Address: f.patient.Phone,
		Content: "held reminder", Status: domain.OutboundPending,
		CreatedAt: tuesdayNoon.Add(-14 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	sweeper := NewSweeper(f.dispatcher, testLogger())
	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(f.transport.sent) != 1 || f.transport.sent[0] != "held reminder" {
		t.Errorf("sweep did not deliver held segment: %v", f.transport.sent)
	}
}

func TestSweepOnce_DefersOutsideWindow(t *testing.T) {
	f := newDispatcherFixture(t)
	f.dispatcher.now = func() time.Time {
		return time.Date(2026, 9, 1, 23, 0, 0, 0, time.UTC)
	}

	if err := f.store.CreateOutbound(context.Background(), domain.OutboundEntry{
		ID: "held-1", ConversationID: f.conv.ID, PatientID: f.patient.ID,
		ClinicID: "clinic-1", Channel: "whatsapp", Address: f.patient.Phone,
		Content: "held", Status: domain.OutboundPending,
		CreatedAt: tuesdayNoon.Add(-6 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	sweeper := NewSweeper(f.dispatcher, testLogger())
	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(f.transport.sent) != 0 {
		t.Error("sweep must respect the business-hours window")
	}
}

func TestSweepOnce_HonorsDailyCap(t *testing.T) {
	f := newDispatcherFixture(t)

	for i := 0; i < 3; i++ {
		if err := f.send(t, SendRequest{Body: fmt.Sprintf("message %d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	// Held as pending with "daily limit reached".
	if err := f.send(t, SendRequest{Body: "fourth message today"}); err != nil {
		t.Fatal(err)
	}
	if len(f.transport.sent) != 3 {
		t.Fatalf("sent %d, want 3", len(f.transport.sent))
	}

	// A sweep later the same day must not deliver the held segment.
	f.dispatcher.now = func() time.Time { return tuesdayNoon.Add(5 * time.Minute) }
	sweeper := NewSweeper(f.dispatcher, testLogger())
	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(f.transport.sent) != 3 {
		t.Fatalf("cap breached by sweep: %d sends", len(f.transport.sent))
	}

	// The next local day the cap resets and the segment goes out.
	f.dispatcher.now = func() time.Time { return tuesdayNoon.Add(24 * time.Hour) }
	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(f.transport.sent) != 4 {
		t.Fatalf("held segment not delivered next day: %d sends", len(f.transport.sent))
	}
	if f.transport.sent[3] != "fourth message today" {
		t.Errorf("delivered %q", f.transport.sent[3])
	}
}

func TestSweepOnce_ExhaustedAttemptsMarkedFailed(t *testing.T) {
	f := newDispatcherFixture(t)

	if err := f.store.CreateOutbound(context.Background(), domain.OutboundEntry{
		ID: "tired-1", ConversationID: f.conv.ID, PatientID: f.patient.ID,
		ClinicID: "clinic-1", Channel: "whatsapp", Address: f.patient.Phone,
		Content: "x", Status: domain.OutboundPending, Attempts: 3,
		CreatedAt: tuesdayNoon.Add(-time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	sweeper := NewSweeper(f.dispatcher, testLogger())
	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(f.transport.sent) != 0 {
		t.Error("exhausted entry must not be retried")
	}

	count, err := f.store.CountOutboundForPatient(context.Background(), f.patient.ID,
		tuesdayNoon.Add(-2*time.Hour), []domain.OutboundStatus{domain.OutboundFailed})
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("failed entries = %d, want 1", count)
	}
}
