package modules

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"carelink/internal/agent"
	"carelink/internal/domain"
)

// schedulingState holds bookings made through the tools. The clinic's real
// calendar lives elsewhere; this mirrors just enough state for the agent to
// confirm, look up, and cancel what it booked itself.
type schedulingState struct {
	mu       sync.Mutex
	bookings map[string]*booking // by booking id
}

type booking struct {
	ID        string
	PatientID string
	Service   string
	Date      string // YYYY-MM-DD
	Time      string // HH:MM
	CreatedAt time.Time
}

// Scheduling builds the appointment-booking agent.
func Scheduling() *agent.Descriptor {
	state := &schedulingState{bookings: make(map[string]*booking)}
	return &agent.Descriptor{
		ID:         "scheduling",
		Summary:    "booking, rescheduling, or cancelling appointments",
		BasePrompt: basePromptFor("scheduling"),
		Tools:      schedulingTools,
		Handle:     state.handle,
	}
}

func schedulingTools(ctx context.Context, tc agent.ToolContext) []domain.ToolDefinition {
	return []domain.ToolDefinition{
		{
			Name:        "check_availability",
			Description: "List open appointment slots for a given date. Call this before offering any time to the patient.",
			Parameters: ToolParameters(
				map[string]Param{
					"date":    {Type: "string", Description: "Date to check, YYYY-MM-DD"},
					"service": {Type: "string", Description: "Service the patient wants, if known"},
				},
				[]string{"date"},
			),
		},
		{
			Name:        "book_appointment",
			Description: "Book an appointment at a specific open slot. Only call after the patient confirmed the exact date and time.",
			Parameters: ToolParameters(
				map[string]Param{
					"date":    {Type: "string", Description: "Appointment date, YYYY-MM-DD"},
					"time":    {Type: "string", Description: "Slot time, HH:MM, must come from check_availability"},
					"service": {Type: "string", Description: "Service being booked"},
				},
				[]string{"date", "time"},
			),
		},
		{
			Name:        "cancel_appointment",
			Description: "Cancel a previously booked appointment by its booking id.",
			Parameters: ToolParameters(
				map[string]Param{
					"booking_id": {Type: "string", Description: "Booking id returned by book_appointment"},
				},
				[]string{"booking_id"},
			),
		},
	}
}

func (s *schedulingState) handle(ctx context.Context, tc agent.ToolContext, call domain.ToolCall) agent.ToolResult {
	switch call.Name {
	case "check_availability":
		return s.checkAvailability(call)
	case "book_appointment":
		return s.bookAppointment(tc, call)
	case "cancel_appointment":
		return s.cancelAppointment(call)
	default:
		return agent.ToolResult{Text: fmt.Sprintf("unknown tool: %s", call.Name)}
	}
}

func (s *schedulingState) checkAvailability(call domain.ToolCall) agent.ToolResult {
	date := argString(call.Arguments, "date")
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return agent.ToolResult{Text: fmt.Sprintf("Invalid date %q, expected YYYY-MM-DD.", date)}
	}

	slots := openSlots(date)
	s.mu.Lock()
	for _, b := range s.bookings {
		if b.Date == date {
			slots = remove(slots, b.Time)
		}
	}
	s.mu.Unlock()

	if len(slots) == 0 {
		return agent.ToolResult{Text: fmt.Sprintf("No open slots on %s. Suggest another day.", date)}
	}
	return agent.ToolResult{Text: fmt.Sprintf("Open slots on %s: %s", date, strings.Join(slots, ", "))}
}

func (s *schedulingState) bookAppointment(tc agent.ToolContext, call domain.ToolCall) agent.ToolResult {
	date := argString(call.Arguments, "date")
	slot := argString(call.Arguments, "time")
	service := argString(call.Arguments, "service")

	if !contains(openSlots(date), slot) {
		return agent.ToolResult{Text: fmt.Sprintf("%s on %s is not an offered slot. Check availability first.", slot, date)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bookings {
		if b.Date == date && b.Time == slot {
			return agent.ToolResult{Text: fmt.Sprintf("The %s slot on %s was just taken. Offer another open time.", slot, date)}
		}
	}
	b := &booking{
		ID:        uuid.NewString()[:8],
		PatientID: tc.PatientID,
		Service:   service,
		Date:      date,
		Time:      slot,
		CreatedAt: time.Now(),
	}
	s.bookings[b.ID] = b
	return agent.ToolResult{
		Text: fmt.Sprintf("Booked: %s at %s on %s, booking id %s. Confirm to the patient and mention the booking id.", service, slot, date, b.ID),
	}
}

func (s *schedulingState) cancelAppointment(call domain.ToolCall) agent.ToolResult {
	id := argString(call.Arguments, "booking_id")
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return agent.ToolResult{Text: fmt.Sprintf("No booking with id %q. Ask the patient to check the id from their confirmation.", id)}
	}
	delete(s.bookings, id)
	return agent.ToolResult{Text: fmt.Sprintf("Cancelled booking %s (%s at %s on %s).", id, b.Service, b.Time, b.Date)}
}

// openSlots derives the day's slot grid. Deterministic per date so repeated
// checks within a conversation agree with each other.
func openSlots(date string) []string {
	h := fnv.New32a()
	h.Write([]byte(date))
	seed := h.Sum32()

	all := []string{"09:00", "09:30", "10:00", "10:30", "11:00", "14:00", "14:30", "15:00", "15:30", "16:00"}
	slots := make([]string, 0, len(all))
	for i, s := range all {
		if (seed>>uint(i))&1 == 0 {
			slots = append(slots, s)
		}
	}
	if len(slots) == 0 {
		slots = all[:3]
	}
	return slots
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func remove(ss []string, v string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
