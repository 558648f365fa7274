package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"carelink/internal/config"
	"carelink/internal/domain"
)

// Dispatcher turns one logical reply into queued segments and pushes them
// through the channel transport, gated by business hours and a per-patient
// daily cap. Sends that fail a gate stay queued as pending; the sweeper
// retries them once the gate opens.
type Dispatcher struct {
	store      domain.Store
	transports map[string]domain.Transport
	delivery   config.DeliveryConfig
	loc        *time.Location
	logger     *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

func NewDispatcher(store domain.Store, transports map[string]domain.Transport, cfg *config.Config, logger *slog.Logger) (*Dispatcher, error) {
	loc, err := time.LoadLocation(cfg.Clinic.Timezone)
	if err != nil {
		return nil, fmt.Errorf("clinic timezone %q: %w", cfg.Clinic.Timezone, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:      store,
		transports: transports,
		delivery:   cfg.Delivery,
		loc:        loc,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// SendRequest is one logical outbound reply.
type SendRequest struct {
	Conversation *domain.Conversation
	Patient      *domain.Patient
	Body         string
	Appendix     string

	// BypassWindow sends even outside business hours. Used for direct
	// replies to a message the patient just sent.
	BypassWindow bool

	// Record appends sent segments to the conversation transcript. Callers
	// that already persisted the text leave it false.
	Record bool
}

// Send implements the orchestrator's delivery hook. Replies to a live
// inbound message go out immediately regardless of the window; the patient
// is, after all, messaging us right now.
func (d *Dispatcher) Send(ctx context.Context, conv *domain.Conversation, patient *domain.Patient, body, appendix string) error {
	return d.Dispatch(ctx, SendRequest{
		Conversation: conv,
		Patient:      patient,
		Body:         body,
		Appendix:     appendix,
		BypassWindow: true,
	})
}

// Dispatch queues the reply as segments and attempts immediate delivery if
// the gates allow. A closed gate is not an error: segments wait in the queue.
func (d *Dispatcher) Dispatch(ctx context.Context, req SendRequest) error {
	transport, ok := d.transports[req.Conversation.Channel]
	if !ok {
		return fmt.Errorf("no transport for channel %q", req.Conversation.Channel)
	}

	segments := SplitMessage(req.Body, transport.MaxMessageLength())
	if req.Appendix != "" {
		// The appendix is always its own segment, delivered verbatim.
		segments = append(segments, req.Appendix)
	}
	if len(segments) == 0 {
		return nil
	}

	deliverNow, holdReason, err := d.gateCheck(ctx, req)
	if err != nil {
		return fmt.Errorf("delivery gate: %w", err)
	}

	entries := make([]domain.OutboundEntry, 0, len(segments))
	for _, seg := range segments {
		e := domain.OutboundEntry{
			ID:             uuid.NewString(),
			ConversationID: req.Conversation.ID,
			PatientID:      req.Patient.ID,
			ClinicID:       req.Conversation.ClinicID,
			Channel:        req.Conversation.Channel,
			Address:        req.Patient.Phone,
			Content:        seg,
			Status:         domain.OutboundPending,
			CreatedAt:      d.now(),
		}
		if err := d.store.CreateOutbound(ctx, e); err != nil {
			return fmt.Errorf("queue segment: %w", err)
		}
		entries = append(entries, e)
	}

	if !deliverNow {
		d.logger.Info("outbound held",
			"conversation", req.Conversation.ID,
			"segments", len(entries),
			"reason", holdReason,
		)
		return nil
	}

	// One failed segment does not cancel the rest; a partial reply still
	// beats silence.
	var firstErr error
	for i := range entries {
		if err := d.deliver(ctx, &entries[i], transport, req.Record); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// gateCheck evaluates the window and cap gates. It returns deliverNow=false
// with a reason when delivery must wait, and an error only on lookup failure.
func (d *Dispatcher) gateCheck(ctx context.Context, req SendRequest) (bool, string, error) {
	now := d.now().In(d.loc)

	if !req.BypassWindow && !d.withinWindow(now) {
		return false, "outside business hours", nil
	}

	// The daily cap has no bypass: it protects patients from message floods
	// even when the window check is skipped.
	if limit := d.delivery.DailyMessageCap; limit > 0 {
		count, err := d.dailyCount(ctx, req.Patient.ID,
			domain.OutboundPending, domain.OutboundProcessing, domain.OutboundSent)
		if err != nil {
			return false, "", err
		}
		if count >= limit {
			return false, "daily limit reached", nil
		}
	}

	return true, "", nil
}

// dailyCount counts this patient's queue entries in the given statuses since
// local midnight.
func (d *Dispatcher) dailyCount(ctx context.Context, patientID string, statuses ...domain.OutboundStatus) (int, error) {
	now := d.now().In(d.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, d.loc)
	return d.store.CountOutboundForPatient(ctx, patientID, midnight, statuses)
}

func (d *Dispatcher) withinWindow(now time.Time) bool {
	if d.delivery.ClosedWeekdaySet()[now.Weekday()] {
		return false
	}
	start, end, err := d.delivery.Window()
	if err != nil {
		// Misconfigured window fails open; refusing all delivery is worse.
		d.logger.Warn("invalid business hours, ignoring window", "error", err)
		return true
	}
	minutes := now.Hour()*60 + now.Minute()
	return minutes >= start && minutes < end
}

// deliver pushes one queued segment through the transport, walking it
// through processing to sent or failed.
func (d *Dispatcher) deliver(ctx context.Context, e *domain.OutboundEntry, transport domain.Transport, record bool) error {
	e.Status = domain.OutboundProcessing
	e.Attempts++
	if err := d.store.UpdateOutbound(ctx, *e); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	externalID, err := transport.SendText(ctx, e.Address, e.Content)
	if err != nil {
		e.Status = domain.OutboundFailed
		e.LastError = err.Error()
		if uerr := d.store.UpdateOutbound(ctx, *e); uerr != nil {
			d.logger.Error("mark failed", "segment", e.ID, "error", uerr)
		}
		return fmt.Errorf("send segment %s: %w", e.ID, err)
	}

	sentAt := d.now()
	e.Status = domain.OutboundSent
	e.SentAt = &sentAt
	e.LastError = ""
	if err := d.store.UpdateOutbound(ctx, *e); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}

	if record {
		if err := d.store.AddMessage(ctx, domain.MessageRecord{
			ConversationID: e.ConversationID,
			Role:           "assistant",
			Content:        e.Content,
			ExternalID:     externalID,
		}); err != nil {
			d.logger.Error("record sent segment", "segment", e.ID, "error", err)
		}
	}

	d.logger.Info("segment sent",
		"channel", e.Channel,
		"segment", e.ID,
		"external_id", externalID,
	)
	return nil
}
