package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"carelink/internal/domain"
)

const (
	// staleAfter is how long a pending or processing entry must sit before
	// the sweeper picks it up. Long enough that an in-flight send is never
	// raced.
	staleAfter = 2 * time.Minute

	sweepBatch         = 20
	defaultSweepSpec   = "@every 1m"
	defaultMaxAttempts = 3
)

// Sweeper periodically retries queued segments that never went out: sends
// held by the business-hours gate, and entries stranded mid-delivery by a
// crash. Entries that exhaust their attempts are marked failed for good.
type Sweeper struct {
	dispatcher  *Dispatcher
	cron        *cron.Cron
	schedule    string
	maxAttempts int
	logger      *slog.Logger
}

func NewSweeper(dispatcher *Dispatcher, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	schedule := dispatcher.delivery.SweepSchedule
	if schedule == "" {
		schedule = defaultSweepSpec
	}
	maxAttempts := dispatcher.delivery.SweepMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Sweeper{
		dispatcher:  dispatcher,
		schedule:    schedule,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Start schedules the sweep and returns. Stop shuts the schedule down.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.SweepOnce(ctx); err != nil {
			s.logger.Error("sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("sweep schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.logger.Info("outbound sweeper started", "schedule", s.schedule)
	return nil
}

func (s *Sweeper) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// SweepOnce retries one batch of stale queue entries.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	d := s.dispatcher
	cutoff := d.now().Add(-staleAfter)

	entries, err := d.store.StaleOutbound(ctx, cutoff, sweepBatch)
	if err != nil {
		return fmt.Errorf("load stale entries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	now := d.now().In(d.loc)
	if !d.withinWindow(now) {
		s.logger.Debug("sweep deferred, outside business hours", "stale", len(entries))
		return nil
	}

	for i := range entries {
		e := &entries[i]

		if e.Attempts >= s.maxAttempts {
			e.Status = domain.OutboundFailed
			if e.LastError == "" {
				e.LastError = "retry attempts exhausted"
			}
			if err := d.store.UpdateOutbound(ctx, *e); err != nil {
				s.logger.Error("mark exhausted", "segment", e.ID, "error", err)
			}
			continue
		}

		// A segment held because the patient was at the daily cap must not
		// slip out on the next sweep; it waits for the next local day.
		// Already-queued pending entries were counted when their dispatch
		// passed the gate, so only actual deliveries count here.
		if limit := d.delivery.DailyMessageCap; limit > 0 {
			count, err := d.dailyCount(ctx, e.PatientID,
				domain.OutboundProcessing, domain.OutboundSent)
			if err != nil {
				s.logger.Error("daily cap lookup", "segment", e.ID, "error", err)
				continue
			}
			if count >= limit {
				s.logger.Debug("sweep deferred, patient at daily cap",
					"segment", e.ID, "patient", e.PatientID)
				continue
			}
		}

		transport, ok := d.transports[e.Channel]
		if !ok {
			s.logger.Warn("no transport for queued segment", "segment", e.ID, "channel", e.Channel)
			continue
		}
		// record=false: the orchestrator already wrote the reply to the
		// transcript when it queued these segments.
		if err := d.deliver(ctx, e, transport, false); err != nil {
			s.logger.Warn("retry failed", "segment", e.ID, "attempts", e.Attempts, "error", err)
			if e.Attempts < s.maxAttempts {
				e.Status = domain.OutboundPending
				if uerr := d.store.UpdateOutbound(ctx, *e); uerr != nil {
					s.logger.Error("requeue segment", "segment", e.ID, "error", uerr)
				}
			}
		}
	}
	return nil
}
