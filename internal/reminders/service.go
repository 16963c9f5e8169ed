package reminders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"ms-tripbooking/internal/booking"
	"ms-tripbooking/internal/clock"
	"ms-tripbooking/internal/db"
	"ms-tripbooking/internal/installment"
	"ms-tripbooking/internal/logger"
	"ms-tripbooking/internal/metrics"
	"ms-tripbooking/internal/models"
	"ms-tripbooking/internal/notify"

	"github.com/hibiken/asynq"
	"github.com/uptrace/bun"
)

type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type ReminderNotifier interface {
	InstallmentReminder(ctx context.Context, r notify.Reminder) error
}

type LinkSigner interface {
	SignInstallment(bookingID, installmentID int64) (string, error)
}

type SweepResult struct {
	MarkedOverdue int
	Enqueued      int
}

// Service finds obligations that need a reminder and sends them one at a time through asynq.
type Service struct {
	db       *bun.DB
	queue    Enqueuer
	notifier ReminderNotifier
	signer   LinkSigner
	baseURL  string
	clock    clock.Clock
	logger   *logger.Logger
	metrics  *metrics.BookingMetrics
}

func NewService(bunDB *bun.DB, queue Enqueuer, notifier ReminderNotifier, signer LinkSigner, baseURL string, clk clock.Clock, log *logger.Logger, m *metrics.BookingMetrics) *Service {
	return &Service{
		db:       bunDB,
		queue:    queue,
		notifier: notifier,
		signer:   signer,
		baseURL:  baseURL,
		clock:    clk,
		logger:   log,
		metrics:  m,
	}
}

// Sweep marks pending obligations past their due date as overdue, then enqueues one send task
// per obligation that DueReminder selects for today.
func (s *Service) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	today := clock.Today(now)
	var out SweepResult

	res, err := s.db.NewUpdate().
		Model((*models.InstallmentObligation)(nil)).
		Set("status = ?", models.ObligationOverdue).
		Where("status = ?", models.ObligationPending).
		Where("due_date < ?", today).
		Exec(ctx)
	if err != nil {
		return out, fmt.Errorf("mark overdue obligations: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		out.MarkedOverdue = int(n)
	}

	var open []models.InstallmentObligation
	err = s.db.NewSelect().
		Model(&open).
		Where("status IN (?)", bun.In(models.OpenObligationStatuses)).
		Where("sequence > 0").
		Where("due_date <= ?", today.AddDate(0, 0, 3)).
		Order("due_date ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return out, fmt.Errorf("load open obligations: %w", err)
	}

	day := today.Format("2006-01-02")
	for i := range open {
		kind, due := installment.DueReminder(&open[i], today)
		if !due {
			continue
		}
		task, opts, err := NewSendTask(SendPayload{ObligationID: open[i].ID, Kind: string(kind), Day: day})
		if err != nil {
			return out, err
		}
		if _, err := s.queue.EnqueueContext(ctx, task, opts...); err != nil {
			if errors.Is(err, asynq.ErrTaskIDConflict) {
				continue
			}
			return out, fmt.Errorf("enqueue reminder for obligation %d: %w", open[i].ID, err)
		}
		out.Enqueued++
	}

	s.logger.LogProcess("REMINDER_SWEEP", fmt.Sprintf("%s: %d marked overdue, %d reminders enqueued", day, out.MarkedOverdue, out.Enqueued))
	return out, nil
}

// Send delivers one reminder. The obligation is re-checked under a row lock so a payment or a
// second delivery that landed in between turns this into a no-op.
func (s *Service) Send(ctx context.Context, obligationID int64) (bool, error) {
	now := s.clock.Now()
	sent := false

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var o models.InstallmentObligation
		q := tx.NewSelect().Model(&o).Where("id = ?", obligationID)
		if err := db.ForUpdate(tx, q).Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				s.logger.Warn("REMINDER", fmt.Sprintf("obligation %d no longer exists", obligationID))
				return nil
			}
			return err
		}

		kind, due := installment.DueReminder(&o, now)
		if !due {
			return nil
		}

		b, err := booking.Get(ctx, tx, o.BookingID)
		if err != nil {
			return err
		}
		if b.IsTerminal() {
			return nil
		}

		link, err := s.payLink(b.ID, o.ID)
		if err != nil {
			return err
		}
		err = s.notifier.InstallmentReminder(ctx, notify.Reminder{
			Kind:           string(kind),
			Booking:        b,
			Obligation:     &o,
			PayLink:        link,
			RemainingCents: b.RemainingCents(),
		})
		if err != nil {
			return err
		}

		_, err = tx.NewUpdate().
			Model((*models.InstallmentObligation)(nil)).
			Set("reminder_sent = ?", true).
			Set("reminder_sent_at = ?", now).
			Set("reminder_count = reminder_count + 1").
			Where("id = ?", o.ID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("record reminder: %w", err)
		}

		sent = true
		s.metrics.ReminderSent(string(kind))
		s.logger.LogBooking("REMINDER", b.ID, fmt.Sprintf("%s reminder sent for installment %d", kind, o.ID))
		return nil
	})
	return sent, err
}

func (s *Service) payLink(bookingID, obligationID int64) (string, error) {
	token, err := s.signer.SignInstallment(bookingID, obligationID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/pay/installments/%d?token=%s", s.baseURL, obligationID, url.QueryEscape(token)), nil
}

func (s *Service) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	_, err := s.Sweep(ctx, s.clock.Now())
	return err
}

func (s *Service) HandleSend(ctx context.Context, t *asynq.Task) error {
	var p SendPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", TypeSend, err, asynq.SkipRetry)
	}
	_, err := s.Send(ctx, p.ObligationID)
	return err
}
