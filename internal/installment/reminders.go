package installment

import (
	"time"

	"ms-tripbooking/internal/clock"
	"ms-tripbooking/internal/models"
)

type ReminderKind string

const (
	ReminderThreeDays ReminderKind = "due_in_3_days"
	ReminderOneDay    ReminderKind = "due_in_1_day"
	ReminderDueToday  ReminderKind = "due_today"
	ReminderOverdue   ReminderKind = "overdue"
)

const (
	MaxReminders          = 6
	overdueReminderPeriod = 3
)

// DueReminder decides whether an obligation gets a reminder today, and which one.
func DueReminder(o *models.InstallmentObligation, today time.Time) (ReminderKind, bool) {
	if !o.IsOpen() || o.Sequence == 0 {
		return "", false
	}
	today = clock.Today(today)
	if o.ReminderSentAt != nil && !clock.Today(*o.ReminderSentAt).Before(today) {
		return "", false
	}

	switch days := clock.DaysBetween(today, o.DueDate); {
	case days == 3 && !o.ReminderSent:
		return ReminderThreeDays, true
	case days == 1:
		return ReminderOneDay, true
	case days == 0:
		return ReminderDueToday, true
	case days < 0:
		if o.ReminderCount >= MaxReminders {
			return "", false
		}
		if o.ReminderSentAt == nil || clock.DaysBetween(*o.ReminderSentAt, today) >= overdueReminderPeriod {
			return ReminderOverdue, true
		}
	}
	return "", false
}
