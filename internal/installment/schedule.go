package installment

import (
	"fmt"
	"time"

	"ms-tripbooking/internal/models"
)

const dateLayout = "2006-01-02"

// ScheduledEntry is a validated entry of a package's installment schedule.
// Position is 1-based in the configured order and becomes the obligation sequence.
type ScheduledEntry struct {
	Position    int
	DueDate     time.Time
	AmountCents int64
}

// PlanWarning describes one schedule entry that was skipped as malformed.
type PlanWarning struct {
	Position int    `json:"position"`
	DueDate  string `json:"date"`
	Reason   string `json:"reason"`
}

func (w PlanWarning) String() string {
	return fmt.Sprintf("installment #%d (%q): %s", w.Position, w.DueDate, w.Reason)
}

// ParseSchedule validates a plan once; malformed entries are dropped and reported.
func ParseSchedule(cfg models.PlanConfig) ([]ScheduledEntry, []PlanWarning) {
	var (
		entries  []ScheduledEntry
		warnings []PlanWarning
	)
	for i, raw := range cfg.Installments {
		pos := i + 1
		due, err := time.Parse(dateLayout, raw.DueDate)
		if err != nil {
			warnings = append(warnings, PlanWarning{Position: pos, DueDate: raw.DueDate, Reason: "due date is not YYYY-MM-DD"})
			continue
		}
		if raw.AmountCents <= 0 {
			warnings = append(warnings, PlanWarning{Position: pos, DueDate: raw.DueDate, Reason: "amount must be positive"})
			continue
		}
		entries = append(entries, ScheduledEntry{Position: pos, DueDate: due.UTC(), AmountCents: raw.AmountCents})
	}
	return entries, warnings
}
