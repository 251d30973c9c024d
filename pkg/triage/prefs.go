package triage

import (
	"fmt"
	"time"

	pferrors "github.com/otherjamesbrown/penf-triage/pkg/errors"
)

// Preferences holds per-owner notification configuration. A row is created
// with defaults on first access and mutated only by explicit configuration
// writes.
type Preferences struct {
	OwnerID string `json:"owner_id" yaml:"owner_id"`

	// BatchEnabled defers non-priority notifications to the daily batch.
	BatchEnabled bool `json:"batch_enabled" yaml:"batch_enabled"`

	// BatchTime is the owner's preferred delivery time ("HH:MM"). It is
	// advisory metadata for external cron setups; the in-process scheduler
	// honors quiet hours only.
	BatchTime string `json:"batch_time" yaml:"batch_time"`

	// PriorityBypassEnabled sends high-urgency items immediately instead of
	// batching them.
	PriorityBypassEnabled bool `json:"priority_bypass_enabled" yaml:"priority_bypass_enabled"`

	// Quiet hours suppress batched delivery. The window may wrap midnight:
	// [start, end) wraps when end <= start.
	QuietHoursStart string `json:"quiet_hours_start" yaml:"quiet_hours_start"`
	QuietHoursEnd   string `json:"quiet_hours_end" yaml:"quiet_hours_end"`

	// Timezone is an IANA zone name used to evaluate quiet hours.
	Timezone string `json:"timezone" yaml:"timezone"`

	// PrioritySenders is the owner's custom high-priority sender list,
	// consumed by the priority scorer.
	PrioritySenders []string `json:"priority_senders" yaml:"priority_senders"`

	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// DefaultPreferences returns the preferences applied on first access.
func DefaultPreferences(ownerID string) *Preferences {
	return &Preferences{
		OwnerID:               ownerID,
		BatchEnabled:          true,
		BatchTime:             "08:00",
		PriorityBypassEnabled: true,
		QuietHoursStart:       "22:00",
		QuietHoursEnd:         "08:00",
		Timezone:              "UTC",
	}
}

// Validate checks the preferences at write time. A quiet window where start
// equals end is rejected here rather than silently tolerated at run time.
func (p *Preferences) Validate() error {
	if p.OwnerID == "" {
		return fmt.Errorf("%w: owner_id is required", pferrors.ErrValidation)
	}
	start, err := parseClock(p.QuietHoursStart)
	if err != nil {
		return fmt.Errorf("%w: quiet_hours_start: %v", pferrors.ErrValidation, err)
	}
	end, err := parseClock(p.QuietHoursEnd)
	if err != nil {
		return fmt.Errorf("%w: quiet_hours_end: %v", pferrors.ErrValidation, err)
	}
	if start == end {
		return fmt.Errorf("%w: quiet hours window must not be empty (start == end)", pferrors.ErrValidation)
	}
	if p.BatchTime != "" {
		if _, err := parseClock(p.BatchTime); err != nil {
			return fmt.Errorf("%w: batch_time: %v", pferrors.ErrValidation, err)
		}
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return fmt.Errorf("%w: unknown timezone %q", pferrors.ErrValidation, p.Timezone)
	}
	return nil
}

// InQuietHours reports whether now falls inside the owner's quiet window,
// evaluated in the owner's time zone. Windows where end <= start wrap
// midnight.
func (p *Preferences) InQuietHours(now time.Time) bool {
	start, err := parseClock(p.QuietHoursStart)
	if err != nil {
		return false
	}
	end, err := parseClock(p.QuietHoursEnd)
	if err != nil {
		return false
	}

	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()

	if end <= start {
		// Wrapped window, e.g. 22:00-08:00.
		return minute >= start || minute < end
	}
	return minute >= start && minute < end
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock value %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock value %q out of range", s)
	}
	return h*60 + m, nil
}
