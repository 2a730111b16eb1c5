package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/seu-repo/sigec-sim/internal/ocpp"
)

const (
	ProfileKindAbsolute  = "Absolute"
	ProfileKindRecurring = "Recurring"
	ProfileKindRelative  = "Relative"

	ProfilePurposeChargePointMax = "ChargePointMaxProfile"
	ProfilePurposeTxDefault      = "TxDefaultProfile"
	ProfilePurposeTx             = "TxProfile"

	RecurrencyDaily  = "Daily"
	RecurrencyWeekly = "Weekly"

	RateUnitWatt   = "W"
	RateUnitAmpere = "A"
)

// NormalizeChargingProfile validates a profile received via SetChargingProfile
// and sorts its schedule periods. A schedule whose first period does not start
// at zero is rejected; a RECURRING profile needs a recurrency kind and a
// start schedule.
func NormalizeChargingProfile(p *ocpp.ChargingProfile) error {
	periods := p.ChargingSchedule.ChargingSchedulePeriod
	if len(periods) == 0 {
		return fmt.Errorf("charging profile %d: empty schedule", p.ChargingProfileID)
	}

	sort.SliceStable(periods, func(i, j int) bool {
		return periods[i].StartPeriod < periods[j].StartPeriod
	})
	if periods[0].StartPeriod != 0 {
		return fmt.Errorf("charging profile %d: first schedule period starts at %d, must be 0",
			p.ChargingProfileID, periods[0].StartPeriod)
	}

	switch p.ChargingProfileKind {
	case ProfileKindAbsolute, ProfileKindRelative:
	case ProfileKindRecurring:
		if p.RecurrencyKind != RecurrencyDaily && p.RecurrencyKind != RecurrencyWeekly {
			return fmt.Errorf("charging profile %d: recurring profile needs a Daily or Weekly recurrency kind",
				p.ChargingProfileID)
		}
		if p.ChargingSchedule.StartSchedule == "" {
			return fmt.Errorf("charging profile %d: recurring profile needs a start schedule",
				p.ChargingProfileID)
		}
	default:
		return fmt.Errorf("charging profile %d: unknown kind %q", p.ChargingProfileID, p.ChargingProfileKind)
	}

	return nil
}

// ChargingProfileLimit evaluates the power limit (W) applying to a connector
// at the given instant. Profiles are considered highest stack level first;
// the first applicable schedule period wins. The second return value is false
// when no profile constrains the connector.
func ChargingProfileLimit(profiles []ocpp.ChargingProfile, info *StationInfo, now, txStart time.Time) (float64, bool) {
	sorted := make([]ocpp.ChargingProfile, len(profiles))
	copy(sorted, profiles)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StackLevel > sorted[j].StackLevel
	})

	for i := range sorted {
		p := &sorted[i]
		if !profileValidAt(p, now) {
			continue
		}
		start, ok := scheduleStart(p, now, txStart)
		if !ok {
			continue
		}
		elapsed := int(now.Sub(start).Seconds())
		if elapsed < 0 {
			continue
		}
		if d := p.ChargingSchedule.Duration; d > 0 && elapsed >= d {
			continue
		}

		limit, found := -1.0, false
		for _, period := range p.ChargingSchedule.ChargingSchedulePeriod {
			if period.StartPeriod > elapsed {
				break
			}
			limit, found = period.Limit, true
		}
		if !found {
			continue
		}
		if p.ChargingSchedule.ChargingRateUnit == RateUnitAmpere {
			phases := info.NumberOfPhases
			if phases <= 0 {
				phases = 1
			}
			limit = limit * float64(info.VoltageOut) * float64(phases)
		}
		return limit, true
	}

	return 0, false
}

func profileValidAt(p *ocpp.ChargingProfile, now time.Time) bool {
	if p.ValidFrom != "" {
		if from, err := time.Parse(time.RFC3339, p.ValidFrom); err == nil && now.Before(from) {
			return false
		}
	}
	if p.ValidTo != "" {
		if to, err := time.Parse(time.RFC3339, p.ValidTo); err == nil && now.After(to) {
			return false
		}
	}
	return true
}

// scheduleStart resolves when the schedule clock started ticking for the
// profile kind: the startSchedule for Absolute, the most recent recurrence
// for Recurring, the transaction start for Relative.
func scheduleStart(p *ocpp.ChargingProfile, now, txStart time.Time) (time.Time, bool) {
	switch p.ChargingProfileKind {
	case ProfileKindRelative:
		if txStart.IsZero() {
			return time.Time{}, false
		}
		return txStart, true
	case ProfileKindAbsolute:
		start, err := time.Parse(time.RFC3339, p.ChargingSchedule.StartSchedule)
		if err != nil {
			return time.Time{}, false
		}
		return start, true
	case ProfileKindRecurring:
		start, err := time.Parse(time.RFC3339, p.ChargingSchedule.StartSchedule)
		if err != nil {
			return time.Time{}, false
		}
		period := 24 * time.Hour
		if p.RecurrencyKind == RecurrencyWeekly {
			period = 7 * 24 * time.Hour
		}
		for start.Add(period).Before(now) || start.Add(period).Equal(now) {
			start = start.Add(period)
		}
		return start, true
	}
	return time.Time{}, false
}
