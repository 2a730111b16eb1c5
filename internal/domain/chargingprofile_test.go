package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seu-repo/sigec-sim/internal/ocpp"
)

func absoluteProfile(id, stackLevel int, start string, periods ...ocpp.ChargingSchedulePeriod) ocpp.ChargingProfile {
	return ocpp.ChargingProfile{
		ChargingProfileID:      id,
		StackLevel:             stackLevel,
		ChargingProfilePurpose: ProfilePurposeTxDefault,
		ChargingProfileKind:    ProfileKindAbsolute,
		ChargingSchedule: ocpp.ChargingSchedule{
			StartSchedule:          start,
			ChargingRateUnit:       RateUnitWatt,
			ChargingSchedulePeriod: periods,
		},
	}
}

func TestNormalizeChargingProfile_SortsPeriods(t *testing.T) {
	profile := absoluteProfile(1, 0, "2026-01-01T00:00:00Z",
		ocpp.ChargingSchedulePeriod{StartPeriod: 600, Limit: 11000},
		ocpp.ChargingSchedulePeriod{StartPeriod: 0, Limit: 22000},
	)

	err := NormalizeChargingProfile(&profile)

	require.NoError(t, err)
	assert.Equal(t, 0, profile.ChargingSchedule.ChargingSchedulePeriod[0].StartPeriod)
	assert.Equal(t, 600, profile.ChargingSchedule.ChargingSchedulePeriod[1].StartPeriod)
}

func TestNormalizeChargingProfile_Rejections(t *testing.T) {
	empty := absoluteProfile(1, 0, "2026-01-01T00:00:00Z")
	assert.Error(t, NormalizeChargingProfile(&empty), "empty schedule")

	late := absoluteProfile(2, 0, "2026-01-01T00:00:00Z",
		ocpp.ChargingSchedulePeriod{StartPeriod: 30, Limit: 11000},
	)
	assert.Error(t, NormalizeChargingProfile(&late), "first period must start at 0")

	recurring := absoluteProfile(3, 0, "",
		ocpp.ChargingSchedulePeriod{StartPeriod: 0, Limit: 11000},
	)
	recurring.ChargingProfileKind = ProfileKindRecurring
	assert.Error(t, NormalizeChargingProfile(&recurring), "recurring needs recurrency kind")

	recurring.RecurrencyKind = RecurrencyDaily
	assert.Error(t, NormalizeChargingProfile(&recurring), "recurring needs start schedule")

	recurring.ChargingSchedule.StartSchedule = "2026-01-01T00:00:00Z"
	assert.NoError(t, NormalizeChargingProfile(&recurring))

	unknown := absoluteProfile(4, 0, "2026-01-01T00:00:00Z",
		ocpp.ChargingSchedulePeriod{StartPeriod: 0, Limit: 11000},
	)
	unknown.ChargingProfileKind = "Sometimes"
	assert.Error(t, NormalizeChargingProfile(&unknown), "unknown kind")
}

func TestChargingProfileLimit_HighestStackLevelWins(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	info := &StationInfo{VoltageOut: 230, NumberOfPhases: 3}

	profiles := []ocpp.ChargingProfile{
		absoluteProfile(1, 0, "2026-01-01T00:00:00Z",
			ocpp.ChargingSchedulePeriod{StartPeriod: 0, Limit: 22000},
		),
		absoluteProfile(2, 5, "2026-01-01T00:00:00Z",
			ocpp.ChargingSchedulePeriod{StartPeriod: 0, Limit: 7400},
		),
	}

	limit, ok := ChargingProfileLimit(profiles, info, now, time.Time{})

	require.True(t, ok)
	assert.Equal(t, 7400.0, limit)
}

func TestChargingProfileLimit_PeriodSelection(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	info := &StationInfo{VoltageOut: 230, NumberOfPhases: 1}

	profiles := []ocpp.ChargingProfile{
		absoluteProfile(1, 0, start.Format(time.RFC3339),
			ocpp.ChargingSchedulePeriod{StartPeriod: 0, Limit: 22000},
			ocpp.ChargingSchedulePeriod{StartPeriod: 3600, Limit: 11000},
		),
	}

	limit, ok := ChargingProfileLimit(profiles, info, start.Add(30*time.Minute), time.Time{})
	require.True(t, ok)
	assert.Equal(t, 22000.0, limit)

	limit, ok = ChargingProfileLimit(profiles, info, start.Add(2*time.Hour), time.Time{})
	require.True(t, ok)
	assert.Equal(t, 11000.0, limit)
}

func TestChargingProfileLimit_AmpereUnitConvertedToWatts(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	info := &StationInfo{VoltageOut: 230, NumberOfPhases: 3}

	profile := absoluteProfile(1, 0, "2026-01-01T00:00:00Z",
		ocpp.ChargingSchedulePeriod{StartPeriod: 0, Limit: 16},
	)
	profile.ChargingSchedule.ChargingRateUnit = RateUnitAmpere

	limit, ok := ChargingProfileLimit([]ocpp.ChargingProfile{profile}, info, now, time.Time{})

	require.True(t, ok)
	assert.Equal(t, 16.0*230*3, limit)
}

func TestChargingProfileLimit_RelativeNeedsTransaction(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	info := &StationInfo{VoltageOut: 230, NumberOfPhases: 1}

	profile := absoluteProfile(1, 0, "",
		ocpp.ChargingSchedulePeriod{StartPeriod: 0, Limit: 11000},
	)
	profile.ChargingProfileKind = ProfileKindRelative

	_, ok := ChargingProfileLimit([]ocpp.ChargingProfile{profile}, info, now, time.Time{})
	assert.False(t, ok, "no transaction start, relative profile must not apply")

	limit, ok := ChargingProfileLimit([]ocpp.ChargingProfile{profile}, info, now, now.Add(-10*time.Minute))
	require.True(t, ok)
	assert.Equal(t, 11000.0, limit)
}

func TestChargingProfileLimit_ExpiredAndDurationBound(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	info := &StationInfo{VoltageOut: 230, NumberOfPhases: 1}

	expired := absoluteProfile(1, 0, "2026-01-01T00:00:00Z",
		ocpp.ChargingSchedulePeriod{StartPeriod: 0, Limit: 11000},
	)
	expired.ValidTo = "2026-01-01T06:00:00Z"

	_, ok := ChargingProfileLimit([]ocpp.ChargingProfile{expired}, info, now, time.Time{})
	assert.False(t, ok, "profile past validTo")

	short := absoluteProfile(2, 0, "2026-01-01T00:00:00Z",
		ocpp.ChargingSchedulePeriod{StartPeriod: 0, Limit: 11000},
	)
	short.ChargingSchedule.Duration = 3600

	_, ok = ChargingProfileLimit([]ocpp.ChargingProfile{short}, info, now, time.Time{})
	assert.False(t, ok, "schedule duration elapsed")
}
