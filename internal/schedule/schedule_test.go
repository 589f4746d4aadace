package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/guest-scheduler/internal/store"
)

func intPtr(i int) *int { return &i }

func planTypes(plans []MessagePlan) []store.MessageType {
	out := make([]store.MessageType, 0, len(plans))
	for _, p := range plans {
		out = append(out, p.Type)
	}
	return out
}

func TestPlanInitialSyncLondonStay(t *testing.T) {
	res := Reservation{
		ID:           "12345",
		GuestName:    "Ada",
		Timezone:     "Europe/London",
		CheckInDate:  "2025-06-10",
		CheckInHour:  intPtr(15),
		CheckOutDate: "2025-06-14",
	}
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	plans := Planner{}.Plan(res, ModeInitialSync, now)
	require.Len(t, plans, 5)

	assert.Equal(t, []store.MessageType{
		store.TypePreArrival24h,
		store.TypeDoorCode3h,
		store.TypeSameDayCheckin,
		store.TypePreCheckoutEvening,
		store.TypeCheckoutMorning,
	}, planTypes(plans))

	// London is UTC+1 in June
	byType := map[store.MessageType]MessagePlan{}
	for _, p := range plans {
		byType[p.Type] = p
	}
	assert.Equal(t, "2025-06-09T14:00:00Z", byType[store.TypePreArrival24h].SendAt.Format(time.RFC3339))
	assert.Equal(t, "2025-06-10T11:00:00Z", byType[store.TypeDoorCode3h].SendAt.Format(time.RFC3339))
	assert.Equal(t, "2025-06-10T14:00:00Z", byType[store.TypeSameDayCheckin].SendAt.Format(time.RFC3339))
	assert.Equal(t, "2025-06-13T17:00:00Z", byType[store.TypePreCheckoutEvening].SendAt.Format(time.RFC3339))
	assert.Equal(t, "2025-06-14T07:00:00Z", byType[store.TypeCheckoutMorning].SendAt.Format(time.RFC3339))

	assert.Equal(t, "2025-06-09 15:00", byType[store.TypePreArrival24h].LocalTime)
	assert.Equal(t, "2025-06-10 12:00", byType[store.TypeDoorCode3h].LocalTime)
	assert.Equal(t, "2025-06-14 08:00", byType[store.TypeCheckoutMorning].LocalTime)
	assert.Equal(t, "2025-06-13 18:00", byType[store.TypePreCheckoutEvening].LocalTime)

	for _, p := range plans {
		assert.Equal(t, "Europe/London", p.Timezone)
		assert.Equal(t, "Ada", p.GuestName)
		assert.NotContains(t, []store.MessageType{store.TypeThankYouImmediate, store.TypePostBookingFollowup}, p.Type)
	}
}

func TestPlanEventModeAddsImmediateTypes(t *testing.T) {
	bookedAt := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	res := Reservation{
		ID:           "77",
		Timezone:     "Europe/London",
		CheckInDate:  "2025-06-10",
		CheckOutDate: "2025-06-14",
		BookedAt:     bookedAt,
	}
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	plans := Planner{}.Plan(res, ModeEvent, now)
	require.Len(t, plans, 7)

	byType := map[store.MessageType]MessagePlan{}
	for _, p := range plans {
		byType[p.Type] = p
	}

	thank, ok := byType[store.TypeThankYouImmediate]
	require.True(t, ok)
	assert.True(t, thank.SendAt.Equal(now))

	followup, ok := byType[store.TypePostBookingFollowup]
	require.True(t, ok)
	assert.True(t, followup.SendAt.Equal(bookedAt.Add(6*time.Hour)))
}

func TestPlanFollowupDelayOverride(t *testing.T) {
	bookedAt := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	res := Reservation{ID: "77", CheckInDate: "2025-06-10", BookedAt: bookedAt}
	now := bookedAt

	plans := Planner{FollowupDelay: 45 * time.Minute}.Plan(res, ModeEvent, now)

	var followup *MessagePlan
	for i := range plans {
		if plans[i].Type == store.TypePostBookingFollowup {
			followup = &plans[i]
		}
	}
	require.NotNil(t, followup)
	assert.True(t, followup.SendAt.Equal(bookedAt.Add(45*time.Minute)))
}

func TestPlanClampsPastDueToNow(t *testing.T) {
	now := time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)
	res := Reservation{
		ID:          "9",
		Timezone:    "UTC",
		CheckInDate: "2025-06-10",
		CheckInHour: intPtr(13), // one hour ago
	}

	plans := Planner{}.Plan(res, ModeInitialSync, now)
	require.NotEmpty(t, plans)

	for _, p := range plans {
		assert.False(t, p.SendAt.Before(now), "plan %s scheduled in the past: %s", p.Type, p.SendAt)
	}

	byType := map[store.MessageType]MessagePlan{}
	for _, p := range plans {
		byType[p.Type] = p
	}
	// 24h before a check-in one hour ago is long past: clamped to now exactly
	assert.True(t, byType[store.TypePreArrival24h].SendAt.Equal(now))
	assert.True(t, byType[store.TypeDoorCode3h].SendAt.Equal(now))
}

func TestPlanNoUsableCheckIn(t *testing.T) {
	res := Reservation{ID: "empty", Timezone: "Europe/London"}
	plans := Planner{}.Plan(res, ModeEvent, time.Now())
	assert.Empty(t, plans)
}

func TestPlanWithoutCheckoutSkipsCheckoutTypes(t *testing.T) {
	res := Reservation{ID: "1", CheckInDate: "2025-06-10"}
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	plans := Planner{}.Plan(res, ModeInitialSync, now)
	require.Len(t, plans, 3)
	assert.Equal(t, []store.MessageType{
		store.TypePreArrival24h,
		store.TypeDoorCode3h,
		store.TypeSameDayCheckin,
	}, planTypes(plans))
}

func TestResolveInstant(t *testing.T) {
	london, err := time.LoadLocation("Europe/London")
	require.NoError(t, err)

	tests := []struct {
		name        string
		datetime    string
		date        string
		hour        *int
		defaultHour int
		want        string
	}{
		{name: "date only uses default hour", date: "2025-06-10", defaultHour: 15, want: "2025-06-10T15:00:00+01:00"},
		{name: "provider hour wins over default", date: "2025-06-10", hour: intPtr(16), defaultHour: 15, want: "2025-06-10T16:00:00+01:00"},
		{name: "full datetime wins over hour", datetime: "2025-06-10 17:30:00", date: "2025-06-10", hour: intPtr(16), defaultHour: 15, want: "2025-06-10T17:30:00+01:00"},
		{name: "iso datetime accepted", datetime: "2025-06-10T17:30:00", date: "", defaultHour: 15, want: "2025-06-10T17:30:00+01:00"},
		{name: "out of range hour falls back", date: "2025-06-10", hour: intPtr(25), defaultHour: 15, want: "2025-06-10T15:00:00+01:00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveInstant(tt.datetime, tt.date, tt.hour, tt.defaultHour, london)
			require.False(t, got.IsZero())
			assert.Equal(t, tt.want, got.Format(time.RFC3339))
		})
	}

	assert.True(t, resolveInstant("", "", nil, 15, london).IsZero())
	assert.True(t, resolveInstant("garbage", "also-garbage", nil, 15, london).IsZero())
}

func TestResolveZoneFallsBackToUTC(t *testing.T) {
	assert.Equal(t, time.UTC, resolveZone(""))
	assert.Equal(t, time.UTC, resolveZone("Not/AZone"))
	loc := resolveZone("Europe/London")
	assert.Equal(t, "Europe/London", loc.String())
}
