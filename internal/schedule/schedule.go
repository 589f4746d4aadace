// Package schedule turns a reservation snapshot into the timed message plans
// for its stay. It is pure: callers pass the wall clock in.
package schedule

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/example/guest-scheduler/internal/store"
)

type Mode string

const (
	// ModeInitialSync is a bulk import of existing reservations. Event-only
	// message types are suppressed so a backfill does not thank every past
	// guest for booking.
	ModeInitialSync Mode = "initial_sync"
	ModeEvent       Mode = "event"
)

const (
	DefaultCheckInHour   = 15
	DefaultCheckOutHour  = 10
	DefaultFollowupDelay = 6 * time.Hour
)

// Reservation carries the fields the planner reads. Check-in and check-out
// may arrive as a full datetime, or as a date plus a provider hour; missing
// times fall back to the standard 15:00 / 10:00 local.
type Reservation struct {
	ID        string
	GuestName string
	Timezone  string

	CheckInDateTime  string
	CheckInDate      string
	CheckInHour      *int
	CheckOutDateTime string
	CheckOutDate     string
	CheckOutHour     *int

	BookedAt time.Time
}

type MessagePlan struct {
	Type      store.MessageType
	Label     string
	SendAt    time.Time
	LocalTime string
	Timezone  string
	GuestName string
}

type Planner struct {
	// FollowupDelay offsets post_booking_followup from booking creation.
	// Zero means DefaultFollowupDelay.
	FollowupDelay time.Duration
}

// Plan produces the ordered message plans for one reservation. Send times
// already in the past clamp to now: send immediately rather than schedule
// behind the clock. An unresolvable check-in date yields no plans.
func (p Planner) Plan(res Reservation, mode Mode, now time.Time) []MessagePlan {
	loc := resolveZone(res.Timezone)

	checkIn := resolveInstant(res.CheckInDateTime, res.CheckInDate, res.CheckInHour, DefaultCheckInHour, loc)
	if checkIn.IsZero() {
		log.Debug().Str("reservation", res.ID).Msg("no usable check-in date, nothing to plan")
		return nil
	}
	checkOut := resolveInstant(res.CheckOutDateTime, res.CheckOutDate, res.CheckOutHour, DefaultCheckOutHour, loc)

	var plans []MessagePlan
	add := func(mt store.MessageType, label string, at time.Time) {
		if at.Before(now) {
			at = now
		}
		plans = append(plans, MessagePlan{
			Type:      mt,
			Label:     label,
			SendAt:    at.UTC(),
			LocalTime: at.In(loc).Format("2006-01-02 15:04"),
			Timezone:  loc.String(),
			GuestName: res.GuestName,
		})
	}

	add(store.TypePreArrival24h, "Pre-arrival message (24h before check-in)", checkIn.Add(-24*time.Hour))
	add(store.TypeDoorCode3h, "Door code (3h before check-in)", checkIn.Add(-3*time.Hour))
	add(store.TypeSameDayCheckin, "Check-in day welcome", checkIn)

	if !checkOut.IsZero() {
		y, m, d := checkOut.In(loc).Date()
		add(store.TypeCheckoutMorning, "Checkout morning reminder", time.Date(y, m, d, 8, 0, 0, 0, loc))
		add(store.TypePreCheckoutEvening, "Pre-checkout evening reminder", time.Date(y, m, d, 18, 0, 0, 0, loc).AddDate(0, 0, -1))
	}

	if mode == ModeEvent {
		add(store.TypeThankYouImmediate, "Thank you for booking", now)
		bookedAt := res.BookedAt
		if bookedAt.IsZero() {
			bookedAt = now
		}
		add(store.TypePostBookingFollowup, "Post-booking follow-up", bookedAt.Add(p.followupDelay()))
	}

	sort.SliceStable(plans, func(i, j int) bool { return plans[i].SendAt.Before(plans[j].SendAt) })
	return plans
}

func (p Planner) followupDelay() time.Duration {
	if p.FollowupDelay > 0 {
		return p.FollowupDelay
	}
	return DefaultFollowupDelay
}

func resolveZone(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Debug().Str("timezone", name).Msg("unknown timezone, falling back to UTC")
		return time.UTC
	}
	return loc
}

var datetimeLayouts = []string{"2006-01-02 15:04:05", "2006-01-02T15:04:05", time.RFC3339}

func resolveInstant(datetime, date string, hour *int, defaultHour int, loc *time.Location) time.Time {
	if datetime != "" {
		for _, layout := range datetimeLayouts {
			if t, err := time.ParseInLocation(layout, datetime, loc); err == nil {
				return t
			}
		}
	}
	d, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return time.Time{}
	}
	h := defaultHour
	if hour != nil && *hour >= 0 && *hour <= 23 {
		h = *hour
	}
	return time.Date(d.Year(), d.Month(), d.Day(), h, 0, 0, 0, loc)
}
