package deliver

import (
	"fmt"

	"github.com/example/guest-scheduler/internal/hostaway"
	"github.com/example/guest-scheduler/internal/schedule"
	"github.com/example/guest-scheduler/internal/template"
)

func templateSubstitute(tmpl string, res hostaway.Reservation, listing hostaway.Listing) string {
	return template.Substitute(tmpl, buildVars(res, listing))
}

func buildVars(res hostaway.Reservation, listing hostaway.Listing) map[string]string {
	guestName := res.GuestFirstName
	if guestName == "" {
		guestName = res.GuestName
	}
	propertyName := listing.Name
	if propertyName == "" {
		propertyName = listing.InternalName
	}
	return map[string]string{
		"guestName":    guestName,
		"propertyName": propertyName,
		"doorCode":     listing.DoorSecurityCode,
		"wifiName":     listing.WifiUsername,
		"wifiPassword": listing.WifiPassword,
		"checkInDate":  res.ArrivalDate,
		"checkOutDate": res.DepartureDate,
		"checkInTime":  hourString(res.CheckInTime, schedule.DefaultCheckInHour),
		"checkOutTime": hourString(res.CheckOutTime, schedule.DefaultCheckOutHour),
	}
}

func hourString(h *int, def int) string {
	v := def
	if h != nil && *h >= 0 && *h <= 23 {
		v = *h
	}
	return fmt.Sprintf("%02d:00", v)
}
