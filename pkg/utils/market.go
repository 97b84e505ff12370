package utils

import (
	"time"
)

// IndiaLocation is the timezone for Indian markets.
var IndiaLocation *time.Location

func init() {
	var err error
	IndiaLocation, err = time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fallback to UTC+5:30
		IndiaLocation = time.FixedZone("IST", 5*60*60+30*60)
	}
}

// MarketStatus is the NSE cash session a moment falls in.
type MarketStatus string

const (
	MarketClosed  MarketStatus = "CLOSED"
	MarketPreOpen MarketStatus = "PRE_OPEN"
	MarketOpen    MarketStatus = "OPEN"
)

// MarketStatusAt returns the session t falls in. Exchange holidays are not
// known here and report as whatever the clock says.
func MarketStatusAt(t time.Time) MarketStatus {
	now := t.In(IndiaLocation)
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return MarketClosed
	}

	minutes := now.Hour()*60 + now.Minute()
	switch {
	case minutes >= 9*60 && minutes < 9*60+15:
		return MarketPreOpen
	case minutes >= 9*60+15 && minutes < 15*60+30:
		return MarketOpen
	}
	return MarketClosed
}

// NextDailyReset returns the first 06:00 IST strictly after t. Kite access
// tokens issued at t stop working at that instant.
func NextDailyReset(t time.Time) time.Time {
	local := t.In(IndiaLocation)
	reset := time.Date(local.Year(), local.Month(), local.Day(), 6, 0, 0, 0, IndiaLocation)
	if !local.Before(reset) {
		reset = reset.AddDate(0, 0, 1)
	}
	return reset
}
