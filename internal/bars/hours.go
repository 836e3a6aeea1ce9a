package bars

import (
	"time"

	"tradeorch/pkg/types"
)

// nyse is the exchange timezone. Regular trading hours are 09:30 to 16:00
// Eastern, Monday through Friday. Exchange holidays are not modeled; a
// holiday shows up as a full-day gap that simply never overlaps a session
// the feed produced bars for.
// Initializer expression rather than init() so package-level values in
// this package (and its tests) may depend on nyse.
var nyse = mustLoadNYSE()

func mustLoadNYSE() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic("load America/New_York: " + err.Error())
	}
	return loc
}

// sessionBounds returns the RTH open and close for the day containing t.
func sessionBounds(t time.Time) (open, close time.Time) {
	local := t.In(nyse)
	open = time.Date(local.Year(), local.Month(), local.Day(), 9, 30, 0, 0, nyse)
	close = time.Date(local.Year(), local.Month(), local.Day(), 16, 0, 0, 0, nyse)
	return open, close
}

// InRTH reports whether the instant at Unix-millisecond ts falls inside
// regular trading hours.
func InRTH(ts int64) bool {
	t := time.UnixMilli(ts).In(nyse)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	open, close := sessionBounds(t)
	return !t.Before(open) && t.Before(close)
}

// expectedRTHBars counts the bar slots of width tf in [fromMs, toMs] that
// fall inside regular trading hours.
func expectedRTHBars(fromMs, toMs int64, tf types.Timeframe) int {
	interval := tf.Millis()
	n := 0
	for ts := fromMs; ts <= toMs; ts += interval {
		if InRTH(ts) {
			n++
		}
	}
	return n
}

// OverlapsRTH reports whether the half-open interval [startMs, endMs)
// overlaps any regular trading session. Used to decide whether a hole in a
// bar sequence is a real gap or just a close, weekend, or holiday.
func OverlapsRTH(startMs, endMs int64) bool {
	if endMs <= startMs {
		return false
	}
	start := time.UnixMilli(startMs).In(nyse)
	end := time.UnixMilli(endMs).In(nyse)

	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		switch day.Weekday() {
		case time.Saturday, time.Sunday:
			continue
		}
		open, close := sessionBounds(day)
		if open.Before(end) && start.Before(close) {
			return true
		}
	}
	return false
}
