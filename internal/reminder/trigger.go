package reminder

import "time"

// NextTrigger returns the first instant at or after now that falls on weekday
// at hour:minute:00 in now's location.
//
// A target equal to now is returned as is. A target earlier on the same
// weekday rolls over to the following week. hour and minute are not checked.
func NextTrigger(now time.Time, weekday time.Weekday, hour, minute int) time.Time {
	y, m, d := now.Date()
	loc := now.Location()
	c := time.Date(y, m, d, hour, minute, 0, 0, loc)
	for c.Weekday() != weekday || c.Before(now) {
		d++
		c = time.Date(y, m, d, hour, minute, 0, 0, loc)
	}
	return c
}
