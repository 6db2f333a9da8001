package timezone

import "time"

var Location *time.Location

func init() {
	var err error
	Location, err = time.LoadLocation("Europe/Madrid")
	if err != nil {
		panic(err)
	}
}

// force the timezone to Madrid because the supervisor publishes
// disclosure dates as Madrid calendar days, and servers in other
// regions will shift them when manipulating dates based
// on <time.Time>.Year()/Month()/Day()/Hour()/...
func Now() time.Time {
	return time.Now().In(Location)
}

// Midnight truncates t to the start of its Madrid calendar day.
func Midnight(t time.Time) time.Time {
	t = t.In(Location)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, Location)
}
