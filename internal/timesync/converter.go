package timesync

import (
	"fmt"
	"time"
)

// SecondsPerDay is the wraparound period of a time-of-day clock.
const SecondsPerDay = 24 * 60 * 60

// TimeOfDay is a trace timestamp: whole seconds since midnight plus nanoseconds.
type TimeOfDay struct {
	Secs  int64
	Nsecs int64
}

// Clock builds a TimeOfDay from clock fields.
func Clock(hours, mins, secs, nsecs int64) TimeOfDay {
	return TimeOfDay{
		Secs:  secs + (mins+hours*60)*60,
		Nsecs: nsecs,
	}
}

// Elapsed returns the time from t to later. When later is numerically
// smaller, the clock is assumed to have wrapped past midnight once.
func (t TimeOfDay) Elapsed(later TimeOfDay) time.Duration {
	dsecs := later.Secs
	dnsecs := later.Nsecs - t.Nsecs
	if dnsecs < 0 {
		dnsecs += int64(time.Second)
		dsecs--
	}
	dsecs -= t.Secs
	if dsecs < 0 {
		dsecs += SecondsPerDay
	}
	return time.Duration(dsecs)*time.Second + time.Duration(dnsecs)
}

// SecondsUntil is Elapsed expressed as fractional seconds.
func (t TimeOfDay) SecondsUntil(later TimeOfDay) float64 {
	return t.Elapsed(later).Seconds()
}

func (t TimeOfDay) String() string {
	h := t.Secs / 3600
	m := (t.Secs / 60) % 60
	s := t.Secs % 60
	return fmt.Sprintf("%02d:%02d:%02d.%09d", h, m, s, t.Nsecs)
}

// Converter handles conversion from run-relative offsets to wall-clock time.
type Converter struct {
	origin time.Time
}

// NewConverter anchors ref, the reference time of day of a run, on the
// calendar day of date (in date's location).
func NewConverter(date time.Time, ref TimeOfDay) *Converter {
	y, mo, d := date.Date()
	midnight := time.Date(y, mo, d, 0, 0, 0, 0, date.Location())
	return &Converter{
		origin: midnight.Add(time.Duration(ref.Secs)*time.Second + time.Duration(ref.Nsecs)),
	}
}

// OffsetToWallClock converts an offset in seconds since the reference time to wall-clock time.
func (c *Converter) OffsetToWallClock(offset float64) time.Time {
	return c.origin.Add(time.Duration(offset * float64(time.Second)))
}

// Origin returns the wall-clock time of offset zero.
func (c *Converter) Origin() time.Time {
	return c.origin
}
