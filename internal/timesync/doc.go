// Package timesync provides time-of-day arithmetic for trace timestamps.
//
// Babeltrace prints event times as a 24-hour clock (HH:MM:SS.nnnnnnnnn)
// without a date. Differences between two such times are computed with
// wraparound at midnight, so a capture that crosses 00:00 still yields
// positive offsets and durations.
//
// Converter anchors the relative offsets of a run on a calendar date for
// sinks that need absolute wall-clock times.
package timesync
