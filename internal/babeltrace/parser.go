// Package babeltrace parses the default text output of babeltrace into trace events.
//
// A line looks like:
//
//	[13:04:05.123456789] (+0.000001234) host sched_switch: { cpu_id = 2 }, { vpid = 41, vtid = 43, procname = "beam.smp" }, { prev_tid = 43, next_tid = 0 }
//
// The first brace group holds the CPU, the second the stream context (vpid,
// vtid, procname) and the third the event payload.
package babeltrace

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mrzor/sched-timeline/internal/timesync"
	"github.com/mrzor/sched-timeline/internal/traceevent"
)

// ErrMalformed is wrapped by every error returned for a line that is not a trace event.
var ErrMalformed = errors.New("malformed trace line")

var (
	lineRegex = regexp.MustCompile(`^` +
		`\[(?P<timestamp>(?P<hours>\d\d):(?P<mins>\d\d):(?P<secs>\d\d)\.(?P<nsecs>\d{9}))\]` +
		`\s+\([^)]+\)` + // delta from previous event
		`\s+\S+` + // host
		`\s+(?P<name>\S+):` +
		`\s+\{\s+cpu_id\s+=\s+(?P<cpu>\d+)\s+\}` +
		`\s*,\s*\{\s*(?P<context>.*)\s*\}` +
		`\s*,\s*\{\s*(?P<args>.*)\s*\}` +
		`\s*$`)

	fieldRegex = regexp.MustCompile(`\s*(\S+)\s* = \s*(([-+]?[0-9]+)|"([^"]*)"|(\S+))\s*(,|$)`)

	groupIndex = func() map[string]int {
		idx := make(map[string]int)
		for i, name := range lineRegex.SubexpNames() {
			if name != "" {
				idx[name] = i
			}
		}
		return idx
	}()
)

// Parse converts one babeltrace text line into an event.
func Parse(line string) (*traceevent.Event, error) {
	m := lineRegex.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("%w: line does not match event layout", ErrMalformed)
	}
	group := func(name string) string { return m[groupIndex[name]] }

	// The regex guarantees digits; only range matters here.
	hours, _ := strconv.ParseInt(group("hours"), 10, 64)
	mins, _ := strconv.ParseInt(group("mins"), 10, 64)
	secs, _ := strconv.ParseInt(group("secs"), 10, 64)
	nsecs, _ := strconv.ParseInt(group("nsecs"), 10, 64)
	if hours > 23 || mins > 59 || secs > 60 {
		return nil, fmt.Errorf("%w: invalid clock %s", ErrMalformed, group("timestamp"))
	}

	cpu, err := strconv.Atoi(group("cpu"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid cpu_id %q: %v", ErrMalformed, group("cpu"), err)
	}

	ctx := ParseFields(group("context"))
	tid, ok := ctx.Int("vtid")
	if !ok {
		return nil, fmt.Errorf("%w: context has no integer vtid", ErrMalformed)
	}
	pid, ok := ctx.Int("vpid")
	if !ok {
		return nil, fmt.Errorf("%w: context has no integer vpid", ErrMalformed)
	}

	return &traceevent.Event{
		Timestamp: group("timestamp"),
		Time:      timesync.Clock(hours, mins, secs, nsecs),
		Name:      group("name"),
		CPU:       cpu,
		TID:       tid,
		PID:       pid,
		ProcName:  ctx["procname"].Text(),
		Args:      ParseFields(group("args")),
	}, nil
}

// ParseFields parses a comma separated list of "name = value" pairs. Values
// are integers, double-quoted strings or bare tokens. Integers that do not fit
// in an int64 are kept as tokens.
func ParseFields(s string) traceevent.Args {
	result := make(traceevent.Args)
	for _, m := range fieldRegex.FindAllStringSubmatch(s, -1) {
		name := m[1]
		switch {
		case m[3] != "":
			if v, err := strconv.ParseInt(m[3], 10, 64); err == nil {
				result[name] = traceevent.Int(v)
			} else {
				result[name] = traceevent.Token(m[3])
			}
		case strings.HasPrefix(m[2], `"`):
			result[name] = traceevent.String(m[4])
		default:
			result[name] = traceevent.Token(m[5])
		}
	}
	return result
}
