// Package traceevent defines the structured trace events consumed by the span engine.
package traceevent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mrzor/sched-timeline/internal/timesync"
)

// ValueKind tells which field of a Value is meaningful.
type ValueKind uint8

const (
	KindInt ValueKind = iota
	KindString
	KindToken
)

// Value is an event argument: an integer, a quoted string, or a bare token.
type Value struct {
	Kind ValueKind
	Int  int64
	Str  string
}

// Int returns an integer argument value.
func Int(v int64) Value { return Value{Kind: KindInt, Int: v} }

// String returns a quoted-string argument value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Token returns a bare-token argument value.
func Token(s string) Value { return Value{Kind: KindToken, Str: s} }

// AsInt returns the integer held by v, if any.
func (v Value) AsInt() (int64, bool) {
	if v.Kind != KindInt {
		return 0, false
	}
	return v.Int, true
}

// Text renders v without quoting.
func (v Value) Text() string {
	if v.Kind == KindInt {
		return strconv.FormatInt(v.Int, 10)
	}
	return v.Str
}

func (v Value) String() string {
	if v.Kind == KindString {
		return strconv.Quote(v.Str)
	}
	return v.Text()
}

// MarshalJSON encodes integers as JSON numbers and everything else as JSON
// strings. HTML characters are left alone; encoders that escape HTML will
// still escape the result.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.Kind == KindInt {
		return strconv.AppendInt(nil, v.Int, 10), nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v.Str); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Args maps argument names to values.
type Args map[string]Value

// Int looks up an integer argument.
func (a Args) Int(name string) (int64, bool) {
	v, ok := a[name]
	if !ok {
		return 0, false
	}
	return v.AsInt()
}

// Event is one trace occurrence. Events are treated as immutable once parsed.
type Event struct {
	// Timestamp is the clock text as printed by the tracer, kept for debug output.
	Timestamp string
	Time      timesync.TimeOfDay
	Name      string
	CPU       int
	TID       int64
	PID       int64
	ProcName  string
	Args      Args
}

func (e *Event) String() string {
	ts := e.Timestamp
	if ts == "" {
		ts = e.Time.String()
	}
	return fmt.Sprintf("[%s] %s cpu=%d tid=%d pid=%d %s", ts, e.Name, e.CPU, e.TID, e.PID, e.ProcName)
}
