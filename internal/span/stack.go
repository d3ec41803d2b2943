package span

import (
	"github.com/mrzor/sched-timeline/internal/traceevent"
)

// Stack holds the currently open spans of one scheduler, root first.
// Every element is the last child of the element below it.
type Stack struct {
	spans []*Span
}

// Len returns the number of open spans.
func (st *Stack) Len() int {
	return len(st.spans)
}

// Top returns the innermost open span, or nil when empty.
func (st *Stack) Top() *Span {
	if len(st.spans) == 0 {
		return nil
	}
	return st.spans[len(st.spans)-1]
}

// Root returns the outermost open span, or nil when empty.
func (st *Stack) Root() *Span {
	if len(st.spans) == 0 {
		return nil
	}
	return st.spans[0]
}

// Start discards any open spans and makes root the only entry.
func (st *Stack) Start(root *Span) {
	st.Reset()
	st.spans = append(st.spans, root)
}

// Push appends s to the children of the current top and makes it the new top.
// It returns false, leaving the stack unchanged, when there is no top.
func (st *Stack) Push(s *Span) bool {
	top := st.Top()
	if top == nil {
		return false
	}
	top.Append(s)
	st.spans = append(st.spans, s)
	return true
}

// Pop closes the top span with ev and removes it.
func (st *Stack) Pop(ev *traceevent.Event) *Span {
	top := st.Top()
	if top == nil {
		return nil
	}
	top.Close = ev
	st.spans[len(st.spans)-1] = nil
	st.spans = st.spans[:len(st.spans)-1]
	return top
}

// Drain closes every open span with ev, innermost first, and returns the
// root of the now fully closed tree. The stack is empty afterwards.
func (st *Stack) Drain(ev *traceevent.Event) *Span {
	var root *Span
	for st.Len() > 0 {
		root = st.Pop(ev)
	}
	return root
}

// Reset drops all open spans without closing them.
func (st *Stack) Reset() {
	clear(st.spans)
	st.spans = st.spans[:0]
}

// Spans returns a copy of the open spans, root first.
func (st *Stack) Spans() []*Span {
	out := make([]*Span, len(st.spans))
	copy(out, st.spans)
	return out
}
