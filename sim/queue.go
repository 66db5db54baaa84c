// Package sim implements the discrete-event kernel: a virtual clock and an
// ordered, cancellable event queue. All simulated behaviour is expressed as
// callbacks scheduled at virtual times; the kernel never reads the wall
// clock, so two runs over the same schedule produce identical traces.
package sim

import (
	"container/heap"
	"fmt"
	"time"
)

// Callback runs to completion on the event thread. It may schedule or cancel
// further events; those take effect after it returns.
type Callback func() error

// Event is a handle to a scheduled callback.
type Event struct {
	at        time.Duration
	seq       uint64
	fn        Callback
	cancelled bool
}

// At returns the virtual time the event will fire at.
func (e *Event) At() time.Duration {
	return e.at
}

// Queue is a virtual-time event queue. Events fire in (time, sequence)
// order; the sequence counter guarantees FIFO among events scheduled for the
// same instant.
type Queue struct {
	now  time.Duration
	seq  uint64
	heap eventHeap
}

func NewQueue() *Queue {
	return &Queue{}
}

// Now returns the current virtual time.
func (q *Queue) Now() time.Duration {
	return q.now
}

// Len returns the number of pending events, cancelled ones included.
func (q *Queue) Len() int {
	return len(q.heap)
}

// Schedule inserts fn at Now()+delay. Delay must not be negative.
func (q *Queue) Schedule(delay time.Duration, fn Callback) (*Event, error) {
	if delay < 0 {
		return nil, fmt.Errorf("sim: negative delay %v at t=%v", delay, q.now)
	}
	return q.push(q.now+delay, fn), nil
}

// ScheduleAt inserts fn at the absolute virtual time at, which must not be
// in the past.
func (q *Queue) ScheduleAt(at time.Duration, fn Callback) (*Event, error) {
	if at < q.now {
		return nil, fmt.Errorf("sim: schedule at %v before current time %v", at, q.now)
	}
	return q.push(at, fn), nil
}

// Cancel marks ev so it will not fire. Safe to call more than once, and on
// events that already fired.
func (q *Queue) Cancel(ev *Event) {
	if ev != nil {
		ev.cancelled = true
	}
}

// RunUntil pops and executes every event with fire time <= end, advancing
// the clock to each event's time, then leaves the clock exactly at end.
// The first callback error halts the run.
func (q *Queue) RunUntil(end time.Duration) error {
	if end < q.now {
		return fmt.Errorf("sim: run until %v before current time %v", end, q.now)
	}
	for len(q.heap) > 0 && q.heap[0].at <= end {
		ev := heap.Pop(&q.heap).(*Event)
		if ev.cancelled {
			continue
		}
		if ev.at < q.now {
			return fmt.Errorf("sim: event at %v fired after clock reached %v", ev.at, q.now)
		}
		q.now = ev.at
		if err := ev.fn(); err != nil {
			return err
		}
	}
	q.now = end
	return nil
}

func (q *Queue) push(at time.Duration, fn Callback) *Event {
	ev := &Event{at: at, seq: q.seq, fn: fn}
	q.seq++
	heap.Push(&q.heap, ev)
	return ev
}

type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(*Event))
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return ev
}
