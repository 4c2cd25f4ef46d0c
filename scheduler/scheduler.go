// Package scheduler provides the ordered timer queue that drives virtual
// timeouts inside a simulation. Time is expressed as the simulated duration
// elapsed since the start of the run.
package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalidOrdering is returned when work is scheduled before the current
// scheduler time.
var ErrInvalidOrdering = errors.New("scheduled time is before current time")

// Mode selects how due actions are invoked by AdvanceTo.
type Mode int

const (
	// Synchronous invokes each action as soon as it is unlinked from the queue.
	Synchronous Mode = iota
	// Deferred unlinks every due event first and invokes the collected actions
	// afterwards, in due order, before AdvanceTo returns.
	Deferred
)

func (m Mode) String() string {
	switch m {
	case Synchronous:
		return "synchronous"
	case Deferred:
		return "deferred"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// CancelFunc cancels a scheduled event. It reports true only for the call
// that actually prevented the event from firing.
type CancelFunc func() bool

type scheduledEvent struct {
	dueAt    time.Duration
	action   func()
	canceled bool
	fired    bool
}

// Scheduler keeps events ordered by due time, ties broken by insertion order.
// It is not safe for concurrent use; the simulation loop is its only caller.
type Scheduler struct {
	mode Mode
	now  time.Duration

	events  []*scheduledEvent // ordered by dueAt (earliest first)
	pending []*scheduledEvent // unlinked, awaiting invocation in Deferred mode
}

// New creates an empty scheduler at time zero.
func New(mode Mode) *Scheduler {
	return &Scheduler{mode: mode}
}

// Mode returns the execution mode chosen at construction.
func (s *Scheduler) Mode() Mode { return s.mode }

// Now returns the time passed to the most recent AdvanceTo.
func (s *Scheduler) Now() time.Duration { return s.now }

// Len returns the number of events still waiting to fire.
func (s *Scheduler) Len() int { return len(s.events) + len(s.pending) }

// Empty reports whether no events are waiting.
func (s *Scheduler) Empty() bool { return s.Len() == 0 }

// Enqueue schedules action to run once the scheduler reaches dueAt.
func (s *Scheduler) Enqueue(dueAt time.Duration, action func()) (CancelFunc, error) {
	if dueAt < s.now {
		return nil, fmt.Errorf("enqueue at %s (now %s): %w", dueAt, s.now, ErrInvalidOrdering)
	}
	if action == nil {
		action = func() {}
	}
	ev := &scheduledEvent{dueAt: dueAt, action: action}
	s.insert(ev)
	return func() bool { return s.cancel(ev) }, nil
}

// SetTimeout runs action after delay relative to the scheduler's current
// time. A non-positive delay invokes action immediately; the returned cancel
// function is then a no-op.
func (s *Scheduler) SetTimeout(action func(), delay time.Duration) CancelFunc {
	if delay <= 0 {
		if action != nil {
			action()
		}
		return func() bool { return false }
	}
	// now+delay is never before now, so Enqueue cannot fail here.
	cancel, _ := s.Enqueue(s.now+delay, action)
	return cancel
}

func (s *Scheduler) insert(ev *scheduledEvent) {
	n := len(s.events)
	switch {
	case n == 0 || s.events[n-1].dueAt <= ev.dueAt:
		s.events = append(s.events, ev)
	case ev.dueAt < s.events[0].dueAt:
		s.events = append(s.events, nil)
		copy(s.events[1:], s.events)
		s.events[0] = ev
	default:
		// First index strictly after ev keeps ties in insertion order.
		idx := sort.Search(n, func(i int) bool {
			return s.events[i].dueAt > ev.dueAt
		})
		s.events = append(s.events, nil)
		copy(s.events[idx+1:], s.events[idx:])
		s.events[idx] = ev
	}
}

func (s *Scheduler) cancel(ev *scheduledEvent) bool {
	if ev.canceled || ev.fired {
		return false
	}
	ev.canceled = true
	if idx := s.indexOf(ev); idx >= 0 {
		copy(s.events[idx:], s.events[idx+1:])
		s.events[len(s.events)-1] = nil
		s.events = s.events[:len(s.events)-1]
	}
	return true
}

func (s *Scheduler) indexOf(ev *scheduledEvent) int {
	n := len(s.events)
	i := sort.Search(n, func(i int) bool {
		return s.events[i].dueAt >= ev.dueAt
	})
	for ; i < n && s.events[i].dueAt == ev.dueAt; i++ {
		if s.events[i] == ev {
			return i
		}
	}
	return -1
}

// AdvanceTo moves the scheduler to now and fires every event due at or
// before it in ascending order. Events enqueued by firing actions with a due
// time <= now fire during the same call. Moving backwards is a no-op.
func (s *Scheduler) AdvanceTo(now time.Duration) {
	if now < s.now {
		return
	}
	s.now = now

	for {
		if len(s.events) > 0 && s.events[0].dueAt <= now {
			ev := s.events[0]
			s.events[0] = nil
			s.events = s.events[1:]
			if s.mode == Synchronous {
				s.fire(ev)
			} else {
				s.pending = append(s.pending, ev)
			}
			continue
		}

		if len(s.pending) == 0 {
			return
		}
		batch := s.pending
		s.pending = nil
		for _, ev := range batch {
			s.fire(ev)
		}
	}
}

func (s *Scheduler) fire(ev *scheduledEvent) {
	if ev.canceled {
		return
	}
	ev.fired = true
	ev.action()
}
