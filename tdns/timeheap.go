package tdns

import (
	"container/heap"
	"log"
	"sync"
	"time"
)

// Event is a schedulable callback, modeled on src/knot/common/evsched.h's
// event_t. Unscheduled events are owned by the caller; once passed to
// EventScheduler.Schedule they are owned by the scheduler until they fire
// or are cancelled.
type Event struct {
	Callback func(ctx interface{})
	Ctx      interface{}

	scheduledTime time.Time
	index         int  // heap.Interface bookkeeping
	running       bool // true while Callback is executing
	runDone       *sync.Cond
}

// NewEvent allocates an unscheduled event bound to cb/ctx.
func NewEvent(cb func(ctx interface{}), ctx interface{}) *Event {
	return &Event{Callback: cb, Ctx: ctx, index: -1}
}

// eventHeap is a min-heap of *Event ordered by scheduledTime, implementing
// container/heap.Interface. It backs EventScheduler and is never used
// without eventScheduler.mu held.
type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	return h[i].scheduledTime.Before(h[j].scheduledTime)
}
func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *eventHeap) Push(x interface{}) {
	e := x.(*Event)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// EventScheduler owns a min-heap keyed by Instant, guarded by a mutex plus
// a condition variable, per spec.md's TimeHeap + EventScheduler component.
type EventScheduler struct {
	mu       sync.Mutex
	cond     *sync.Cond
	heap     eventHeap
	paused   bool
	stopping bool
	stopped  chan struct{}
	pool     *WorkerPool
}

// NewEventScheduler creates a scheduler whose dispatch thread hands due
// events to pool.
func NewEventScheduler(pool *WorkerPool) *EventScheduler {
	s := &EventScheduler{pool: pool, stopped: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Schedule sets event's scheduledTime to now+delta. If the event is
// already present in the heap, the slot is replaced with the new time —
// earlier or later, last write wins — per evsched_schedule. A running
// event is not interrupted; its next run (if rescheduled from within its
// own callback) is what gets the new time.
func (s *EventScheduler) Schedule(e *Event, delta time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.scheduledTime = time.Now().Add(delta)
	if e.index >= 0 {
		heap.Fix(&s.heap, e.index)
	} else {
		heap.Push(&s.heap, e)
	}
	s.cond.Broadcast()
}

// Cancel removes e from the heap. If a callback for e is currently
// running, Cancel blocks until it returns. Callers MUST NOT call Cancel
// from within e's own callback — that deadlocks against this wait.
func (s *EventScheduler) Cancel(e *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.index >= 0 {
		heap.Remove(&s.heap, e.index)
	}
	for e.running {
		if e.runDone == nil {
			e.runDone = sync.NewCond(&s.mu)
		}
		e.runDone.Wait()
	}
}

// Pause flips an atomic-under-mu flag observed by the dispatch loop;
// paused dispatch retains heap ordering — nothing is popped, nothing is
// lost.
func (s *EventScheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

func (s *EventScheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Start launches the dispatch goroutine. Start/Stop/Join give the
// scheduler a start/stop/join lifecycle independent of pause/resume.
func (s *EventScheduler) Start() {
	go s.dispatchLoop()
}

func (s *EventScheduler) Stop() {
	s.mu.Lock()
	s.stopping = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *EventScheduler) Join() {
	<-s.stopped
}

// dispatchLoop sleeps on the condition variable until the earliest event
// is due, then moves it into the worker pool. Spurious wakeups and
// schedule races are handled by re-reading the heap top after each
// wakeup rather than trusting a computed sleep duration.
func (s *EventScheduler) dispatchLoop() {
	defer close(s.stopped)
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.stopping {
			return
		}
		if s.paused || s.heap.Len() == 0 {
			s.cond.Wait()
			continue
		}
		top := s.heap[0]
		now := time.Now()
		if top.scheduledTime.After(now) {
			s.waitUntil(top.scheduledTime)
			continue
		}
		ev := heap.Pop(&s.heap).(*Event)
		ev.running = true
		s.mu.Unlock()
		s.runEvent(ev)
		s.mu.Lock()
	}
}

// waitUntil releases mu, sleeps until deadline or a wakeup, then
// reacquires mu. Held under s.mu by the caller.
func (s *EventScheduler) waitUntil(deadline time.Time) {
	d := time.Until(deadline)
	if d <= 0 {
		return
	}
	timer := time.AfterFunc(d, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	s.cond.Wait()
	timer.Stop()
}

// runEvent hands the event to the worker pool (if any) or runs it
// inline, then clears the running flag and signals Cancel waiters.
// Heap allocation failure aborts scheduling upstream in Schedule; a
// handler returning an error (via its Ctx result channel, if any) is
// logged by the caller but never stops the dispatcher.
func (s *EventScheduler) runEvent(ev *Event) {
	run := func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("EventScheduler: event callback panicked: %v", r)
			}
			s.mu.Lock()
			ev.running = false
			if ev.runDone != nil {
				ev.runDone.Broadcast()
			}
			s.mu.Unlock()
		}()
		ev.Callback(ev.Ctx)
	}
	if s.pool != nil {
		s.pool.Assign(&Task{Run: run})
	} else {
		run()
	}
}
