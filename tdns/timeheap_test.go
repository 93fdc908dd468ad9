package tdns

import (
	"sync"
	"testing"
	"time"
)

// S2: events fire in deadline order, earliest first, regardless of the
// order they were scheduled in.
func TestEventSchedulerOrdering(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Start()
	defer func() { pool.Stop(); pool.Join() }()

	sched := NewEventScheduler(pool)
	sched.Start()
	defer func() { sched.Stop(); sched.Join() }()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{}, 3)

	mk := func(id int) *Event {
		return NewEvent(func(ctx interface{}) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			done <- struct{}{}
		}, nil)
	}

	e3 := mk(3)
	e1 := mk(1)
	e2 := mk(2)

	sched.Schedule(e3, 30*time.Millisecond)
	sched.Schedule(e1, 5*time.Millisecond)
	sched.Schedule(e2, 15*time.Millisecond)

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events to fire")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("fired out of deadline order: %v", order)
	}
}

// Reschedule replaces an already-queued event's deadline rather than
// double-scheduling it.
func TestEventSchedulerReschedule(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Start()
	defer func() { pool.Stop(); pool.Join() }()

	sched := NewEventScheduler(pool)
	sched.Start()
	defer func() { sched.Stop(); sched.Join() }()

	var count int
	var mu sync.Mutex
	done := make(chan struct{}, 1)
	e := NewEvent(func(ctx interface{}) {
		mu.Lock()
		count++
		mu.Unlock()
		done <- struct{}{}
	}, nil)

	sched.Schedule(e, time.Hour)
	sched.Schedule(e, 5*time.Millisecond)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("rescheduled event never fired")
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("event fired %d times, want exactly 1", count)
	}
}

// Cancel removes a not-yet-due event so its callback never runs.
func TestEventSchedulerCancel(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Start()
	defer func() { pool.Stop(); pool.Join() }()

	sched := NewEventScheduler(pool)
	sched.Start()
	defer func() { sched.Stop(); sched.Join() }()

	fired := false
	e := NewEvent(func(ctx interface{}) { fired = true }, nil)
	sched.Schedule(e, 50*time.Millisecond)
	sched.Cancel(e)

	time.Sleep(100 * time.Millisecond)
	if fired {
		t.Fatal("cancelled event fired anyway")
	}
}

// Pause suspends dispatch without losing heap state; Resume lets it
// continue.
func TestEventSchedulerPauseResume(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Start()
	defer func() { pool.Stop(); pool.Join() }()

	sched := NewEventScheduler(pool)
	sched.Start()
	defer func() { sched.Stop(); sched.Join() }()

	done := make(chan struct{}, 1)
	e := NewEvent(func(ctx interface{}) { done <- struct{}{} }, nil)

	sched.Pause()
	sched.Schedule(e, 1*time.Millisecond)

	select {
	case <-done:
		t.Fatal("event fired while scheduler was paused")
	case <-time.After(100 * time.Millisecond):
	}

	sched.Resume()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event never fired after resume")
	}
}
