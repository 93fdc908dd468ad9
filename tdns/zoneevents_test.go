package tdns

import (
	"sync"
	"testing"
	"time"
)

func newTestZoneEvents(t *testing.T, handlers map[EventKind]EventHandlerFunc) (*ZoneEvents, *WorkerPool, *EventScheduler) {
	t.Helper()
	pool := NewWorkerPool(2)
	pool.Start()
	sched := NewEventScheduler(pool)
	sched.Start()

	zd := &ZoneData{ZoneName: "example.com."}
	zd.AttachConfig(&Config{})

	ze := NewZoneEvents(zd, sched, handlers)
	return ze, pool, sched
}

func stopTestZoneEvents(pool *WorkerPool, sched *EventScheduler) {
	sched.Stop()
	sched.Join()
	pool.Stop()
	pool.Join()
}

// S4: at most one handler runs per zone at a time, even when several
// kinds are scheduled back to back.
func TestZoneEventsAtMostOneInFlight(t *testing.T) {
	var mu sync.Mutex
	running := 0
	maxSeen := 0
	release := make(chan struct{})

	handler := func(conf *Config, zd *ZoneData) ErrorCode {
		mu.Lock()
		running++
		if running > maxSeen {
			maxSeen = running
		}
		mu.Unlock()
		<-release
		mu.Lock()
		running--
		mu.Unlock()
		return NoErrorCode
	}

	ze, pool, sched := newTestZoneEvents(t, map[EventKind]EventHandlerFunc{
		EventLoad:    handler,
		EventRefresh: handler,
	})
	defer stopTestZoneEvents(pool, sched)

	ze.ScheduleUser(EventLoad)
	ze.ScheduleUser(EventRefresh)

	time.Sleep(100 * time.Millisecond)
	close(release)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if maxSeen > 1 {
		t.Fatalf("observed %d handlers running concurrently for one zone, want at most 1", maxSeen)
	}
}

// S5: ScheduleBlocking waits for the handler to finish and returns its
// exact result code.
func TestZoneEventsScheduleBlocking(t *testing.T) {
	handler := func(conf *Config, zd *ZoneData) ErrorCode {
		time.Sleep(20 * time.Millisecond)
		return ErrBusy
	}

	ze, pool, sched := newTestZoneEvents(t, map[EventKind]EventHandlerFunc{
		EventDnssec: handler,
	})
	defer stopTestZoneEvents(pool, sched)

	code := ze.ScheduleBlocking(EventDnssec)
	if code != ErrBusy {
		t.Fatalf("ScheduleBlocking returned %v, want %v", code, ErrBusy)
	}
	if got := ze.Result(EventDnssec); got != ErrBusy {
		t.Fatalf("Result(EventDnssec) = %v after blocking call, want %v", got, ErrBusy)
	}
}

// S3: Freeze blocks freezable kinds from dispatching until Start thaws
// the zone again; an event scheduled with ScheduleNow while frozen
// queues but does not run.
func TestZoneEventsFreezeBlocksDispatch(t *testing.T) {
	ran := make(chan struct{}, 1)
	handler := func(conf *Config, zd *ZoneData) ErrorCode {
		ran <- struct{}{}
		return NoErrorCode
	}

	ze, pool, sched := newTestZoneEvents(t, map[EventKind]EventHandlerFunc{
		EventLoad: handler,
	})
	defer stopTestZoneEvents(pool, sched)

	ze.Freeze()
	ze.ScheduleNow(EventLoad)

	select {
	case <-ran:
		t.Fatal("handler ran while zone was frozen")
	case <-time.After(100 * time.Millisecond):
	}

	ze.Start()
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran after Start/thaw")
	}
}

// Ufreeze defers freezable kinds but lets non-freezable kinds (here
// notify) run.
func TestZoneEventsUfreezeDefersFreezableOnly(t *testing.T) {
	loadRan := make(chan struct{}, 1)
	notifyRan := make(chan struct{}, 1)

	ze, pool, sched := newTestZoneEvents(t, map[EventKind]EventHandlerFunc{
		EventLoad:   func(conf *Config, zd *ZoneData) ErrorCode { loadRan <- struct{}{}; return NoErrorCode },
		EventNotify: func(conf *Config, zd *ZoneData) ErrorCode { notifyRan <- struct{}{}; return NoErrorCode },
	})
	defer stopTestZoneEvents(pool, sched)

	if !EventLoad.Freezable() {
		t.Fatal("EventLoad expected to be freezable")
	}
	if EventNotify.Freezable() {
		t.Fatal("EventNotify expected to be non-freezable")
	}

	ze.Ufreeze()
	ze.ScheduleNow(EventLoad)
	ze.ScheduleNow(EventNotify)

	select {
	case <-notifyRan:
	case <-time.After(2 * time.Second):
		t.Fatal("non-freezable event never ran while ufrozen")
	}

	select {
	case <-loadRan:
		t.Fatal("freezable event ran while ufrozen")
	case <-time.After(100 * time.Millisecond):
	}

	ze.Uthaw()
	select {
	case <-loadRan:
	case <-time.After(2 * time.Second):
		t.Fatal("freezable event never ran after Uthaw")
	}
}
