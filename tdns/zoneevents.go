package tdns

import (
	"log"
	"sync"
	"time"
)

// EventKind enumerates the per-zone event slots, in the tie-break order
// used when two events share a scheduled time (spec.md §5: "ties broken
// by enum order of kinds" — this declaration order is the tie-break,
// documented here since the spec leaves the exact rule as an
// implementation choice).
type EventKind uint8

const (
	EventLoad EventKind = iota
	EventRefresh
	EventUpdate
	EventExpire
	EventFlush
	EventBackup
	EventNotify
	EventDnssec
	EventValidate
	EventUfreeze
	EventUthaw
	EventDsCheck
	EventDsPush
	EventDnskeySync
	numEventKinds
)

var eventKindToString = map[EventKind]string{
	EventLoad:       "load",
	EventRefresh:    "refresh",
	EventUpdate:     "update",
	EventExpire:     "expire",
	EventFlush:      "flush",
	EventBackup:     "backup",
	EventNotify:     "notify",
	EventDnssec:     "dnssec",
	EventValidate:   "validate",
	EventUfreeze:    "ufreeze",
	EventUthaw:      "uthaw",
	EventDsCheck:    "ds_check",
	EventDsPush:     "ds_push",
	EventDnskeySync: "dnskey_sync",
}

func (k EventKind) String() string { return eventKindToString[k] }

// freezableKinds holds the event kinds that are suspended while a zone is
// ufrozen, per spec.md §3: {load, refresh, update, flush, dnssec, dsCheck}.
var freezableKinds = map[EventKind]bool{
	EventLoad:    true,
	EventRefresh: true,
	EventUpdate:  true,
	EventFlush:   true,
	EventDnssec:  true,
	EventDsCheck: true,
}

func (k EventKind) Freezable() bool { return freezableKinds[k] }

// EventHandlerFunc is the contract every event handler implements:
// handle(conf, zone) -> ErrorCode. Handlers read from a cloned
// configuration snapshot (RCU-managed) so concurrent reconfiguration
// cannot mutate them mid-run.
type EventHandlerFunc func(conf *Config, zd *ZoneData) ErrorCode

// blocker is the one-shot notification primitive a blocking caller
// installs into a ZoneEvents slot; the dispatcher transfers the
// handler's result value through it exactly once.
type blocker struct {
	done   chan struct{}
	result ErrorCode
}

func newBlocker() *blocker {
	return &blocker{done: make(chan struct{})}
}

func (b *blocker) signal(result ErrorCode) {
	b.result = result
	close(b.done)
}

func (b *blocker) wait() ErrorCode {
	<-b.done
	return b.result
}

// ZoneEvents is the per-zone state machine coordinating event scheduling,
// at-most-one-in-flight execution, and blocking waits, modeled on
// src/knot/events/events.c's zone_events_t.
//
// Lock order, enforced everywhere in this file: rescheduleLock (outer)
// then mx (inner) then the EventScheduler's own internal heap lock.
// Never acquire in the reverse order.
type ZoneEvents struct {
	zd        *ZoneData
	scheduler *EventScheduler
	handlers  map[EventKind]EventHandlerFunc

	rescheduleLock sync.Mutex
	mx             sync.Mutex
	runEnd         *sync.Cond

	time     [numEventKinds]time.Time // zero = not scheduled
	forced   [numEventKinds]bool
	blocking [numEventKinds]*blocker
	result   [numEventKinds]ErrorCode

	running    bool
	currentKind EventKind
	ufrozen    bool
	frozen     bool

	heapEvent *Event // the single TimeHeap entry representing this zone's next due time
}

// NewZoneEvents creates a ZoneEvents table for zd, dispatching due events
// through scheduler into scheduler's worker pool.
func NewZoneEvents(zd *ZoneData, scheduler *EventScheduler, handlers map[EventKind]EventHandlerFunc) *ZoneEvents {
	ze := &ZoneEvents{
		zd:        zd,
		scheduler: scheduler,
		handlers:  handlers,
	}
	ze.runEnd = sync.NewCond(&ze.mx)
	ze.heapEvent = NewEvent(func(interface{}) { ze.dispatch() }, nil)
	return ze
}

// nextDue returns the earliest scheduled kind and its time, or ok=false
// if nothing is scheduled. Eligibility for dispatch (forced, or not
// ufrozen, or not freezable) is applied by dispatch itself, not here —
// rearming must still track the true earliest time so a forced event
// scheduled later doesn't starve an ufrozen one once thaw happens.
func (ze *ZoneEvents) nextDue() (EventKind, time.Time, bool) {
	var bestKind EventKind
	var bestTime time.Time
	found := false
	for k := EventKind(0); k < numEventKinds; k++ {
		t := ze.time[k]
		if t.IsZero() {
			continue
		}
		if !found || t.Before(bestTime) || (t.Equal(bestTime) && k < bestKind) {
			bestKind, bestTime, found = k, t, true
		}
	}
	return bestKind, bestTime, found
}

// rearm recomputes the next due time and reschedules the zone's single
// TimeHeap entry. Called with mx held.
func (ze *ZoneEvents) rearm() {
	_, t, ok := ze.nextDue()
	if !ok {
		return
	}
	d := time.Until(t)
	ze.scheduler.Schedule(ze.heapEvent, d)
}

// ScheduleAt updates time[kind] if: the slot is empty, or t is earlier
// than the current value, or t is the zero Instant (unschedule) and
// forced[kind] is false. If the next due event changes, the TimeHeap is
// re-armed. This is the single-kind form of events.c's variadic
// "_zone_events_schedule_at", which performs a batch update of several
// kinds under one critical section — see ScheduleAtMany.
func (ze *ZoneEvents) ScheduleAt(kind EventKind, t time.Time) {
	ze.ScheduleAtMany(map[EventKind]time.Time{kind: t})
}

// ScheduleAtMany atomically updates several kinds' due times under a
// single critical section, matching events.c's batch-update contract:
// compute all new times, then install them together.
func (ze *ZoneEvents) ScheduleAtMany(updates map[EventKind]time.Time) {
	ze.rescheduleLock.Lock()
	defer ze.rescheduleLock.Unlock()
	ze.mx.Lock()
	defer ze.mx.Unlock()

	for kind, t := range updates {
		cur := ze.time[kind]
		if t.IsZero() {
			if !ze.forced[kind] {
				ze.time[kind] = time.Time{}
			}
			continue
		}
		if cur.IsZero() || t.Before(cur) {
			ze.time[kind] = t
		}
	}
	ze.rearm()
}

// ScheduleNow is shorthand for ScheduleAt(kind, now+1ms). Freezable kinds
// while ufrozen are still recorded here — they queue but dispatch skips
// them until Uthaw.
func (ze *ZoneEvents) ScheduleNow(kind EventKind) {
	ze.ScheduleAt(kind, time.Now().Add(time.Millisecond))
}

// ScheduleUser forces kind to run regardless of ufreeze, then schedules
// it now.
func (ze *ZoneEvents) ScheduleUser(kind EventKind) {
	ze.mx.Lock()
	ze.forced[kind] = true
	ze.mx.Unlock()
	ze.ScheduleNow(kind)
}

// ScheduleBlocking installs a waitable in blocking[kind]; if one is
// already present, this call first waits for the previous blocker to
// finish. After scheduling kind as a forced user event, it waits for
// completion and returns the handler's result exactly once — matching
// zone_events_schedule_blocking's hand-off semantics (S3, S5 in
// spec.md §8).
func (ze *ZoneEvents) ScheduleBlocking(kind EventKind) ErrorCode {
	ze.mx.Lock()
	for ze.blocking[kind] != nil {
		prev := ze.blocking[kind]
		ze.mx.Unlock()
		prev.wait()
		ze.mx.Lock()
	}
	b := newBlocker()
	ze.blocking[kind] = b
	ze.mx.Unlock()

	ze.ScheduleUser(kind)

	result := b.wait()

	ze.mx.Lock()
	if ze.blocking[kind] == b {
		ze.blocking[kind] = nil
	}
	ze.mx.Unlock()

	return result
}

// Enqueue is the fast path: if the zone is idle and not frozen (and, for
// freezable kinds, not ufrozen), it marks the zone running and hands the
// task directly to the worker pool, skipping the TimeHeap entirely. Else
// it falls back to ScheduleNow.
func (ze *ZoneEvents) Enqueue(kind EventKind) {
	ze.mx.Lock()
	idle := !ze.running
	eligible := !ze.frozen && (!ze.ufrozen || !kind.Freezable())
	if idle && eligible {
		ze.running = true
		ze.currentKind = kind
		ze.time[kind] = time.Time{}
		ze.forced[kind] = false
		ze.mx.Unlock()
		ze.scheduler.pool.Assign(&Task{Run: func() { ze.runHandler(kind) }})
		return
	}
	ze.mx.Unlock()
	ze.ScheduleNow(kind)
}

// Freeze sets frozen and cancels the pending TimeHeap wakeup. No new
// events dispatch while frozen. FreezeBlocking additionally waits for
// the currently running handler, if any, to finish (S3 in spec.md §8).
func (ze *ZoneEvents) Freeze() {
	ze.rescheduleLock.Lock()
	defer ze.rescheduleLock.Unlock()
	ze.mx.Lock()
	ze.frozen = true
	ze.mx.Unlock()
	ze.scheduler.Cancel(ze.heapEvent)
}

func (ze *ZoneEvents) FreezeBlocking() {
	ze.Freeze()
	ze.mx.Lock()
	for ze.running {
		ze.runEnd.Wait()
	}
	ze.mx.Unlock()
}

// Start clears frozen and re-arms the next event.
func (ze *ZoneEvents) Start() {
	ze.rescheduleLock.Lock()
	defer ze.rescheduleLock.Unlock()
	ze.mx.Lock()
	ze.frozen = false
	ze.rearm()
	ze.mx.Unlock()
}

// Ufreeze sets ufrozen: true. While ufrozen, freezable kinds accumulate
// in the event table but dispatch skips them.
func (ze *ZoneEvents) Ufreeze() {
	ze.mx.Lock()
	ze.ufrozen = true
	ze.mx.Unlock()
}

// Uthaw clears ufrozen and re-arms, so any freezable kind that
// accumulated while frozen fires in scheduled-time order.
func (ze *ZoneEvents) Uthaw() {
	ze.rescheduleLock.Lock()
	defer ze.rescheduleLock.Unlock()
	ze.mx.Lock()
	ze.ufrozen = false
	ze.rearm()
	ze.mx.Unlock()
}

// dispatch is the TimeHeap callback: under mx, it picks the earliest
// eligible event (forced, or not ufrozen, or not freezable), clears its
// slot, marks the zone running, then hands it to the worker pool.
func (ze *ZoneEvents) dispatch() {
	ze.mx.Lock()
	if ze.running || ze.frozen {
		ze.mx.Unlock()
		return
	}
	kind, ok := ze.pickEligible()
	if !ok {
		ze.mx.Unlock()
		return
	}
	ze.time[kind] = time.Time{}
	ze.forced[kind] = false
	ze.running = true
	ze.currentKind = kind
	ze.rearm()
	ze.mx.Unlock()

	ze.scheduler.pool.Assign(&Task{Run: func() { ze.runHandler(kind) }})
}

// pickEligible returns the earliest-due event kind whose eligibility
// condition holds. Called with mx held.
func (ze *ZoneEvents) pickEligible() (EventKind, bool) {
	now := time.Now()
	var bestKind EventKind
	found := false
	var bestTime time.Time
	for k := EventKind(0); k < numEventKinds; k++ {
		t := ze.time[k]
		if t.IsZero() || t.After(now) {
			continue
		}
		eligible := ze.forced[k] || !ze.ufrozen || !k.Freezable()
		if !eligible {
			continue
		}
		if !found || t.Before(bestTime) || (t.Equal(bestTime) && k < bestKind) {
			bestKind, bestTime, found = k, t, true
		}
	}
	return bestKind, found
}

// runHandler executes the handler outside mx (I/O and crypto calls must
// never hold the event-table lock across a suspension point), then
// reacquires mx to clear running, record the result, signal any blocking
// waiter, broadcast runEnd, and re-arm.
func (ze *ZoneEvents) runHandler(kind EventKind) {
	handler, ok := ze.handlers[kind]
	var code ErrorCode
	if !ok {
		code = ErrInvalid
	} else {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("zone %s: event %s handler panicked: %v", ze.zd.ZoneName, kind, r)
					code = ErrFatal
				}
			}()
			code = handler(ze.zd.config(), ze.zd)
		}()
	}
	if code != NoErrorCode {
		log.Printf("zone %s: event %s returned %s", ze.zd.ZoneName, kind, code)
	}

	ze.rescheduleLock.Lock()
	ze.mx.Lock()
	ze.running = false
	ze.result[kind] = code
	if b := ze.blocking[kind]; b != nil {
		b.signal(code)
	}
	ze.runEnd.Broadcast()
	ze.rearm()
	ze.mx.Unlock()
	ze.rescheduleLock.Unlock()
}

// Result returns the last recorded result for kind.
func (ze *ZoneEvents) Result(kind EventKind) ErrorCode {
	ze.mx.Lock()
	defer ze.mx.Unlock()
	return ze.result[kind]
}

// IsRunning reports whether a handler is currently executing for this
// zone, and which kind.
func (ze *ZoneEvents) IsRunning() (EventKind, bool) {
	ze.mx.Lock()
	defer ze.mx.Unlock()
	return ze.currentKind, ze.running
}
