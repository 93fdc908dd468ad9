/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tdns

// Daemon wiring: ties the EventScheduler and WorkerPool (spec.md §4.1-
// 4.3) to each configured zone's ZoneEvents, Journal, and Signer, and
// runs the consumer loop that turns a parsed zone configuration
// (ParseZones' ZoneRefresher messages) into a registered, schedulable
// zone. Grounded on the shape main_initfuncs.go used to wire these same
// pieces together before daemon startup.

import (
	"log"
	"runtime"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/zonedaemon/tdnsd/tdns/ixfr"
)

// StartEngine brings up the shared EventScheduler and WorkerPool and
// starts the zone-refresher consumer loop. Call once at daemon startup,
// after ParseConfig but before ParseZones begins sending ZoneRefresher
// messages.
func StartEngine(conf *Config) {
	ixfr.SetLoggerHandle(log.Printf)

	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	pool := NewWorkerPool(workers)
	pool.Start()

	scheduler := NewEventScheduler(pool)
	scheduler.Start()

	conf.Internal.Pool = pool
	conf.Internal.Scheduler = scheduler

	if conf.Internal.RefreshZoneCh == nil {
		conf.Internal.RefreshZoneCh = make(chan ZoneRefresher, 16)
	}
	if conf.Internal.UpdateQ == nil {
		conf.Internal.UpdateQ = make(chan UpdateRequest, 16)
	}

	go RunZoneRefreshConsumer(conf)
}

// StopEngine tears down the scheduler and worker pool, in that order so
// no in-flight dispatch is left orphaned mid-assignment.
func StopEngine(conf *Config) {
	if conf.Internal.Scheduler != nil {
		conf.Internal.Scheduler.Stop()
		conf.Internal.Scheduler.Join()
	}
	if conf.Internal.Pool != nil {
		conf.Internal.Pool.Stop()
		conf.Internal.Pool.Join()
	}
}

// RunZoneRefreshConsumer drains conf.Internal.RefreshZoneCh, turning
// each ZoneRefresher into a registered *ZoneData wired with its Events,
// Journal, and Signer, then kicks off its initial load.
func RunZoneRefreshConsumer(conf *Config) {
	for r := range conf.Internal.RefreshZoneCh {
		zd := setupZone(conf, r)
		Zones.Set(zd.ZoneName, zd)

		zd.Events.ScheduleUser(EventLoad)

		if r.Response != nil {
			r.Response <- RefresherResponse{Zone: zd.ZoneName, Msg: "zone registered, load scheduled"}
		}
	}
}

// setupZone materializes a *ZoneData for r and wires its per-zone
// components. Reuses the existing entry in Zones if one is already
// registered for this name (a reload), so in-flight ZoneEvents state
// is not discarded out from under a running handler.
func setupZone(conf *Config, r ZoneRefresher) *ZoneData {
	zd, existing := Zones.Get(r.Name)
	if !existing {
		zd = &ZoneData{
			ZoneName: r.Name,
			Data:     cmap.New[OwnerData](),
		}
	}

	zd.ZoneType = r.ZoneType
	zd.Upstream = r.Primary
	zd.Downstreams = r.Notify
	zd.ZoneStore = r.ZoneStore
	zd.Zonefile = r.Zonefile
	zd.Options = r.Options
	zd.UpdatePolicy = r.UpdatePolicy
	zd.KeyDB = conf.Internal.KeyDB
	zd.Logger = log.Default()

	if r.DnssecPolicy != "" {
		if pol, ok := conf.Internal.DnssecPolicies[r.DnssecPolicy]; ok {
			zd.DnssecPolicy = &pol
		}
	}

	if zd.KeyDB != nil {
		backend := journalBackendFor(conf, zd.KeyDB)
		zd.Journal = NewJournal(zd.ZoneName, backend)
		zd.Signer = NewSigner(zd, zd.KeyDB)
	}

	if zd.Events == nil {
		zd.Events = NewZoneEvents(zd, conf.Internal.Scheduler, DefaultHandlers())
	}
	zd.AttachConfig(conf)

	return zd
}

var sharedMysqlJournalBackend JournalBackend

// journalBackendFor picks the journal's storage backend: MySQL when
// db.mysqldsn is configured (shared across all zones, opened once), sqlite
// against the KASP database otherwise.
func journalBackendFor(conf *Config, kdb *KeyDB) JournalBackend {
	if conf.Db.MysqlDSN == "" {
		return NewSqliteJournalBackend(kdb)
	}
	if sharedMysqlJournalBackend == nil {
		backend, err := NewMysqlJournalBackend(conf.Db.MysqlDSN)
		if err != nil {
			log.Printf("journalBackendFor: falling back to sqlite, mysql backend unavailable: %v", err)
			return NewSqliteJournalBackend(kdb)
		}
		sharedMysqlJournalBackend = backend
	}
	return sharedMysqlJournalBackend
}
