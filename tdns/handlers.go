/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tdns

// The twelve EventHandlers of spec.md §4.6, each implementing the shared
// contract handle(conf, zone) -> ErrorCode: they read from an RCU
// snapshot, mutate the zone's working copy (zd.Data) or consult its
// journal/signer, then re-arm follow-up events.

import (
	"log"
	"time"

	"github.com/miekg/dns"
)

// DefaultHandlers returns the EventKind -> EventHandlerFunc table wired
// into every zone's ZoneEvents by the daemon's startup sequence.
func DefaultHandlers() map[EventKind]EventHandlerFunc {
	return map[EventKind]EventHandlerFunc{
		EventLoad:       HandleLoad,
		EventRefresh:    HandleRefresh,
		EventUpdate:     HandleUpdate,
		EventExpire:     HandleExpire,
		EventFlush:      HandleFlush,
		EventBackup:     HandleBackup,
		EventNotify:     HandleNotify,
		EventDnssec:     HandleDnssec,
		EventValidate:   HandleValidate,
		EventDsCheck:    HandleDsCheck,
		EventDsPush:     HandleDsPush,
		EventDnskeySync: HandleDnskeySync,
	}
}

// buildContentsFromData folds the zone's working copy (zd.Data) into a
// fresh, immutable ZoneContents ready for PublishContents — the
// handoff point between the mutable per-name store that signing and
// update operations touch directly and the RCU snapshot queries and
// transfers read.
func buildContentsFromData(zd *ZoneData) (*ZoneContents, error) {
	zc := NewZoneContents(zd.ZoneName)

	names, err := zd.GetOwnerNames()
	if err != nil {
		return nil, err
	}

	var serial uint32
	for _, name := range names {
		owner, err := zd.GetOwner(name)
		if err != nil {
			return nil, err
		}
		for _, rrt := range owner.RRtypes.Keys() {
			rrset := owner.RRtypes.GetOnlyRRSet(rrt)
			zc.addRRset(rrset)
			if rrt == dns.TypeSOA && name == zd.ZoneName && len(rrset.RRs) > 0 {
				if soa, ok := rrset.RRs[0].(*dns.SOA); ok {
					serial = soa.Serial
				}
			}
		}
	}
	zc.Serial = serial
	return zc, nil
}

// loadDataFromContents seeds zd.Data (the mutable working copy) from an
// existing ZoneContents, the inverse of buildContentsFromData. Nothing in
// the package calls it.
func loadDataFromContents(zd *ZoneData, zc *ZoneContents) {
	for name, node := range zc.Nodes {
		owner, _ := zd.GetOwner(name)
		for rrt, rrset := range node.RRsets {
			owner.RRtypes.Set(rrt, rrset)
		}
	}
}

// HandleLoad parses the zonefile when one is configured, publishes the
// working copy as a new ZoneContents, stores that snapshot as the
// journal's baseline, and schedules the dnssec/refresh/notify follow-ups.
// With no zonefile configured it publishes whatever zd.Data already
// holds; it does not read a baseline back from the journal.
func HandleLoad(conf *Config, zd *ZoneData) ErrorCode {
	if zd.Zonefile != "" {
		if _, _, err := zd.ReadZoneFile(zd.Zonefile, true); err != nil {
			log.Printf("HandleLoad: zone %s: %v", zd.ZoneName, err)
			return ErrInvalid
		}
	}

	zc, err := buildContentsFromData(zd)
	if err != nil {
		log.Printf("HandleLoad: zone %s: %v", zd.ZoneName, err)
		return ErrInvalid
	}
	zd.PublishContents(zc)

	if zd.Journal != nil {
		if err := zd.Journal.InsertZone(zc); err != nil {
			log.Printf("HandleLoad: zone %s: journal insert_zone: %v", zd.ZoneName, err)
		}
	}

	zd.Ready = true

	if zd.Options[OptOnlineSigning] {
		zd.Events.ScheduleNow(EventDnssec)
	}
	if zd.ZoneType == Secondary {
		zd.Events.ScheduleAt(EventRefresh, refreshDueTime(zc))
	}
	zd.Events.ScheduleNow(EventNotify)
	return NoErrorCode
}

func refreshDueTime(zc *ZoneContents) time.Time {
	if soaset := zc.LookupRRset(zc.Apex, dns.TypeSOA); soaset != nil && len(soaset.RRs) > 0 {
		if soa, ok := soaset.RRs[0].(*dns.SOA); ok {
			return time.Now().Add(time.Duration(soa.Refresh) * time.Second)
		}
	}
	return time.Now().Add(time.Duration(zc.MaxTTL) * time.Second)
}

// HandleRefresh transfers the zone from the configured primary with an
// AXFR; it makes no SOA probe first and does not request IXFR. When the
// serial changed it swaps ZoneContents, inserts a changeset carrying the
// new SOA into the journal, and schedules notify plus the next refresh
// at the new SOA's refresh interval; an unchanged serial schedules the
// next refresh after defaultRefreshInterval.
func HandleRefresh(conf *Config, zd *ZoneData) ErrorCode {
	if zd.ZoneType != Secondary {
		return NoErrorCode
	}
	if zd.Upstream == "" {
		log.Printf("HandleRefresh: zone %s has no configured primary", zd.ZoneName)
		return ErrInvalid
	}

	fromSerial := zd.CurrentSerial
	newSerial, err := zd.ZoneTransferIn(zd.Upstream, fromSerial, "")
	if err != nil {
		log.Printf("HandleRefresh: zone %s: %v", zd.ZoneName, err)
		return ErrTimeout
	}
	if newSerial == fromSerial {
		zd.Events.ScheduleAt(EventRefresh, time.Now().Add(defaultRefreshInterval))
		return NoErrorCode
	}

	zc, err := buildContentsFromData(zd)
	if err != nil {
		log.Printf("HandleRefresh: zone %s: %v", zd.ZoneName, err)
		return ErrInvalid
	}
	zd.PublishContents(zc)

	if zd.Journal != nil {
		cs := &Changeset{ZoneName: zd.ZoneName, FromSerial: fromSerial, ToSerial: newSerial}
		if apex, ok := zd.Data.Get(zd.ZoneName); ok {
			if soaset, ok := apex.RRtypes.Get(dns.TypeSOA); ok && len(soaset.RRs) > 0 {
				cs.SoaTo = soaset.RRs[0]
				cs.Additions = []RRset{soaset}
			}
		}
		if err := zd.Journal.Insert(cs); err != nil {
			log.Printf("HandleRefresh: zone %s: journal insert: %v", zd.ZoneName, err)
		}
	}

	zd.Events.ScheduleNow(EventNotify)
	zd.Events.ScheduleAt(EventRefresh, refreshDueTime(zc))
	return NoErrorCode
}

const defaultRefreshInterval = 3600 * time.Second

// HandleUpdate applies a validated DDNS changeset (the result of
// ValidateUpdate) to the zone's working copy, writes it to the journal,
// publishes the result, and schedules dnssec plus notify.
func HandleUpdate(conf *Config, zd *ZoneData) ErrorCode {
	select {
	case req := <-conf.Internal.UpdateQ:
		if req.ZoneName != zd.ZoneName {
			// not for this zone; requeue and let the owning zone pick it up
			go func() { conf.Internal.UpdateQ <- req }()
			return NoErrorCode
		}
		return applyUpdate(zd, req)
	default:
		return NoErrorCode
	}
}

func applyUpdate(zd *ZoneData, req UpdateRequest) ErrorCode {
	fromSerial := zd.CurrentSerial

	for _, rr := range req.Actions {
		owner, err := zd.GetOwner(rr.Header().Name)
		if err != nil {
			reportUpdateStatus(req, err)
			return ErrInvalid
		}
		rrset := owner.RRtypes.GetOnlyRRSet(rr.Header().Rrtype)
		rrset.Name = rr.Header().Name
		rrset.RRtype = rr.Header().Rrtype
		if rr.Header().Class == dns.ClassNONE {
			rrset.RRs = removeRR(rrset.RRs, rr)
		} else {
			rrset.RRs = append(rrset.RRs, rr)
		}
		owner.RRtypes.Set(rr.Header().Rrtype, rrset)
	}

	toSerial, err := zd.BumpSerial()
	if err != nil {
		reportUpdateStatus(req, err)
		return ErrInvalid
	}

	zc, err := buildContentsFromData(zd)
	if err != nil {
		reportUpdateStatus(req, err)
		return ErrInvalid
	}
	zd.PublishContents(zc)

	if zd.Journal != nil {
		cs := &Changeset{ZoneName: zd.ZoneName, FromSerial: fromSerial, ToSerial: toSerial}
		if apex, ok := zd.Data.Get(zd.ZoneName); ok {
			if soaset, ok := apex.RRtypes.Get(dns.TypeSOA); ok && len(soaset.RRs) > 0 {
				cs.SoaTo = soaset.RRs[0]
				cs.Additions = []RRset{soaset}
			}
		}
		if err := zd.Journal.Insert(cs); err != nil {
			log.Printf("HandleUpdate: zone %s: journal insert: %v", zd.ZoneName, err)
		}
	}

	reportUpdateStatus(req, nil)

	if zd.Options[OptOnlineSigning] {
		zd.Events.ScheduleNow(EventDnssec)
	}
	zd.Events.ScheduleNow(EventNotify)
	return NoErrorCode
}

func reportUpdateStatus(req UpdateRequest, err error) {
	if req.Status == nil {
		return
	}
	if err != nil {
		req.Status.Error = true
		req.Status.ErrorMsg = err.Error()
	}
	req.Status.Validated = req.Validated
}

func removeRR(rrs []dns.RR, target dns.RR) []dns.RR {
	out := rrs[:0]
	for _, rr := range rrs {
		if rr.String() == target.String() {
			continue
		}
		out = append(out, rr)
	}
	return out
}

// HandleExpire marks a secondary zone as expired once its SOA expire
// interval has elapsed without a successful refresh, per RFC 1035 §4.3.5.
func HandleExpire(conf *Config, zd *ZoneData) ErrorCode {
	if zd.ZoneType != Secondary {
		return NoErrorCode
	}
	zd.SetError(RefreshError, "zone %s expired: no successful refresh within the SOA expire interval", zd.ZoneName)
	zd.Ready = false
	return NoErrorCode
}

// HandleFlush writes the current ZoneContents to the zonefile, in
// response to journal occupancy pressure or an explicit control request.
func HandleFlush(conf *Config, zd *ZoneData) ErrorCode {
	if zd.Zonefile == "" {
		return NoErrorCode
	}
	if _, err := zd.WriteFile(zd.Zonefile); err != nil {
		log.Printf("HandleFlush: zone %s: %v", zd.ZoneName, err)
		return ErrInvalid
	}
	if zd.Journal != nil {
		zc := zd.Contents()
		if zc != nil {
			if err := zd.Journal.InsertZone(zc); err != nil {
				log.Printf("HandleFlush: zone %s: journal rebaseline: %v", zd.ZoneName, err)
			}
		}
	}
	return NoErrorCode
}

// HandleBackup writes the zone's current data as a zonefile into a backup
// directory via BackupZone; the journal, key store and KASP DB are not
// copied, and no atomic snapshot of them is taken. The control socket's explicit
// backup/restore commands (apiserver.go) supply their own destination;
// this handler drives a backup triggered internally (e.g. before a risky
// dnssec operation) into the daemon's configured backup directory.
func HandleBackup(conf *Config, zd *ZoneData) ErrorCode {
	dir := conf.Service.BackupDir
	if dir == "" {
		return NoErrorCode
	}
	if _, err := BackupZone(zd, dir); err != nil {
		log.Printf("HandleBackup: zone %s: %v", zd.ZoneName, err)
		return ErrInvalid
	}
	return NoErrorCode
}

// HandleNotify sends NOTIFY to every configured downstream secondary.
func HandleNotify(conf *Config, zd *ZoneData) ErrorCode {
	zc := zd.Contents()
	if zc == nil {
		return NoErrorCode
	}
	m := new(dns.Msg)
	m.SetNotify(zd.ZoneName)

	for _, downstream := range zd.Downstreams {
		go func(addr string) {
			c := new(dns.Client)
			if _, _, err := c.Exchange(m, addr); err != nil {
				log.Printf("HandleNotify: zone %s: notify to %s failed: %v", zd.ZoneName, addr, err)
			}
		}(downstream)
	}
	return NoErrorCode
}

// HandleDnssec (re-)signs the zone, generating or promoting keys as
// needed, per sign.go's SignZone.
func HandleDnssec(conf *Config, zd *ZoneData) ErrorCode {
	if !zd.Options[OptOnlineSigning] {
		return NoErrorCode
	}
	if zd.Signer == nil {
		return ErrInvalid
	}
	n, err := zd.Signer.SignZone(false)
	if err != nil {
		log.Printf("HandleDnssec: zone %s: %v", zd.ZoneName, err)
		return ErrInvalid
	}
	if n > 0 {
		zc, err := buildContentsFromData(zd)
		if err != nil {
			log.Printf("HandleDnssec: zone %s: %v", zd.ZoneName, err)
			return ErrInvalid
		}
		zd.PublishContents(zc)
		log.Printf("HandleDnssec: zone %s: %d RRsets (re)signed", zd.ZoneName, n)
	}
	return NoErrorCode
}

// HandleValidate validates incoming RRSIGs against the zone's trust
// anchors (parent-zone delegation validation is out of scope here; this
// covers self-consistency of a zone's own signed contents).
func HandleValidate(conf *Config, zd *ZoneData) ErrorCode {
	if !zd.Options[OptOnlineSigning] || zd.Signer == nil {
		return NoErrorCode
	}
	zc := zd.Contents()
	if zc == nil {
		return NoErrorCode
	}
	for _, node := range zc.Nodes {
		for _, rrset := range node.RRsets {
			for _, rrsigRR := range rrset.RRSIGs {
				rrsig, ok := rrsigRR.(*dns.RRSIG)
				if !ok {
					continue
				}
				key, err := zd.Signer.ActiveKeyFor(rrsig.KeyTag)
				if err != nil {
					continue
				}
				if err := zd.Signer.Validate(rrsig, rrset.RRs, key, time.Now(), time.Hour, false); err != nil {
					log.Printf("HandleValidate: zone %s: %s %s: %v", zd.ZoneName, node.Name, dns.TypeToString[rrset.RRtype], err)
				}
			}
		}
	}
	return NoErrorCode
}

// HandleDsCheck checks whether the parent's published DS RRset matches
// this zone's current KSK(s); a mismatch schedules a ds_push retry.
func HandleDsCheck(conf *Config, zd *ZoneData) ErrorCode {
	if zd.KeyDB == nil {
		return NoErrorCode
	}
	dak, err := zd.KeyDB.GetDnssecKeys(zd.ZoneName, DnskeyStateActive)
	if err != nil {
		log.Printf("HandleDsCheck: zone %s: %v", zd.ZoneName, err)
		return ErrInvalid
	}
	if len(dak.KSKs) == 0 {
		return NoErrorCode
	}

	m := new(dns.Msg)
	m.SetQuestion(zd.ZoneName, dns.TypeDS)
	c := new(dns.Client)
	r, _, err := c.Exchange(m, "127.0.0.1:53")
	if err != nil {
		log.Printf("HandleDsCheck: zone %s: DS lookup failed: %v", zd.ZoneName, err)
		return NoErrorCode
	}

	have := map[uint16]bool{}
	for _, rr := range r.Answer {
		if ds, ok := rr.(*dns.DS); ok {
			have[ds.KeyTag] = true
		}
	}
	for _, ksk := range dak.KSKs {
		if !have[ksk.DnskeyRR.KeyTag()] {
			log.Printf("HandleDsCheck: zone %s: KSK %d missing from parent DS RRset, scheduling ds_push", zd.ZoneName, ksk.DnskeyRR.KeyTag())
			zd.Events.ScheduleNow(EventDsPush)
			return NoErrorCode
		}
	}
	return NoErrorCode
}

// HandleDsPush submits this zone's KSK(s) to the parent via CDS per
// RFC 7344/8078. The actual registrar transport is deployment specific;
// here a CDS RRset is published into the zone for a registrar scanner
// (or Registrars-configured transport) to pick up. No CSYNC RRset is
// generated.
func HandleDsPush(conf *Config, zd *ZoneData) ErrorCode {
	if zd.KeyDB == nil {
		return NoErrorCode
	}
	dak, err := zd.KeyDB.GetDnssecKeys(zd.ZoneName, DnskeyStateActive)
	if err != nil {
		log.Printf("HandleDsPush: zone %s: %v", zd.ZoneName, err)
		return ErrInvalid
	}
	if len(dak.KSKs) == 0 {
		return NoErrorCode
	}

	apex, err := zd.GetOwner(zd.ZoneName)
	if err != nil {
		return ErrInvalid
	}
	cdsset := apex.RRtypes.GetOnlyRRSet(dns.TypeCDS)
	cdsset.Name = zd.ZoneName
	cdsset.RRtype = dns.TypeCDS
	cdsset.RRs = nil
	for _, ksk := range dak.KSKs {
		ds := DSRecord(&ksk.DnskeyRR, dns.SHA256)
		cds := &dns.CDS{DS: *ds}
		cds.Hdr = dns.RR_Header{Name: zd.ZoneName, Rrtype: dns.TypeCDS, Class: dns.ClassINET, Ttl: 3600}
		cdsset.RRs = append(cdsset.RRs, cds)
	}
	apex.RRtypes.Set(dns.TypeCDS, cdsset)

	log.Printf("HandleDsPush: zone %s: published %d CDS record(s) for registrar pickup", zd.ZoneName, len(cdsset.RRs))
	return NoErrorCode
}

// HandleDnskeySync reconciles the zone's published DNSKEY RRset with its
// KeyDB active/published keys, used by multi-signer deployments to keep
// cooperating signers' key sets converged.
func HandleDnskeySync(conf *Config, zd *ZoneData) ErrorCode {
	if zd.KeyDB == nil {
		return NoErrorCode
	}
	dak, err := zd.KeyDB.GetDnssecKeys(zd.ZoneName, DnskeyStateActive)
	if err != nil {
		log.Printf("HandleDnskeySync: zone %s: %v", zd.ZoneName, err)
		return ErrInvalid
	}
	if err := zd.PublishDnskeyRRs(dak); err != nil {
		log.Printf("HandleDnskeySync: zone %s: %v", zd.ZoneName, err)
		return ErrInvalid
	}
	return NoErrorCode
}
