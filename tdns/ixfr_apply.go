/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tdns

// Applies the diff sequences produced by the ixfr subpackage to a
// zone's live data store and journal, so an incoming IXFR response is
// processed as a true incremental update rather than a full reload.

import (
	"fmt"

	"github.com/miekg/dns"

	"github.com/zonedaemon/tdnsd/tdns/ixfr"
)

// applyIxfrMessage turns an IXFR response into a chain of Changesets,
// applies each to zd.Data in order, and journals it. Returns the final
// SOA serial reached, or an error if the response was malformed or a
// diff sequence could not be applied.
func applyIxfrMessage(zd *ZoneData, msg *dns.Msg) (uint32, error) {
	if len(msg.Answer) < 2 {
		return 0, fmt.Errorf("applyIxfrMessage: zone %s: response too short for IXFR", zd.ZoneName)
	}

	ix := ixfr.IxfrFromResponse(msg)
	if ix.IsAxfr {
		return 0, errNotIncremental
	}

	serial := zd.IncomingSerial
	for _, ds := range ix.DiffSequences {
		cs := &Changeset{
			ZoneName:   zd.ZoneName,
			FromSerial: ds.StartSOASerial,
			ToSerial:   ds.EndSOASerial,
		}
		for _, rr := range ds.DeletedRecords {
			if rr.Header().Rrtype == dns.TypeSOA {
				continue
			}
			if err := removeRRFromOwner(zd, rr); err != nil {
				return 0, fmt.Errorf("applyIxfrMessage: zone %s: %v", zd.ZoneName, err)
			}
			cs.Removals = append(cs.Removals, RRset{Name: rr.Header().Name, RRtype: rr.Header().Rrtype, RRs: []dns.RR{rr}})
		}
		for _, rr := range ds.AddedRecords {
			if rr.Header().Rrtype == dns.TypeSOA {
				continue
			}
			if err := addRRToOwner(zd, rr); err != nil {
				return 0, fmt.Errorf("applyIxfrMessage: zone %s: %v", zd.ZoneName, err)
			}
			cs.Additions = append(cs.Additions, RRset{Name: rr.Header().Name, RRtype: rr.Header().Rrtype, RRs: []dns.RR{rr}})
		}

		if zd.Journal != nil {
			if err := zd.Journal.Insert(cs); err != nil {
				zd.Logger.Printf("applyIxfrMessage: zone %s: journal insert failed: %v", zd.ZoneName, err)
			}
		}
		serial = ds.EndSOASerial
	}

	zd.CurrentSerial = serial
	zd.IncomingSerial = serial
	zd.ComputeIndices()

	return serial, nil
}

var errNotIncremental = fmt.Errorf("ixfr response was a full transfer, not an incremental one")

// addRRToOwner inserts rr into the RRset for its owner and type,
// creating the owner and RRset if they do not yet exist.
func addRRToOwner(zd *ZoneData, rr dns.RR) error {
	name := rr.Header().Name
	rrt := rr.Header().Rrtype

	owner, _ := zd.GetOwner(name)

	rrset := owner.RRtypes.GetOnlyRRSet(rrt)
	rrset.Name = name
	rrset.RRtype = rrt
	for _, existing := range rrset.RRs {
		if existing.String() == rr.String() {
			return nil
		}
	}
	rrset.RRs = append(rrset.RRs, rr)
	owner.RRtypes.Set(rrt, rrset)
	zd.Data.Set(name, *owner)
	return nil
}

// removeRRFromOwner deletes rr from its owner's RRset, dropping the
// RRset entirely once it is empty.
func removeRRFromOwner(zd *ZoneData, rr dns.RR) error {
	name := rr.Header().Name
	rrt := rr.Header().Rrtype

	owner, _ := zd.GetOwner(name)

	rrset := owner.RRtypes.GetOnlyRRSet(rrt)
	kept := rrset.RRs[:0]
	for _, existing := range rrset.RRs {
		if existing.String() != rr.String() {
			kept = append(kept, existing)
		}
	}
	rrset.RRs = kept
	if len(rrset.RRs) == 0 {
		owner.RRtypes.Delete(rrt)
	} else {
		owner.RRtypes.Set(rrt, rrset)
	}
	zd.Data.Set(name, *owner)
	return nil
}
