/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tdns

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// FindZone returns the ZoneData for the zone that is authoritative for
// qname: the entry in Zones whose name is the longest suffix match of
// qname. Returns nil, nil if no configured zone covers qname at all.
func FindZone(qname string) (*ZoneData, error) {
	qname = dns.Fqdn(qname)
	labels := dns.SplitDomainName(qname)
	if labels == nil {
		labels = []string{}
	}

	for i := 0; i <= len(labels); i++ {
		candidate := dns.Fqdn(strings.Join(labels[i:], "."))
		if zd, ok := Zones.Get(candidate); ok {
			return zd, nil
		}
	}
	return nil, nil
}

// NameExists reports whether qname has any data in this zone's working
// copy (zd.Data), the live per-name store that update and signing
// operations mutate directly.
func (zd *ZoneData) NameExists(qname string) bool {
	_, ok := zd.Data.Get(dns.Fqdn(qname))
	return ok
}

// IsChildDelegation reports whether qname names an existing delegation
// point below this zone's apex: an owner name, strictly below the apex,
// that carries an NS RRset.
func (zd *ZoneData) IsChildDelegation(qname string) bool {
	qname = dns.Fqdn(qname)
	if qname == zd.ZoneName {
		return false
	}
	owner, ok := zd.Data.Get(qname)
	if !ok {
		return false
	}
	_, exists := owner.RRtypes.Get(dns.TypeNS)
	return exists
}

// BumpSerial increments the zone's SOA serial in the working copy
// (zd.Data) by one RFC 1982 step and returns the new value. Callers that
// mutate zone content directly (key management, online signing) call
// this before folding their changes into a fresh ZoneContents publish.
func (zd *ZoneData) BumpSerial() (uint32, error) {
	apex, err := zd.GetOwner(zd.ZoneName)
	if err != nil {
		return 0, err
	}

	soaset, ok := apex.RRtypes.Get(dns.TypeSOA)
	if !ok || len(soaset.RRs) == 0 {
		return 0, fmt.Errorf("BumpSerial: zone %s has no SOA RR", zd.ZoneName)
	}

	soa, ok := soaset.RRs[0].(*dns.SOA)
	if !ok {
		return 0, fmt.Errorf("BumpSerial: zone %s apex SOA RRset holds a non-SOA RR", zd.ZoneName)
	}

	soa.Serial = SerialAdd(soa.Serial, 1)
	apex.RRtypes.Set(dns.TypeSOA, soaset)
	zd.CurrentSerial = soa.Serial
	return soa.Serial, nil
}

// ValidateUpdate verifies the SIG(0) record closing a DNS UPDATE message
// against the zone's own published KEY RRset, per RFC 2931. It returns
// the response code to send the client and the owner name of the key
// that produced a valid signature, if any.
func (zd *ZoneData) ValidateUpdate(r *dns.Msg) (uint8, string, error) {
	if len(r.Extra) == 0 {
		return dns.RcodeRefused, "", nil // no SIG(0): the non-success rcode tells the caller the update is not validated
	}

	var sig *dns.SIG
	for _, rr := range r.Extra {
		if s, ok := rr.(*dns.SIG); ok {
			sig = s
			break
		}
	}
	if sig == nil {
		return dns.RcodeRefused, "", nil
	}

	signername := dns.Fqdn(sig.Header().Name)

	keyzd, err := FindZone(signername)
	if err != nil {
		return dns.RcodeServerFailure, "", err
	}
	if keyzd == nil {
		return dns.RcodeRefused, signername, fmt.Errorf("ValidateUpdate: no zone found for signer %q", signername)
	}

	owner, err := keyzd.GetOwner(signername)
	if err != nil {
		return dns.RcodeServerFailure, signername, err
	}

	keyset, ok := owner.RRtypes.Get(dns.TypeKEY)
	if !ok || len(keyset.RRs) == 0 {
		return dns.RcodeRefused, signername, fmt.Errorf("ValidateUpdate: no KEY RRset published for %q", signername)
	}

	buf, err := r.Pack()
	if err != nil {
		return dns.RcodeServerFailure, signername, err
	}

	for _, krr := range keyset.RRs {
		key, ok := krr.(*dns.KEY)
		if !ok {
			continue
		}
		if sig.KeyTag != key.KeyTag() {
			continue
		}
		if err := sig.Verify(key, buf); err == nil {
			return dns.RcodeSuccess, signername, nil
		}
	}

	return dns.RcodeBadSig, signername, fmt.Errorf("ValidateUpdate: no published key for %q validated the SIG(0)", signername)
}

// UpdateRequest is the payload queued by UpdateResponder for asynchronous
// application to a zone's working copy (spec.md's update event).
type UpdateRequest struct {
	Cmd       string // "ZONE-UPDATE" | "CHILD-UPDATE"
	ZoneName  string
	Actions   []dns.RR
	Validated bool
	Status    *UpdateStatus
}
