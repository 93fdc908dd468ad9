/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tdns

// Signer is the per-zone RRSIG lifecycle component (spec.md §4.5): it
// wraps the signing logic of sign.go together with validation, so that
// a zone's dnssec event handler has a single entry point that knows
// about the zone's active keys without re-deriving them on every call.

import (
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// Signer produces and validates RRSIGs for one zone, using keys fetched
// from the zone's KeyDB.
type Signer struct {
	zd  *ZoneData
	kdb *KeyDB
}

func NewSigner(zd *ZoneData, kdb *KeyDB) *Signer {
	return &Signer{zd: zd, kdb: kdb}
}

// SignRRset produces (or refreshes) the RRSIGs covering rrset, selecting
// ZSKs for ordinary RRsets and KSKs for the DNSKEY RRset, skipping keys
// whose existing RRSIG still has enough lifetime left unless force is set.
func (s *Signer) SignRRset(rrset *RRset, name string, force bool) (bool, error) {
	return s.zd.SignRRset(rrset, name, nil, force)
}

// SignZone re-signs every RRset in the zone that needs it, generating or
// promoting keys as necessary, and bumps the SOA serial if anything
// changed.
func (s *Signer) SignZone(force bool) (int, error) {
	return s.zd.SignZone(s.kdb, force)
}

// Validate checks a single RRSIG against the covered RRset and the
// public key that allegedly produced it, applying spec.md §4.5's
// inception/expiration/refresh-window rules in addition to the
// cryptographic check. allowExpired corresponds to the caller's
// unsafe.expired escape hatch.
func (s *Signer) Validate(rrsig *dns.RRSIG, covered []dns.RR, key *dns.DNSKEY, now time.Time, refreshBefore time.Duration, allowExpired bool) error {
	if SerialCmp(rrsig.Inception, rrsig.Expiration) >= 0 {
		return fmt.Errorf("Validate: RRSIG inception %d is not before expiration %d", rrsig.Inception, rrsig.Expiration)
	}

	nowsec := uint32(now.Unix())
	if SerialCmp(nowsec, rrsig.Inception) < 0 {
		return fmt.Errorf("Validate: RRSIG for %s is not yet valid (inception %d, now %d)", rrsig.Header().Name, rrsig.Inception, nowsec)
	}

	refreshPoint := rrsig.Expiration - uint32(refreshBefore.Seconds())
	if !allowExpired && SerialCmp(nowsec, refreshPoint) >= 0 {
		return fmt.Errorf("Validate: RRSIG for %s is within its refresh window or expired (expires %d, now %d)", rrsig.Header().Name, rrsig.Expiration, nowsec)
	}

	if key == nil {
		return fmt.Errorf("Validate: no DNSKEY supplied to verify RRSIG for %s", rrsig.Header().Name)
	}
	if err := rrsig.Verify(key, covered); err != nil {
		return fmt.Errorf("Validate: cryptographic verification failed for %s: %v", rrsig.Header().Name, err)
	}
	return nil
}

// ActiveKeyFor returns the active DNSKEY matching keytag, for use as the
// public half when validating an RRSIG. Keys that are only published are
// not searched.
func (s *Signer) ActiveKeyFor(keytag uint16) (*dns.DNSKEY, error) {
	dak, err := s.kdb.GetDnssecKeys(s.zd.ZoneName, DnskeyStateActive)
	if err != nil {
		return nil, err
	}
	for _, k := range append(append([]*PrivateKeyCache{}, dak.KSKs...), dak.ZSKs...) {
		if k.DnskeyRR.KeyTag() == keytag {
			return &k.DnskeyRR, nil
		}
	}
	return nil, fmt.Errorf("ActiveKeyFor: no active key with tag %d for zone %s", keytag, s.zd.ZoneName)
}
