package tdns

import "github.com/miekg/dns"

// Changeset is an additions+removals delta carrying source and target SOA
// serials, per spec.md's DATA MODEL. Serials compare via SerialCmp, never
// with raw integer operators.
type Changeset struct {
	ZoneName   string
	FromSerial uint32
	ToSerial   uint32
	Removals   []RRset
	Additions  []RRset
	SoaFrom    dns.RR
	SoaTo      dns.RR
}

// Empty reports whether the changeset carries no data at all — used by
// the journal writer to enforce the "never write a zero-payload chunk"
// rule from journal_write.c.
func (cs *Changeset) Empty() bool {
	return len(cs.Removals) == 0 && len(cs.Additions) == 0 && cs.SoaTo == nil
}

// ApplyTo applies cs's removals then additions to zc, returning a new
// ZoneContents (zc itself is never mutated — ZoneContents is immutable
// once published).
func (cs *Changeset) ApplyTo(zc *ZoneContents) (*ZoneContents, error) {
	next := zc.clone()
	for _, rrset := range cs.Removals {
		next.removeRRset(rrset)
	}
	for _, rrset := range cs.Additions {
		next.addRRset(rrset)
	}
	next.Serial = cs.ToSerial
	return next, nil
}
