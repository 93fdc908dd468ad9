package tdns

import (
	"sort"
	"sync/atomic"

	"github.com/miekg/dns"
)

// Node owns a set of RRsets keyed by type, for one owner name.
type Node struct {
	Name   string
	RRsets map[uint16]RRset
}

func newNode(name string) *Node {
	return &Node{Name: name, RRsets: make(map[uint16]RRset)}
}

func (n *Node) clone() *Node {
	c := newNode(n.Name)
	for t, rrset := range n.RRsets {
		c.RRsets[t] = rrset
	}
	return c
}

// ZoneContents is the copy-on-write, RCU-managed view of a zone's data:
// immutable once published, replaced wholesale by a pointer swap. Readers
// obtain a snapshot via ZoneData.Contents() and hold it for the duration
// of one operation; the snapshot they hold stays valid (and stable) even
// while a writer publishes a newer version underneath them, because a
// publish never mutates an existing ZoneContents — it only builds a new
// one and swaps the pointer.
type ZoneContents struct {
	Apex         string
	Nodes        map[string]*Node
	Nsec3Nodes   map[string]*Node
	Nsec3Params  *dns.NSEC3PARAM
	IsDnssec     bool
	Serial       uint32
	MaxTTL       uint32
	DnssecExpire uint64 // unix seconds of the earliest RRSIG expiry, read atomically by callers
}

// NewZoneContents creates an empty, unpublished ZoneContents for apex.
// It is a private builder until Publish swaps it in — safe to mutate
// freely before that point.
func NewZoneContents(apex string) *ZoneContents {
	return &ZoneContents{
		Apex:  dns.Fqdn(apex),
		Nodes: make(map[string]*Node),
	}
}

// clone performs the copy half of copy-on-write: a shallow copy of the
// node map whose Node values are themselves cloned lazily by
// addRRset/removeRRset, so a writer can start from the currently
// published version without the old version's readers ever observing the
// mutation.
func (zc *ZoneContents) clone() *ZoneContents {
	next := &ZoneContents{
		Apex:        zc.Apex,
		Nodes:       make(map[string]*Node, len(zc.Nodes)),
		Nsec3Params: zc.Nsec3Params,
		IsDnssec:    zc.IsDnssec,
		Serial:      zc.Serial,
		MaxTTL:      zc.MaxTTL,
	}
	for name, node := range zc.Nodes {
		next.Nodes[name] = node
	}
	if zc.Nsec3Nodes != nil {
		next.Nsec3Nodes = make(map[string]*Node, len(zc.Nsec3Nodes))
		for name, node := range zc.Nsec3Nodes {
			next.Nsec3Nodes[name] = node
		}
	}
	return next
}

func (zc *ZoneContents) addRRset(rrset RRset) {
	node, ok := zc.Nodes[rrset.Name]
	if ok {
		node = node.clone()
	} else {
		node = newNode(rrset.Name)
	}
	node.RRsets[rrset.RRtype] = canonicalizeRRset(rrset)
	zc.Nodes[rrset.Name] = node
	if rrset.RRtype == dns.TypeSOA {
		for _, rr := range rrset.RRs {
			if rr.Header().Ttl > zc.MaxTTL {
				zc.MaxTTL = rr.Header().Ttl
			}
		}
	}
}

func (zc *ZoneContents) removeRRset(rrset RRset) {
	node, ok := zc.Nodes[rrset.Name]
	if !ok {
		return
	}
	node = node.clone()
	if len(rrset.RRs) == 0 {
		// class ANY delete: remove the whole type
		delete(node.RRsets, rrset.RRtype)
	} else {
		existing, ok := node.RRsets[rrset.RRtype]
		if ok {
			existing.RRs = subtractRRs(existing.RRs, rrset.RRs)
			if len(existing.RRs) == 0 {
				delete(node.RRsets, rrset.RRtype)
			} else {
				node.RRsets[rrset.RRtype] = existing
			}
		}
	}
	if len(node.RRsets) == 0 {
		delete(zc.Nodes, rrset.Name)
		return
	}
	zc.Nodes[rrset.Name] = node
}

func subtractRRs(from, remove []dns.RR) []dns.RR {
	out := make([]dns.RR, 0, len(from))
	for _, rr := range from {
		drop := false
		for _, r := range remove {
			if dns.IsDuplicate(rr, r) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, rr)
		}
	}
	return out
}

// canonicalizeRRset sorts rdata by wire-encoded bytes, per spec.md's RRset
// invariant: canonical order whenever a set is signed, compared, or
// transferred.
func canonicalizeRRset(rrset RRset) RRset {
	rrs := make([]dns.RR, len(rrset.RRs))
	copy(rrs, rrset.RRs)
	sort.Slice(rrs, func(i, j int) bool {
		return rrWireLess(rrs[i], rrs[j])
	})
	rrset.RRs = rrs
	return rrset
}

func rrWireLess(a, b dns.RR) bool {
	bufA := make([]byte, dns.Len(a)+1)
	bufB := make([]byte, dns.Len(b)+1)
	na, erra := dns.PackRR(a, bufA, 0, nil, false)
	nb, errb := dns.PackRR(b, bufB, 0, nil, false)
	if erra != nil || errb != nil {
		return a.String() < b.String()
	}
	return string(bufA[:na]) < string(bufB[:nb])
}

// LookupRRset returns the RRset of type qtype at qname, or nil if absent.
func (zc *ZoneContents) LookupRRset(qname string, qtype uint16) *RRset {
	node, ok := zc.Nodes[dns.Fqdn(qname)]
	if !ok {
		return nil
	}
	rrset, ok := node.RRsets[qtype]
	if !ok {
		return nil
	}
	return &rrset
}

// zoneContentsHandle is the atomically-swapped handle a ZoneData holds,
// giving readers wait-free access to the currently published
// ZoneContents and writers a single-pointer publish operation. Deep-free
// of the superseded version is left to the Go garbage collector once no
// reader holds the old pointer — the GC is the quiescent-state barrier
// the C original implements by hand.
type zoneContentsHandle struct {
	p atomic.Pointer[ZoneContents]
}

func (h *zoneContentsHandle) Load() *ZoneContents {
	return h.p.Load()
}

// Publish installs next as the current version. Existing readers that
// already loaded the previous pointer keep observing it undisturbed;
// new readers observe next from this point on.
func (h *zoneContentsHandle) Publish(next *ZoneContents) {
	h.p.Store(next)
}
