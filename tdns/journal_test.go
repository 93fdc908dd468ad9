package tdns

import (
	"testing"
	"time"

	"github.com/miekg/dns"
)

// memJournalBackend is a minimal in-memory JournalBackend, used so these
// tests exercise Journal's own chaining/merge logic without a sqlite or
// mysql handle.
type memJournalBackend struct {
	records map[string][]journalRecord
	meta    map[string]journalMeta
	hasMeta map[string]bool
}

func newMemJournalBackend() *memJournalBackend {
	return &memJournalBackend{
		records: map[string][]journalRecord{},
		meta:    map[string]journalMeta{},
		hasMeta: map[string]bool{},
	}
}

func (b *memJournalBackend) writeChunks(zonename string, zoneinit bool, fromSerial, toSerial uint32, chunks [][]byte, writeTime int64) error {
	var payload []byte
	for _, c := range chunks {
		payload = append(payload, c...)
	}
	b.records[zonename] = append(b.records[zonename], journalRecord{
		ZoneInit:   zoneinit,
		FromSerial: fromSerial,
		ToSerial:   toSerial,
		WriteTime:  time.Unix(writeTime, 0),
		Payload:    payload,
	})
	return nil
}

func (b *memJournalBackend) readChain(zonename string) ([]journalRecord, error) {
	return append([]journalRecord{}, b.records[zonename]...), nil
}

func (b *memJournalBackend) deleteFrom(zonename string, fromSerial uint32, stopAt uint32) (int, error) {
	kept := b.records[zonename][:0]
	n := 0
	for _, r := range b.records[zonename] {
		if !r.ZoneInit && r.FromSerial >= fromSerial && r.ToSerial <= stopAt {
			n++
			continue
		}
		kept = append(kept, r)
	}
	b.records[zonename] = kept
	return n, nil
}

func (b *memJournalBackend) readMeta(zonename string) (journalMeta, bool, error) {
	return b.meta[zonename], b.hasMeta[zonename], nil
}

func (b *memJournalBackend) writeMeta(zonename string, m journalMeta) error {
	b.meta[zonename] = m
	b.hasMeta[zonename] = true
	return nil
}

func (b *memJournalBackend) wipe(zonename string) error {
	delete(b.records, zonename)
	return nil
}

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	if err != nil {
		t.Fatalf("dns.NewRR(%q): %v", s, err)
	}
	return rr
}

// S6: successive diffs chain by serial — inserting a changeset whose
// FromSerial doesn't match the journal's current head is rejected.
func TestJournalInsertRequiresContiguousChain(t *testing.T) {
	backend := newMemJournalBackend()
	j := NewJournal("example.com.", backend)

	cs1 := &Changeset{
		ZoneName: "example.com.", FromSerial: 1, ToSerial: 2,
		Additions: []RRset{{Name: "www.example.com.", RRtype: dns.TypeA,
			RRs: []dns.RR{mustRR(t, "www.example.com. 3600 IN A 192.0.2.1")}}},
		SoaTo: mustRR(t, "example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 2 3600 600 604800 3600"),
	}
	if err := j.Insert(cs1); err != nil {
		t.Fatalf("Insert(cs1) failed: %v", err)
	}

	cs2mismatch := &Changeset{ZoneName: "example.com.", FromSerial: 5, ToSerial: 6,
		SoaTo: mustRR(t, "example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 6 3600 600 604800 3600")}
	if err := j.Insert(cs2mismatch); err == nil {
		t.Fatal("Insert with a non-contiguous FromSerial should have failed")
	}

	cs2 := &Changeset{ZoneName: "example.com.", FromSerial: 2, ToSerial: 3,
		SoaTo: mustRR(t, "example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 3 3600 600 604800 3600")}
	if err := j.Insert(cs2); err != nil {
		t.Fatalf("Insert(cs2) failed: %v", err)
	}

	meta, ok, err := backend.readMeta("example.com.")
	if err != nil || !ok {
		t.Fatalf("readMeta failed: ok=%v err=%v", ok, err)
	}
	if meta.SerialTo != 3 {
		t.Fatalf("chain head SerialTo = %d, want 3", meta.SerialTo)
	}
}

// Insert refuses an empty changeset rather than writing a zero-payload
// chunk.
func TestJournalInsertRejectsEmptyChangeset(t *testing.T) {
	backend := newMemJournalBackend()
	j := NewJournal("example.com.", backend)
	if err := j.Insert(&Changeset{ZoneName: "example.com.", FromSerial: 1, ToSerial: 2}); err == nil {
		t.Fatal("Insert of an empty changeset should have been rejected")
	}
}

// Insert also refuses a changeset whose From is not strictly before To.
func TestJournalInsertRejectsNonIncreasingSerial(t *testing.T) {
	backend := newMemJournalBackend()
	j := NewJournal("example.com.", backend)
	cs := &Changeset{ZoneName: "example.com.", FromSerial: 5, ToSerial: 5,
		SoaTo: mustRR(t, "example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 5 3600 600 604800 3600")}
	if err := j.Insert(cs); err == nil {
		t.Fatal("Insert with FromSerial == ToSerial should have been rejected")
	}
}

// Merge collapses a run of diffs from mergeSerial forward into one
// composite changeset, preserving the final ToSerial.
func TestJournalMerge(t *testing.T) {
	backend := newMemJournalBackend()
	j := NewJournal("example.com.", backend)

	mkCS := func(from, to uint32) *Changeset {
		return &Changeset{
			ZoneName: "example.com.", FromSerial: from, ToSerial: to,
			Additions: []RRset{{Name: "www.example.com.", RRtype: dns.TypeA,
				RRs: []dns.RR{mustRR(t, "www.example.com. 3600 IN A 192.0.2.1")}}},
			SoaTo: mustRR(t, "example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 1 3600 600 604800 3600"),
		}
	}

	if err := j.Insert(mkCS(1, 2)); err != nil {
		t.Fatalf("Insert(1,2): %v", err)
	}
	if err := j.Insert(mkCS(2, 3)); err != nil {
		t.Fatalf("Insert(2,3): %v", err)
	}
	if err := j.Insert(mkCS(3, 4)); err != nil {
		t.Fatalf("Insert(3,4): %v", err)
	}

	if err := j.Merge(1, false); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	records, err := backend.readChain("example.com.")
	if err != nil {
		t.Fatalf("readChain: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("after Merge, chain has %d records, want 1", len(records))
	}
	if records[0].FromSerial != 1 || records[0].ToSerial != 4 {
		t.Fatalf("merged record spans %d->%d, want 1->4", records[0].FromSerial, records[0].ToSerial)
	}

	meta, ok, err := backend.readMeta("example.com.")
	if err != nil || !ok {
		t.Fatalf("readMeta after Merge failed: ok=%v err=%v", ok, err)
	}
	if meta.SerialTo != 4 {
		t.Fatalf("meta.SerialTo = %d after Merge, want 4", meta.SerialTo)
	}
}

// S6 continued: without a zone-init baseline to check continuity
// against, a discontinuous changeset reseeds the journal instead of
// erroring, per Knot's journal_insert.
func TestJournalInsertReseedsWithoutBaseline(t *testing.T) {
	backend := newMemJournalBackend()
	j := NewJournal("example.com.", backend)

	cs1 := &Changeset{ZoneName: "example.com.", FromSerial: 1, ToSerial: 2,
		Additions: []RRset{{Name: "www.example.com.", RRtype: dns.TypeA,
			RRs: []dns.RR{mustRR(t, "www.example.com. 3600 IN A 192.0.2.1")}}},
		SoaTo: mustRR(t, "example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 2 3600 600 604800 3600")}
	if err := j.Insert(cs1); err != nil {
		t.Fatalf("Insert(cs1): %v", err)
	}

	cs2 := &Changeset{ZoneName: "example.com.", FromSerial: 50, ToSerial: 51,
		SoaTo: mustRR(t, "example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 51 3600 600 604800 3600")}
	if err := j.Insert(cs2); err != nil {
		t.Fatalf("Insert(cs2) with no baseline present should reseed rather than error: %v", err)
	}

	records, err := backend.readChain("example.com.")
	if err != nil {
		t.Fatalf("readChain: %v", err)
	}
	if len(records) != 1 || records[0].FromSerial != 50 || records[0].ToSerial != 51 {
		t.Fatalf("after reseed, chain = %+v, want a single 50->51 record", records)
	}

	meta, ok, err := backend.readMeta("example.com.")
	if err != nil || !ok {
		t.Fatalf("readMeta: ok=%v err=%v", ok, err)
	}
	if meta.FirstSerial != 50 || meta.SerialTo != 51 {
		t.Fatalf("meta = %+v after reseed, want FirstSerial=50 SerialTo=51", meta)
	}
}

// With a zone-init baseline present, the same discontinuity must still
// be rejected: the baseline is the anchor the chain must stay
// contiguous with, and reseeding silently would lose it.
func TestJournalInsertMismatchErrorsWithBaseline(t *testing.T) {
	backend := newMemJournalBackend()
	j := NewJournal("example.com.", backend)

	zc := NewZoneContents("example.com.")
	zc.Serial = 5
	if err := j.InsertZone(zc); err != nil {
		t.Fatalf("InsertZone: %v", err)
	}

	cs := &Changeset{ZoneName: "example.com.", FromSerial: 50, ToSerial: 51,
		SoaTo: mustRR(t, "example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 51 3600 600 604800 3600")}
	if err := j.Insert(cs); err == nil {
		t.Fatal("Insert with a discontinuous FromSerial should fail when a zone-init baseline is present")
	}
}

// A changeset whose To wraps back around to a serial already used
// earlier in the chain must collapse the existing chain to one record
// before being written, so no two records end up keyed by the same
// serial, per Knot's journal_insert cycle handling.
func TestJournalInsertCollapsesCycle(t *testing.T) {
	backend := newMemJournalBackend()
	j := NewJournal("example.com.", backend)

	mkCS := func(from, to uint32) *Changeset {
		return &Changeset{ZoneName: "example.com.", FromSerial: from, ToSerial: to,
			Additions: []RRset{{Name: "www.example.com.", RRtype: dns.TypeA,
				RRs: []dns.RR{mustRR(t, "www.example.com. 3600 IN A 192.0.2.1")}}},
			SoaTo: mustRR(t, "example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 1 3600 600 604800 3600")}
	}

	if err := j.Insert(mkCS(10, 2147483650)); err != nil {
		t.Fatalf("Insert(10,2147483650): %v", err)
	}
	if err := j.Insert(mkCS(2147483650, 4294967290)); err != nil {
		t.Fatalf("Insert(2147483650,4294967290): %v", err)
	}

	// 4294967290 -> 10 wraps forward (per RFC 1982 serial arithmetic)
	// back to serial 10, which already starts the first record.
	if err := j.Insert(mkCS(4294967290, 10)); err != nil {
		t.Fatalf("Insert cyclic changeset: %v", err)
	}

	records, err := backend.readChain("example.com.")
	if err != nil {
		t.Fatalf("readChain: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("after cycle collapse, chain has %d records, want 2 (merged 10->4294967290, then 4294967290->10)", len(records))
	}

	meta, ok, err := backend.readMeta("example.com.")
	if err != nil || !ok {
		t.Fatalf("readMeta: ok=%v err=%v", ok, err)
	}
	if meta.FirstSerial != 10 || meta.SerialTo != 10 {
		t.Fatalf("meta = %+v after cycle collapse, want FirstSerial=10 SerialTo=10", meta)
	}
}

// fixOccupation deletes only the oldest diffs needed to come back under
// budget, not the whole chain, and leaves journalMeta consistent with
// the surviving records.
func TestFixOccupationDeletesOldestOnly(t *testing.T) {
	backend := newMemJournalBackend()
	j := NewJournal("example.com.", backend)

	mkCS := func(from, to uint32, payload string) *Changeset {
		return &Changeset{ZoneName: "example.com.", FromSerial: from, ToSerial: to,
			Additions: []RRset{{Name: "www.example.com.", RRtype: dns.TypeTXT,
				RRs: []dns.RR{mustRR(t, `www.example.com. 3600 IN TXT "`+payload+`"`)}}},
			SoaTo: mustRR(t, "example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 1 3600 600 604800 3600")}
	}

	if err := j.Insert(mkCS(1, 2, "aaaaaaaaaaaaaaaaaaaa")); err != nil {
		t.Fatalf("Insert(1,2): %v", err)
	}
	if err := j.Insert(mkCS(2, 3, "bbbbbbbbbbbbbbbbbbbb")); err != nil {
		t.Fatalf("Insert(2,3): %v", err)
	}

	records, err := backend.readChain("example.com.")
	if err != nil {
		t.Fatalf("readChain: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records before fixOccupation, got %d", len(records))
	}
	budget := len(records[0].Payload) + len(records[1].Payload) - 1

	if err := j.fixOccupation(budget, 0); err != nil && AsErrorCode(err) != ErrOutOfSpace {
		t.Fatalf("fixOccupation: %v", err)
	}

	records, err = backend.readChain("example.com.")
	if err != nil {
		t.Fatalf("readChain after fixOccupation: %v", err)
	}
	if len(records) != 1 || records[0].FromSerial != 2 || records[0].ToSerial != 3 {
		t.Fatalf("fixOccupation left %+v, want only the newer 2->3 record", records)
	}

	meta, ok, err := backend.readMeta("example.com.")
	if err != nil || !ok {
		t.Fatalf("readMeta: ok=%v err=%v", ok, err)
	}
	if meta.FirstSerial != 2 {
		t.Fatalf("meta.FirstSerial = %d after fixOccupation, want 2", meta.FirstSerial)
	}
}

// InsertZone replaces any prior content for the zone with a fresh
// baseline.
func TestJournalInsertZoneWipesPriorContent(t *testing.T) {
	backend := newMemJournalBackend()
	j := NewJournal("example.com.", backend)

	cs := &Changeset{ZoneName: "example.com.", FromSerial: 1, ToSerial: 2,
		Additions: []RRset{{Name: "www.example.com.", RRtype: dns.TypeA,
			RRs: []dns.RR{mustRR(t, "www.example.com. 3600 IN A 192.0.2.1")}}},
		SoaTo: mustRR(t, "example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 2 3600 600 604800 3600")}
	if err := j.Insert(cs); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	zc := NewZoneContents("example.com.")
	zc.Serial = 10
	if err := j.InsertZone(zc); err != nil {
		t.Fatalf("InsertZone: %v", err)
	}

	records, err := backend.readChain("example.com.")
	if err != nil {
		t.Fatalf("readChain: %v", err)
	}
	if len(records) != 1 || !records[0].ZoneInit || records[0].ToSerial != 10 {
		t.Fatalf("InsertZone should leave exactly one zoneinit record at serial 10, got %+v", records)
	}
}
