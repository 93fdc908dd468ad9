/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tdns

// Journal is the durable, ordered, keyed changeset log of spec.md §4.4:
// an optional full-zone baseline plus a chain of diffs, chunked and
// stored through the same sqlite-backed transaction pattern as the
// KeyDB keystore (db.go).

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/miekg/dns"
)

// wireRRset and wireChangeset are the on-disk forms of RRset/Changeset:
// dns.RR is an interface, so round-tripping through encoding/json needs
// RRs carried as presentation-format text and reparsed with dns.NewRR.
type wireRRset struct {
	Name   string
	RRtype uint16
	RRs    []string
	RRSIGs []string
}

type wireChangeset struct {
	ZoneName   string
	FromSerial uint32
	ToSerial   uint32
	Removals   []wireRRset
	Additions  []wireRRset
	SoaFrom    string
	SoaTo      string
}

func toWireRRset(rrset RRset) wireRRset {
	w := wireRRset{Name: rrset.Name, RRtype: rrset.RRtype}
	for _, rr := range rrset.RRs {
		w.RRs = append(w.RRs, rr.String())
	}
	for _, rr := range rrset.RRSIGs {
		w.RRSIGs = append(w.RRSIGs, rr.String())
	}
	return w
}

func fromWireRRset(w wireRRset) (RRset, error) {
	rrset := RRset{Name: w.Name, RRtype: w.RRtype}
	for _, s := range w.RRs {
		rr, err := dns.NewRR(s)
		if err != nil {
			return rrset, fmt.Errorf("fromWireRRset: %v", err)
		}
		rrset.RRs = append(rrset.RRs, rr)
	}
	for _, s := range w.RRSIGs {
		rr, err := dns.NewRR(s)
		if err != nil {
			return rrset, fmt.Errorf("fromWireRRset: %v", err)
		}
		rrset.RRSIGs = append(rrset.RRSIGs, rr)
	}
	return rrset, nil
}

func marshalChangeset(cs *Changeset) ([]byte, error) {
	w := wireChangeset{ZoneName: cs.ZoneName, FromSerial: cs.FromSerial, ToSerial: cs.ToSerial}
	for _, r := range cs.Removals {
		w.Removals = append(w.Removals, toWireRRset(r))
	}
	for _, r := range cs.Additions {
		w.Additions = append(w.Additions, toWireRRset(r))
	}
	if cs.SoaFrom != nil {
		w.SoaFrom = cs.SoaFrom.String()
	}
	if cs.SoaTo != nil {
		w.SoaTo = cs.SoaTo.String()
	}
	return json.Marshal(w)
}

func unmarshalChangeset(payload []byte) (*Changeset, error) {
	var w wireChangeset
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, err
	}
	cs := &Changeset{ZoneName: w.ZoneName, FromSerial: w.FromSerial, ToSerial: w.ToSerial}
	for _, r := range w.Removals {
		rrset, err := fromWireRRset(r)
		if err != nil {
			return nil, err
		}
		cs.Removals = append(cs.Removals, rrset)
	}
	for _, r := range w.Additions {
		rrset, err := fromWireRRset(r)
		if err != nil {
			return nil, err
		}
		cs.Additions = append(cs.Additions, rrset)
	}
	if w.SoaFrom != "" {
		rr, err := dns.NewRR(w.SoaFrom)
		if err != nil {
			return nil, err
		}
		cs.SoaFrom = rr
	}
	if w.SoaTo != "" {
		rr, err := dns.NewRR(w.SoaTo)
		if err != nil {
			return nil, err
		}
		cs.SoaTo = rr
	}
	return cs, nil
}

// Chunking thresholds for a single changeset's serialized payload,
// named after spec.md §4.4's CHUNK_THRESH/CHUNK_MAX.
const (
	ChunkThresh = 64 * 1024
	ChunkMax    = 256 * 1024
	maxUsage    = 64 * 1024 * 1024
)

// JournalBackend is the storage interface a Journal drives; the default
// is sqliteJournalBackend, backed by the zone's KeyDB.
type JournalBackend interface {
	writeChunks(zonename string, zoneinit bool, fromSerial, toSerial uint32, chunks [][]byte, writeTime int64) error
	readChain(zonename string) ([]journalRecord, error)
	deleteFrom(zonename string, fromSerial uint32, stopAt uint32) (int, error)
	readMeta(zonename string) (journalMeta, bool, error)
	writeMeta(zonename string, m journalMeta) error
	wipe(zonename string) error
}

// journalRecord is one reassembled changeset as stored: either the
// zone-init baseline (zoneinit=true, fromSerial=0) or a from→to diff.
type journalRecord struct {
	ZoneInit   bool
	FromSerial uint32
	ToSerial   uint32
	WriteTime  time.Time
	Payload    []byte
}

type journalMeta struct {
	FirstSerial  uint32
	SerialTo     uint32
	FlushedUpto  uint32
	MergedSerial uint32
	Flags        uint8
}

// Journal flag bits, per spec.md's "flags bitfield" on per-zone metadata.
const (
	JournalFlagFlushable uint8 = 1 << iota
)

// Journal is the per-zone handle used by event handlers to durably
// record every change applied to a zone's contents.
type Journal struct {
	zonename string
	backend  JournalBackend
	flushable bool
}

func NewJournal(zonename string, backend JournalBackend) *Journal {
	return &Journal{zonename: zonename, backend: backend}
}

// SetFlushable marks the journal as eligible to satisfy occupancy
// pressure by committing and signaling Busy instead of merging in place.
func (j *Journal) SetFlushable(v bool) { j.flushable = v }

// InsertZone stores zc as the zone-init baseline, purging any prior
// content for this zone first (spec.md §4.4 insert_zone).
func (j *Journal) InsertZone(zc *ZoneContents) error {
	payload, err := encodeZoneBaseline(zc)
	if err != nil {
		return fmt.Errorf("InsertZone: %v", err)
	}
	if len(payload) >= maxUsage {
		return NewError(ErrOutOfSpace, "InsertZone: zone %s baseline of %d bytes exceeds max journal usage", j.zonename, len(payload))
	}

	if err := j.backend.wipe(j.zonename); err != nil {
		return fmt.Errorf("InsertZone: %v", err)
	}

	chunks := splitChunks(payload)
	if err := j.backend.writeChunks(j.zonename, true, 0, zc.Serial, chunks, time.Now().Unix()); err != nil {
		return fmt.Errorf("InsertZone: %v", err)
	}
	return j.backend.writeMeta(j.zonename, journalMeta{FirstSerial: zc.Serial, SerialTo: zc.Serial, FlushedUpto: zc.Serial})
}

// Insert stores a diff from cs.FromSerial to cs.ToSerial, chaining it
// onto the zone's current serialTo (spec.md §4.4 insert).
func (j *Journal) Insert(cs *Changeset) error {
	if cs.Empty() {
		return fmt.Errorf("Insert: refusing to write a zero-payload chunk for zone %s", j.zonename)
	}
	if SerialCmp(cs.FromSerial, cs.ToSerial) != SerialLess {
		return fmt.Errorf("Insert: changeset from=%d is not strictly before to=%d", cs.FromSerial, cs.ToSerial)
	}

	meta, ok, err := j.backend.readMeta(j.zonename)
	if err != nil {
		return fmt.Errorf("Insert: %v", err)
	}

	var records []journalRecord
	if ok {
		if records, err = j.backend.readChain(j.zonename); err != nil {
			return fmt.Errorf("Insert: %v", err)
		}
	}

	if ok && meta.SerialTo != cs.FromSerial {
		hasBaseline := false
		for _, r := range records {
			if r.ZoneInit {
				hasBaseline = true
				break
			}
		}
		if hasBaseline {
			return fmt.Errorf("Insert: semantic mismatch: zone %s chain head is at %d, changeset starts at %d", j.zonename, meta.SerialTo, cs.FromSerial)
		}
		// No zone-init baseline to preserve continuity against: the
		// stale chain can't be reconciled with this changeset, so
		// wipe it and reseed the journal starting here, per Knot's
		// journal_insert discontinuity handling.
		if err := j.backend.wipe(j.zonename); err != nil {
			return fmt.Errorf("Insert: %v", err)
		}
		ok = false
		records = nil
	}

	// Cycle: cs.ToSerial already starts an existing record, so writing
	// cs as-is would key two records by the same serial. Collapse the
	// existing chain down to a single record first, per Knot's
	// journal_insert cycle handling.
	for _, r := range records {
		if !r.ZoneInit && r.FromSerial == cs.ToSerial {
			if err := j.Merge(meta.FirstSerial, false); err != nil {
				return fmt.Errorf("Insert: collapsing cyclic chain: %v", err)
			}
			if meta, ok, err = j.backend.readMeta(j.zonename); err != nil || !ok {
				return fmt.Errorf("Insert: %v", err)
			}
			break
		}
	}

	payload, err := marshalChangeset(cs)
	if err != nil {
		return fmt.Errorf("Insert: %v", err)
	}

	if err := j.fixOccupation(maxUsage, 0); err != nil && AsErrorCode(err) != ErrOutOfSpace {
		return err
	}

	chunks := splitChunks(payload)
	if err := j.backend.writeChunks(j.zonename, false, cs.FromSerial, cs.ToSerial, chunks, time.Now().Unix()); err != nil {
		return fmt.Errorf("Insert: %v", err)
	}

	if !ok {
		meta.FirstSerial = cs.FromSerial
		meta.FlushedUpto = cs.FromSerial
	}
	meta.SerialTo = cs.ToSerial
	return j.backend.writeMeta(j.zonename, meta)
}

// Merge reads every diff from mergeSerial forward and rewrites them as a
// single composite changeset whose To is preserved, per spec.md §4.4.
// Any zone-init baseline present is kept across the rewrite.
func (j *Journal) Merge(mergeSerial uint32, zoneInit bool) error {
	records, err := j.backend.readChain(j.zonename)
	if err != nil {
		return fmt.Errorf("Merge: %v", err)
	}

	var baseline *journalRecord
	composite := &Changeset{ZoneName: j.zonename, FromSerial: mergeSerial}
	var lastTo uint32
	found := false
	for i, rec := range records {
		if rec.ZoneInit {
			baseline = &records[i]
			continue
		}
		if rec.FromSerial == mergeSerial || found {
			cs, err := unmarshalChangeset(rec.Payload)
			if err != nil {
				return fmt.Errorf("Merge: decoding chunk for zone %s: %v", j.zonename, err)
			}
			composite.Additions = append(composite.Additions, cs.Additions...)
			composite.Removals = append(composite.Removals, cs.Removals...)
			lastTo = cs.ToSerial
			found = true
		}
	}
	if !found {
		return fmt.Errorf("Merge: zone %s has no diffs from serial %d", j.zonename, mergeSerial)
	}
	composite.ToSerial = lastTo

	payload, err := marshalChangeset(composite)
	if err != nil {
		return fmt.Errorf("Merge: %v", err)
	}
	if err := j.backend.wipe(j.zonename); err != nil {
		return fmt.Errorf("Merge: %v", err)
	}
	if baseline != nil {
		if err := j.backend.writeChunks(j.zonename, true, baseline.FromSerial, baseline.ToSerial, splitChunks(baseline.Payload), baseline.WriteTime.Unix()); err != nil {
			return fmt.Errorf("Merge: restoring zone-init baseline for zone %s: %v", j.zonename, err)
		}
	}
	chunks := splitChunks(payload)
	if err := j.backend.writeChunks(j.zonename, false, mergeSerial, lastTo, chunks, time.Now().Unix()); err != nil {
		return fmt.Errorf("Merge: %v", err)
	}
	return j.backend.writeMeta(j.zonename, journalMeta{FirstSerial: mergeSerial, SerialTo: lastTo, FlushedUpto: mergeSerial, MergedSerial: mergeSerial})
}

// TryFlush is called when occupancy pressure requires it. If the journal
// is configured flushable it commits current state and returns Busy so
// the caller drives a full zone flush; otherwise it merges in place.
func (j *Journal) TryFlush() error {
	meta, ok, err := j.backend.readMeta(j.zonename)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if j.flushable {
		return NewError(ErrBusy, "zone %s journal is flushable: caller must flush and retry", j.zonename)
	}

	return j.Merge(meta.FirstSerial, false)
}

// Delete walks diffs from fromSerial forward, deleting the oldest one at
// a time until the byte or count budget is met or stopAt is reached
// (spec.md §4.4 delete), per Knot's journal_delete.
func (j *Journal) Delete(fromSerial uint32, tofreeBytes, tofreeCount int, stopAt uint32) (int, error) {
	meta, ok, err := j.backend.readMeta(j.zonename)
	if err != nil || !ok {
		return 0, err
	}

	freed, deleted := 0, 0
	for (tofreeBytes > 0 && freed < tofreeBytes) || (tofreeCount > 0 && deleted < tofreeCount) {
		records, err := j.backend.readChain(j.zonename)
		if err != nil {
			return deleted, err
		}
		var oldest *journalRecord
		for i := range records {
			if !records[i].ZoneInit && records[i].FromSerial == fromSerial {
				oldest = &records[i]
				break
			}
		}
		if oldest == nil || SerialCmp(oldest.ToSerial, stopAt) == SerialGreater {
			break
		}

		n, err := j.backend.deleteFrom(j.zonename, oldest.FromSerial, oldest.ToSerial)
		if err != nil {
			return deleted, err
		}
		if n == 0 {
			break
		}

		freed += len(oldest.Payload)
		deleted++
		fromSerial = oldest.ToSerial

		meta.FirstSerial = fromSerial
		meta.FlushedUpto = fromSerial
		if err := j.backend.writeMeta(j.zonename, meta); err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

// fixOccupation iteratively deletes the oldest diffs one at a time,
// updating journalMeta after each delete, to bring the journal's
// occupancy at or below the given byte and changeset-count limits; a
// maxCount <= 0 means no count limit. It falls back to TryFlush (merging
// the surviving chain, or signaling Busy for a caller-driven flush) when
// deletion alone cannot make enough room, per Knot's
// journal_fix_occupation/journal_delete.
func (j *Journal) fixOccupation(maxUsageBytes int, maxCount int) error {
	meta, ok, err := j.backend.readMeta(j.zonename)
	if err != nil || !ok {
		return err
	}
	records, err := j.backend.readChain(j.zonename)
	if err != nil {
		return err
	}

	total, count := 0, 0
	for _, r := range records {
		if r.ZoneInit {
			continue
		}
		total += len(r.Payload)
		count++
	}

	needToFree := total - maxUsageBytes
	if needToFree < 0 {
		needToFree = 0
	}
	needToDel := 0
	if maxCount > 0 {
		needToDel = count - maxCount
		if needToDel < 0 {
			needToDel = 0
		}
	}
	if needToFree == 0 && needToDel == 0 {
		return nil
	}

	deleted, err := j.Delete(meta.FirstSerial, needToFree, needToDel, meta.SerialTo)
	if err != nil {
		return err
	}

	meta, ok, err = j.backend.readMeta(j.zonename)
	if err != nil || !ok {
		return err
	}
	records, err = j.backend.readChain(j.zonename)
	if err != nil {
		return err
	}
	total = 0
	for _, r := range records {
		if !r.ZoneInit {
			total += len(r.Payload)
		}
	}
	if total <= maxUsageBytes {
		return nil
	}

	if deleted == 0 {
		if err := j.TryFlush(); err != nil && AsErrorCode(err) != ErrBusy {
			return err
		}
		return NewError(ErrOutOfSpace, "zone %s journal still over budget and nothing could be deleted", j.zonename)
	}
	return NewError(ErrOutOfSpace, "zone %s journal still over budget after incremental delete", j.zonename)
}

// splitChunks cuts payload into pieces of around ChunkThresh bytes,
// capped at ChunkMax, per spec.md §4.4's two-tier chunking. A chunk
// that would otherwise leave a remainder smaller than ChunkThresh
// absorbs it instead (up to ChunkMax), matching Knot's
// serialize_prepare(CHUNK_THRESH, CHUNK_MAX, ...): splitting strictly at
// ChunkThresh would otherwise risk stranding a tiny trailing chunk, or
// even an empty one, which readers reject as malformed.
func splitChunks(payload []byte) [][]byte {
	if len(payload) == 0 {
		return [][]byte{{0}} // never emit a truly empty chunk
	}
	var chunks [][]byte
	for len(payload) > 0 {
		n := ChunkThresh
		if n >= len(payload) {
			n = len(payload)
		} else if rem := len(payload) - n; rem < ChunkThresh && n+rem <= ChunkMax {
			n += rem
		}
		chunks = append(chunks, payload[:n])
		payload = payload[n:]
	}
	return chunks
}

func encodeZoneBaseline(zc *ZoneContents) ([]byte, error) {
	type baseline struct {
		Serial uint32
		Nodes  map[string][]wireRRset
	}
	b := baseline{Serial: zc.Serial, Nodes: map[string][]wireRRset{}}
	for name, node := range zc.Nodes {
		for _, rrset := range node.RRsets {
			b.Nodes[name] = append(b.Nodes[name], toWireRRset(rrset))
		}
	}
	return json.Marshal(b)
}

func logJournalError(op string, zonename string, err error) {
	if err != nil {
		log.Printf("Journal: %s: zone %s: %v", op, zonename, err)
	}
}
