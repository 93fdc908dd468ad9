/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tdns

// sqliteJournalBackend stores journal chunks and per-zone metadata in
// the same sqlite3 database as the KeyDB keystore (db.go), using the
// JournalChunk and JournalMeta tables.

import (
	"database/sql"
	"fmt"
	"time"
)

func unixToTime(sec int64) time.Time { return time.Unix(sec, 0) }

type sqliteJournalBackend struct {
	kdb *KeyDB
}

func NewSqliteJournalBackend(kdb *KeyDB) JournalBackend {
	return &sqliteJournalBackend{kdb: kdb}
}

const insertChunkSql = `INSERT INTO JournalChunk (zonename, zoneinit, fromserial, toserial, chunkindex, writetime, payload) VALUES (?, ?, ?, ?, ?, ?, ?)`

func (b *sqliteJournalBackend) writeChunks(zonename string, zoneinit bool, fromSerial, toSerial uint32, chunks [][]byte, writeTime int64) error {
	tx, err := b.kdb.Begin("journal.writeChunks")
	if err != nil {
		return err
	}
	for idx, chunk := range chunks {
		if len(chunk) == 0 {
			tx.Rollback()
			return fmt.Errorf("writeChunks: refusing to write empty chunk %d for zone %s", idx, zonename)
		}
		if _, err := tx.Exec(insertChunkSql, zonename, boolToInt(zoneinit), fromSerial, toSerial, idx, writeTime, chunk); err != nil {
			tx.Rollback()
			return fmt.Errorf("writeChunks: %v", err)
		}
	}
	return tx.Commit()
}

func (b *sqliteJournalBackend) readChain(zonename string) ([]journalRecord, error) {
	rows, err := b.kdb.Query(
		`SELECT zoneinit, fromserial, toserial, chunkindex, writetime, payload FROM JournalChunk
		 WHERE zonename = ? ORDER BY zoneinit DESC, fromserial ASC, chunkindex ASC`, zonename)
	if err != nil {
		return nil, fmt.Errorf("readChain: %v", err)
	}
	defer rows.Close()

	type key struct {
		zoneInit   bool
		fromSerial uint32
	}
	order := []key{}
	tos := map[key]uint32{}
	writeTimes := map[key]int64{}
	payloads := map[key][]byte{}

	for rows.Next() {
		var zoneinitInt int
		var from, to uint32
		var idx int
		var wt int64
		var payload []byte
		if err := rows.Scan(&zoneinitInt, &from, &to, &idx, &wt, &payload); err != nil {
			return nil, fmt.Errorf("readChain: %v", err)
		}
		k := key{zoneInit: zoneinitInt != 0, fromSerial: from}
		if _, seen := tos[k]; !seen {
			order = append(order, k)
		}
		tos[k] = to
		writeTimes[k] = wt
		payloads[k] = append(payloads[k], payload...)
	}

	var records []journalRecord
	for _, k := range order {
		records = append(records, journalRecord{
			ZoneInit:   k.zoneInit,
			FromSerial: k.fromSerial,
			ToSerial:   tos[k],
			WriteTime:  unixToTime(writeTimes[k]),
			Payload:    payloads[k],
		})
	}
	return records, nil
}

func (b *sqliteJournalBackend) deleteFrom(zonename string, fromSerial uint32, stopAt uint32) (int, error) {
	res, err := b.kdb.Exec(
		`DELETE FROM JournalChunk WHERE zonename = ? AND zoneinit = 0 AND fromserial >= ? AND toserial <= ?`,
		zonename, fromSerial, stopAt)
	if err != nil {
		return 0, fmt.Errorf("deleteFrom: %v", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (b *sqliteJournalBackend) readMeta(zonename string) (journalMeta, bool, error) {
	var m journalMeta
	row := b.kdb.QueryRow(
		`SELECT firstserial, serialto, flushedupto, mergedserial, flags FROM JournalMeta WHERE zonename = ?`, zonename)
	err := row.Scan(&m.FirstSerial, &m.SerialTo, &m.FlushedUpto, &m.MergedSerial, &m.Flags)
	if err == sql.ErrNoRows {
		return m, false, nil
	}
	if err != nil {
		return m, false, fmt.Errorf("readMeta: %v", err)
	}
	return m, true, nil
}

func (b *sqliteJournalBackend) writeMeta(zonename string, m journalMeta) error {
	_, err := b.kdb.Exec(
		`INSERT INTO JournalMeta (zonename, firstserial, serialto, flushedupto, mergedserial, flags) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(zonename) DO UPDATE SET firstserial=excluded.firstserial, serialto=excluded.serialto,
		 flushedupto=excluded.flushedupto, mergedserial=excluded.mergedserial, flags=excluded.flags`,
		zonename, m.FirstSerial, m.SerialTo, m.FlushedUpto, m.MergedSerial, m.Flags)
	if err != nil {
		return fmt.Errorf("writeMeta: %v", err)
	}
	return nil
}

func (b *sqliteJournalBackend) wipe(zonename string) error {
	if _, err := b.kdb.Exec(`DELETE FROM JournalChunk WHERE zonename = ?`, zonename); err != nil {
		return fmt.Errorf("wipe: %v", err)
	}
	if _, err := b.kdb.Exec(`DELETE FROM JournalMeta WHERE zonename = ?`, zonename); err != nil {
		return fmt.Errorf("wipe: %v", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
