/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tdns

// mysqlJournalBackend is an alternate JournalBackend, letting an operator
// point the journal at a shared MySQL instance instead of local sqlite.
// Schema and query shape mirror journal_backend_sqlite.go; only the upsert
// syntax differs (MySQL's ON DUPLICATE KEY UPDATE vs sqlite's ON CONFLICT).

import (
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

type mysqlJournalBackend struct {
	db *sql.DB
}

// NewMysqlJournalBackend opens (and schema-initializes) a MySQL database
// as the journal's storage, using dsn as understood by go-sql-driver/mysql
// (e.g. "user:pass@tcp(host:3306)/dbname").
func NewMysqlJournalBackend(dsn string) (JournalBackend, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewMysqlJournalBackend: %v", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewMysqlJournalBackend: ping: %v", err)
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS JournalChunk (
			zonename   VARCHAR(255) NOT NULL,
			zoneinit   TINYINT NOT NULL,
			fromserial BIGINT UNSIGNED NOT NULL,
			toserial   BIGINT UNSIGNED NOT NULL,
			chunkindex INT NOT NULL,
			writetime  BIGINT NOT NULL,
			payload    MEDIUMBLOB NOT NULL,
			INDEX (zonename, fromserial, chunkindex)
		)`,
		`CREATE TABLE IF NOT EXISTS JournalMeta (
			zonename     VARCHAR(255) NOT NULL PRIMARY KEY,
			firstserial  BIGINT UNSIGNED NOT NULL,
			serialto     BIGINT UNSIGNED NOT NULL,
			flushedupto  BIGINT UNSIGNED NOT NULL,
			mergedserial BIGINT UNSIGNED NOT NULL,
			flags        TINYINT UNSIGNED NOT NULL
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("NewMysqlJournalBackend: schema setup: %v", err)
		}
	}
	return &mysqlJournalBackend{db: db}, nil
}

func (b *mysqlJournalBackend) writeChunks(zonename string, zoneinit bool, fromSerial, toSerial uint32, chunks [][]byte, writeTime int64) error {
	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("writeChunks: %v", err)
	}
	for idx, chunk := range chunks {
		if len(chunk) == 0 {
			tx.Rollback()
			return fmt.Errorf("writeChunks: refusing to write empty chunk %d for zone %s", idx, zonename)
		}
		if _, err := tx.Exec(
			`INSERT INTO JournalChunk (zonename, zoneinit, fromserial, toserial, chunkindex, writetime, payload) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			zonename, boolToInt(zoneinit), fromSerial, toSerial, idx, writeTime, chunk); err != nil {
			tx.Rollback()
			return fmt.Errorf("writeChunks: %v", err)
		}
	}
	return tx.Commit()
}

func (b *mysqlJournalBackend) readChain(zonename string) ([]journalRecord, error) {
	rows, err := b.db.Query(
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

func (b *mysqlJournalBackend) deleteFrom(zonename string, fromSerial uint32, stopAt uint32) (int, error) {
	res, err := b.db.Exec(
		`DELETE FROM JournalChunk WHERE zonename = ? AND zoneinit = 0 AND fromserial >= ? AND toserial <= ?`,
		zonename, fromSerial, stopAt)
	if err != nil {
		return 0, fmt.Errorf("deleteFrom: %v", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (b *mysqlJournalBackend) readMeta(zonename string) (journalMeta, bool, error) {
	var m journalMeta
	row := b.db.QueryRow(
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

func (b *mysqlJournalBackend) writeMeta(zonename string, m journalMeta) error {
	_, err := b.db.Exec(
		`INSERT INTO JournalMeta (zonename, firstserial, serialto, flushedupto, mergedserial, flags) VALUES (?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE firstserial=VALUES(firstserial), serialto=VALUES(serialto),
		 flushedupto=VALUES(flushedupto), mergedserial=VALUES(mergedserial), flags=VALUES(flags)`,
		zonename, m.FirstSerial, m.SerialTo, m.FlushedUpto, m.MergedSerial, m.Flags)
	if err != nil {
		return fmt.Errorf("writeMeta: %v", err)
	}
	return nil
}

func (b *mysqlJournalBackend) wipe(zonename string) error {
	if _, err := b.db.Exec(`DELETE FROM JournalChunk WHERE zonename = ?`, zonename); err != nil {
		return fmt.Errorf("wipe: %v", err)
	}
	if _, err := b.db.Exec(`DELETE FROM JournalMeta WHERE zonename = ?`, zonename); err != nil {
		return fmt.Errorf("wipe: %v", err)
	}
	return nil
}
