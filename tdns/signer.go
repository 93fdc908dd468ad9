/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tdns

import (
	"crypto"
	"fmt"
	"log"

	"github.com/miekg/dns"
)

// GenerateKeypair creates a new key of rrtype (dns.TypeKEY for SIG(0),
// dns.TypeDNSKEY for DNSSEC), stores it in the appropriate KASP table in
// state, and returns the in-memory PrivateKeyCache alongside a log
// message. keyrole is "KSK", "ZSK", or "" for a SIG(0) key. tx, when
// non-nil, is used instead of opening a new transaction — callers already
// holding one (e.g. a rollover that both promotes and generates within
// one commit) pass it through.
func (kdb *KeyDB) GenerateKeypair(zonename, creator, state string, rrtype uint16, algorithm uint8, keyrole string, tx *Tx) (*PrivateKeyCache, string, error) {
	var flags uint16
	switch {
	case rrtype == dns.TypeDNSKEY && keyrole == "KSK":
		flags = 257
	case rrtype == dns.TypeDNSKEY:
		flags = 256
	default:
		flags = 0 // SIG(0) KEY RR: no SEP/ZONE bits
	}

	hdr := dns.RR_Header{
		Ttl:    defaultTtl,
		Class:  dns.ClassINET,
		Name:   dns.Fqdn(zonename),
		Rrtype: rrtype,
	}

	var keyrr dns.KEY
	var dnskeyrr dns.DNSKEY
	var cryptoKey crypto.PrivateKey
	var err error

	switch rrtype {
	case dns.TypeDNSKEY:
		dnskeyrr = dns.DNSKEY{
			Hdr:       hdr,
			Flags:     flags,
			Protocol:  3,
			Algorithm: algorithm,
		}
		bits := defaultKeyBits(algorithm)
		cryptoKey, err = dnskeyrr.Generate(bits)
	case dns.TypeKEY:
		keyrr = dns.KEY{
			DNSKEY: dns.DNSKEY{
				Hdr:       hdr,
				Flags:     flags,
				Protocol:  3,
				Algorithm: algorithm,
			},
		}
		bits := defaultKeyBits(algorithm)
		cryptoKey, err = keyrr.Generate(bits)
	default:
		return nil, "", fmt.Errorf("GenerateKeypair: unsupported rrtype %s", dns.TypeToString[rrtype])
	}
	if err != nil {
		return nil, "", fmt.Errorf("GenerateKeypair: key generation failed: %v", err)
	}

	signer, ok := cryptoKey.(crypto.Signer)
	if !ok {
		return nil, "", fmt.Errorf("GenerateKeypair: generated key does not implement crypto.Signer")
	}

	var keyid uint16
	var privstr, keyrrStr string
	if rrtype == dns.TypeDNSKEY {
		keyid = dnskeyrr.KeyTag()
		privstr = dnskeyrr.PrivateKeyString(cryptoKey)
		keyrrStr = dnskeyrr.String()
	} else {
		keyid = keyrr.KeyTag()
		privstr = keyrr.PrivateKeyString(cryptoKey)
		keyrrStr = keyrr.String()
	}

	pkc := &PrivateKeyCache{
		K:          cryptoKey,
		PrivateKey: privstr,
		CS:         signer,
		KeyType:    rrtype,
		Algorithm:  algorithm,
		KeyId:      keyid,
		KeyRR:      keyrr,
		DnskeyRR:   dnskeyrr,
	}
	if rrtype == dns.TypeDNSKEY {
		pkc.RR = dns.RR(&dnskeyrr)
	} else {
		pkc.RR = dns.RR(&keyrr)
	}

	const (
		addSig0KeySql = `
INSERT OR REPLACE INTO Sig0KeyStore (zonename, state, keyid, algorithm, creator, privatekey, keyrr) VALUES (?, ?, ?, ?, ?, ?, ?)`
		addDnssecKeySql = `
INSERT OR REPLACE INTO DnssecKeyStore (zonename, state, keyid, flags, algorithm, creator, privatekey, keyrr) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	)

	localtx := false
	if tx == nil {
		tx, err = kdb.Begin("GenerateKeypair")
		if err != nil {
			return nil, "", err
		}
		localtx = true
	}
	defer func() {
		if !localtx {
			return
		}
		if err != nil {
			tx.Rollback()
		} else {
			tx.Commit()
		}
	}()

	switch rrtype {
	case dns.TypeKEY:
		_, err = tx.Exec(addSig0KeySql, dns.Fqdn(zonename), state, keyid,
			dns.AlgorithmToString[algorithm], creator, privstr, keyrrStr)
	case dns.TypeDNSKEY:
		_, err = tx.Exec(addDnssecKeySql, dns.Fqdn(zonename), state, keyid,
			flags, dns.AlgorithmToString[algorithm], creator, privstr, keyrrStr)
	}
	if err != nil {
		return nil, "", fmt.Errorf("GenerateKeypair: failed to store key: %v", err)
	}

	kdb.mu.Lock()
	if rrtype == dns.TypeKEY {
		delete(kdb.KeystoreSig0Cache, zonename)
	} else {
		delete(kdb.KeystoreDnskeyCache, zonename)
	}
	kdb.mu.Unlock()

	msg := fmt.Sprintf("GenerateKeypair: generated new %s %s key for zone %s (keyid %d)",
		keyrole, dns.TypeToString[rrtype], zonename, keyid)
	return pkc, msg, nil
}

// defaultKeyBits returns the bit-size argument passed to Generate for
// algorithm: the conventional modulus size for RSA, and for EC and EdDSA
// algorithms the exact curve size that miekg/dns's Generate requires
// (256 for P-256 and Ed25519, 384 for P-384).
func defaultKeyBits(algorithm uint8) int {
	switch algorithm {
	case dns.ECDSAP256SHA256, dns.ED25519:
		return 256
	case dns.ECDSAP384SHA384:
		return 384
	case dns.RSASHA1, dns.RSASHA1NSEC3SHA1, dns.RSASHA256, dns.RSASHA512:
		return 2048
	default:
		return 256
	}
}

// GetSig0ActiveKeys returns the zone's active SIG(0) keys, loading them
// from the Sig0KeyStore and caching the result until the next key-state
// change invalidates it.
func (kdb *KeyDB) GetSig0ActiveKeys(zonename string) (*Sig0ActiveKeys, error) {
	kdb.mu.Lock()
	if cached, ok := kdb.KeystoreSig0Cache[zonename]; ok {
		kdb.mu.Unlock()
		return cached, nil
	}
	kdb.mu.Unlock()

	const q = `
SELECT keyid, algorithm, privatekey, keyrr FROM Sig0KeyStore WHERE zonename=? AND state=?`

	rows, err := kdb.Query(q, dns.Fqdn(zonename), DnskeyStateActive)
	if err != nil {
		return nil, fmt.Errorf("GetSig0ActiveKeys: %v", err)
	}
	defer rows.Close()

	sak := &Sig0ActiveKeys{}
	for rows.Next() {
		var keyid int
		var algstr, privstr, keyrrstr string
		if err := rows.Scan(&keyid, &algstr, &privstr, &keyrrstr); err != nil {
			return nil, fmt.Errorf("GetSig0ActiveKeys: row scan: %v", err)
		}
		pkc, err := parseSig0PrivateKeyCache(algstr, privstr, keyrrstr)
		if err != nil {
			log.Printf("GetSig0ActiveKeys: zone %s keyid %d: %v", zonename, keyid, err)
			continue
		}
		sak.Keys = append(sak.Keys, pkc)
	}

	kdb.mu.Lock()
	kdb.KeystoreSig0Cache[zonename] = sak
	kdb.mu.Unlock()

	return sak, nil
}

func parseSig0PrivateKeyCache(algstr, privstr, keyrrstr string) (*PrivateKeyCache, error) {
	rr, err := dns.NewRR(keyrrstr)
	if err != nil {
		return nil, fmt.Errorf("parsing stored KEY RR: %v", err)
	}
	keyrr, ok := rr.(*dns.KEY)
	if !ok {
		return nil, fmt.Errorf("stored RR is not a KEY record")
	}

	cryptoKey, err := keyrr.NewPrivateKey(privstr)
	if err != nil {
		return nil, fmt.Errorf("parsing stored private key: %v", err)
	}
	signer, ok := cryptoKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("stored private key does not implement crypto.Signer")
	}

	return &PrivateKeyCache{
		K:          cryptoKey,
		PrivateKey: privstr,
		CS:         signer,
		KeyType:    dns.TypeKEY,
		Algorithm:  keyrr.Algorithm,
		KeyId:      keyrr.KeyTag(),
		KeyRR:      *keyrr,
		RR:         rr,
	}, nil
}

// GetDnssecKeys returns the zone's DNSSEC keys in state, split into KSKs
// and ZSKs by the SEP flag bit (257 vs 256).
func (kdb *KeyDB) GetDnssecKeys(zonename string, state string) (*DnssecKeys, error) {
	const q = `
SELECT keyid, flags, algorithm, privatekey, keyrr FROM DnssecKeyStore WHERE zonename=? AND state=?`

	rows, err := kdb.Query(q, dns.Fqdn(zonename), state)
	if err != nil {
		return nil, fmt.Errorf("GetDnssecKeys: %v", err)
	}
	defer rows.Close()

	dak := &DnssecKeys{}
	for rows.Next() {
		var keyid, flags int
		var algstr, privstr, keyrrstr string
		if err := rows.Scan(&keyid, &flags, &algstr, &privstr, &keyrrstr); err != nil {
			return nil, fmt.Errorf("GetDnssecKeys: row scan: %v", err)
		}
		pkc, err := parseDnskeyPrivateKeyCache(privstr, keyrrstr)
		if err != nil {
			log.Printf("GetDnssecKeys: zone %s keyid %d: %v", zonename, keyid, err)
			continue
		}
		if flags == 257 {
			dak.KSKs = append(dak.KSKs, pkc)
		} else {
			dak.ZSKs = append(dak.ZSKs, pkc)
		}
	}
	return dak, nil
}

func parseDnskeyPrivateKeyCache(privstr, keyrrstr string) (*PrivateKeyCache, error) {
	rr, err := dns.NewRR(keyrrstr)
	if err != nil {
		return nil, fmt.Errorf("parsing stored DNSKEY RR: %v", err)
	}
	dnskeyrr, ok := rr.(*dns.DNSKEY)
	if !ok {
		return nil, fmt.Errorf("stored RR is not a DNSKEY record")
	}

	cryptoKey, err := dnskeyrr.NewPrivateKey(privstr)
	if err != nil {
		return nil, fmt.Errorf("parsing stored private key: %v", err)
	}
	signer, ok := cryptoKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("stored private key does not implement crypto.Signer")
	}

	return &PrivateKeyCache{
		K:          cryptoKey,
		PrivateKey: privstr,
		CS:         signer,
		KeyType:    dns.TypeDNSKEY,
		Algorithm:  dnskeyrr.Algorithm,
		KeyId:      dnskeyrr.KeyTag(),
		DnskeyRR:   *dnskeyrr,
		RR:         rr,
	}, nil
}

// PromoteDnssecKey transitions a DNSSEC key from fromState to toState,
// e.g. "published" -> "active" when a rollover completes.
func (kdb *KeyDB) PromoteDnssecKey(zonename string, keyid uint16, fromState, toState string) error {
	const q = `UPDATE DnssecKeyStore SET state=? WHERE zonename=? AND keyid=? AND state=?`

	res, err := kdb.Exec(q, toState, dns.Fqdn(zonename), keyid, fromState)
	if err != nil {
		return fmt.Errorf("PromoteDnssecKey: %v", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("PromoteDnssecKey: no key %d in state %q for zone %s", keyid, fromState, zonename)
	}

	kdb.mu.Lock()
	delete(kdb.KeystoreDnskeyCache, zonename)
	kdb.mu.Unlock()

	return nil
}

// DSRecord builds the DS RR for a KSK using the given digest algorithm,
// per RFC 4509.
func DSRecord(ksk *dns.DNSKEY, digestAlg uint8) *dns.DS {
	return ksk.ToDS(digestAlg)
}
