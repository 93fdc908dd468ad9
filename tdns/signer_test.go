package tdns

import (
	"testing"

	"github.com/miekg/dns"
)

func TestDefaultKeyBits(t *testing.T) {
	cases := []struct {
		alg  uint8
		want int
	}{
		{dns.RSASHA256, 2048},
		{dns.RSASHA512, 2048},
		{dns.ECDSAP256SHA256, 256},
		{dns.ECDSAP384SHA384, 384},
		{dns.ED25519, 256},
	}
	for _, c := range cases {
		if got := defaultKeyBits(c.alg); got != c.want {
			t.Errorf("defaultKeyBits(%d) = %d, want %d", c.alg, got, c.want)
		}
	}
}

// DSRecord derives a DS RR whose owner, key tag and algorithm match the
// DNSKEY it was built from.
func TestDSRecord(t *testing.T) {
	key := &dns.DNSKEY{
		Hdr:       dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeDNSKEY, Class: dns.ClassINET, Ttl: 3600},
		Flags:     dns.SEP | dns.ZONE,
		Protocol:  3,
		Algorithm: dns.RSASHA256,
		PublicKey: "AwEAAagHYtggARdjcEiAfY3xomYTOlFsXq2wXLFWf8UbF/83MW5yhg==",
	}

	ds := DSRecord(key, dns.SHA256)
	if ds == nil {
		t.Fatal("DSRecord returned nil")
	}
	if ds.Hdr.Name != key.Hdr.Name {
		t.Errorf("DS owner name = %q, want %q", ds.Hdr.Name, key.Hdr.Name)
	}
	if ds.KeyTag != key.KeyTag() {
		t.Errorf("DS KeyTag = %d, want %d", ds.KeyTag, key.KeyTag())
	}
	if ds.Algorithm != key.Algorithm {
		t.Errorf("DS Algorithm = %d, want %d", ds.Algorithm, key.Algorithm)
	}
	if ds.DigestType != dns.SHA256 {
		t.Errorf("DS DigestType = %d, want %d", ds.DigestType, dns.SHA256)
	}
}
