package ixfr

import (
	"fmt"

	"github.com/miekg/dns"
)

type DiffSequence struct {
	StartSOASerial uint32
	EndSOASerial   uint32
	AddedRecords   []dns.RR
	DeletedRecords []dns.RR
}

func CreateDiffSequence(soaStart, soaEnd uint32) DiffSequence {
	return DiffSequence{
		StartSOASerial: soaStart,
		EndSOASerial:   soaEnd,
		AddedRecords:   []dns.RR{},
		DeletedRecords: []dns.RR{},
	}
}

func (ds *DiffSequence) Equals(other DiffSequence) bool {
	if ds.StartSOASerial != other.StartSOASerial {
		return false
	}

	if ds.EndSOASerial != other.EndSOASerial {
		return false
	}

	if !rrEquals(ds.AddedRecords, other.AddedRecords) {
		return false
	}

	if !rrEquals(ds.DeletedRecords, other.DeletedRecords) {
		return false
	}

	return true
}

func (ds *DiffSequence) GetAdded() []dns.RR {
	return ds.getDifference(true)
}

func (ds *DiffSequence) AddAdded(rrStr string) {
	rr, err := dns.NewRR(rrStr)

	if err != nil {
		panic("Error adding RR to 'added' slice")
	}

	ds.AddedRecords = append(ds.AddedRecords, rr)
}

func (ds *DiffSequence) GetDeleted() []dns.RR {
	return ds.getDifference(false)
}

func (ds *DiffSequence) AddDeleted(rrStr string) {
	rr, err := dns.NewRR(rrStr)

	if err != nil {
		panic("Error adding RR to 'deleted' slice")
	}

	ds.DeletedRecords = append(ds.DeletedRecords, rr)
}

/* TODO Handle differing number of added and deleted rrs.
 * What happens for instance if we delete 2 NS records
 * and add 3 NS records for a given domain? Which one
 * was "added" and which ones where "just changed"
 */
func (ds *DiffSequence) getDifference(getAdded bool) []dns.RR {
	/* Calc set difference as "a\b" */
	var a, b *[]dns.RR
	diff := make(map[string][]string, 0)

	if getAdded {
		a = &ds.AddedRecords
		b = &ds.DeletedRecords
	} else {
		a = &ds.DeletedRecords
		b = &ds.AddedRecords
	}

	/* keys are of the format "DOMAIN+RType", an A record for example.com
	 * would be "example.com+1", for instance
	 */
	for _, _a := range *a {
		key := fmt.Sprintf("%s+%d", _a.Header().Name, _a.Header().Rrtype)
		_, ok := diff[key]
		if !ok {
			diff[key] = make([]string, 1)
			diff[key][0] = _a.String()
		} else {
			diff[key] = append(diff[key], _a.String())
		}
	}

	for _, _b := range *b {
		key := fmt.Sprintf("%s+%d", _b.Header().Name, _b.Header().Rrtype)
		slice, ok := diff[key]
		if ok {
			diff[key] = slice[1:len(slice)]
		} else {
			continue
		}

		if len(diff[key]) == 0 {
			delete(diff, key)
		}
	}

	rrs := make([]dns.RR, 0)
	for _, v := range diff {
		for _, s := range v {
			rr, err := dns.NewRR(s)
			if err != nil {
				panic("Error calculating diff between RR slices")
			}
			rrs = append(rrs, rr)
		}
	}

	return rrs
}
