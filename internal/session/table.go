package session

import (
	"slices"
	"sort"
)

// table maps principals to records. It is not safe for concurrent use; the
// Manager guards it.
type table struct {
	records map[PrincipalID]*Record
}

func newTable() *table {
	return &table{records: make(map[PrincipalID]*Record)}
}

func (t *table) get(id PrincipalID) (*Record, bool) {
	rec, ok := t.records[id]
	return rec, ok
}

func (t *table) put(rec *Record) {
	t.records[rec.PrincipalID] = rec
}

func (t *table) remove(id PrincipalID) (*Record, bool) {
	rec, ok := t.records[id]
	if ok {
		delete(t.records, id)
	}
	return rec, ok
}

func (t *table) len() int {
	return len(t.records)
}

func (t *table) each(fn func(*Record)) {
	for _, rec := range t.records {
		fn(rec)
	}
}

// oldest returns up to n records ordered by ascending LastActivity, skipping
// the principals in keep.
func (t *table) oldest(n int, keep ...PrincipalID) []*Record {
	if n <= 0 {
		return nil
	}

	all := make([]*Record, 0, len(t.records))
	for _, rec := range t.records {
		if slices.Contains(keep, rec.PrincipalID) {
			continue
		}
		all = append(all, rec)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].LastActivity.Equal(all[j].LastActivity) {
			return all[i].PrincipalID < all[j].PrincipalID
		}
		return all[i].LastActivity.Before(all[j].LastActivity)
	})

	if n > len(all) {
		n = len(all)
	}
	return all[:n]
}
