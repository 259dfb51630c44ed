package watchlist

import "time"

// List is the parsed content of one source, in load order.
type List struct {
	Name    string
	Entries []Entry
	Skipped int
}

// Stats describes an Index.
type Stats struct {
	Size       int            `json:"size"`
	PerList    map[string]int `json:"per_list"`
	Duplicates int            `json:"duplicates"`
	Skipped    int            `json:"skipped"`
	BuiltAt    time.Time      `json:"built_at"`
}

// Index is an immutable hex → Entry map. Safe for concurrent reads.
type Index struct {
	entries map[string]Entry
	stats   Stats
}

// Build merges lists into an Index. When a hex appears more than once the
// first occurrence in load order wins and the rest count as duplicates.
func Build(lists ...List) *Index {
	idx := &Index{
		entries: make(map[string]Entry),
		stats:   Stats{PerList: make(map[string]int), BuiltAt: time.Now()},
	}
	for _, l := range lists {
		idx.stats.Skipped += l.Skipped
		for _, e := range l.Entries {
			if _, dup := idx.entries[e.Hex]; dup {
				idx.stats.Duplicates++
				continue
			}
			idx.entries[e.Hex] = e
			idx.stats.PerList[l.Name]++
		}
	}
	idx.stats.Size = len(idx.entries)
	return idx
}

// Lookup returns the entry for hex. hex must already be normalised
// (upper-case); see NormalizeHex.
func (idx *Index) Lookup(hex string) (Entry, bool) {
	if idx == nil {
		return Entry{}, false
	}
	e, ok := idx.entries[hex]
	return e, ok
}

// Len returns the number of distinct aircraft.
func (idx *Index) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.entries)
}

// Stats returns a copy of the build statistics.
func (idx *Index) Stats() Stats {
	if idx == nil {
		return Stats{PerList: map[string]int{}}
	}
	s := idx.stats
	s.PerList = make(map[string]int, len(idx.stats.PerList))
	for k, v := range idx.stats.PerList {
		s.PerList[k] = v
	}
	return s
}
