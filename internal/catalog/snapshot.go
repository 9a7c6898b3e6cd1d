package catalog

import (
	"slices"
	"sort"
	"time"

	"github.com/sthetix/SwitchrootDepot/internal/build"
)

// snapshotFormat is bumped when the persisted layout changes; older cache
// files are then treated as a miss.
const snapshotFormat = 1

// Snapshot is an immutable view of every configured source. Readers hold a
// *Snapshot for as long as they need it; refreshes replace the pointer and
// never mutate a published snapshot.
type Snapshot struct {
	Format    int                           `json:"format"`
	Sources   map[string][]build.BuildEntry `json:"sources"`
	FetchedAt time.Time                     `json:"fetched_at"`

	// Stale lists sources whose latest scan failed. Their entries, if any,
	// are carried over from the previous snapshot.
	Stale []string `json:"stale,omitempty"`
}

// Age returns how long ago the snapshot was fetched.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.FetchedAt)
}

// SourceIDs returns the source IDs in sorted order.
func (s *Snapshot) SourceIDs() []string {
	ids := make([]string, 0, len(s.Sources))
	for id := range s.Sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Covers reports whether the snapshot holds an entry list for every id.
func (s *Snapshot) Covers(ids []string) bool {
	for _, id := range ids {
		if _, ok := s.Sources[id]; !ok {
			return false
		}
	}
	return true
}

// IsStale reports whether the latest scan of id failed.
func (s *Snapshot) IsStale(id string) bool {
	return slices.Contains(s.Stale, id)
}

// Count returns the number of entries across all sources.
func (s *Snapshot) Count() int {
	n := 0
	for _, entries := range s.Sources {
		n += len(entries)
	}
	return n
}

// Entries returns every entry, grouped by source in ID order.
func (s *Snapshot) Entries() []build.BuildEntry {
	var out []build.BuildEntry
	for _, id := range s.SourceIDs() {
		out = append(out, s.Sources[id]...)
	}
	return out
}

// Family returns every entry of family f.
func (s *Snapshot) Family(f build.Family) []build.BuildEntry {
	var out []build.BuildEntry
	for _, id := range s.SourceIDs() {
		for _, e := range s.Sources[id] {
			if e.Family == f {
				out = append(out, e)
			}
		}
	}
	return out
}

// Lookup finds an entry by ID.
func (s *Snapshot) Lookup(id string) (build.BuildEntry, bool) {
	for _, sid := range s.SourceIDs() {
		for _, e := range s.Sources[sid] {
			if e.ID == id {
				return e, true
			}
		}
	}
	return build.BuildEntry{}, false
}

// withStale returns a shallow copy of s with the given stale set.
func (s *Snapshot) withStale(stale []string) *Snapshot {
	cp := *s
	cp.Stale = stale
	return &cp
}
