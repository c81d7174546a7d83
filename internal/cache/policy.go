package cache

import "sort"

// EvictionPolicy picks which entries to drop. entries are ordered oldest
// first; total is their summed size. The cache deletes the returned ids.
type EvictionPolicy func(entries []Entry, total, budget int64) []string

// OldestFirst evicts the least recently cached videos until total fits budget.
func OldestFirst(entries []Entry, total, budget int64) []string {
	var ids []string
	for _, e := range entries {
		if total <= budget {
			break
		}
		ids = append(ids, e.ID)
		total -= e.Size
	}
	return ids
}

// LargestFirst evicts the biggest videos first, oldest among equals.
func LargestFirst(entries []Entry, total, budget int64) []string {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Size > sorted[j].Size })
	return OldestFirst(sorted, total, budget)
}
