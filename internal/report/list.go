package report

import "sort"

// Merge inserts r into a list sorted newest first. An entry with the same ID is
// replaced and keeps its interactions when r carries none. The input slice is
// not modified.
func Merge(sorted []*Report, r *Report) []*Report {
	for i, existing := range sorted {
		if existing.ID != r.ID {
			continue
		}
		if len(r.Interactions) == 0 && len(existing.Interactions) > 0 {
			r = r.Clone()
			r.Interactions = existing.Interactions
		}
		out := make([]*Report, 0, len(sorted))
		out = append(out, sorted[:i]...)
		out = append(out, sorted[i+1:]...)
		return insertDescending(out, r)
	}
	return insertDescending(append([]*Report(nil), sorted...), r)
}

// insertDescending places r before the first entry that is not newer than it.
// Equal timestamps keep arrival order.
func insertDescending(list []*Report, r *Report) []*Report {
	pos := sort.Search(len(list), func(i int) bool {
		return list[i].At < r.At
	})
	list = append(list, nil)
	copy(list[pos+1:], list[pos:])
	list[pos] = r
	return list
}

// Remove returns the list without the report with the given id.
func Remove(list []*Report, id string) []*Report {
	out := make([]*Report, 0, len(list))
	for _, r := range list {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return out
}

// SortNewestFirst sorts reports by At descending, breaking ties by ID.
func SortNewestFirst(list []*Report) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].At != list[j].At {
			return list[i].At > list[j].At
		}
		return list[i].ID < list[j].ID
	})
}

// SortInteractions orders interactions oldest first.
func SortInteractions(list []Interaction) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].At != list[j].At {
			return list[i].At < list[j].At
		}
		return list[i].ID < list[j].ID
	})
}

// Superseded returns the ids in list that r replaces: other versions by the
// same author with the same d tag. stale is true when list already holds a
// newer version, in which case r should be dropped.
func Superseded(list []*Report, r *Report) (ids []string, stale bool) {
	if r.DTag == "" {
		return nil, false
	}
	for _, existing := range list {
		if existing.ID == r.ID || existing.DTag != r.DTag || existing.PubKey != r.PubKey {
			continue
		}
		if existing.At > r.At {
			return nil, true
		}
		ids = append(ids, existing.ID)
	}
	return ids, false
}
