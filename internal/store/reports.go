package store

import (
	"nostr-incidents/internal/geo"
	"nostr-incidents/internal/report"
)

// ReplaceReports swaps in a whole collection, e.g. after loading the cache.
// Tombstoned reports are left out.
func (s *Store) ReplaceReports(reports []*report.Report) {
	s.Set(func(st State) State {
		list := make([]*report.Report, 0, len(reports))
		for _, r := range reports {
			if !st.Tombstoned(r.ID) {
				list = append(list, r)
			}
		}
		report.SortNewestFirst(list)
		st.Reports = list
		st.ReportsVersion++
		return st
	})
}

// IngestReport merges r unless the store already holds a newer version with
// the same author and d tag, or r was deleted locally. Older versions are
// removed in the same update. stored is the version kept, which carries the
// existing interactions when r has none.
func (s *Store) IngestReport(r *report.Report) (stored *report.Report, superseded []string, applied bool) {
	s.update(func(st State) (State, bool) {
		stored, superseded, applied = nil, nil, false
		if st.Tombstoned(r.ID) {
			return st, false
		}
		ids, stale := report.Superseded(st.Reports, r)
		if stale {
			return st, false
		}
		list := st.Reports
		for _, id := range ids {
			list = report.Remove(list, id)
		}
		list = report.Merge(list, r)
		for _, x := range list {
			if x.ID == r.ID {
				stored = x
				break
			}
		}
		st.Reports = list
		st.ReportsVersion++
		superseded, applied = ids, true
		return st, true
	})
	return stored, superseded, applied
}

// RemoveAuthored drops the reports among ids written by pk and returns the
// ids actually removed.
func (s *Store) RemoveAuthored(pk string, ids []string) (removed []string) {
	refs := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		refs[id] = struct{}{}
	}
	s.update(func(st State) (State, bool) {
		removed = nil
		out := make([]*report.Report, 0, len(st.Reports))
		for _, r := range st.Reports {
			if _, ok := refs[r.ID]; ok && r.PubKey == pk {
				removed = append(removed, r.ID)
				continue
			}
			out = append(out, r)
		}
		if len(removed) == 0 {
			return st, false
		}
		st.Reports = out
		st.ReportsVersion++
		return st, true
	})
	return removed
}

// Tombstone removes reports deleted locally and keeps them out of the store
// until ClearTombstones is called for them.
func (s *Store) Tombstone(ids ...string) {
	if len(ids) == 0 {
		return
	}
	s.Set(func(st State) State {
		tombs := make(map[string]struct{}, len(st.Tombstones)+len(ids))
		for id := range st.Tombstones {
			tombs[id] = struct{}{}
		}
		list := st.Reports
		for _, id := range ids {
			tombs[id] = struct{}{}
			list = report.Remove(list, id)
		}
		if len(list) != len(st.Reports) {
			st.Reports = list
			st.ReportsVersion++
		}
		st.Tombstones = tombs
		return st
	})
}

// ClearTombstones lets the given ids be ingested again.
func (s *Store) ClearTombstones(ids ...string) {
	s.update(func(st State) (State, bool) {
		var hit bool
		for _, id := range ids {
			if st.Tombstoned(id) {
				hit = true
				break
			}
		}
		if !hit {
			return st, false
		}
		tombs := make(map[string]struct{}, len(st.Tombstones))
		for id := range st.Tombstones {
			tombs[id] = struct{}{}
		}
		for _, id := range ids {
			delete(tombs, id)
		}
		st.Tombstones = tombs
		return st, true
	})
}

// SetInteractions replaces the local interactions of one report and returns
// the updated report.
func (s *Store) SetInteractions(reportID string, interactions []report.Interaction) (*report.Report, bool) {
	return s.updateReport(reportID, func(r *report.Report) bool {
		r.Interactions = interactions
		return true
	})
}

// AddInteraction appends in to a report's interactions unless it is already
// there, keeping them oldest first.
func (s *Store) AddInteraction(reportID string, in report.Interaction) (*report.Report, bool) {
	return s.updateReport(reportID, func(r *report.Report) bool {
		for _, existing := range r.Interactions {
			if existing.ID == in.ID {
				return false
			}
		}
		list := append(append([]report.Interaction(nil), r.Interactions...), in)
		report.SortInteractions(list)
		r.Interactions = list
		return true
	})
}

// updateReport applies fn to a copy of one report. The returned report is the
// one held after the update; ok is false when the report is not loaded.
func (s *Store) updateReport(id string, fn func(*report.Report) bool) (updated *report.Report, ok bool) {
	s.update(func(st State) (State, bool) {
		updated, ok = nil, false
		for i, r := range st.Reports {
			if r.ID != id {
				continue
			}
			updated, ok = r, true
			c := r.Clone()
			if !fn(c) {
				return st, false
			}
			list := append([]*report.Report(nil), st.Reports...)
			list[i] = c
			st.Reports = list
			st.ReportsVersion++
			updated = c
			return st, true
		}
		return st, false
	})
	return updated, ok
}

// Report returns the report with the given id from the current snapshot.
func (s *Store) Report(id string) (*report.Report, bool) {
	for _, r := range s.Get().Reports {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}

// SetRelays replaces the relay list, keeping known statuses.
func (s *Store) SetRelays(relays []Relay) {
	s.Set(func(st State) State {
		out := make([]Relay, len(relays))
		for i, r := range relays {
			if prev, ok := st.Relay(r.URL); ok {
				r.Status, r.Info = prev.Status, prev.Info
			}
			if r.Status == "" {
				r.Status = StatusUnknown
			}
			out[i] = r
		}
		st.Relays = out
		return st
	})
}

// SetRelayStatus updates a relay's connection state.
func (s *Store) SetRelayStatus(url string, status RelayStatus) {
	s.updateRelay(url, func(r *Relay) { r.Status = status })
}

// SetRelayInfo stores a relay's capability document.
func (s *Store) SetRelayInfo(url string, info *RelayInfo) {
	s.updateRelay(url, func(r *Relay) { r.Info = info })
}

func (s *Store) updateRelay(url string, fn func(*Relay)) {
	s.Set(func(st State) State {
		out := append([]Relay(nil), st.Relays...)
		for i := range out {
			if out[i].URL == url {
				fn(&out[i])
			}
		}
		st.Relays = out
		return st
	})
}

// SetSettings installs a new settings projection.
func (s *Store) SetSettings(v SettingsView) {
	s.Set(func(st State) State {
		st.Settings = v
		st.SettingsVersion++
		return st
	})
}

// SetFilters replaces the filter state.
func (s *Store) SetFilters(f Filters) {
	s.Set(func(st State) State {
		st.Filters = f
		st.FilterVersion++
		return st
	})
}

// SetShapes replaces the drawn shapes.
func (s *Store) SetShapes(shapes []*geo.Shape) {
	s.Set(func(st State) State {
		st.Shapes = append([]*geo.Shape(nil), shapes...)
		st.FilterVersion++
		return st
	})
}

// UpsertShape adds s or replaces the shape with the same ID.
func (s *Store) UpsertShape(shape *geo.Shape) {
	s.Set(func(st State) State {
		out := make([]*geo.Shape, 0, len(st.Shapes)+1)
		for _, old := range st.Shapes {
			if old.ID != shape.ID {
				out = append(out, old)
			}
		}
		st.Shapes = append(out, shape)
		st.FilterVersion++
		return st
	})
}

// RemoveShape drops the shape with the given ID and reports whether it existed.
func (s *Store) RemoveShape(id string) (removed bool) {
	s.update(func(st State) (State, bool) {
		removed = false
		out := make([]*geo.Shape, 0, len(st.Shapes))
		for _, old := range st.Shapes {
			if old.ID == id {
				removed = true
				continue
			}
			out = append(out, old)
		}
		if !removed {
			return st, false
		}
		st.Shapes = out
		st.FilterVersion++
		return st, true
	})
	return removed
}

// SetShapeActive toggles one shape and returns the updated copy.
func (s *Store) SetShapeActive(id string, active bool) (updated *geo.Shape, ok bool) {
	s.update(func(st State) (State, bool) {
		updated, ok = nil, false
		for i, old := range st.Shapes {
			if old.ID != id {
				continue
			}
			cp := *old
			cp.Active = active
			out := append([]*geo.Shape(nil), st.Shapes...)
			out[i] = &cp
			st.Shapes = out
			st.FilterVersion++
			updated, ok = &cp, true
			return st, true
		}
		return st, false
	})
	return updated, ok
}

// SetViewport records the visible map area.
func (s *Store) SetViewport(v geo.Viewport) {
	s.Set(func(st State) State {
		st.Viewport = v
		return st
	})
}

// SetOutboxSize records the number of queued events.
func (s *Store) SetOutboxSize(n int) {
	s.Set(func(st State) State {
		st.OutboxSize = n
		return st
	})
}

// SetIdentity records the logged-in identity, or nil after logout.
func (s *Store) SetIdentity(id *Identity) {
	s.Set(func(st State) State {
		st.Identity = id
		return st
	})
}

// SetLoading toggles the loading flag.
func (s *Store) SetLoading(loading bool) {
	s.Set(func(st State) State {
		st.Loading = loading
		return st
	})
}
