// Package filter derives the visible report list from the store.
package filter

import (
	"log/slog"
	"strings"
	"sync"

	"nostr-incidents/internal/geo"
	"nostr-incidents/internal/report"
	"nostr-incidents/internal/store"
)

// Engine recomputes State.FilteredReports. It remembers the inputs of the last
// run and skips work when none of them changed.
type Engine struct {
	store *store.Store
	log   *slog.Logger

	mu   sync.Mutex
	last versions
	ran  bool
}

type versions struct {
	reports, filters, settings uint64
}

// New creates an Engine reading from and writing to s.
func New(s *store.Store) *Engine {
	return &Engine{store: s, log: slog.Default().With("component", "filter")}
}

// ApplyAllFilters recomputes the filtered list if any input changed and
// reports whether it did.
func (e *Engine) ApplyAllFilters() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.store.Get()
	v := versions{st.ReportsVersion, st.FilterVersion, st.SettingsVersion}
	if e.ran && v == e.last {
		return false
	}

	out := Apply(st)
	e.store.Set(func(cur store.State) store.State {
		cur.FilteredReports = out
		return cur
	})
	e.last, e.ran = v, true
	e.log.Debug("filters applied", "total", len(st.Reports), "visible", len(out))
	return true
}

// Watch recomputes after every store change and returns a function that stops it.
func (e *Engine) Watch() (stop func()) {
	return e.store.Subscribe(func(newState, oldState store.State) {
		if newState.ReportsVersion != oldState.ReportsVersion ||
			newState.FilterVersion != oldState.FilterVersion ||
			newState.SettingsVersion != oldState.SettingsVersion {
			e.ApplyAllFilters()
		}
	})
}

// Apply returns the reports of st passing every active predicate, newest first.
func Apply(st store.State) []*report.Report {
	shapes := st.ActiveShapes()
	p := predicates{
		settings: st.Settings,
		filters:  st.Filters,
		search:   strings.ToLower(strings.TrimSpace(st.Filters.Search)),
		shapes:   shapes,
		spatial:  st.Filters.Spatial && len(shapes) > 0,
	}

	out := make([]*report.Report, 0, len(st.Reports))
	for _, r := range st.Reports {
		if p.match(r) {
			out = append(out, r)
		}
	}
	report.SortNewestFirst(out)
	return out
}

type predicates struct {
	settings store.SettingsView
	filters  store.Filters
	search   string
	shapes   []*geo.Shape
	spatial  bool
}

func (p predicates) match(r *report.Report) bool {
	if p.settings.IsMuted(r.PubKey) {
		return false
	}
	if p.settings.FollowedOnly && !p.settings.IsFollowed(r.PubKey) {
		return false
	}
	if p.search != "" && !containsFold(r, p.search) {
		return false
	}
	if len(p.filters.Categories) > 0 && !anyOf(r.Categories, p.filters.Categories) {
		return false
	}
	if len(p.filters.FreeTags) > 0 && !anyOf(r.FreeTags, p.filters.FreeTags) {
		return false
	}
	if p.filters.Since > 0 && r.At < p.filters.Since {
		return false
	}
	if p.filters.Until > 0 && r.At > p.filters.Until {
		return false
	}
	if len(p.filters.EventTypes) > 0 && !anyOf([]string{r.EventType}, p.filters.EventTypes) {
		return false
	}
	if len(p.filters.Statuses) > 0 && !anyOf([]string{r.Status}, p.filters.Statuses) {
		return false
	}
	if p.spatial {
		if !r.HasLocation() || !geo.AnyContains(p.shapes, *r.Lat, *r.Lon) {
			return false
		}
	}
	return true
}

func containsFold(r *report.Report, needle string) bool {
	for _, field := range []string{r.Title, r.Summary, r.Content} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

func anyOf(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(h, w) {
				return true
			}
		}
	}
	return false
}
