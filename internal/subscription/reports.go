package subscription

import (
	"context"
	"errors"
	"sort"
	"strconv"

	"github.com/nbd-wtf/go-nostr"

	"nostr-incidents/internal/cache"
	"nostr-incidents/internal/report"
	"nostr-incidents/internal/store"
)

// ReportFilters builds the relay filters for the live report feed from the
// current focus tag, follow mode and viewport. ok is false when nothing can
// match, i.e. followed-only mode with an empty follow list.
func (m *Manager) ReportFilters(st store.State) (filters nostr.Filters, ok bool) {
	f := nostr.Filter{
		Kinds: []int{report.KindReport},
		Tags:  nostr.TagMap{},
		Limit: m.opts.ReportLimit,
	}
	if topic := st.Settings.ActiveFocusTag(); topic != "" {
		f.Tags[report.TagTopic] = []string{topic}
	}
	if st.Settings.FollowedOnly {
		if len(st.Settings.Followed) == 0 {
			return nil, false
		}
		for pk := range st.Settings.Followed {
			f.Authors = append(f.Authors, pk)
		}
		sort.Strings(f.Authors)
	}
	if cells := st.Viewport.Prefixes(m.opts.MaxGeohashCells); len(cells) > 0 {
		f.Tags[report.TagGeohash] = cells
	}
	if len(f.Tags) == 0 {
		f.Tags = nil
	}

	deletions := nostr.Filter{
		Kinds: []int{report.KindDeletion},
		Tags:  nostr.TagMap{report.TagKind: []string{strconv.Itoa(report.KindReport)}},
	}
	if len(f.Authors) > 0 {
		deletions.Authors = f.Authors
	}
	return nostr.Filters{f, deletions}, true
}

// SubscribeReports replaces the live report subscriptions with one per
// connected read relay.
func (m *Manager) SubscribeReports(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.closeSubs(func(s *activeSub) bool { return s.kind == KindReports })

	st := m.opts.Store.Get()
	filters, ok := m.ReportFilters(st)
	if !ok {
		m.log.Info("no followed authors, report feed paused")
		return nil
	}

	var opened int
	var lastErr error
	for _, url := range st.ReadRelays() {
		c, ok := m.conns.Load(url)
		if !ok {
			continue
		}
		url := url
		id := newSubID()
		sub, err := c.Subscribe(m.ctx, filters,
			func(evt *nostr.Event) { m.handleEvent(url, evt) },
			func() { m.log.Debug("stored reports received", "url", url, "sub", id) },
		)
		if err != nil {
			m.log.Warn("report subscription failed", "url", url, "error", err)
			lastErr = err
			continue
		}
		m.subs.Store(id, &activeSub{id: id, kind: KindReports, url: url, filters: filters, sub: sub})
		opened++
	}
	if opened == 0 && lastErr != nil {
		return errors.Join(ErrNoRelays, lastErr)
	}
	return nil
}

// UnsubscribeReports closes the live report subscriptions only.
func (m *Manager) UnsubscribeReports() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.closeSubs(func(s *activeSub) bool { return s.kind == KindReports })
}

// Subscriptions returns how many subscriptions of kind are open.
func (m *Manager) Subscriptions(kind string) int {
	var n int
	m.subs.Range(func(_ string, s *activeSub) bool {
		if s.kind == kind {
			n++
		}
		return true
	})
	return n
}

func (m *Manager) handleEvent(url string, evt *nostr.Event) {
	if ok, err := evt.CheckSignature(); !ok || err != nil {
		m.log.Debug("dropping event with bad signature", "url", url, "id", evt.ID)
		return
	}
	if m.opts.Store.Get().Settings.IsMuted(evt.PubKey) {
		return
	}

	switch {
	case report.IsReportKind(evt.Kind):
		m.ingestReport(report.Normalize(evt))
	case evt.Kind == report.KindDeletion:
		m.applyDeletion(evt)
	}
}

// ingestReport merges one report into the store and cache. A newer version
// of the same author and d tag supersedes older ones; reports deleted locally
// stay out until their deletion is delivered.
func (m *Manager) ingestReport(r *report.Report) {
	ctx := m.ctx
	if len(r.Interactions) == 0 && m.opts.Cache != nil {
		if cached, err := m.opts.Cache.Reports.Get(ctx, r.ID); err == nil && len(cached.Interactions) > 0 {
			r.Interactions = cached.Interactions
		}
	}

	stored, superseded, applied := m.opts.Store.IngestReport(r)
	if !applied || m.opts.Cache == nil {
		return
	}
	m.cacheErr("store report", m.opts.Cache.Reports.Mirror(ctx, []*report.Report{stored}, superseded, m.opts.Store.Report))
}

// applyDeletion removes the referenced reports written by the deletion's author.
func (m *Manager) applyDeletion(evt *nostr.Event) {
	ids := m.opts.Store.RemoveAuthored(evt.PubKey, report.Referenced(evt))
	if len(ids) == 0 {
		return
	}
	m.log.Debug("applying deletion", "id", evt.ID, "reports", len(ids))
	if m.opts.Cache != nil {
		m.cacheErr("delete reports", m.opts.Cache.Reports.Mirror(m.ctx, nil, ids, nil))
	}
}

func (m *Manager) cacheErr(op string, err error) {
	switch {
	case err == nil, errors.Is(err, cache.ErrStorageUnavailable):
	default:
		m.log.Warn("cache write failed", "op", op, "error", err)
	}
}
