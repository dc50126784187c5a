package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"nostr-incidents/internal/profile"
	"nostr-incidents/internal/report"
)

// ErrProfileNotFound is returned when no relay has metadata for an author.
var ErrProfileNotFound = errors.New("subscription: profile not found")

const (
	kindMetadata  = 0
	kindRelayList = 10002
)

// FetchProfile returns an author's profile, served from the cache while it is
// fresh. Concurrent calls for the same key share one relay query. When the
// query fails a stale cached copy, if any, is returned instead.
func (m *Manager) FetchProfile(ctx context.Context, pubkey string) (*profile.Profile, error) {
	var cached *profile.Profile
	if m.opts.Cache != nil {
		if p, err := m.opts.Cache.Profiles.Get(ctx, pubkey); err == nil {
			cached = p
		}
	}
	if cached.Fresh(m.opts.ProfileFreshness, time.Now()) {
		return cached, nil
	}

	v, err, _ := m.profiles.Do(pubkey, func() (any, error) {
		qctx, cancel := context.WithTimeout(m.ctx, m.opts.QueryTimeout)
		defer cancel()
		return m.queryProfile(qctx, pubkey)
	})
	if err != nil {
		m.log.Debug("profile fetch failed", "pubkey", pubkey, "error", err)
		if cached != nil {
			return cached, nil
		}
		return nil, err
	}

	p := v.(*profile.Profile)
	if m.opts.Cache != nil {
		m.cacheErr("store profile", m.opts.Cache.Profiles.Put(ctx, p))
	}
	return p, nil
}

// queryProfile looks for kind-0 metadata on the read relays. If only a relay
// list is found, the relays it names are asked as a second step.
func (m *Manager) queryProfile(ctx context.Context, pubkey string) (*profile.Profile, error) {
	urls := m.opts.Store.Get().ReadRelays()
	if len(urls) == 0 {
		return nil, ErrNoRelays
	}

	events, err := m.opts.Transport.Query(ctx, urls, nostr.Filters{{
		Kinds:   []int{kindMetadata, kindRelayList},
		Authors: []string{pubkey},
	}})
	if err != nil {
		return nil, fmt.Errorf("query profile %s: %w", pubkey, err)
	}

	var relayList *nostr.Event
	if p := newestProfile(events); p != nil {
		return p, nil
	}
	for _, evt := range events {
		if evt.Kind == kindRelayList && (relayList == nil || relayList.CreatedAt < evt.CreatedAt) {
			relayList = evt
		}
	}
	if relayList == nil {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, pubkey)
	}

	var listed []string
	for _, tag := range relayList.Tags {
		if len(tag) >= 2 && tag[0] == "r" {
			listed = append(listed, tag[1])
		}
	}
	if len(listed) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, pubkey)
	}
	events, err = m.opts.Transport.Query(ctx, listed, nostr.Filters{{
		Kinds:   []int{kindMetadata},
		Authors: []string{pubkey},
	}})
	if err != nil {
		return nil, fmt.Errorf("query profile %s on listed relays: %w", pubkey, err)
	}
	if p := newestProfile(events); p != nil {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, pubkey)
}

// newestProfile parses the most recent valid kind-0 event.
func newestProfile(events []*nostr.Event) *profile.Profile {
	var best *profile.Profile
	now := time.Now()
	for _, evt := range events {
		if evt.Kind != kindMetadata {
			continue
		}
		p, err := profile.FromEvent(evt, now)
		if err != nil {
			continue
		}
		if best == nil || p.At > best.At {
			best = p
		}
	}
	return best
}

// FetchInteractions loads reactions and comments for a report, oldest first,
// and records them on the stored and cached report.
func (m *Manager) FetchInteractions(ctx context.Context, reportID string) ([]report.Interaction, error) {
	urls := m.opts.Store.Get().ReadRelays()
	if len(urls) == 0 {
		return nil, ErrNoRelays
	}

	qctx, cancel := context.WithTimeout(ctx, m.opts.QueryTimeout)
	defer cancel()
	events, err := m.opts.Transport.Query(qctx, urls, nostr.Filters{{
		Kinds: []int{report.KindReaction, report.KindComment},
		Tags:  nostr.TagMap{report.TagEvent: []string{reportID}},
	}})
	if err != nil {
		return nil, fmt.Errorf("query interactions for %s: %w", reportID, err)
	}

	settings := m.opts.Store.Get().Settings
	seen := make(map[string]struct{}, len(events))
	out := make([]report.Interaction, 0, len(events))
	for _, evt := range events {
		if _, dup := seen[evt.ID]; dup || settings.IsMuted(evt.PubKey) {
			continue
		}
		seen[evt.ID] = struct{}{}
		in, ok := report.NormalizeInteraction(evt)
		if !ok {
			continue
		}
		in.ReportID = reportID
		out = append(out, in)
	}
	report.SortInteractions(out)

	if r, ok := m.opts.Store.SetInteractions(reportID, out); ok && m.opts.Cache != nil {
		m.cacheErr("store interactions", m.opts.Cache.Reports.Mirror(ctx, []*report.Report{r}, nil, m.opts.Store.Report))
	}
	return out, nil
}
