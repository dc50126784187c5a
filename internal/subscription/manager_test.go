package subscription

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-incidents/internal/cache"
	"nostr-incidents/internal/geo"
	"nostr-incidents/internal/profile"
	"nostr-incidents/internal/relay/relaytest"
	"nostr-incidents/internal/report"
	"nostr-incidents/internal/store"
)

const (
	relayA = "wss://a.example.com"
	relayB = "wss://b.example.com"
)

type fixture struct {
	fake  *relaytest.Fake
	store *store.Store
	cache *cache.Cache
	m     *Manager
}

func newFixture(t *testing.T, relays ...string) *fixture {
	t.Helper()
	var rs []store.Relay
	for _, url := range relays {
		rs = append(rs, store.Relay{URL: url, Read: true, Write: true, Status: store.StatusUnknown})
	}
	f := &fixture{
		fake: relaytest.New(),
		store: store.New(store.State{
			Online: true,
			Relays: rs,
			Settings: store.SettingsView{
				Muted:    map[string]struct{}{},
				Followed: map[string]struct{}{},
			},
		}),
		cache: cache.New(filepath.Join(t.TempDir(), "cache.db")),
	}
	f.m = New(context.Background(), Options{Transport: f.fake, Store: f.store, Cache: f.cache})
	t.Cleanup(func() {
		f.m.Close()
		f.cache.Close()
	})
	return f
}

func signed(t *testing.T, sk string, kind int, at int64, tags nostr.Tags, content string) *nostr.Event {
	t.Helper()
	evt := &nostr.Event{
		Kind:      kind,
		CreatedAt: nostr.Timestamp(at),
		Tags:      tags,
		Content:   content,
	}
	require.NoError(t, evt.Sign(sk))
	return evt
}

func reportEvent(t *testing.T, sk string, at int64, dTag, title string) *nostr.Event {
	return signed(t, sk, report.KindReport, at, nostr.Tags{
		{"d", dTag},
		{"title", title},
		{"g", "u4pruydqq"},
	}, "content of "+title)
}

func ids(reports []*report.Report) []string {
	out := make([]string, len(reports))
	for i, r := range reports {
		out[i] = r.ID
	}
	return out
}

func TestConnectSubscribesAndIngests(t *testing.T) {
	f := newFixture(t, relayA, relayB)
	alice, mallory := nostr.GeneratePrivateKey(), nostr.GeneratePrivateKey()
	malloryPK, _ := nostr.GetPublicKey(mallory)

	older := reportEvent(t, alice, 100, "d1", "older")
	newer := reportEvent(t, alice, 200, "d2", "newer")
	muted := reportEvent(t, mallory, 300, "d3", "muted")
	forged := reportEvent(t, alice, 400, "d4", "forged")
	forged.Content = "tampered"

	f.fake.Store(relayA, older, muted, forged)
	f.fake.Store(relayB, newer, older)
	f.store.Set(func(st store.State) store.State {
		st.Settings.Muted = map[string]struct{}{malloryPK: {}}
		return st
	})

	require.NoError(t, f.m.Connect(context.Background()))

	st := f.store.Get()
	for _, r := range st.Relays {
		assert.Equal(t, store.StatusConnected, r.Status, r.URL)
	}
	assert.Equal(t, []string{newer.ID, older.ID}, ids(st.Reports))
	assert.Equal(t, 2, f.m.Subscriptions(KindReports))

	cached, err := f.cache.Reports.All(context.Background())
	require.NoError(t, err)
	assert.Len(t, cached, 2)
}

func TestConnectPartialFailure(t *testing.T) {
	f := newFixture(t, relayA, relayB)
	f.fake.FailConnect(relayB, errors.New("refused"))

	require.NoError(t, f.m.Connect(context.Background()))

	a, _ := f.store.Get().Relay(relayA)
	b, _ := f.store.Get().Relay(relayB)
	assert.Equal(t, store.StatusConnected, a.Status)
	assert.Equal(t, store.StatusError, b.Status)
	assert.Equal(t, []string{relayA}, f.m.Connected())
}

func TestConnectAllFail(t *testing.T) {
	f := newFixture(t, relayA)
	f.fake.FailConnect(relayA, errors.New("refused"))
	assert.ErrorIs(t, f.m.Connect(context.Background()), ErrNoRelays)
}

func TestDuplicateEventKeepsInteractions(t *testing.T) {
	f := newFixture(t, relayA)
	sk := nostr.GeneratePrivateKey()
	evt := reportEvent(t, sk, 100, "d1", "fire")
	f.fake.Store(relayA, evt)
	require.NoError(t, f.m.Connect(context.Background()))

	in := []report.Interaction{{ID: "c1", Kind: report.Comment, Content: "seen it", ReportID: evt.ID, At: 150}}
	f.store.SetInteractions(evt.ID, in)

	f.fake.Emit(relayA, evt)

	st := f.store.Get()
	require.Len(t, st.Reports, 1)
	assert.Equal(t, in, st.Reports[0].Interactions)
}

func TestInteractionsCarriedFromCache(t *testing.T) {
	f := newFixture(t, relayA)
	sk := nostr.GeneratePrivateKey()
	evt := reportEvent(t, sk, 100, "d1", "flood")

	r := report.Normalize(evt)
	r.Interactions = []report.Interaction{{ID: "x", Kind: report.Reaction, Content: "+", ReportID: evt.ID}}
	require.NoError(t, f.cache.Reports.Put(context.Background(), r))

	f.fake.Store(relayA, evt)
	require.NoError(t, f.m.Connect(context.Background()))

	got, ok := f.store.Report(evt.ID)
	require.True(t, ok)
	assert.Len(t, got.Interactions, 1)
}

func TestNewerVersionSupersedesOlder(t *testing.T) {
	f := newFixture(t, relayA)
	sk := nostr.GeneratePrivateKey()
	v1 := reportEvent(t, sk, 100, "same", "v1")
	v2 := reportEvent(t, sk, 200, "same", "v2")

	f.fake.Store(relayA, v1)
	require.NoError(t, f.m.Connect(context.Background()))
	f.fake.Emit(relayA, v2)
	assert.Equal(t, []string{v2.ID}, ids(f.store.Get().Reports))

	// A late older version is ignored.
	f.fake.Emit(relayA, v1)
	assert.Equal(t, []string{v2.ID}, ids(f.store.Get().Reports))

	_, err := f.cache.Reports.Get(context.Background(), v1.ID)
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestConcurrentVersionsLeaveOne(t *testing.T) {
	f := newFixture(t, relayA, relayB)
	sk := nostr.GeneratePrivateKey()
	v1 := reportEvent(t, sk, 100, "same", "v1")
	v2 := reportEvent(t, sk, 200, "same", "v2")
	require.NoError(t, f.m.Connect(context.Background()))

	// Two relays delivering both versions at once.
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); f.m.handleEvent(relayA, v1) }()
		go func() { defer wg.Done(); f.m.handleEvent(relayB, v2) }()
	}
	wg.Wait()

	assert.Equal(t, []string{v2.ID}, ids(f.store.Get().Reports))
	cached, err := f.cache.Reports.All(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{v2.ID}, ids(cached))
}

func TestTombstonedReportNotReingested(t *testing.T) {
	f := newFixture(t, relayA)
	sk := nostr.GeneratePrivateKey()
	evt := reportEvent(t, sk, 100, "d1", "deleted offline")
	f.fake.Store(relayA, evt)
	f.store.Tombstone(evt.ID)

	require.NoError(t, f.m.Connect(context.Background()))
	assert.Empty(t, f.store.Get().Reports)
	_, err := f.cache.Reports.Get(context.Background(), evt.ID)
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestDeletionFromAuthorOnly(t *testing.T) {
	f := newFixture(t, relayA)
	alice, bob := nostr.GeneratePrivateKey(), nostr.GeneratePrivateKey()
	evt := reportEvent(t, alice, 100, "d1", "crash")
	f.fake.Store(relayA, evt)
	require.NoError(t, f.m.Connect(context.Background()))

	kindTag := nostr.Tag{"k", "30023"}
	f.fake.Emit(relayA, signed(t, bob, report.KindDeletion, 110, nostr.Tags{kindTag, {"e", evt.ID}}, ""))
	assert.Len(t, f.store.Get().Reports, 1)

	f.fake.Emit(relayA, signed(t, alice, report.KindDeletion, 120, nostr.Tags{kindTag, {"e", evt.ID}}, "mistake"))
	assert.Empty(t, f.store.Get().Reports)
	_, err := f.cache.Reports.Get(context.Background(), evt.ID)
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestResubscribeClosesPrevious(t *testing.T) {
	f := newFixture(t, relayA)
	require.NoError(t, f.m.Connect(context.Background()))
	require.NoError(t, f.m.SubscribeReports(context.Background()))
	require.NoError(t, f.m.SubscribeReports(context.Background()))

	assert.Equal(t, 1, f.fake.Conn(relayA).Subscriptions())
	assert.Equal(t, 1, f.m.Subscriptions(KindReports))

	f.m.UnsubscribeReports()
	assert.Equal(t, 0, f.fake.Conn(relayA).Subscriptions())
	assert.Equal(t, []string{relayA}, f.m.Connected())
}

func TestDroppedRelayIsReconnected(t *testing.T) {
	f := newFixture(t, relayA)
	require.NoError(t, f.m.Connect(context.Background()))

	f.fake.Drop(relayA)
	require.Eventually(t, func() bool {
		r, _ := f.store.Get().Relay(relayA)
		return r.Status == store.StatusDisconnected
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.m.RunReconnect(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		r, _ := f.store.Get().Relay(relayA)
		return r.Status == store.StatusConnected && f.m.Subscriptions(KindReports) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, f.fake.Dials())
}

func TestReportFilters(t *testing.T) {
	f := newFixture(t, relayA)
	st := store.State{
		Settings: store.SettingsView{
			FocusTags: []store.FocusTag{{Name: "All", Tag: "incident"}, {Name: "Fires", Tag: "fire", Active: true}},
			Followed:  map[string]struct{}{"pk2": {}, "pk1": {}},
		},
		Viewport: geo.Viewport{South: 52.50, West: 13.38, North: 52.52, East: 13.42},
	}

	filters, ok := f.m.ReportFilters(st)
	require.True(t, ok)
	require.Len(t, filters, 2)
	assert.Equal(t, []int{report.KindReport}, filters[0].Kinds)
	assert.Equal(t, []string{"fire"}, filters[0].Tags["t"])
	assert.NotEmpty(t, filters[0].Tags["g"])
	assert.Empty(t, filters[0].Authors)
	assert.Equal(t, []int{report.KindDeletion}, filters[1].Kinds)

	st.Settings.FollowedOnly = true
	filters, ok = f.m.ReportFilters(st)
	require.True(t, ok)
	assert.Equal(t, []string{"pk1", "pk2"}, filters[0].Authors)

	st.Settings.Followed = nil
	_, ok = f.m.ReportFilters(st)
	assert.False(t, ok)
}

func TestFetchProfile(t *testing.T) {
	f := newFixture(t, relayA)
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	f.fake.Store(relayA,
		signed(t, sk, 0, 100, nil, `{"name":"old"}`),
		signed(t, sk, 0, 200, nil, `{"name":"alice"}`),
	)
	require.NoError(t, f.m.Connect(context.Background()))

	p, err := f.m.FetchProfile(context.Background(), pk)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Metadata.Name)
	assert.NotZero(t, p.FetchedAt)
	assert.Equal(t, 1, f.fake.Queries())

	// Served from the cache while fresh.
	_, err = f.m.FetchProfile(context.Background(), pk)
	require.NoError(t, err)
	assert.Equal(t, 1, f.fake.Queries())
}

func TestFetchProfileFollowsRelayList(t *testing.T) {
	f := newFixture(t, relayA)
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	f.fake.Store(relayA, signed(t, sk, 10002, 100, nostr.Tags{{"r", relayB}}, ""))
	f.fake.Store(relayB, signed(t, sk, 0, 100, nil, `{"name":"bob"}`))

	p, err := f.m.FetchProfile(context.Background(), pk)
	require.NoError(t, err)
	assert.Equal(t, "bob", p.Metadata.Name)
	assert.Equal(t, 2, f.fake.Queries())
}

func TestFetchProfileStaleFallback(t *testing.T) {
	f := newFixture(t, relayA)
	stale := &profile.Profile{PubKey: "pk", FetchedAt: time.Now().Add(-48 * time.Hour).Unix()}
	stale.Metadata.Name = "cached"
	require.NoError(t, f.cache.Profiles.Put(context.Background(), stale))

	p, err := f.m.FetchProfile(context.Background(), "pk")
	require.NoError(t, err)
	assert.Equal(t, "cached", p.Metadata.Name)

	_, err = f.m.FetchProfile(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestFetchInteractions(t *testing.T) {
	f := newFixture(t, relayA, relayB)
	alice, bob, mallory := nostr.GeneratePrivateKey(), nostr.GeneratePrivateKey(), nostr.GeneratePrivateKey()
	malloryPK, _ := nostr.GetPublicKey(mallory)

	rep := reportEvent(t, alice, 100, "d1", "storm")
	late := signed(t, bob, report.KindComment, 300, nostr.Tags{{"e", rep.ID}}, "still raining")
	early := signed(t, bob, report.KindReaction, 200, nostr.Tags{{"e", rep.ID}}, "+")
	spam := signed(t, mallory, report.KindComment, 250, nostr.Tags{{"e", rep.ID}}, "spam")

	f.fake.Store(relayA, rep, late, spam)
	f.fake.Store(relayB, early, late)
	f.store.Set(func(st store.State) store.State {
		st.Settings.Muted = map[string]struct{}{malloryPK: {}}
		return st
	})
	require.NoError(t, f.m.Connect(context.Background()))

	got, err := f.m.FetchInteractions(context.Background(), rep.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, early.ID, got[0].ID)
	assert.Equal(t, late.ID, got[1].ID)

	r, ok := f.store.Report(rep.ID)
	require.True(t, ok)
	assert.Len(t, r.Interactions, 2)

	cached, err := f.cache.Reports.Get(context.Background(), rep.ID)
	require.NoError(t, err)
	assert.Len(t, cached.Interactions, 2)
}
