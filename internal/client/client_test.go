package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-incidents/internal/cache"
	"nostr-incidents/internal/config"
	"nostr-incidents/internal/connectivity"
	"nostr-incidents/internal/geo"
	"nostr-incidents/internal/identity"
	"nostr-incidents/internal/publish"
	"nostr-incidents/internal/relay/relaytest"
	"nostr-incidents/internal/report"
	"nostr-incidents/internal/store"
)

const (
	relayA = "wss://a.example.com"
	relayB = "wss://b.example.com"
)

func init() {
	identity.ScryptLogN = 10
}

type noInfo struct{}

func (noInfo) FetchInfo(context.Context, string) (*nip11.RelayInformationDocument, error) {
	return nil, errors.New("no info")
}

type endpoint struct {
	mu       sync.Mutex
	received []string
	srv      *httptest.Server
}

func newEndpoint(t *testing.T) *endpoint {
	e := &endpoint{}
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt nostr.Event
		if err := json.NewDecoder(r.Body).Decode(&evt); err == nil {
			e.mu.Lock()
			e.received = append(e.received, evt.ID)
			e.mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *endpoint) Received() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.received...)
}

type env struct {
	dataDir  string
	fake     *relaytest.Fake
	online   *connectivity.Static
	endpoint *endpoint

	mu       sync.Mutex
	notified []string
}

func newEnv(t *testing.T) *env {
	return &env{
		dataDir:  t.TempDir(),
		fake:     relaytest.New(),
		online:   connectivity.NewStatic(true),
		endpoint: newEndpoint(t),
	}
}

func (e *env) client(t *testing.T) *Client {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = e.dataDir
	cfg.PublishURL = e.endpoint.srv.URL
	cfg.Relays = []config.RelayConfig{{URL: relayA, Read: true, Write: true}}

	c, err := New(Options{
		Config:       cfg,
		Transport:    e.fake,
		Info:         noInfo{},
		Deliverer:    publish.NewHTTPDeliverer(cfg.PublishURL),
		Connectivity: e.online,
		Keystore:     identity.FileKeystore{Dir: e.dataDir},
		Notifier: NotifierFunc(func(op string, err error) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.notified = append(e.notified, op)
		}),
	})
	require.NoError(t, err)
	return c
}

func (e *env) started(t *testing.T) *Client {
	t.Helper()
	c := e.client(t)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func (e *env) Notified() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.notified...)
}

func incident(t *testing.T, sk string, at int64, title string, extra ...nostr.Tag) *nostr.Event {
	t.Helper()
	tags := nostr.Tags{
		{"d", title},
		{"title", title},
		{"t", "incident"},
		{"g", "u4pruydqq"},
	}
	evt := &nostr.Event{
		Kind:      report.KindReport,
		CreatedAt: nostr.Timestamp(at),
		Tags:      append(tags, extra...),
		Content:   title,
	}
	require.NoError(t, evt.Sign(sk))
	return evt
}

func TestStartSyncsAndFilters(t *testing.T) {
	e := newEnv(t)
	sk := nostr.GeneratePrivateKey()
	first := incident(t, sk, 100, "first")
	second := incident(t, sk, 200, "second")
	e.fake.Store(relayA, first, second)

	c := e.started(t)

	st := c.Store.Get()
	assert.True(t, st.Online)
	require.Len(t, st.Reports, 2)
	require.Len(t, st.FilteredReports, 2)
	assert.Equal(t, second.ID, st.FilteredReports[0].ID)

	r, ok := st.Relay(relayA)
	require.True(t, ok)
	assert.Equal(t, store.StatusConnected, r.Status)

	third := incident(t, sk, 300, "third")
	e.fake.Emit(relayA, third)
	require.Eventually(t, func() bool {
		fr := c.Store.Get().FilteredReports
		return len(fr) == 3 && fr[0].ID == third.ID
	}, time.Second, 5*time.Millisecond)
}

func TestStartWithoutRelaysStillLoadsCache(t *testing.T) {
	e := newEnv(t)
	sk := nostr.GeneratePrivateKey()
	e.fake.Store(relayA, incident(t, sk, 100, "cached"))

	c := e.started(t)
	require.Len(t, c.Store.Get().Reports, 1)
	require.NoError(t, c.Close())

	e.fake.FailConnect(relayA, errors.New("refused"))
	c2 := e.started(t)
	st := c2.Store.Get()
	assert.Len(t, st.FilteredReports, 1)
	r, _ := st.Relay(relayA)
	assert.Equal(t, store.StatusError, r.Status)
}

func TestQueuedEventsDrainOnNextStart(t *testing.T) {
	e := newEnv(t)
	e.online.Set(false)

	c := e.started(t)
	_, err := c.Generate("correct horse")
	require.NoError(t, err)
	assert.Equal(t, string(identity.AuthLocal), c.Store.Get().Identity.AuthMethod)

	lat, lon := 48.85, 2.35
	res, err := c.Publisher.PublishReport(context.Background(), report.Draft{
		Title: "queued", Content: "x", Lat: &lat, Lon: &lon,
	})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, 1, c.Store.Get().OutboxSize)
	require.NoError(t, c.Close())

	e.online.Set(true)
	c2 := e.started(t)
	assert.Equal(t, []string{res.Event.ID}, e.endpoint.Received())
	assert.Zero(t, c2.Store.Get().OutboxSize)
	assert.NotNil(t, c2.Store.Get().Identity)
}

func TestReconnectDrainsOutbox(t *testing.T) {
	e := newEnv(t)
	target := incident(t, nostr.GeneratePrivateKey(), 100, "target")
	e.fake.Store(relayA, target)
	c := e.started(t)
	_, err := c.Generate("pw")
	require.NoError(t, err)

	e.online.Set(false)
	require.Eventually(t, func() bool { return !c.Store.Get().Online }, time.Second, 5*time.Millisecond)

	res, err := c.Publisher.React(context.Background(), target.ID, "+")
	require.NoError(t, err)
	assert.True(t, res.Queued)
	r, ok := c.Store.Report(target.ID)
	require.True(t, ok)
	assert.Len(t, r.Interactions, 1)

	e.online.Set(true)
	require.Eventually(t, func() bool {
		return len(e.endpoint.Received()) == 1 && c.Store.Get().OutboxSize == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunNotifiesOncePerFailure(t *testing.T) {
	e := newEnv(t)
	c := e.started(t)

	var sawLoading atomic.Bool
	err := c.Run(context.Background(), "publish", func(ctx context.Context) error {
		sawLoading.Store(c.Store.Get().Loading)
		_, err := c.Publisher.PublishReport(ctx, report.Draft{Title: "no key", Content: "x", Geohash: "u4pru"})
		return err
	})
	require.ErrorIs(t, err, identity.ErrNoIdentity)
	assert.True(t, sawLoading.Load())
	assert.False(t, c.Store.Get().Loading)
	assert.Equal(t, []string{"publish"}, e.Notified())

	require.NoError(t, c.Run(context.Background(), "noop", func(context.Context) error { return nil }))
	assert.Len(t, e.Notified(), 1)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "sign in to publish", Describe(identity.ErrNoIdentity))
	assert.Equal(t, "the relay refused the event", Describe(errors.Join(errors.New("x"), publish.ErrPublishRejected)))
	assert.Equal(t, "", Describe(nil))
	assert.Equal(t, "unexpected error", Describe(errors.New("boom")))
}

func TestFocusTagChangeResubscribes(t *testing.T) {
	e := newEnv(t)
	c := e.started(t)
	ctx := context.Background()

	require.NoError(t, c.Settings.AddFocusTag(ctx, "Wildfires", "wildfire"))
	require.NoError(t, c.Settings.SetActiveFocusTag(ctx, "wildfire"))

	require.Eventually(t, func() bool {
		conn := e.fake.Conn(relayA)
		if conn == nil {
			return false
		}
		fs := conn.Filters()
		if len(fs) != 1 {
			return false
		}
		tags := fs[0][0].Tags["t"]
		return len(tags) == 1 && tags[0] == "wildfire"
	}, time.Second, 5*time.Millisecond)
}

func TestRelayListChangeConnectsAndDrops(t *testing.T) {
	e := newEnv(t)
	c := e.started(t)
	ctx := context.Background()

	require.NoError(t, c.Settings.AddRelay(ctx, relayB, true, true))
	require.Eventually(t, func() bool { return e.fake.Conn(relayB) != nil }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Settings.RemoveRelay(ctx, relayA))
	require.Eventually(t, func() bool { return e.fake.Conn(relayA) == nil }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{relayB}, c.Relays.Connected())
}

func TestShapesPersistAndFilter(t *testing.T) {
	e := newEnv(t)
	sk := nostr.GeneratePrivateKey()
	inside := incident(t, sk, 100, "inside")
	nowhere := &nostr.Event{
		Kind:      report.KindReport,
		CreatedAt: 200,
		Tags:      nostr.Tags{{"d", "nowhere"}, {"title", "nowhere"}, {"t", "incident"}},
	}
	require.NoError(t, nowhere.Sign(sk))
	e.fake.Store(relayA, inside, nowhere)

	c := e.started(t)
	ctx := context.Background()
	lat, lon, _ := geo.Decode("u4pruydqq")
	shape := geo.NewCircle("", lat, lon, 1000)
	require.NoError(t, c.AddShape(ctx, shape))
	c.SetFilters(store.Filters{Spatial: true})

	fr := c.Store.Get().FilteredReports
	require.Len(t, fr, 1)
	assert.Equal(t, inside.ID, fr[0].ID)

	require.NoError(t, c.SetShapeActive(ctx, shape.ID, false))
	assert.Len(t, c.Store.Get().FilteredReports, 2)
	require.NoError(t, c.Close())

	c2 := e.started(t)
	require.Len(t, c2.Store.Get().Shapes, 1)
	assert.False(t, c2.Store.Get().Shapes[0].Active)

	require.NoError(t, c2.RemoveShape(ctx, shape.ID))
	assert.Empty(t, c2.Store.Get().Shapes)
	assert.Error(t, c2.SetShapeActive(ctx, shape.ID, true))
}

func TestLogoutClearsIdentity(t *testing.T) {
	e := newEnv(t)
	c := e.started(t)
	_, err := c.Generate("pw")
	require.NoError(t, err)

	require.NoError(t, c.Logout(false))
	assert.NotNil(t, c.Store.Get().Identity)
	assert.False(t, c.Identity.Unlocked())

	require.NoError(t, c.Unlock("pw"))
	require.NoError(t, c.Logout(true))
	assert.Nil(t, c.Store.Get().Identity)
}

func TestConcurrentAddShapeKeepsEveryShape(t *testing.T) {
	e := newEnv(t)
	c := e.started(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, c.AddShape(ctx, geo.NewCircle("", float64(i), 0, 500)))
		}(i)
	}
	wg.Wait()
	require.Len(t, c.Store.Get().Shapes, 20)
	require.NoError(t, c.Close())

	c2 := e.started(t)
	assert.Len(t, c2.Store.Get().Shapes, 20)
}

func TestUnmuteShowsAuthorAgain(t *testing.T) {
	e := newEnv(t)
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	before := incident(t, sk, 100, "before")
	e.fake.Store(relayA, before)

	c := e.started(t)
	ctx := context.Background()
	require.Len(t, c.Store.Get().FilteredReports, 1)

	require.NoError(t, c.Settings.Mute(ctx, pk))
	assert.Empty(t, c.Store.Get().FilteredReports)
	assert.Len(t, c.Store.Get().Reports, 1)

	// Arrives while muted and is dropped.
	during := incident(t, sk, 200, "during")
	e.fake.Emit(relayA, during)
	_, ok := c.Store.Report(during.ID)
	assert.False(t, ok)

	require.NoError(t, c.Settings.Unmute(ctx, pk))
	fr := c.Store.Get().FilteredReports
	require.NotEmpty(t, fr)
	assert.Equal(t, before.ID, fr[len(fr)-1].ID)
	require.Eventually(t, func() bool {
		return len(c.Store.Get().FilteredReports) == 2
	}, time.Second, 5*time.Millisecond, "resubscribing fetches what was dropped")
}

func TestReportDeletedOfflineStaysDeleted(t *testing.T) {
	e := newEnv(t)
	target := incident(t, nostr.GeneratePrivateKey(), 100, "target")
	e.fake.Store(relayA, target)

	c := e.started(t)
	ctx := context.Background()
	_, err := c.Generate("pw")
	require.NoError(t, err)

	e.online.Set(false)
	require.Eventually(t, func() bool { return !c.Store.Get().Online }, time.Second, 5*time.Millisecond)
	res, err := c.Publisher.Delete(ctx, target.ID, "")
	require.NoError(t, err)
	require.True(t, res.Queued)

	require.NoError(t, c.Relays.SubscribeReports(ctx))
	_, ok := c.Store.Report(target.ID)
	assert.False(t, ok, "resubscribing must not bring the report back")
	require.NoError(t, c.Close())

	c2 := e.started(t)
	_, ok = c2.Store.Report(target.ID)
	assert.False(t, ok, "still deleted after a restart")
	_, err = c2.Cache.Reports.Get(ctx, target.ID)
	assert.ErrorIs(t, err, cache.ErrNotFound)

	e.online.Set(true)
	require.Eventually(t, func() bool {
		return c2.Store.Get().OutboxSize == 0 && !c2.Store.Get().Tombstoned(target.ID)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{res.Event.ID}, e.endpoint.Received())
}
