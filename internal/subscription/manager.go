// Package subscription keeps relay connections open, runs the live report
// subscription and answers one-shot profile and interaction lookups.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"nostr-incidents/internal/cache"
	"nostr-incidents/internal/relay"
	"nostr-incidents/internal/store"
)

// ErrNoRelays is returned when no relay could be reached.
var ErrNoRelays = errors.New("subscription: no relay connected")

// Subscription kinds.
const (
	KindReports = "reports"
)

// Options configures a Manager.
type Options struct {
	Transport relay.Transport
	Info      relay.InfoFetcher
	Store     *store.Store
	Cache     *cache.Cache

	// ProfileFreshness is how long a cached profile is served without refetching.
	ProfileFreshness time.Duration
	// QueryTimeout bounds one-shot queries.
	QueryTimeout time.Duration
	// MaxGeohashCells caps the viewport prefixes sent to relays.
	MaxGeohashCells int
	// ReportLimit is the initial history requested per relay.
	ReportLimit int
}

func (o *Options) defaults() {
	if o.ProfileFreshness == 0 {
		o.ProfileFreshness = 24 * time.Hour
	}
	if o.QueryTimeout == 0 {
		o.QueryTimeout = 5 * time.Second
	}
	if o.MaxGeohashCells == 0 {
		o.MaxGeohashCells = 32
	}
	if o.ReportLimit == 0 {
		o.ReportLimit = 500
	}
}

type activeSub struct {
	id      string
	kind    string
	url     string
	filters nostr.Filters
	sub     relay.Sub
}

// Manager owns the relay connections and subscriptions of one client.
type Manager struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	conns *xsync.MapOf[string, relay.Conn]
	subs  *xsync.MapOf[string, *activeSub]

	subMu    sync.Mutex
	profiles singleflight.Group
}

// New creates a Manager. Subscriptions live until Close or until ctx is done.
func New(ctx context.Context, opts Options) *Manager {
	opts.defaults()
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		log:    slog.Default().With("component", "subscription"),
		conns:  xsync.NewMapOf[relay.Conn](),
		subs:   xsync.NewMapOf[*activeSub](),
	}
}

// Connect dials every configured relay that is not connected, then
// resubscribes. It fails only when no relay at all is connected afterwards.
func (m *Manager) Connect(ctx context.Context) error {
	relays := m.opts.Store.Get().Relays

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range relays {
		r := r
		if _, ok := m.conns.Load(r.URL); ok {
			continue
		}
		g.Go(func() error {
			m.dial(gctx, r.URL)
			return nil
		})
	}
	_ = g.Wait()

	if m.conns.Size() == 0 {
		if len(relays) == 0 {
			return fmt.Errorf("%w: none configured", ErrNoRelays)
		}
		return ErrNoRelays
	}
	return m.SubscribeReports(ctx)
}

func (m *Manager) dial(ctx context.Context, url string) {
	m.opts.Store.SetRelayStatus(url, store.StatusConnecting)
	c, err := m.opts.Transport.Connect(ctx, url)
	if err != nil {
		m.log.Warn("relay connection failed", "url", url, "error", err)
		m.opts.Store.SetRelayStatus(url, store.StatusError)
		return
	}
	m.conns.Store(url, c)
	m.opts.Store.SetRelayStatus(url, store.StatusConnected)
	m.log.Info("relay connected", "url", url)

	go m.watch(c)
	if m.opts.Info != nil {
		go m.fetchInfo(url)
	}
}

// watch marks the relay disconnected when its connection ends.
func (m *Manager) watch(c relay.Conn) {
	select {
	case <-m.ctx.Done():
		return
	case <-c.Done():
	}
	if cur, ok := m.conns.Load(c.URL()); !ok || cur != c {
		return
	}
	m.conns.Delete(c.URL())
	m.subs.Range(func(id string, s *activeSub) bool {
		if s.url == c.URL() {
			m.subs.Delete(id)
		}
		return true
	})
	m.opts.Store.SetRelayStatus(c.URL(), store.StatusDisconnected)
	m.log.Info("relay disconnected", "url", c.URL())
}

func (m *Manager) fetchInfo(url string) {
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.QueryTimeout)
	defer cancel()
	info, err := m.opts.Info.FetchInfo(ctx, url)
	if err != nil {
		m.log.Debug("relay info unavailable", "url", url, "error", err)
		return
	}
	m.opts.Store.SetRelayInfo(url, &store.RelayInfo{
		Name:        info.Name,
		Description: info.Description,
		Software:    info.Software,
	})
}

// Disconnect closes the connection to one relay, e.g. after the user removed it.
func (m *Manager) Disconnect(url string) {
	if c, ok := m.conns.LoadAndDelete(url); ok {
		m.closeSubs(func(s *activeSub) bool { return s.url == url })
		c.Close()
		m.opts.Store.SetRelayStatus(url, store.StatusDisconnected)
	}
}

// RunReconnect periodically redials relays in a reconnectable state.
func (m *Manager) RunReconnect(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if !m.opts.Store.Get().Online || !m.needsReconnect() {
				continue
			}
			if err := m.Connect(ctx); err != nil {
				m.log.Debug("reconnect failed", "error", err)
			}
		}
	}
}

func (m *Manager) needsReconnect() bool {
	for _, r := range m.opts.Store.Get().Relays {
		if _, ok := m.conns.Load(r.URL); !ok && r.Status.Reconnectable() {
			return true
		}
	}
	return false
}

// Connected returns the URLs with a live connection.
func (m *Manager) Connected() []string {
	var urls []string
	m.conns.Range(func(url string, _ relay.Conn) bool {
		urls = append(urls, url)
		return true
	})
	return urls
}

func (m *Manager) closeSubs(match func(*activeSub) bool) {
	m.subs.Range(func(id string, s *activeSub) bool {
		if match(s) {
			if _, ok := m.subs.LoadAndDelete(id); ok {
				s.sub.Close()
			}
		}
		return true
	})
}

func newSubID() string {
	return uuid.NewString()
}

// Close ends every subscription and connection.
func (m *Manager) Close() {
	m.closeSubs(func(*activeSub) bool { return true })
	m.conns.Range(func(url string, c relay.Conn) bool {
		c.Close()
		m.conns.Delete(url)
		return true
	})
	m.opts.Transport.CloseAll()
	m.cancel()
}
