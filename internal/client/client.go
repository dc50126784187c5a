// Package client wires the sync core together: store, cache, settings,
// identity, relay subscriptions, publishing and filtering.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"nostr-incidents/internal/cache"
	"nostr-incidents/internal/config"
	"nostr-incidents/internal/connectivity"
	"nostr-incidents/internal/filter"
	"nostr-incidents/internal/identity"
	"nostr-incidents/internal/publish"
	"nostr-incidents/internal/relay"
	"nostr-incidents/internal/store"
	"nostr-incidents/internal/subscription"
)

// Options configures a Client. Zero fields get production defaults derived
// from Config.
type Options struct {
	Config *config.Config

	Transport    relay.Transport
	Info         relay.InfoFetcher
	Deliverer    publish.Deliverer
	Connectivity store.ConnectivitySource
	Keystore     identity.Keystore
	Notifier     Notifier
}

// Client is the headless incident client.
type Client struct {
	cfg *config.Config
	log *slog.Logger

	Store     *store.Store
	Cache     *cache.Cache
	Settings  *config.Settings
	Identity  *identity.Manager
	Relays    *subscription.Manager
	Publisher *publish.Pipeline
	Filters   *filter.Engine

	conn     store.ConnectivitySource
	notifier Notifier
	loading  atomic.Int32

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stops     []func()
	closeOnce sync.Once
	closeErr  error
}

// New builds every component. Nothing touches disk or network until Start.
func New(opts Options) (*Client, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		cfg:      cfg,
		log:      slog.Default().With("component", "client"),
		Store:    store.New(store.State{}),
		Cache:    cache.New(cfg.DatabasePath()),
		notifier: opts.Notifier,
		ctx:      ctx,
		cancel:   cancel,
	}
	if c.notifier == nil {
		c.notifier = LogNotifier{}
	}

	ks := opts.Keystore
	if ks == nil {
		ks = identity.OpenKeystore(cfg.KeystoreDir())
	}
	var err error
	if c.Identity, err = identity.NewManager(ks); err != nil {
		cancel()
		return nil, fmt.Errorf("load identity: %w", err)
	}

	c.conn = opts.Connectivity
	if c.conn == nil {
		c.conn, err = defaultConnectivity(cfg)
		if err != nil {
			cancel()
			return nil, err
		}
	}

	transport := opts.Transport
	if transport == nil {
		transport = relay.NewPool(ctx)
	}
	info := opts.Info
	if info == nil {
		info = relay.HTTPInfoFetcher{Timeout: cfg.Sync.QueryTimeout.Duration}
	}
	deliverer := opts.Deliverer
	if deliverer == nil {
		deliverer = publish.NewHTTPDeliverer(cfg.PublishURL)
	}

	c.Settings = config.NewSettings(c.Cache, c.Store, config.DefaultRecord(cfg))
	c.Relays = subscription.New(ctx, subscription.Options{
		Transport:        transport,
		Info:             info,
		Store:            c.Store,
		Cache:            c.Cache,
		ProfileFreshness: cfg.Sync.ProfileFreshness.Duration,
		QueryTimeout:     cfg.Sync.QueryTimeout.Duration,
		MaxGeohashCells:  cfg.Sync.MaxGeohashCells,
		ReportLimit:      cfg.Sync.ReportLimit,
	})
	c.Publisher = publish.New(publish.Options{
		Signer:    c.Identity,
		Deliverer: deliverer,
		Store:     c.Store,
		Cache:     c.Cache,
	})
	c.Filters = filter.New(c.Store)
	return c, nil
}

func defaultConnectivity(cfg *config.Config) (store.ConnectivitySource, error) {
	target := cfg.PublishURL
	if target == "" && len(cfg.Relays) > 0 {
		target = cfg.Relays[0].URL
	}
	if target == "" {
		return connectivity.NewStatic(true), nil
	}
	probe, err := connectivity.DialProbe(target, cfg.Connectivity.ProbeTimeout.Duration)
	if err != nil {
		return nil, err
	}
	return connectivity.NewMonitor(probe, cfg.Connectivity.ProbeInterval.Duration), nil
}

// Start loads local state, then brings the network side up. Relay failures
// are logged and retried in the background; only local failures are returned.
func (c *Client) Start(ctx context.Context) error {
	if err := c.Cache.Open(); err != nil {
		c.log.Warn("running without local cache", "error", err)
	} else {
		// Prunes once before loading, then periodically.
		c.Cache.RunPruner(c.ctx, c.prunePolicy(), c.cfg.Prune.Interval.Duration)
	}

	if err := c.Settings.Load(ctx); err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if err := c.Publisher.RestoreTombstones(ctx); err != nil {
		return fmt.Errorf("restore pending deletions: %w", err)
	}
	if err := c.loadCached(ctx); err != nil {
		return err
	}
	if rec := c.Identity.Record(); rec != nil {
		c.Store.SetIdentity(&store.Identity{PublicKey: rec.PublicKey, AuthMethod: string(rec.AuthMethod)})
	}

	c.stops = append(c.stops, c.Filters.Watch(), c.Publisher.DrainOnReconnect(c.ctx), c.watchSubscriptionInputs())
	c.Filters.ApplyAllFilters()

	if m, ok := c.conn.(*connectivity.Monitor); ok {
		c.goRun(func() { m.Run(c.ctx) })
	}
	c.Store.TrackConnectivity(c.ctx, c.conn)

	if c.Store.Get().Online {
		if _, err := c.Publisher.Drain(ctx); err != nil {
			c.log.Warn("startup drain failed", "error", err)
		}
	}
	if err := c.Relays.Connect(ctx); err != nil {
		c.log.Warn("no relay reachable yet", "error", err)
	}
	c.goRun(func() { c.Relays.RunReconnect(c.ctx, c.cfg.Sync.ReconnectInterval.Duration) })
	return nil
}

func (c *Client) prunePolicy() cache.PrunePolicy {
	return cache.PrunePolicy{
		MaxReports: c.cfg.Prune.MaxReports,
		ProfileTTL: c.cfg.Prune.ProfileTTL.Duration,
	}
}

// loadCached restores reports, drawn shapes and the outbox size. Reports of
// muted authors are kept; the filter engine hides them.
func (c *Client) loadCached(ctx context.Context) error {
	reports, err := c.Cache.Reports.All(ctx)
	switch {
	case errors.Is(err, cache.ErrStorageUnavailable):
		return nil
	case err != nil:
		return fmt.Errorf("load cached reports: %w", err)
	}
	c.Store.ReplaceReports(reports)

	shapes, err := c.Cache.Shapes.All(ctx)
	if err != nil {
		return fmt.Errorf("load shapes: %w", err)
	}
	c.Store.SetShapes(shapes)

	n, err := c.Cache.Outbox.Len(ctx)
	if err != nil {
		return fmt.Errorf("read outbox: %w", err)
	}
	c.Store.SetOutboxSize(n)
	c.log.Info("local state loaded", "reports", len(reports), "shapes", len(shapes), "outbox", n)
	return nil
}

// watchSubscriptionInputs reopens the report feed when the inputs of its
// filter change or an author is unmuted, and dials or drops relays when the
// relay list changes.
func (c *Client) watchSubscriptionInputs() (stop func()) {
	return c.Store.Subscribe(func(newState, oldState store.State) {
		relaysChanged := relaySet(newState) != relaySet(oldState)
		feedChanged := newState.Settings.ActiveFocusTag() != oldState.Settings.ActiveFocusTag() ||
			newState.Settings.FollowedOnly != oldState.Settings.FollowedOnly ||
			(newState.Settings.FollowedOnly && len(newState.Settings.Followed) != len(oldState.Settings.Followed)) ||
			newState.Viewport != oldState.Viewport ||
			len(newState.Settings.Muted) < len(oldState.Settings.Muted)
		if !relaysChanged && !feedChanged {
			return
		}
		removed := droppedRelays(newState, oldState)
		c.goRun(func() {
			for _, url := range removed {
				c.Relays.Disconnect(url)
			}
			var err error
			if relaysChanged {
				err = c.Relays.Connect(c.ctx)
			} else {
				err = c.Relays.SubscribeReports(c.ctx)
			}
			if err != nil && c.ctx.Err() == nil {
				c.log.Warn("resubscribe failed", "error", err)
			}
		})
	})
}

func relaySet(st store.State) string {
	var s string
	for _, r := range st.Relays {
		s += fmt.Sprintf("%s|%t|%t;", r.URL, r.Read, r.Write)
	}
	return s
}

func droppedRelays(newState, oldState store.State) []string {
	var out []string
	for _, r := range oldState.Relays {
		if _, ok := newState.Relay(r.URL); !ok {
			out = append(out, r.URL)
		}
	}
	return out
}

func (c *Client) goRun(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// Close stops background work and releases connections and the database.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		for _, stop := range c.stops {
			stop()
		}
		c.cancel()
		c.Relays.Close()
		c.wg.Wait()
		c.closeErr = c.Cache.Close()
	})
	return c.closeErr
}

// RefreshFeed waits briefly for late relay events and reapplies filters.
func (c *Client) RefreshFeed(ctx context.Context, wait time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
	c.Filters.ApplyAllFilters()
}
