package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync"
)

// Pool is the go-nostr backed Transport.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	simple *nostr.SimplePool
	conns  *xsync.MapOf[string, *conn]
}

// NewPool creates a pool whose connections live until CloseAll or until ctx
// is done.
func NewPool(ctx context.Context) *Pool {
	ctx, cancel := context.WithCancel(ctx)
	return &Pool{
		ctx:    ctx,
		cancel: cancel,
		simple: nostr.NewSimplePool(ctx),
		conns:  xsync.NewMapOf[*conn](),
	}
}

// Connect dials url. Dialing stops early when ctx is done; the connection
// itself is bound to the pool's lifetime.
func (p *Pool) Connect(ctx context.Context, url string) (Conn, error) {
	type result struct {
		relay *nostr.Relay
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		r, err := nostr.RelayConnect(p.ctx, url)
		ch <- result{r, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.err == nil {
				res.relay.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("connect %s: %w", url, res.err)
		}
		c := &conn{url: url, relay: res.relay, done: make(chan struct{})}
		if prev, loaded := p.conns.LoadAndStore(url, c); loaded {
			prev.Close()
		}
		return c, nil
	}
}

// Query runs filters once against every url and collects events until each
// relay signals end of stored events or ctx is done.
func (p *Pool) Query(ctx context.Context, urls []string, filters nostr.Filters) ([]*nostr.Event, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("query: no relays")
	}
	events := p.simple.SubManyEose(ctx, urls, filters)
	if events == nil {
		return nil, fmt.Errorf("subscriptions couldn't be created")
	}
	var out []*nostr.Event
	for evt := range events {
		out = append(out, evt)
	}
	return out, nil
}

// CloseAll closes every connection opened through the pool.
func (p *Pool) CloseAll() {
	p.conns.Range(func(url string, c *conn) bool {
		c.Close()
		p.conns.Delete(url)
		return true
	})
	p.cancel()
}

type conn struct {
	url   string
	relay *nostr.Relay

	once sync.Once
	done chan struct{}
}

func (c *conn) URL() string { return c.url }

func (c *conn) Done() <-chan struct{} { return c.done }

func (c *conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.relay.Close()
	})
	return err
}

func (c *conn) markDone() {
	c.once.Do(func() { close(c.done) })
}

func (c *conn) Subscribe(ctx context.Context, filters nostr.Filters, onEvent func(*nostr.Event), onEOSE func()) (Sub, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}

	sub, err := c.relay.Subscribe(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", c.url, err)
	}

	s := &subscription{sub: sub, stop: make(chan struct{})}
	go func() {
		eose := sub.EndOfStoredEvents
		for {
			select {
			case <-s.stop:
				return
			case <-c.done:
				return
			case evt, ok := <-sub.Events:
				if !ok {
					if !s.closed() {
						slog.Debug("relay stream ended", "component", "relay", "url", c.url)
						c.markDone()
					}
					return
				}
				onEvent(evt)
			case <-eose:
				eose = nil
				if onEOSE != nil {
					onEOSE()
				}
			}
		}
	}()
	return s, nil
}

type subscription struct {
	sub  *nostr.Subscription
	once sync.Once
	stop chan struct{}
}

func (s *subscription) Close() {
	s.once.Do(func() {
		close(s.stop)
		s.sub.Unsub()
	})
}

func (s *subscription) closed() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}
