// Package relaytest provides an in-memory relay.Transport for tests.
package relaytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"nostr-incidents/internal/relay"
)

// Fake is an in-memory set of relays. Stored events are replayed to new
// subscriptions and returned by Query; Emit pushes live events.
type Fake struct {
	mu      sync.Mutex
	stored  map[string][]*nostr.Event
	fail    map[string]error
	conns   map[string]*Conn
	queries int
	dials   int
}

var _ relay.Transport = (*Fake)(nil)

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		stored: make(map[string][]*nostr.Event),
		fail:   make(map[string]error),
		conns:  make(map[string]*Conn),
	}
}

// Store adds events that url already holds.
func (f *Fake) Store(url string, events ...*nostr.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored[url] = append(f.stored[url], events...)
}

// FailConnect makes dials to url fail with err; nil clears it.
func (f *Fake) FailConnect(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, url)
		return
	}
	f.fail[url] = err
}

// Queries returns how many one-shot queries ran.
func (f *Fake) Queries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

// Dials returns how many connection attempts were made.
func (f *Fake) Dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// Conn returns the live connection to url, if any.
func (f *Fake) Conn(url string) *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[url]
}

func (f *Fake) Connect(ctx context.Context, url string) (relay.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if err := f.fail[url]; err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}
	c := &Conn{fake: f, url: url, done: make(chan struct{}), subs: make(map[*Sub]struct{})}
	f.conns[url] = c
	return c, nil
}

func (f *Fake) Query(ctx context.Context, urls []string, filters nostr.Filters) ([]*nostr.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	var out []*nostr.Event
	for _, url := range urls {
		for _, evt := range f.stored[url] {
			if matches(filters, evt) {
				out = append(out, evt)
			}
		}
	}
	return out, nil
}

func (f *Fake) CloseAll() {
	f.mu.Lock()
	conns := make([]*Conn, 0, len(f.conns))
	for _, c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Emit delivers evt to every live subscription on url whose filters match
// and stores it for later queries.
func (f *Fake) Emit(url string, evt *nostr.Event) {
	f.mu.Lock()
	f.stored[url] = append(f.stored[url], evt)
	c := f.conns[url]
	f.mu.Unlock()
	if c != nil {
		c.emit(evt)
	}
}

// Drop simulates the relay closing the connection.
func (f *Fake) Drop(url string) {
	if c := f.Conn(url); c != nil {
		c.Close()
	}
}

func matches(filters nostr.Filters, evt *nostr.Event) bool {
	for _, flt := range filters {
		if flt.Matches(evt) {
			return true
		}
	}
	return false
}

// Conn is a fake relay connection.
type Conn struct {
	fake *Fake
	url  string

	mu     sync.Mutex
	subs   map[*Sub]struct{}
	closed bool
	done   chan struct{}
}

func (c *Conn) URL() string { return c.url }

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	c.subs = map[*Sub]struct{}{}

	c.fake.mu.Lock()
	if c.fake.conns[c.url] == c {
		delete(c.fake.conns, c.url)
	}
	c.fake.mu.Unlock()
	return nil
}

// Subscriptions returns the number of open subscriptions.
func (c *Conn) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Filters returns the filters of every open subscription.
func (c *Conn) Filters() []nostr.Filters {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []nostr.Filters
	for s := range c.subs {
		out = append(out, s.filters)
	}
	return out
}

func (c *Conn) Subscribe(_ context.Context, filters nostr.Filters, onEvent func(*nostr.Event), onEOSE func()) (relay.Sub, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, relay.ErrClosed
	}
	s := &Sub{conn: c, filters: filters, onEvent: onEvent}
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	c.fake.mu.Lock()
	stored := append([]*nostr.Event(nil), c.fake.stored[c.url]...)
	c.fake.mu.Unlock()

	for _, evt := range stored {
		if matches(filters, evt) {
			onEvent(evt)
		}
	}
	if onEOSE != nil {
		onEOSE()
	}
	return s, nil
}

func (c *Conn) emit(evt *nostr.Event) {
	c.mu.Lock()
	subs := make([]*Sub, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	for _, s := range subs {
		if matches(s.filters, evt) {
			s.onEvent(evt)
		}
	}
}

// Sub is a fake subscription.
type Sub struct {
	conn    *Conn
	filters nostr.Filters
	onEvent func(*nostr.Event)
}

func (s *Sub) Close() {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	delete(s.conn.subs, s)
}
