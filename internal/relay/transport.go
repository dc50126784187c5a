// Package relay is the transport between the core and Nostr relays.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/net/idna"
)

// ErrClosed is returned when using a connection that has been closed.
var ErrClosed = errors.New("relay: connection closed")

// Transport opens relay connections and runs one-shot queries.
type Transport interface {
	Connect(ctx context.Context, url string) (Conn, error)
	Query(ctx context.Context, urls []string, filters nostr.Filters) ([]*nostr.Event, error)
	CloseAll()
}

// Conn is one live relay connection.
type Conn interface {
	URL() string
	Subscribe(ctx context.Context, filters nostr.Filters, onEvent func(*nostr.Event), onEOSE func()) (Sub, error)
	// Done is closed when the connection ends, for any reason.
	Done() <-chan struct{}
	Close() error
}

// Sub is a live subscription on one connection.
type Sub interface {
	Close()
}

// NormalizeURL lowercases the scheme and host, converts the host to its
// ASCII form and strips a trailing slash.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("relay: invalid url %q: %w", raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "wss", "ws":
	case "https":
		scheme = "wss"
	case "http":
		scheme = "ws"
	default:
		return "", fmt.Errorf("relay: unsupported scheme in %q", raw)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("relay: missing host in %q", raw)
	}
	host, err := idna.Lookup.ToASCII(strings.ToLower(u.Hostname()))
	if err != nil {
		return "", fmt.Errorf("relay: invalid host in %q: %w", raw, err)
	}
	if port := u.Port(); port != "" {
		host += ":" + port
	}
	return scheme + "://" + host + strings.TrimSuffix(u.EscapedPath(), "/"), nil
}
