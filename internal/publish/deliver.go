// Package publish signs user actions, applies them optimistically and
// delivers them to the publish endpoint, queueing what cannot be sent now.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

var (
	// ErrPublishRejected is returned when the endpoint refuses an event.
	ErrPublishRejected = errors.New("publish: rejected by relay")
	// ErrDeferred means the endpoint accepted the event for later processing;
	// the event stays queued.
	ErrDeferred = errors.New("publish: deferred")
	// ErrNoEndpoint is returned when no publish URL is configured; events
	// stay queued until one is.
	ErrNoEndpoint = errors.New("publish: no endpoint configured")
)

// Deliverer hands a signed event to the network.
type Deliverer interface {
	Deliver(ctx context.Context, evt *nostr.Event) error
}

// HTTPDeliverer POSTs events as JSON to an HTTP publish relay.
type HTTPDeliverer struct {
	URL    string
	Client *http.Client
}

// NewHTTPDeliverer returns a deliverer for the endpoint at url.
func NewHTTPDeliverer(url string) *HTTPDeliverer {
	return &HTTPDeliverer{
		URL:    url,
		Client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Deliver sends evt. 202 Accepted yields ErrDeferred, any other non-2xx
// status ErrPublishRejected. Transport failures are returned as is.
func (d *HTTPDeliverer) Deliver(ctx context.Context, evt *nostr.Event) error {
	if d.URL == "" {
		return ErrNoEndpoint
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sending event %s: %w", evt.ID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return ErrDeferred
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrPublishRejected, resp.StatusCode, bytes.TrimSpace(msg))
	}
}
