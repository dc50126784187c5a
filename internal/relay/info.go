package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr/nip11"
)

// DefaultInfoTimeout bounds a capability document request.
const DefaultInfoTimeout = 5 * time.Second

// InfoFetcher retrieves relay capability documents.
type InfoFetcher interface {
	FetchInfo(ctx context.Context, relayURL string) (*nip11.RelayInformationDocument, error)
}

// HTTPInfoFetcher fetches NIP-11 documents over HTTP.
type HTTPInfoFetcher struct {
	// Timeout defaults to DefaultInfoTimeout.
	Timeout time.Duration
}

// FetchInfo requests the relay's information document.
func (f HTTPInfoFetcher) FetchInfo(ctx context.Context, relayURL string) (*nip11.RelayInformationDocument, error) {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultInfoTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	info, err := nip11.Fetch(ctx, relayURL)
	if err != nil {
		return nil, fmt.Errorf("fetch relay info %s: %w", relayURL, err)
	}
	return info, nil
}
