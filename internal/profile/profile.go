// Package profile holds author profile records fetched from relays.
package profile

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Profile is kind-0 metadata for an author plus local fetch bookkeeping.
type Profile struct {
	Metadata nostr.ProfileMetadata `json:"metadata"`

	PubKey    string `json:"pk"`
	At        int64  `json:"at"`
	FetchedAt int64  `json:"fetchedAt"`
}

// Fresh reports whether the profile was fetched within window of now.
func (p *Profile) Fresh(window time.Duration, now time.Time) bool {
	if p == nil || p.FetchedAt == 0 {
		return false
	}
	return now.Sub(time.Unix(p.FetchedAt, 0)) < window
}

// FromEvent parses a kind-0 event. The fetch timestamp is set to now.
func FromEvent(evt *nostr.Event, now time.Time) (*Profile, error) {
	meta, err := nostr.ParseMetadata(*evt)
	if err != nil {
		return nil, err
	}
	return &Profile{
		Metadata:  *meta,
		PubKey:    evt.PubKey,
		At:        int64(evt.CreatedAt),
		FetchedAt: now.Unix(),
	}, nil
}
