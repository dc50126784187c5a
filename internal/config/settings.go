package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"nostr-incidents/internal/cache"
	"nostr-incidents/internal/relay"
	"nostr-incidents/internal/store"
)

// ErrInvalidSettings is returned by mutators given unusable input.
var ErrInvalidSettings = errors.New("config: invalid settings")

// RelayEntry is a relay configured by the user.
type RelayEntry struct {
	URL   string `json:"url"`
	Read  bool   `json:"read"`
	Write bool   `json:"write"`
}

// Record is the persisted user settings.
type Record struct {
	Relays       []RelayEntry     `json:"relays"`
	FocusTags    []store.FocusTag `json:"focusTags"`
	Categories   []string         `json:"categories"`
	Muted        []string         `json:"muted"`
	FollowedOnly bool             `json:"followedOnly"`
	TileURL      string           `json:"tileUrl"`
	ImageHost    string           `json:"imageHost"`
}

// DefaultRecord builds the settings used before the user changes anything.
func DefaultRecord(cfg *Config) Record {
	rec := Record{
		FocusTags: []store.FocusTag{
			{Name: "Incidents", Tag: "incident", Active: true},
		},
		Categories: []string{"accident", "fire", "flood", "crime", "infrastructure", "weather", "other"},
		Muted:      []string{},
		TileURL:    "https://tile.openstreetmap.org/{z}/{x}/{y}.png",
		ImageHost:  "https://nostr.build",
	}
	relays := DefaultRelays
	if cfg != nil {
		relays = cfg.Relays
	}
	for _, r := range relays {
		rec.Relays = append(rec.Relays, RelayEntry{URL: r.URL, Read: r.Read, Write: r.Write})
	}
	return rec
}

func (r Record) clone() Record {
	c := r
	c.Relays = append([]RelayEntry(nil), r.Relays...)
	c.FocusTags = append([]store.FocusTag(nil), r.FocusTags...)
	c.Categories = append([]string(nil), r.Categories...)
	c.Muted = append([]string(nil), r.Muted...)
	return c
}

// normalize enforces a single active focus tag and canonical relay URLs.
func (r *Record) normalize() error {
	active := -1
	for i := range r.FocusTags {
		if r.FocusTags[i].Active && active < 0 {
			active = i
		}
		r.FocusTags[i].Active = false
	}
	if active < 0 && len(r.FocusTags) > 0 {
		active = 0
	}
	if active >= 0 {
		r.FocusTags[active].Active = true
	}

	seen := make(map[string]bool, len(r.Relays))
	out := r.Relays[:0]
	for _, e := range r.Relays {
		norm, err := relay.NormalizeURL(e.URL)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
		}
		if seen[norm] {
			continue
		}
		seen[norm] = true
		e.URL = norm
		out = append(out, e)
	}
	r.Relays = out
	if r.Muted == nil {
		r.Muted = []string{}
	}
	return nil
}

// Settings owns the user settings record. Every change is persisted to the
// cache first and then projected into the store.
type Settings struct {
	cache    *cache.Cache
	store    *store.Store
	defaults Record
	log      *slog.Logger

	mu       sync.Mutex
	rec      Record
	followed []cache.Followed
}

// NewSettings creates the settings component. Call Load before use.
func NewSettings(c *cache.Cache, s *store.Store, defaults Record) *Settings {
	return &Settings{
		cache:    c,
		store:    s,
		defaults: defaults,
		rec:      defaults.clone(),
		log:      slog.Default().With("component", "settings"),
	}
}

// Load reads the record and the follow list from the cache, falling back to
// defaults, and projects them into the store.
func (s *Settings) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.defaults.clone()
	found, err := s.cache.LoadSettings(ctx, &rec)
	switch {
	case errors.Is(err, cache.ErrStorageUnavailable):
		rec = s.defaults.clone()
	case err != nil:
		s.log.Warn("settings record unreadable, using defaults", "error", err)
		rec = s.defaults.clone()
	case !found:
		s.log.Debug("no saved settings, using defaults")
	}
	if err := rec.normalize(); err != nil {
		s.log.Warn("saved settings invalid, using defaults", "error", err)
		rec = s.defaults.clone()
		_ = rec.normalize()
	}

	followed, err := s.cache.Followed.All(ctx)
	if err != nil && !errors.Is(err, cache.ErrStorageUnavailable) {
		return fmt.Errorf("load followed: %w", err)
	}

	s.rec, s.followed = rec, followed
	s.project()
	return nil
}

// Record returns a copy of the current record.
func (s *Settings) Record() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.clone()
}

// Followed returns the followed authors, most recent first.
func (s *Settings) Followed() []cache.Followed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]cache.Followed(nil), s.followed...)
}

func (s *Settings) update(ctx context.Context, fn func(*Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.rec.clone()
	if err := fn(&next); err != nil {
		return err
	}
	if err := next.normalize(); err != nil {
		return err
	}
	if err := s.cache.SaveSettings(ctx, next); err != nil && !errors.Is(err, cache.ErrStorageUnavailable) {
		return fmt.Errorf("save settings: %w", err)
	}
	s.rec = next
	s.project()
	return nil
}

// project must be called with s.mu held.
func (s *Settings) project() {
	relays := make([]store.Relay, len(s.rec.Relays))
	for i, r := range s.rec.Relays {
		relays[i] = store.Relay{URL: r.URL, Read: r.Read, Write: r.Write}
	}
	s.store.SetRelays(relays)

	view := store.SettingsView{
		FocusTags:    append([]store.FocusTag(nil), s.rec.FocusTags...),
		Categories:   append([]string(nil), s.rec.Categories...),
		Muted:        make(map[string]struct{}, len(s.rec.Muted)),
		Followed:     make(map[string]struct{}, len(s.followed)),
		FollowedOnly: s.rec.FollowedOnly,
		TileURL:      s.rec.TileURL,
		ImageHost:    s.rec.ImageHost,
	}
	for _, pk := range s.rec.Muted {
		view.Muted[pk] = struct{}{}
	}
	for _, f := range s.followed {
		view.Followed[f.PubKey] = struct{}{}
	}
	s.store.SetSettings(view)
}

// SetRelays replaces the relay list.
func (s *Settings) SetRelays(ctx context.Context, relays []RelayEntry) error {
	return s.update(ctx, func(r *Record) error {
		r.Relays = append([]RelayEntry(nil), relays...)
		return nil
	})
}

// AddRelay adds a relay or updates its capabilities.
func (s *Settings) AddRelay(ctx context.Context, url string, read, write bool) error {
	norm, err := relay.NormalizeURL(url)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return s.update(ctx, func(r *Record) error {
		for i := range r.Relays {
			if r.Relays[i].URL == norm {
				r.Relays[i].Read, r.Relays[i].Write = read, write
				return nil
			}
		}
		r.Relays = append(r.Relays, RelayEntry{URL: norm, Read: read, Write: write})
		return nil
	})
}

// RemoveRelay drops a relay.
func (s *Settings) RemoveRelay(ctx context.Context, url string) error {
	norm, err := relay.NormalizeURL(url)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return s.update(ctx, func(r *Record) error {
		out := r.Relays[:0]
		for _, e := range r.Relays {
			if e.URL != norm {
				out = append(out, e)
			}
		}
		r.Relays = out
		return nil
	})
}

// AddFocusTag adds a named topic. It does not change the active tag.
func (s *Settings) AddFocusTag(ctx context.Context, name, tag string) error {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return fmt.Errorf("%w: empty focus tag", ErrInvalidSettings)
	}
	return s.update(ctx, func(r *Record) error {
		for _, f := range r.FocusTags {
			if f.Tag == tag {
				return nil
			}
		}
		r.FocusTags = append(r.FocusTags, store.FocusTag{Name: name, Tag: tag})
		return nil
	})
}

// SetActiveFocusTag makes tag the only active focus tag.
func (s *Settings) SetActiveFocusTag(ctx context.Context, tag string) error {
	return s.update(ctx, func(r *Record) error {
		found := false
		for i := range r.FocusTags {
			r.FocusTags[i].Active = r.FocusTags[i].Tag == tag
			found = found || r.FocusTags[i].Active
		}
		if !found {
			return fmt.Errorf("%w: unknown focus tag %q", ErrInvalidSettings, tag)
		}
		return nil
	})
}

// SetCategories replaces the category vocabulary.
func (s *Settings) SetCategories(ctx context.Context, categories []string) error {
	return s.update(ctx, func(r *Record) error {
		r.Categories = append([]string(nil), categories...)
		return nil
	})
}

// Mute hides an author. Loaded reports stay in the store and are filtered
// out of the feed, so Unmute shows them again.
func (s *Settings) Mute(ctx context.Context, key string) error {
	pk, err := ParsePubKey(key)
	if err != nil {
		return err
	}
	return s.update(ctx, func(r *Record) error {
		for _, m := range r.Muted {
			if m == pk {
				return nil
			}
		}
		r.Muted = append(r.Muted, pk)
		return nil
	})
}

// Unmute shows an author again.
func (s *Settings) Unmute(ctx context.Context, key string) error {
	pk, err := ParsePubKey(key)
	if err != nil {
		return err
	}
	return s.update(ctx, func(r *Record) error {
		out := r.Muted[:0]
		for _, m := range r.Muted {
			if m != pk {
				out = append(out, m)
			}
		}
		r.Muted = out
		return nil
	})
}

// SetFollowedOnly toggles restricting the feed to followed authors.
func (s *Settings) SetFollowedOnly(ctx context.Context, on bool) error {
	return s.update(ctx, func(r *Record) error {
		r.FollowedOnly = on
		return nil
	})
}

// SetTileURL sets the map tile URL template.
func (s *Settings) SetTileURL(ctx context.Context, url string) error {
	return s.update(ctx, func(r *Record) error {
		r.TileURL = url
		return nil
	})
}

// Follow adds an author to the follow list.
func (s *Settings) Follow(ctx context.Context, key string) error {
	pk, err := ParsePubKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.followed {
		if f.PubKey == pk {
			return nil
		}
	}
	entry := cache.Followed{PubKey: pk, FollowedAt: time.Now().Unix()}
	if err := s.cache.Followed.Put(ctx, entry); err != nil && !errors.Is(err, cache.ErrStorageUnavailable) {
		return fmt.Errorf("save followed: %w", err)
	}
	s.followed = append([]cache.Followed{entry}, s.followed...)
	s.project()
	return nil
}

// Unfollow removes an author from the follow list.
func (s *Settings) Unfollow(ctx context.Context, key string) error {
	pk, err := ParsePubKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.cache.Followed.Delete(ctx, pk); err != nil && !errors.Is(err, cache.ErrStorageUnavailable) {
		return fmt.Errorf("delete followed: %w", err)
	}
	out := make([]cache.Followed, 0, len(s.followed))
	for _, f := range s.followed {
		if f.PubKey != pk {
			out = append(out, f)
		}
	}
	s.followed = out
	s.project()
	return nil
}

// ParsePubKey accepts a hex public key or an npub.
func ParsePubKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if strings.HasPrefix(key, "npub1") {
		prefix, v, err := nip19.Decode(key)
		if err != nil || prefix != "npub" {
			return "", fmt.Errorf("%w: bad npub", ErrInvalidSettings)
		}
		key, _ = v.(string)
	}
	key = strings.ToLower(key)
	if !nostr.IsValidPublicKeyHex(key) {
		return "", fmt.Errorf("%w: invalid public key %q", ErrInvalidSettings, key)
	}
	return key, nil
}
