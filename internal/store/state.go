package store

import (
	"nostr-incidents/internal/geo"
	"nostr-incidents/internal/report"
)

// RelayStatus is the connection state of a relay.
type RelayStatus string

const (
	StatusUnknown      RelayStatus = "unknown"
	StatusConnecting   RelayStatus = "connecting"
	StatusConnected    RelayStatus = "connected"
	StatusDisconnected RelayStatus = "disconnected"
	StatusError        RelayStatus = "error"
)

// Reconnectable reports whether a relay in this state may be dialed again.
func (s RelayStatus) Reconnectable() bool {
	return s == StatusUnknown || s == StatusDisconnected || s == StatusError
}

// RelayInfo is the subset of a relay capability document the UI shows.
type RelayInfo struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Software    string `json:"software,omitempty"`
}

// Relay is the store's view of a configured relay.
type Relay struct {
	URL    string      `json:"url"`
	Read   bool        `json:"read"`
	Write  bool        `json:"write"`
	Status RelayStatus `json:"status"`
	Info   *RelayInfo  `json:"info,omitempty"`
}

// FocusTag is a named subscription filter.
type FocusTag struct {
	Name   string `json:"name"`
	Tag    string `json:"tag"`
	Active bool   `json:"active"`
}

// SettingsView is the read-only projection of the Settings record.
type SettingsView struct {
	FocusTags    []FocusTag          `json:"focusTags"`
	Categories   []string            `json:"categories"`
	Muted        map[string]struct{} `json:"-"`
	Followed     map[string]struct{} `json:"-"`
	FollowedOnly bool                `json:"followedOnly"`
	TileURL      string              `json:"tileUrl"`
	ImageHost    string              `json:"imageHost"`
}

// ActiveFocusTag returns the topic of the active focus tag, if any.
func (s SettingsView) ActiveFocusTag() string {
	for _, f := range s.FocusTags {
		if f.Active {
			return f.Tag
		}
	}
	return ""
}

// IsMuted reports whether pk is on the mute list.
func (s SettingsView) IsMuted(pk string) bool {
	_, ok := s.Muted[pk]
	return ok
}

// IsFollowed reports whether pk is followed.
func (s SettingsView) IsFollowed(pk string) bool {
	_, ok := s.Followed[pk]
	return ok
}

// Filters is the user-controlled filter state read by the filter engine.
type Filters struct {
	Search     string   `json:"search"`
	Categories []string `json:"categories"`
	FreeTags   []string `json:"freeTags"`
	Since      int64    `json:"since"`
	Until      int64    `json:"until"`
	EventTypes []string `json:"eventTypes"`
	Statuses   []string `json:"statuses"`
	Spatial    bool     `json:"spatial"`
}

// Identity is the public part of the logged-in identity.
type Identity struct {
	PublicKey  string `json:"publicKey"`
	AuthMethod string `json:"authMethod"`
}

// State is an immutable snapshot. Updaters must copy slices and maps before
// changing them.
type State struct {
	Online   bool
	Loading  bool
	Identity *Identity

	Relays   []Relay
	Settings SettingsView

	Reports         []*report.Report
	FilteredReports []*report.Report
	Shapes          []*geo.Shape
	Viewport        geo.Viewport
	Filters         Filters
	OutboxSize      int

	// Tombstones holds ids of reports deleted locally whose deletion has not
	// reached the publish endpoint yet. They are not ingested again.
	Tombstones map[string]struct{}

	ReportsVersion  uint64
	FilterVersion   uint64
	SettingsVersion uint64
}

// Relay returns the relay with the given URL.
func (s State) Relay(url string) (Relay, bool) {
	for _, r := range s.Relays {
		if r.URL == url {
			return r, true
		}
	}
	return Relay{}, false
}

// Tombstoned reports whether id was deleted locally and is pending delivery.
func (s State) Tombstoned(id string) bool {
	_, ok := s.Tombstones[id]
	return ok
}

// ReadRelays returns the URLs of relays with read capability.
func (s State) ReadRelays() []string {
	var urls []string
	for _, r := range s.Relays {
		if r.Read {
			urls = append(urls, r.URL)
		}
	}
	return urls
}

// ActiveShapes returns the drawn shapes taking part in the spatial filter.
func (s State) ActiveShapes() []*geo.Shape {
	var out []*geo.Shape
	for _, sh := range s.Shapes {
		if sh.Active {
			out = append(out, sh)
		}
	}
	return out
}
