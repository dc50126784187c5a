// Package report defines the canonical Report model and converts signed
// Nostr events into it.
package report

import (
	"github.com/nbd-wtf/go-nostr"
)

// Event kinds understood by the core.
const (
	KindComment  = 1
	KindDeletion = 5
	KindReaction = 7
	KindReport   = 30023
)

// Tag names and markers used by report events.
const (
	TagTitle     = "title"
	TagSummary   = "summary"
	TagLabel     = "l"
	TagLabelNS   = "L"
	TagTopic     = "t"
	TagImage     = "image"
	TagGeohash   = "g"
	TagEventType = "event-type"
	TagStatus    = "status"
	TagD         = "d"
	TagEvent     = "e"
	TagPubKey    = "p"
	TagKind      = "k"

	CategoryNamespace = "report-category"
	EditMarker        = "edit"
)

// Image is one attachment of a report.
type Image struct {
	URL        string `json:"url"`
	MimeType   string `json:"mimeType,omitempty"`
	Dimensions string `json:"dimensions,omitempty"`
	Hash       string `json:"hash,omitempty"`
}

// InteractionKind distinguishes reactions from comments.
type InteractionKind string

const (
	Reaction InteractionKind = "reaction"
	Comment  InteractionKind = "comment"
)

// Interaction is a reaction or comment referencing a report.
type Interaction struct {
	ID       string          `json:"id"`
	PubKey   string          `json:"pk"`
	At       int64           `json:"at"`
	Kind     InteractionKind `json:"kind"`
	Content  string          `json:"content"`
	ReportID string          `json:"reportId"`
}

// Report is an incident record derived from a signed event. Interactions is
// local state and is never part of the signed content.
type Report struct {
	ID         string   `json:"id"`
	PubKey     string   `json:"pk"`
	At         int64    `json:"at"`
	Kind       int      `json:"kind"`
	Title      string   `json:"title"`
	Summary    string   `json:"summary"`
	Content    string   `json:"content"`
	Categories []string `json:"categories"`
	FreeTags   []string `json:"freeTags"`
	Images     []Image  `json:"images"`
	Geohash    string   `json:"geohash,omitempty"`
	Lat        *float64 `json:"lat"`
	Lon        *float64 `json:"lon"`
	EventType  string   `json:"eventType,omitempty"`
	Status     string   `json:"status,omitempty"`
	DTag       string   `json:"dTag,omitempty"`
	ThreadRef  string   `json:"threadRef,omitempty"`

	Interactions []Interaction `json:"interactions,omitempty"`
}

// HasLocation reports whether the report carries a decoded position.
func (r *Report) HasLocation() bool {
	return r.Lat != nil && r.Lon != nil
}

// Clone returns a copy whose slices can be modified independently.
func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	c := *r
	c.Categories = append([]string(nil), r.Categories...)
	c.FreeTags = append([]string(nil), r.FreeTags...)
	c.Images = append([]Image(nil), r.Images...)
	c.Interactions = append([]Interaction(nil), r.Interactions...)
	return &c
}

// IsReportKind reports whether events of kind k are normalized into reports.
func IsReportKind(k int) bool {
	return k == KindReport
}

// Referenced returns every event id referenced by an "e" tag, in order.
func Referenced(evt *nostr.Event) []string {
	var ids []string
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == TagEvent && tag[1] != "" {
			ids = append(ids, tag[1])
		}
	}
	return ids
}
