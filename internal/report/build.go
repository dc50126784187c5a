package report

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"

	"nostr-incidents/internal/geo"
)

// ErrValidation is returned when a draft cannot be published as is.
var ErrValidation = errors.New("report: validation failed")

// Draft is the user-supplied input for a new or edited report.
type Draft struct {
	Title      string
	Summary    string
	Content    string
	Categories []string
	FreeTags   []string
	Images     []Image
	Geohash    string
	Lat, Lon   *float64
	EventType  string
	Status     string

	// DTag and Edits are set when the draft replaces an existing report.
	DTag  string
	Edits string
}

// Validate rejects drafts missing a location or required text.
func (d Draft) Validate() error {
	switch {
	case strings.TrimSpace(d.Title) == "":
		return fmt.Errorf("%w: title is required", ErrValidation)
	case strings.TrimSpace(d.Content) == "":
		return fmt.Errorf("%w: description is required", ErrValidation)
	case d.Geohash == "" && (d.Lat == nil || d.Lon == nil):
		return fmt.Errorf("%w: a location is required", ErrValidation)
	case d.Geohash != "" && !geo.ValidGeohash(d.Geohash):
		return fmt.Errorf("%w: invalid geohash %q", ErrValidation, d.Geohash)
	}
	for _, img := range d.Images {
		if img.URL == "" {
			return fmt.Errorf("%w: image without url", ErrValidation)
		}
	}
	return nil
}

// BuildTemplate produces the unsigned event for a draft. The tag layout is the
// one Normalize reads back.
func BuildTemplate(d Draft) (nostr.Event, error) {
	if err := d.Validate(); err != nil {
		return nostr.Event{}, err
	}

	hash := d.Geohash
	if hash == "" {
		hash = geo.Encode(*d.Lat, *d.Lon, geo.DefaultPrecision)
	}
	dTag := d.DTag
	if dTag == "" {
		dTag = uuid.NewString()
	}

	tags := nostr.Tags{
		{TagD, dTag},
		{TagTitle, d.Title},
		{TagSummary, d.Summary},
		{TagGeohash, hash},
	}
	// Coarser cells let relays match viewport prefix queries exactly.
	for p := geo.MaxPrefixPrecision; p >= 1; p-- {
		if len(hash) > p {
			tags = append(tags, nostr.Tag{TagGeohash, hash[:p]})
		}
	}
	if len(d.Categories) > 0 {
		tags = append(tags, nostr.Tag{TagLabelNS, CategoryNamespace})
		for _, c := range d.Categories {
			tags = append(tags, nostr.Tag{TagLabel, c, CategoryNamespace})
		}
	}
	for _, t := range d.FreeTags {
		tags = append(tags, nostr.Tag{TagTopic, t})
	}
	for _, img := range d.Images {
		tags = append(tags, nostr.Tag{TagImage, img.URL, img.MimeType, img.Dimensions, img.Hash})
	}
	if d.EventType != "" {
		tags = append(tags, nostr.Tag{TagEventType, d.EventType})
	}
	if d.Status != "" {
		tags = append(tags, nostr.Tag{TagStatus, d.Status})
	}
	if d.Edits != "" {
		tags = append(tags, nostr.Tag{TagEvent, d.Edits, "", EditMarker})
	}

	return nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      KindReport,
		Tags:      tags,
		Content:   d.Content,
	}, nil
}

// DraftFrom prefills an edit draft from an existing report.
func DraftFrom(r *Report) Draft {
	return Draft{
		Title:      r.Title,
		Summary:    r.Summary,
		Content:    r.Content,
		Categories: append([]string(nil), r.Categories...),
		FreeTags:   append([]string(nil), r.FreeTags...),
		Images:     append([]Image(nil), r.Images...),
		Geohash:    r.Geohash,
		Lat:        r.Lat,
		Lon:        r.Lon,
		EventType:  r.EventType,
		Status:     r.Status,
		DTag:       r.DTag,
		Edits:      r.ID,
	}
}

// DeletionTemplate builds a tombstone for the given report ids.
func DeletionTemplate(reason string, ids ...string) nostr.Event {
	tags := make(nostr.Tags, 0, len(ids)+1)
	tags = append(tags, nostr.Tag{TagKind, strconv.Itoa(KindReport)})
	for _, id := range ids {
		tags = append(tags, nostr.Tag{TagEvent, id})
	}
	return nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      KindDeletion,
		Tags:      tags,
		Content:   reason,
	}
}

// ReactionTemplate builds a reaction to a report.
func ReactionTemplate(r *Report, content string) nostr.Event {
	if content == "" {
		content = "+"
	}
	return nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      KindReaction,
		Tags:      nostr.Tags{{TagEvent, r.ID}, {TagPubKey, r.PubKey}},
		Content:   content,
	}
}

// CommentTemplate builds a comment on a report.
func CommentTemplate(r *Report, text string) (nostr.Event, error) {
	if strings.TrimSpace(text) == "" {
		return nostr.Event{}, fmt.Errorf("%w: comment is empty", ErrValidation)
	}
	return nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      KindComment,
		Tags:      nostr.Tags{{TagEvent, r.ID, "", "root"}, {TagPubKey, r.PubKey}},
		Content:   text,
	}, nil
}
