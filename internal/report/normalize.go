package report

import (
	"github.com/nbd-wtf/go-nostr"

	"nostr-incidents/internal/geo"
)

// Normalize converts a raw event into a Report. It never fails: missing or
// malformed tags fall back to empty values and a nil location.
func Normalize(evt *nostr.Event) *Report {
	if evt == nil {
		return nil
	}
	r := &Report{
		ID:         evt.ID,
		PubKey:     evt.PubKey,
		At:         int64(evt.CreatedAt),
		Kind:       evt.Kind,
		Content:    evt.Content,
		Categories: []string{},
		FreeTags:   []string{},
		Images:     []Image{},
	}

	var haveTitle, haveSummary, haveGeo, haveType, haveStatus, haveD bool
	for _, tag := range evt.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case TagTitle:
			if !haveTitle {
				r.Title, haveTitle = tag[1], true
			}
		case TagSummary:
			if !haveSummary {
				r.Summary, haveSummary = tag[1], true
			}
		case TagLabel:
			if len(tag) >= 3 && tag[2] == CategoryNamespace {
				r.Categories = append(r.Categories, tag[1])
			}
		case TagTopic:
			r.FreeTags = append(r.FreeTags, tag[1])
		case TagImage:
			r.Images = append(r.Images, Image{
				URL:        tag[1],
				MimeType:   at(tag, 2),
				Dimensions: at(tag, 3),
				Hash:       at(tag, 4),
			})
		case TagGeohash:
			if haveGeo {
				continue
			}
			haveGeo = true
			if lat, lon, ok := geo.Decode(tag[1]); ok {
				r.Geohash = tag[1]
				r.Lat, r.Lon = &lat, &lon
			}
		case TagEventType:
			if !haveType {
				r.EventType, haveType = tag[1], true
			}
		case TagStatus:
			if !haveStatus {
				r.Status, haveStatus = tag[1], true
			}
		case TagD:
			if !haveD {
				r.DTag, haveD = tag[1], true
			}
		case TagEvent:
			if at(tag, 3) == EditMarker && r.ThreadRef == "" {
				r.ThreadRef = tag[1]
			}
		}
	}
	return r
}

// NormalizeInteraction converts a reaction or comment into an Interaction.
// ok is false for other kinds or when no report is referenced.
func NormalizeInteraction(evt *nostr.Event) (Interaction, bool) {
	var kind InteractionKind
	switch evt.Kind {
	case KindReaction:
		kind = Reaction
	case KindComment:
		kind = Comment
	default:
		return Interaction{}, false
	}
	refs := Referenced(evt)
	if len(refs) == 0 {
		return Interaction{}, false
	}
	return Interaction{
		ID:       evt.ID,
		PubKey:   evt.PubKey,
		At:       int64(evt.CreatedAt),
		Kind:     kind,
		Content:  evt.Content,
		ReportID: refs[0],
	}, true
}

func at(tag nostr.Tag, i int) string {
	if i < len(tag) {
		return tag[i]
	}
	return ""
}
