package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/singleflight"

	"nostr-incidents/internal/cache"
	"nostr-incidents/internal/identity"
	"nostr-incidents/internal/report"
	"nostr-incidents/internal/store"
)

// ErrUnknownReport is returned when acting on a report that is not loaded.
var ErrUnknownReport = errors.New("publish: unknown report")

// Options configures a Pipeline.
type Options struct {
	Signer    identity.Signer
	Deliverer Deliverer
	Store     *store.Store
	// Cache may be nil; the outbox then lives in memory.
	Cache *cache.Cache
}

// Result describes what happened to a published event.
type Result struct {
	Event *nostr.Event
	// Queued is true when the event waits in the outbox.
	Queued bool
}

// Pipeline is the single path by which signed events leave the client.
type Pipeline struct {
	signer    identity.Signer
	deliverer Deliverer
	store     *store.Store
	cache     *cache.Cache
	outbox    queue
	log       *slog.Logger

	drains singleflight.Group
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	p := &Pipeline{
		signer:    opts.Signer,
		deliverer: opts.Deliverer,
		store:     opts.Store,
		cache:     opts.Cache,
		log:       slog.Default().With("component", "publish"),
	}
	if opts.Cache != nil && opts.Cache.Available() {
		p.outbox = opts.Cache.Outbox
	} else {
		p.outbox = &memQueue{}
	}
	return p
}

// Publish signs tmpl and delivers it. Report events are shown locally before
// delivery. An unreachable or deferring endpoint queues the event and is not
// an error; a rejection returns ErrPublishRejected without undoing the local
// change.
func (p *Pipeline) Publish(ctx context.Context, tmpl nostr.Event) (Result, error) {
	evt, err := p.sign(ctx, tmpl)
	if err != nil {
		return Result{}, err
	}
	if report.IsReportKind(evt.Kind) {
		p.applyReport(ctx, report.Normalize(evt))
	}
	return p.deliver(ctx, evt)
}

// PublishReport validates d and publishes it as a report.
func (p *Pipeline) PublishReport(ctx context.Context, d report.Draft) (Result, error) {
	tmpl, err := report.BuildTemplate(d)
	if err != nil {
		return Result{}, err
	}
	return p.Publish(ctx, tmpl)
}

// Delete publishes a deletion for the report and removes it locally once the
// deletion is signed. Until the deletion leaves the outbox the report is
// tombstoned, so relays still serving it cannot bring it back.
func (p *Pipeline) Delete(ctx context.Context, reportID, reason string) (Result, error) {
	evt, err := p.sign(ctx, report.DeletionTemplate(reason, reportID))
	if err != nil {
		return Result{}, err
	}
	p.store.Tombstone(reportID)
	if p.cache != nil {
		p.cacheErr("delete report", p.cache.Reports.Mirror(ctx, nil, []string{reportID}, nil))
	}
	return p.deliver(ctx, evt)
}

// RestoreTombstones tombstones the reports named by deletions still waiting
// in the outbox. It runs at startup, before cached and relay reports load.
func (p *Pipeline) RestoreTombstones(ctx context.Context) error {
	entries, err := p.outbox.Entries(ctx)
	if err != nil {
		return fmt.Errorf("read outbox: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.Event.Kind == report.KindDeletion {
			ids = append(ids, report.Referenced(&e.Event)...)
		}
	}
	p.store.Tombstone(ids...)
	return nil
}

// React publishes a reaction to a report and records it locally.
func (p *Pipeline) React(ctx context.Context, reportID, content string) (Result, error) {
	r, ok := p.store.Report(reportID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownReport, reportID)
	}
	return p.interact(ctx, reportID, report.ReactionTemplate(r, content))
}

// Comment publishes a comment on a report and records it locally.
func (p *Pipeline) Comment(ctx context.Context, reportID, text string) (Result, error) {
	r, ok := p.store.Report(reportID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownReport, reportID)
	}
	tmpl, err := report.CommentTemplate(r, text)
	if err != nil {
		return Result{}, err
	}
	return p.interact(ctx, reportID, tmpl)
}

func (p *Pipeline) interact(ctx context.Context, reportID string, tmpl nostr.Event) (Result, error) {
	evt, err := p.sign(ctx, tmpl)
	if err != nil {
		return Result{}, err
	}
	if in, ok := report.NormalizeInteraction(evt); ok {
		if updated, ok := p.store.AddInteraction(reportID, in); ok && p.cache != nil {
			p.cacheErr("store interaction", p.cache.Reports.Mirror(ctx, []*report.Report{updated}, nil, p.store.Report))
		}
	}
	return p.deliver(ctx, evt)
}

func (p *Pipeline) sign(ctx context.Context, tmpl nostr.Event) (*nostr.Event, error) {
	evt := tmpl
	if evt.CreatedAt == 0 {
		evt.CreatedAt = nostr.Now()
	}
	if evt.Tags == nil {
		evt.Tags = nostr.Tags{}
	}
	if err := p.signer.SignEvent(ctx, &evt); err != nil {
		return nil, fmt.Errorf("sign event: %w", err)
	}
	return &evt, nil
}

// applyReport merges r into the store and cache, replacing older versions.
func (p *Pipeline) applyReport(ctx context.Context, r *report.Report) {
	stored, superseded, applied := p.store.IngestReport(r)
	if !applied || p.cache == nil {
		return
	}
	p.cacheErr("store report", p.cache.Reports.Mirror(ctx, []*report.Report{stored}, superseded, p.store.Report))
}

// delivered runs after evt reached the endpoint or was refused by it. Either
// way no deletion is pending anymore.
func (p *Pipeline) delivered(evt *nostr.Event) {
	if evt.Kind == report.KindDeletion {
		p.store.ClearTombstones(report.Referenced(evt)...)
	}
}

func (p *Pipeline) deliver(ctx context.Context, evt *nostr.Event) (Result, error) {
	if !p.store.Get().Online {
		return p.enqueue(ctx, evt)
	}
	err := p.deliverer.Deliver(ctx, evt)
	switch {
	case err == nil:
		p.log.Debug("event published", "id", evt.ID, "kind", evt.Kind)
		p.delivered(evt)
		return Result{Event: evt}, nil
	case errors.Is(err, ErrPublishRejected):
		p.log.Warn("event rejected", "id", evt.ID, "error", err)
		p.delivered(evt)
		return Result{Event: evt}, err
	default:
		p.log.Info("delivery postponed", "id", evt.ID, "reason", err)
		return p.enqueue(ctx, evt)
	}
}

func (p *Pipeline) enqueue(ctx context.Context, evt *nostr.Event) (Result, error) {
	if _, err := p.outbox.Enqueue(ctx, *evt); err != nil {
		return Result{Event: evt}, fmt.Errorf("queue event %s: %w", evt.ID, err)
	}
	p.refreshOutboxSize(ctx)
	return Result{Event: evt, Queued: true}, nil
}

func (p *Pipeline) refreshOutboxSize(ctx context.Context) {
	n, err := p.outbox.Len(ctx)
	if err != nil {
		p.log.Warn("outbox size unknown", "error", err)
		return
	}
	p.store.SetOutboxSize(n)
}

func (p *Pipeline) cacheErr(op string, err error) {
	if err != nil && !errors.Is(err, cache.ErrStorageUnavailable) {
		p.log.Warn("cache write failed", "op", op, "error", err)
	}
}
