package publish

import (
	"context"
	"fmt"

	"nostr-incidents/internal/report"
	"nostr-incidents/internal/store"
)

// DrainResult counts the outcome of one drain run.
type DrainResult struct {
	Sent    int
	Pending int
}

// Drain delivers queued events in enqueue order. Delivered entries are
// removed; failed ones stay queued and do not block later entries.
// Overlapping calls share a single run, so no entry is delivered twice.
func (p *Pipeline) Drain(ctx context.Context) (DrainResult, error) {
	v, err, _ := p.drains.Do("drain", func() (any, error) {
		return p.drain(ctx)
	})
	if err != nil {
		return DrainResult{}, err
	}
	return v.(DrainResult), nil
}

func (p *Pipeline) drain(ctx context.Context) (DrainResult, error) {
	entries, err := p.outbox.Entries(ctx)
	if err != nil {
		return DrainResult{}, fmt.Errorf("read outbox: %w", err)
	}
	if len(entries) == 0 {
		return DrainResult{}, nil
	}
	p.log.Info("draining outbox", "entries", len(entries))

	var res DrainResult
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			res.Pending += len(entries) - res.Sent - res.Pending
			break
		}
		evt := e.Event
		if err := p.deliverer.Deliver(ctx, &evt); err != nil {
			p.log.Warn("queued event not delivered", "queue_id", e.QueueID, "id", evt.ID, "error", err)
			res.Pending++
			continue
		}
		if err := p.outbox.Remove(ctx, e.QueueID); err != nil {
			p.log.Warn("remove delivered entry", "queue_id", e.QueueID, "error", err)
		}
		if report.IsReportKind(evt.Kind) {
			p.applyReport(ctx, report.Normalize(&evt))
		}
		p.delivered(&evt)
		res.Sent++
	}
	p.refreshOutboxSize(ctx)
	p.log.Info("outbox drained", "sent", res.Sent, "pending", res.Pending)
	return res, nil
}

// DrainOnReconnect starts a drain on every offline to online transition of
// the store until ctx is done.
func (p *Pipeline) DrainOnReconnect(ctx context.Context) (unsubscribe func()) {
	return p.store.Subscribe(func(newState, oldState store.State) {
		if !newState.Online || oldState.Online || ctx.Err() != nil {
			return
		}
		go func() {
			if _, err := p.Drain(ctx); err != nil {
				p.log.Warn("drain after reconnect failed", "error", err)
			}
		}()
	})
}
