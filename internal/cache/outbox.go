package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// OutboxEntry is a signed event waiting for delivery. Entries are never
// modified; they are removed once a relay accepts the event.
type OutboxEntry struct {
	QueueID    int64
	Event      nostr.Event
	EnqueuedAt time.Time
}

// Outbox is the durable FIFO queue of undelivered events.
type Outbox struct {
	c *Cache
}

// Enqueue appends a signed event and returns its queue id.
func (o *Outbox) Enqueue(ctx context.Context, evt nostr.Event) (int64, error) {
	db, err := o.c.conn()
	if err != nil {
		return 0, err
	}
	data, err := marshal(evt)
	if err != nil {
		return 0, fmt.Errorf("encode event %s: %w", evt.ID, err)
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO outbox (event_id, data, enqueued_at) VALUES (?, ?, ?)`,
		evt.ID, string(data), time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue event %s: %w", evt.ID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	return id, nil
}

// Entries returns every queued entry in enqueue order.
func (o *Outbox) Entries(ctx context.Context) ([]OutboxEntry, error) {
	db, err := o.c.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT queue_id, data, enqueued_at FROM outbox ORDER BY queue_id`)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		var (
			e    OutboxEntry
			data string
			ms   int64
		)
		if err := rows.Scan(&e.QueueID, &data, &ms); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		if err := unmarshal([]byte(data), &e.Event); err != nil {
			return nil, fmt.Errorf("decode outbox entry %d: %w", e.QueueID, err)
		}
		e.EnqueuedAt = time.UnixMilli(ms)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return out, nil
}

// Remove deletes a delivered entry.
func (o *Outbox) Remove(ctx context.Context, queueID int64) error {
	db, err := o.c.conn()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM outbox WHERE queue_id = ?`, queueID); err != nil {
		return fmt.Errorf("remove outbox entry %d: %w", queueID, err)
	}
	return nil
}

// Len returns the number of queued entries.
func (o *Outbox) Len(ctx context.Context) (int, error) {
	db, err := o.c.conn()
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return n, nil
}

// Clear drops every queued entry.
func (o *Outbox) Clear(ctx context.Context) error {
	db, err := o.c.conn()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM outbox`); err != nil {
		return fmt.Errorf("clear outbox: %w", err)
	}
	return nil
}
