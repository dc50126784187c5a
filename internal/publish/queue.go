package publish

import (
	"context"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"nostr-incidents/internal/cache"
)

// queue is the offline outbox. The SQLite outbox is used when the cache is
// available, an in-memory one otherwise.
type queue interface {
	Enqueue(ctx context.Context, evt nostr.Event) (int64, error)
	Entries(ctx context.Context) ([]cache.OutboxEntry, error)
	Remove(ctx context.Context, queueID int64) error
	Len(ctx context.Context) (int, error)
}

type memQueue struct {
	mu      sync.Mutex
	next    int64
	entries []cache.OutboxEntry
}

func (q *memQueue) Enqueue(_ context.Context, evt nostr.Event) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.next++
	q.entries = append(q.entries, cache.OutboxEntry{QueueID: q.next, Event: evt, EnqueuedAt: time.Now()})
	return q.next, nil
}

func (q *memQueue) Entries(context.Context) ([]cache.OutboxEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]cache.OutboxEntry(nil), q.entries...), nil
}

func (q *memQueue) Remove(_ context.Context, queueID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.QueueID == queueID {
			q.entries = append(q.entries[:i:i], q.entries[i+1:]...)
			break
		}
	}
	return nil
}

func (q *memQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}
