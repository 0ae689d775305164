// --- File: internal/queue/memory.go ---
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

// InMemoryQueue is a process-local Queue used for local development and
// tests. It keeps the same retrieve/pending/acknowledge lifecycle as the
// Redis and Firestore implementations.
type InMemoryQueue struct {
	mu      sync.Mutex
	devices map[string]*deviceQueue
}

type deviceQueue struct {
	ready   []gateway.QueuedMessage
	pending map[string]gateway.QueuedMessage
	seen    map[string]struct{} // accepted ClientMessageIDs
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{devices: make(map[string]*deviceQueue)}
}

func (q *InMemoryQueue) deviceLocked(deviceID string) *deviceQueue {
	dq, ok := q.devices[deviceID]
	if !ok {
		dq = &deviceQueue{
			pending: make(map[string]gateway.QueuedMessage),
			seen:    make(map[string]struct{}),
		}
		q.devices[deviceID] = dq
	}
	return dq
}

func (q *InMemoryQueue) Enqueue(_ context.Context, msg gateway.QueuedMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	dq := q.deviceLocked(msg.DeviceID)
	if msg.ClientMessageID != "" {
		if _, dup := dq.seen[msg.ClientMessageID]; dup {
			return nil
		}
		dq.seen[msg.ClientMessageID] = struct{}{}
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	dq.ready = append(dq.ready, msg)
	return nil
}

func (q *InMemoryQueue) RetrieveBatch(_ context.Context, deviceID string, limit int) ([]gateway.QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	dq := q.deviceLocked(deviceID)
	n := limit
	if n > len(dq.ready) {
		n = len(dq.ready)
	}
	batch := make([]gateway.QueuedMessage, 0, n)
	for _, msg := range dq.ready[:n] {
		msg.DeliveryAttempts++
		dq.pending[msg.ID] = msg
		batch = append(batch, msg)
	}
	dq.ready = dq.ready[n:]
	return batch, nil
}

func (q *InMemoryQueue) Acknowledge(_ context.Context, deviceID string, messageIDs []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	dq := q.deviceLocked(deviceID)
	for _, id := range messageIDs {
		if msg, ok := dq.pending[id]; ok {
			delete(dq.pending, id)
			if msg.ClientMessageID != "" {
				delete(dq.seen, msg.ClientMessageID)
			}
		}
	}
	return nil
}

// MigrateToCold drains both ready and pending messages into the destination
// in enqueue order. Only the snapshotted messages are removed afterwards, so
// a message enqueued while the migration is in flight stays in the hot queue.
func (q *InMemoryQueue) MigrateToCold(ctx context.Context, deviceID string, destination ColdQueue) error {
	q.mu.Lock()
	dq, ok := q.devices[deviceID]
	if !ok {
		q.mu.Unlock()
		return nil
	}
	toMove := make([]gateway.QueuedMessage, 0, len(dq.pending)+len(dq.ready))
	for _, msg := range dq.pending {
		toMove = append(toMove, msg)
	}
	toMove = append(toMove, dq.ready...)
	q.mu.Unlock()

	// Undelivered pending messages predate everything still in ready.
	sort.SliceStable(toMove, func(i, j int) bool {
		return toMove[i].EnqueuedAt.Before(toMove[j].EnqueuedAt)
	})

	migrated := make(map[string]struct{}, len(toMove))
	var migrateErr error
	for _, msg := range toMove {
		if err := destination.Enqueue(ctx, msg); err != nil {
			// The rest stays hot; migration retries on the next disconnect.
			migrateErr = err
			break
		}
		migrated[msg.ID] = struct{}{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	cur, ok := q.devices[deviceID]
	if !ok {
		return migrateErr
	}
	for id := range migrated {
		delete(cur.pending, id)
	}
	remaining := cur.ready[:0]
	for _, msg := range cur.ready {
		if _, moved := migrated[msg.ID]; !moved {
			remaining = append(remaining, msg)
		}
	}
	cur.ready = remaining
	if len(cur.ready) == 0 && len(cur.pending) == 0 && len(cur.seen) == 0 {
		delete(q.devices, deviceID)
	}
	return migrateErr
}
