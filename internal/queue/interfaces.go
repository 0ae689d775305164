// Package queue defines the interfaces for the per-device message queues.
package queue

import (
	"context"

	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

// Queue is the base interface for a device-specific message queue.
//
// A message carrying a ClientMessageID the queue has already accepted is
// absorbed silently: Enqueue returns nil without storing a second copy, so
// sender retries stay idempotent.
type Queue interface {
	// Enqueue adds a message to the device's queue. Messages with an empty
	// ID are assigned one.
	Enqueue(ctx context.Context, msg gateway.QueuedMessage) error

	// RetrieveBatch fetches the next available batch of queued messages for
	// a device, oldest first. Retrieved messages stay owned by the queue
	// until acknowledged, and their DeliveryAttempts counter is bumped.
	RetrieveBatch(ctx context.Context, deviceID string, limit int) ([]gateway.QueuedMessage, error)

	// Acknowledge permanently deletes messages by their queue IDs once the
	// client has confirmed persistent local storage.
	Acknowledge(ctx context.Context, deviceID string, messageIDs []string) error
}

// ColdQueue is a durable, long-term implementation of a Queue.
type ColdQueue interface {
	Queue
}

// HotQueue is a transient, high-speed implementation of a Queue
// that adds the ability to migrate its contents to a ColdQueue.
type HotQueue interface {
	Queue

	// MigrateToCold moves all of a device's messages, retrieved-but-unacked
	// included, from this HotQueue to the destination. Triggered when the
	// device disconnects.
	MigrateToCold(ctx context.Context, deviceID string, destination ColdQueue) error
}

// MessageQueue is the high-level, unified interface for the hot/cold
// queuing system. It is the single queue dependency for the rest of the
// service.
type MessageQueue interface {
	// EnqueueHot attempts the fast, transient hot queue first and falls
	// back to the cold queue if the hot queue fails.
	EnqueueHot(ctx context.Context, msg gateway.QueuedMessage) error

	// EnqueueCold enqueues a message directly to the durable cold queue.
	EnqueueCold(ctx context.Context, msg gateway.QueuedMessage) error

	// RetrieveBatch drains the cold queue first, then the hot queue. Cold
	// holds whatever predates the device's last disconnect, so cold-first
	// keeps per-device delivery in enqueue order.
	RetrieveBatch(ctx context.Context, deviceID string, limit int) ([]gateway.QueuedMessage, error)

	// Acknowledge removes messages from whichever queue holds them.
	Acknowledge(ctx context.Context, deviceID string, messageIDs []string) error

	// MigrateHotToCold drains a device's entire hot queue into cold
	// storage, typically on disconnect.
	MigrateHotToCold(ctx context.Context, deviceID string) error
}
