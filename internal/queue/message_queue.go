// --- File: internal/queue/message_queue.go ---
package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

// CompositeMessageQueue is the concrete implementation of MessageQueue.
// It orchestrates the hot and cold queues.
type CompositeMessageQueue struct {
	hot    HotQueue
	cold   ColdQueue
	logger *slog.Logger
}

func NewCompositeMessageQueue(hot HotQueue, cold ColdQueue, logger *slog.Logger) (*CompositeMessageQueue, error) {
	if hot == nil {
		return nil, fmt.Errorf("hot queue cannot be nil")
	}
	if cold == nil {
		return nil, fmt.Errorf("cold queue cannot be nil")
	}
	return &CompositeMessageQueue{
		hot:    hot,
		cold:   cold,
		logger: logger.With("component", "MessageQueue"),
	}, nil
}

// EnqueueHot attempts the hot queue first and falls back to cold on error,
// so the message survives even when Redis is down.
func (c *CompositeMessageQueue) EnqueueHot(ctx context.Context, msg gateway.QueuedMessage) error {
	if err := c.hot.Enqueue(ctx, msg); err != nil {
		c.logger.Error("Hot queue enqueue failed. Falling back to cold queue.", "device", msg.DeviceID, "err", err)
		if errCold := c.cold.Enqueue(ctx, msg); errCold != nil {
			c.logger.Error("Hot and cold queue enqueue failed", "device", msg.DeviceID, "err", errCold)
			return errCold
		}
	}
	return nil
}

func (c *CompositeMessageQueue) EnqueueCold(ctx context.Context, msg gateway.QueuedMessage) error {
	return c.cold.Enqueue(ctx, msg)
}

// RetrieveBatch drains cold before hot. Anything in cold predates the
// device's last disconnect, while hot only holds messages enqueued since,
// so cold-first preserves per-device FIFO across a reconnect.
func (c *CompositeMessageQueue) RetrieveBatch(ctx context.Context, deviceID string, limit int) ([]gateway.QueuedMessage, error) {
	coldMessages, err := c.cold.RetrieveBatch(ctx, deviceID, limit)
	if err != nil {
		return nil, err
	}
	if len(coldMessages) > 0 {
		return coldMessages, nil
	}
	return c.hot.RetrieveBatch(ctx, deviceID, limit)
}

// Acknowledge is routed to both queues; each ignores IDs it does not hold.
func (c *CompositeMessageQueue) Acknowledge(ctx context.Context, deviceID string, messageIDs []string) error {
	errChan := make(chan error, 2)

	go func() {
		err := c.hot.Acknowledge(ctx, deviceID, messageIDs)
		if err != nil {
			c.logger.Error("Hot queue acknowledge failed", "device", deviceID, "err", err)
		}
		errChan <- err
	}()

	go func() {
		err := c.cold.Acknowledge(ctx, deviceID, messageIDs)
		if err != nil {
			c.logger.Error("Cold queue acknowledge failed", "device", deviceID, "err", err)
		}
		errChan <- err
	}()

	err1 := <-errChan
	err2 := <-errChan
	if err1 != nil {
		return err1
	}
	return err2
}

func (c *CompositeMessageQueue) MigrateHotToCold(ctx context.Context, deviceID string) error {
	return c.hot.MigrateToCold(ctx, deviceID, c.cold)
}
