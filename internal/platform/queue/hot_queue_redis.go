// --- File: internal/platform/queue/hot_queue_redis.go ---
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tinywideclouds/go-device-gateway/internal/queue"
	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

// redisClient defines the interface we need from go-redis.
type redisClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
	RPopLPush(ctx context.Context, source, destination string) *redis.StringCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisHotQueue implements queue.HotQueue. It keeps three keys per device:
//  1. `queue:device:{id}`: the main ingestion list (LPush/RPopLPush).
//  2. `pending:device:{id}`: retrieved-but-unacknowledged messages.
//  3. `dedup:device:{id}`: the set of accepted ClientMessageIDs.
type RedisHotQueue struct {
	client redisClient
	logger *slog.Logger
}

func NewRedisHotQueue(client redisClient, logger *slog.Logger) (*RedisHotQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisHotQueue{
		client: client,
		logger: logger.With("component", "redis_hot_queue"),
	}, nil
}

// Enqueue adds a message to the head of the device's main list. Duplicate
// ClientMessageIDs are detected through SADD and absorbed without a second
// copy.
func (s *RedisHotQueue) Enqueue(ctx context.Context, msg gateway.QueuedMessage) error {
	log := s.logger.With("device", msg.DeviceID)

	if msg.ClientMessageID != "" {
		added, err := s.client.SAdd(ctx, deviceDedupKey(msg.DeviceID), msg.ClientMessageID).Result()
		if err != nil {
			log.Error("Failed to update dedup set", "err", err)
			return fmt.Errorf("failed to update dedup set: %w", err)
		}
		if added == 0 {
			log.Debug("Absorbed duplicate message", "client_message_id", msg.ClientMessageID)
			return nil
		}
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		log.Error("Failed to marshal redis message", "err", err)
		return fmt.Errorf("failed to marshal redis message: %w", err)
	}

	key := deviceQueueKey(msg.DeviceID)
	log.Debug("Enqueuing message to hot queue", "key", key, "msg_id", msg.ID)

	if err := s.client.LPush(ctx, key, payload).Err(); err != nil {
		log.Error("Failed to lpush to hot queue", "key", key, "err", err)
		return fmt.Errorf("failed to lpush to hot queue: %w", err)
	}
	return nil
}

// RetrieveBatch atomically moves messages from the main list to the pending
// list. RPopLPush takes from the right (oldest) of the main list and places
// on the left of the pending list.
func (s *RedisHotQueue) RetrieveBatch(ctx context.Context, deviceID string, limit int) ([]gateway.QueuedMessage, error) {
	log := s.logger.With("device", deviceID)
	queueKey := deviceQueueKey(deviceID)
	pendingKey := devicePendingKey(deviceID)

	batch := make([]gateway.QueuedMessage, 0, limit)
	for i := 0; i < limit; i++ {
		payload, err := s.client.RPopLPush(ctx, queueKey, pendingKey).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			log.Error("Failed to rpoplpush message", "err", err)
			return nil, fmt.Errorf("failed to rpoplpush message: %w", err)
		}

		var msg gateway.QueuedMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			// Remove the poison message from pending to stop a loop.
			log.Warn("Removing poison message from pending queue", "key", pendingKey, "err", err)
			_ = s.client.LRem(ctx, pendingKey, 1, payload)
			continue
		}

		msg.DeliveryAttempts++
		batch = append(batch, msg)
	}

	if len(batch) > 0 {
		log.Debug("Retrieved and moved hot message batch to pending", "count", len(batch))
	}
	return batch, nil
}

// Acknowledge removes messages from the pending list by ID. The list holds
// opaque payloads, so we scan it, match IDs, and remove by value. Acked
// ClientMessageIDs leave the dedup set: once the recipient has the message,
// a later re-send is a new message, not a retry.
func (s *RedisHotQueue) Acknowledge(ctx context.Context, deviceID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	pendingKey := devicePendingKey(deviceID)
	log := s.logger.With("device", deviceID, "pending_key", pendingKey)

	payloads, err := s.client.LRange(ctx, pendingKey, 0, -1).Result()
	if err != nil {
		log.Error("Failed to read pending queue for ack", "err", err)
		return fmt.Errorf("failed to read pending queue for ack: %w", err)
	}

	type pendingEntry struct {
		payload         string
		clientMessageID string
	}
	idMap := make(map[string]pendingEntry)
	for _, payload := range payloads {
		var msg gateway.QueuedMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			log.Warn("Failed to unmarshal message in pending queue during ack", "err", err)
			continue
		}
		idMap[msg.ID] = pendingEntry{payload: payload, clientMessageID: msg.ClientMessageID}
	}

	var ackCount int
	for _, id := range messageIDs {
		entry, ok := idMap[id]
		if !ok {
			continue
		}
		if err := s.client.LRem(ctx, pendingKey, 1, entry.payload).Err(); err != nil {
			log.Error("Failed to lrem message from pending queue", "err", err, "id", id)
			continue
		}
		if entry.clientMessageID != "" {
			_ = s.client.SRem(ctx, deviceDedupKey(deviceID), entry.clientMessageID)
		}
		ackCount++
	}

	log.Info("Acknowledged hot pending messages", "count", ackCount)
	return nil
}

// MigrateToCold moves everything in the main and pending lists into the
// ColdQueue, then deletes the Redis keys. Cold writes happen first so a
// crash mid-migration redelivers rather than loses.
func (s *RedisHotQueue) MigrateToCold(ctx context.Context, deviceID string, destination queue.ColdQueue) error {
	log := s.logger.With("device", deviceID)

	keysToMigrate := []string{devicePendingKey(deviceID), deviceQueueKey(deviceID)}

	var toMove []gateway.QueuedMessage
	var payloadsToDelete []string
	var keysToDelete []string

	for _, key := range keysToMigrate {
		payloads, err := s.client.LRange(ctx, key, 0, -1).Result()
		if err != nil || len(payloads) == 0 {
			continue
		}
		for _, payload := range payloads {
			var msg gateway.QueuedMessage
			if err := json.Unmarshal([]byte(payload), &msg); err != nil {
				log.Error("Failed to unmarshal message for migration, skipping", "err", err, "key", key)
				continue
			}
			toMove = append(toMove, msg)
			payloadsToDelete = append(payloadsToDelete, payload)
			keysToDelete = append(keysToDelete, key)
		}
	}

	if len(toMove) == 0 {
		return nil
	}

	for _, msg := range toMove {
		if err := destination.Enqueue(ctx, msg); err != nil {
			// Partial failure: everything stays in Redis and the migration
			// retries on the next disconnect.
			log.Error("Failed to write to cold queue during migration. Aborting.", "err", err)
			return fmt.Errorf("failed to write to cold queue during migration: %w", err)
		}
	}

	for i, payload := range payloadsToDelete {
		if err := s.client.LRem(ctx, keysToDelete[i], 1, payload).Err(); err != nil {
			log.Warn("Failed to lrem message during migration cleanup", "err", err, "key", keysToDelete[i])
		}
	}
	// The cold queue has its own dedup keyed on ClientMessageID.
	_ = s.client.Del(ctx, deviceDedupKey(deviceID))

	log.Info("Migrated hot queue to cold queue", "count", len(toMove))
	return nil
}

func deviceQueueKey(deviceID string) string   { return fmt.Sprintf("queue:device:%s", deviceID) }
func devicePendingKey(deviceID string) string { return fmt.Sprintf("pending:device:%s", deviceID) }
func deviceDedupKey(deviceID string) string   { return fmt.Sprintf("dedup:device:%s", deviceID) }
