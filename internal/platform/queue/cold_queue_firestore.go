// --- File: internal/platform/queue/cold_queue_firestore.go ---
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

// storedMessage is the wrapper struct kept in Firestore.
type storedMessage struct {
	ClientMessageID string    `firestore:"client_message_id"`
	DeviceID        string    `firestore:"device_id"`
	Payload         []byte    `firestore:"payload"`
	QueuedAt        time.Time `firestore:"queued_at"`
	Attempts        int       `firestore:"attempts"`
}

// FirestoreColdQueue implements queue.ColdQueue on Google Cloud Firestore.
// Messages live in a per-device subcollection. The document ID doubles as
// the dedup key: messages carrying a ClientMessageID get a deterministic ID
// derived from it, so a retried enqueue collides on Create and is absorbed.
type FirestoreColdQueue struct {
	client         *firestore.Client
	logger         *slog.Logger
	collectionName string
}

func NewFirestoreColdQueue(client *firestore.Client, collectionName string, logger *slog.Logger) (*FirestoreColdQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if collectionName == "" {
		return nil, fmt.Errorf("collectionName cannot be empty")
	}
	return &FirestoreColdQueue{
		client:         client,
		logger:         logger.With("component", "firestore_cold_queue", "collection", collectionName),
		collectionName: collectionName,
	}, nil
}

func (s *FirestoreColdQueue) messagesCollection(deviceID string) *firestore.CollectionRef {
	return s.client.Collection(s.collectionName).Doc(deviceID).Collection("messages")
}

func coldDocID(msg gateway.QueuedMessage) string {
	if msg.ClientMessageID != "" {
		return "cmid-" + msg.ClientMessageID
	}
	if msg.ID != "" {
		return msg.ID
	}
	return uuid.NewString()
}

// Enqueue stores one message for a device.
func (s *FirestoreColdQueue) Enqueue(ctx context.Context, msg gateway.QueuedMessage) error {
	log := s.logger.With("device", msg.DeviceID)

	queuedAt := msg.EnqueuedAt
	if queuedAt.IsZero() {
		queuedAt = time.Now().UTC()
	}

	docRef := s.messagesCollection(msg.DeviceID).Doc(coldDocID(msg))
	_, err := docRef.Create(ctx, &storedMessage{
		ClientMessageID: msg.ClientMessageID,
		DeviceID:        msg.DeviceID,
		Payload:         []byte(msg.Payload),
		QueuedAt:        queuedAt,
		Attempts:        msg.DeliveryAttempts,
	})
	if status.Code(err) == codes.AlreadyExists {
		log.Debug("Absorbed duplicate message", "doc_id", docRef.ID)
		return nil
	}
	if err != nil {
		log.Error("Failed to enqueue message to cold queue", "err", err)
		return err
	}
	log.Debug("Enqueued message to cold queue", "doc_id", docRef.ID)
	return nil
}

// RetrieveBatch fetches the next batch of messages, oldest first.
func (s *FirestoreColdQueue) RetrieveBatch(ctx context.Context, deviceID string, limit int) ([]gateway.QueuedMessage, error) {
	log := s.logger.With("device", deviceID)

	query := s.messagesCollection(deviceID).OrderBy("queued_at", firestore.Asc).Limit(limit)
	docSnaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		log.Error("Failed to retrieve cold message batch", "err", err)
		return nil, fmt.Errorf("failed to retrieve message batch: %w", err)
	}

	if len(docSnaps) == 0 {
		return []gateway.QueuedMessage{}, nil
	}

	batch := make([]gateway.QueuedMessage, 0, len(docSnaps))
	for _, doc := range docSnaps {
		var stored storedMessage
		if err := doc.DataTo(&stored); err != nil {
			log.Error("Failed to unmarshal stored cold message, skipping", "err", err, "doc_id", doc.Ref.ID)
			continue
		}
		batch = append(batch, gateway.QueuedMessage{
			ID:               doc.Ref.ID,
			ClientMessageID:  stored.ClientMessageID,
			DeviceID:         deviceID,
			Payload:          stored.Payload,
			EnqueuedAt:       stored.QueuedAt,
			DeliveryAttempts: stored.Attempts + 1,
		})
	}
	log.Debug("Retrieved cold message batch", "count", len(batch))
	return batch, nil
}

// Acknowledge permanently deletes messages by their IDs.
func (s *FirestoreColdQueue) Acknowledge(ctx context.Context, deviceID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	log := s.logger.With("device", deviceID)
	collectionRef := s.messagesCollection(deviceID)

	bulkWriter := s.client.BulkWriter(ctx)
	var firstErr error

	for _, msgID := range messageIDs {
		if _, err := bulkWriter.Delete(collectionRef.Doc(msgID)); err != nil {
			log.Error("Failed to enqueue cold document for deletion", "err", err, "doc_id", msgID)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	bulkWriter.End()

	if firstErr != nil {
		return fmt.Errorf("failed to enqueue one or more messages for deletion: %w", firstErr)
	}
	log.Info("Acknowledged cold messages", "count", len(messageIDs))
	return nil
}
