// Package registry holds the device directory implementations.
package registry

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

// FirestoreDirectory implements gateway.DeviceDirectory on Google Cloud
// Firestore. Each device is one document keyed by its device ID.
type FirestoreDirectory struct {
	client         *firestore.Client
	collectionName string
}

func NewFirestoreDirectory(client *firestore.Client, collectionName string) (*FirestoreDirectory, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if collectionName == "" {
		return nil, fmt.Errorf("collectionName cannot be empty")
	}
	return &FirestoreDirectory{client: client, collectionName: collectionName}, nil
}

func (s *FirestoreDirectory) deviceRef(deviceID string) *firestore.DocumentRef {
	return s.client.Collection(s.collectionName).Doc(deviceID)
}

func (s *FirestoreDirectory) Register(ctx context.Context, reg gateway.DeviceRegistration) error {
	if reg.DeviceID == "" {
		return fmt.Errorf("device ID cannot be empty")
	}
	reg.UpdatedAt = time.Now().UTC()
	_, err := s.deviceRef(reg.DeviceID).Set(ctx, reg)
	return err
}

func (s *FirestoreDirectory) Lookup(ctx context.Context, deviceID string) (*gateway.DeviceRegistration, error) {
	doc, err := s.deviceRef(deviceID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, gateway.ErrDeviceUnknown
	}
	if err != nil {
		return nil, fmt.Errorf("firestore lookup failed: %w", err)
	}

	var reg gateway.DeviceRegistration
	if err := doc.DataTo(&reg); err != nil {
		return nil, fmt.Errorf("corrupt device record %q: %w", deviceID, err)
	}
	return &reg, nil
}

// RemoveToken clears the push token only if it still matches, so a token
// re-registered between failure and report survives.
func (s *FirestoreDirectory) RemoveToken(ctx context.Context, deviceID, token string) error {
	ref := s.deviceRef(deviceID)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}

		var reg gateway.DeviceRegistration
		if err := doc.DataTo(&reg); err != nil {
			return err
		}
		if reg.PushToken != token {
			return nil
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "push_token", Value: ""},
			{Path: "updated_at", Value: time.Now().UTC()},
		})
	})
}

// ListUserDevices returns every registration belonging to a user, for
// fanning device-list updates out to their other connected devices.
func (s *FirestoreDirectory) ListUserDevices(ctx context.Context, userID string) ([]gateway.DeviceRegistration, error) {
	iter := s.client.Collection(s.collectionName).Where("user_id", "==", userID).Documents(ctx)
	defer iter.Stop()

	var devices []gateway.DeviceRegistration
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}

		var reg gateway.DeviceRegistration
		if err := doc.DataTo(&reg); err != nil {
			// Safe to skip corrupt rows.
			continue
		}
		devices = append(devices, reg)
	}
	return devices, nil
}
