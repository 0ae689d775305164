// Package reporting contains the adapter that hands permanently bad push
// tokens to the identity tier over Google Cloud Pub/Sub.
package reporting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"cloud.google.com/go/pubsub/v2"

	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

// pubsubTopicClient defines the interface for the underlying pubsub
// publisher. This allows us to use a mock for testing.
type pubsubTopicClient interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
}

// PubSubBadTokenSink implements gateway.BadTokenSink by publishing one
// message per invalidated token. The identity tier consumes the topic and
// purges the registration.
type PubSubBadTokenSink struct {
	topic  pubsubTopicClient
	logger *slog.Logger
}

func NewPubSubBadTokenSink(topic pubsubTopicClient, logger *slog.Logger) (*PubSubBadTokenSink, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic cannot be nil")
	}
	return &PubSubBadTokenSink{
		topic:  topic,
		logger: logger.With("component", "BadTokenSink"),
	}, nil
}

// Report serializes the report and publishes it, waiting for the server ack.
func (p *PubSubBadTokenSink) Report(ctx context.Context, report gateway.BadTokenReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal bad token report: %w", err)
	}

	message := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"deviceID": report.DeviceID,
		},
	}

	result := p.topic.Publish(ctx, message)
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("failed to publish bad token report: %w", err)
	}

	p.logger.Info("Reported invalidated push token", "device", report.DeviceID)
	return nil
}
