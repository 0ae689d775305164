// --- File: internal/platform/reporting/pubsub_test.go ---
package reporting_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tinywideclouds/go-device-gateway/internal/platform/reporting"
	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

func TestPubSubBadTokenSink_Report(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	// Arrange: in-memory pubsub server.
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	const projectID = "test-project"
	const topicID = "bad-device-tokens"
	const subID = "bad-device-tokens-sub"

	client, err := pubsub.NewClient(context.Background(), projectID, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topicName := fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
	_, err = client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topicName})
	require.NoError(t, err)
	subName := fmt.Sprintf("projects/%s/subscriptions/%s", projectID, subID)
	_, err = client.SubscriptionAdminClient.CreateSubscription(ctx, &pubsubpb.Subscription{
		Name:  subName,
		Topic: topicName,
	})
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sink, err := reporting.NewPubSubBadTokenSink(client.Publisher(topicID), logger)
	require.NoError(t, err)

	report := gateway.BadTokenReport{
		DeviceID:         "device-1",
		InvalidatedToken: "dead-apns-token",
	}

	// Act
	require.NoError(t, sink.Report(ctx, report))

	// Assert: the report arrived on the topic.
	var wg sync.WaitGroup
	wg.Add(1)
	var receivedMsg *pubsub.Message

	sub := client.Subscriber(subID)
	go func() {
		defer wg.Done()
		receiveCtx, cancelReceive := context.WithCancel(ctx)
		defer cancelReceive()

		err := sub.Receive(receiveCtx, func(ctx context.Context, msg *pubsub.Message) {
			msg.Ack()
			receivedMsg = msg
			cancelReceive()
		})
		if err != nil && err != context.Canceled {
			t.Errorf("Receive returned an unexpected error: %v", err)
		}
	}()
	wg.Wait()

	require.NotNil(t, receivedMsg, "Did not receive a message from the subscription")
	assert.Equal(t, "device-1", receivedMsg.Attributes["deviceID"])

	var got gateway.BadTokenReport
	require.NoError(t, json.Unmarshal(receivedMsg.Data, &got))
	assert.Equal(t, report, got)
}

func TestNewPubSubBadTokenSink_NilTopic(t *testing.T) {
	_, err := reporting.NewPubSubBadTokenSink(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}
