// --- File: internal/platform/apns/client_test.go ---
package apns

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/sideshow/apns2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

type MockAPNSClient struct {
	mock.Mock
}

func (m *MockAPNSClient) PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error) {
	args := m.Called(n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*apns2.Response), args.Error(1)
}

func newMockedClient(m *MockAPNSClient) *Client {
	return &Client{
		client: m,
		topic:  "com.test.app",
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestSend(t *testing.T) {
	ctx := context.Background()

	t.Run("Happy Path - Success", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		client := newMockedClient(mockClient)

		mockResponse := &apns2.Response{StatusCode: http.StatusOK}
		mockClient.On("PushWithContext", mock.MatchedBy(func(n *apns2.Notification) bool {
			return n.DeviceToken == "token-1" && n.Topic == "com.test.app" && n.PushType == apns2.PushTypeBackground
		})).Return(mockResponse, nil)

		err := client.Send(ctx, "token-1", gateway.ProviderToken{})

		require.NoError(t, err)
		mockClient.AssertExpectations(t)
	})

	t.Run("Bad Device Token - permanent", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		client := newMockedClient(mockClient)

		mockResponse := &apns2.Response{
			StatusCode: http.StatusBadRequest,
			Reason:     apns2.ReasonBadDeviceToken,
		}
		mockClient.On("PushWithContext", mock.Anything).Return(mockResponse, nil)

		err := client.Send(ctx, "bad-token", gateway.ProviderToken{})

		require.Error(t, err)
		assert.Equal(t, gateway.ProviderErrInvalidToken, gateway.ProviderKind(err))
	})

	t.Run("Unregistered - permanent", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		client := newMockedClient(mockClient)

		mockClient.On("PushWithContext", mock.Anything).Return(&apns2.Response{
			StatusCode: http.StatusGone,
			Reason:     apns2.ReasonUnregistered,
		}, nil)

		err := client.Send(ctx, "stale-token", gateway.ProviderToken{})
		assert.Equal(t, gateway.ProviderErrInvalidToken, gateway.ProviderKind(err))
	})

	t.Run("Transport Failure - retryable", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		client := newMockedClient(mockClient)

		mockClient.On("PushWithContext", mock.Anything).Return(nil, errors.New("connection refused"))

		err := client.Send(ctx, "token-1", gateway.ProviderToken{})
		assert.Equal(t, gateway.ProviderErrTransient, gateway.ProviderKind(err))
	})

	t.Run("Rate Limited - retryable", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		client := newMockedClient(mockClient)

		mockClient.On("PushWithContext", mock.Anything).Return(&apns2.Response{
			StatusCode: http.StatusTooManyRequests,
			Reason:     apns2.ReasonTooManyRequests,
		}, nil)

		err := client.Send(ctx, "token-1", gateway.ProviderToken{})
		assert.Equal(t, gateway.ProviderErrTransient, gateway.ProviderKind(err))
	})

	t.Run("Expired provider token - config error", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		client := newMockedClient(mockClient)

		mockClient.On("PushWithContext", mock.Anything).Return(&apns2.Response{
			StatusCode: http.StatusForbidden,
			Reason:     apns2.ReasonExpiredProviderToken,
		}, nil)

		err := client.Send(ctx, "token-1", gateway.ProviderToken{})
		assert.Equal(t, gateway.ProviderErrConfig, gateway.ProviderKind(err))
	})
}
