package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

// --- Mocks ---

type MockHotQueue struct {
	mock.Mock
}

func (m *MockHotQueue) Enqueue(ctx context.Context, msg gateway.QueuedMessage) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *MockHotQueue) RetrieveBatch(ctx context.Context, deviceID string, limit int) ([]gateway.QueuedMessage, error) {
	args := m.Called(ctx, deviceID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]gateway.QueuedMessage), args.Error(1)
}

func (m *MockHotQueue) Acknowledge(ctx context.Context, deviceID string, messageIDs []string) error {
	return m.Called(ctx, deviceID, messageIDs).Error(0)
}

func (m *MockHotQueue) MigrateToCold(ctx context.Context, deviceID string, destination ColdQueue) error {
	return m.Called(ctx, deviceID, destination).Error(0)
}

type MockColdQueue struct {
	mock.Mock
}

func (m *MockColdQueue) Enqueue(ctx context.Context, msg gateway.QueuedMessage) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *MockColdQueue) RetrieveBatch(ctx context.Context, deviceID string, limit int) ([]gateway.QueuedMessage, error) {
	args := m.Called(ctx, deviceID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]gateway.QueuedMessage), args.Error(1)
}

func (m *MockColdQueue) Acknowledge(ctx context.Context, deviceID string, messageIDs []string) error {
	return m.Called(ctx, deviceID, messageIDs).Error(0)
}

// --- Tests ---

func newComposite(t *testing.T, hot HotQueue, cold ColdQueue) *CompositeMessageQueue {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mq, err := NewCompositeMessageQueue(hot, cold, logger)
	require.NoError(t, err)
	return mq
}

func TestCompositeMessageQueue_EnqueueHot(t *testing.T) {
	ctx := context.Background()
	message := msg("device-1", "c1", "payload")

	t.Run("Uses hot queue when healthy", func(t *testing.T) {
		hot := new(MockHotQueue)
		cold := new(MockColdQueue)
		hot.On("Enqueue", ctx, message).Return(nil).Once()

		assert.NoError(t, newComposite(t, hot, cold).EnqueueHot(ctx, message))
		hot.AssertExpectations(t)
		cold.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
	})

	t.Run("Falls back to cold when hot fails", func(t *testing.T) {
		hot := new(MockHotQueue)
		cold := new(MockColdQueue)
		hot.On("Enqueue", ctx, message).Return(errors.New("redis down")).Once()
		cold.On("Enqueue", ctx, message).Return(nil).Once()

		assert.NoError(t, newComposite(t, hot, cold).EnqueueHot(ctx, message))
		hot.AssertExpectations(t)
		cold.AssertExpectations(t)
	})

	t.Run("Surfaces error when both fail", func(t *testing.T) {
		hot := new(MockHotQueue)
		cold := new(MockColdQueue)
		hot.On("Enqueue", ctx, message).Return(errors.New("redis down")).Once()
		coldErr := errors.New("firestore down")
		cold.On("Enqueue", ctx, message).Return(coldErr).Once()

		assert.ErrorIs(t, newComposite(t, hot, cold).EnqueueHot(ctx, message), coldErr)
	})
}

func TestCompositeMessageQueue_RetrieveBatch(t *testing.T) {
	ctx := context.Background()
	hotBatch := []gateway.QueuedMessage{msg("device-1", "c1", "hot")}
	coldBatch := []gateway.QueuedMessage{msg("device-1", "c2", "cold")}

	t.Run("Cold messages returned without touching hot", func(t *testing.T) {
		hot := new(MockHotQueue)
		cold := new(MockColdQueue)
		cold.On("RetrieveBatch", ctx, "device-1", 10).Return(coldBatch, nil).Once()

		got, err := newComposite(t, hot, cold).RetrieveBatch(ctx, "device-1", 10)
		require.NoError(t, err)
		assert.Equal(t, coldBatch, got)
		hot.AssertNotCalled(t, "RetrieveBatch", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Empty cold falls through to hot", func(t *testing.T) {
		hot := new(MockHotQueue)
		cold := new(MockColdQueue)
		cold.On("RetrieveBatch", ctx, "device-1", 10).Return([]gateway.QueuedMessage{}, nil).Once()
		hot.On("RetrieveBatch", ctx, "device-1", 10).Return(hotBatch, nil).Once()

		got, err := newComposite(t, hot, cold).RetrieveBatch(ctx, "device-1", 10)
		require.NoError(t, err)
		assert.Equal(t, hotBatch, got)
	})

	t.Run("Cold failure is surfaced, hot untouched", func(t *testing.T) {
		hot := new(MockHotQueue)
		cold := new(MockColdQueue)
		cold.On("RetrieveBatch", ctx, "device-1", 10).Return(nil, errors.New("firestore down")).Once()

		_, err := newComposite(t, hot, cold).RetrieveBatch(ctx, "device-1", 10)
		require.Error(t, err)
		hot.AssertNotCalled(t, "RetrieveBatch", mock.Anything, mock.Anything, mock.Anything)
	})
}

// Messages migrated to cold on disconnect are older than anything enqueued
// hot while the device stayed offline, so a reconnect must drain cold first.
func TestCompositeMessageQueue_ReconnectDrainsMigratedBeforeNewer(t *testing.T) {
	ctx := context.Background()
	hot := NewInMemoryQueue()
	cold := NewInMemoryQueue()
	mq := newComposite(t, hot, cold)

	require.NoError(t, mq.EnqueueHot(ctx, msg("device-1", "c1", "before disconnect")))
	require.NoError(t, mq.MigrateHotToCold(ctx, "device-1"))
	require.NoError(t, mq.EnqueueHot(ctx, msg("device-1", "c2", "while offline")))

	first, err := mq.RetrieveBatch(ctx, "device-1", 10)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "c1", first[0].ClientMessageID)
	require.NoError(t, mq.Acknowledge(ctx, "device-1", []string{first[0].ID}))

	second, err := mq.RetrieveBatch(ctx, "device-1", 10)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "c2", second[0].ClientMessageID)
}

func TestCompositeMessageQueue_Acknowledge(t *testing.T) {
	ctx := context.Background()
	ids := []string{"m1", "m2"}

	t.Run("Routed to both queues", func(t *testing.T) {
		hot := new(MockHotQueue)
		cold := new(MockColdQueue)
		hot.On("Acknowledge", ctx, "device-1", ids).Return(nil).Once()
		cold.On("Acknowledge", ctx, "device-1", ids).Return(nil).Once()

		assert.NoError(t, newComposite(t, hot, cold).Acknowledge(ctx, "device-1", ids))
		hot.AssertExpectations(t)
		cold.AssertExpectations(t)
	})

	t.Run("Either failure is surfaced", func(t *testing.T) {
		hot := new(MockHotQueue)
		cold := new(MockColdQueue)
		hot.On("Acknowledge", ctx, "device-1", ids).Return(nil).Once()
		cold.On("Acknowledge", ctx, "device-1", ids).Return(errors.New("firestore down")).Once()

		assert.Error(t, newComposite(t, hot, cold).Acknowledge(ctx, "device-1", ids))
	})
}

func TestCompositeMessageQueue_MigrateHotToCold(t *testing.T) {
	ctx := context.Background()
	hot := new(MockHotQueue)
	cold := new(MockColdQueue)
	hot.On("MigrateToCold", ctx, "device-1", cold).Return(nil).Once()

	assert.NoError(t, newComposite(t, hot, cold).MigrateHotToCold(ctx, "device-1"))
	hot.AssertExpectations(t)
}
