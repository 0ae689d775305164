package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

func activeSession(t *testing.T, deviceID string, bufferSize int) *Session {
	t.Helper()
	s := New(bufferSize)
	require.NoError(t, s.BeginAuthentication())
	require.NoError(t, s.MarkAuthenticated("user-1", deviceID, gateway.PlatformIOS))
	require.NoError(t, s.MarkActive())
	return s
}

func TestSession_Lifecycle(t *testing.T) {
	s := New(4)
	assert.Equal(t, StateConnecting, s.State())

	require.NoError(t, s.BeginAuthentication())
	assert.Equal(t, StateAuthenticating, s.State())

	require.NoError(t, s.MarkAuthenticated("user-1", "device-1", gateway.PlatformWeb))
	assert.Equal(t, StateAuthenticated, s.State())
	assert.Equal(t, "device-1", s.DeviceID)
	assert.Equal(t, "user-1", s.UserID)

	require.NoError(t, s.MarkActive())
	assert.Equal(t, StateActive, s.State())

	s.Close()
	assert.Equal(t, StateClosed, s.State())
	select {
	case <-s.Done():
	default:
		t.Fatal("Done channel not closed")
	}
}

func TestSession_InvalidTransitions(t *testing.T) {
	s := New(4)
	assert.Error(t, s.MarkActive(), "connecting cannot jump to active")

	s.Close()
	assert.Error(t, s.BeginAuthentication(), "closed sessions stay closed")
}

func TestSession_EnqueueAfterCloseFails(t *testing.T) {
	s := activeSession(t, "device-1", 4)
	s.Close()
	assert.ErrorIs(t, s.Enqueue([]byte("frame")), gateway.ErrSessionClosed)
}

func TestSession_SlowConsumerClosed(t *testing.T) {
	s := activeSession(t, "device-1", 2)

	require.NoError(t, s.Enqueue([]byte("one")))
	require.NoError(t, s.Enqueue([]byte("two")))

	err := s.Enqueue([]byte("three"))
	assert.ErrorIs(t, err, gateway.ErrSlowConsumer)
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_OutboundPreservesOrder(t *testing.T) {
	s := activeSession(t, "device-1", 4)

	require.NoError(t, s.Enqueue([]byte("one")))
	require.NoError(t, s.Enqueue([]byte("two")))

	assert.Equal(t, "one", string(<-s.Outbound()))
	assert.Equal(t, "two", string(<-s.Outbound()))
}

func TestSession_HeartbeatAdvances(t *testing.T) {
	s := activeSession(t, "device-1", 4)
	first := s.LastHeartbeat()
	time.Sleep(5 * time.Millisecond)
	s.Heartbeat()
	assert.True(t, s.LastHeartbeat().After(first))
}
