package dispatch_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-device-gateway/devicegateway/config"
	"github.com/tinywideclouds/go-device-gateway/internal/dispatch"
	"github.com/tinywideclouds/go-device-gateway/internal/platform/registry"
	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

// scriptedClient returns the queued errors in order, then succeeds.
type scriptedClient struct {
	provider gateway.ProviderID
	mu       sync.Mutex
	script   []error
	calls    atomic.Int32
}

func (c *scriptedClient) Provider() gateway.ProviderID { return c.provider }

func (c *scriptedClient) Send(ctx context.Context, pushToken string, cred gateway.ProviderToken) error {
	c.calls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.script) == 0 {
		return nil
	}
	err := c.script[0]
	c.script = c.script[1:]
	return err
}

type staticCreds struct {
	err error
}

func (s *staticCreds) Token(ctx context.Context, p gateway.ProviderID) (gateway.ProviderToken, error) {
	if s.err != nil {
		return gateway.ProviderToken{}, s.err
	}
	return gateway.ProviderToken{Provider: p, Value: "cred"}, nil
}

type recordingSink struct {
	mu      sync.Mutex
	reports []gateway.BadTokenReport
}

func (s *recordingSink) Report(ctx context.Context, report gateway.BadTokenReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, report)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

type routedFrame struct {
	userID string
	frame  []byte
}

type recordingRouter struct {
	mu     sync.Mutex
	routed []routedFrame
}

func (r *recordingRouter) RouteToUser(userID, excludeDeviceID string, frame []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routed = append(r.routed, routedFrame{userID: userID, frame: frame})
	return 1
}

func (r *recordingRouter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routed)
}

func testDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		WorkersPerProvider: 2,
		MaxAttempts:        3,
		InitialBackoff:     time.Millisecond,
		MaxBackoff:         5 * time.Millisecond,
	}
}

type fixture struct {
	dispatcher *dispatch.PushDispatcher
	client     *scriptedClient
	sink       *recordingSink
	router     *recordingRouter
	directory  *registry.InMemoryDirectory
	cancel     context.CancelFunc
}

func setup(t *testing.T, script ...error) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	client := &scriptedClient{provider: gateway.ProviderAPNS, script: script}
	sink := &recordingSink{}
	dir := registry.NewInMemoryDirectory()
	require.NoError(t, dir.Register(ctx, gateway.DeviceRegistration{
		DeviceID:  "device-1",
		UserID:    "user-1",
		Platform:  gateway.PlatformIOS,
		PushToken: "apns-token",
	}))

	router := &recordingRouter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d, err := dispatch.NewPushDispatcher([]gateway.ProviderClient{client}, &staticCreds{}, dir, sink, router, testDispatchConfig(), logger)
	require.NoError(t, err)
	d.Start(ctx)
	t.Cleanup(func() {
		cancel()
		d.Wait()
	})

	return &fixture{dispatcher: d, client: client, sink: sink, router: router, directory: dir, cancel: cancel}
}

func TestPushDispatcher_DeliversWakeup(t *testing.T) {
	f := setup(t)

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), "device-1", gateway.PlatformIOS, "m1"))

	assert.Eventually(t, func() bool { return f.client.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, f.sink.count())
}

func TestPushDispatcher_TransientRetriedThenDelivered(t *testing.T) {
	f := setup(t,
		gateway.Transient(gateway.ProviderAPNS, fmt.Errorf("503")),
		gateway.Transient(gateway.ProviderAPNS, fmt.Errorf("503")),
	)

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), "device-1", gateway.PlatformIOS, "m1"))

	assert.Eventually(t, func() bool { return f.client.calls.Load() == 3 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, f.sink.count())
}

func TestPushDispatcher_TransientExhaustedIsAbandoned(t *testing.T) {
	f := setup(t,
		gateway.Transient(gateway.ProviderAPNS, fmt.Errorf("503")),
		gateway.Transient(gateway.ProviderAPNS, fmt.Errorf("503")),
		gateway.Transient(gateway.ProviderAPNS, fmt.Errorf("503")),
		gateway.Transient(gateway.ProviderAPNS, fmt.Errorf("503")),
	)

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), "device-1", gateway.PlatformIOS, "m1"))

	// MaxAttempts bounds the retries.
	assert.Eventually(t, func() bool { return f.client.calls.Load() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 3, f.client.calls.Load())
	assert.Zero(t, f.sink.count())
	assert.False(t, f.dispatcher.Degraded(gateway.ProviderAPNS))
}

func TestPushDispatcher_InvalidTokenReportedOnceNeverRetried(t *testing.T) {
	f := setup(t, gateway.InvalidToken(gateway.ProviderAPNS, fmt.Errorf("Unregistered")))

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), "device-1", gateway.PlatformIOS, "m1"))

	assert.Eventually(t, func() bool { return f.sink.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.EqualValues(t, 1, f.client.calls.Load(), "invalid token must not be retried")
	assert.Equal(t, 1, f.sink.count(), "exactly one report per invalidated token")
	assert.Equal(t, "apns-token", f.sink.reports[0].InvalidatedToken)

	reg, err := f.directory.Lookup(context.Background(), "device-1")
	require.NoError(t, err)
	assert.Empty(t, reg.PushToken, "dead token cleared from the directory")

	// The owner's live sessions hear about the dead token.
	require.Equal(t, 1, f.router.count())
	assert.Equal(t, "user-1", f.router.routed[0].userID)
	decoded, err := gateway.DecodeFrame(f.router.routed[0].frame)
	require.NoError(t, err)
	bad, ok := decoded.(*gateway.BadDeviceToken)
	require.True(t, ok)
	assert.Equal(t, "apns-token", bad.InvalidatedToken)
}

func TestPushDispatcher_ConfigErrorDegradesProvider(t *testing.T) {
	f := setup(t, gateway.ConfigError(gateway.ProviderAPNS, fmt.Errorf("bad credentials")))

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), "device-1", gateway.PlatformIOS, "m1"))

	assert.Eventually(t, func() bool { return f.dispatcher.Degraded(gateway.ProviderAPNS) }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, f.client.calls.Load())
	assert.Zero(t, f.sink.count())

	// Subsequent dispatches fail fast.
	err := f.dispatcher.Dispatch(context.Background(), "device-1", gateway.PlatformIOS, "m2")
	assert.Equal(t, gateway.ProviderErrConfig, gateway.ProviderKind(err))
}

func TestPushDispatcher_UnknownPlatformIsConfigError(t *testing.T) {
	f := setup(t)

	err := f.dispatcher.Dispatch(context.Background(), "device-1", gateway.Platform("blackberry"), "m1")
	require.Error(t, err)
	assert.Equal(t, gateway.ProviderErrConfig, gateway.ProviderKind(err))
}

func TestPushDispatcher_UnconfiguredProviderIsConfigError(t *testing.T) {
	f := setup(t) // only APNs configured

	err := f.dispatcher.Dispatch(context.Background(), "device-1", gateway.PlatformAndroid, "m1")
	require.Error(t, err)
	assert.Equal(t, gateway.ProviderErrConfig, gateway.ProviderKind(err))
}

func TestPushDispatcher_RequiresClients(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := dispatch.NewPushDispatcher(nil, &staticCreds{}, registry.NewInMemoryDirectory(), &recordingSink{}, nil, testDispatchConfig(), logger)
	assert.Error(t, err)
}
