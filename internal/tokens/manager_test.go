package tokens

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

// countingSource records upstream refresh calls and can hold them open until
// released, so tests can pin N callers inside the refresh window.
type countingSource struct {
	provider gateway.ProviderID
	calls    atomic.Int64
	validity time.Duration
	err      error
	block    chan struct{}
}

func (s *countingSource) Provider() gateway.ProviderID { return s.provider }

func (s *countingSource) Refresh(ctx context.Context) (gateway.ProviderToken, error) {
	s.calls.Add(1)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return gateway.ProviderToken{}, ctx.Err()
		}
	}
	if s.err != nil {
		return gateway.ProviderToken{}, s.err
	}
	now := time.Now()
	return gateway.ProviderToken{
		Provider:  s.provider,
		Value:     "tok-" + time.Now().Format(time.RFC3339Nano),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.validity),
	}, nil
}

func newTestManager(t *testing.T, sources ...gateway.TokenSource) *Manager {
	t.Helper()
	m, err := NewManager(5*time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)), sources...)
	require.NoError(t, err)
	return m
}

func TestToken(t *testing.T) {
	ctx := context.Background()

	t.Run("cached token inside validity is served without refresh", func(t *testing.T) {
		src := &countingSource{provider: gateway.ProviderFCM, validity: time.Hour}
		m := newTestManager(t, src)

		first, err := m.Token(ctx, gateway.ProviderFCM)
		require.NoError(t, err)

		second, err := m.Token(ctx, gateway.ProviderFCM)
		require.NoError(t, err)

		assert.Equal(t, first.Value, second.Value)
		assert.EqualValues(t, 1, src.calls.Load())
	})

	t.Run("token within refresh margin triggers a refresh", func(t *testing.T) {
		// 4 minutes of validity against a 5 minute margin.
		src := &countingSource{provider: gateway.ProviderFCM, validity: 4 * time.Minute}
		m := newTestManager(t, src)

		_, err := m.Token(ctx, gateway.ProviderFCM)
		require.NoError(t, err)
		_, err = m.Token(ctx, gateway.ProviderFCM)
		require.NoError(t, err)

		// Every call refreshes because the minted token is always inside the
		// margin already.
		assert.EqualValues(t, 2, src.calls.Load())
	})

	t.Run("N concurrent callers observe exactly one upstream refresh", func(t *testing.T) {
		release := make(chan struct{})
		src := &countingSource{provider: gateway.ProviderAPNS, validity: time.Hour, block: release}
		m := newTestManager(t, src)

		const n = 25
		var wg sync.WaitGroup
		results := make([]gateway.ProviderToken, n)
		errs := make([]error, n)

		wg.Add(n)
		for i := 0; i < n; i++ {
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = m.Token(ctx, gateway.ProviderAPNS)
			}(i)
		}

		// Give all goroutines time to pile up on the single in-flight refresh,
		// then release it.
		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()

		require.EqualValues(t, 1, src.calls.Load())
		for i := 0; i < n; i++ {
			require.NoError(t, errs[i])
			assert.Equal(t, results[0].Value, results[i].Value)
		}
	})

	t.Run("refresh failure propagates to all waiters", func(t *testing.T) {
		release := make(chan struct{})
		src := &countingSource{
			provider: gateway.ProviderWNS,
			err:      errors.New("upstream 500"),
			block:    release,
		}
		m := newTestManager(t, src)

		var wg sync.WaitGroup
		errs := make([]error, 5)
		wg.Add(5)
		for i := 0; i < 5; i++ {
			go func(i int) {
				defer wg.Done()
				_, errs[i] = m.Token(ctx, gateway.ProviderWNS)
			}(i)
		}
		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()

		assert.EqualValues(t, 1, src.calls.Load())
		for _, err := range errs {
			assert.ErrorContains(t, err, "upstream 500")
		}
	})

	t.Run("unconfigured provider is a config error", func(t *testing.T) {
		m := newTestManager(t)
		_, err := m.Token(ctx, gateway.ProviderFCM)
		assert.Equal(t, gateway.ProviderErrConfig, gateway.ProviderKind(err))
	})

	t.Run("waiter whose context expires surfaces a read lock error", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		src := &countingSource{provider: gateway.ProviderFCM, validity: time.Hour, block: release}
		m := newTestManager(t, src)

		refresherCtx, cancelRefresher := context.WithCancel(context.Background())
		defer cancelRefresher()
		go func() {
			_, _ = m.Token(refresherCtx, gateway.ProviderFCM)
		}()
		time.Sleep(20 * time.Millisecond)

		waiterCtx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		_, err := m.Token(waiterCtx, gateway.ProviderFCM)

		var lockErr *gateway.LockError
		require.ErrorAs(t, err, &lockErr)
		assert.Equal(t, gateway.LockRead, lockErr.Side)
	})

	t.Run("invalidate forces the next caller to refresh", func(t *testing.T) {
		src := &countingSource{provider: gateway.ProviderFCM, validity: time.Hour}
		m := newTestManager(t, src)

		_, err := m.Token(ctx, gateway.ProviderFCM)
		require.NoError(t, err)

		m.Invalidate(gateway.ProviderFCM)

		_, err = m.Token(ctx, gateway.ProviderFCM)
		require.NoError(t, err)
		assert.EqualValues(t, 2, src.calls.Load())
	})
}
