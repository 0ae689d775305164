// Package tokens holds one credential per push provider under a
// reader/writer discipline and refreshes it on demand.
package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

// DefaultRefreshMargin is how much remaining validity a token must have to be
// served from the cached copy.
const DefaultRefreshMargin = 5 * time.Minute

type entry struct {
	source  gateway.TokenSource
	token   gateway.ProviderToken
	lastErr error
	// inflight is non-nil while exactly one refresh is running; concurrent
	// callers wait on it and receive that refresh's result instead of issuing
	// their own upstream request.
	inflight chan struct{}
}

// Manager implements gateway.CredentialSource for all configured providers.
type Manager struct {
	mu      sync.Mutex
	entries map[gateway.ProviderID]*entry
	margin  time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// NewManager registers one TokenSource per provider. A margin <= 0 selects
// DefaultRefreshMargin.
func NewManager(margin time.Duration, logger *slog.Logger, sources ...gateway.TokenSource) (*Manager, error) {
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	m := &Manager{
		entries: make(map[gateway.ProviderID]*entry, len(sources)),
		margin:  margin,
		now:     time.Now,
		logger:  logger.With("component", "TokenLifecycleManager"),
	}
	for _, s := range sources {
		if _, dup := m.entries[s.Provider()]; dup {
			return nil, fmt.Errorf("duplicate token source for provider %s", s.Provider())
		}
		m.entries[s.Provider()] = &entry{source: s}
	}
	return m, nil
}

// Token returns a currently-valid credential for the provider. If the cached
// token is inside the refresh margin, the first caller performs the refresh
// while all concurrent callers wait on that single in-flight request.
func (m *Manager) Token(ctx context.Context, p gateway.ProviderID) (gateway.ProviderToken, error) {
	m.mu.Lock()
	e, ok := m.entries[p]
	if !ok {
		m.mu.Unlock()
		return gateway.ProviderToken{}, gateway.ConfigError(p, fmt.Errorf("no token source configured"))
	}

	for {
		if e.token.Valid(m.now(), m.margin) {
			tok := e.token
			m.mu.Unlock()
			return tok, nil
		}

		if e.inflight == nil {
			done := make(chan struct{})
			e.inflight = done
			m.mu.Unlock()
			return m.refresh(ctx, p, e, done)
		}

		done := e.inflight
		m.mu.Unlock()

		if err := m.waitRefresh(ctx, done); err != nil {
			return gateway.ProviderToken{}, err
		}

		m.mu.Lock()
		if e.lastErr != nil {
			err := e.lastErr
			m.mu.Unlock()
			return gateway.ProviderToken{}, err
		}
		// Loop: the refreshed token is normally valid now; if it already
		// re-entered the margin we start another cycle.
	}
}

// waitRefresh blocks on the in-flight refresh. A context expiry while holding
// the shared section is retried once with a non-blocking re-check, then
// surfaced as a read-side lock failure.
func (m *Manager) waitRefresh(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}
	select {
	case <-done:
		return nil
	default:
		return &gateway.LockError{Side: gateway.LockRead}
	}
}

// refresh performs the single upstream credential request and broadcasts the
// result to all waiters.
func (m *Manager) refresh(ctx context.Context, p gateway.ProviderID, e *entry, done chan struct{}) (gateway.ProviderToken, error) {
	start := m.now()
	tok, err := e.source.Refresh(ctx)

	m.mu.Lock()
	if err == nil {
		e.token = tok
		e.lastErr = nil
	} else if ctx.Err() != nil {
		// The exclusive section was abandoned mid-refresh. Waiters see a
		// write-side lock failure rather than a provider error.
		e.lastErr = &gateway.LockError{Side: gateway.LockWrite}
	} else {
		e.lastErr = fmt.Errorf("refreshing %s credential: %w", p, err)
	}
	err = e.lastErr
	e.inflight = nil
	close(done)
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("Credential refresh failed", "provider", p, "err", err)
		return gateway.ProviderToken{}, err
	}

	m.logger.Info("Credential refreshed",
		"provider", p,
		"took", m.now().Sub(start),
		"expires_at", tok.ExpiresAt,
	)
	return tok, nil
}

// Invalidate drops the cached token so the next caller refreshes. Used when a
// provider rejects a credential that looks valid locally.
func (m *Manager) Invalidate(p gateway.ProviderID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[p]; ok {
		e.token = gateway.ProviderToken{}
	}
}
