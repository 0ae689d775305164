// --- File: internal/session/registry.go ---
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

// Registry is the authoritative map of device id -> live session. Mutation
// is per-device through sync.Map, so session churn on one device never
// contends with another.
type Registry struct {
	sessions          sync.Map // map[string]*Session
	heartbeatInterval time.Duration
	logger            *slog.Logger
}

func NewRegistry(heartbeatInterval time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		heartbeatInterval: heartbeatInterval,
		logger:            logger.With("component", "SessionRegistry"),
	}
}

// Register makes s the live session for its device. A prior session for
// the same device is evicted and closed; its queued messages are untouched.
func (r *Registry) Register(s *Session) {
	if prev, loaded := r.sessions.Swap(s.DeviceID, s); loaded {
		old := prev.(*Session)
		r.logger.Info("Evicting prior session for device", "device", s.DeviceID, "old_session", old.ID)
		old.Close()
	}
}

// Remove drops the session only if it is still the registered one, so a
// replacement registered in the meantime survives the old session's
// deferred cleanup.
func (r *Registry) Remove(s *Session) {
	r.sessions.CompareAndDelete(s.DeviceID, s)
}

// Get returns the live session for a device, if any.
func (r *Registry) Get(deviceID string) (*Session, bool) {
	v, ok := r.sessions.Load(deviceID)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Route delivers a frame to the device's active session. ErrNoRoute means
// the caller should fall through to the push path.
func (r *Registry) Route(deviceID string, frame []byte) error {
	s, ok := r.Get(deviceID)
	if !ok || s.State() != StateActive {
		return gateway.ErrNoRoute
	}
	return s.Enqueue(frame)
}

// RouteToUser fans a frame out to every active session belonging to a
// user, the sender's own device excepted. Returns how many sessions
// accepted it.
func (r *Registry) RouteToUser(userID, excludeDeviceID string, frame []byte) int {
	var delivered int
	r.sessions.Range(func(_, v any) bool {
		s := v.(*Session)
		if s.UserID != userID || s.DeviceID == excludeDeviceID || s.State() != StateActive {
			return true
		}
		if err := s.Enqueue(frame); err == nil {
			delivered++
		}
		return true
	})
	return delivered
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	var n int
	r.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// StartSweeper closes sessions that have gone two full heartbeat intervals
// silent. It blocks until ctx is done; run it on its own goroutine.
func (r *Registry) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	deadline := now.Add(-2 * r.heartbeatInterval)
	r.sessions.Range(func(_, v any) bool {
		s := v.(*Session)
		if s.State() == StateActive && s.LastHeartbeat().Before(deadline) {
			r.logger.Warn("Closing session after missed heartbeats", "device", s.DeviceID, "session", s.ID)
			s.Close()
			r.Remove(s)
		}
		return true
	})
}
