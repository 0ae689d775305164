// Package session holds the per-device connection state machine and the
// registry that owns every live session.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

// State is the lifecycle position of one device connection.
type State string

const (
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateActive         State = "active"
	StateClosing        State = "closing"
	StateClosed         State = "closed"
)

// validTransitions describes the only moves the state machine permits.
// Closing is reachable from anywhere; Closed only from Closing.
var validTransitions = map[State][]State{
	StateConnecting:     {StateAuthenticating, StateClosing},
	StateAuthenticating: {StateAuthenticated, StateClosing},
	StateAuthenticated:  {StateActive, StateClosing},
	StateActive:         {StateClosing},
	StateClosing:        {StateClosed},
	StateClosed:         {},
}

// Session is the live connection state for one device. It is owned
// exclusively by the Registry; it never references the registry back.
type Session struct {
	ID       string
	DeviceID string
	UserID   string
	Platform gateway.Platform

	mu            sync.Mutex
	state         State
	lastHeartbeat time.Time

	out       chan []byte
	pending   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a session in the Connecting state with a bounded outbound
// buffer of the given capacity.
func New(bufferSize int) *Session {
	return &Session{
		ID:            uuid.NewString(),
		state:         StateConnecting,
		lastHeartbeat: time.Now(),
		out:           make(chan []byte, bufferSize),
		pending:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, allowed := range validTransitions[s.state] {
		if allowed == to {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("invalid session transition %s -> %s", s.state, to)
}

// BeginAuthentication moves Connecting -> Authenticating on transport accept.
func (s *Session) BeginAuthentication() error {
	return s.transition(StateAuthenticating)
}

// MarkAuthenticated binds the verified identity to the session.
func (s *Session) MarkAuthenticated(userID, deviceID string, platform gateway.Platform) error {
	if err := s.transition(StateAuthenticated); err != nil {
		return err
	}
	s.mu.Lock()
	s.UserID = userID
	s.DeviceID = deviceID
	s.Platform = platform
	s.mu.Unlock()
	return nil
}

// MarkActive moves Authenticated -> Active once the session is registered
// and its durable queue has begun draining.
func (s *Session) MarkActive() error {
	return s.transition(StateActive)
}

// Heartbeat records client liveness.
func (s *Session) Heartbeat() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
}

func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// Enqueue places a frame on the outbound buffer. A full buffer means the
// consumer is not keeping up; the session is closed deterministically
// rather than buffering unboundedly or dropping frames silently.
func (s *Session) Enqueue(frame []byte) error {
	select {
	case <-s.done:
		return gateway.ErrSessionClosed
	default:
	}

	select {
	case s.out <- frame:
		return nil
	case <-s.done:
		return gateway.ErrSessionClosed
	default:
		s.Close()
		return gateway.ErrSlowConsumer
	}
}

// NotifyPending nudges the session's drain loop: new messages are waiting
// in the durable queue. Coalesces when a nudge is already pending.
func (s *Session) NotifyPending() {
	select {
	case s.pending <- struct{}{}:
	default:
	}
}

// Pending is the drain loop's wakeup channel.
func (s *Session) Pending() <-chan struct{} {
	return s.pending
}

// Outbound is the channel the transport writer drains.
func (s *Session) Outbound() <-chan []byte {
	return s.out
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close moves the session through Closing -> Closed and releases any
// blocked writers. Safe to call multiple times and from any state.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.state != StateClosing && s.state != StateClosed {
			s.state = StateClosing
		}
		s.state = StateClosed
		s.mu.Unlock()
		close(s.done)
	})
}
