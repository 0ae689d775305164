// --- File: internal/platform/registry/memory.go ---
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

// InMemoryDirectory is a process-local DeviceDirectory for local
// development and tests.
type InMemoryDirectory struct {
	mu      sync.RWMutex
	devices map[string]gateway.DeviceRegistration
}

func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{devices: make(map[string]gateway.DeviceRegistration)}
}

func (s *InMemoryDirectory) Register(_ context.Context, reg gateway.DeviceRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg.UpdatedAt = time.Now().UTC()
	s.devices[reg.DeviceID] = reg
	return nil
}

func (s *InMemoryDirectory) Lookup(_ context.Context, deviceID string) (*gateway.DeviceRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.devices[deviceID]
	if !ok {
		return nil, gateway.ErrDeviceUnknown
	}
	return &reg, nil
}

func (s *InMemoryDirectory) RemoveToken(_ context.Context, deviceID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.devices[deviceID]
	if !ok || reg.PushToken != token {
		return nil
	}
	reg.PushToken = ""
	reg.UpdatedAt = time.Now().UTC()
	s.devices[deviceID] = reg
	return nil
}

func (s *InMemoryDirectory) ListUserDevices(_ context.Context, userID string) ([]gateway.DeviceRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var devices []gateway.DeviceRegistration
	for _, reg := range s.devices {
		if reg.UserID == userID {
			devices = append(devices, reg)
		}
	}
	return devices, nil
}
