// --- File: internal/platform/registry/cache.go ---
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns the value or a specific error if not found.
	Get(ctx context.Context, key string, dest interface{}) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Del removes the key.
	Del(ctx context.Context, key string) error
}

// CachedDirectory is a decorator that adds read-aside caching to any
// DeviceDirectory. Lookups sit on the connect path, so every WebSocket
// handshake would otherwise cost a Firestore read.
type CachedDirectory struct {
	realStore gateway.DeviceDirectory
	cache     CacheClient
	ttl       time.Duration
}

func NewCachedDirectory(realStore gateway.DeviceDirectory, cache CacheClient, ttl time.Duration) *CachedDirectory {
	return &CachedDirectory{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
	}
}

// --- READ PATH (Read-Aside) ---

func (s *CachedDirectory) Lookup(ctx context.Context, deviceID string) (*gateway.DeviceRegistration, error) {
	key := s.cacheKey(deviceID)
	var cached gateway.DeviceRegistration

	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return &cached, nil
	}

	fresh, err := s.realStore.Lookup(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	// Caching is an optimization, not a transaction. If Redis is down we
	// just serve from the real store.
	_ = s.cache.Set(ctx, key, fresh, s.ttl)
	return fresh, nil
}

// --- WRITE PATHS (Invalidate-on-Write) ---

func (s *CachedDirectory) Register(ctx context.Context, reg gateway.DeviceRegistration) error {
	if err := s.realStore.Register(ctx, reg); err != nil {
		return err
	}
	return s.invalidate(ctx, reg.DeviceID)
}

// RemoveToken must clear the cache even though the DB write succeeded, so a
// dead token stops being served immediately.
func (s *CachedDirectory) RemoveToken(ctx context.Context, deviceID, token string) error {
	if err := s.realStore.RemoveToken(ctx, deviceID, token); err != nil {
		return err
	}
	return s.invalidate(ctx, deviceID)
}

// --- Helpers ---

func (s *CachedDirectory) invalidate(ctx context.Context, deviceID string) error {
	// The next Lookup is forced back to the real store.
	return s.cache.Del(ctx, s.cacheKey(deviceID))
}

func (s *CachedDirectory) cacheKey(deviceID string) string {
	return fmt.Sprintf("gateway:device:%s", deviceID)
}
