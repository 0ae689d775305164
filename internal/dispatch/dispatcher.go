// Package dispatch fans wake-up pushes out to the platform providers.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/tinywideclouds/go-device-gateway/devicegateway/config"
	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

// SessionRouter fans a frame out to a user's live sessions. Satisfied by
// the session registry; nil disables the fan-out.
type SessionRouter interface {
	RouteToUser(userID, excludeDeviceID string, frame []byte) int
}

// PushDispatcher owns one bounded worker pool per provider, so one
// provider's rate limits or outages never starve the others. The push
// itself carries no payload: content waits in the durable queue until the
// woken device reconnects and drains it.
type PushDispatcher struct {
	clients   map[gateway.ProviderID]gateway.ProviderClient
	creds     gateway.CredentialSource
	directory gateway.DeviceDirectory
	badTokens gateway.BadTokenSink
	sessions  SessionRouter
	cfg       config.DispatchConfig
	logger    *slog.Logger

	jobs map[gateway.ProviderID]chan gateway.NotificationJob
	wg   sync.WaitGroup

	mu       sync.Mutex
	degraded map[gateway.ProviderID]bool
}

func NewPushDispatcher(
	clients []gateway.ProviderClient,
	creds gateway.CredentialSource,
	directory gateway.DeviceDirectory,
	badTokens gateway.BadTokenSink,
	sessions SessionRouter,
	cfg config.DispatchConfig,
	logger *slog.Logger,
) (*PushDispatcher, error) {
	if len(clients) == 0 {
		return nil, fmt.Errorf("at least one provider client is required")
	}

	d := &PushDispatcher{
		clients:   make(map[gateway.ProviderID]gateway.ProviderClient, len(clients)),
		creds:     creds,
		directory: directory,
		badTokens: badTokens,
		sessions:  sessions,
		cfg:       cfg,
		logger:    logger.With("component", "PushDispatcher"),
		jobs:      make(map[gateway.ProviderID]chan gateway.NotificationJob),
		degraded:  make(map[gateway.ProviderID]bool),
	}
	for _, c := range clients {
		d.clients[c.Provider()] = c
		d.jobs[c.Provider()] = make(chan gateway.NotificationJob, cfg.WorkersPerProvider*4)
	}
	return d, nil
}

// Start launches the worker pools. Workers run until ctx is done.
func (d *PushDispatcher) Start(ctx context.Context) {
	for provider, ch := range d.jobs {
		for i := 0; i < d.cfg.WorkersPerProvider; i++ {
			d.wg.Add(1)
			go d.worker(ctx, provider, ch)
		}
	}
}

// Wait blocks until every worker has exited.
func (d *PushDispatcher) Wait() {
	d.wg.Wait()
}

// Degraded reports whether a provider has been latched off after a
// configuration error.
func (d *PushDispatcher) Degraded(p gateway.ProviderID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.degraded[p]
}

func (d *PushDispatcher) markDegraded(p gateway.ProviderID, err error) {
	d.mu.Lock()
	already := d.degraded[p]
	d.degraded[p] = true
	d.mu.Unlock()
	if !already {
		d.logger.Error("Provider marked degraded after configuration error", "provider", p, "err", err)
	}
}

// Dispatch routes a wake-up push for the device to its platform's provider
// pool. The platform -> provider mapping is static and total; an unknown
// platform is a configuration error, never retried.
func (d *PushDispatcher) Dispatch(ctx context.Context, deviceID string, platform gateway.Platform, messageID string) error {
	provider, err := platform.Provider()
	if err != nil {
		return err
	}

	ch, ok := d.jobs[provider]
	if !ok {
		return gateway.ConfigError(provider, fmt.Errorf("no client configured for provider %q", provider))
	}
	if d.Degraded(provider) {
		return gateway.ConfigError(provider, fmt.Errorf("provider %q is degraded", provider))
	}

	job := gateway.NotificationJob{
		DeviceID:          deviceID,
		Platform:          platform,
		MessageID:         messageID,
		ProviderAttempted: provider,
	}

	select {
	case ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *PushDispatcher) worker(ctx context.Context, provider gateway.ProviderID, jobs <-chan gateway.NotificationJob) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-jobs:
			d.process(ctx, provider, job)
		}
	}
}

// process runs one job to completion: resolve the push token, obtain a
// credential, and send with bounded exponential backoff. Only Transient
// provider errors re-enter the backoff loop.
func (d *PushDispatcher) process(ctx context.Context, provider gateway.ProviderID, job gateway.NotificationJob) {
	log := d.logger.With("provider", provider, "device", job.DeviceID, "message_id", job.MessageID)

	reg, err := d.directory.Lookup(ctx, job.DeviceID)
	if err != nil {
		log.Error("Device lookup failed, dropping push", "err", err)
		return
	}
	if reg.PushToken == "" {
		log.Warn("Device has no push token, dropping push")
		return
	}

	client := d.clients[provider]

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.InitialBackoff
	bo.MaxInterval = d.cfg.MaxBackoff
	bo.MaxElapsedTime = 0 // bounded via WithMaxRetries
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(d.cfg.MaxAttempts-1)), ctx)

	operation := func() error {
		job.AttemptCount++

		cred, err := d.creds.Token(ctx, provider)
		if err != nil {
			if gateway.ProviderKind(err) == gateway.ProviderErrConfig {
				return backoff.Permanent(err)
			}
			// Lock contention and transient credential failures retry.
			return err
		}

		err = client.Send(ctx, reg.PushToken, cred)
		if err == nil {
			return nil
		}

		switch gateway.ProviderKind(err) {
		case gateway.ProviderErrTransient:
			return err
		default:
			// InvalidToken and ConfigError terminate immediately.
			return backoff.Permanent(err)
		}
	}

	err = backoff.Retry(operation, policy)
	if err == nil {
		log.Debug("Wake-up push delivered", "attempts", job.AttemptCount)
		return
	}

	switch gateway.ProviderKind(err) {
	case gateway.ProviderErrInvalidToken:
		d.reportBadToken(ctx, log, *reg)
	case gateway.ProviderErrConfig:
		d.markDegraded(provider, err)
	default:
		// Retries exhausted on a transient failure. The payload is still
		// queued; the next send attempt for this device dispatches again.
		log.Warn("Push abandoned after retries", "attempts", job.AttemptCount, "err", err)
	}
}

// reportBadToken emits exactly one BadTokenReport for the dead token,
// clears it from the directory, and tells the owner's live sessions via a
// BadDeviceToken frame. The job itself never retries.
func (d *PushDispatcher) reportBadToken(ctx context.Context, log *slog.Logger, reg gateway.DeviceRegistration) {
	log.Info("Provider invalidated push token")

	if err := d.badTokens.Report(ctx, gateway.BadTokenReport{
		DeviceID:         reg.DeviceID,
		InvalidatedToken: reg.PushToken,
	}); err != nil {
		log.Error("Failed to report invalidated token", "err", err)
	}
	if err := d.directory.RemoveToken(ctx, reg.DeviceID, reg.PushToken); err != nil {
		log.Error("Failed to clear invalidated token", "err", err)
	}

	if d.sessions == nil {
		return
	}
	frame, err := gateway.EncodeFrame(gateway.FrameBadDeviceToken, gateway.BadDeviceToken{
		InvalidatedToken: reg.PushToken,
	})
	if err != nil {
		log.Error("Failed to encode bad-token frame", "err", err)
		return
	}
	d.sessions.RouteToUser(reg.UserID, "", frame)
}
