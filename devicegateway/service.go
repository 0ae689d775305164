// Package devicegateway assembles the device gateway service: the WebSocket
// protocol handler, the device API, the durable queues and the push dispatch
// tier, wired from one Config.
package devicegateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"

	"github.com/tinywideclouds/go-device-gateway/devicegateway/config"
	"github.com/tinywideclouds/go-device-gateway/internal/api"
	"github.com/tinywideclouds/go-device-gateway/internal/auth"
	"github.com/tinywideclouds/go-device-gateway/internal/dispatch"
	"github.com/tinywideclouds/go-device-gateway/internal/platform/apns"
	"github.com/tinywideclouds/go-device-gateway/internal/platform/fcm"
	platformqueue "github.com/tinywideclouds/go-device-gateway/internal/platform/queue"
	"github.com/tinywideclouds/go-device-gateway/internal/platform/registry"
	"github.com/tinywideclouds/go-device-gateway/internal/platform/reporting"
	"github.com/tinywideclouds/go-device-gateway/internal/platform/web"
	"github.com/tinywideclouds/go-device-gateway/internal/platform/wns"
	"github.com/tinywideclouds/go-device-gateway/internal/protocol"
	"github.com/tinywideclouds/go-device-gateway/internal/queue"
	"github.com/tinywideclouds/go-device-gateway/internal/session"
	"github.com/tinywideclouds/go-device-gateway/internal/tokens"
	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

// deviceCacheTTL bounds how stale a cached directory entry can get. Writes
// invalidate eagerly, so this only matters for out-of-band edits.
const deviceCacheTTL = 5 * time.Minute

type Wrapper struct {
	cfg        *config.Config
	httpServer *http.Server
	dispatcher *dispatch.PushDispatcher
	registry   *session.Registry
	handler    *protocol.Handler
	logger     *slog.Logger

	ready   atomic.Bool
	cancel  context.CancelFunc
	closers []io.Closer
}

// New assembles the full service graph. The caller owns ctx only for the
// duration of construction; long-running components get their context from
// Start.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Wrapper, error) {
	if cfg.AuthSigningKey == "" {
		return nil, fmt.Errorf("auth signing key is required (set auth_signing_key or AUTH_SIGNING_KEY)")
	}

	w := &Wrapper{cfg: cfg, logger: logger}

	verifier, err := auth.NewVerifier(cfg.Session.NonceTTL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth verifier: %w", err)
	}

	// Storage tier.
	fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	w.closers = append(w.closers, fsClient)

	var directory gateway.DeviceDirectory
	directory, err = registry.NewFirestoreDirectory(fsClient, cfg.DeviceCollection)
	if err != nil {
		return nil, fmt.Errorf("failed to create device directory: %w", err)
	}

	var hot queue.HotQueue = queue.NewInMemoryQueue()
	if cfg.Redis.Enabled {
		cache, err := registry.NewRedisCacheClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		w.closers = append(w.closers, cache)
		directory = registry.NewCachedDirectory(directory, cache, deviceCacheTTL)

		hot, err = platformqueue.NewRedisHotQueue(cache.Redis(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis hot queue: %w", err)
		}
	} else {
		logger.Warn("Redis disabled: hot queue and directory cache run in-memory")
	}

	cold, err := platformqueue.NewFirestoreColdQueue(fsClient, cfg.QueueCollection, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create cold queue: %w", err)
	}
	messages, err := queue.NewCompositeMessageQueue(hot, cold, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create message queue: %w", err)
	}

	// Credential tier.
	apnsSource, err := tokens.NewAPNSSource(cfg.APNS)
	if err != nil {
		return nil, fmt.Errorf("failed to create APNs token source: %w", err)
	}
	fcmSource, err := tokens.NewFCMSource(cfg.FCM, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create FCM token source: %w", err)
	}
	webSource, err := tokens.NewWebPushSource(cfg.Vapid)
	if err != nil {
		return nil, fmt.Errorf("failed to create web push token source: %w", err)
	}
	wnsSource, err := tokens.NewWNSSource(cfg.WNS, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create WNS token source: %w", err)
	}
	manager, err := tokens.NewManager(cfg.Dispatch.RefreshMargin, logger, apnsSource, fcmSource, webSource, wnsSource)
	if err != nil {
		return nil, fmt.Errorf("failed to create token manager: %w", err)
	}

	// Provider clients.
	apnsClient, err := apns.NewClient(apnsSource.AuthToken(), cfg.APNS.BundleID, cfg.APNS.Production, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create APNs client: %w", err)
	}
	fcmClient, err := fcm.NewClient(cfg.FCM.ProjectID, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create FCM client: %w", err)
	}
	webClient, err := web.NewClient(cfg.Vapid, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create web push client: %w", err)
	}
	wnsClient := wns.NewClient(logger)

	// Bad-token reporting.
	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	w.closers = append(w.closers, psClient)
	badTokens, err := reporting.NewPubSubBadTokenSink(psClient.Publisher(cfg.BadTokenTopicID), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create bad token sink: %w", err)
	}

	// Session tier. The dispatcher routes bad-token frames to live sessions.
	w.registry = session.NewRegistry(cfg.Session.HeartbeatInterval, logger)

	w.dispatcher, err = dispatch.NewPushDispatcher(
		[]gateway.ProviderClient{apnsClient, fcmClient, webClient, wnsClient},
		manager, directory, badTokens, w.registry, cfg.Dispatch, logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create push dispatcher: %w", err)
	}
	w.handler = protocol.NewHandler(verifier, directory, w.registry, messages, w.dispatcher, cfg.Session, cfg.RedactionAllowList, logger)

	deviceAPI := api.NewDeviceAPI(verifier, directory, w.handler, logger)
	authMiddleware := api.NewAuthMiddleware([]byte(cfg.AuthSigningKey), logger)

	mux := http.NewServeMux()
	mux.Handle("GET /v1/connect", w.handler)
	mux.Handle("POST /v1/nonce", authMiddleware(http.HandlerFunc(deviceAPI.Challenge)))
	mux.Handle("PUT /v1/devices", authMiddleware(http.HandlerFunc(deviceAPI.RegisterDevice)))
	mux.Handle("DELETE /v1/devices/token", authMiddleware(http.HandlerFunc(deviceAPI.UnregisterToken)))
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /readyz", func(rw http.ResponseWriter, _ *http.Request) {
		if w.ready.Load() {
			rw.WriteHeader(http.StatusOK)
			return
		}
		rw.WriteHeader(http.StatusServiceUnavailable)
	})

	w.httpServer = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return w, nil
}

// Start runs the dispatcher workers, the session sweeper and the HTTP
// server. It blocks until the server stops.
func (w *Wrapper) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.dispatcher.Start(runCtx)
	go w.registry.StartSweeper(runCtx)

	w.ready.Store(true)
	w.logger.Info("Service is now ready.", "addr", w.cfg.ListenAddr)

	if err := w.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight work and closes the backing clients.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	w.ready.Store(false)

	var finalErr error
	if err := w.httpServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}

	if w.cancel != nil {
		w.cancel()
	}
	w.dispatcher.Wait()

	for _, c := range w.closers {
		if err := c.Close(); err != nil {
			w.logger.Error("Failed to close backing client.", "err", err)
			finalErr = err
		}
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
