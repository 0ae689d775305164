// Package protocol terminates device WebSocket connections and drives the
// authenticate -> register -> drain -> relay lifecycle.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tinywideclouds/go-device-gateway/devicegateway/config"
	"github.com/tinywideclouds/go-device-gateway/internal/queue"
	"github.com/tinywideclouds/go-device-gateway/internal/session"
	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

const writeWait = 10 * time.Second

// AuthVerifier validates the signed nonce a device presents as its access
// token.
type AuthVerifier interface {
	VerifyAccessToken(deviceID, accessToken, publicKeyB64 string) error
}

// Dispatcher is the push path for devices with no live session.
type Dispatcher interface {
	Dispatch(ctx context.Context, deviceID string, platform gateway.Platform, messageID string) error
}

// routingEnvelope is the one part of an inbound payload the gateway reads:
// where it is going.
type routingEnvelope struct {
	DeviceID string `json:"deviceID"`
}

// Handler is the top-level orchestrator for device connections.
type Handler struct {
	upgrader   websocket.Upgrader
	verifier   AuthVerifier
	directory  gateway.DeviceDirectory
	registry   *session.Registry
	messages   queue.MessageQueue
	dispatcher Dispatcher
	cfg        config.SessionConfig
	logger     *slog.Logger
	redactor   *gateway.Redactor
}

func NewHandler(
	verifier AuthVerifier,
	directory gateway.DeviceDirectory,
	registry *session.Registry,
	messages queue.MessageQueue,
	dispatcher Dispatcher,
	cfg config.SessionConfig,
	redactAllowList []string,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Devices connect from native apps and service workers, not
				// browser pages of this origin.
				return true
			},
		},
		verifier:   verifier,
		directory:  directory,
		registry:   registry,
		messages:   messages,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.With("component", "ProtocolHandler"),
		redactor:   gateway.NewRedactor(redactAllowList),
	}
}

// ServeHTTP upgrades the request and runs the session until the device
// disconnects or is evicted.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", "err", err)
		return
	}
	defer func() { _ = conn.Close() }()

	s := session.New(h.cfg.OutboundBufferSize)
	if err := s.BeginAuthentication(); err != nil {
		return
	}

	reg, err := h.authenticate(conn, s)
	if err != nil {
		// Auth failures close the connection immediately. The device must
		// reconnect; there is no retry at this layer.
		h.writeHandshakeError(conn, err)
		s.Close()
		return
	}

	h.registry.Register(s)
	defer func() {
		h.registry.Remove(s)
		s.Close()
		// Park whatever is still hot for this device in durable storage.
		if err := h.messages.MigrateHotToCold(context.Background(), s.DeviceID); err != nil {
			h.logger.Error("Hot-to-cold migration failed on disconnect", "device", s.DeviceID, "err", err)
		}
	}()

	log := h.logger.With("device", s.DeviceID, "session", s.ID)
	log.Info("Device session established", "platform", reg.Platform)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writeLoop(conn, s, log)

	ok, err := gateway.EncodeFrame(gateway.FrameConnectionInitializationResponse, gateway.ConnectionInitializationResponse{
		Status: gateway.ConnectionStatusSuccess,
	})
	if err == nil {
		_ = s.Enqueue(ok)
	}

	if err := s.MarkActive(); err != nil {
		log.Error("Failed to activate session", "err", err)
		return
	}
	go h.drainLoop(ctx, s, log)
	s.NotifyPending()

	h.readLoop(ctx, conn, s, log)
}

// authenticate enforces auth-first-frame: the device gets one frame and a
// deadline to prove possession of its registered key.
func (h *Handler) authenticate(conn *websocket.Conn, s *session.Session) (*gateway.DeviceRegistration, error) {
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.AuthTimeout))

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, gateway.ErrUnauthorizedDevice
	}

	frame, err := gateway.DecodeFrame(data)
	if err != nil {
		return nil, err
	}
	auth, ok := frame.(*gateway.AuthMessage)
	if !ok {
		return nil, gateway.ErrUnauthorizedDevice
	}

	log := h.logger.With("device", auth.DeviceID)
	log.Debug("Authenticating device", "access_token", h.redactor.Redact(auth.AccessToken))

	reg, err := h.directory.Lookup(context.Background(), auth.DeviceID)
	if err != nil {
		return nil, err
	}
	if reg.UserID != auth.UserID {
		return nil, gateway.ErrUnauthorizedDevice
	}

	if err := h.verifier.VerifyAccessToken(auth.DeviceID, auth.AccessToken, reg.PublicKey); err != nil {
		log.Warn("Device authentication failed", "err", err)
		return nil, err
	}

	if err := s.MarkAuthenticated(auth.UserID, auth.DeviceID, reg.Platform); err != nil {
		return nil, err
	}
	return reg, nil
}

func (h *Handler) writeHandshakeError(conn *websocket.Conn, cause error) {
	st := gateway.StatusFromError(cause)
	frame, err := gateway.EncodeFrame(gateway.FrameConnectionInitializationResponse, gateway.ConnectionInitializationResponse{
		Status: gateway.ConnectionStatusError,
		Code:   int32(st.Code()),
		Reason: st.Message(),
	})
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, frame)
}

// writeLoop is the only goroutine that writes to the transport.
func (h *Handler) writeLoop(conn *websocket.Conn, s *session.Session, log *slog.Logger) {
	for {
		select {
		case frame := <-s.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug("Transport write failed, closing session", "err", err)
				s.Close()
				return
			}
		case <-s.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
			return
		}
	}
}

// readLoop consumes device frames until the transport dies or the session
// is closed. The read deadline doubles as the transport-level heartbeat
// timeout: two silent intervals end the session.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, s *session.Session, log *slog.Logger) {
	conn.SetReadLimit(1 << 20)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(2 * h.cfg.HeartbeatInterval))
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("Device disconnected", "err", err)
			return
		}
		s.Heartbeat()

		frame, err := gateway.DecodeFrame(data)
		if err != nil {
			// A single malformed frame is rejected, not fatal.
			log.Warn("Rejected malformed frame", "err", err)
			continue
		}

		switch f := frame.(type) {
		case *gateway.Heartbeat:
			h.echoHeartbeat(s)
		case *gateway.MessageToTunnelbrokerRequest:
			h.handleInbound(ctx, s, f, log)
		default:
			log.Warn("Ignoring unexpected frame from device")
		}

		select {
		case <-s.Done():
			return
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (h *Handler) echoHeartbeat(s *session.Session) {
	frame, err := gateway.EncodeFrame(gateway.FrameHeartbeat, gateway.Heartbeat{})
	if err != nil {
		return
	}
	_ = s.Enqueue(frame)
}

// handleInbound relays a device-originated message toward its recipient.
func (h *Handler) handleInbound(ctx context.Context, s *session.Session, req *gateway.MessageToTunnelbrokerRequest, log *slog.Logger) {
	var env routingEnvelope
	if err := json.Unmarshal(req.Payload, &env); err != nil || env.DeviceID == "" {
		log.Warn("Inbound message without routing envelope rejected", "client_message_id", req.ClientMessageID)
		return
	}

	if err := h.Send(ctx, env.DeviceID, req.ClientMessageID, req.Payload); err != nil {
		log.Error("Failed to relay inbound message", "recipient", env.DeviceID, "err", err)
	}
}

// Send is the single entry point for delivering a payload to a device,
// from peers and server-side components alike. The payload is durably
// queued first, then either drained over the live session or converted
// into a wake-up push.
func (h *Handler) Send(ctx context.Context, deviceID, clientMessageID string, payload json.RawMessage) error {
	msg := gateway.QueuedMessage{
		ID:              uuid.NewString(),
		ClientMessageID: clientMessageID,
		DeviceID:        deviceID,
		Payload:         payload,
		EnqueuedAt:      time.Now().UTC(),
	}
	if err := h.messages.EnqueueHot(ctx, msg); err != nil {
		return err
	}

	if s, ok := h.registry.Get(deviceID); ok && s.State() == session.StateActive {
		s.NotifyPending()
		return nil
	}

	reg, err := h.directory.Lookup(ctx, deviceID)
	if err != nil {
		// The payload is queued; an unknown or unreachable directory entry
		// just means no wake-up.
		return err
	}
	return h.dispatcher.Dispatch(ctx, deviceID, reg.Platform, msg.ID)
}

// NotifyDeviceListUpdated fans a device-list change out to the user's
// other connected devices.
func (h *Handler) NotifyDeviceListUpdated(userID, originDeviceID string) {
	frame, err := gateway.EncodeFrame(gateway.FrameIdentityDeviceListUpdated, gateway.IdentityDeviceListUpdated{})
	if err != nil {
		return
	}
	h.registry.RouteToUser(userID, originDeviceID, frame)
}

// drainLoop empties the device's durable queue into the session, in FIFO
// batches, acknowledging each batch only after the session accepted it.
func (h *Handler) drainLoop(ctx context.Context, s *session.Session, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			return
		case <-s.Pending():
			if err := h.drainOnce(ctx, s, log); err != nil {
				log.Error("Drain failed", "err", err)
			}
		}
	}
}

func (h *Handler) drainOnce(ctx context.Context, s *session.Session, log *slog.Logger) error {
	for {
		batch, err := h.messages.RetrieveBatch(ctx, s.DeviceID, h.cfg.DrainBatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		delivered := make([]string, 0, len(batch))
		for _, msg := range batch {
			frame, err := gateway.EncodeFrame(gateway.FrameMessageToDevice, gateway.MessageToDevice{
				DeviceID: msg.DeviceID,
				Payload:  msg.Payload,
			})
			if err != nil {
				log.Error("Undeliverable queued message dropped", "msg_id", msg.ID, "err", err)
				delivered = append(delivered, msg.ID)
				continue
			}
			if err := s.Enqueue(frame); err != nil {
				// Session died mid-drain. Everything unacked stays queued.
				if errors.Is(err, gateway.ErrSlowConsumer) {
					log.Warn("Slow consumer closed mid-drain")
				}
				if len(delivered) > 0 {
					_ = h.messages.Acknowledge(ctx, s.DeviceID, delivered)
				}
				return err
			}
			delivered = append(delivered, msg.ID)
		}

		if err := h.messages.Acknowledge(ctx, s.DeviceID, delivered); err != nil {
			return err
		}
		log.Debug("Drained message batch", "count", len(delivered))
	}
}
