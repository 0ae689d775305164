package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"log/slog"

	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

// DeviceListNotifier fans device-list changes out to a user's live sessions.
type DeviceListNotifier interface {
	NotifyDeviceListUpdated(userID, originDeviceID string)
}

// DeviceAPI is the HTTP surface the identity tier and the devices themselves
// use to manage registrations and obtain auth challenges. Every route is
// behind the bearer-token middleware.
type DeviceAPI struct {
	Issuer    gateway.ChallengeIssuer
	Directory gateway.DeviceDirectory
	Notifier  DeviceListNotifier
	Logger    *slog.Logger
}

func NewDeviceAPI(issuer gateway.ChallengeIssuer, directory gateway.DeviceDirectory, notifier DeviceListNotifier, logger *slog.Logger) *DeviceAPI {
	return &DeviceAPI{
		Issuer:    issuer,
		Directory: directory,
		Notifier:  notifier,
		Logger:    logger.With("component", "DeviceAPI"),
	}
}

type ChallengeRequest struct {
	DeviceID string `json:"deviceID"`
}

type ChallengeResponse struct {
	Nonce string `json:"nonce"`
}

// Challenge issues a single-use nonce the device must sign to open a
// session. The device must already be registered and owned by the caller.
func (api *DeviceAPI) Challenge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := UserIDFromContext(ctx)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req ChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.DeviceID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing deviceID")
		return
	}

	reg, err := api.Directory.Lookup(ctx, req.DeviceID)
	if err != nil {
		if errors.Is(err, gateway.ErrDeviceUnknown) {
			writeJSONError(w, http.StatusNotFound, "unknown device")
			return
		}
		api.Logger.Error("Device lookup failed", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if reg.UserID != userID {
		writeJSONError(w, http.StatusForbidden, "device belongs to another user")
		return
	}

	nonce, err := api.Issuer.GenerateNonce(req.DeviceID)
	if err != nil {
		api.Logger.Error("Failed to issue challenge", "device", req.DeviceID, "err", err)
		writeJSONError(w, http.StatusInternalServerError, "challenge failed")
		return
	}

	writeJSON(w, http.StatusOK, ChallengeResponse{Nonce: nonce})
}

type RegisterDeviceRequest struct {
	DeviceID  string `json:"deviceID"`
	Platform  string `json:"platform"`
	PushToken string `json:"pushToken"`
	PublicKey string `json:"publicKey"`
}

// RegisterDevice creates or replaces the caller's device record and notifies
// the user's other connected devices of the change.
func (api *DeviceAPI) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := UserIDFromContext(ctx)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.DeviceID == "" || req.PublicKey == "" {
		writeJSONError(w, http.StatusBadRequest, "missing deviceID or publicKey")
		return
	}
	platform, err := gateway.ParsePlatform(req.Platform)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "unknown platform")
		return
	}

	// A device ID is not transferable between users.
	if existing, err := api.Directory.Lookup(ctx, req.DeviceID); err == nil && existing.UserID != userID {
		writeJSONError(w, http.StatusConflict, "device already registered to another user")
		return
	}

	reg := gateway.DeviceRegistration{
		DeviceID:  req.DeviceID,
		UserID:    userID,
		Platform:  platform,
		PushToken: req.PushToken,
		PublicKey: req.PublicKey,
	}
	if err := api.Directory.Register(ctx, reg); err != nil {
		api.Logger.Error("Failed to register device", "device", req.DeviceID, "err", err)
		writeJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	api.Logger.Info("Device registered", "user", userID, "device", req.DeviceID, "platform", platform)

	if api.Notifier != nil {
		api.Notifier.NotifyDeviceListUpdated(userID, req.DeviceID)
	}

	w.WriteHeader(http.StatusNoContent)
}

type UnregisterTokenRequest struct {
	DeviceID  string `json:"deviceID"`
	PushToken string `json:"pushToken"`
}

// UnregisterToken clears a device's push token. Unregistering is idempotent:
// a token that is already gone is not an error.
func (api *DeviceAPI) UnregisterToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := UserIDFromContext(ctx)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req UnregisterTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.DeviceID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing deviceID")
		return
	}

	reg, err := api.Directory.Lookup(ctx, req.DeviceID)
	if err != nil {
		if errors.Is(err, gateway.ErrDeviceUnknown) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		api.Logger.Error("Device lookup failed", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if reg.UserID != userID {
		writeJSONError(w, http.StatusForbidden, "device belongs to another user")
		return
	}

	if err := api.Directory.RemoveToken(ctx, req.DeviceID, req.PushToken); err != nil {
		api.Logger.Warn("Failed to unregister token", "device", req.DeviceID, "err", err)
	}

	w.WriteHeader(http.StatusNoContent)
}
