// --- File: pkg/gateway/frames.go ---
package gateway

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/codes"
)

// FrameType tags a session-layer message frame. The names and field casing
// are fixed for wire compatibility.
type FrameType string

const (
	FrameHeartbeat                        FrameType = "Heartbeat"
	FrameAuthMessage                      FrameType = "AuthMessage"
	FrameMessageToDevice                  FrameType = "MessageToDevice"
	FrameMessageToTunnelbrokerRequest     FrameType = "MessageToTunnelbrokerRequest"
	FrameBadDeviceToken                   FrameType = "BadDeviceToken"
	FrameIdentityDeviceListUpdated        FrameType = "IdentityDeviceListUpdated"
	FrameRefreshKeyRequest                FrameType = "RefreshKeyRequest"
	FrameConnectionInitializationResponse FrameType = "ConnectionInitializationResponse"
)

const (
	ConnectionStatusSuccess = "Success"
	ConnectionStatusError   = "Error"
)

// Heartbeat keeps a session alive. It carries no fields.
type Heartbeat struct{}

// AuthMessage is the first frame a device must send after the transport is
// accepted. AccessToken carries the signed nonce challenge as
// base64url(nonce) + "." + base64url(signature).
type AuthMessage struct {
	UserID      string `json:"userID"`
	DeviceID    string `json:"deviceID"`
	AccessToken string `json:"accessToken"`
}

// MessageToDevice delivers an opaque payload to a device over its session.
type MessageToDevice struct {
	DeviceID string          `json:"deviceID"`
	Payload  json.RawMessage `json:"payload"`
}

// MessageToTunnelbrokerRequest is an inbound send from a device. The payload
// is opaque to the gateway except for its routing envelope.
type MessageToTunnelbrokerRequest struct {
	ClientMessageID string          `json:"clientMessageID"`
	Payload         json.RawMessage `json:"payload"`
}

// BadDeviceToken tells a device its push registration was invalidated.
type BadDeviceToken struct {
	InvalidatedToken string `json:"invalidatedToken"`
}

// IdentityDeviceListUpdated tells a device its owner's device list changed.
type IdentityDeviceListUpdated struct{}

// RefreshKeyRequest asks a device to upload fresh prekeys.
type RefreshKeyRequest struct {
	DeviceID     string `json:"deviceId"`
	NumberOfKeys int    `json:"numberOfKeys"`
}

// ConnectionInitializationResponse closes the auth handshake. On failure,
// Code carries the numeric status and Reason a short description.
type ConnectionInitializationResponse struct {
	Status string `json:"status"`
	Code   int32  `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// StatusCode decodes the numeric code carried by the response. Codes
// outside the gRPC table decode to Internal.
func (r *ConnectionInitializationResponse) StatusCode() codes.Code {
	return codeFromNumber(r.Code)
}

// EncodeFrame serializes a frame value with its wire tag.
func EncodeFrame(t FrameType, v any) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if v != nil {
		body, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, fmt.Errorf("%w: frame body is not an object", ErrSerialization)
		}
	}
	tag, _ := json.Marshal(t)
	fields["type"] = tag
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return out, nil
}

// DecodeFrame parses a tagged frame. A malformed or unknown frame yields
// ErrSerialization; the caller rejects the frame without tearing down the
// session.
func DecodeFrame(data []byte) (any, error) {
	var head struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	var frame any
	switch head.Type {
	case FrameHeartbeat:
		frame = &Heartbeat{}
	case FrameAuthMessage:
		frame = &AuthMessage{}
	case FrameMessageToDevice:
		frame = &MessageToDevice{}
	case FrameMessageToTunnelbrokerRequest:
		frame = &MessageToTunnelbrokerRequest{}
	case FrameBadDeviceToken:
		frame = &BadDeviceToken{}
	case FrameIdentityDeviceListUpdated:
		frame = &IdentityDeviceListUpdated{}
	case FrameRefreshKeyRequest:
		frame = &RefreshKeyRequest{}
	case FrameConnectionInitializationResponse:
		frame = &ConnectionInitializationResponse{}
	default:
		return nil, fmt.Errorf("%w: unknown frame type %q", ErrSerialization, head.Type)
	}

	if err := json.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return frame, nil
}
