package web

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-device-gateway/devicegateway/config"
	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

// testSubscription builds a valid subscription blob pointing at endpoint.
// The library encrypts the payload against the p256dh key before sending,
// so the keys have to be real curve points rather than placeholder strings.
func testSubscription(t *testing.T, endpoint string) string {
	t.Helper()
	_, p256dh, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)

	raw, err := json.Marshal(map[string]any{
		"endpoint": endpoint,
		"keys": map[string]string{
			"p256dh": p256dh,
			"auth":   base64.RawURLEncoding.EncodeToString(auth),
		},
	})
	require.NoError(t, err)
	return string(raw)
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	private, public, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	client, err := NewClient(config.VapidConfig{
		PublicKey:       public,
		PrivateKey:      private,
		SubscriberEmail: "mailto:ops@example.com",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return client
}

func TestClient_Send(t *testing.T) {
	ctx := context.Background()

	t.Run("Success 201", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.NotEmpty(t, r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusCreated)
		}))
		defer srv.Close()

		err := newTestClient(t).Send(ctx, testSubscription(t, srv.URL), gateway.ProviderToken{})
		assert.NoError(t, err)
	})

	t.Run("410 Gone is an invalid token", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusGone)
		}))
		defer srv.Close()

		err := newTestClient(t).Send(ctx, testSubscription(t, srv.URL), gateway.ProviderToken{})
		assert.Equal(t, gateway.ProviderErrInvalidToken, gateway.ProviderKind(err))
	})

	t.Run("404 is an invalid token", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		err := newTestClient(t).Send(ctx, testSubscription(t, srv.URL), gateway.ProviderToken{})
		assert.Equal(t, gateway.ProviderErrInvalidToken, gateway.ProviderKind(err))
	})

	t.Run("429 is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		err := newTestClient(t).Send(ctx, testSubscription(t, srv.URL), gateway.ProviderToken{})
		assert.Equal(t, gateway.ProviderErrTransient, gateway.ProviderKind(err))
	})

	t.Run("503 is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		err := newTestClient(t).Send(ctx, testSubscription(t, srv.URL), gateway.ProviderToken{})
		assert.Equal(t, gateway.ProviderErrTransient, gateway.ProviderKind(err))
	})

	t.Run("Unreachable push service is transient", func(t *testing.T) {
		err := newTestClient(t).Send(ctx, testSubscription(t, "http://127.0.0.1:1"), gateway.ProviderToken{})
		assert.Equal(t, gateway.ProviderErrTransient, gateway.ProviderKind(err))
	})

	t.Run("Garbage subscription is an invalid token", func(t *testing.T) {
		err := newTestClient(t).Send(ctx, "not json", gateway.ProviderToken{})
		assert.Equal(t, gateway.ProviderErrInvalidToken, gateway.ProviderKind(err))
	})

	t.Run("Missing key pair fails construction", func(t *testing.T) {
		_, err := NewClient(config.VapidConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
		assert.Error(t, err)
	})
}
