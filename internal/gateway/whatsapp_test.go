package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrownotify/internal/config"
	"escrownotify/internal/types"
)

func newWhatsAppTest(t *testing.T, handler http.HandlerFunc) (*WhatsAppSender, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	sender := NewWhatsAppSender(srv.Client(), config.WhatsAppConfig{
		BaseURL:       srv.URL,
		PhoneNumberID: "555000",
		AccessToken:   "test-token",
		Timeout:       5 * time.Second,
	}, testLogger())
	return sender, srv
}

func TestWhatsAppSenderSend(t *testing.T) {
	var captured struct {
		path string
		auth string
		body whatsAppMessage
	}

	sender, _ := newWhatsAppTest(t, func(w http.ResponseWriter, r *http.Request) {
		captured.path = r.URL.Path
		captured.auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured.body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.123"}]}`))
	})

	res, err := sender.Send(context.Background(), types.SendRequest{
		Event:   "out_for_delivery",
		Phone:   "+15550001111",
		OrderID: "ord-1",
		Variables: map[string]any{
			"order_id": "ord-1",
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "wamid.123", res.Payload["provider_message_id"])
	assert.Equal(t, "whatsapp", res.Payload["channel"])

	assert.Equal(t, "/555000/messages", captured.path)
	assert.Equal(t, "Bearer test-token", captured.auth)
	assert.Equal(t, "whatsapp", captured.body.MessagingProduct)
	assert.Equal(t, "+15550001111", captured.body.To)
	assert.Equal(t, "Order ord-1 is out for delivery today.", captured.body.Text.Body)
}

func TestWhatsAppSenderRejection(t *testing.T) {
	sender, _ := newWhatsAppTest(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"recipient not on whatsapp","code":131026}}`))
	})

	res, err := sender.Send(context.Background(), types.SendRequest{
		Event: "out_for_delivery",
		Phone: "+15550001111",
	})
	require.NoError(t, err, "a 4xx rejection is a failed attempt, not a transport error")
	assert.False(t, res.Success)
	assert.Equal(t, "recipient not on whatsapp", res.Error)
}

func TestWhatsAppSenderServerError(t *testing.T) {
	sender, _ := newWhatsAppTest(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := sender.Send(context.Background(), types.SendRequest{
		Event: "out_for_delivery",
		Phone: "+15550001111",
	})

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamWhatsApp, appErr.Code)
}

func TestWhatsAppSenderCircuitBreakerOpens(t *testing.T) {
	calls := 0
	sender, _ := newWhatsAppTest(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	req := types.SendRequest{Event: "in_transit", Phone: "+15550001111"}
	for i := 0; i < 10; i++ {
		_, err := sender.Send(context.Background(), req)
		require.Error(t, err)
	}

	assert.Less(t, calls, 10, "breaker stops hitting a failing upstream")

	_, err := sender.Send(context.Background(), req)
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, appErr.Code)
	assert.Equal(t, http.StatusBadGateway, appErr.HTTPStatus())
}

func TestRouterDispatch(t *testing.T) {
	sms := &captureTransport{}
	wa := &captureTransport{}
	router := NewRouter(sms, wa, testLogger())

	_, err := router.Send(context.Background(), types.SendRequest{
		Event: "a", Phone: "+1", Channel: types.ChannelWhatsApp,
	})
	require.NoError(t, err)
	_, err = router.Send(context.Background(), types.SendRequest{
		Event: "b", Phone: "+1", Channel: types.ChannelSMS,
	})
	require.NoError(t, err)
	_, err = router.Send(context.Background(), types.SendRequest{
		Event: "c", Phone: "+1",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, wa.calls, "whatsapp request goes to the whatsapp transport")
	assert.Equal(t, 2, sms.calls, "sms and unspecified channels go to sms")
}

func TestRouterFallsBackWithoutWhatsApp(t *testing.T) {
	sms := &captureTransport{}
	router := NewRouter(sms, nil, testLogger())

	_, err := router.Send(context.Background(), types.SendRequest{
		Event: "a", Phone: "+1", Channel: types.ChannelWhatsApp,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sms.calls)
}

type captureTransport struct {
	calls int
}

func (c *captureTransport) Send(context.Context, types.SendRequest) (types.SendResult, error) {
	c.calls++
	return types.SendResult{Success: true}, nil
}
