package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"escrownotify/internal/config"
	"escrownotify/internal/types"
)

// WhatsAppSender delivers notifications through the WhatsApp Business Cloud
// API. All calls run through a circuit breaker so a degraded Meta endpoint
// fails fast instead of tying up queue workers; the queue's own retry
// schedule takes over from there.
type WhatsAppSender struct {
	client        *http.Client
	breaker       *gobreaker.CircuitBreaker[*http.Response]
	baseURL       string
	phoneNumberID string
	accessToken   string
	logger        *slog.Logger
}

// NewWhatsAppSender creates a WhatsAppSender from configuration. The
// httpClient may be nil, in which case one with the configured timeout is
// used.
func NewWhatsAppSender(httpClient *http.Client, cfg config.WhatsAppConfig, logger *slog.Logger) *WhatsAppSender {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "whatsapp",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	return &WhatsAppSender{
		client:        httpClient,
		breaker:       cb,
		baseURL:       strings.TrimSuffix(cfg.BaseURL, "/"),
		phoneNumberID: cfg.PhoneNumberID,
		accessToken:   cfg.AccessToken,
		logger:        logger,
	}
}

// whatsAppMessage is the Cloud API /messages request body for a text message.
type whatsAppMessage struct {
	MessagingProduct string       `json:"messaging_product"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             whatsAppText `json:"text"`
}

type whatsAppText struct {
	Body string `json:"body"`
}

// whatsAppResponse is the subset of the Cloud API response we care about.
type whatsAppResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send renders the event's message body and posts it to the Cloud API
// messages endpoint for the configured business phone number.
func (w *WhatsAppSender) Send(ctx context.Context, req types.SendRequest) (types.SendResult, error) {
	payload := whatsAppMessage{
		MessagingProduct: "whatsapp",
		To:               req.Phone,
		Type:             "text",
		Text:             whatsAppText{Body: RenderMessage(req.Event, req.Variables)},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return types.SendResult{}, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to marshal WhatsApp message payload",
			err,
		)
	}

	reqURL := fmt.Sprintf("%s/%s/messages", w.baseURL, w.phoneNumberID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return types.SendResult{}, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create WhatsApp request",
			err,
		)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+w.accessToken)

	resp, err := w.breaker.Execute(func() (*http.Response, error) {
		r, doErr := w.client.Do(httpReq)
		if doErr != nil {
			return nil, doErr
		}
		// 5xx trips the breaker; 4xx is a request problem, not an outage.
		if r.StatusCode >= 500 {
			return r, fmt.Errorf("whatsapp api returned %d", r.StatusCode)
		}
		return r, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return types.SendResult{}, types.NewAppError(
				types.ErrCodeUpstreamUnavailable,
				"WhatsApp circuit breaker open",
				err,
			)
		}
		if resp != nil {
			resp.Body.Close()
		}
		return types.SendResult{}, types.NewAppError(
			types.ErrCodeUpstreamWhatsApp,
			"WhatsApp send failed",
			err,
		)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return types.SendResult{}, types.NewAppError(
			types.ErrCodeUpstreamWhatsApp,
			"failed to read WhatsApp response",
			err,
		)
	}

	var parsed whatsAppResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil && resp.StatusCode < 300 {
		return types.SendResult{}, types.NewAppError(
			types.ErrCodeUpstreamWhatsApp,
			"failed to decode WhatsApp response",
			err,
		)
	}

	if resp.StatusCode >= 300 {
		reason := fmt.Sprintf("whatsapp api returned %d", resp.StatusCode)
		if parsed.Error != nil && parsed.Error.Message != "" {
			reason = parsed.Error.Message
		}
		w.logger.WarnContext(ctx, "whatsapp send rejected",
			"event", req.Event,
			"order_id", req.OrderID,
			"status", resp.StatusCode,
			"reason", reason,
		)
		return types.SendResult{Success: false, Error: reason}, nil
	}

	var providerID string
	if len(parsed.Messages) > 0 {
		providerID = parsed.Messages[0].ID
	}

	w.logger.DebugContext(ctx, "whatsapp message sent",
		"event", req.Event,
		"order_id", req.OrderID,
		"provider_message_id", providerID,
	)

	return types.SendResult{
		Success: true,
		Payload: map[string]any{
			"channel":             string(types.ChannelWhatsApp),
			"provider_message_id": providerID,
		},
	}, nil
}
