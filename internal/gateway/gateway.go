// Package gateway provides the channel transports behind the notification
// queue: an SNS-backed SMS sender and a WhatsApp Business API sender, plus a
// router that dispatches on the message's preferred channel. The queue only
// sees the Transport interface; everything channel-specific lives here.
package gateway

import (
	"context"
	"log/slog"

	"escrownotify/internal/types"
)

// Transport delivers a single notification over one concrete channel.
type Transport interface {
	Send(ctx context.Context, req types.SendRequest) (types.SendResult, error)
}

// Router dispatches a send request to the transport matching its preferred
// channel. Unknown or empty channels fall back to SMS, and a WhatsApp request
// falls back to SMS when no WhatsApp transport is configured.
type Router struct {
	sms      Transport
	whatsapp Transport
	logger   *slog.Logger
}

// NewRouter creates a Router. sms is required; whatsapp may be nil.
func NewRouter(sms, whatsapp Transport, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		sms:      sms,
		whatsapp: whatsapp,
		logger:   logger,
	}
}

// Send routes the request to the channel transport.
func (r *Router) Send(ctx context.Context, req types.SendRequest) (types.SendResult, error) {
	if req.Channel == types.ChannelWhatsApp {
		if r.whatsapp != nil {
			return r.whatsapp.Send(ctx, req)
		}
		r.logger.DebugContext(ctx, "whatsapp transport not configured, falling back to sms",
			"event", req.Event,
			"order_id", req.OrderID,
		)
	}
	return r.sms.Send(ctx, req)
}
