package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderMessage(t *testing.T) {
	tests := []struct {
		name  string
		event string
		vars  map[string]any
		want  string
	}{
		{
			name:  "otp template",
			event: "delivery_otp",
			vars:  map[string]any{"order_id": "ord-123", "otp": "042917", "valid_hours": 24},
			want:  "Your delivery code for order ord-123 is 042917. Valid for 24 hours. Share it only with the delivery partner.",
		},
		{
			name:  "escrow release",
			event: "escrow_released",
			vars:  map[string]any{"order_id": "ord-123", "amount": "USD 230.00"},
			want:  "Escrow of USD 230.00 for order ord-123 has been released to you.",
		},
		{
			name:  "unknown event uses fallback",
			event: "mystery_event",
			vars:  map[string]any{"order_id": "ord-123"},
			want:  "Update on your order ord-123.",
		},
		{
			name:  "missing variable keeps placeholder",
			event: "in_transit",
			vars:  nil,
			want:  "Order {order_id} is in transit.",
		},
		{
			name:  "numeric variables are formatted",
			event: "dispute_opened",
			vars:  map[string]any{"order_id": 42, "reason": "damaged"},
			want:  "A dispute has been opened on order 42: damaged",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RenderMessage(tt.event, tt.vars))
		})
	}
}

func TestEveryTemplateRendersCleanly(t *testing.T) {
	vars := map[string]any{
		"order_id": "ord-1", "item": "camera", "amount": "USD 1.00",
		"buyer_name": "Asha", "otp": "123456", "valid_hours": 24,
		"reason": "damaged", "resolution": "refunded",
		"pickup": "a", "drop": "b",
	}
	for event := range messageTemplates {
		rendered := RenderMessage(event, vars)
		assert.NotContains(t, rendered, "{", "template %s left an unfilled placeholder", event)
	}
}
