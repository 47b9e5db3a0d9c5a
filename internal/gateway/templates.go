package gateway

import (
	"fmt"
	"strings"
)

// messageTemplates maps an event name to its SMS/WhatsApp body. Placeholders
// use {name} syntax and are filled from the message's variables.
var messageTemplates = map[string]string{
	"order_placed":       "Your order {order_id} for {item} has been placed. {amount} is held in escrow until delivery.",
	"new_order":          "New order {order_id}: {item} for {amount} from {buyer_name}. Awaiting payment.",
	"payment_received":   "Payment of {amount} received for order {order_id}. Funds are held in escrow.",
	"ship_order":         "Payment secured for order {order_id}. Please ship {item} now.",
	"order_shipped":      "Your order {order_id} has been shipped.",
	"delivery_otp":       "Your delivery code for order {order_id} is {otp}. Valid for {valid_hours} hours. Share it only with the delivery partner.",
	"out_for_delivery":   "Order {order_id} is out for delivery today.",
	"order_delivered":    "Order {order_id} has been delivered. Confirm receipt to release the payment.",
	"delivery_confirmed": "Delivery of order {order_id} was confirmed by the buyer.",
	"escrow_released":    "Escrow of {amount} for order {order_id} has been released to you.",
	"dispute_opened":     "A dispute has been opened on order {order_id}: {reason}",
	"dispute_resolved":   "The dispute on order {order_id} has been resolved. {resolution}",
	"pickup_assigned":    "Pickup assigned for order {order_id}. Collect at {pickup}, deliver to {drop}.",
	"in_transit":         "Order {order_id} is in transit.",
}

const fallbackTemplate = "Update on your order {order_id}."

// RenderMessage builds the delivery text for an event from its variables.
// Placeholders with no matching variable are left in place so a broken
// message is visible rather than silently truncated.
func RenderMessage(event string, vars map[string]any) string {
	tmpl, ok := messageTemplates[event]
	if !ok {
		tmpl = fallbackTemplate
	}

	var b strings.Builder
	b.Grow(len(tmpl))
	for {
		open := strings.IndexByte(tmpl, '{')
		if open < 0 {
			b.WriteString(tmpl)
			return b.String()
		}
		end := strings.IndexByte(tmpl[open:], '}')
		if end < 0 {
			b.WriteString(tmpl)
			return b.String()
		}
		end += open

		b.WriteString(tmpl[:open])
		key := tmpl[open+1 : end]
		if val, ok := vars[key]; ok {
			b.WriteString(fmt.Sprint(val))
		} else {
			b.WriteString(tmpl[open : end+1])
		}
		tmpl = tmpl[end+1:]
	}
}
