package types

import "time"

// Channel identifies a delivery transport. The queue passes the channel
// through to the gateway without interpreting it.
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

// RecipientType tags which party in a transaction a message addresses.
// It is informational (logging, dashboards); routing never branches on it.
type RecipientType string

const (
	RecipientBuyer            RecipientType = "buyer"
	RecipientSeller           RecipientType = "seller"
	RecipientTransportPartner RecipientType = "transport_partner"
)

// NotificationPreferences is a user's per-channel opt-in record.
type NotificationPreferences struct {
	SMS              bool    `json:"sms"`
	WhatsApp         bool    `json:"whatsapp"`
	PreferredChannel Channel `json:"preferred_channel"`
}

// DefaultPreferences applies when a user has no preference record on file.
func DefaultPreferences() NotificationPreferences {
	return NotificationPreferences{
		SMS:              true,
		WhatsApp:         true,
		PreferredChannel: ChannelSMS,
	}
}

// User is the subset of the marketplace user record the notification system
// needs: contact address and channel preferences.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`

	// Preferences is nil when the user never saved notification settings;
	// callers fall back to DefaultPreferences.
	Preferences *NotificationPreferences `json:"notification_preferences,omitempty"`
}

// EffectivePreferences resolves the user's preferences, applying defaults when
// no record exists or the record carries no preferred channel.
func (u *User) EffectivePreferences() NotificationPreferences {
	if u == nil || u.Preferences == nil {
		return DefaultPreferences()
	}
	prefs := *u.Preferences
	if prefs.PreferredChannel == "" {
		prefs.PreferredChannel = ChannelSMS
	}
	return prefs
}

// Order is the marketplace transaction the lifecycle events refer to.
// Only the fields the notification adapters shape into template variables
// are carried here.
type Order struct {
	ID       string  `json:"id"`
	BuyerID  string  `json:"buyer_id"`
	SellerID string  `json:"seller_id"`
	Title    string  `json:"title"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// Escrow is a held-funds record tied to an order.
type Escrow struct {
	ID       string  `json:"id"`
	OrderID  string  `json:"order_id"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// Dispute captures an open or resolved disagreement over an order.
type Dispute struct {
	ID         string `json:"id"`
	OrderID    string `json:"order_id"`
	RaisedBy   string `json:"raised_by"`
	Reason     string `json:"reason"`
	Resolution string `json:"resolution,omitempty"`
}

// TransportAssignment links an order to the transport partner picking it up.
type TransportAssignment struct {
	OrderID       string `json:"order_id"`
	PartnerID     string `json:"partner_id"`
	PickupAddress string `json:"pickup_address"`
	DropAddress   string `json:"drop_address"`
}

// DeliveryOTP is the one-time code a buyer reads back to the courier to
// confirm physical delivery. Verification itself happens elsewhere; this
// system only generates and persists the code.
type DeliveryOTP struct {
	OrderID    string    `json:"order_id"`
	Code       string    `json:"code"`
	IsVerified bool      `json:"is_verified"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// SendRequest is the gateway-facing shape of a queued message.
type SendRequest struct {
	Event         string         `json:"event"`
	RecipientType RecipientType  `json:"recipient_type"`
	Phone         string         `json:"phone"`
	Variables     map[string]any `json:"variables"`
	OrderID       string         `json:"order_id,omitempty"`
	Channel       Channel        `json:"preferred_channel"`
}

// SendResult is the gateway's verdict on a single delivery attempt.
// Success=false routes the message through the backoff state machine, same as
// a returned error.
type SendResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	// Payload is the opaque provider response stored on the message record.
	Payload map[string]any `json:"payload,omitempty"`
}
