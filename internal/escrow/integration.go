// Package escrow translates order and escrow lifecycle events into queued
// notifications. Each On* adapter resolves recipient contact details and
// channel preference, shapes the template variables for its event, and
// enqueues one or more messages. Adapters are synchronous but non-blocking:
// the only I/O is the user lookup and the enqueue itself; no delivery is
// attempted inline.
//
// A recipient with no phone number on file is silently skipped (debug log and
// a metric, never an error): notification delivery problems must never block
// or fail the primary business transaction.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"escrownotify/internal/queue"
	"escrownotify/internal/types"
)

// Notification event names, one per lifecycle step. The gateway resolves
// these to channel-specific message templates.
const (
	EventOrderPlaced       = "order_placed"
	EventNewOrder          = "new_order"
	EventPaymentReceived   = "payment_received"
	EventShipOrder         = "ship_order"
	EventOrderShipped      = "order_shipped"
	EventDeliveryOTP       = "delivery_otp"
	EventOutForDelivery    = "out_for_delivery"
	EventOrderDelivered    = "order_delivered"
	EventDeliveryConfirmed = "delivery_confirmed"
	EventEscrowReleased    = "escrow_released"
	EventDisputeOpened     = "dispute_opened"
	EventDisputeResolved   = "dispute_resolved"
	EventPickupAssigned    = "pickup_assigned"
	EventInTransit         = "in_transit"
)

// Display truncation limits keep rendered messages inside single-segment SMS
// length for typical templates.
const (
	orderIDDisplayLen = 12
	nameDisplayLen    = 24
	titleDisplayLen   = 30
	reasonDisplayLen  = 60
)

// OTP parameters: six independent uniform digits (leading zeros allowed),
// valid for 24 hours from creation.
const (
	otpLength   = 6
	otpValidity = 24 * time.Hour
)

// Enqueuer is the queue surface the integration needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, in queue.EnqueueInput) (string, error)
}

// UserDirectory resolves marketplace users to contact details and
// preferences. GetByID returns an ErrCodeNotFoundUser error for unknown IDs.
type UserDirectory interface {
	GetByID(ctx context.Context, id string) (*types.User, error)
}

// OTPStore persists delivery confirmation codes.
type OTPStore interface {
	Upsert(ctx context.Context, otp *types.DeliveryOTP) error
}

// Config holds the dependencies for an Integration.
type Config struct {
	Queue  Enqueuer
	Users  UserDirectory
	OTPs   OTPStore
	Logger *slog.Logger

	// Now overrides the clock for deterministic tests. Nil means time.Now.
	Now func() time.Time

	// RandDigit returns a uniform digit in [0, 10). Nil means math/rand/v2.
	RandDigit func() int
}

// Integration is the event-driven adapter set between order/escrow lifecycle
// code and the notification queue.
type Integration struct {
	queue     Enqueuer
	users     UserDirectory
	otps      OTPStore
	logger    *slog.Logger
	now       func() time.Time
	randDigit func() int
}

// NewIntegration creates an Integration from the given configuration,
// applying defaults for unset fields.
func NewIntegration(cfg Config) *Integration {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	randDigit := cfg.RandDigit
	if randDigit == nil {
		randDigit = func() int { return rand.IntN(10) }
	}
	return &Integration{
		queue:     cfg.Queue,
		users:     cfg.Users,
		otps:      cfg.OTPs,
		logger:    logger,
		now:       now,
		randDigit: randDigit,
	}
}

// OnOrderCreated notifies the buyer that their order was placed and the
// seller that a new order came in. The seller's message carries the buyer's
// name when it is on file.
func (i *Integration) OnOrderCreated(ctx context.Context, order *types.Order) error {
	buyer, buyerOK, buyerErr := i.recipient(ctx, order.BuyerID, types.RecipientBuyer, EventOrderPlaced, order.ID)

	sellerVars := orderVars(order)
	if buyer != nil && buyer.Name != "" {
		sellerVars["buyer_name"] = truncate(buyer.Name, nameDisplayLen)
	}

	if buyerErr == nil && buyerOK {
		buyerErr = i.enqueueFor(ctx, buyer, types.RecipientBuyer, EventOrderPlaced, orderVars(order), order.ID, 3, "")
	}
	return errors.Join(
		buyerErr,
		i.notify(ctx, order.SellerID, types.RecipientSeller, EventNewOrder, sellerVars, order.ID, 2, ""),
	)
}

// OnPaymentSuccessful notifies the buyer that payment is secured in escrow
// and tells the seller to ship.
func (i *Integration) OnPaymentSuccessful(ctx context.Context, order *types.Order, esc *types.Escrow) error {
	vars := escrowVars(order, esc)
	return errors.Join(
		i.notify(ctx, order.BuyerID, types.RecipientBuyer, EventPaymentReceived, vars, order.ID, 2, ""),
		i.notify(ctx, order.SellerID, types.RecipientSeller, EventShipOrder, vars, order.ID, 2, ""),
	)
}

// OnOrderShipped notifies the buyer their order is on the way.
func (i *Integration) OnOrderShipped(ctx context.Context, order *types.Order) error {
	return i.notify(ctx, order.BuyerID, types.RecipientBuyer, EventOrderShipped, orderVars(order), order.ID, 3, "")
}

// OnOutForDelivery generates and persists the delivery confirmation code,
// then notifies the buyer twice: the OTP itself at top priority on the
// buyer's preferred channel, and an out-for-delivery status update preferring
// WhatsApp regardless of stored preference.
//
// When the buyer has no phone on file the whole step is a silent no-op: no
// OTP is persisted because nothing could ever deliver it.
func (i *Integration) OnOutForDelivery(ctx context.Context, order *types.Order) error {
	buyer, ok, err := i.recipient(ctx, order.BuyerID, types.RecipientBuyer, EventOutForDelivery, order.ID)
	if err != nil || !ok {
		return err
	}

	now := i.now().UTC()
	otp := &types.DeliveryOTP{
		OrderID:    order.ID,
		Code:       i.generateOTP(),
		IsVerified: false,
		ExpiresAt:  now.Add(otpValidity),
		CreatedAt:  now,
	}
	if err := i.otps.Upsert(ctx, otp); err != nil {
		return fmt.Errorf("store delivery OTP for order %s: %w", order.ID, err)
	}

	otpVars := map[string]any{
		"order_id":    truncate(order.ID, orderIDDisplayLen),
		"otp":         otp.Code,
		"valid_hours": int(otpValidity.Hours()),
	}

	return errors.Join(
		i.enqueueFor(ctx, buyer, types.RecipientBuyer, EventDeliveryOTP, otpVars, order.ID, 1, ""),
		i.enqueueFor(ctx, buyer, types.RecipientBuyer, EventOutForDelivery, orderVars(order), order.ID, 2, types.ChannelWhatsApp),
	)
}

// OnDelivered notifies the buyer the order arrived.
func (i *Integration) OnDelivered(ctx context.Context, order *types.Order) error {
	return i.notify(ctx, order.BuyerID, types.RecipientBuyer, EventOrderDelivered, orderVars(order), order.ID, 3, "")
}

// OnDeliveryConfirmed notifies the seller the buyer confirmed receipt.
func (i *Integration) OnDeliveryConfirmed(ctx context.Context, order *types.Order) error {
	return i.notify(ctx, order.SellerID, types.RecipientSeller, EventDeliveryConfirmed, orderVars(order), order.ID, 2, "")
}

// OnEscrowReleased notifies the seller their funds were released. Money
// movement is the most urgent event class the system carries.
func (i *Integration) OnEscrowReleased(ctx context.Context, order *types.Order, esc *types.Escrow) error {
	return i.notify(ctx, order.SellerID, types.RecipientSeller, EventEscrowReleased, escrowVars(order, esc), order.ID, 1, "")
}

// OnDisputeOpened notifies both parties a dispute was raised.
func (i *Integration) OnDisputeOpened(ctx context.Context, order *types.Order, dispute *types.Dispute) error {
	vars := disputeVars(order, dispute)
	return errors.Join(
		i.notify(ctx, order.BuyerID, types.RecipientBuyer, EventDisputeOpened, vars, order.ID, 2, ""),
		i.notify(ctx, order.SellerID, types.RecipientSeller, EventDisputeOpened, vars, order.ID, 2, ""),
	)
}

// OnDisputeResolved notifies both parties of the outcome.
func (i *Integration) OnDisputeResolved(ctx context.Context, order *types.Order, dispute *types.Dispute) error {
	vars := disputeVars(order, dispute)
	if dispute != nil && dispute.Resolution != "" {
		vars["resolution"] = truncate(dispute.Resolution, reasonDisplayLen)
	}
	return errors.Join(
		i.notify(ctx, order.BuyerID, types.RecipientBuyer, EventDisputeResolved, vars, order.ID, 2, ""),
		i.notify(ctx, order.SellerID, types.RecipientSeller, EventDisputeResolved, vars, order.ID, 2, ""),
	)
}

// OnTransportAssigned notifies the transport partner of their pickup, using
// the partner's own preference record, and nudges the buyer that the order is
// moving.
func (i *Integration) OnTransportAssigned(ctx context.Context, order *types.Order, assignment *types.TransportAssignment) error {
	pickupVars := map[string]any{
		"order_id": truncate(order.ID, orderIDDisplayLen),
		"pickup":   assignment.PickupAddress,
		"drop":     assignment.DropAddress,
	}
	return errors.Join(
		i.notify(ctx, assignment.PartnerID, types.RecipientTransportPartner, EventPickupAssigned, pickupVars, order.ID, 2, ""),
		i.notify(ctx, order.BuyerID, types.RecipientBuyer, EventInTransit, orderVars(order), order.ID, 4, ""),
	)
}

// notify resolves a recipient and enqueues a single message for them.
// Missing user or missing phone is a silent skip, not an error.
func (i *Integration) notify(ctx context.Context, userID string, role types.RecipientType, event string, vars map[string]any, orderID string, priority int, channelOverride types.Channel) error {
	user, ok, err := i.recipient(ctx, userID, role, event, orderID)
	if err != nil || !ok {
		return err
	}
	return i.enqueueFor(ctx, user, role, event, vars, orderID, priority, channelOverride)
}

// recipient looks up a user and decides whether anything can be sent to
// them. ok=false with nil error means skip.
func (i *Integration) recipient(ctx context.Context, userID string, role types.RecipientType, event, orderID string) (*types.User, bool, error) {
	user, err := i.users.GetByID(ctx, userID)
	if err != nil && !types.IsCode(err, types.ErrCodeNotFoundUser) {
		return nil, false, fmt.Errorf("lookup %s %s: %w", role, userID, err)
	}
	if user == nil || user.Phone == "" {
		recordSkipped(event)
		i.logger.DebugContext(ctx, "recipient has no phone on file, skipping notification",
			"event", event,
			"recipient_type", string(role),
			"user_id", userID,
			"order_id", orderID,
		)
		return nil, false, nil
	}
	return user, true, nil
}

// enqueueFor enqueues one message for an already-resolved recipient. The
// channel override, when set, wins over the recipient's stored preference.
func (i *Integration) enqueueFor(ctx context.Context, user *types.User, role types.RecipientType, event string, vars map[string]any, orderID string, priority int, channelOverride types.Channel) error {
	channel := user.EffectivePreferences().PreferredChannel
	if channelOverride != "" {
		channel = channelOverride
	}

	_, err := i.queue.Enqueue(ctx, queue.EnqueueInput{
		Event:            event,
		RecipientType:    role,
		Phone:            user.Phone,
		Variables:        vars,
		OrderID:          orderID,
		PreferredChannel: channel,
		Priority:         priority,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s for %s: %w", event, role, err)
	}
	return nil
}

// generateOTP draws six independent uniform digits. Leading zeros are valid;
// the code is a confirmation handshake, not a credential, so the default
// math/rand source is sufficient.
func (i *Integration) generateOTP() string {
	digits := make([]byte, otpLength)
	for n := range digits {
		digits[n] = byte('0' + i.randDigit())
	}
	return string(digits)
}

func orderVars(order *types.Order) map[string]any {
	return map[string]any{
		"order_id": truncate(order.ID, orderIDDisplayLen),
		"item":     truncate(order.Title, titleDisplayLen),
		"amount":   formatAmount(order.Amount, order.Currency),
	}
}

// escrowVars prefers the escrow's amount over the order's: partial releases
// and fee deductions mean the two can differ.
func escrowVars(order *types.Order, esc *types.Escrow) map[string]any {
	vars := orderVars(order)
	if esc != nil {
		vars["amount"] = formatAmount(esc.Amount, esc.Currency)
	}
	return vars
}

func disputeVars(order *types.Order, dispute *types.Dispute) map[string]any {
	vars := map[string]any{
		"order_id": truncate(order.ID, orderIDDisplayLen),
	}
	if dispute != nil && dispute.Reason != "" {
		vars["reason"] = truncate(dispute.Reason, reasonDisplayLen)
	}
	return vars
}

func formatAmount(amount float64, currency string) string {
	return fmt.Sprintf("%s %.2f", currency, amount)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
