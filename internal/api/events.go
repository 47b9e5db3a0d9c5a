package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"escrownotify/internal/types"
)

// EventService is the order and escrow lifecycle surface the marketplace
// backend posts to. Each method fans out the notifications for one event.
type EventService interface {
	OnOrderCreated(ctx context.Context, order *types.Order) error
	OnPaymentSuccessful(ctx context.Context, order *types.Order, esc *types.Escrow) error
	OnOrderShipped(ctx context.Context, order *types.Order) error
	OnOutForDelivery(ctx context.Context, order *types.Order) error
	OnDelivered(ctx context.Context, order *types.Order) error
	OnDeliveryConfirmed(ctx context.Context, order *types.Order) error
	OnEscrowReleased(ctx context.Context, order *types.Order, esc *types.Escrow) error
	OnDisputeOpened(ctx context.Context, order *types.Order, dispute *types.Dispute) error
	OnDisputeResolved(ctx context.Context, order *types.Order, dispute *types.Dispute) error
	OnTransportAssigned(ctx context.Context, order *types.Order, assignment *types.TransportAssignment) error
}

// eventRequest is the shared body shape for lifecycle event posts. Every
// event carries the order; escrow, dispute, and assignment are required only
// by the routes that use them.
type eventRequest struct {
	Order      *types.Order               `json:"order"`
	Escrow     *types.Escrow              `json:"escrow,omitempty"`
	Dispute    *types.Dispute             `json:"dispute,omitempty"`
	Assignment *types.TransportAssignment `json:"assignment,omitempty"`
}

const maxEventBodyBytes = 1 << 20

func (s *Server) mountEventRoutes(r chi.Router) {
	r.Post("/order-created", s.handleOrderCreated)
	r.Post("/payment-successful", s.handlePaymentSuccessful)
	r.Post("/order-shipped", s.handleOrderShipped)
	r.Post("/out-for-delivery", s.handleOutForDelivery)
	r.Post("/delivered", s.handleDelivered)
	r.Post("/delivery-confirmed", s.handleDeliveryConfirmed)
	r.Post("/escrow-released", s.handleEscrowReleased)
	r.Post("/dispute-opened", s.handleDisputeOpened)
	r.Post("/dispute-resolved", s.handleDisputeResolved)
	r.Post("/transport-assigned", s.handleTransportAssigned)
}

// decodeEvent parses and validates the common event body. On failure it has
// already written the error response and returns ok=false.
func (s *Server) decodeEvent(w http.ResponseWriter, r *http.Request) (*eventRequest, bool) {
	var req eventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBodyBytes)).Decode(&req); err != nil {
		Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidParam,
			"invalid event body",
			err,
		))
		return nil, false
	}
	if req.Order == nil || req.Order.ID == "" {
		Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"order with id is required",
			nil,
		))
		return nil, false
	}
	return &req, true
}

// dispatched writes the accepted response for an event whose notifications
// were enqueued, or the error response when lookup or enqueue failed. A
// skipped recipient is not an error and still yields 202.
func (s *Server) dispatched(w http.ResponseWriter, r *http.Request, orderID string, err error) {
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusAccepted, APIResponse{Data: map[string]string{
		"order_id": orderID,
		"status":   "accepted",
	}})
}

func (s *Server) requireEscrow(w http.ResponseWriter, r *http.Request, req *eventRequest) bool {
	if req.Escrow == nil {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "escrow is required", nil))
		return false
	}
	return true
}

func (s *Server) requireDispute(w http.ResponseWriter, r *http.Request, req *eventRequest) bool {
	if req.Dispute == nil {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "dispute is required", nil))
		return false
	}
	return true
}

func (s *Server) handleOrderCreated(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeEvent(w, r)
	if !ok {
		return
	}
	s.dispatched(w, r, req.Order.ID, s.events.OnOrderCreated(r.Context(), req.Order))
}

func (s *Server) handlePaymentSuccessful(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeEvent(w, r)
	if !ok || !s.requireEscrow(w, r, req) {
		return
	}
	s.dispatched(w, r, req.Order.ID, s.events.OnPaymentSuccessful(r.Context(), req.Order, req.Escrow))
}

func (s *Server) handleOrderShipped(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeEvent(w, r)
	if !ok {
		return
	}
	s.dispatched(w, r, req.Order.ID, s.events.OnOrderShipped(r.Context(), req.Order))
}

func (s *Server) handleOutForDelivery(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeEvent(w, r)
	if !ok {
		return
	}
	s.dispatched(w, r, req.Order.ID, s.events.OnOutForDelivery(r.Context(), req.Order))
}

func (s *Server) handleDelivered(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeEvent(w, r)
	if !ok {
		return
	}
	s.dispatched(w, r, req.Order.ID, s.events.OnDelivered(r.Context(), req.Order))
}

func (s *Server) handleDeliveryConfirmed(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeEvent(w, r)
	if !ok {
		return
	}
	s.dispatched(w, r, req.Order.ID, s.events.OnDeliveryConfirmed(r.Context(), req.Order))
}

func (s *Server) handleEscrowReleased(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeEvent(w, r)
	if !ok || !s.requireEscrow(w, r, req) {
		return
	}
	s.dispatched(w, r, req.Order.ID, s.events.OnEscrowReleased(r.Context(), req.Order, req.Escrow))
}

func (s *Server) handleDisputeOpened(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeEvent(w, r)
	if !ok || !s.requireDispute(w, r, req) {
		return
	}
	s.dispatched(w, r, req.Order.ID, s.events.OnDisputeOpened(r.Context(), req.Order, req.Dispute))
}

func (s *Server) handleDisputeResolved(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeEvent(w, r)
	if !ok || !s.requireDispute(w, r, req) {
		return
	}
	s.dispatched(w, r, req.Order.ID, s.events.OnDisputeResolved(r.Context(), req.Order, req.Dispute))
}

func (s *Server) handleTransportAssigned(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeEvent(w, r)
	if !ok {
		return
	}
	if req.Assignment == nil {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "assignment is required", nil))
		return
	}
	s.dispatched(w, r, req.Order.ID, s.events.OnTransportAssigned(r.Context(), req.Order, req.Assignment))
}
