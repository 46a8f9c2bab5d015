package routing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/brocku/logistics/contracts"
	"github.com/brocku/logistics/messaging"
	"github.com/brocku/logistics/serialization"
)

// Failure reasons reported to the dead-letter queue
const (
	ReasonUnparsable = "could not parse the route"
	ReasonNoRoute    = "could not find a route"
)

// ReplyPublisher sends an envelope to a reply queue. *messaging.EnvelopePublisher
// implements it.
type ReplyPublisher interface {
	PublishReply(ctx context.Context, env *contracts.Envelope, replyTo string) error
}

// Handler plans routes for RouteRequested envelopes and replies with a
// RoutePlanned envelope on the request's reply queue
type Handler struct {
	planner   *Planner
	publisher ReplyPublisher
	codec     *serialization.JSONCodec
	logger    *slog.Logger
}

// HandlerOption configures the Handler
type HandlerOption func(*Handler)

// WithHandlerLogger sets the logger
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithPlanner overrides the default planner
func WithPlanner(planner *Planner) HandlerOption {
	return func(h *Handler) {
		h.planner = planner
	}
}

// NewHandler creates a route-planning handler
func NewHandler(publisher ReplyPublisher, options ...HandlerOption) *Handler {
	h := &Handler{
		planner:   NewPlanner(50),
		publisher: publisher,
		codec:     serialization.Default(),
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(h)
	}

	return h
}

// Register binds the handler to RouteRequested
func (h *Handler) Register(registry *messaging.Registry) error {
	return registry.Register(RouteRequestedType, h)
}

// Process implements messaging.Handler
func (h *Handler) Process(ctx context.Context, env *contracts.Envelope) contracts.Result {
	logger := h.logger.With("messageId", env.ID, "correlationId", env.CorrelationID)

	var req RouteRequest
	if err := h.codec.UnmarshalPayload(env, &req); err != nil {
		logger.Warn("route request payload is malformed", "error", err)
		return contracts.FatalFailure(ReasonUnparsable)
	}
	if req.Features == nil {
		logger.Warn("route request has no features list")
		return contracts.FatalFailure(ReasonUnparsable)
	}

	plan, err := h.planner.Plan(ctx, req)
	switch {
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		logger.Warn("route planning interrupted", "error", err)
		return contracts.RetryableFailure("route planning interrupted: " + err.Error())
	case errors.Is(err, ErrNoRoute):
		logger.Warn("route request has no stops", "features", len(req.Features))
		return contracts.FatalFailure(ReasonNoRoute)
	case err != nil:
		logger.Warn("route request is invalid", "error", err)
		return contracts.FatalFailure(ReasonUnparsable)
	}

	logger.Info("route planned",
		"drivers", len(plan.Routes),
		"stops", plan.StopCount(),
		"totalDistanceKm", plan.TotalDistanceKm)

	if env.ReplyTo == "" {
		logger.Info("route request has no reply queue, dropping plan", "plan", plan)
		return contracts.Success()
	}

	correlationID := env.CorrelationID
	if correlationID == "" {
		correlationID = env.ID
	}

	// a fixed reply id lets the requester discard replies to redelivered requests
	reply, err := h.codec.NewEnvelope(RoutePlannedType, plan,
		contracts.WithEnvelopeID(env.ID+"-planned"),
		contracts.WithCorrelationID(correlationID))
	if err != nil {
		logger.Error("failed to encode route plan", "error", err)
		return contracts.FatalFailure(err.Error())
	}

	if err := h.publisher.PublishReply(ctx, reply, env.ReplyTo); err != nil {
		if contracts.IsTransient(err) {
			return contracts.RetryableFailure(err.Error())
		}
		return contracts.FatalFailure(err.Error())
	}

	logger.Info("route plan sent", "replyTo", env.ReplyTo)
	return contracts.Success()
}
