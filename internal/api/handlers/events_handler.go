package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/josernestodavila/the-eye/internal/api/middleware"
	"github.com/josernestodavila/the-eye/internal/messaging"
	"github.com/josernestodavila/the-eye/internal/metrics"
	"github.com/josernestodavila/the-eye/internal/models"
	"github.com/josernestodavila/the-eye/internal/services"
	"github.com/josernestodavila/the-eye/internal/tracing"
	"github.com/josernestodavila/the-eye/internal/validation"
)

// EventsHandler handles event ingestion and listing requests
type EventsHandler struct {
	eventService   *services.EventService
	publisher      messaging.Publisher
	metrics        *metrics.Metrics
	tracer         tracing.Tracer
	enqueueTimeout time.Duration
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(
	eventService *services.EventService,
	publisher messaging.Publisher,
	collector *metrics.Metrics,
	tracer tracing.Tracer,
	enqueueTimeout time.Duration,
) *EventsHandler {
	return &EventsHandler{
		eventService:   eventService,
		publisher:      publisher,
		metrics:        collector,
		tracer:         tracer,
		enqueueTimeout: enqueueTimeout,
	}
}

// EventResponse is the wire shape of an event in list responses.
type EventResponse struct {
	SessionID uuid.UUID       `json:"session_id"`
	Category  string          `json:"category"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// SubmitEvent handles POST /events. It validates the submission synchronously,
// enqueues it for the persistence worker tagged with the caller's application,
// and returns 204 without waiting for the durable write. This handler never
// touches the session or event stores.
func (h *EventsHandler) SubmitEvent(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-submit-event")
	defer h.tracer.EndTransaction(txn)

	h.metrics.IncrementCounter(metrics.EventsReceived)

	applicationID, err := middleware.GetApplicationID(c)
	if err != nil {
		h.tracer.RecordError(txn, err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	var req validation.EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.metrics.IncrementCounter(metrics.EventsRejected)

		// A type mismatch on a known field gets the same per-field error
		// shape as a validation failure; only undecodable JSON stays generic.
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			if errs, ok := validation.FieldTypeError(typeErr.Field); ok {
				c.JSON(http.StatusBadRequest, errs)
				return
			}
		}

		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	submission, validationErrs := validation.ValidateEventRequest(&req, time.Now())
	if validationErrs.HasErrors() {
		h.metrics.IncrementCounter(metrics.EventsRejected)
		c.JSON(http.StatusBadRequest, validationErrs)
		return
	}

	h.tracer.AddAttribute(txn, "session_id", submission.SessionID.String())
	h.tracer.AddAttribute(txn, "category", submission.Category)

	message := models.EventMessage{
		ApplicationID: applicationID,
		Submission:    *submission,
	}

	// Fail the request outright when the queue is unavailable; there is no
	// partial write to clean up because nothing was persisted.
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.enqueueTimeout)
	defer cancel()

	if err := h.publisher.SendMessage(ctx, message); err != nil {
		h.metrics.IncrementCounter(metrics.EnqueueFailures)
		h.tracer.RecordError(txn, err)
		log.Error().Err(err).Str("session_id", submission.SessionID.String()).Msg("Failed to enqueue event")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Event could not be accepted"})
		return
	}

	h.metrics.IncrementCounter(metrics.EventsEnqueued)

	c.Status(http.StatusNoContent)
}

// ListEvents handles GET /events with optional session_id, category,
// timestamp_before (exclusive) and timestamp_after (inclusive) filters.
func (h *EventsHandler) ListEvents(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-list-events")
	defer h.tracer.EndTransaction(txn)

	filter, errs := parseEventFilter(c)
	if errs.HasErrors() {
		c.JSON(http.StatusBadRequest, errs)
		return
	}

	events, err := h.eventService.ListEvents(c.Request.Context(), filter)
	if err != nil {
		h.tracer.RecordError(txn, err)
		log.Error().Err(err).Msg("Failed to list events")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list events"})
		return
	}

	response := make([]EventResponse, 0, len(events))
	for _, event := range events {
		response = append(response, EventResponse{
			SessionID: event.SessionID,
			Category:  event.Category,
			Name:      event.Name,
			Data:      json.RawMessage(event.Data),
			Timestamp: event.Timestamp,
		})
	}

	c.JSON(http.StatusOK, response)
}

func parseEventFilter(c *gin.Context) (*models.EventFilter, validation.Errors) {
	errs := validation.Errors{}
	filter := &models.EventFilter{}

	if raw := c.Query("session_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			errs["session_id"] = []string{"must be a valid UUID."}
		} else {
			filter.SessionID = &id
		}
	}

	filter.Category = c.Query("category")

	if raw := c.Query("timestamp_before"); raw != "" {
		t, err := validation.ParseTimestamp(raw)
		if err != nil {
			errs["timestamp_before"] = []string{"datetime has wrong format."}
		} else {
			filter.TimestampBefore = &t
		}
	}

	if raw := c.Query("timestamp_after"); raw != "" {
		t, err := validation.ParseTimestamp(raw)
		if err != nil {
			errs["timestamp_after"] = []string{"datetime has wrong format."}
		} else {
			filter.TimestampAfter = &t
		}
	}

	return filter, errs
}

// RegisterRoutes registers the handler's routes
func (h *EventsHandler) RegisterRoutes(router gin.IRouter) {
	router.POST("/events", h.SubmitEvent)
	router.GET("/events", h.ListEvents)
}
