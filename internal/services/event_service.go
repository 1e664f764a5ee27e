package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/josernestodavila/the-eye/internal/metrics"
	"github.com/josernestodavila/the-eye/internal/models"
	"github.com/josernestodavila/the-eye/internal/repositories"
	"github.com/josernestodavila/the-eye/internal/tracing"
)

// SessionResolver is the idempotent create-or-fetch operation for sessions.
type SessionResolver interface {
	Resolve(ctx context.Context, id, applicationID uuid.UUID) (*models.Session, error)
}

// EventStore provides durable event access.
type EventStore interface {
	Create(ctx context.Context, event *models.Event) error
	List(ctx context.Context, filter *models.EventFilter) ([]models.Event, error)
	ListSince(ctx context.Context, since time.Time, limit int) ([]models.Event, error)
}

// EventIndexer writes events to the secondary search index.
type EventIndexer interface {
	IndexEvent(ctx context.Context, event *models.Event) error
}

// permanentError marks a processing failure that redelivery cannot fix. The
// consumer dead-letters these instead of abandoning them back onto the queue.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err as a poison-message failure that redelivery cannot fix.
func Permanent(err error) error {
	return &permanentError{err: err}
}

// IsPermanentError reports whether a processing failure is a poison message
// rather than a transient storage problem.
func IsPermanentError(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// EventService handles event ingestion business logic
type EventService struct {
	sessions SessionResolver
	events   EventStore
	indexer  EventIndexer
	metrics  *metrics.Metrics
	tracer   tracing.Tracer
}

// NewEventService creates a new event service
func NewEventService(
	sessions SessionResolver,
	events EventStore,
	indexer EventIndexer,
	collector *metrics.Metrics,
	tracer tracing.Tracer,
) *EventService {
	return &EventService{
		sessions: sessions,
		events:   events,
		indexer:  indexer,
		metrics:  collector,
		tracer:   tracer,
	}
}

// ProcessEventMessage persists one validated submission from the queue:
// resolve the session for the submitting application, then insert the event
// row. Delivery is at-least-once, so a redelivered submission runs the same
// resolve+insert again and yields a duplicate event row; events carry no
// dedup key, so that duplicate is surfaced to readers rather than masked.
func (s *EventService) ProcessEventMessage(ctx context.Context, message *azservicebus.ReceivedMessage, txn *newrelic.Transaction) error {
	var msg models.EventMessage
	if err := json.Unmarshal(message.Body, &msg); err != nil {
		return Permanent(errors.Wrap(err, "failed to unmarshal event message"))
	}

	if msg.ApplicationID == uuid.Nil || msg.Submission.SessionID == uuid.Nil {
		return Permanent(errors.New("event message is missing application or session identity"))
	}

	event, err := s.PersistSubmission(ctx, msg.ApplicationID, &msg.Submission, txn)
	if err != nil {
		return err
	}

	log.Info().
		Str("event_id", event.ID.String()).
		Str("session_id", event.SessionID.String()).
		Str("category", event.Category).
		Msg("Event persisted")

	return nil
}

// PersistSubmission resolves the session and inserts the event row.
func (s *EventService) PersistSubmission(ctx context.Context, applicationID uuid.UUID, sub *models.EventSubmission, txn *newrelic.Transaction) (*models.Event, error) {
	span := s.tracer.StartSpan("resolve-session", txn)
	session, err := s.sessions.Resolve(ctx, sub.SessionID, applicationID)
	span.End()

	if err != nil {
		if errors.Is(err, repositories.ErrSessionOwnerMismatch) {
			s.metrics.IncrementCounter(metrics.SessionConflicts)
			log.Error().
				Str("session_id", sub.SessionID.String()).
				Str("application_id", applicationID.String()).
				Msg("Session owned by a different application, refusing to persist event")
			return nil, Permanent(err)
		}
		return nil, errors.Wrap(err, "failed to resolve session")
	}

	event := models.NewEvent(session.ID, sub)

	span = s.tracer.StartSpan("insert-event", txn)
	err = s.events.Create(ctx, event)
	span.End()

	if err != nil {
		if errors.Is(err, gorm.ErrCheckConstraintViolated) {
			// The storage-level future-timestamp constraint is authoritative;
			// retrying cannot make the row insertable.
			return nil, Permanent(errors.Wrap(err, "event rejected by storage constraint"))
		}
		return nil, errors.Wrap(err, "failed to insert event")
	}

	s.metrics.IncrementCounter(metrics.EventsPersisted)

	// Search indexing is best-effort: the relational store is the store of
	// record and the reindex fallback revisits recent rows.
	if s.indexer != nil {
		if err := s.indexer.IndexEvent(ctx, event); err != nil {
			log.Warn().Err(err).Str("event_id", event.ID.String()).Msg("Failed to index event, reindex job will retry")
		}
	}

	return event, nil
}

// ListEvents returns events matching the filter in (session_id, timestamp)
// order.
func (s *EventService) ListEvents(ctx context.Context, filter *models.EventFilter) ([]models.Event, error) {
	return s.events.List(ctx, filter)
}

// ReindexRecentEvents re-indexes recently ingested events into Elasticsearch.
// It runs on a schedule as a fallback for index calls that failed after a
// durable insert; document IDs make it idempotent.
func (s *EventService) ReindexRecentEvents(ctx context.Context, lookback time.Duration, limit int) error {
	if s.indexer == nil {
		return nil
	}

	txn := s.tracer.StartTransaction("reindex-recent-events")
	defer s.tracer.EndTransaction(txn)

	events, err := s.events.ListSince(ctx, time.Now().Add(-lookback), limit)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return errors.Wrap(err, "failed to list recent events")
	}

	var failed int
	for i := range events {
		if err := s.indexer.IndexEvent(ctx, &events[i]); err != nil {
			failed++
			s.tracer.RecordError(txn, err)
		}
	}

	if failed > 0 {
		log.Warn().Int("failed", failed).Int("total", len(events)).Msg("Reindex finished with failures")
	} else if len(events) > 0 {
		log.Info().Int("total", len(events)).Msg("Reindex finished")
	}

	return nil
}
