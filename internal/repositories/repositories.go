package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/josernestodavila/the-eye/internal/metrics"
	"github.com/josernestodavila/the-eye/internal/models"
)

// ErrSessionOwnerMismatch reports a tenant-isolation violation: the session
// already exists and belongs to a different application. It is never absorbed;
// ownership is set at creation and must not be reassigned.
var ErrSessionOwnerMismatch = errors.New("session is owned by a different application")

// SessionRepository provides access to session data
type SessionRepository struct {
	db      *gorm.DB
	metrics *metrics.Metrics
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *gorm.DB, collector *metrics.Metrics) *SessionRepository {
	return &SessionRepository{db: db, metrics: collector}
}

// GetByID gets a session by ID
func (r *SessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	var session models.Session
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&session).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// Resolve returns the session for id, creating it for applicationID when it
// does not exist yet. Submissions for the same never-before-seen session can
// be processed by independent workers at once, so the create is arbitrated by
// the primary key: a loser of that race re-fetches and treats the existing row
// as success when the owner matches. A plain fetch-then-create without the
// conflict re-check is exactly the race this method exists to absorb.
func (r *SessionRepository) Resolve(ctx context.Context, id, applicationID uuid.UUID) (*models.Session, error) {
	session, err := r.GetByID(ctx, id)
	if err == nil {
		if session.ApplicationID != applicationID {
			return nil, ErrSessionOwnerMismatch
		}
		return session, nil
	}

	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(err, "failed to fetch session")
	}

	session = &models.Session{
		ID:            id,
		ApplicationID: applicationID,
		CreatedAt:     time.Now().UTC(),
	}

	err = r.db.WithContext(ctx).Create(session).Error
	if err == nil {
		r.metrics.IncrementCounter(metrics.SessionsCreated)
		return session, nil
	}

	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, errors.Wrap(err, "failed to create session")
	}

	// A concurrent worker won the create. The row must exist now; the only
	// question left is whether it belongs to the same application.
	existing, fetchErr := r.GetByID(ctx, id)
	if fetchErr != nil {
		return nil, errors.Wrap(fetchErr, "failed to fetch session after duplicate key")
	}

	if existing.ApplicationID != applicationID {
		return nil, ErrSessionOwnerMismatch
	}

	return existing, nil
}

// EventRepository provides access to event data
type EventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Create inserts a new event. Events are immutable after this point.
func (r *EventRepository) Create(ctx context.Context, event *models.Event) error {
	return r.db.WithContext(ctx).Create(event).Error
}

// List returns events matching the filter in canonical (session_id, timestamp)
// order. timestamp_before is exclusive, timestamp_after inclusive.
func (r *EventRepository) List(ctx context.Context, filter *models.EventFilter) ([]models.Event, error) {
	query := r.db.WithContext(ctx).Model(&models.Event{})

	if filter.SessionID != nil {
		query = query.Where("session_id = ?", *filter.SessionID)
	}
	if filter.Category != "" {
		query = query.Where("category = ?", filter.Category)
	}
	if filter.TimestampBefore != nil {
		query = query.Where("timestamp < ?", *filter.TimestampBefore)
	}
	if filter.TimestampAfter != nil {
		query = query.Where("timestamp >= ?", *filter.TimestampAfter)
	}

	var events []models.Event
	err := query.Order("session_id, timestamp").Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list events")
	}
	return events, nil
}

// ListSince returns events created after the given time, for the Elasticsearch
// reindex fallback.
func (r *EventRepository) ListSince(ctx context.Context, since time.Time, limit int) ([]models.Event, error) {
	var events []models.Event
	err := r.db.WithContext(ctx).
		Where("created_at >= ?", since).
		Order("created_at").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list recent events")
	}
	return events, nil
}

// ApplicationRepository provides access to application and token data
type ApplicationRepository struct {
	db *gorm.DB
}

// NewApplicationRepository creates a new application repository
func NewApplicationRepository(db *gorm.DB) *ApplicationRepository {
	return &ApplicationRepository{db: db}
}

// Create creates a new application
func (r *ApplicationRepository) Create(ctx context.Context, application *models.Application) error {
	return r.db.WithContext(ctx).Create(application).Error
}

// CreateToken creates a new API token for an application
func (r *ApplicationRepository) CreateToken(ctx context.Context, token *models.APIToken) error {
	return r.db.WithContext(ctx).Create(token).Error
}

// GetTokenByKey gets an API token by its key, with the owning application
// preloaded.
func (r *ApplicationRepository) GetTokenByKey(ctx context.Context, key string) (*models.APIToken, error) {
	var token models.APIToken
	err := r.db.WithContext(ctx).
		Preload("Application").
		Where("key = ?", key).
		First(&token).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get API token")
	}
	return &token, nil
}

// TouchToken updates a token's last used timestamp.
func (r *ApplicationRepository) TouchToken(ctx context.Context, id uuid.UUID, usedAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.APIToken{}).
		Where("id = ?", id).
		Update("last_used_at", usedAt).Error
}
