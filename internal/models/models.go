package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Application is the tenant principal. Every session belongs to exactly one
// application, and the application identity attached to a request is what the
// session ownership check compares against.
type Application struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	Name      string         `gorm:"size:100;not null;uniqueIndex" json:"name"`
	Active    bool           `gorm:"not null;default:true" json:"active"`
	APITokens []APIToken     `gorm:"foreignKey:ApplicationID" json:"-"`
}

// APIToken is a bearer credential for an application.
type APIToken struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
	Key           string         `gorm:"size:64;not null;uniqueIndex" json:"-"`
	ApplicationID uuid.UUID      `gorm:"type:uuid;not null" json:"application_id"`
	ExpiresAt     *time.Time     `json:"expires_at"`
	LastUsedAt    *time.Time     `json:"last_used_at"`
	Application   Application    `gorm:"foreignKey:ApplicationID" json:"-"`
}

// Session groups events under a client-generated identifier. The ID is
// supplied by the client on the first event that references it, so the primary
// key is the storage-level arbiter when two workers try to create the same
// session concurrently. Rows are never updated after creation.
type Session struct {
	ID            uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt     time.Time   `gorm:"autoCreateTime" json:"created_at"`
	ApplicationID uuid.UUID   `gorm:"type:uuid;not null" json:"application_id"`
	Application   Application `gorm:"foreignKey:ApplicationID" json:"-"`
	Events        []Event     `gorm:"foreignKey:SessionID" json:"-"`
}

// Event is an immutable analytics fact bound to a session. Canonical read
// order is (session_id, timestamp); the lone timestamp index serves time-range
// queries that span sessions. The check constraint re-enforces the validator's
// future-timestamp rule at the storage layer so direct loaders cannot bypass it.
type Event struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	SessionID uuid.UUID `gorm:"type:uuid;not null;index:idx_events_session_timestamp,priority:1" json:"session_id"`
	Category  string    `gorm:"size:100;not null" json:"category"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	Data      []byte    `gorm:"type:jsonb;not null;default:'{}'" json:"data"`
	Timestamp time.Time `gorm:"not null;index:idx_events_timestamp;index:idx_events_session_timestamp,priority:2;check:event_timestamp_not_future,timestamp <= now()" json:"timestamp"`
	Session   Session   `gorm:"foreignKey:SessionID" json:"-"`
}

// EventSubmission is the fully-typed output of the ingestion validator. It is
// what travels through the queue, tagged with the authenticated application,
// and it is the only shape the persistence path accepts: no raw request maps
// ever reach storage construction.
type EventSubmission struct {
	SessionID uuid.UUID       `json:"session_id"`
	Category  string          `json:"category"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventMessage is the queue message consumed by the persistence worker.
type EventMessage struct {
	ApplicationID uuid.UUID       `json:"application_id"`
	Submission    EventSubmission `json:"submission"`
}

// EventFilter holds the optional filters of the event list endpoint.
// TimestampBefore is exclusive, TimestampAfter inclusive.
type EventFilter struct {
	SessionID       *uuid.UUID
	Category        string
	TimestampBefore *time.Time
	TimestampAfter  *time.Time
}

// NewEvent builds the row the worker inserts for a resolved session.
func NewEvent(sessionID uuid.UUID, sub *EventSubmission) *Event {
	data := sub.Data
	if len(data) == 0 {
		data = []byte("{}")
	}

	return &Event{
		ID:        uuid.New(),
		SessionID: sessionID,
		Category:  sub.Category,
		Name:      sub.Name,
		Data:      data,
		Timestamp: sub.Timestamp,
	}
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Application{},
		&APIToken{},
		&Session{},
		&Event{},
	)

	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
