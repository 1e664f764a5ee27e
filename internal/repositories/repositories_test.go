package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/josernestodavila/the-eye/internal/metrics"
	"github.com/josernestodavila/the-eye/internal/models"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{
		Conn: sqlDB,
	}), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	return db, mock
}

func sessionRows(id, applicationID uuid.UUID) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "created_at", "application_id"}).
		AddRow(id, time.Now(), applicationID)
}

func TestResolveCreatesSessionWhenAbsent(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db, metrics.NewMetrics())

	sessionID := uuid.New()
	applicationID := uuid.New()

	mock.ExpectQuery(`SELECT \* FROM "sessions" WHERE id = \$1`).
		WithArgs(sessionID, 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "application_id"}))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "sessions"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	session, err := repo.Resolve(context.Background(), sessionID, applicationID)

	require.NoError(t, err)
	require.Equal(t, sessionID, session.ID)
	require.Equal(t, applicationID, session.ApplicationID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveReturnsExistingSessionForSameOwner(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db, metrics.NewMetrics())

	sessionID := uuid.New()
	applicationID := uuid.New()

	mock.ExpectQuery(`SELECT \* FROM "sessions" WHERE id = \$1`).
		WithArgs(sessionID, 1).
		WillReturnRows(sessionRows(sessionID, applicationID))

	session, err := repo.Resolve(context.Background(), sessionID, applicationID)

	require.NoError(t, err)
	require.Equal(t, sessionID, session.ID)
	require.Equal(t, applicationID, session.ApplicationID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveRejectsSessionOwnedByAnotherApplication(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db, metrics.NewMetrics())

	sessionID := uuid.New()

	mock.ExpectQuery(`SELECT \* FROM "sessions" WHERE id = \$1`).
		WithArgs(sessionID, 1).
		WillReturnRows(sessionRows(sessionID, uuid.New()))

	session, err := repo.Resolve(context.Background(), sessionID, uuid.New())

	require.Nil(t, session)
	require.ErrorIs(t, err, ErrSessionOwnerMismatch)
	require.NoError(t, mock.ExpectationsWereMet())
}

// A concurrent worker creating the same session first must look like success,
// not an error: the unique-constraint violation is absorbed by re-fetching and
// comparing the owner.
func TestResolveAbsorbsConcurrentCreateBySameOwner(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db, metrics.NewMetrics())

	sessionID := uuid.New()
	applicationID := uuid.New()

	mock.ExpectQuery(`SELECT \* FROM "sessions" WHERE id = \$1`).
		WithArgs(sessionID, 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "application_id"}))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "sessions"`).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	mock.ExpectQuery(`SELECT \* FROM "sessions" WHERE id = \$1`).
		WithArgs(sessionID, 1).
		WillReturnRows(sessionRows(sessionID, applicationID))

	session, err := repo.Resolve(context.Background(), sessionID, applicationID)

	require.NoError(t, err)
	require.Equal(t, sessionID, session.ID)
	require.Equal(t, applicationID, session.ApplicationID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveConcurrentCreateByDifferentOwnerIsConflict(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db, metrics.NewMetrics())

	sessionID := uuid.New()

	mock.ExpectQuery(`SELECT \* FROM "sessions" WHERE id = \$1`).
		WithArgs(sessionID, 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "application_id"}))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "sessions"`).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	mock.ExpectQuery(`SELECT \* FROM "sessions" WHERE id = \$1`).
		WithArgs(sessionID, 1).
		WillReturnRows(sessionRows(sessionID, uuid.New()))

	session, err := repo.Resolve(context.Background(), sessionID, uuid.New())

	require.Nil(t, session)
	require.ErrorIs(t, err, ErrSessionOwnerMismatch)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListEventsAppliesTimeRangeFilters(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEventRepository(db)

	sessionID := uuid.New()
	before := time.Date(2021, 2, 1, 0, 0, 0, 0, time.UTC)
	after := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

	// timestamp_before is exclusive, timestamp_after inclusive
	mock.ExpectQuery(`SELECT \* FROM "events" WHERE session_id = \$1 AND category = \$2 AND timestamp < \$3 AND timestamp >= \$4 ORDER BY session_id, timestamp`).
		WithArgs(sessionID, "page interaction", before, after).
		WillReturnRows(sqlmock.NewRows([]string{"id", "session_id", "category", "name", "data", "timestamp"}).
			AddRow(uuid.New(), sessionID, "page interaction", "cta click", []byte(`{}`), after))

	events, err := repo.List(context.Background(), &models.EventFilter{
		SessionID:       &sessionID,
		Category:        "page interaction",
		TimestampBefore: &before,
		TimestampAfter:  &after,
	})

	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, sessionID, events[0].SessionID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListEventsWithoutFilters(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEventRepository(db)

	mock.ExpectQuery(`SELECT \* FROM "events" ORDER BY session_id, timestamp`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "session_id", "category", "name", "data", "timestamp"}))

	events, err := repo.List(context.Background(), &models.EventFilter{})

	require.NoError(t, err)
	require.Empty(t, events)
	require.NoError(t, mock.ExpectationsWereMet())
}
