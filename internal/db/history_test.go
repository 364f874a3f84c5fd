package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return &DB{client: sqlDB}, mock
}

func TestRecordTransition(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)

	mock.ExpectExec("INSERT INTO task_history").
		WithArgs("p1", "fetch", "ready", "running", 1, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := db.RecordTransition(context.Background(), &Transition{
		ProcessID: "p1",
		TaskID:    "fetch",
		FromState: "ready",
		ToState:   "running",
		Attempt:   1,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordTransitionDefaultsTimestamp(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)

	mock.ExpectExec("INSERT INTO task_history").
		WillReturnResult(sqlmock.NewResult(1, 1))

	transition := &Transition{ProcessID: "p1", TaskID: "a", FromState: "ready", ToState: "running"}
	require.NoError(t, db.RecordTransition(context.Background(), transition))
	assert.False(t, transition.OccurredAt.IsZero())
}

func TestListTransitionsOrdered(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "process_id", "task_id", "from_state", "to_state", "attempt", "detail", "occurred_at"}).
		AddRow(1, "p1", "fetch", "ready", "running", 1, "", base).
		AddRow(2, "p1", "fetch", "running", "failed", 1, "connection reset", base.Add(time.Second)).
		AddRow(3, "p1", "fetch", "failed", "ready", 2, "", base.Add(2*time.Second))

	mock.ExpectQuery("SELECT (.+) FROM task_history").
		WithArgs("p1").
		WillReturnRows(rows)

	transitions, err := db.ListTransitions(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, transitions, 3)

	assert.Equal(t, "running", transitions[0].ToState)
	assert.Equal(t, "connection reset", transitions[1].Detail)
	assert.Equal(t, 2, transitions[2].Attempt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskAttemptsFiltersByTask(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)

	rows := sqlmock.NewRows([]string{"id", "process_id", "task_id", "from_state", "to_state", "attempt", "detail", "occurred_at"}).
		AddRow(1, "p1", "fetch", "ready", "running", 1, "", time.Now())

	mock.ExpectQuery("SELECT (.+) FROM task_history").
		WithArgs("p1", "fetch").
		WillReturnRows(rows)

	transitions, err := db.TaskAttempts(context.Background(), "p1", "fetch")
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, "fetch", transitions[0].TaskID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
