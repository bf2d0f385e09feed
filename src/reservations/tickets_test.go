package reservations

import (
	"context"
	"testing"

	"maguey/src/errs"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: conn}), &gorm.Config{})
	require.NoError(t, err)
	return gormDB, mock
}

func TestLinkTicketLocksTicketRow(t *testing.T) {
	gormDB, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT \* FROM "tickets" .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "event_id", "resource_id", "token", "status"}).
			AddRow(5, 1, 2, "t5", "checked_in"))
	mock.ExpectRollback()

	_, err := New(gormDB).LinkTicket(context.Background(), 5, 9)
	assert.ErrorIs(t, err, errs.ErrAlreadyUsed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLinkTicketLocksTicketBeforeReservation(t *testing.T) {
	gormDB, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT \* FROM "tickets" .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "event_id", "resource_id", "token", "status"}).
			AddRow(5, 1, 2, "t5", "issued"))
	mock.ExpectQuery(`SELECT \* FROM "reservations" .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := New(gormDB).LinkTicket(context.Background(), 5, 9)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
