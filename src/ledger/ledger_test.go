package ledger

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"maguey/src/db/dbtest"
	"maguey/src/errs"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type LedgerSuite struct {
	suite.Suite
	ctx    context.Context
	ledger *Ledger
	db     *gorm.DB
}

func (s *LedgerSuite) SetupTest() {
	s.ctx = context.Background()
	s.db = dbtest.Open(s.T())
	s.ledger = New(s.db)
}

func (s *LedgerSuite) TestReserveWithinCapacity() {
	require.NoError(s.T(), s.ledger.Provision(s.ctx, 1, 4))

	ok, err := s.ledger.TryReserve(s.ctx, 1, 3, "h1")
	require.NoError(s.T(), err)
	assert.True(s.T(), ok)

	ok, err = s.ledger.TryReserve(s.ctx, 1, 2, "h2")
	require.NoError(s.T(), err)
	assert.False(s.T(), ok)

	e, err := s.ledger.Available(s.ctx, 1)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(3), e.Reserved)
	assert.Equal(s.T(), int64(1), e.Available())
}

func (s *LedgerSuite) TestReserveUnknownResource() {
	_, err := s.ledger.TryReserve(s.ctx, 99, 1, "h1")
	assert.ErrorIs(s.T(), err, errs.ErrNotFound)
}

func (s *LedgerSuite) TestReleaseIsIdempotent() {
	require.NoError(s.T(), s.ledger.Provision(s.ctx, 1, 4))
	_, err := s.ledger.TryReserve(s.ctx, 1, 2, "h1")
	require.NoError(s.T(), err)

	require.NoError(s.T(), s.ledger.Release(s.ctx, 1, 2, "h1"))
	require.NoError(s.T(), s.ledger.Release(s.ctx, 1, 2, "h1"))

	e, err := s.ledger.Available(s.ctx, 1)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(0), e.Reserved)
}

func (s *LedgerSuite) TestOverRelease() {
	require.NoError(s.T(), s.ledger.Provision(s.ctx, 1, 4))
	_, err := s.ledger.TryReserve(s.ctx, 1, 2, "h1")
	require.NoError(s.T(), err)

	assert.ErrorIs(s.T(), s.ledger.Release(s.ctx, 1, 3, "h1"), errs.ErrOverRelease)
	assert.ErrorIs(s.T(), s.ledger.Release(s.ctx, 1, 1, "missing"), errs.ErrNotFound)
}

func (s *LedgerSuite) TestDuplicateRefRollsBack() {
	require.NoError(s.T(), s.ledger.Provision(s.ctx, 1, 10))
	_, err := s.ledger.TryReserve(s.ctx, 1, 2, "h1")
	require.NoError(s.T(), err)

	_, err = s.ledger.TryReserve(s.ctx, 1, 2, "h1")
	assert.ErrorIs(s.T(), err, errs.ErrValidation)

	e, _ := s.ledger.Available(s.ctx, 1)
	assert.Equal(s.T(), int64(2), e.Reserved)
}

func (s *LedgerSuite) TestProvisionCannotShrinkBelowReserved() {
	require.NoError(s.T(), s.ledger.Provision(s.ctx, 1, 5))
	_, err := s.ledger.TryReserve(s.ctx, 1, 4, "h1")
	require.NoError(s.T(), err)

	assert.ErrorIs(s.T(), s.ledger.Provision(s.ctx, 1, 3), errs.ErrValidation)
	assert.NoError(s.T(), s.ledger.Provision(s.ctx, 1, 8))

	e, _ := s.ledger.Available(s.ctx, 1)
	assert.Equal(s.T(), int64(8), e.Capacity)
}

func (s *LedgerSuite) TestWithTxRollsBackWithCaller() {
	require.NoError(s.T(), s.ledger.Provision(s.ctx, 1, 5))

	err := s.db.Transaction(func(tx *gorm.DB) error {
		ok, err := s.ledger.WithTx(tx).TryReserve(s.ctx, 1, 5, "h1")
		if err != nil {
			return err
		}
		assert.True(s.T(), ok)
		return fmt.Errorf("downstream write failed")
	})
	require.Error(s.T(), err)

	e, _ := s.ledger.Available(s.ctx, 1)
	assert.Equal(s.T(), int64(0), e.Reserved)
}

// Scenario D: 50 concurrent single-seat requests against 10 seats.
func (s *LedgerSuite) TestConcurrentReserveNeverOversells() {
	require.NoError(s.T(), s.ledger.Provision(s.ctx, 1, 10))

	var granted int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.ledger.TryReserve(s.ctx, 1, 1, fmt.Sprintf("h%d", i))
			if err != nil {
				log.Printf("reserve %d: %s\n", i, err.Error())
				return
			}
			if ok {
				atomic.AddInt64(&granted, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(s.T(), int64(10), granted)
	e, err := s.ledger.Available(s.ctx, 1)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(10), e.Reserved)
}

func (s *LedgerSuite) TestConcurrentMixedQuantities() {
	require.NoError(s.T(), s.ledger.Provision(s.ctx, 1, 25))

	var sum int64
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		qty := int64(rand.Intn(4) + 1)
		wg.Add(1)
		go func(i int, qty int64) {
			defer wg.Done()
			ok, err := s.ledger.TryReserve(s.ctx, 1, qty, fmt.Sprintf("m%d", i))
			if err == nil && ok {
				atomic.AddInt64(&sum, qty)
			}
		}(i, qty)
	}
	wg.Wait()

	e, err := s.ledger.Available(s.ctx, 1)
	require.NoError(s.T(), err)
	assert.LessOrEqual(s.T(), e.Reserved, int64(25))
	assert.Equal(s.T(), sum, e.Reserved)
}

func TestLedgerSuite(t *testing.T) {
	suite.Run(t, new(LedgerSuite))
}

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: conn}), &gorm.Config{})
	require.NoError(t, err)
	return gormDB, mock
}

func TestTryReserveIsOneConditionalUpdate(t *testing.T) {
	gormDB, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE "capacity_ledgers" SET "reserved"=reserved \+ \$1.*WHERE resource_id = \$\d+ AND reserved \+ \$\d+ <= capacity`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO "capacity_holds"`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	ok, err := New(gormDB).TryReserve(context.Background(), 7, 2, "h1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTryReserveRejectedWritesNoHold(t *testing.T) {
	gormDB, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE "capacity_ledgers"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT count\(\*\) FROM "capacity_ledgers"`).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectCommit()

	ok, err := New(gormDB).TryReserve(context.Background(), 7, 2, "h1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
