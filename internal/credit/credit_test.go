package credit

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/robosystems/graphcore/infrastructure/errors"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db, nil, nil), mock
}

func TestReserveSuccess(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE credit_pools")).
		WithArgs(60.0, "pool-1").
		WillReturnRows(sqlmock.NewRows([]string{"old_balance", "new_balance"}).AddRow(100.0, 40.0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO credit_transactions")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	result, err := s.Reserve(ctx, "pool-1", 60, "query", "res-1", time.Minute, "", "")
	require.NoError(t, err)
	require.Equal(t, 100.0, result.OldBalance)
	require.Equal(t, 40.0, result.NewBalance)
	require.Equal(t, "res-1", result.ReservationID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveInsufficientCredits(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE credit_pools")).
		WithArgs(60.0, "pool-1").
		WillReturnRows(sqlmock.NewRows([]string{"old_balance", "new_balance"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT current_balance, is_active")).
		WithArgs("pool-1").
		WillReturnRows(sqlmock.NewRows([]string{"current_balance", "is_active"}).AddRow(10.0, true))
	mock.ExpectRollback()

	_, err := s.Reserve(ctx, "pool-1", 60, "query", "res-2", time.Minute, "", "")
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.ErrCodeInsufficientCredits))
	se := errors.GetServiceError(err)
	require.Equal(t, 10.0, se.Details["available"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveInactivePool(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE credit_pools")).
		WithArgs(10.0, "pool-2").
		WillReturnRows(sqlmock.NewRows([]string{"old_balance", "new_balance"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT current_balance, is_active")).
		WithArgs("pool-2").
		WillReturnRows(sqlmock.NewRows([]string{"current_balance", "is_active"}).AddRow(500.0, false))
	mock.ExpectRollback()

	_, err := s.Reserve(ctx, "pool-2", 10, "query", "res-3", time.Minute, "", "")
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.ErrCodeInactivePool))
}

func TestReserveRejectsNonPositiveAmount(t *testing.T) {
	s, _ := newMockStore(t)
	_, err := s.Reserve(context.Background(), "pool-1", 0, "query", "res-4", time.Minute, "", "")
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.ErrCodeInvalidArgument))
}

func TestConfirmAlreadyConfirmedIsNoOp(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	metadata := []byte(`{"reservation_id":"res-5","status":"confirmed","expires_at":"2030-01-01T00:00:00Z"}`)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, pool_id, type, amount, description, metadata, created_at")).
		WithArgs("res-5", string(TransactionReservation)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "pool_id", "type", "amount", "description", "metadata", "created_at"}).
			AddRow("txn-1", "pool-1", string(TransactionReservation), -60.0, "reservation: query", metadata, time.Now()))
	mock.ExpectCommit()

	err := s.Confirm(ctx, "res-5", "query", nil)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmExpiredTriggersCompensatingCancel(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	metadata := []byte(`{"reservation_id":"res-6","status":"reserved","expires_at":"2000-01-01T00:00:00Z"}`)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, pool_id, type, amount, description, metadata, created_at")).
		WithArgs("res-6", string(TransactionReservation)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "pool_id", "type", "amount", "description", "metadata", "created_at"}).
			AddRow("txn-2", "pool-1", string(TransactionReservation), -60.0, "reservation: query", metadata, time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE credit_pools")).
		WillReturnRows(sqlmock.NewRows([]string{"old_balance", "new_balance"}).AddRow(40.0, 100.0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO credit_transactions")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE credit_transactions")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Confirm(ctx, "res-6", "query", nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.ErrCodeReservationExpired))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelWritesRefundAndFlipsStatus(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	metadata := []byte(`{"reservation_id":"res-7","status":"reserved","expires_at":"2030-01-01T00:00:00Z"}`)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, pool_id, type, amount, description, metadata, created_at")).
		WithArgs("res-7", string(TransactionReservation)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "pool_id", "type", "amount", "description", "metadata", "created_at"}).
			AddRow("txn-3", "pool-1", string(TransactionReservation), -60.0, "reservation: query", metadata, time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE credit_pools")).
		WillReturnRows(sqlmock.NewRows([]string{"old_balance", "new_balance"}).AddRow(40.0, 100.0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO credit_transactions")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE credit_transactions")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Cancel(ctx, "res-7", "user requested")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestReserveExhaustsAtFloorBoundary pins down the floor(B/A) property: a
// pool funded with 100 credits and repeated reservations of 30 each must
// succeed exactly 3 times before the 4th hits insufficient credits, since
// each UPDATE carries its own balance precondition and nothing rounds up.
func TestReserveExhaustsAtFloorBoundary(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	const balance = 100.0
	const amount = 30.0
	remaining := balance

	for i := 0; i < 3; i++ {
		old := remaining
		remaining -= amount
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("UPDATE credit_pools")).
			WithArgs(amount, "pool-exhaust").
			WillReturnRows(sqlmock.NewRows([]string{"old_balance", "new_balance"}).AddRow(old, remaining))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO credit_transactions")).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		res, err := s.Reserve(ctx, "pool-exhaust", amount, "query", fmt.Sprintf("res-exhaust-%d", i), time.Minute, "", "")
		require.NoErrorf(t, err, "reservation %d should succeed with %v remaining", i, old)
		require.Equal(t, remaining, res.NewBalance)
	}

	// The 4th reservation finds current_balance (10) < amount (30): the
	// UPDATE matches zero rows and Reserve falls back to diagnosing why.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE credit_pools")).
		WithArgs(amount, "pool-exhaust").
		WillReturnRows(sqlmock.NewRows([]string{"old_balance", "new_balance"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT current_balance, is_active")).
		WithArgs("pool-exhaust").
		WillReturnRows(sqlmock.NewRows([]string{"current_balance", "is_active"}).AddRow(remaining, true))
	mock.ExpectRollback()

	_, err := s.Reserve(ctx, "pool-exhaust", amount, "query", "res-exhaust-3", time.Minute, "", "")
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.ErrCodeInsufficientCredits))
	require.Equal(t, 10.0, remaining)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListTransactionsBuildsOrderedPaginatedQuery(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	metadata := []byte(`{}`)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, pool_id, type, amount, description, metadata, created_at FROM credit_transactions WHERE pool_id = $1 ORDER BY created_at DESC LIMIT 2")).
		WithArgs("pool-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "pool_id", "type", "amount", "description", "metadata", "created_at"}).
			AddRow("txn-a", "pool-1", string(TransactionReservation), -10.0, "reservation: query", metadata, time.Now()).
			AddRow("txn-b", "pool-1", string(TransactionRefund), 10.0, "refund: cancel", metadata, time.Now()))

	txns, err := s.ListTransactions(ctx, "pool-1", 2, 0)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	require.Equal(t, "txn-a", txns[0].ID)
	require.Equal(t, "txn-b", txns[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeStorageHasNoBalancePrecondition(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE credit_pools")).
		WithArgs(25.0, "pool-1").
		WillReturnRows(sqlmock.NewRows([]string{"current_balance"}).AddRow(-15.0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO credit_transactions")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.ConsumeStorage(ctx, "pool-1", 25)
	require.NoError(t, err)
}
