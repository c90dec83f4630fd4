// Package credit implements the atomic credit-reservation engine: every
// balance mutation is a single SQL UPDATE carrying its own precondition in
// the WHERE clause, so concurrent reservations against the same pool
// serialize through the row lock instead of racing in application code.
package credit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/robosystems/graphcore/infrastructure/errors"
	"github.com/robosystems/graphcore/infrastructure/logging"
	"github.com/robosystems/graphcore/infrastructure/metrics"
	"github.com/robosystems/graphcore/pkg/storage/postgres"
)

// MaxBalance is the persisted numeric ceiling (§3.5): allocations and
// transfers are capped here rather than overflowing the column.
const MaxBalance = 99_999_999.99

// TransactionType classifies a CreditTransaction row.
type TransactionType string

const (
	TransactionReservation TransactionType = "reservation"
	TransactionRefund      TransactionType = "refund"
	TransactionAllocation  TransactionType = "allocation"
	TransactionConsumption TransactionType = "consumption"
	TransactionTransferOut TransactionType = "transfer_out"
	TransactionTransferIn  TransactionType = "transfer_in"
)

// ReservationStatus is stored inside a reservation transaction's metadata,
// never as its own column (§3.6).
type ReservationStatus string

const (
	StatusReserved  ReservationStatus = "reserved"
	StatusConfirmed ReservationStatus = "confirmed"
	StatusCancelled ReservationStatus = "cancelled"
	StatusExpired   ReservationStatus = "expired"
)

// Pool mirrors the credit_pools row. Two shapes share this contract: a
// per-graph pool keyed by graph_id, and a per-user-repository pool keyed by
// (user, repository_type) — both stored with an opaque string ID.
type Pool struct {
	ID                string
	Owner             string
	CurrentBalance    float64
	MonthlyAllocation float64
	ConsumedThisMonth float64
	NextAllocationAt  time.Time
	IsActive          bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Transaction mirrors a credit_transactions row.
type Transaction struct {
	ID          string
	PoolID      string
	Type        TransactionType
	Amount      float64
	Description string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// ReserveResult is returned by a successful Reserve.
type ReserveResult struct {
	ReservationID string
	OldBalance    float64
	NewBalance    float64
	ExpiresAt     time.Time
}

// Store is the credit engine's storage boundary. It embeds BaseStore for
// its transaction plumbing (WithTx/Querier) but issues raw SQL against both
// credit_pools and credit_transactions, since the generic CRUD helpers
// don't model the UPDATE...RETURNING pattern this package depends on.
type Store struct {
	base   *postgres.BaseStore
	logger *logging.Logger
	metric *metrics.Metrics
}

// NewStore constructs a credit Store over db.
func NewStore(db *sql.DB, logger *logging.Logger, metric *metrics.Metrics) *Store {
	return &Store{
		base:   postgres.NewBaseStore(db, "credit_pools"),
		logger: logger,
		metric: metric,
	}
}

// Reserve atomically debits amount from pool poolID, or fails without
// mutating anything. ttl bounds how long the reservation may remain
// unconfirmed before Confirm treats it as expired and compensates.
func (s *Store) Reserve(ctx context.Context, poolID string, amount float64, operation, reservationID string, ttl time.Duration, requestID, userID string) (*ReserveResult, error) {
	if amount <= 0 {
		return nil, errors.InvalidArgument("amount", "must be positive")
	}
	if reservationID == "" {
		reservationID = uuid.NewString()
	}
	expiresAt := time.Now().Add(ttl)

	var result ReserveResult
	err := s.base.WithTx(ctx, func(ctx context.Context) error {
		row := s.base.QueryRowContext(ctx, `
			UPDATE credit_pools
			   SET current_balance = current_balance - $1,
			       updated_at = now()
			 WHERE id = $2
			   AND current_balance >= $1
			   AND is_active = true
			RETURNING current_balance + $1, current_balance
		`, amount, poolID)

		var oldBalance, newBalance float64
		if err := row.Scan(&oldBalance, &newBalance); err != nil {
			if err == sql.ErrNoRows {
				return s.diagnoseReserveFailure(ctx, poolID, amount)
			}
			return errors.QueryFailure("reserve update", http.StatusInternalServerError, err)
		}

		metadata := map[string]any{
			"reservation_id": reservationID,
			"expires_at":     expiresAt.Format(time.RFC3339),
			"status":         string(StatusReserved),
			"operation":      operation,
		}
		if requestID != "" {
			metadata["request_id"] = requestID
		}
		if userID != "" {
			metadata["user_id"] = userID
		}
		if err := s.insertTransaction(ctx, poolID, TransactionReservation, -amount, "reservation: "+operation, metadata); err != nil {
			return err
		}

		result = ReserveResult{
			ReservationID: reservationID,
			OldBalance:    oldBalance,
			NewBalance:    newBalance,
			ExpiresAt:     expiresAt,
		}
		return nil
	})

	if s.metric != nil {
		status := "success"
		if err != nil {
			status = "failure"
		}
		s.metric.RecordCreditReservation("credit", "reserve", status)
	}
	if s.logger != nil {
		s.logger.LogCreditOperation(ctx, poolID, "reserve", amount, err)
	}
	if err != nil {
		return nil, err
	}
	if s.metric != nil {
		s.metric.SetCreditBalance("credit", poolID, result.NewBalance)
	}
	return &result, nil
}

// diagnoseReserveFailure runs after a zero-row UPDATE to decide whether the
// pool was inactive or simply underfunded, without re-attempting the debit.
func (s *Store) diagnoseReserveFailure(ctx context.Context, poolID string, amount float64) error {
	var balance float64
	var active bool
	row := s.base.QueryRowContext(ctx, `SELECT current_balance, is_active FROM credit_pools WHERE id = $1`, poolID)
	if err := row.Scan(&balance, &active); err != nil {
		if err == sql.ErrNoRows {
			return errors.NotFound("credit_pool", poolID)
		}
		return errors.QueryFailure("read pool for diagnosis", http.StatusInternalServerError, err)
	}
	if !active {
		return errors.InactivePool(poolID)
	}
	return errors.InsufficientCredits(balance, amount)
}

// Confirm finalizes a reservation: a no-op if already confirmed, a lazy
// compensating Cancel if the reservation's expires_at has passed, and
// otherwise a metadata-only rewrite — the balance is never touched again.
func (s *Store) Confirm(ctx context.Context, reservationID, operation string, finalMetadata map[string]any) error {
	expired := false
	err := s.base.WithTx(ctx, func(ctx context.Context) error {
		txn, err := s.findReservationTxn(ctx, reservationID)
		if err != nil {
			return err
		}

		switch statusOf(txn) {
		case StatusConfirmed:
			return nil
		case StatusCancelled, StatusExpired:
			return errors.ReservationNotFound(reservationID)
		}

		if expiresAt, ok := expiresAtOf(txn); ok && time.Now().After(expiresAt) {
			// Commit the compensating cancel; the expired error is returned
			// after the transaction so the refund is not rolled back.
			expired = true
			return s.cancelLocked(ctx, txn, "expired")
		}

		meta := cloneMetadata(txn.Metadata)
		for k, v := range finalMetadata {
			meta[k] = v
		}
		meta["status"] = string(StatusConfirmed)
		meta["confirmed_at"] = time.Now().Format(time.RFC3339)
		return s.rewriteTransaction(ctx, txn.ID, "confirmed: "+operation, meta)
	})
	if err == nil && expired {
		err = errors.ReservationExpired(reservationID)
	}

	if s.logger != nil {
		s.logger.LogCreditOperation(ctx, "", "confirm", 0, err)
	}
	if s.metric != nil {
		status := "success"
		if err != nil {
			status = "failure"
		}
		s.metric.RecordCreditReservation("credit", "confirm", status)
	}
	return err
}

// Cancel releases a still-reserved amount back to its pool. A cancel of an
// already-cancelled or already-expired reservation is a no-op.
func (s *Store) Cancel(ctx context.Context, reservationID, reason string) error {
	err := s.base.WithTx(ctx, func(ctx context.Context) error {
		txn, err := s.findReservationTxn(ctx, reservationID)
		if err != nil {
			return err
		}
		switch statusOf(txn) {
		case StatusCancelled, StatusExpired:
			return nil
		}
		return s.cancelLocked(ctx, txn, reason)
	})

	if s.logger != nil {
		s.logger.LogCreditOperation(ctx, "", "cancel", 0, err)
	}
	if s.metric != nil {
		status := "success"
		if err != nil {
			status = "failure"
		}
		s.metric.RecordCreditReservation("credit", "cancel", status)
	}
	return err
}

// cancelLocked performs the refund UPDATE, writes the refund transaction,
// and rewrites the original reservation's status. Must run inside the
// caller's transaction so the refund and the status flip are atomic.
func (s *Store) cancelLocked(ctx context.Context, txn *Transaction, reason string) error {
	refund := -txn.Amount // the reservation transaction stored the debit as negative

	row := s.base.QueryRowContext(ctx, `
		UPDATE credit_pools
		   SET current_balance = current_balance + $1,
		       updated_at = now()
		 WHERE id = $2
		RETURNING current_balance - $1, current_balance
	`, refund, txn.PoolID)

	var oldBalance, newBalance float64
	if err := row.Scan(&oldBalance, &newBalance); err != nil {
		return errors.QueryFailure("refund update", http.StatusInternalServerError, err)
	}

	refundMeta := map[string]any{
		"reservation_id":          txn.Metadata["reservation_id"],
		"reason":                  reason,
		"original_transaction_id": txn.ID,
	}
	if err := s.insertTransaction(ctx, txn.PoolID, TransactionRefund, refund, "refund: "+reason, refundMeta); err != nil {
		return err
	}

	meta := cloneMetadata(txn.Metadata)
	status := StatusCancelled
	if reason == "expired" {
		status = StatusExpired
	}
	meta["status"] = string(status)
	return s.rewriteMetadataOnly(ctx, txn.ID, meta)
}

// AllocateMonthly replaces current_balance with monthly_allocation (capped
// at MaxBalance), resets consumed_this_month, and advances the 30-day
// window. There is no rollover for the core plans.
func (s *Store) AllocateMonthly(ctx context.Context, poolID string) error {
	err := s.base.WithTx(ctx, func(ctx context.Context) error {
		row := s.base.QueryRowContext(ctx, `
			UPDATE credit_pools
			   SET current_balance = LEAST(monthly_allocation, $1),
			       consumed_this_month = 0,
			       next_allocation_at = next_allocation_at + interval '30 days',
			       updated_at = now()
			 WHERE id = $2
			   AND is_active = true
			RETURNING current_balance
		`, MaxBalance, poolID)

		var newBalance float64
		if err := row.Scan(&newBalance); err != nil {
			if err == sql.ErrNoRows {
				return errors.NotFound("credit_pool", poolID)
			}
			return errors.QueryFailure("allocate_monthly update", http.StatusInternalServerError, err)
		}

		metadata := map[string]any{"allocated_at": time.Now().Format(time.RFC3339)}
		if err := s.insertTransaction(ctx, poolID, TransactionAllocation, newBalance, "monthly allocation", metadata); err != nil {
			return err
		}
		if s.metric != nil {
			s.metric.SetCreditBalance("credit", poolID, newBalance)
		}
		return nil
	})

	if s.logger != nil {
		s.logger.LogCreditOperation(ctx, poolID, "allocate_monthly", 0, err)
	}
	return err
}

// Transfer moves amount from one pool to another as a single transaction,
// debiting fromPoolID under the same balance precondition as Reserve and
// crediting toPoolID (which must be active; its balance is capped at
// MaxBalance), writing one transaction row on each side so each pool's
// ledger is independently auditable.
func (s *Store) Transfer(ctx context.Context, fromPoolID, toPoolID string, amount float64, reason string) error {
	if amount <= 0 {
		return errors.InvalidArgument("amount", "must be positive")
	}
	err := s.base.WithTx(ctx, func(ctx context.Context) error {
		debitRow := s.base.QueryRowContext(ctx, `
			UPDATE credit_pools
			   SET current_balance = current_balance - $1, updated_at = now()
			 WHERE id = $2 AND current_balance >= $1 AND is_active = true
			RETURNING current_balance
		`, amount, fromPoolID)
		var fromBalance float64
		if err := debitRow.Scan(&fromBalance); err != nil {
			if err == sql.ErrNoRows {
				return s.diagnoseReserveFailure(ctx, fromPoolID, amount)
			}
			return errors.QueryFailure("transfer debit", http.StatusInternalServerError, err)
		}

		creditRow := s.base.QueryRowContext(ctx, `
			UPDATE credit_pools
			   SET current_balance = LEAST($1, current_balance + $2), updated_at = now()
			 WHERE id = $3 AND is_active = true
			RETURNING current_balance
		`, MaxBalance, amount, toPoolID)
		var toBalance float64
		if err := creditRow.Scan(&toBalance); err != nil {
			if err == sql.ErrNoRows {
				return errors.NotFound("credit_pool", toPoolID)
			}
			return errors.QueryFailure("transfer credit", http.StatusInternalServerError, err)
		}

		meta := map[string]any{"counterparty": toPoolID, "reason": reason}
		if err := s.insertTransaction(ctx, fromPoolID, TransactionTransferOut, -amount, "transfer out: "+reason, meta); err != nil {
			return err
		}
		meta = map[string]any{"counterparty": fromPoolID, "reason": reason}
		return s.insertTransaction(ctx, toPoolID, TransactionTransferIn, amount, "transfer in: "+reason, meta)
	})

	if s.logger != nil {
		s.logger.LogCreditOperation(ctx, fromPoolID, "transfer", amount, err)
	}
	return err
}

// ConsumeStorage debits poolID for ongoing storage usage. Unlike Reserve,
// it has no balance precondition: storage consumption is allowed to drive a
// pool negative (§3.5), since it is billed independent of the tenant's
// in-flight queries.
func (s *Store) ConsumeStorage(ctx context.Context, poolID string, amount float64) error {
	if amount <= 0 {
		return errors.InvalidArgument("amount", "must be positive")
	}
	err := s.base.WithTx(ctx, func(ctx context.Context) error {
		row := s.base.QueryRowContext(ctx, `
			UPDATE credit_pools
			   SET current_balance = current_balance - $1,
			       consumed_this_month = consumed_this_month + $1,
			       updated_at = now()
			 WHERE id = $2
			RETURNING current_balance
		`, amount, poolID)
		var newBalance float64
		if err := row.Scan(&newBalance); err != nil {
			if err == sql.ErrNoRows {
				return errors.NotFound("credit_pool", poolID)
			}
			return errors.QueryFailure("consume_storage update", http.StatusInternalServerError, err)
		}
		if s.metric != nil {
			s.metric.SetCreditBalance("credit", poolID, newBalance)
		}
		return s.insertTransaction(ctx, poolID, TransactionConsumption, -amount, "storage consumption", map[string]any{})
	})

	if s.logger != nil {
		s.logger.LogCreditOperation(ctx, poolID, "consume_storage", amount, err)
	}
	return err
}

// ListTransactions returns a pool's ledger, most recent first.
func (s *Store) ListTransactions(ctx context.Context, poolID string, limit, offset int) ([]*Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query, args := postgres.NewSelectBuilder("credit_transactions").
		Columns("id", "pool_id", "type", "amount", "description", "metadata", "created_at").
		WhereEq("pool_id", poolID).
		OrderBy("created_at", true).
		Limit(limit).
		Offset(offset).
		Build()

	rows, err := s.base.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.QueryFailure("list transactions", http.StatusInternalServerError, err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, errors.QueryFailure("scan transaction", http.StatusInternalServerError, err)
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

// --- internal helpers ---

func (s *Store) insertTransaction(ctx context.Context, poolID string, typ TransactionType, amount float64, description string, metadata map[string]any) error {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal transaction metadata: %w", err)
	}
	_, err = s.base.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, pool_id, type, amount, description, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, uuid.NewString(), poolID, string(typ), amount, description, raw)
	if err != nil {
		return errors.QueryFailure("insert transaction", http.StatusInternalServerError, err)
	}
	return nil
}

// findReservationTxn locates the CreditTransaction whose metadata carries
// reservation_id = reservationID. Reservations are not their own table
// (§3.6): they are a JSON-tagged shape of a regular transaction row.
func (s *Store) findReservationTxn(ctx context.Context, reservationID string) (*Transaction, error) {
	row := s.base.QueryRowContext(ctx, `
		SELECT id, pool_id, type, amount, description, metadata, created_at
		  FROM credit_transactions
		 WHERE metadata->>'reservation_id' = $1
		   AND type = $2
		 ORDER BY created_at DESC
		 LIMIT 1
	`, reservationID, string(TransactionReservation))

	txn, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, errors.ReservationNotFound(reservationID)
	}
	if err != nil {
		return nil, errors.QueryFailure("find reservation", http.StatusInternalServerError, err)
	}
	return txn, nil
}

// rewriteTransaction updates metadata, description, and created_at to now,
// matching the confirm audit-visibility rule in §4.7.
func (s *Store) rewriteTransaction(ctx context.Context, txnID, description string, metadata map[string]any) error {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal transaction metadata: %w", err)
	}
	_, err = s.base.ExecContext(ctx, `
		UPDATE credit_transactions
		   SET metadata = $1, description = $2, created_at = now()
		 WHERE id = $3
	`, raw, description, txnID)
	if err != nil {
		return errors.QueryFailure("rewrite transaction", http.StatusInternalServerError, err)
	}
	return nil
}

func (s *Store) rewriteMetadataOnly(ctx context.Context, txnID string, metadata map[string]any) error {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal transaction metadata: %w", err)
	}
	_, err = s.base.ExecContext(ctx, `UPDATE credit_transactions SET metadata = $1 WHERE id = $2`, raw, txnID)
	if err != nil {
		return errors.QueryFailure("rewrite metadata", http.StatusInternalServerError, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var txn Transaction
	var typ string
	var rawMetadata []byte
	if err := row.Scan(&txn.ID, &txn.PoolID, &typ, &txn.Amount, &txn.Description, &rawMetadata, &txn.CreatedAt); err != nil {
		return nil, err
	}
	txn.Type = TransactionType(typ)
	if len(rawMetadata) > 0 {
		if err := json.Unmarshal(rawMetadata, &txn.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal transaction metadata: %w", err)
		}
	}
	if txn.Metadata == nil {
		txn.Metadata = map[string]any{}
	}
	return &txn, nil
}

func statusOf(txn *Transaction) ReservationStatus {
	s, _ := txn.Metadata["status"].(string)
	return ReservationStatus(s)
}

func expiresAtOf(txn *Transaction) (time.Time, bool) {
	raw, ok := txn.Metadata["expires_at"].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func cloneMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
