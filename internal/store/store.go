package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"OrderWallet/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.Pool
}

// RunInTx runs fn inside one database transaction. Store calls made with the
// context passed to fn join that transaction; nested calls reuse it.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

const orderColumns = `
	id, order_number, user_id, status, previous_status, payment_status,
	subtotal, tax, shipping_cost, discount, total, currency, metadata,
	paid_at, completed_at, cancelled_at, refunded_at, deleted_at,
	created_at, updated_at`

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	if order == nil {
		return errNilOrder
	}
	meta, err := json.Marshal(order.Metadata)
	if err != nil {
		return err
	}
	_, err = s.q(ctx).Exec(ctx, `
		INSERT INTO orders (
			id, order_number, user_id, status, previous_status, payment_status,
			subtotal, tax, shipping_cost, discount, total, currency, metadata,
			paid_at, completed_at, cancelled_at, refunded_at,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`,
		order.ID,
		order.OrderNumber,
		order.UserID,
		order.Status,
		statusPtr(order.PreviousStatus),
		order.PaymentStatus,
		order.Totals.Subtotal,
		order.Totals.Tax,
		order.Totals.ShippingCost,
		order.Totals.Discount,
		order.Totals.Total,
		order.Currency,
		meta,
		order.PaidAt,
		order.CompletedAt,
		order.CancelledAt,
		order.RefundedAt,
		order.CreatedAt,
		order.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicateOrder
	}
	return err
}

func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	row := s.q(ctx).QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id)
	return scanOrder(row)
}

// GetOrderForUpdate reads the order and, inside RunInTx, holds its row lock
// until the transaction ends.
func (s *Store) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	row := s.q(ctx).QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1 FOR UPDATE`, id)
	return scanOrder(row)
}

func (s *Store) GetOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	row := s.q(ctx).QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders WHERE order_number=$1 AND deleted_at IS NULL
	`, orderNumber)
	return scanOrder(row)
}

// UpdateOrderState persists status, payment status and their timestamps if
// the row still carries the expected pair.
func (s *Store) UpdateOrderState(ctx context.Context, order *models.Order, expectedStatus models.OrderStatus, expectedPayment models.PaymentStatus) error {
	if order == nil {
		return errNilOrder
	}
	res, err := s.q(ctx).Exec(ctx, `
		UPDATE orders
		SET status=$2, previous_status=$3, payment_status=$4,
			paid_at=$5, completed_at=$6, cancelled_at=$7, refunded_at=$8,
			updated_at=$9
		WHERE id=$1 AND status=$10 AND payment_status=$11 AND deleted_at IS NULL
	`,
		order.ID,
		order.Status,
		statusPtr(order.PreviousStatus),
		order.PaymentStatus,
		order.PaidAt,
		order.CompletedAt,
		order.CancelledAt,
		order.RefundedAt,
		order.UpdatedAt,
		expectedStatus,
		expectedPayment,
	)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

// SetRefundMarker flips refund_processed from false to true. It reports false
// when the marker was already set.
func (s *Store) SetRefundMarker(ctx context.Context, orderID uuid.UUID, marker models.RefundMarker) (bool, error) {
	res, err := s.q(ctx).Exec(ctx, `
		UPDATE orders
		SET metadata = (metadata - 'refund_last_error') || jsonb_build_object(
				'refund_processed', true,
				'refund_transaction_id', $2::text,
				'refund_amount', $3::numeric,
				'refund_processed_at', $4::timestamptz
			),
			updated_at = now()
		WHERE id=$1 AND COALESCE((metadata->>'refund_processed')::boolean, false) = false
	`, orderID, marker.TransactionID.String(), marker.Amount, marker.ProcessedAt.UTC())
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) RecordRefundFailure(ctx context.Context, orderID uuid.UUID, reason string, at time.Time) error {
	_, err := s.q(ctx).Exec(ctx, `
		UPDATE orders
		SET metadata = metadata || jsonb_build_object(
				'refund_last_error', $2::text,
				'refund_last_attempt_at', $3::timestamptz
			)
		WHERE id=$1 AND COALESCE((metadata->>'refund_processed')::boolean, false) = false
	`, orderID, reason, at.UTC())
	return err
}

// ListRefundCandidates returns paid, refunded, not yet reconciled orders with
// a positive total, oldest first.
func (s *Store) ListRefundCandidates(ctx context.Context, limit int) ([]*models.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q(ctx).Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status='refunded'
			AND paid_at IS NOT NULL
			AND deleted_at IS NULL
			AND total > 0
			AND COALESCE((metadata->>'refund_processed')::boolean, false) = false
		ORDER BY updated_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// InsertCredit appends a completed credit and increments the owner's balance
// in one transaction. An existing completed transaction with the same
// (owner, type, reference) is returned with inserted=false.
func (s *Store) InsertCredit(ctx context.Context, tx *models.WalletTransaction) (models.WalletTransaction, bool, error) {
	if tx == nil {
		return models.WalletTransaction{}, false, errNilTransaction
	}
	var out models.WalletTransaction
	var inserted bool
	err := s.RunInTx(ctx, func(ctx context.Context) error {
		q := s.q(ctx)
		if _, err := q.Exec(ctx, `
			INSERT INTO wallet_accounts (owner_id, balance) VALUES ($1, 0)
			ON CONFLICT (owner_id) DO NOTHING
		`, tx.OwnerID); err != nil {
			return err
		}

		meta, err := json.Marshal(tx.Metadata)
		if err != nil {
			return err
		}
		var id uuid.UUID
		err = q.QueryRow(ctx, `
			INSERT INTO wallet_transactions (
				id, owner_id, amount, currency, type, status,
				description, reference, metadata, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (owner_id, type, reference) WHERE reference IS NOT NULL DO NOTHING
			RETURNING id
		`,
			tx.ID,
			tx.OwnerID,
			tx.Amount,
			tx.Currency,
			tx.Type,
			tx.Status,
			tx.Description,
			tx.Reference,
			meta,
			tx.CreatedAt,
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			if tx.Reference == nil {
				return errMissingTransaction
			}
			existing, err := s.findByReference(ctx, tx.OwnerID, tx.Type, *tx.Reference)
			if err != nil {
				return err
			}
			if existing.Status != models.TxCompleted {
				return ErrReferenceConflict
			}
			out = *existing
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := q.Exec(ctx, `
			UPDATE wallet_accounts SET balance = balance + $2, updated_at = now()
			WHERE owner_id=$1
		`, tx.OwnerID, tx.Amount); err != nil {
			return err
		}
		out = *tx
		inserted = true
		return nil
	})
	if err != nil {
		return models.WalletTransaction{}, false, err
	}
	return out, inserted, nil
}

func (s *Store) findByReference(ctx context.Context, ownerID string, typ models.TransactionType, reference string) (*models.WalletTransaction, error) {
	row := s.q(ctx).QueryRow(ctx, `
		SELECT id, owner_id, amount, currency, type, status, description, reference, metadata, created_at
		FROM wallet_transactions
		WHERE owner_id=$1 AND type=$2 AND reference=$3
	`, ownerID, typ, reference)
	return scanTransaction(row)
}

func (s *Store) GetAccount(ctx context.Context, ownerID string) (*models.WalletAccount, error) {
	var acct models.WalletAccount
	err := s.q(ctx).QueryRow(ctx, `
		SELECT owner_id, balance, created_at, updated_at
		FROM wallet_accounts WHERE owner_id=$1
	`, ownerID).Scan(&acct.OwnerID, &acct.Balance, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (s *Store) SumCompleted(ctx context.Context, ownerID string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.q(ctx).QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM wallet_transactions WHERE owner_id=$1 AND status='completed'
	`, ownerID).Scan(&sum)
	return sum, err
}

func (s *Store) ListTransactions(ctx context.Context, ownerID string, limit int) ([]models.WalletTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, owner_id, amount, currency, type, status, description, reference, metadata, created_at
		FROM wallet_transactions
		WHERE owner_id=$1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WalletTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var order models.Order
	var prev sql.NullString
	var meta []byte

	err := row.Scan(
		&order.ID,
		&order.OrderNumber,
		&order.UserID,
		&order.Status,
		&prev,
		&order.PaymentStatus,
		&order.Totals.Subtotal,
		&order.Totals.Tax,
		&order.Totals.ShippingCost,
		&order.Totals.Discount,
		&order.Totals.Total,
		&order.Currency,
		&meta,
		&order.PaidAt,
		&order.CompletedAt,
		&order.CancelledAt,
		&order.RefundedAt,
		&order.DeletedAt,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if prev.Valid {
		st := models.OrderStatus(prev.String)
		order.PreviousStatus = &st
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &order.Metadata); err != nil {
			return nil, fmt.Errorf("decode order metadata: %w", err)
		}
	}
	return &order, nil
}

func scanTransaction(row pgx.Row) (*models.WalletTransaction, error) {
	var tx models.WalletTransaction
	var ref sql.NullString
	var meta []byte
	err := row.Scan(
		&tx.ID,
		&tx.OwnerID,
		&tx.Amount,
		&tx.Currency,
		&tx.Type,
		&tx.Status,
		&tx.Description,
		&ref,
		&meta,
		&tx.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if ref.Valid {
		tx.Reference = &ref.String
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &tx.Metadata); err != nil {
			return nil, fmt.Errorf("decode transaction metadata: %w", err)
		}
	}
	return &tx, nil
}

func statusPtr(s *models.OrderStatus) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}
