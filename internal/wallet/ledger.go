package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"OrderWallet/internal/models"
	"OrderWallet/internal/store"
)

var (
	ErrMissingOwner  = errors.New("wallet owner is required")
	ErrInvalidAmount = errors.New("credit amount must be positive")
	ErrInvalidType   = errors.New("unknown wallet transaction type")
)

// Store is the persistence the ledger needs. InsertCredit must insert the
// transaction and increment the balance atomically, and return the existing
// completed transaction with inserted=false on a reference collision.
type Store interface {
	InsertCredit(ctx context.Context, tx *models.WalletTransaction) (models.WalletTransaction, bool, error)
	GetAccount(ctx context.Context, ownerID string) (*models.WalletAccount, error)
	SumCompleted(ctx context.Context, ownerID string) (decimal.Decimal, error)
	ListTransactions(ctx context.Context, ownerID string, limit int) ([]models.WalletTransaction, error)
}

// LedgerWriteError reports a storage failure; nothing was written.
type LedgerWriteError struct {
	Op  string
	Err error
}

func (e *LedgerWriteError) Error() string {
	return fmt.Sprintf("wallet %s: %v", e.Op, e.Err)
}

func (e *LedgerWriteError) Unwrap() error {
	return e.Err
}

type CreditRequest struct {
	OwnerID     string
	Amount      decimal.Decimal
	Type        models.TransactionType
	Reference   string
	Description string
	Currency    string
	Metadata    models.TransactionMetadata
}

type CreditResult struct {
	Transaction models.WalletTransaction
	// Duplicate is set when a completed transaction with the same owner, type
	// and reference already existed and was returned unchanged.
	Duplicate bool
}

type Consistency struct {
	OwnerID    string
	Balance    decimal.Decimal
	Sum        decimal.Decimal
	Consistent bool
}

type Ledger struct {
	store  Store
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewLedger(s Store, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:  s,
		logger: logger,
		tracer: otel.Tracer("OrderWallet/internal/wallet"),
		now:    time.Now,
	}
}

func (l *Ledger) Credit(ctx context.Context, req CreditRequest) (CreditResult, error) {
	ctx, span := l.tracer.Start(ctx, "wallet.credit", trace.WithAttributes(
		attribute.String("wallet.owner_id", req.OwnerID),
		attribute.String("wallet.type", string(req.Type)),
		attribute.String("wallet.reference", req.Reference),
	))
	defer span.End()

	if strings.TrimSpace(req.OwnerID) == "" {
		return CreditResult{}, ErrMissingOwner
	}
	if !req.Amount.IsPositive() {
		return CreditResult{}, ErrInvalidAmount
	}
	if !req.Type.Valid() {
		return CreditResult{}, ErrInvalidType
	}

	tx := &models.WalletTransaction{
		ID:          uuid.New(),
		OwnerID:     req.OwnerID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Type:        req.Type,
		Status:      models.TxCompleted,
		Description: req.Description,
		Metadata:    req.Metadata,
		CreatedAt:   l.now().UTC(),
	}
	if req.Reference != "" {
		ref := req.Reference
		tx.Reference = &ref
	}

	stored, inserted, err := l.store.InsertCredit(ctx, tx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert credit")
		return CreditResult{}, &LedgerWriteError{Op: "credit", Err: err}
	}
	span.SetAttributes(
		attribute.String("wallet.transaction_id", stored.ID.String()),
		attribute.Bool("wallet.duplicate", !inserted),
	)
	if !inserted {
		l.logger.Info("wallet credit deduplicated",
			zap.String("owner_id", req.OwnerID),
			zap.String("reference", req.Reference),
			zap.String("transaction_id", stored.ID.String()),
		)
	}
	return CreditResult{Transaction: stored, Duplicate: !inserted}, nil
}

// Balance returns the materialized balance; an owner without an account has zero.
func (l *Ledger) Balance(ctx context.Context, ownerID string) (decimal.Decimal, error) {
	acct, err := l.store.GetAccount(ctx, ownerID)
	if errors.Is(err, store.ErrAccountNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Balance, nil
}

// Verify compares the materialized balance with the sum of completed transactions.
func (l *Ledger) Verify(ctx context.Context, ownerID string) (Consistency, error) {
	balance, err := l.Balance(ctx, ownerID)
	if err != nil {
		return Consistency{}, err
	}
	sum, err := l.store.SumCompleted(ctx, ownerID)
	if err != nil {
		return Consistency{}, err
	}
	out := Consistency{OwnerID: ownerID, Balance: balance, Sum: sum, Consistent: balance.Equal(sum)}
	if !out.Consistent {
		l.logger.Error("wallet balance drift",
			zap.String("owner_id", ownerID),
			zap.String("balance", balance.String()),
			zap.String("sum", sum.String()),
		)
	}
	return out, nil
}

func (l *Ledger) Transactions(ctx context.Context, ownerID string, limit int) ([]models.WalletTransaction, error) {
	return l.store.ListTransactions(ctx, ownerID, limit)
}
