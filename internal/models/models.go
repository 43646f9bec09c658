package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderCompleted  OrderStatus = "completed"
	OrderCancelled  OrderStatus = "cancelled"
	OrderRefunded   OrderStatus = "refunded"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderProcessing, OrderCompleted, OrderCancelled, OrderRefunded:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentPaid, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

// OrderMetadata is the persisted metadata document of an order. The refund
// fields form the idempotency marker written by the refund coordinator.
type OrderMetadata struct {
	RefundProcessed     bool             `json:"refund_processed"`
	RefundTransactionID *uuid.UUID       `json:"refund_transaction_id,omitempty"`
	RefundAmount        *decimal.Decimal `json:"refund_amount,omitempty"`
	RefundProcessedAt   *time.Time       `json:"refund_processed_at,omitempty"`
	RefundLastError     *string          `json:"refund_last_error,omitempty"`
	RefundLastAttemptAt *time.Time       `json:"refund_last_attempt_at,omitempty"`
}

// RefundMarker is the set of fields flipped once a refund has been credited.
type RefundMarker struct {
	TransactionID uuid.UUID
	Amount        decimal.Decimal
	ProcessedAt   time.Time
}

func (m *OrderMetadata) ApplyMarker(marker RefundMarker) {
	txID := marker.TransactionID
	amount := marker.Amount
	at := marker.ProcessedAt
	m.RefundProcessed = true
	m.RefundTransactionID = &txID
	m.RefundAmount = &amount
	m.RefundProcessedAt = &at
	m.RefundLastError = nil
}

type Order struct {
	ID             uuid.UUID
	OrderNumber    string
	UserID         string
	Status         OrderStatus
	PreviousStatus *OrderStatus
	PaymentStatus  PaymentStatus
	Totals         Totals
	Currency       string
	Metadata       OrderMetadata
	PaidAt         *time.Time
	CompletedAt    *time.Time
	CancelledAt    *time.Time
	RefundedAt     *time.Time
	DeletedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EverPaid reports whether the order's payment status reached paid at some point.
func (o *Order) EverPaid() bool {
	return o.PaidAt != nil
}

type WalletAccount struct {
	OwnerID   string
	Balance   decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

type TransactionType string

const (
	TxDeposit    TransactionType = "deposit"
	TxWithdrawal TransactionType = "withdrawal"
	TxTransfer   TransactionType = "transfer"
	TxRefund     TransactionType = "refund"
	TxCharge     TransactionType = "charge"
	TxAdjustment TransactionType = "adjustment"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TxDeposit, TxWithdrawal, TxTransfer, TxRefund, TxCharge, TxAdjustment:
		return true
	}
	return false
}

type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
	TxCancelled TransactionStatus = "cancelled"
)

type TransactionMetadata struct {
	OrderID string `json:"order_id,omitempty"`
}

type WalletTransaction struct {
	ID          uuid.UUID
	OwnerID     string
	Amount      decimal.Decimal
	Currency    string
	Type        TransactionType
	Status      TransactionStatus
	Description string
	Reference   *string
	Metadata    TransactionMetadata
	CreatedAt   time.Time
}
