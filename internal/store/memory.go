package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"OrderWallet/internal/models"
)

type refKey struct {
	owner string
	typ   models.TransactionType
	ref   string
}

type memState struct {
	orders   map[uuid.UUID]models.Order
	byNumber map[string]uuid.UUID
	accounts map[string]models.WalletAccount
	txs      []models.WalletTransaction
	refs     map[refKey]int
}

func (s memState) clone() memState {
	out := memState{
		orders:   make(map[uuid.UUID]models.Order, len(s.orders)),
		byNumber: make(map[string]uuid.UUID, len(s.byNumber)),
		accounts: make(map[string]models.WalletAccount, len(s.accounts)),
		txs:      make([]models.WalletTransaction, len(s.txs)),
		refs:     make(map[refKey]int, len(s.refs)),
	}
	for k, v := range s.orders {
		out.orders[k] = v
	}
	for k, v := range s.byNumber {
		out.byNumber[k] = v
	}
	for k, v := range s.accounts {
		out.accounts[k] = v
	}
	copy(out.txs, s.txs)
	for k, v := range s.refs {
		out.refs[k] = v
	}
	return out
}

// Memory is an in-process store used by tests and the memory:// DSN. RunInTx
// serializes callers and restores a snapshot when fn fails.
type Memory struct {
	mu    sync.Mutex
	state memState
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		state: memState{
			orders:   map[uuid.UUID]models.Order{},
			byNumber: map[string]uuid.UUID{},
			accounts: map[string]models.WalletAccount{},
			refs:     map[refKey]int{},
		},
		now: time.Now,
	}
}

type memTxKey struct{}

func (m *Memory) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(memTxKey{}).(*Memory)
	return owner == m
}

func (m *Memory) lock(ctx context.Context) func() {
	if m.inTx(ctx) {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *Memory) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.inTx(ctx) {
		return fn(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(context.WithValue(ctx, memTxKey{}, m)); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (m *Memory) CreateOrder(ctx context.Context, order *models.Order) error {
	if order == nil {
		return errNilOrder
	}
	defer m.lock(ctx)()
	if _, ok := m.state.byNumber[order.OrderNumber]; ok {
		return ErrDuplicateOrder
	}
	if _, ok := m.state.orders[order.ID]; ok {
		return ErrDuplicateOrder
	}
	m.state.orders[order.ID] = *order
	m.state.byNumber[order.OrderNumber] = order.ID
	return nil
}

func (m *Memory) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	defer m.lock(ctx)()
	order, ok := m.state.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return &order, nil
}

// GetOrderForUpdate is GetOrder; RunInTx already serializes every caller.
func (m *Memory) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return m.GetOrder(ctx, id)
}

func (m *Memory) GetOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	defer m.lock(ctx)()
	id, ok := m.state.byNumber[orderNumber]
	if !ok {
		return nil, ErrOrderNotFound
	}
	order := m.state.orders[id]
	if order.DeletedAt != nil {
		return nil, ErrOrderNotFound
	}
	return &order, nil
}

func (m *Memory) UpdateOrderState(ctx context.Context, order *models.Order, expectedStatus models.OrderStatus, expectedPayment models.PaymentStatus) error {
	if order == nil {
		return errNilOrder
	}
	defer m.lock(ctx)()
	cur, ok := m.state.orders[order.ID]
	if !ok || cur.DeletedAt != nil {
		return ErrStatusConflict
	}
	if cur.Status != expectedStatus || cur.PaymentStatus != expectedPayment {
		return ErrStatusConflict
	}
	cur.Status = order.Status
	cur.PreviousStatus = order.PreviousStatus
	cur.PaymentStatus = order.PaymentStatus
	cur.PaidAt = order.PaidAt
	cur.CompletedAt = order.CompletedAt
	cur.CancelledAt = order.CancelledAt
	cur.RefundedAt = order.RefundedAt
	cur.UpdatedAt = order.UpdatedAt
	m.state.orders[order.ID] = cur
	return nil
}

func (m *Memory) SetRefundMarker(ctx context.Context, orderID uuid.UUID, marker models.RefundMarker) (bool, error) {
	defer m.lock(ctx)()
	cur, ok := m.state.orders[orderID]
	if !ok {
		return false, ErrOrderNotFound
	}
	if cur.Metadata.RefundProcessed {
		return false, nil
	}
	cur.Metadata.ApplyMarker(marker)
	cur.UpdatedAt = m.now().UTC()
	m.state.orders[orderID] = cur
	return true, nil
}

func (m *Memory) RecordRefundFailure(ctx context.Context, orderID uuid.UUID, reason string, at time.Time) error {
	defer m.lock(ctx)()
	cur, ok := m.state.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if cur.Metadata.RefundProcessed {
		return nil
	}
	at = at.UTC()
	cur.Metadata.RefundLastError = &reason
	cur.Metadata.RefundLastAttemptAt = &at
	m.state.orders[orderID] = cur
	return nil
}

func (m *Memory) ListRefundCandidates(ctx context.Context, limit int) ([]*models.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	defer m.lock(ctx)()
	var out []*models.Order
	for _, order := range m.state.orders {
		if order.Status != models.OrderRefunded || order.PaidAt == nil || order.DeletedAt != nil || order.Metadata.RefundProcessed {
			continue
		}
		if !order.Totals.Total.IsPositive() {
			continue
		}
		o := order
		out = append(out, &o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) InsertCredit(ctx context.Context, tx *models.WalletTransaction) (models.WalletTransaction, bool, error) {
	if tx == nil {
		return models.WalletTransaction{}, false, errNilTransaction
	}
	defer m.lock(ctx)()

	if tx.Reference != nil {
		key := refKey{owner: tx.OwnerID, typ: tx.Type, ref: *tx.Reference}
		if idx, ok := m.state.refs[key]; ok {
			existing := m.state.txs[idx]
			if existing.Status != models.TxCompleted {
				return models.WalletTransaction{}, false, ErrReferenceConflict
			}
			return existing, false, nil
		}
		m.state.refs[key] = len(m.state.txs)
	}

	now := m.now().UTC()
	acct, ok := m.state.accounts[tx.OwnerID]
	if !ok {
		acct = models.WalletAccount{OwnerID: tx.OwnerID, Balance: decimal.Zero, CreatedAt: now}
	}
	acct.Balance = acct.Balance.Add(tx.Amount)
	acct.UpdatedAt = now
	m.state.accounts[tx.OwnerID] = acct
	m.state.txs = append(m.state.txs, *tx)
	return *tx, true, nil
}

func (m *Memory) GetAccount(ctx context.Context, ownerID string) (*models.WalletAccount, error) {
	defer m.lock(ctx)()
	acct, ok := m.state.accounts[ownerID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &acct, nil
}

func (m *Memory) SumCompleted(ctx context.Context, ownerID string) (decimal.Decimal, error) {
	defer m.lock(ctx)()
	sum := decimal.Zero
	for _, tx := range m.state.txs {
		if tx.OwnerID == ownerID && tx.Status == models.TxCompleted {
			sum = sum.Add(tx.Amount)
		}
	}
	return sum, nil
}

func (m *Memory) ListTransactions(ctx context.Context, ownerID string, limit int) ([]models.WalletTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	defer m.lock(ctx)()
	var out []models.WalletTransaction
	for i := len(m.state.txs) - 1; i >= 0 && len(out) < limit; i-- {
		if m.state.txs[i].OwnerID == ownerID {
			out = append(out, m.state.txs[i])
		}
	}
	return out, nil
}
