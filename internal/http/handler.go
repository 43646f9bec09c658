package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"OrderWallet/internal/lifecycle"
	"OrderWallet/internal/models"
	"OrderWallet/internal/refund"
	"OrderWallet/internal/services"
	"OrderWallet/internal/store"
	"OrderWallet/internal/wallet"
)

type Handler struct {
	Orders  services.OrderService
	Refunds *refund.Coordinator
	Wallets *wallet.Ledger
	Logger  *zap.Logger
}

type createOrderRequest struct {
	UserID       string          `json:"userId"`
	Currency     string          `json:"currency"`
	Subtotal     decimal.Decimal `json:"subtotal"`
	Tax          decimal.Decimal `json:"tax"`
	ShippingCost decimal.Decimal `json:"shippingCost"`
	Discount     decimal.Decimal `json:"discount"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type paymentStatusRequest struct {
	PaymentStatus string `json:"paymentStatus"`
}

type refundMetadata struct {
	Processed     bool   `json:"processed"`
	TransactionID string `json:"transactionId,omitempty"`
	Amount        string `json:"amount,omitempty"`
	ProcessedAt   string `json:"processedAt,omitempty"`
	LastError     string `json:"lastError,omitempty"`
	LastAttemptAt string `json:"lastAttemptAt,omitempty"`
}

type orderResponse struct {
	ID             string         `json:"id"`
	OrderNumber    string         `json:"orderNumber"`
	UserID         string         `json:"userId"`
	Status         string         `json:"status"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	PaymentStatus  string         `json:"paymentStatus"`
	Subtotal       string         `json:"subtotal"`
	Tax            string         `json:"tax"`
	ShippingCost   string         `json:"shippingCost"`
	Discount       string         `json:"discount"`
	Total          string         `json:"total"`
	Currency       string         `json:"currency"`
	Refund         refundMetadata `json:"refund"`
	PaidAt         string         `json:"paidAt,omitempty"`
	CompletedAt    string         `json:"completedAt,omitempty"`
	CancelledAt    string         `json:"cancelledAt,omitempty"`
	RefundedAt     string         `json:"refundedAt,omitempty"`
	CreatedAt      string         `json:"createdAt"`
	UpdatedAt      string         `json:"updatedAt"`
}

type reconciliationStatus struct {
	Status string   `json:"status"`
	Errors []string `json:"errors,omitempty"`
}

type transitionResponse struct {
	Order   orderResponse         `json:"order"`
	Changed bool                  `json:"changed"`
	Refund  *reconciliationStatus `json:"refund,omitempty"`
}

type outcomeResponse struct {
	Kind            string `json:"kind"`
	Reason          string `json:"reason,omitempty"`
	Amount          string `json:"amount,omitempty"`
	TransactionID   string `json:"transactionId,omitempty"`
	Duplicate       bool   `json:"duplicate,omitempty"`
	CreditCommitted bool   `json:"creditCommitted,omitempty"`
	Error           string `json:"error,omitempty"`
}

type transactionResponse struct {
	ID          string `json:"id"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency,omitempty"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	Reference   string `json:"reference,omitempty"`
	OrderID     string `json:"orderId,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

type walletResponse struct {
	OwnerID      string                `json:"ownerId"`
	Balance      string                `json:"balance"`
	LedgerSum    string                `json:"ledgerSum"`
	Consistent   bool                  `json:"consistent"`
	Transactions []transactionResponse `json:"transactions"`
}

func NewHandler(orders services.OrderService, refunds *refund.Coordinator, wallets *wallet.Ledger, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Orders: orders, Refunds: refunds, Wallets: wallets, Logger: logger}
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.UserID == "" {
		req.UserID = r.Header.Get("X-User-Id")
	}

	order, err := h.Orders.CreateOrder(r.Context(), services.CreateOrderInput{
		UserID:       req.UserID,
		Currency:     req.Currency,
		Subtotal:     req.Subtotal,
		Tax:          req.Tax,
		ShippingCost: req.ShippingCost,
		Discount:     req.Discount,
	})
	if err != nil {
		h.writeServiceError(w, "create order failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Orders.GetOrder(r.Context(), chi.URLParam(r, "orderNumber"))
	if err != nil {
		h.writeServiceError(w, "get order failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// UpdateStatus always reports a successful transition as such; refund
// reconciliation problems only show up in the refund field.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}

	res, err := h.Orders.Transition(r.Context(), chi.URLParam(r, "orderNumber"), models.OrderStatus(req.Status))
	if err != nil {
		h.writeServiceError(w, "update status failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionResponse(res))
}

func (h *Handler) UpdatePaymentStatus(w http.ResponseWriter, r *http.Request) {
	var req paymentStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PaymentStatus == "" {
		writeError(w, http.StatusBadRequest, "paymentStatus is required")
		return
	}

	res, err := h.Orders.TransitionPayment(r.Context(), chi.URLParam(r, "orderNumber"), models.PaymentStatus(req.PaymentStatus))
	if err != nil {
		h.writeServiceError(w, "update payment status failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionResponse(res))
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	order, err := h.Orders.GetOrder(r.Context(), chi.URLParam(r, "orderNumber"))
	if err != nil {
		h.writeServiceError(w, "reconcile failed", err)
		return
	}
	out := h.Refunds.Reconcile(r.Context(), order)
	writeJSON(w, http.StatusOK, toOutcomeResponse(out))
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerId")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	check, err := h.Wallets.Verify(r.Context(), ownerID)
	if err != nil {
		h.writeServiceError(w, "get wallet failed", err)
		return
	}
	txs, err := h.Wallets.Transactions(r.Context(), ownerID, limit)
	if err != nil {
		h.writeServiceError(w, "get wallet failed", err)
		return
	}

	resp := walletResponse{
		OwnerID:      ownerID,
		Balance:      check.Balance.StringFixed(2),
		LedgerSum:    check.Sum.StringFixed(2),
		Consistent:   check.Consistent,
		Transactions: make([]transactionResponse, 0, len(txs)),
	}
	for _, tx := range txs {
		item := transactionResponse{
			ID:          tx.ID.String(),
			Amount:      tx.Amount.StringFixed(2),
			Currency:    tx.Currency,
			Type:        string(tx.Type),
			Status:      string(tx.Status),
			Description: tx.Description,
			OrderID:     tx.Metadata.OrderID,
			CreatedAt:   tx.CreatedAt.Format(time.RFC3339),
		}
		if tx.Reference != nil {
			item.Reference = *tx.Reference
		}
		resp.Transactions = append(resp.Transactions, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, store.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrStatusConflict):
		writeError(w, http.StatusConflict, "order was modified concurrently, retry")
	case errors.Is(err, lifecycle.ErrUnknownStatus),
		errors.Is(err, services.ErrMissingUserID),
		errors.Is(err, services.ErrMissingOrderNumber),
		errors.Is(err, services.ErrInvalidCurrency),
		errors.Is(err, models.ErrNegativeComponent),
		errors.Is(err, models.ErrNegativeTotal),
		errors.Is(err, models.ErrTotalMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.Logger.Error(msg, zap.Error(err))
		writeError(w, http.StatusInternalServerError, msg)
	}
}

func toTransitionResponse(res services.TransitionResult) transitionResponse {
	out := transitionResponse{Order: toOrderResponse(res.Order), Changed: res.Changed}
	if res.Event == nil {
		return out
	}
	status := &reconciliationStatus{Status: "ok"}
	if len(res.HandlerErrors) > 0 {
		status.Status = "failed"
		for _, he := range res.HandlerErrors {
			status.Errors = append(status.Errors, he.Error())
		}
	}
	out.Refund = status
	return out
}

func toOrderResponse(o *models.Order) orderResponse {
	resp := orderResponse{
		ID:            o.ID.String(),
		OrderNumber:   o.OrderNumber,
		UserID:        o.UserID,
		Status:        string(o.Status),
		PaymentStatus: string(o.PaymentStatus),
		Subtotal:      o.Totals.Subtotal.StringFixed(2),
		Tax:           o.Totals.Tax.StringFixed(2),
		ShippingCost:  o.Totals.ShippingCost.StringFixed(2),
		Discount:      o.Totals.Discount.StringFixed(2),
		Total:         o.Totals.Total.StringFixed(2),
		Currency:      o.Currency,
		PaidAt:        formatTime(o.PaidAt),
		CompletedAt:   formatTime(o.CompletedAt),
		CancelledAt:   formatTime(o.CancelledAt),
		RefundedAt:    formatTime(o.RefundedAt),
		CreatedAt:     o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     o.UpdatedAt.Format(time.RFC3339),
	}
	if o.PreviousStatus != nil {
		resp.PreviousStatus = string(*o.PreviousStatus)
	}

	m := o.Metadata
	resp.Refund.Processed = m.RefundProcessed
	if m.RefundTransactionID != nil {
		resp.Refund.TransactionID = m.RefundTransactionID.String()
	}
	if m.RefundAmount != nil {
		resp.Refund.Amount = m.RefundAmount.StringFixed(2)
	}
	resp.Refund.ProcessedAt = formatTime(m.RefundProcessedAt)
	if m.RefundLastError != nil {
		resp.Refund.LastError = *m.RefundLastError
	}
	resp.Refund.LastAttemptAt = formatTime(m.RefundLastAttemptAt)
	return resp
}

func toOutcomeResponse(out refund.Outcome) outcomeResponse {
	resp := outcomeResponse{
		Kind:            string(out.Kind),
		Reason:          string(out.Reason),
		Duplicate:       out.Duplicate,
		CreditCommitted: out.CreditCommitted,
	}
	if !out.Amount.IsZero() {
		resp.Amount = out.Amount.StringFixed(2)
	}
	if out.TransactionID != uuid.Nil {
		resp.TransactionID = out.TransactionID.String()
	}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}
	return resp
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
