package procurement

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/medstock/internal/platform/httpx"
	"github.com/odyssey-erp/medstock/internal/shared"
)

// Handler exposes purchase order endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: httpx.NewValidator()}
}

// MountRoutes registers procurement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Route("/orders/{id}", func(r chi.Router) {
		r.Get("/", h.showOrder)
		r.Get("/history", h.history)
		r.Post("/receipts", h.recordReceipt)
		r.Post("/approve", h.approve)
		r.Post("/cancel", h.cancel)
	})
}

type createLineRequest struct {
	ProductID      int64            `json:"product_id" validate:"required,gt=0"`
	OrderedQty     shared.Quantity  `json:"ordered_qty"`
	UnitCost       *decimal.Decimal `json:"unit_cost"`
	BatchReference string           `json:"batch_reference" validate:"max=64"`
	ExpirationDate *string          `json:"expiration_date"`
}

type createOrderRequest struct {
	SupplierID           int64               `json:"supplier_id" validate:"required,gt=0"`
	LocationID           int64               `json:"location_id" validate:"required,gt=0"`
	ExpectedDeliveryDate *string             `json:"expected_delivery_date"`
	EmployeeID           int64               `json:"employee_id" validate:"gte=0"`
	Lines                []createLineRequest `json:"lines" validate:"required,min=1,max=200,dive"`
}

type receiptLineRequest struct {
	LineID         int64           `json:"purchase_dtl_id" validate:"required,gt=0"`
	ReceivedQty    shared.Quantity `json:"received_qty"`
	BatchReference string          `json:"batch_reference" validate:"max=64"`
	ExpirationDate *string         `json:"expiration_date"`
}

type receiptRequest struct {
	IdempotencyKey string               `json:"idempotency_key" validate:"omitempty,max=128"`
	EmployeeID     int64                `json:"employee_id" validate:"gte=0"`
	Note           string               `json:"note" validate:"max=500"`
	Lines          []receiptLineRequest `json:"lines" validate:"required,min=1,max=200,dive"`
}

type approveRequest struct {
	ApprovedBy int64  `json:"approved_by" validate:"required,gt=0"`
	Notes      string `json:"notes" validate:"max=500"`
}

type cancelRequest struct {
	EmployeeID int64  `json:"employee_id" validate:"gte=0"`
	Notes      string `json:"notes" validate:"max=500"`
}

type historyResponse struct {
	Items []StatusChange `json:"items"`
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	expected, err := httpx.ParseDate("expected_delivery_date", req.ExpectedDeliveryDate)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	input := CreateOrderInput{SupplierID: req.SupplierID, LocationID: req.LocationID, ExpectedDeliveryDate: expected, ActorID: req.EmployeeID}
	for i, l := range req.Lines {
		field := fmt.Sprintf("lines[%d]", i)
		qty, err := l.OrderedQty.Positive(field + ".ordered_qty")
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		exp, err := httpx.ParseDate(field+".expiration_date", l.ExpirationDate)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		cost := decimal.Zero
		if l.UnitCost != nil {
			cost = *l.UnitCost
		}
		input.Lines = append(input.Lines, CreateLineInput{
			ProductID: l.ProductID, OrderedQty: qty, UnitCost: cost, BatchReference: l.BatchReference, ExpirationDate: exp,
		})
	}
	view, err := h.service.CreateOrder(r.Context(), input)
	if err != nil {
		h.fail(w, "create purchase order", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, view)
}

func (h *Handler) showOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	view, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		h.fail(w, "get purchase order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	items, err := h.service.History(r.Context(), id)
	if err != nil {
		h.fail(w, "purchase order history", err)
		return
	}
	if items == nil {
		items = []StatusChange{}
	}
	httpx.JSON(w, http.StatusOK, historyResponse{Items: items})
}

func (h *Handler) recordReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req receiptRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}
	input := ReceiptInput{OrderID: id, IdempotencyKey: key, ActorID: req.EmployeeID, Note: req.Note}
	for i, l := range req.Lines {
		field := fmt.Sprintf("lines[%d]", i)
		qty, err := l.ReceivedQty.NonNegative(field + ".received_qty")
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		exp, err := httpx.ParseDate(field+".expiration_date", l.ExpirationDate)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		input.Lines = append(input.Lines, ReceiptLine{LineID: l.LineID, Quantity: qty, BatchReference: l.BatchReference, ExpirationDate: exp})
	}
	result, err := h.service.RecordReceipt(r.Context(), input)
	if err != nil {
		h.fail(w, "record receipt", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req approveRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	start := time.Now()
	result, err := h.service.ApproveOrder(r.Context(), ApproveInput{OrderID: id, ApprovedBy: req.ApprovedBy, Notes: req.Notes})
	if err != nil {
		h.fail(w, "approve purchase order", err)
		return
	}
	h.logger.Info("purchase order approved", slog.Int64("purchase_header_id", id),
		slog.Int64("auto_received", result.AutoReceivedQty), slog.Duration("took", time.Since(start)))
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if err := h.decodeOptional(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.CancelOrder(r.Context(), CancelInput{OrderID: id, ActorID: req.EmployeeID, Notes: req.Notes})
	if err != nil {
		h.fail(w, "cancel purchase order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func orderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, shared.Invalid("id", "invalid purchase order ID"))
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(r *http.Request, dst any) error {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		return err
	}
	return httpx.Validate(h.validator, dst)
}

func (h *Handler) decodeOptional(r *http.Request, dst any) error {
	if err := httpx.DecodeOptionalJSON(r, dst); err != nil {
		return err
	}
	return httpx.Validate(h.validator, dst)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op+" failed", slog.Any("error", err))
	httpx.RespondError(w, err)
}
