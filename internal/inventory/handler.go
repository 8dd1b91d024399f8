package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/medstock/internal/platform/httpx"
	"github.com/odyssey-erp/medstock/internal/shared"
)

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	cache     *Cache
	validator *validator.Validate
	reports   singleflight.Group
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service, cache *Cache) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, cache: cache, validator: httpx.NewValidator()}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/batches", h.handleBatches)
	r.Post("/allocations/plan", h.handlePlan)
	r.Post("/transfers", h.handleTransfer)
	r.Get("/transfers/{id}", h.handleGetTransfer)
	r.Post("/receipts", h.handleReceipt)
	r.Get("/expiring", h.handleExpiring)
}

type planRequest struct {
	ProductID  int64           `json:"product_id" validate:"required,gt=0"`
	LocationID int64           `json:"location_id" validate:"required,gt=0"`
	Quantity   shared.Quantity `json:"quantity"`
}

type transferItemRequest struct {
	ProductID int64           `json:"product_id" validate:"required,gt=0"`
	Quantity  shared.Quantity `json:"quantity"`
}

type transferRequest struct {
	IdempotencyKey        string                `json:"idempotency_key" validate:"omitempty,max=128"`
	SourceLocationID      int64                 `json:"source_location_id" validate:"required,gt=0"`
	DestinationLocationID int64                 `json:"destination_location_id" validate:"required,gt=0"`
	EmployeeID            int64                 `json:"employee_id" validate:"required,gt=0"`
	Note                  string                `json:"note" validate:"max=500"`
	Items                 []transferItemRequest `json:"items" validate:"required,min=1,max=200,dive"`
}

type receiptRequest struct {
	LocationID     int64            `json:"location_id" validate:"required,gt=0"`
	ProductID      int64            `json:"product_id" validate:"required,gt=0"`
	BatchReference string           `json:"batch_reference" validate:"max=64"`
	Quantity       shared.Quantity  `json:"quantity"`
	UnitCost       *decimal.Decimal `json:"unit_cost"`
	ExpirationDate *string          `json:"expiration_date"`
	EmployeeID     int64            `json:"employee_id" validate:"gte=0"`
	Note           string           `json:"note" validate:"max=500"`
}

type batchListResponse struct {
	Items []Batch `json:"items"`
}

func (h *Handler) handleBatches(w http.ResponseWriter, r *http.Request) {
	productID, err := httpx.QueryInt64(r, "product_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	locationID, err := httpx.QueryInt64(r, "location_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	availableOnly := r.URL.Query().Get("available") == "true"
	batches, err := h.service.GetBatches(r.Context(), productID, locationID, availableOnly)
	if err != nil {
		h.fail(w, "list batches", err)
		return
	}
	if batches == nil {
		batches = []Batch{}
	}
	httpx.JSON(w, http.StatusOK, batchListResponse{Items: batches})
}

func (h *Handler) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	qty, err := req.Quantity.Positive("quantity")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	plan, err := h.service.PlanAllocation(r.Context(), req.ProductID, req.LocationID, qty)
	if err != nil {
		h.fail(w, "plan allocation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, plan)
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input := TransferRequest{
		IdempotencyKey:        req.IdempotencyKey,
		SourceLocationID:      req.SourceLocationID,
		DestinationLocationID: req.DestinationLocationID,
		EmployeeID:            req.EmployeeID,
		Note:                  req.Note,
	}
	for i, item := range req.Items {
		qty, err := item.Quantity.Positive(fmt.Sprintf("items[%d].quantity", i))
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		input.Items = append(input.Items, TransferItem{ProductID: item.ProductID, Quantity: qty})
	}
	result, err := h.service.CommitTransfer(r.Context(), input)
	if err != nil {
		h.fail(w, "commit transfer", err)
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	httpx.JSON(w, status, result)
}

func (h *Handler) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.RespondError(w, shared.Invalid("id", "invalid transfer ID"))
		return
	}
	detail, err := h.service.GetTransfer(r.Context(), id)
	if err != nil {
		h.fail(w, "get transfer", err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) handleReceipt(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	qty, err := req.Quantity.Positive("quantity")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	exp, err := httpx.ParseDate("expiration_date", req.ExpirationDate)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	cost := decimal.Zero
	if req.UnitCost != nil {
		cost = *req.UnitCost
	}
	res, err := h.service.ReceiveStock(r.Context(), ReceiveInput{
		LocationID:     req.LocationID,
		ProductID:      req.ProductID,
		Reference:      req.BatchReference,
		Quantity:       qty,
		UnitCost:       cost,
		ExpirationDate: exp,
		ActorID:        req.EmployeeID,
		Note:           req.Note,
	})
	if err != nil {
		h.fail(w, "receive stock", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
}

func (h *Handler) handleExpiring(w http.ResponseWriter, r *http.Request) {
	var q ExpiryQuery
	var err error
	if q.LocationID, err = httpx.QueryInt64(r, "location_id"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if q.ProductID, err = httpx.QueryInt64(r, "product_id"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	days, err := httpx.QueryInt64(r, "days")
	if err != nil || days > 3650 {
		httpx.RespondError(w, shared.Invalid("days", "must be between 0 and 3650"))
		return
	}
	q.WarningDays = int(days)

	report, err := h.buildReport(r.Context(), q)
	if err != nil {
		h.fail(w, "expiry report", err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

// buildReport collapses concurrent identical requests and serves from cache.
// The shared load outlives any single caller's cancellation.
func (h *Handler) buildReport(ctx context.Context, q ExpiryQuery) (ExpiryReport, error) {
	key := fmt.Sprintf("%d:%d:%d", q.LocationID, q.ProductID, q.WarningDays)
	loadCtx := context.WithoutCancel(ctx)
	ch := h.reports.DoChan(key, func() (any, error) {
		return h.cache.ExpiryReport(loadCtx, h.service.Monitor(), q)
	})
	select {
	case <-ctx.Done():
		return ExpiryReport{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return ExpiryReport{}, res.Err
		}
		return res.Val.(ExpiryReport), nil
	}
}

func (h *Handler) decode(r *http.Request, dst any) error {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		return err
	}
	return httpx.Validate(h.validator, dst)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op+" failed", slog.Any("error", err))
	httpx.RespondError(w, err)
}
