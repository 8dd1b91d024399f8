package procurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/medstock/internal/inventory"
	"github.com/odyssey-erp/medstock/internal/shared"
)

const approvalModule = "procurement.purchase_order"

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, id int64) (Order, []Line, error)
	ListStatusHistory(ctx context.Context, id int64) ([]StatusChange, error)
}

// InventoryPort stocks received goods.
type InventoryPort interface {
	ReceiveStock(ctx context.Context, input inventory.ReceiveInput) (inventory.ReceiveResult, error)
}

// ReferencePort validates master data references.
type ReferencePort interface {
	LocationExists(ctx context.Context, id int64) (bool, error)
	ProductExists(ctx context.Context, id int64) (bool, error)
	EmployeeExists(ctx context.Context, id int64) (bool, error)
}

// IdempotencyPort guards receipts against double submission.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
}

// ApprovalPort records approval decisions.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// LockPort serialises writers to the same order across processes.
type LockPort interface {
	Acquire(ctx context.Context, keys ...string) (func(), error)
}

// MetricsPort receives domain counters.
type MetricsPort interface {
	ObserveOrderTransition(from, to string)
	ObserveConflictRetry(operation string)
}

// CacheInvalidator drops cached stock reports once stocked goods are committed.
type CacheInvalidator interface {
	Bump(ctx context.Context) error
}

// Deps groups the collaborators of Service. Only Inventory is required.
type Deps struct {
	Inventory   InventoryPort
	References  ReferencePort
	Idempotency IdempotencyPort
	Approvals   ApprovalPort
	Audit       AuditPort
	Locker      LockPort
	Metrics     MetricsPort
	Cache       CacheInvalidator
	Logger      *slog.Logger
	MaxRetries  int
}

// Service runs the purchase order reconciliation state machine.
type Service struct {
	repo        RepositoryPort
	inventory   InventoryPort
	references  ReferencePort
	idempotency IdempotencyPort
	approvals   ApprovalPort
	audit       AuditPort
	locker      LockPort
	metrics     MetricsPort
	cache       CacheInvalidator
	logger      *slog.Logger
	maxRetries  int
	now         func() time.Time
}

// NewService constructs procurement service.
func NewService(repo RepositoryPort, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		inventory:   deps.Inventory,
		references:  deps.References,
		idempotency: deps.Idempotency,
		approvals:   deps.Approvals,
		audit:       deps.Audit,
		locker:      deps.Locker,
		metrics:     deps.Metrics,
		cache:       deps.Cache,
		logger:      logger,
		maxRetries:  max(0, deps.MaxRetries),
		now:         time.Now,
	}
}

// CreateOrderInput describes a new purchase order.
type CreateOrderInput struct {
	SupplierID           int64
	LocationID           int64
	ExpectedDeliveryDate *time.Time
	ActorID              int64
	Lines                []CreateLineInput
}

// CreateLineInput describes one ordered product.
type CreateLineInput struct {
	ProductID      int64
	OrderedQty     int64
	UnitCost       decimal.Decimal
	BatchReference string
	ExpirationDate *time.Time
}

// ReceiptInput records goods arriving against an order. Quantities add to
// what was already received.
type ReceiptInput struct {
	OrderID        int64
	IdempotencyKey string
	ActorID        int64
	Note           string
	Lines          []ReceiptLine
}

// ReceiptLine is the quantity received for one order line.
type ReceiptLine struct {
	LineID         int64
	Quantity       int64
	BatchReference string
	ExpirationDate *time.Time
}

// ReceiptResult summarises a recorded receipt.
type ReceiptResult struct {
	Order          OrderView                 `json:"order"`
	PreviousStatus Status                    `json:"previous_status"`
	Status         Status                    `json:"status"`
	Stocked        []inventory.ReceiveResult `json:"stocked"`
}

// ApproveInput approves an order.
type ApproveInput struct {
	OrderID    int64
	ApprovedBy int64
	Notes      string
}

// AutoReceivedLine is stock written by approval for a line still missing units.
type AutoReceivedLine struct {
	LineID    int64 `json:"purchase_dtl_id"`
	ProductID int64 `json:"product_id"`
	Quantity  int64 `json:"quantity"`
	BatchID   int64 `json:"batch_id"`
}

// ApprovalResult reports every hop an approval took.
type ApprovalResult struct {
	Order           OrderView          `json:"order"`
	PreviousStatus  Status             `json:"previous_status"`
	Status          Status             `json:"status"`
	Hops            []Status           `json:"hops"`
	AutoReceived    []AutoReceivedLine `json:"auto_received"`
	AutoReceivedQty int64              `json:"auto_received_quantity"`
}

// CancelInput returns an order to the supplier.
type CancelInput struct {
	OrderID int64
	ActorID int64
	Notes   string
}

// CancelResult summarises a cancellation.
type CancelResult struct {
	OrderID        int64  `json:"purchase_header_id"`
	PreviousStatus Status `json:"previous_status"`
	Status         Status `json:"status"`
}

// CreateOrder stores a new order in the delivered state.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (OrderView, error) {
	if err := s.validateCreate(ctx, input); err != nil {
		return OrderView{}, err
	}
	var (
		order Order
		lines []Line
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		order, err = tx.CreateOrder(ctx, Order{
			SupplierID:           input.SupplierID,
			LocationID:           input.LocationID,
			Status:               StatusDelivered,
			ExpectedDeliveryDate: input.ExpectedDeliveryDate,
		})
		if err != nil {
			return err
		}
		lines = make([]Line, 0, len(input.Lines))
		for _, in := range input.Lines {
			line, err := tx.InsertLine(ctx, Line{
				OrderID:        order.ID,
				ProductID:      in.ProductID,
				OrderedQty:     in.OrderedQty,
				UnitCost:       in.UnitCost,
				BatchReference: strings.TrimSpace(in.BatchReference),
				ExpirationDate: in.ExpirationDate,
			})
			if err != nil {
				return err
			}
			lines = append(lines, line)
		}
		return tx.InsertStatusChange(ctx, StatusChange{
			OrderID:   order.ID,
			To:        StatusDelivered,
			Event:     EventCreate,
			ActorID:   input.ActorID,
			ChangedAt: s.now().UTC(),
		})
	})
	if err != nil {
		return OrderView{}, err
	}
	s.recordAudit(ctx, input.ActorID, "procurement:create", order.ID, map[string]any{"lines": len(lines), "location_id": order.LocationID})
	return newOrderView(order, lines), nil
}

// GetOrder returns an order with its effective status.
func (s *Service) GetOrder(ctx context.Context, id int64) (OrderView, error) {
	if id <= 0 {
		return OrderView{}, shared.Invalid("purchase_header_id", "is required")
	}
	order, lines, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return OrderView{}, err
	}
	return newOrderView(order, lines), nil
}

// History lists status transitions of an order.
func (s *Service) History(ctx context.Context, id int64) ([]StatusChange, error) {
	if _, _, err := s.repo.GetOrder(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListStatusHistory(ctx, id)
}

// RecordReceipt adds received quantities, stocks them at the order location
// and refreshes the derived status, all in one transaction.
func (s *Service) RecordReceipt(ctx context.Context, input ReceiptInput) (ReceiptResult, error) {
	if err := validateReceipt(input); err != nil {
		return ReceiptResult{}, err
	}
	unlock, err := s.lock(ctx, input.OrderID)
	if err != nil {
		return ReceiptResult{}, err
	}
	defer unlock()

	var result ReceiptResult
	err = s.retry(ctx, "record_receipt", func() error {
		result = ReceiptResult{}
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			if input.IdempotencyKey != "" && s.idempotency != nil {
				if err := s.idempotency.CheckAndInsert(ctx, "po-receipt:"+input.IdempotencyKey, "procurement.receipt"); err != nil {
					return err
				}
			}
			order, lines, err := tx.GetOrderForUpdate(ctx, input.OrderID)
			if err != nil {
				return err
			}
			current := Resolve(order.Status, lines)
			if err := checkTransition(current, EventReceive); err != nil {
				return err
			}
			byID := make(map[int64]int, len(lines))
			for i, l := range lines {
				byID[l.ID] = i
			}
			for i, rl := range input.Lines {
				idx, ok := byID[rl.LineID]
				if !ok {
					return shared.Invalid(fmt.Sprintf("lines[%d].purchase_dtl_id", i), "line %d is not on order %d", rl.LineID, order.ID)
				}
				if rl.Quantity == 0 {
					continue
				}
				line := lines[idx]
				if line.ReceivedQty+rl.Quantity > line.OrderedQty {
					return fmt.Errorf("line %d ordered %d, received %d, adding %d: %w",
						line.ID, line.OrderedQty, line.ReceivedQty, rl.Quantity, ErrReceiptExceedsOrdered)
				}
				if err := tx.AddReceived(ctx, line.ID, rl.Quantity); err != nil {
					return err
				}
				lines[idx].ReceivedQty += rl.Quantity
				stocked, err := s.stock(ctx, order, line, rl.Quantity, rl.BatchReference, rl.ExpirationDate, input.ActorID)
				if err != nil {
					return err
				}
				result.Stocked = append(result.Stocked, stocked)
			}
			next := ComputeEffectiveStatus(lines)
			if err := tx.UpdateStatus(ctx, order.ID, next); err != nil {
				return err
			}
			if next != current {
				if err := tx.InsertStatusChange(ctx, StatusChange{
					OrderID: order.ID, From: current, To: next, Event: EventReceive,
					ActorID: input.ActorID, Note: input.Note, ChangedAt: s.now().UTC(),
				}); err != nil {
					return err
				}
			}
			order.Status = next
			result.PreviousStatus = current
			result.Status = next
			result.Order = newOrderView(order, lines)
			return nil
		})
	})
	if err != nil {
		return ReceiptResult{}, err
	}
	if len(result.Stocked) > 0 {
		s.invalidate(ctx)
	}
	s.observe(result.PreviousStatus, result.Status)
	s.recordAudit(ctx, input.ActorID, "procurement:receive", input.OrderID, map[string]any{
		"from": string(result.PreviousStatus), "to": string(result.Status), "batches": len(result.Stocked),
	})
	return result, nil
}

// ApproveOrder approves an order, auto-receiving whatever is still missing
// and walking the status through every intermediate hop.
func (s *Service) ApproveOrder(ctx context.Context, input ApproveInput) (ApprovalResult, error) {
	if input.OrderID <= 0 {
		return ApprovalResult{}, shared.Invalid("purchase_header_id", "is required")
	}
	if input.ApprovedBy <= 0 {
		return ApprovalResult{}, shared.Invalid("approved_by", "is required")
	}
	if err := s.checkEmployee(ctx, "approved_by", input.ApprovedBy); err != nil {
		return ApprovalResult{}, err
	}
	unlock, err := s.lock(ctx, input.OrderID)
	if err != nil {
		return ApprovalResult{}, err
	}
	defer unlock()

	var result ApprovalResult
	err = s.retry(ctx, "approve_order", func() error {
		result = ApprovalResult{}
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			order, lines, err := tx.GetOrderForUpdate(ctx, input.OrderID)
			if err != nil {
				return err
			}
			from := Resolve(order.Status, lines)
			path, err := ApprovalPath(from)
			if err != nil {
				return err
			}
			now := s.now().UTC()
			if err := tx.SetApproval(ctx, order.ID, input.ApprovedBy, input.Notes, now); err != nil {
				return err
			}
			order.ApprovedBy, order.ApprovalNotes, order.ApprovedAt = input.ApprovedBy, input.Notes, &now

			prev := from
			for i, to := range path {
				if to == StatusComplete {
					if err := s.autoReceive(ctx, tx, order, lines, input.ApprovedBy, &result); err != nil {
						return err
					}
					if derived := ComputeEffectiveStatus(lines); derived != StatusComplete {
						return fmt.Errorf("%w: order %d still %s after auto-receive", ErrInvalidState, order.ID, derived)
					}
				}
				event := EventAutoReceive
				if i == 0 {
					event = EventApprove
				}
				if err := tx.UpdateStatus(ctx, order.ID, to); err != nil {
					return err
				}
				if err := tx.InsertStatusChange(ctx, StatusChange{
					OrderID: order.ID, From: prev, To: to, Event: event,
					ActorID: input.ApprovedBy, Note: input.Notes, ChangedAt: now,
				}); err != nil {
					return err
				}
				prev = to
			}
			if s.approvals != nil {
				if err := s.approvals.Record(ctx, shared.ApprovalLog{
					Module: approvalModule, EntityID: order.ID, ActorID: input.ApprovedBy,
					Action: shared.ApprovalApprove, Note: input.Notes, At: now,
				}); err != nil {
					return err
				}
			}
			order.Status = prev
			result.PreviousStatus = from
			result.Status = prev
			result.Hops = path
			result.Order = newOrderView(order, lines)
			return nil
		})
	})
	if err != nil {
		return ApprovalResult{}, err
	}
	if result.AutoReceivedQty > 0 {
		s.invalidate(ctx)
	}
	prev := result.PreviousStatus
	for _, hop := range result.Hops {
		s.observe(prev, hop)
		prev = hop
	}
	s.recordAudit(ctx, input.ApprovedBy, "procurement:approve", input.OrderID, map[string]any{
		"from": string(result.PreviousStatus), "auto_received": result.AutoReceivedQty,
	})
	return result, nil
}

// autoReceive stocks the missing delta of every line and marks it received.
func (s *Service) autoReceive(ctx context.Context, tx TxRepository, order Order, lines []Line, actorID int64, result *ApprovalResult) error {
	for i, line := range lines {
		missing := line.MissingQty()
		if missing == 0 {
			continue
		}
		stocked, err := s.stock(ctx, order, line, missing, "", nil, actorID)
		if err != nil {
			return err
		}
		if err := tx.FillReceived(ctx, line.ID); err != nil {
			return err
		}
		lines[i].ReceivedQty = line.OrderedQty
		result.AutoReceived = append(result.AutoReceived, AutoReceivedLine{
			LineID: line.ID, ProductID: line.ProductID, Quantity: missing, BatchID: stocked.Batch.ID,
		})
		result.AutoReceivedQty += missing
	}
	return nil
}

// CancelOrder moves an order to return. Stock already received stays put.
func (s *Service) CancelOrder(ctx context.Context, input CancelInput) (CancelResult, error) {
	if input.OrderID <= 0 {
		return CancelResult{}, shared.Invalid("purchase_header_id", "is required")
	}
	unlock, err := s.lock(ctx, input.OrderID)
	if err != nil {
		return CancelResult{}, err
	}
	defer unlock()

	var result CancelResult
	err = s.retry(ctx, "cancel_order", func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			order, lines, err := tx.GetOrderForUpdate(ctx, input.OrderID)
			if err != nil {
				return err
			}
			from := Resolve(order.Status, lines)
			if err := checkTransition(from, EventCancel); err != nil {
				return err
			}
			now := s.now().UTC()
			if err := tx.UpdateStatus(ctx, order.ID, StatusReturn); err != nil {
				return err
			}
			if err := tx.InsertStatusChange(ctx, StatusChange{
				OrderID: order.ID, From: from, To: StatusReturn, Event: EventCancel,
				ActorID: input.ActorID, Note: input.Notes, ChangedAt: now,
			}); err != nil {
				return err
			}
			if s.approvals != nil && input.ActorID > 0 {
				if err := s.approvals.Record(ctx, shared.ApprovalLog{
					Module: approvalModule, EntityID: order.ID, ActorID: input.ActorID,
					Action: shared.ApprovalReject, Note: input.Notes, At: now,
				}); err != nil {
					return err
				}
			}
			result = CancelResult{OrderID: order.ID, PreviousStatus: from, Status: StatusReturn}
			return nil
		})
	})
	if err != nil {
		return CancelResult{}, err
	}
	s.observe(result.PreviousStatus, result.Status)
	s.recordAudit(ctx, input.ActorID, "procurement:cancel", input.OrderID, map[string]any{"from": string(result.PreviousStatus)})
	return result, nil
}

func (s *Service) stock(ctx context.Context, order Order, line Line, qty int64, ref string, exp *time.Time, actorID int64) (inventory.ReceiveResult, error) {
	if s.inventory == nil {
		return inventory.ReceiveResult{}, errors.New("procurement: inventory port not configured")
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		ref = line.BatchReference
	}
	if ref == "" {
		ref = fmt.Sprintf("PO%d-L%d", order.ID, line.ID)
	}
	if exp == nil {
		exp = line.ExpirationDate
	}
	return s.inventory.ReceiveStock(ctx, inventory.ReceiveInput{
		LocationID:     order.LocationID,
		ProductID:      line.ProductID,
		Reference:      ref,
		Quantity:       qty,
		UnitCost:       line.UnitCost,
		EntryDate:      s.now(),
		ExpirationDate: exp,
		PurchaseDtlID:  line.ID,
		ActorID:        actorID,
	})
}

func (s *Service) validateCreate(ctx context.Context, input CreateOrderInput) error {
	if input.SupplierID <= 0 {
		return shared.Invalid("supplier_id", "is required")
	}
	if input.LocationID <= 0 {
		return shared.Invalid("location_id", "is required")
	}
	if len(input.Lines) == 0 {
		return shared.Invalid("lines", "at least one line is required")
	}
	for i, l := range input.Lines {
		field := fmt.Sprintf("lines[%d]", i)
		if l.ProductID <= 0 {
			return shared.Invalid(field+".product_id", "is required")
		}
		if l.OrderedQty <= 0 {
			return shared.Invalid(field+".ordered_qty", "must be greater than zero, got %d", l.OrderedQty)
		}
		if l.UnitCost.IsNegative() {
			return shared.Invalid(field+".unit_cost", "must not be negative")
		}
	}
	if s.references == nil {
		return nil
	}
	if ok, err := s.references.LocationExists(ctx, input.LocationID); err != nil {
		return err
	} else if !ok {
		return shared.Invalid("location_id", "unknown reference %d", input.LocationID)
	}
	for i, l := range input.Lines {
		if ok, err := s.references.ProductExists(ctx, l.ProductID); err != nil {
			return err
		} else if !ok {
			return shared.Invalid(fmt.Sprintf("lines[%d].product_id", i), "unknown reference %d", l.ProductID)
		}
	}
	return nil
}

func validateReceipt(input ReceiptInput) error {
	if input.OrderID <= 0 {
		return shared.Invalid("purchase_header_id", "is required")
	}
	if len(input.Lines) == 0 {
		return shared.Invalid("lines", "at least one line is required")
	}
	seen := make(map[int64]struct{}, len(input.Lines))
	var total int64
	for i, l := range input.Lines {
		field := fmt.Sprintf("lines[%d]", i)
		if l.LineID <= 0 {
			return shared.Invalid(field+".purchase_dtl_id", "is required")
		}
		if l.Quantity < 0 {
			return shared.Invalid(field+".received_qty", "must not be negative, got %d", l.Quantity)
		}
		if _, dup := seen[l.LineID]; dup {
			return shared.Invalid(field+".purchase_dtl_id", "line %d listed more than once", l.LineID)
		}
		seen[l.LineID] = struct{}{}
		total += l.Quantity
	}
	if total == 0 {
		return shared.Invalid("lines", "at least one received quantity must be greater than zero")
	}
	return nil
}

func (s *Service) checkEmployee(ctx context.Context, field string, id int64) error {
	if s.references == nil {
		return nil
	}
	ok, err := s.references.EmployeeExists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return shared.Invalid(field, "unknown reference %d", id)
	}
	return nil
}

func (s *Service) lock(ctx context.Context, orderID int64) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	return s.locker.Acquire(ctx, shared.PurchaseOrderLockKey(orderID))
}

// retry reruns fn while it fails with a concurrency conflict.
func (s *Service) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		err = fn()
		if !errors.Is(err, shared.ErrConcurrencyConflict) {
			return err
		}
		if s.metrics != nil {
			s.metrics.ObserveConflictRetry(op)
		}
		s.logger.Warn("concurrent update, retrying", slog.String("operation", op), slog.Int("attempt", attempt+1), slog.Any("error", err))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	return err
}

func (s *Service) observe(from, to Status) {
	if from == to {
		return
	}
	s.logger.Info("purchase order transition", slog.String("from", string(from)), slog.String("to", string(to)))
	if s.metrics != nil {
		s.metrics.ObserveOrderTransition(string(from), string(to))
	}
}

func (s *Service) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("invalidate inventory cache", slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "purchase_order", EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
}
