package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/medstock/internal/platform/db"
	"github.com/odyssey-erp/medstock/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListBatches(ctx context.Context, filter BatchFilter) ([]Batch, error)
	GetTransfer(ctx context.Context, id int64) (TransferDetail, error)
	ListExpiringBatches(ctx context.Context, filter ExpiryFilter) ([]Batch, error)
}

// ReferencePort validates master data references.
type ReferencePort interface {
	LocationExists(ctx context.Context, id int64) (bool, error)
	ProductExists(ctx context.Context, id int64) (bool, error)
	EmployeeExists(ctx context.Context, id int64) (bool, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// LockPort serialises writers to the same stock across processes.
type LockPort interface {
	Acquire(ctx context.Context, keys ...string) (func(), error)
}

// MetricsPort receives domain counters.
type MetricsPort interface {
	ObserveTransfer(replayed bool, shortfallUnits int64)
	ObserveConflictRetry(operation string)
}

// CacheInvalidator drops cached stock reports after a commit.
type CacheInvalidator interface {
	Bump(ctx context.Context) error
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	ShortfallPolicy ShortfallPolicy
	MaxRetries      int
	WarningDays     int
}

// Deps groups the optional collaborators of Service. Nil fields are skipped.
type Deps struct {
	References ReferencePort
	Audit      AuditPort
	Locker     LockPort
	Metrics    MetricsPort
	Cache      CacheInvalidator
	Logger     *slog.Logger
}

// Service coordinates batch ledger operations.
type Service struct {
	repo       RepositoryPort
	references ReferencePort
	audit      AuditPort
	locker     LockPort
	metrics    MetricsPort
	cache      CacheInvalidator
	logger     *slog.Logger
	monitor    *ExpiryMonitor
	policy     ShortfallPolicy
	maxRetries int
	now        func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, deps Deps, cfg ServiceConfig) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := cfg.ShortfallPolicy
	if policy == "" {
		policy = ShortfallWarn
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &Service{
		repo:       repo,
		references: deps.References,
		audit:      deps.Audit,
		locker:     deps.Locker,
		metrics:    deps.Metrics,
		cache:      deps.Cache,
		logger:     logger,
		monitor:    NewExpiryMonitor(repo, cfg.WarningDays),
		policy:     policy,
		maxRetries: retries,
		now:        time.Now,
	}
}

// Monitor exposes the expiry monitor sharing this service's repository.
func (s *Service) Monitor() *ExpiryMonitor { return s.monitor }

// GetBatches lists every batch of a product at a location in FIFO order,
// depleted ones included unless availableOnly is set.
func (s *Service) GetBatches(ctx context.Context, productID, locationID int64, availableOnly bool) ([]Batch, error) {
	if productID <= 0 {
		return nil, shared.Invalid("product_id", "is required")
	}
	if locationID <= 0 {
		return nil, shared.Invalid("location_id", "is required")
	}
	return s.repo.ListBatches(ctx, BatchFilter{ProductID: productID, LocationID: locationID, AvailableOnly: availableOnly})
}

// PlanAllocation previews a FIFO consumption without side effects.
func (s *Service) PlanAllocation(ctx context.Context, productID, locationID, quantity int64) (ConsumptionPlan, error) {
	if quantity <= 0 {
		return ConsumptionPlan{}, shared.Invalid("quantity", "must be greater than zero, got %d", quantity)
	}
	batches, err := s.GetBatches(ctx, productID, locationID, true)
	if err != nil {
		return ConsumptionPlan{}, err
	}
	return Allocate(productID, locationID, quantity, batches)
}

// GetTransfer loads a committed transfer.
func (s *Service) GetTransfer(ctx context.Context, id int64) (TransferDetail, error) {
	if id <= 0 {
		return TransferDetail{}, shared.Invalid("id", "invalid transfer ID")
	}
	return s.repo.GetTransfer(ctx, id)
}

// CommitTransfer moves stock for every requested product from the source to
// the destination inside a single transaction. Under the warn policy
// shortfalls are reported and whatever is available moves; under the block
// policy any shortfall aborts the request.
func (s *Service) CommitTransfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	if err := s.validateTransfer(ctx, req); err != nil {
		return TransferResult{}, err
	}

	keys := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		keys = append(keys, shared.StockLockKey(item.ProductID, req.SourceLocationID))
	}
	release, err := s.lock(ctx, keys...)
	if err != nil {
		return TransferResult{}, err
	}
	defer release()

	var result TransferResult
	err = s.retry(ctx, "commit_transfer", func() error {
		var err error
		result, err = s.commitTransferOnce(ctx, req)
		return err
	})
	if err != nil {
		return TransferResult{}, err
	}

	if result.Replayed {
		if s.metrics != nil {
			s.metrics.ObserveTransfer(true, 0)
		}
		return result, nil
	}

	var shortUnits int64
	for _, sf := range result.Shortfalls {
		shortUnits += sf.Requested - sf.Available
		s.logger.Warn("insufficient stock for transfer",
			slog.Int64("transfer_id", result.TransferID),
			slog.Int64("product_id", sf.ProductID),
			slog.Int64("location_id", req.SourceLocationID),
			slog.Int64("requested", sf.Requested),
			slog.Int64("available", sf.Available))
	}
	if s.metrics != nil {
		s.metrics.ObserveTransfer(false, shortUnits)
	}
	s.invalidate(ctx)
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  req.EmployeeID,
			Action:   "inventory:transfer",
			Entity:   "transfer",
			EntityID: fmt.Sprintf("%d", result.TransferID),
			Meta: map[string]any{
				"source_location_id":      req.SourceLocationID,
				"destination_location_id": req.DestinationLocationID,
				"items":                   len(req.Items),
				"shortfall_units":         shortUnits,
			},
		})
	}
	return result, nil
}

func (s *Service) commitTransferOnce(ctx context.Context, req TransferRequest) (TransferResult, error) {
	result := TransferResult{PerProduct: []ConsumptionPlan{}, Shortfalls: []Shortfall{}, ExpiryWarnings: []ExpiryAlert{}}
	now := s.now().UTC()
	var replayID int64

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if req.IdempotencyKey != "" {
			id, found, err := tx.FindTransferByKey(ctx, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if found {
				replayID = id
				return nil
			}
		}
		transferID, err := tx.InsertTransfer(ctx, Transfer{
			IdempotencyKey:        req.IdempotencyKey,
			SourceLocationID:      req.SourceLocationID,
			DestinationLocationID: req.DestinationLocationID,
			EmployeeID:            req.EmployeeID,
			Note:                  req.Note,
			CreatedAt:             now,
		})
		if err != nil {
			return err
		}
		result.TransferID = transferID

		for _, item := range req.Items {
			batches, err := tx.ListBatchesForUpdate(ctx, item.ProductID, req.SourceLocationID)
			if err != nil {
				return err
			}
			plan, err := Allocate(item.ProductID, req.SourceLocationID, item.Quantity, batches)
			if err != nil {
				return err
			}
			if plan.Shortfall > 0 {
				if s.policy == ShortfallBlock {
					return fmt.Errorf("%w: product %d requested %d, available %d", ErrInsufficientStock, item.ProductID, item.Quantity, plan.TotalAllocated)
				}
				result.Shortfalls = append(result.Shortfalls, Shortfall{ProductID: item.ProductID, Requested: item.Quantity, Available: plan.TotalAllocated})
			}
			if err := s.applyPlan(ctx, tx, transferID, req, plan, batches, now); err != nil {
				return err
			}
			if err := tx.InsertTransferItem(ctx, TransferItemRecord{
				TransferID:        transferID,
				ProductID:         item.ProductID,
				RequestedQuantity: item.Quantity,
				AllocatedQuantity: plan.TotalAllocated,
			}); err != nil {
				return err
			}
			result.PerProduct = append(result.PerProduct, plan)
			result.ExpiryWarnings = append(result.ExpiryWarnings, s.monitor.CheckPlan(plan)...)
		}
		return nil
	})
	if err != nil {
		return TransferResult{}, err
	}
	if replayID != 0 {
		return s.replay(ctx, replayID, req)
	}
	return result, nil
}

func (s *Service) applyPlan(ctx context.Context, tx TxRepository, transferID int64, req TransferRequest, plan ConsumptionPlan, locked []Batch, now time.Time) error {
	byID := make(map[int64]Batch, len(locked))
	for _, b := range locked {
		byID[b.ID] = b
	}
	for _, line := range plan.Lines {
		src, ok := byID[line.BatchID]
		if !ok {
			return fmt.Errorf("%w: batch %d vanished during commit", shared.ErrConcurrencyConflict, line.BatchID)
		}
		if err := tx.ConsumeBatch(ctx, src.ID, src.RemainingQuantity, line.QuantityTaken); err != nil {
			return err
		}
		dst, err := tx.InsertBatch(ctx, Batch{
			ProductID:        src.ProductID,
			LocationID:       req.DestinationLocationID,
			Reference:        src.Reference,
			EntryDate:        now,
			ExpirationDate:   src.ExpirationDate,
			UnitCost:         src.UnitCost,
			ReceivedQuantity: line.QuantityTaken,
		})
		if err != nil {
			return err
		}
		if _, err := tx.InsertMovement(ctx, BatchConsumption{
			Movement:           MovementTransfer,
			TransferID:         transferID,
			ProductID:          src.ProductID,
			BatchID:            src.ID,
			DestinationBatchID: dst.ID,
			BatchReference:     src.Reference,
			Quantity:           line.QuantityTaken,
			UnitCost:           src.UnitCost,
			ExpirationDate:     src.ExpirationDate,
			SourceDepleted:     line.WillBeDepleted,
		}); err != nil {
			return err
		}
	}
	return nil
}

// replay rebuilds the result of an already committed transfer. A key reused
// for a different request is a conflict.
func (s *Service) replay(ctx context.Context, transferID int64, req TransferRequest) (TransferResult, error) {
	detail, err := s.repo.GetTransfer(ctx, transferID)
	if err != nil {
		return TransferResult{}, err
	}
	if !sameTransfer(detail, req) {
		return TransferResult{}, fmt.Errorf("%w: key %q belongs to transfer %d with a different payload",
			shared.ErrIdempotencyConflict, req.IdempotencyKey, transferID)
	}
	result := TransferResult{
		TransferID:     transferID,
		PerProduct:     make([]ConsumptionPlan, 0, len(detail.Items)),
		Shortfalls:     []Shortfall{},
		ExpiryWarnings: []ExpiryAlert{},
		Replayed:       true,
	}
	for _, item := range detail.Items {
		plan := ConsumptionPlan{
			ProductID:      item.ProductID,
			LocationID:     detail.Transfer.SourceLocationID,
			Requested:      item.RequestedQuantity,
			TotalAllocated: item.AllocatedQuantity,
			Shortfall:      item.RequestedQuantity - item.AllocatedQuantity,
			Lines:          []AllocationLine{},
		}
		for _, c := range detail.Consumptions {
			if c.ProductID != item.ProductID || c.Movement != MovementTransfer {
				continue
			}
			plan.Lines = append(plan.Lines, AllocationLine{
				BatchID:        c.BatchID,
				BatchReference: c.BatchReference,
				QuantityTaken:  c.Quantity,
				UnitCost:       c.UnitCost,
				ExpirationDate: c.ExpirationDate,
				WillBeDepleted: c.SourceDepleted,
			})
		}
		if plan.Shortfall > 0 {
			result.Shortfalls = append(result.Shortfalls, Shortfall{ProductID: item.ProductID, Requested: item.RequestedQuantity, Available: item.AllocatedQuantity})
		}
		result.PerProduct = append(result.PerProduct, plan)
		result.ExpiryWarnings = append(result.ExpiryWarnings, s.monitor.CheckPlan(plan)...)
	}
	return result, nil
}

func sameTransfer(detail TransferDetail, req TransferRequest) bool {
	if detail.Transfer.SourceLocationID != req.SourceLocationID ||
		detail.Transfer.DestinationLocationID != req.DestinationLocationID ||
		len(detail.Items) != len(req.Items) {
		return false
	}
	requested := make(map[int64]int64, len(detail.Items))
	for _, it := range detail.Items {
		requested[it.ProductID] = it.RequestedQuantity
	}
	for _, it := range req.Items {
		if qty, ok := requested[it.ProductID]; !ok || qty != it.Quantity {
			return false
		}
	}
	return true
}

// ReceiveStock stocks a new batch at a location and records the receipt in
// the movement ledger. It joins the caller's transaction when there is one;
// the caller then owns cache invalidation after its commit.
func (s *Service) ReceiveStock(ctx context.Context, input ReceiveInput) (ReceiveResult, error) {
	if input.LocationID <= 0 {
		return ReceiveResult{}, shared.Invalid("location_id", "is required")
	}
	if input.ProductID <= 0 {
		return ReceiveResult{}, shared.Invalid("product_id", "is required")
	}
	if input.Quantity <= 0 {
		return ReceiveResult{}, shared.Invalid("quantity", "must be greater than zero, got %d", input.Quantity)
	}
	if input.UnitCost.IsNegative() {
		return ReceiveResult{}, shared.Invalid("unit_cost", "must not be negative")
	}
	if err := s.checkRefs(ctx, refCheck{"location_id", input.LocationID, s.locationExists}, refCheck{"product_id", input.ProductID, s.productExists}); err != nil {
		return ReceiveResult{}, err
	}
	entry := input.EntryDate
	if entry.IsZero() {
		entry = s.now()
	}
	ref := strings.TrimSpace(input.Reference)
	if ref == "" {
		ref = "RCV-" + strings.ToUpper(uuid.NewString()[:8])
	}

	var result ReceiveResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		b, err := tx.InsertBatch(ctx, Batch{
			ProductID:        input.ProductID,
			LocationID:       input.LocationID,
			Reference:        ref,
			EntryDate:        entry.UTC(),
			ExpirationDate:   dateOnly(input.ExpirationDate),
			UnitCost:         input.UnitCost,
			ReceivedQuantity: input.Quantity,
		})
		if err != nil {
			return err
		}
		m, err := tx.InsertMovement(ctx, BatchConsumption{
			Movement:       MovementReceipt,
			PurchaseDtlID:  input.PurchaseDtlID,
			ProductID:      b.ProductID,
			BatchID:        b.ID,
			BatchReference: b.Reference,
			Quantity:       input.Quantity,
			UnitCost:       b.UnitCost,
			ExpirationDate: b.ExpirationDate,
		})
		if err != nil {
			return err
		}
		result = ReceiveResult{Batch: b, Movement: m}
		return nil
	})
	if err != nil {
		return ReceiveResult{}, err
	}
	if _, joined := db.TxFromContext(ctx); !joined {
		s.invalidate(ctx)
	}
	if s.audit != nil && input.PurchaseDtlID == 0 {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "inventory:receive",
			Entity:   "batch",
			EntityID: fmt.Sprintf("%d", result.Batch.ID),
			Meta: map[string]any{
				"location_id": input.LocationID,
				"product_id":  input.ProductID,
				"quantity":    input.Quantity,
				"note":        input.Note,
			},
		})
	}
	return result, nil
}

func (s *Service) validateTransfer(ctx context.Context, req TransferRequest) error {
	if req.SourceLocationID <= 0 {
		return shared.Invalid("source_location_id", "is required")
	}
	if req.DestinationLocationID <= 0 {
		return shared.Invalid("destination_location_id", "is required")
	}
	if req.SourceLocationID == req.DestinationLocationID {
		return fmt.Errorf("%w: %w", shared.ErrValidation, ErrSameLocation)
	}
	if req.EmployeeID <= 0 {
		return shared.Invalid("employee_id", "is required")
	}
	if len(req.Items) == 0 {
		return shared.Invalid("items", "at least one item is required")
	}
	seen := make(map[int64]struct{}, len(req.Items))
	checks := []refCheck{
		{"source_location_id", req.SourceLocationID, s.locationExists},
		{"destination_location_id", req.DestinationLocationID, s.locationExists},
		{"employee_id", req.EmployeeID, s.employeeExists},
	}
	for i, item := range req.Items {
		field := fmt.Sprintf("items[%d]", i)
		if item.ProductID <= 0 {
			return shared.Invalid(field+".product_id", "is required")
		}
		if item.Quantity <= 0 {
			return shared.Invalid(field+".quantity", "must be greater than zero, got %d", item.Quantity)
		}
		if _, dup := seen[item.ProductID]; dup {
			return shared.Invalid(field+".product_id", "product %d listed more than once", item.ProductID)
		}
		seen[item.ProductID] = struct{}{}
		checks = append(checks, refCheck{field + ".product_id", item.ProductID, s.productExists})
	}
	return s.checkRefs(ctx, checks...)
}

type refCheck struct {
	field  string
	id     int64
	exists func(context.Context, int64) (bool, error)
}

func (s *Service) checkRefs(ctx context.Context, checks ...refCheck) error {
	if s.references == nil {
		return nil
	}
	for _, c := range checks {
		ok, err := c.exists(ctx, c.id)
		if err != nil {
			return err
		}
		if !ok {
			return shared.Invalid(c.field, "unknown reference %d", c.id)
		}
	}
	return nil
}

func (s *Service) locationExists(ctx context.Context, id int64) (bool, error) {
	return s.references.LocationExists(ctx, id)
}

func (s *Service) productExists(ctx context.Context, id int64) (bool, error) {
	return s.references.ProductExists(ctx, id)
}

func (s *Service) employeeExists(ctx context.Context, id int64) (bool, error) {
	return s.references.EmployeeExists(ctx, id)
}

func (s *Service) lock(ctx context.Context, keys ...string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	slices.Sort(keys)
	return s.locker.Acquire(ctx, keys...)
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

func (s *Service) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("invalidate inventory cache", slog.Any("error", err))
	}
}
