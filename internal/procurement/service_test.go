package procurement

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/medstock/internal/inventory"
	"github.com/odyssey-erp/medstock/internal/shared"
)

type memoryProcRepo struct {
	mu        sync.Mutex
	orders    map[int64]Order
	lines     map[int64]Line
	history   []StatusChange
	keys      map[string]string
	approvals []shared.ApprovalLog
	stocked   []inventory.ReceiveInput
	nextOrder int64
	nextLine  int64
	conflicts int
	txCalls   int
	open      bool
}

type memoryProcTx struct {
	repo *memoryProcRepo
}

func newMemoryProcRepo() *memoryProcRepo {
	return &memoryProcRepo{orders: map[int64]Order{}, lines: map[int64]Line{}, keys: map[string]string{}}
}

func (r *memoryProcRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txCalls++
	if r.conflicts > 0 {
		r.conflicts--
		return fmt.Errorf("%w: serialization failure", shared.ErrConcurrencyConflict)
	}
	orders, lines, keys := maps.Clone(r.orders), maps.Clone(r.lines), maps.Clone(r.keys)
	history, approvals, stocked := slices.Clone(r.history), slices.Clone(r.approvals), slices.Clone(r.stocked)
	ids := [2]int64{r.nextOrder, r.nextLine}
	r.open = true
	defer func() { r.open = false }()
	if err := fn(ctx, &memoryProcTx{repo: r}); err != nil {
		r.orders, r.lines, r.keys = orders, lines, keys
		r.history, r.approvals, r.stocked = history, approvals, stocked
		r.nextOrder, r.nextLine = ids[0], ids[1]
		return err
	}
	return nil
}

func (r *memoryProcRepo) GetOrder(_ context.Context, id int64) (Order, []Line, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(id)
}

func (r *memoryProcRepo) load(id int64) (Order, []Line, error) {
	o, ok := r.orders[id]
	if !ok {
		return Order{}, nil, fmt.Errorf("purchase order %d: %w", id, ErrNotFound)
	}
	var out []Line
	for _, l := range r.lines {
		if l.OrderID == id {
			out = append(out, l)
		}
	}
	slices.SortFunc(out, func(a, b Line) int { return int(a.ID - b.ID) })
	return o, out, nil
}

func (r *memoryProcRepo) ListStatusHistory(_ context.Context, id int64) ([]StatusChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []StatusChange
	for _, c := range r.history {
		if c.OrderID == id {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *memoryProcRepo) line(id int64) Line {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lines[id]
}

func (r *memoryProcRepo) storedStatus(id int64) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orders[id].Status
}

func (tx *memoryProcTx) CreateOrder(_ context.Context, o Order) (Order, error) {
	tx.repo.nextOrder++
	o.ID = tx.repo.nextOrder
	o.CreatedAt = time.Now()
	o.UpdatedAt = o.CreatedAt
	tx.repo.orders[o.ID] = o
	return o, nil
}

func (tx *memoryProcTx) InsertLine(_ context.Context, l Line) (Line, error) {
	tx.repo.nextLine++
	l.ID = tx.repo.nextLine
	tx.repo.lines[l.ID] = l
	return l, nil
}

func (tx *memoryProcTx) GetOrderForUpdate(_ context.Context, id int64) (Order, []Line, error) {
	return tx.repo.load(id)
}

func (tx *memoryProcTx) AddReceived(_ context.Context, lineID, qty int64) error {
	l := tx.repo.lines[lineID]
	if l.ReceivedQty+qty > l.OrderedQty {
		return ErrReceiptExceedsOrdered
	}
	l.ReceivedQty += qty
	tx.repo.lines[lineID] = l
	return nil
}

func (tx *memoryProcTx) FillReceived(_ context.Context, lineID int64) error {
	l := tx.repo.lines[lineID]
	l.ReceivedQty = max(l.ReceivedQty, l.OrderedQty)
	tx.repo.lines[lineID] = l
	return nil
}

func (tx *memoryProcTx) UpdateStatus(_ context.Context, id int64, status Status) error {
	o := tx.repo.orders[id]
	o.Status = status
	tx.repo.orders[id] = o
	return nil
}

func (tx *memoryProcTx) SetApproval(_ context.Context, id, by int64, notes string, at time.Time) error {
	o := tx.repo.orders[id]
	o.ApprovedBy, o.ApprovalNotes, o.ApprovedAt = by, notes, &at
	tx.repo.orders[id] = o
	return nil
}

func (tx *memoryProcTx) InsertStatusChange(_ context.Context, c StatusChange) error {
	c.ID = int64(len(tx.repo.history) + 1)
	tx.repo.history = append(tx.repo.history, c)
	return nil
}

// inTx adapts the collaborators that share the caller's transaction. Their
// methods run while WithTx holds the lock, so they must not take it again.
type inTx struct {
	repo *memoryProcRepo
}

func (t inTx) CheckAndInsert(_ context.Context, key, module string) error {
	if _, ok := t.repo.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	t.repo.keys[key] = module
	return nil
}

func (t inTx) Record(_ context.Context, log shared.ApprovalLog) error {
	t.repo.approvals = append(t.repo.approvals, log)
	return nil
}

type stubInventory struct {
	repo   *memoryProcRepo
	failOn int
	calls  int
}

func (s *stubInventory) ReceiveStock(_ context.Context, in inventory.ReceiveInput) (inventory.ReceiveResult, error) {
	s.calls++
	if s.failOn > 0 && s.calls == s.failOn {
		return inventory.ReceiveResult{}, errors.New("batch insert failed")
	}
	s.repo.stocked = append(s.repo.stocked, in)
	return inventory.ReceiveResult{Batch: inventory.Batch{ID: int64(len(s.repo.stocked)), ProductID: in.ProductID, LocationID: in.LocationID}}, nil
}

type stubMetrics struct {
	transitions []string
	retries     int
}

func (m *stubMetrics) ObserveOrderTransition(from, to string) {
	m.transitions = append(m.transitions, from+">"+to)
}

func (m *stubMetrics) ObserveConflictRetry(string) { m.retries++ }

// bumpLog notes whether each cache bump ran inside an open transaction.
type bumpLog struct {
	repo  *memoryProcRepo
	inTx  int
	after int
}

func (b *bumpLog) Bump(context.Context) error {
	if b.repo.open {
		b.inTx++
	} else {
		b.after++
	}
	return nil
}

type stubRefs struct{ unknown map[int64]bool }

func (s stubRefs) LocationExists(_ context.Context, id int64) (bool, error) { return !s.unknown[id], nil }
func (s stubRefs) ProductExists(_ context.Context, id int64) (bool, error)  { return !s.unknown[id], nil }
func (s stubRefs) EmployeeExists(_ context.Context, id int64) (bool, error) { return !s.unknown[id], nil }

const (
	pharmacy = int64(2)
	supplier = int64(40)
	amox     = int64(10)
	para     = int64(11)
	manager  = int64(7)
)

type fixture struct {
	svc     *Service
	repo    *memoryProcRepo
	inv     *stubInventory
	metrics *stubMetrics
	bumps   *bumpLog
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	repo := newMemoryProcRepo()
	inv := &stubInventory{repo: repo}
	metrics := &stubMetrics{}
	bumps := &bumpLog{repo: repo}
	svc := NewService(repo, Deps{
		Inventory:   inv,
		References:  stubRefs{unknown: map[int64]bool{999: true}},
		Idempotency: inTx{repo: repo},
		Approvals:   inTx{repo: repo},
		Metrics:     metrics,
		Cache:       bumps,
		MaxRetries:  2,
	})
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	return fixture{svc: svc, repo: repo, inv: inv, metrics: metrics, bumps: bumps}
}

func (f fixture) order(t *testing.T, qtys ...int64) OrderView {
	t.Helper()
	input := CreateOrderInput{SupplierID: supplier, LocationID: pharmacy, ActorID: manager}
	for i, q := range qtys {
		input.Lines = append(input.Lines, CreateLineInput{ProductID: amox + int64(i), OrderedQty: q, UnitCost: decimal.RequireFromString("1.25")})
	}
	view, err := f.svc.CreateOrder(context.Background(), input)
	require.NoError(t, err)
	return view
}

func receipt(view OrderView, qtys ...int64) ReceiptInput {
	in := ReceiptInput{OrderID: view.Order.ID, ActorID: manager}
	for i, q := range qtys {
		in.Lines = append(in.Lines, ReceiptLine{LineID: view.Lines[i].ID, Quantity: q})
	}
	return in
}

func TestCreateOrderStartsDelivered(t *testing.T) {
	f := newFixture(t)
	view := f.order(t, 10, 5)
	require.Equal(t, StatusDelivered, view.EffectiveStatus)
	require.EqualValues(t, 15, view.TotalOrdered)
	require.EqualValues(t, 15, view.TotalMissing)

	history, err := f.svc.History(context.Background(), view.Order.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, EventCreate, history[0].Event)
	require.Equal(t, StatusDelivered, history[0].To)
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateOrder(ctx, CreateOrderInput{SupplierID: supplier, LocationID: pharmacy})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.CreateOrder(ctx, CreateOrderInput{SupplierID: supplier, LocationID: pharmacy, Lines: []CreateLineInput{{ProductID: amox, OrderedQty: 0}}})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.CreateOrder(ctx, CreateOrderInput{SupplierID: supplier, LocationID: 999, Lines: []CreateLineInput{{ProductID: amox, OrderedQty: 1}}})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.CreateOrder(ctx, CreateOrderInput{SupplierID: supplier, LocationID: pharmacy, Lines: []CreateLineInput{{ProductID: amox, OrderedQty: 1, UnitCost: decimal.NewFromInt(-1)}}})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestRecordReceiptPartialStocksImmediately(t *testing.T) {
	f := newFixture(t)
	view := f.order(t, 10)

	res, err := f.svc.RecordReceipt(context.Background(), receipt(view, 4))
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, res.PreviousStatus)
	require.Equal(t, StatusPartial, res.Status)
	require.EqualValues(t, 6, res.Order.TotalMissing)
	require.Equal(t, StatusPartial, f.repo.storedStatus(view.Order.ID))

	require.Len(t, f.repo.stocked, 1)
	in := f.repo.stocked[0]
	require.Equal(t, pharmacy, in.LocationID)
	require.Equal(t, amox, in.ProductID)
	require.EqualValues(t, 4, in.Quantity)
	require.Equal(t, view.Lines[0].ID, in.PurchaseDtlID)
	require.Equal(t, fmt.Sprintf("PO%d-L%d", view.Order.ID, view.Lines[0].ID), in.Reference)
	require.True(t, in.UnitCost.Equal(decimal.RequireFromString("1.25")))
	require.Equal(t, []string{"delivered>partial"}, f.metrics.transitions)
}

func TestRecordReceiptAccumulatesToComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.order(t, 10, 5)

	_, err := f.svc.RecordReceipt(ctx, receipt(view, 4, 0))
	require.NoError(t, err)
	_, err = f.svc.RecordReceipt(ctx, receipt(view, 6, 0))
	require.NoError(t, err)
	got, err := f.svc.GetOrder(ctx, view.Order.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPartial, got.EffectiveStatus, "second line still missing")

	res, err := f.svc.RecordReceipt(ctx, receipt(view, 0, 5))
	require.NoError(t, err)
	require.Equal(t, StatusComplete, res.Status)
	require.Zero(t, res.Order.TotalMissing)

	_, err = f.svc.RecordReceipt(ctx, receipt(view, 0, 1))
	require.ErrorIs(t, err, ErrInvalidState)

	history, err := f.svc.History(ctx, view.Order.ID)
	require.NoError(t, err)
	var tos []Status
	for _, h := range history {
		tos = append(tos, h.To)
	}
	require.Equal(t, []Status{StatusDelivered, StatusPartial, StatusComplete}, tos)
}

func TestRecordReceiptRejectsOverReceipt(t *testing.T) {
	f := newFixture(t)
	view := f.order(t, 10)
	_, err := f.svc.RecordReceipt(context.Background(), receipt(view, 8))
	require.NoError(t, err)

	_, err = f.svc.RecordReceipt(context.Background(), receipt(view, 3))
	require.ErrorIs(t, err, ErrReceiptExceedsOrdered)
	require.ErrorIs(t, err, shared.ErrValidation)
	require.EqualValues(t, 8, f.repo.line(view.Lines[0].ID).ReceivedQty)
	require.Len(t, f.repo.stocked, 1)
}

func TestRecordReceiptValidation(t *testing.T) {
	f := newFixture(t)
	view := f.order(t, 10, 5)
	ctx := context.Background()

	_, err := f.svc.RecordReceipt(ctx, receipt(view, 0, 0))
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.RecordReceipt(ctx, receipt(view, -1, 2))
	require.ErrorIs(t, err, shared.ErrValidation)

	dup := receipt(view, 1)
	dup.Lines = append(dup.Lines, dup.Lines[0])
	_, err = f.svc.RecordReceipt(ctx, dup)
	require.ErrorIs(t, err, shared.ErrValidation)

	foreign := ReceiptInput{OrderID: view.Order.ID, Lines: []ReceiptLine{{LineID: 404, Quantity: 1}}}
	_, err = f.svc.RecordReceipt(ctx, foreign)
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.RecordReceipt(ctx, ReceiptInput{OrderID: 77, Lines: []ReceiptLine{{LineID: 1, Quantity: 1}}})
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Empty(t, f.repo.stocked)
}

func TestRecordReceiptIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	view := f.order(t, 10)
	in := receipt(view, 4)
	in.IdempotencyKey = "dock-7-0001"

	_, err := f.svc.RecordReceipt(context.Background(), in)
	require.NoError(t, err)
	_, err = f.svc.RecordReceipt(context.Background(), in)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.EqualValues(t, 4, f.repo.line(view.Lines[0].ID).ReceivedQty)
	require.Len(t, f.repo.stocked, 1)
}

func TestRecordReceiptKeyReleasedOnFailure(t *testing.T) {
	f := newFixture(t)
	view := f.order(t, 10)
	in := receipt(view, 4)
	in.IdempotencyKey = "dock-7-0002"
	f.inv.failOn = 1

	_, err := f.svc.RecordReceipt(context.Background(), in)
	require.Error(t, err)
	require.Zero(t, f.repo.line(view.Lines[0].ID).ReceivedQty)

	_, err = f.svc.RecordReceipt(context.Background(), in)
	require.NoError(t, err, "rolled back key can be reused")
}

func TestApproveFromPartialAutoReceivesMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.order(t, 10)
	_, err := f.svc.RecordReceipt(ctx, receipt(view, 4))
	require.NoError(t, err)

	res, err := f.svc.ApproveOrder(ctx, ApproveInput{OrderID: view.Order.ID, ApprovedBy: manager, Notes: "short shipment accepted"})
	require.NoError(t, err)
	require.Equal(t, StatusPartial, res.PreviousStatus)
	require.Equal(t, StatusReceived, res.Status)
	require.Equal(t, []Status{StatusApproved, StatusComplete, StatusReceived}, res.Hops)
	require.EqualValues(t, 6, res.AutoReceivedQty)
	require.Len(t, res.AutoReceived, 1)
	require.EqualValues(t, 6, res.AutoReceived[0].Quantity)

	require.Len(t, f.repo.stocked, 2)
	require.EqualValues(t, 6, f.repo.stocked[1].Quantity)
	require.Equal(t, view.Lines[0].ID, f.repo.stocked[1].PurchaseDtlID)
	require.EqualValues(t, 10, f.repo.line(view.Lines[0].ID).ReceivedQty)

	got, err := f.svc.GetOrder(ctx, view.Order.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReceived, got.EffectiveStatus)
	require.Equal(t, manager, got.Order.ApprovedBy)
	require.NotNil(t, got.Order.ApprovedAt)

	history, err := f.svc.History(ctx, view.Order.ID)
	require.NoError(t, err)
	tail := history[len(history)-3:]
	require.Equal(t, StatusPartial, tail[0].From)
	require.Equal(t, EventApprove, tail[0].Event)
	require.Equal(t, StatusApproved, tail[1].From)
	require.Equal(t, StatusComplete, tail[1].To)
	require.Equal(t, EventAutoReceive, tail[1].Event)
	require.Equal(t, StatusReceived, tail[2].To)

	require.Len(t, f.repo.approvals, 1)
	require.Equal(t, shared.ApprovalApprove, f.repo.approvals[0].Action)
	require.Equal(t, []string{"delivered>partial", "partial>approved", "approved>complete", "complete>received"}, f.metrics.transitions)
}

func TestStockCacheBumpedAfterCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.order(t, 10)

	_, err := f.svc.RecordReceipt(ctx, receipt(view, 4))
	require.NoError(t, err)
	require.Equal(t, 0, f.bumps.inTx)
	require.Equal(t, 1, f.bumps.after)

	_, err = f.svc.ApproveOrder(ctx, ApproveInput{OrderID: view.Order.ID, ApprovedBy: manager})
	require.NoError(t, err)
	require.Equal(t, 0, f.bumps.inTx)
	require.Equal(t, 2, f.bumps.after)
}

func TestFailedApprovalLeavesCacheAlone(t *testing.T) {
	f := newFixture(t)
	view := f.order(t, 10, 5)
	f.inv.failOn = 2

	_, err := f.svc.ApproveOrder(context.Background(), ApproveInput{OrderID: view.Order.ID, ApprovedBy: manager})
	require.Error(t, err)
	require.Zero(t, f.bumps.inTx+f.bumps.after)
}

func TestApproveFromCompleteSkipsAutoReceive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.order(t, 3)
	_, err := f.svc.RecordReceipt(ctx, receipt(view, 3))
	require.NoError(t, err)

	res, err := f.svc.ApproveOrder(ctx, ApproveInput{OrderID: view.Order.ID, ApprovedBy: manager})
	require.NoError(t, err)
	require.Equal(t, []Status{StatusApproved, StatusReceived}, res.Hops)
	require.Zero(t, res.AutoReceivedQty)
	require.Len(t, f.repo.stocked, 1)
}

func TestApproveFromDeliveredReceivesEverything(t *testing.T) {
	f := newFixture(t)
	view := f.order(t, 10, 5)
	res, err := f.svc.ApproveOrder(context.Background(), ApproveInput{OrderID: view.Order.ID, ApprovedBy: manager})
	require.NoError(t, err)
	require.EqualValues(t, 15, res.AutoReceivedQty)
	require.Len(t, f.repo.stocked, 2)
	require.Equal(t, StatusReceived, res.Order.EffectiveStatus)
}

func TestApproveRollsBackWhenStockingFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.order(t, 10, 5)
	_, err := f.svc.RecordReceipt(ctx, receipt(view, 4, 0))
	require.NoError(t, err)
	before, err := f.svc.History(ctx, view.Order.ID)
	require.NoError(t, err)

	f.inv.calls = 0
	f.inv.failOn = 2
	_, err = f.svc.ApproveOrder(ctx, ApproveInput{OrderID: view.Order.ID, ApprovedBy: manager})
	require.Error(t, err)

	got, err := f.svc.GetOrder(ctx, view.Order.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPartial, got.EffectiveStatus)
	require.Nil(t, got.Order.ApprovedAt)
	require.EqualValues(t, 4, f.repo.line(view.Lines[0].ID).ReceivedQty)
	require.Zero(t, f.repo.line(view.Lines[1].ID).ReceivedQty)
	require.Len(t, f.repo.stocked, 1)
	require.Empty(t, f.repo.approvals)
	after, err := f.svc.History(ctx, view.Order.ID)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestApproveRejectsTerminalStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.order(t, 2)
	_, err := f.svc.ApproveOrder(ctx, ApproveInput{OrderID: view.Order.ID, ApprovedBy: manager})
	require.NoError(t, err)

	_, err = f.svc.ApproveOrder(ctx, ApproveInput{OrderID: view.Order.ID, ApprovedBy: manager})
	require.ErrorIs(t, err, ErrInvalidState)
	_, err = f.svc.CancelOrder(ctx, CancelInput{OrderID: view.Order.ID, ActorID: manager})
	require.ErrorIs(t, err, ErrInvalidState)
	_, err = f.svc.RecordReceipt(ctx, receipt(view, 1))
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = f.svc.ApproveOrder(ctx, ApproveInput{OrderID: view.Order.ID})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.ApproveOrder(ctx, ApproveInput{OrderID: view.Order.ID, ApprovedBy: 999})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.order(t, 10)
	_, err := f.svc.RecordReceipt(ctx, receipt(view, 4))
	require.NoError(t, err)

	res, err := f.svc.CancelOrder(ctx, CancelInput{OrderID: view.Order.ID, ActorID: manager, Notes: "damaged"})
	require.NoError(t, err)
	require.Equal(t, StatusPartial, res.PreviousStatus)
	require.Equal(t, StatusReturn, res.Status)
	require.Len(t, f.repo.stocked, 1, "received stock stays")
	require.Len(t, f.repo.approvals, 1)
	require.Equal(t, shared.ApprovalReject, f.repo.approvals[0].Action)

	_, err = f.svc.RecordReceipt(ctx, receipt(view, 1))
	require.ErrorIs(t, err, ErrInvalidState)
	_, err = f.svc.ApproveOrder(ctx, ApproveInput{OrderID: view.Order.ID, ApprovedBy: manager})
	require.ErrorIs(t, err, ErrInvalidState)
	_, err = f.svc.CancelOrder(ctx, CancelInput{OrderID: view.Order.ID})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestGetOrderIgnoresStaleStoredStatus(t *testing.T) {
	f := newFixture(t)
	view := f.order(t, 10)
	f.repo.mu.Lock()
	l := f.repo.lines[view.Lines[0].ID]
	l.ReceivedQty = 10
	f.repo.lines[l.ID] = l
	f.repo.mu.Unlock()

	got, err := f.svc.GetOrder(context.Background(), view.Order.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, got.Order.Status)
	require.Equal(t, StatusComplete, got.EffectiveStatus)

	res, err := f.svc.ApproveOrder(context.Background(), ApproveInput{OrderID: view.Order.ID, ApprovedBy: manager})
	require.NoError(t, err)
	require.Equal(t, StatusComplete, res.PreviousStatus)
	require.Equal(t, []Status{StatusApproved, StatusReceived}, res.Hops)
}

func TestRetriesOnConcurrencyConflict(t *testing.T) {
	f := newFixture(t)
	view := f.order(t, 10)
	f.repo.conflicts = 2
	calls := f.repo.txCalls

	_, err := f.svc.RecordReceipt(context.Background(), receipt(view, 5))
	require.NoError(t, err)
	require.Equal(t, calls+3, f.repo.txCalls)
	require.Equal(t, 2, f.metrics.retries)

	f.repo.conflicts = 5
	_, err = f.svc.RecordReceipt(context.Background(), receipt(view, 1))
	require.ErrorIs(t, err, shared.ErrConcurrencyConflict)
	require.EqualValues(t, 5, f.repo.line(view.Lines[0].ID).ReceivedQty)
}
