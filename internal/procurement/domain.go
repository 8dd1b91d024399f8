package procurement

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/medstock/internal/shared"
)

// Status is the purchase order lifecycle state.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusPartial   Status = "partial"
	StatusComplete  Status = "complete"
	StatusApproved  Status = "approved"
	StatusReceived  Status = "received"
	StatusReturn    Status = "return"
)

// Event triggers a status transition.
type Event string

const (
	EventCreate      Event = "create"
	EventReceive     Event = "receive"
	EventApprove     Event = "approve"
	EventAutoReceive Event = "auto_receive"
	EventCancel      Event = "cancel"
)

var (
	// ErrNotFound indicates a missing purchase order.
	ErrNotFound = shared.ErrNotFound
	// ErrInvalidState indicates the order status does not allow the event.
	ErrInvalidState = shared.ErrInvalidState
	// ErrReceiptExceedsOrdered indicates a receipt above the ordered quantity.
	ErrReceiptExceedsOrdered = fmt.Errorf("%w: received quantity exceeds ordered quantity", shared.ErrValidation)
)

// Order is the purchase order header.
type Order struct {
	ID                   int64      `json:"purchase_header_id"`
	SupplierID           int64      `json:"supplier_id"`
	LocationID           int64      `json:"location_id"`
	Status               Status     `json:"status"`
	ExpectedDeliveryDate *time.Time `json:"expected_delivery_date,omitempty"`
	ApprovedBy           int64      `json:"approved_by,omitempty"`
	ApprovalNotes        string     `json:"approval_notes,omitempty"`
	ApprovedAt           *time.Time `json:"approved_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Line is one ordered product.
type Line struct {
	ID             int64           `json:"purchase_dtl_id"`
	OrderID        int64           `json:"purchase_header_id"`
	ProductID      int64           `json:"product_id"`
	OrderedQty     int64           `json:"ordered_qty"`
	ReceivedQty    int64           `json:"received_qty"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	BatchReference string          `json:"batch_reference,omitempty"`
	ExpirationDate *time.Time      `json:"expiration_date,omitempty"`
}

// MissingQty is the quantity still owed.
func (l Line) MissingQty() int64 {
	return max(0, l.OrderedQty-l.ReceivedQty)
}

// StatusChange is one append-only history row.
type StatusChange struct {
	ID        int64     `json:"id"`
	OrderID   int64     `json:"purchase_header_id"`
	From      Status    `json:"from_status"`
	To        Status    `json:"to_status"`
	Event     Event     `json:"event"`
	ActorID   int64     `json:"actor_id,omitempty"`
	Note      string    `json:"note,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

// LineView adds the derived missing quantity to a line.
type LineView struct {
	Line
	MissingQty int64 `json:"missing_qty"`
}

// OrderView is the read model returned to callers.
type OrderView struct {
	Order           Order      `json:"order"`
	Lines           []LineView `json:"lines"`
	EffectiveStatus Status     `json:"effective_status"`
	TotalOrdered    int64      `json:"total_ordered"`
	TotalReceived   int64      `json:"total_received"`
	TotalMissing    int64      `json:"total_missing"`
}

func newOrderView(order Order, lines []Line) OrderView {
	view := OrderView{Order: order, Lines: make([]LineView, 0, len(lines)), EffectiveStatus: Resolve(order.Status, lines)}
	for _, l := range lines {
		view.Lines = append(view.Lines, LineView{Line: l, MissingQty: l.MissingQty()})
		view.TotalOrdered += l.OrderedQty
		view.TotalReceived += l.ReceivedQty
		view.TotalMissing += l.MissingQty()
	}
	return view
}
