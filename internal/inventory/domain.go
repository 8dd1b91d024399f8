package inventory

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/medstock/internal/shared"
)

// MovementType enumerates rows of the movement ledger.
type MovementType string

const (
	// MovementTransfer records units consumed from a source batch by a transfer.
	MovementTransfer MovementType = "TRANSFER"
	// MovementReceipt records units stocked into a batch by a receipt.
	MovementReceipt MovementType = "RECEIPT"
)

// ShortfallPolicy decides what the orchestrator does when stock runs out.
type ShortfallPolicy string

const (
	// ShortfallWarn commits what is available and reports the rest.
	ShortfallWarn ShortfallPolicy = "warn"
	// ShortfallBlock rejects the whole request.
	ShortfallBlock ShortfallPolicy = "block"
)

var (
	// ErrInvalidQuantity indicates a zero or negative quantity.
	ErrInvalidQuantity = errors.New("inventory: quantity must be greater than zero")
	// ErrSameLocation indicates source equals destination.
	ErrSameLocation = errors.New("inventory: source and destination location must differ")
	// ErrInsufficientStock is returned under ShortfallBlock.
	ErrInsufficientStock = shared.ErrInsufficientStock
)

// Batch is one lot of a product held at a location.
type Batch struct {
	ID                int64           `json:"batch_id"`
	ProductID         int64           `json:"product_id"`
	LocationID        int64           `json:"location_id"`
	Reference         string          `json:"batch_reference"`
	EntryDate         time.Time       `json:"entry_date"`
	ExpirationDate    *time.Time      `json:"expiration_date,omitempty"`
	UnitCost          decimal.Decimal `json:"unit_cost"`
	ReceivedQuantity  int64           `json:"received_quantity"`
	RemainingQuantity int64           `json:"remaining_quantity"`
	CreatedAt         time.Time       `json:"created_at"`
}

// BatchFilter narrows batch listings.
type BatchFilter struct {
	ProductID     int64
	LocationID    int64
	AvailableOnly bool
}

// AllocationLine is one batch touched by a plan.
type AllocationLine struct {
	BatchID        int64           `json:"batch_id"`
	BatchReference string          `json:"batch_reference"`
	QuantityTaken  int64           `json:"quantity_taken"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	ExpirationDate *time.Time      `json:"expiration_date,omitempty"`
	WillBeDepleted bool            `json:"will_be_depleted"`
}

// ConsumptionPlan is the FIFO answer for one product at one location.
type ConsumptionPlan struct {
	ProductID      int64            `json:"product_id"`
	LocationID     int64            `json:"location_id"`
	Requested      int64            `json:"requested"`
	TotalAllocated int64            `json:"total_allocated"`
	Shortfall      int64            `json:"shortfall"`
	Lines          []AllocationLine `json:"lines"`
}

// Cost returns the value of the allocated units.
func (p ConsumptionPlan) Cost() decimal.Decimal {
	total := decimal.Zero
	for _, l := range p.Lines {
		total = total.Add(l.UnitCost.Mul(decimal.NewFromInt(l.QuantityTaken)))
	}
	return total
}

// TransferItem requests a quantity of one product.
type TransferItem struct {
	ProductID int64
	Quantity  int64
}

// TransferRequest moves several products between two locations.
type TransferRequest struct {
	IdempotencyKey        string
	SourceLocationID      int64
	DestinationLocationID int64
	EmployeeID            int64
	Note                  string
	Items                 []TransferItem
}

// Transfer is the persisted transfer header.
type Transfer struct {
	ID                    int64     `json:"transfer_id"`
	IdempotencyKey        string    `json:"idempotency_key,omitempty"`
	SourceLocationID      int64     `json:"source_location_id"`
	DestinationLocationID int64     `json:"destination_location_id"`
	EmployeeID            int64     `json:"employee_id"`
	Note                  string    `json:"note,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
}

// TransferItemRecord stores what was asked and what moved per product.
type TransferItemRecord struct {
	TransferID        int64 `json:"transfer_id"`
	ProductID         int64 `json:"product_id"`
	RequestedQuantity int64 `json:"requested_quantity"`
	AllocatedQuantity int64 `json:"allocated_quantity"`
}

// BatchConsumption is an immutable movement ledger row.
type BatchConsumption struct {
	ID                 int64           `json:"id"`
	Movement           MovementType    `json:"movement"`
	TransferID         int64           `json:"transfer_id,omitempty"`
	PurchaseDtlID      int64           `json:"purchase_dtl_id,omitempty"`
	ProductID          int64           `json:"product_id"`
	BatchID            int64           `json:"batch_id"`
	DestinationBatchID int64           `json:"destination_batch_id,omitempty"`
	BatchReference     string          `json:"batch_reference"`
	Quantity           int64           `json:"quantity"`
	UnitCost           decimal.Decimal `json:"unit_cost"`
	ExpirationDate     *time.Time      `json:"expiration_date,omitempty"`
	SourceDepleted     bool            `json:"source_depleted,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// Shortfall reports units that could not be moved.
type Shortfall struct {
	ProductID int64 `json:"product_id"`
	Requested int64 `json:"requested"`
	Available int64 `json:"available"`
}

// TransferResult is returned by CommitTransfer and by replays.
type TransferResult struct {
	TransferID     int64             `json:"transfer_id"`
	PerProduct     []ConsumptionPlan `json:"per_product"`
	Shortfalls     []Shortfall       `json:"shortfalls"`
	ExpiryWarnings []ExpiryAlert     `json:"expiry_warnings"`
	Replayed       bool              `json:"replayed"`
}

// TransferDetail is the read model of a committed transfer.
type TransferDetail struct {
	Transfer     Transfer             `json:"transfer"`
	Items        []TransferItemRecord `json:"items"`
	Consumptions []BatchConsumption   `json:"consumptions"`
}

// ReceiveInput stocks a new batch at a location.
type ReceiveInput struct {
	LocationID     int64
	ProductID      int64
	Reference      string
	Quantity       int64
	UnitCost       decimal.Decimal
	EntryDate      time.Time
	ExpirationDate *time.Time
	PurchaseDtlID  int64
	ActorID        int64
	Note           string
}

// ReceiveResult describes the stocked batch and its ledger row.
type ReceiveResult struct {
	Batch    Batch            `json:"batch"`
	Movement BatchConsumption `json:"movement"`
}
