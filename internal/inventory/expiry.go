package inventory

import (
	"context"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// ExpiryStatus classifies a batch by its expiration date.
type ExpiryStatus string

const (
	ExpiryOK       ExpiryStatus = "ok"
	ExpiryExpiring ExpiryStatus = "expiring"
	ExpiryExpired  ExpiryStatus = "expired"
)

// DefaultWarningDays is used when no window is configured.
const DefaultWarningDays = 30

// ExpiryAlert flags one batch that is expired or about to expire.
type ExpiryAlert struct {
	BatchID         int64           `json:"batch_id"`
	ProductID       int64           `json:"product_id"`
	LocationID      int64           `json:"location_id"`
	BatchReference  string          `json:"batch_reference"`
	ExpirationDate  time.Time       `json:"expiration_date"`
	Quantity        int64           `json:"quantity"`
	DaysUntilExpiry int             `json:"days_until_expiry"`
	Status          ExpiryStatus    `json:"status"`
	ValueAtRisk     decimal.Decimal `json:"value_at_risk"`
}

// ExpiryFilter selects batches with stock left that expire before a cutoff.
type ExpiryFilter struct {
	LocationID int64
	ProductID  int64
	Before     time.Time
}

// ExpiryQuery is the caller facing scan request. Zero WarningDays uses the
// monitor default.
type ExpiryQuery struct {
	LocationID  int64
	ProductID   int64
	WarningDays int
}

// LocationExpirySummary aggregates alerts per location.
type LocationExpirySummary struct {
	LocationID  int64           `json:"location_id"`
	Expired     int             `json:"expired"`
	Expiring    int             `json:"expiring"`
	UnitsAtRisk int64           `json:"units_at_risk"`
	ValueAtRisk decimal.Decimal `json:"value_at_risk"`
}

// ExpiryReport is the full monitor output.
type ExpiryReport struct {
	GeneratedAt time.Time               `json:"generated_at"`
	WarningDays int                     `json:"warning_days"`
	Locations   []LocationExpirySummary `json:"locations"`
	Alerts      []ExpiryAlert           `json:"alerts"`
}

// ExpiryReader loads candidate batches.
type ExpiryReader interface {
	ListExpiringBatches(ctx context.Context, filter ExpiryFilter) ([]Batch, error)
}

// ClassifyExpiry compares calendar dates in UTC. A batch is expired from the
// day after its expiration date and expiring while within warningDays of it.
func ClassifyExpiry(expiration *time.Time, now time.Time, warningDays int) (ExpiryStatus, int) {
	if expiration == nil {
		return ExpiryOK, 0
	}
	days := int(truncateDay(*expiration).Sub(truncateDay(now)).Hours() / 24)
	switch {
	case days < 0:
		return ExpiryExpired, days
	case days <= warningDays:
		return ExpiryExpiring, days
	}
	return ExpiryOK, days
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ExpiryMonitor flags expired and soon to expire stock.
type ExpiryMonitor struct {
	reader      ExpiryReader
	warningDays int
	now         func() time.Time
}

// NewExpiryMonitor builds a monitor. warningDays <= 0 falls back to DefaultWarningDays.
func NewExpiryMonitor(reader ExpiryReader, warningDays int) *ExpiryMonitor {
	if warningDays <= 0 {
		warningDays = DefaultWarningDays
	}
	return &ExpiryMonitor{reader: reader, warningDays: warningDays, now: time.Now}
}

// WarningDays returns the configured window.
func (m *ExpiryMonitor) WarningDays() int { return m.warningDays }

// CheckPlan flags the batches a plan would move that are expired or expiring.
func (m *ExpiryMonitor) CheckPlan(plan ConsumptionPlan) []ExpiryAlert {
	now := m.now()
	var alerts []ExpiryAlert
	for _, line := range plan.Lines {
		status, days := ClassifyExpiry(line.ExpirationDate, now, m.warningDays)
		if status == ExpiryOK {
			continue
		}
		alerts = append(alerts, ExpiryAlert{
			BatchID:         line.BatchID,
			ProductID:       plan.ProductID,
			LocationID:      plan.LocationID,
			BatchReference:  line.BatchReference,
			ExpirationDate:  *line.ExpirationDate,
			Quantity:        line.QuantityTaken,
			DaysUntilExpiry: days,
			Status:          status,
			ValueAtRisk:     line.UnitCost.Mul(decimal.NewFromInt(line.QuantityTaken)),
		})
	}
	return alerts
}

// Scan lists alerts for batches that still hold stock, soonest expiry first.
func (m *ExpiryMonitor) Scan(ctx context.Context, q ExpiryQuery) ([]ExpiryAlert, error) {
	window := q.WarningDays
	if window <= 0 {
		window = m.warningDays
	}
	now := m.now()
	batches, err := m.reader.ListExpiringBatches(ctx, ExpiryFilter{
		LocationID: q.LocationID,
		ProductID:  q.ProductID,
		Before:     truncateDay(now).AddDate(0, 0, window+1),
	})
	if err != nil {
		return nil, err
	}
	alerts := make([]ExpiryAlert, 0, len(batches))
	for _, b := range batches {
		if b.RemainingQuantity <= 0 {
			continue
		}
		status, days := ClassifyExpiry(b.ExpirationDate, now, window)
		if status == ExpiryOK {
			continue
		}
		alerts = append(alerts, ExpiryAlert{
			BatchID:         b.ID,
			ProductID:       b.ProductID,
			LocationID:      b.LocationID,
			BatchReference:  b.Reference,
			ExpirationDate:  *b.ExpirationDate,
			Quantity:        b.RemainingQuantity,
			DaysUntilExpiry: days,
			Status:          status,
			ValueAtRisk:     b.UnitCost.Mul(decimal.NewFromInt(b.RemainingQuantity)),
		})
	}
	slices.SortStableFunc(alerts, func(a, b ExpiryAlert) int {
		if a.DaysUntilExpiry != b.DaysUntilExpiry {
			return a.DaysUntilExpiry - b.DaysUntilExpiry
		}
		return int(a.BatchID - b.BatchID)
	})
	return alerts, nil
}

// Report runs Scan and aggregates the alerts per location.
func (m *ExpiryMonitor) Report(ctx context.Context, q ExpiryQuery) (ExpiryReport, error) {
	alerts, err := m.Scan(ctx, q)
	if err != nil {
		return ExpiryReport{}, err
	}
	window := q.WarningDays
	if window <= 0 {
		window = m.warningDays
	}
	byLocation := map[int64]*LocationExpirySummary{}
	var order []int64
	for _, a := range alerts {
		s, ok := byLocation[a.LocationID]
		if !ok {
			s = &LocationExpirySummary{LocationID: a.LocationID, ValueAtRisk: decimal.Zero}
			byLocation[a.LocationID] = s
			order = append(order, a.LocationID)
		}
		if a.Status == ExpiryExpired {
			s.Expired++
		} else {
			s.Expiring++
		}
		s.UnitsAtRisk += a.Quantity
		s.ValueAtRisk = s.ValueAtRisk.Add(a.ValueAtRisk)
	}
	slices.Sort(order)
	summaries := make([]LocationExpirySummary, 0, len(order))
	for _, id := range order {
		summaries = append(summaries, *byLocation[id])
	}
	return ExpiryReport{
		GeneratedAt: m.now().UTC(),
		WarningDays: window,
		Locations:   summaries,
		Alerts:      alerts,
	}, nil
}
