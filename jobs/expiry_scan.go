package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/medstock/internal/inventory"
	jobmetrics "github.com/odyssey-erp/medstock/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// LocationLister returns locations that currently hold stock.
type LocationLister interface {
	ListStockedLocations(ctx context.Context) ([]int64, error)
}

// ExpiryScanJob reports expiring stock per location and refreshes the cached report.
type ExpiryScanJob struct {
	Monitor     *inventory.ExpiryMonitor
	Locations   LocationLister
	Cache       *inventory.Cache
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	Concurrency int
}

// LocationScan is the outcome for one location.
type LocationScan struct {
	LocationID int64
	Expiring   int
	Expired    int
}

// NewExpiryScanJob wires dependencies for the scan handler.
func NewExpiryScanJob(monitor *inventory.ExpiryMonitor, locations LocationLister, cache *inventory.Cache, logger *slog.Logger, metrics *jobmetrics.Metrics) *ExpiryScanJob {
	return &ExpiryScanJob{Monitor: monitor, Locations: locations, Cache: cache, Logger: logger, Metrics: metrics, Concurrency: 4}
}

// Handle processes expiry scan tasks.
func (j *ExpiryScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Monitor == nil {
		return errors.New("expiry scan: handler not configured")
	}
	var payload ExpiryScanPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	_, err := j.Run(ctx, payload)
	return err
}

// Run scans the requested locations concurrently.
func (j *ExpiryScanJob) Run(ctx context.Context, payload ExpiryScanPayload) (results []LocationScan, resultErr error) {
	tracker := j.metrics().Track(TaskExpiryScan)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	start := time.Now()
	logger := j.logger().With(slog.Int("warning_days", payload.WarningDays))
	logger.Info("starting expiry scan")

	locations := []int64{payload.LocationID}
	if payload.LocationID == 0 {
		if j.Locations == nil {
			return nil, errors.New("expiry scan: location lister not configured")
		}
		var err error
		locations, err = j.Locations.ListStockedLocations(ctx)
		if err != nil {
			logger.Error("load stocked locations", slog.Any("error", err))
			return nil, err
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, j.Concurrency))
	for _, locationID := range locations {
		g.Go(func() error {
			scan, err := j.scanLocation(gctx, locationID, payload.WarningDays)
			if err != nil {
				logger.Error("expiry scan", slog.Int64("location_id", locationID), slog.Any("error", err))
				return err
			}
			mu.Lock()
			results = append(results, scan)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if payload.LocationID == 0 {
		j.metrics().RetainExpiryLocations(locations)
	}

	if j.Cache != nil {
		if _, err := j.Cache.ExpiryReport(ctx, j.Monitor, inventory.ExpiryQuery{WarningDays: payload.WarningDays}); err != nil {
			logger.Warn("warm expiry report cache", slog.Any("error", err))
		}
	}
	logger.Info("completed expiry scan",
		slog.Int("locations", len(locations)),
		slog.Duration("duration", time.Since(start)),
	)
	return results, nil
}

func (j *ExpiryScanJob) scanLocation(ctx context.Context, locationID int64, warningDays int) (LocationScan, error) {
	alerts, err := j.Monitor.Scan(ctx, inventory.ExpiryQuery{LocationID: locationID, WarningDays: warningDays})
	if err != nil {
		return LocationScan{}, err
	}
	scan := LocationScan{LocationID: locationID}
	for _, a := range alerts {
		switch a.Status {
		case inventory.ExpiryExpired:
			scan.Expired++
			j.logger().Warn("expired stock on hand",
				slog.Int64("location_id", a.LocationID),
				slog.Int64("product_id", a.ProductID),
				slog.Int64("batch_id", a.BatchID),
				slog.Int64("quantity", a.Quantity),
			)
		case inventory.ExpiryExpiring:
			scan.Expiring++
		}
	}
	j.metrics().SetExpiryAlerts(locationID, scan.Expiring, scan.Expired)
	return scan, nil
}

func (j *ExpiryScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *ExpiryScanJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
