package inventory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, repo *memoryRepo) http.Handler {
	t.Helper()
	svc, _, _ := newTestService(repo, ServiceConfig{})
	h := NewHandler(nil, svc, nil)
	r := chi.NewRouter()
	h.MountRoutes(r)
	return r
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleTransferAcceptsStringQuantities(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(lot(amox, warehouse, day(1), 5))
	repo.seed(lot(amox, warehouse, day(2), 3))
	router := newTestRouter(t, repo)

	rec := do(router, http.MethodPost, "/transfers", `{
		"idempotency_key": "k-1",
		"source_location_id": 1,
		"destination_location_id": 2,
		"employee_id": 7,
		"items": [{"product_id": 10, "quantity": "12"}]
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res TransferResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Shortfalls, 1)
	require.EqualValues(t, 8, res.Shortfalls[0].Available)
	require.EqualValues(t, 12, res.Shortfalls[0].Requested)

	rec = do(router, http.MethodPost, "/transfers", `{
		"idempotency_key": "k-1",
		"source_location_id": 1,
		"destination_location_id": 2,
		"employee_id": 7,
		"items": [{"product_id": 10, "quantity": 12}]
	}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"replayed":true`)
}

func TestHandleTransferFailsClosedOnBadInput(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(lot(amox, warehouse, day(1), 5))
	router := newTestRouter(t, repo)

	bodies := []string{
		`{"source_location_id":1,"destination_location_id":2,"employee_id":7,"items":[{"product_id":10,"quantity":"2.5"}]}`,
		`{"source_location_id":1,"destination_location_id":2,"employee_id":7,"items":[{"product_id":10,"quantity":"abc"}]}`,
		`{"source_location_id":1,"destination_location_id":2,"employee_id":7,"items":[{"product_id":10}]}`,
		`{"source_location_id":1,"destination_location_id":2,"employee_id":7,"items":[{"product_id":10,"quantity":0}]}`,
		`{"source_location_id":1,"destination_location_id":1,"employee_id":7,"items":[{"product_id":10,"quantity":1}]}`,
		`{"source_location_id":1,"destination_location_id":2,"employee_id":7,"items":[]}`,
		`{"source_location_id":1,"destination_location_id":2,"employee_id":7,"items":[{"product_id":10,"quantity":1}],"surprise":true}`,
		`not json`,
	}
	for _, body := range bodies {
		rec := do(router, http.MethodPost, "/transfers", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	require.Zero(t, repo.txCalls)
	require.EqualValues(t, 5, repo.batch(1).RemainingQuantity)
}

func TestHandlePlanAndBatches(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(lot(amox, warehouse, day(1), 5))
	repo.seed(lot(amox, warehouse, day(2), 10))
	router := newTestRouter(t, repo)

	rec := do(router, http.MethodPost, "/allocations/plan", `{"product_id":10,"location_id":1,"quantity":8}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var plan ConsumptionPlan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &plan))
	require.Len(t, plan.Lines, 2)
	require.EqualValues(t, 5, plan.Lines[0].QuantityTaken)
	require.EqualValues(t, 3, plan.Lines[1].QuantityTaken)

	rec = do(router, http.MethodGet, "/batches?product_id=10&location_id=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list batchListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Items, 2)
	require.EqualValues(t, 5, list.Items[0].RemainingQuantity)

	rec = do(router, http.MethodGet, "/batches?product_id=10", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleReceiptAndExpiring(t *testing.T) {
	repo := newMemoryRepo()
	router := newTestRouter(t, repo)

	rec := do(router, http.MethodPost, "/receipts", `{"location_id":1,"product_id":10,"batch_reference":"GRN-9","quantity":"30","unit_cost":"1500.75","expiration_date":"2020-01-31"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(router, http.MethodPost, "/receipts", `{"location_id":1,"product_id":10,"quantity":3,"expiration_date":"31-01-2020"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(router, http.MethodGet, "/expiring?location_id=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var report ExpiryReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Len(t, report.Alerts, 1)
	require.Equal(t, ExpiryExpired, report.Alerts[0].Status)
	require.Equal(t, "GRN-9", report.Alerts[0].BatchReference)
}

func TestHandleGetTransferNotFound(t *testing.T) {
	router := newTestRouter(t, newMemoryRepo())
	rec := do(router, http.MethodGet, "/transfers/77", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(router, http.MethodGet, "/transfers/abc", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

type gatedExpiryRepo struct {
	*memoryRepo
	entered chan struct{}
	release chan struct{}
	loadErr chan error
}

func (r *gatedExpiryRepo) ListExpiringBatches(ctx context.Context, f ExpiryFilter) ([]Batch, error) {
	r.entered <- struct{}{}
	<-r.release
	r.loadErr <- ctx.Err()
	return r.memoryRepo.ListExpiringBatches(ctx, f)
}

func TestSharedReportLoadSurvivesFirstCallerCancel(t *testing.T) {
	repo := &gatedExpiryRepo{
		memoryRepo: newMemoryRepo(),
		entered:    make(chan struct{}, 2),
		release:    make(chan struct{}),
		loadErr:    make(chan error, 2),
	}
	exp := time.Now().UTC().AddDate(0, 0, 3)
	b := lot(amox, pharmacy, day(1), 4)
	b.ExpirationDate = &exp
	repo.seed(b)
	h := NewHandler(nil, NewService(repo, Deps{References: stubRefs{}}, ServiceConfig{}), nil)
	q := ExpiryQuery{LocationID: pharmacy}

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := h.buildReport(ctx, q)
		firstErr <- err
	}()
	<-repo.entered

	type outcome struct {
		report ExpiryReport
		err    error
	}
	second := make(chan outcome, 1)
	go func() {
		report, err := h.buildReport(context.Background(), q)
		second <- outcome{report, err}
	}()

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)
	close(repo.release)

	require.NoError(t, <-repo.loadErr, "load ran with the first caller's context")
	got := <-second
	require.NoError(t, got.err)
	require.Len(t, got.report.Alerts, 1)
}
