package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func newTestHandler(repo *memoryRepo) http.Handler {
	dir := newFakeDirectory()
	svc := NewService(repo, dir, dir, nil, nil, nil, ServiceConfig{ConflictRetries: 3})
	query := NewQueryService(repo, dir, dir, dir)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	h := NewHandler(logger, svc, query)

	r := chi.NewRouter()
	r.Route("/stock", h.MountRoutes)
	return r
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandlerCreateStock(t *testing.T) {
	handler := newTestHandler(newMemoryRepo())

	rec := doJSON(t, handler, http.MethodPost, "/stock", map[string]any{
		"product_id":         10,
		"location_id":        1,
		"quantity":           100,
		"responsible_person": "alice",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp balanceResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, int64(100), resp.Balance.Quantity)
	require.Equal(t, EventTypeCreate, resp.Event.Type)
	require.NotEmpty(t, resp.Event.ID)

	// Duplicate key maps to 409.
	rec = doJSON(t, handler, http.MethodPost, "/stock", map[string]any{
		"product_id":         10,
		"location_id":        1,
		"quantity":           50,
		"responsible_person": "alice",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerCreateValidation(t *testing.T) {
	handler := newTestHandler(newMemoryRepo())

	rec := doJSON(t, handler, http.MethodPost, "/stock", map[string]any{
		"product_id": 10,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "LocationID")

	req := httptest.NewRequest(http.MethodPost, "/stock", bytes.NewBufferString("{not json"))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerAdjust(t *testing.T) {
	repo := newMemoryRepo()
	handler := newTestHandler(repo)

	rec := doJSON(t, handler, http.MethodPost, "/stock", map[string]any{
		"product_id": 10, "location_id": 1, "quantity": 100, "responsible_person": "alice",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, handler, http.MethodPut, "/stock/10/1", map[string]any{
		"new_quantity":       80,
		"reference_number":   "ADJ-1",
		"responsible_person": "bob",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp balanceResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, int64(80), resp.Balance.Quantity)
	require.Equal(t, int64(-20), resp.Event.Delta)

	// Setting to zero is a valid adjustment.
	rec = doJSON(t, handler, http.MethodPut, "/stock/10/1", map[string]any{
		"new_quantity":       0,
		"reference_number":   "ADJ-2",
		"responsible_person": "bob",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// Unknown key maps to 404.
	rec = doJSON(t, handler, http.MethodPut, "/stock/11/2", map[string]any{
		"new_quantity":       5,
		"reference_number":   "ADJ-3",
		"responsible_person": "bob",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, handler, http.MethodPut, "/stock/abc/1", map[string]any{
		"new_quantity":       5,
		"reference_number":   "ADJ-4",
		"responsible_person": "bob",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerTransfer(t *testing.T) {
	repo := newMemoryRepo()
	handler := newTestHandler(repo)

	rec := doJSON(t, handler, http.MethodPost, "/stock", map[string]any{
		"product_id": 10, "location_id": 1, "quantity": 100, "responsible_person": "alice",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/stock/transfer", map[string]any{
		"product_id":         10,
		"from_location_id":   1,
		"to_location_id":     2,
		"quantity":           30,
		"reference_number":   "TRF-1",
		"responsible_person": "carol",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var result TransferResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	require.Equal(t, int64(70), result.Source.Quantity)
	require.Equal(t, int64(30), result.Destination.Quantity)
	require.Equal(t, result.InEvent.ID, result.OutEvent.CounterpartEventID)

	// Overdraw maps to 409.
	rec = doJSON(t, handler, http.MethodPost, "/stock/transfer", map[string]any{
		"product_id":         10,
		"from_location_id":   1,
		"to_location_id":     2,
		"quantity":           500,
		"reference_number":   "TRF-2",
		"responsible_person": "carol",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerBusyMapsTo503(t *testing.T) {
	repo := newMemoryRepo()
	handler := newTestHandler(repo)

	rec := doJSON(t, handler, http.MethodPost, "/stock", map[string]any{
		"product_id": 10, "location_id": 1, "quantity": 100, "responsible_person": "alice",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	repo.failDeltas = 10
	rec = doJSON(t, handler, http.MethodPut, "/stock/10/1", map[string]any{
		"new_quantity":       80,
		"reference_number":   "ADJ-1",
		"responsible_person": "bob",
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestHandlerReverse(t *testing.T) {
	repo := newMemoryRepo()
	handler := newTestHandler(repo)

	rec := doJSON(t, handler, http.MethodPost, "/stock", map[string]any{
		"product_id": 10, "location_id": 1, "quantity": 100, "responsible_person": "alice",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created balanceResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))

	// A body without responsible_person fails validation.
	rec = doJSON(t, handler, http.MethodDelete, fmt.Sprintf("/stock/%s", created.Event.ID), map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "ResponsiblePerson")

	rec = doJSON(t, handler, http.MethodDelete, fmt.Sprintf("/stock/%s", created.Event.ID), map[string]any{
		"responsible_person": "dave",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp reversalResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Events, 1)
	require.Equal(t, created.Event.ID, resp.Events[0].ReversalOf)
	require.Len(t, resp.Balances, 1)
	require.Equal(t, int64(0), resp.Balances[0].Quantity)

	bal, err := repo.GetBalance(context.Background(), 10, 1)
	require.NoError(t, err)
	require.Equal(t, int64(0), bal.Quantity)

	// Second reversal of the same event maps to 409.
	req := httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/stock/%s?responsible_person=dave", created.Event.ID), nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerReverseBodylessFallback(t *testing.T) {
	repo := newMemoryRepo()
	handler := newTestHandler(repo)

	rec := doJSON(t, handler, http.MethodPost, "/stock", map[string]any{
		"product_id": 10, "location_id": 1, "quantity": 50, "responsible_person": "alice",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created balanceResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))

	// Clients that cannot send a DELETE body use the header form.
	req := httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/stock/%s", created.Event.ID), nil)
	req.Header.Set("X-Responsible-Person", "dave")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp reversalResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Events, 1)
	require.Equal(t, "dave", resp.Events[0].ResponsiblePerson)
}

func TestHandlerListAndGet(t *testing.T) {
	repo := newMemoryRepo()
	handler := newTestHandler(repo)

	for _, loc := range []int64{1, 2} {
		rec := doJSON(t, handler, http.MethodPost, "/stock", map[string]any{
			"product_id": 10, "location_id": loc, "quantity": 40, "responsible_person": "alice",
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doJSON(t, handler, http.MethodGet, "/stock?location=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var balances listResponse[BalanceView]
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&balances))
	require.Len(t, balances.Items, 1)
	require.Equal(t, "Espresso Beans", balances.Items[0].ProductName)
	require.Equal(t, "Main Warehouse", balances.Items[0].LocationName)

	rec = doJSON(t, handler, http.MethodGet, "/stock/events?product=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events listResponse[EventView]
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&events))
	require.Len(t, events.Items, 2)

	rec = doJSON(t, handler, http.MethodGet, "/stock/events/"+events.Items[0].ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view EventView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	require.Equal(t, "SKU-10", view.ProductSKU)

	rec = doJSON(t, handler, http.MethodGet, "/stock/events/00000000-0000-0000-0000-000000000000", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
