package ledger

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-ims/meridian/internal/platform/httpx"
	"github.com/meridian-ims/meridian/internal/shared"
)

// Handler wires HTTP endpoints for the stock ledger.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	query     *QueryService
	validator *validator.Validate
}

// NewHandler constructs the ledger handler.
func NewHandler(logger *slog.Logger, service *Service, query *QueryService) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		query:     query,
		validator: validator.New(),
	}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleListBalances)
	r.Post("/transfer", h.handleTransfer)
	r.Get("/events", h.handleListEvents)
	r.Get("/events/{eventID}", h.handleGetEvent)
	r.Put("/{productID}/{locationID}", h.handleAdjust)
	r.Delete("/{eventID}", h.handleReverse)
}

type createRequest struct {
	ProductID         int64  `json:"product_id" validate:"required,gt=0"`
	LocationID        int64  `json:"location_id" validate:"required,gt=0"`
	Quantity          int64  `json:"quantity" validate:"required,gt=0"`
	ResponsiblePerson string `json:"responsible_person" validate:"required"`
	Notes             string `json:"notes"`
}

type adjustRequest struct {
	NewQuantity       *int64 `json:"new_quantity" validate:"required"`
	ReferenceNumber   string `json:"reference_number" validate:"required"`
	Notes             string `json:"notes"`
	ResponsiblePerson string `json:"responsible_person" validate:"required"`
}

type reverseRequest struct {
	ResponsiblePerson string `json:"responsible_person" validate:"required"`
}

type transferRequest struct {
	ProductID         int64  `json:"product_id" validate:"required,gt=0"`
	FromLocationID    int64  `json:"from_location_id" validate:"required,gt=0"`
	ToLocationID      int64  `json:"to_location_id" validate:"required,gt=0"`
	Quantity          int64  `json:"quantity" validate:"required,gt=0"`
	ReferenceNumber   string `json:"reference_number" validate:"required"`
	Notes             string `json:"notes"`
	ResponsiblePerson string `json:"responsible_person" validate:"required"`
}

type balanceResponse struct {
	Balance Balance `json:"balance"`
	Event   Event   `json:"event"`
}

type reversalResponse struct {
	Events   []Event   `json:"events"`
	Balances []Balance `json:"balances"`
}

type listResponse[T any] struct {
	Items      []T `json:"items"`
	Pagination any `json:"pagination"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if fields := h.validate(req); fields != nil {
		httpx.ValidationProblem(w, fields)
		return
	}
	balance, event, err := h.service.CreateStock(r.Context(), CreateInput{
		ProductID:         req.ProductID,
		LocationID:        req.LocationID,
		Quantity:          req.Quantity,
		ResponsiblePerson: req.ResponsiblePerson,
		Notes:             req.Notes,
	})
	if err != nil {
		h.respondError(w, "create stock", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, balanceResponse{Balance: balance, Event: event})
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	productID, err1 := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	locationID, err2 := strconv.ParseInt(chi.URLParam(r, "locationID"), 10, 64)
	if err1 != nil || err2 != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid product or location id")
		return
	}
	var req adjustRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if fields := h.validate(req); fields != nil {
		httpx.ValidationProblem(w, fields)
		return
	}
	balance, event, err := h.service.AdjustStock(r.Context(), AdjustInput{
		ProductID:         productID,
		LocationID:        locationID,
		NewQuantity:       *req.NewQuantity,
		ReferenceNumber:   req.ReferenceNumber,
		Notes:             req.Notes,
		ResponsiblePerson: req.ResponsiblePerson,
	})
	if err != nil {
		h.respondError(w, "adjust stock", err)
		return
	}
	httpx.JSON(w, http.StatusOK, balanceResponse{Balance: balance, Event: event})
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if fields := h.validate(req); fields != nil {
		httpx.ValidationProblem(w, fields)
		return
	}
	result, err := h.service.TransferStock(r.Context(), TransferInput{
		ProductID:         req.ProductID,
		FromLocationID:    req.FromLocationID,
		ToLocationID:      req.ToLocationID,
		Quantity:          req.Quantity,
		ReferenceNumber:   req.ReferenceNumber,
		Notes:             req.Notes,
		ResponsiblePerson: req.ResponsiblePerson,
	})
	if err != nil {
		h.respondError(w, "transfer stock", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) handleReverse(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	var req reverseRequest
	switch err := httpx.DecodeJSON(r, &req); {
	case err == nil:
		if fields := h.validate(req); fields != nil {
			httpx.ValidationProblem(w, fields)
			return
		}
	case errors.Is(err, io.EOF):
		// Body-less DELETE. Fall back to the query parameter or header.
		req.ResponsiblePerson = r.URL.Query().Get("responsible_person")
		if req.ResponsiblePerson == "" {
			req.ResponsiblePerson = r.Header.Get("X-Responsible-Person")
		}
	default:
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	events, err := h.service.ReverseEvent(r.Context(), ReverseInput{
		EventID:           eventID,
		ResponsiblePerson: req.ResponsiblePerson,
	})
	if err != nil {
		h.respondError(w, "reverse event", err)
		return
	}
	// Return the balances the compensation landed on.
	var balances []Balance
	seen := make(map[BalanceKey]bool)
	for _, ev := range events {
		key := BalanceKey{ProductID: ev.ProductID, LocationID: ev.LocationID}
		if seen[key] {
			continue
		}
		seen[key] = true
		if bal, err := h.service.GetBalance(r.Context(), key.ProductID, key.LocationID); err == nil {
			balances = append(balances, bal)
		}
	}
	httpx.JSON(w, http.StatusOK, reversalResponse{Events: events, Balances: balances})
}

func (h *Handler) handleListBalances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := BalanceFilter{
		LocationID: parseID(q.Get("location")),
		ProductID:  parseID(q.Get("product")),
		Text:       q.Get("q"),
		Page:       parsePage(q.Get("page")),
		PerPage:    parsePage(q.Get("per_page")),
	}
	views, pagination, err := h.query.ListBalances(r.Context(), filter)
	if err != nil {
		h.respondError(w, "list balances", err)
		return
	}
	httpx.JSON(w, http.StatusOK, listResponse[BalanceView]{Items: views, Pagination: pagination})
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := EventFilter{
		ProductID:  parseID(q.Get("product")),
		LocationID: parseID(q.Get("location")),
		Reference:  q.Get("reference"),
		Page:       parsePage(q.Get("page")),
		PerPage:    parsePage(q.Get("per_page")),
	}
	views, pagination, err := h.query.ListEvents(r.Context(), filter)
	if err != nil {
		h.respondError(w, "list events", err)
		return
	}
	httpx.JSON(w, http.StatusOK, listResponse[EventView]{Items: views, Pagination: pagination})
}

func (h *Handler) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	view, err := h.query.GetEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		h.respondError(w, "get event", err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

// respondError maps the ledger error taxonomy onto HTTP statuses.
// Conflict and Busy carry Retry-After semantics for the caller.
func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrAlreadyExists):
		httpx.Problem(w, http.StatusConflict, "Already Exists", err.Error())
	case errors.Is(err, ErrInsufficientStock):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, ErrConflict), errors.Is(err, ErrBusy):
		w.Header().Set("Retry-After", "1")
		httpx.Problem(w, http.StatusServiceUnavailable, "Busy", "operation contended, retry with backoff")
	default:
		h.logger.Error(op+" failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", shared.UserSafeMessage(err))
	}
}

func (h *Handler) validate(req any) map[string]string {
	err := h.validator.Struct(req)
	if err == nil {
		return nil
	}
	fields := make(map[string]string)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fieldErr := range verrs {
			fields[fieldErr.Field()] = fieldErr.Tag()
		}
	} else {
		fields["request"] = err.Error()
	}
	return fields
}

func parseID(raw string) int64 {
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func parsePage(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
