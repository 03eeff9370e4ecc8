// Package api exposes the engine's command interface over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/margin-engine/internal/book"
	"github.com/atmx/margin-engine/internal/command"
	"github.com/atmx/margin-engine/internal/ledger"
	"github.com/atmx/margin-engine/internal/market"
	"github.com/atmx/margin-engine/internal/trade"
)

// Handler serves the /api/v1 routes.
type Handler struct {
	disp *command.Dispatcher
}

// NewHandler creates a handler over disp.
func NewHandler(disp *command.Dispatcher) *Handler {
	return &Handler{disp: disp}
}

// Routes registers the handler's endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/users", h.CreateUser)
	r.Get("/users/{userID}/account", h.GetAccount)
	r.Get("/users/{userID}/positions", h.GetPositions)
	r.Get("/users/{userID}/orders", h.GetOrders)
	r.Get("/users/{userID}/liquidations", h.GetUserLiquidations)

	r.Post("/orders", h.PlaceOrder)
	r.Post("/positions/{positionID}/close", h.ClosePosition)

	r.Get("/prices", h.GetPrices)
	r.Post("/prices", h.UpdatePrice)

	r.Get("/liquidations", h.GetLiquidations)
	r.Get("/stats", h.GetStats)
	r.Get("/config", h.GetConfig)
	r.Put("/config", h.UpdateConfig)

	r.Post("/command", h.Command)
}

// CreateUser handles POST /api/v1/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	h.fromBody(w, r, command.ActionCreateUser, http.StatusCreated)
}

// PlaceOrder handles POST /api/v1/orders
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	h.fromBody(w, r, command.ActionPlaceOrder, http.StatusCreated)
}

// ClosePosition handles POST /api/v1/positions/{positionID}/close
func (h *Handler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	data, _ := json.Marshal(map[string]string{
		"position_id": chi.URLParam(r, "positionID"),
		"user_id":     req.UserID,
	})
	h.run(w, r, command.ActionClosePosition, data, http.StatusOK)
}

// GetAccount handles GET /api/v1/users/{userID}/account
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	h.forUser(w, r, command.ActionGetAccount)
}

// GetPositions handles GET /api/v1/users/{userID}/positions
func (h *Handler) GetPositions(w http.ResponseWriter, r *http.Request) {
	h.forUser(w, r, command.ActionGetPositions)
}

// GetOrders handles GET /api/v1/users/{userID}/orders
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	h.forUser(w, r, command.ActionGetOrders)
}

// GetUserLiquidations handles GET /api/v1/users/{userID}/liquidations
func (h *Handler) GetUserLiquidations(w http.ResponseWriter, r *http.Request) {
	h.forUser(w, r, command.ActionGetLiquidations)
}

// GetLiquidations handles GET /api/v1/liquidations
func (h *Handler) GetLiquidations(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, command.ActionGetLiquidations, nil, http.StatusOK)
}

// GetPrices handles GET /api/v1/prices
func (h *Handler) GetPrices(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, command.ActionGetPrices, nil, http.StatusOK)
}

// UpdatePrice handles POST /api/v1/prices
func (h *Handler) UpdatePrice(w http.ResponseWriter, r *http.Request) {
	h.fromBody(w, r, command.ActionUpdatePrice, http.StatusOK)
}

// GetStats handles GET /api/v1/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, command.ActionGetStats, nil, http.StatusOK)
}

// GetConfig handles GET /api/v1/config
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, command.ActionGetConfig, nil, http.StatusOK)
}

// UpdateConfig handles PUT /api/v1/config
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	h.fromBody(w, r, command.ActionUpdateConfig, http.StatusOK)
}

// Command handles POST /api/v1/command with a raw {action, data} document
// and always answers with a command response envelope.
func (h *Handler) Command(w http.ResponseWriter, r *http.Request) {
	var req command.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, h.disp.Dispatch(r.Context(), req))
}

func (h *Handler) fromBody(w http.ResponseWriter, r *http.Request, action string, ok int) {
	body, err := io.ReadAll(r.Body)
	if err != nil || !json.Valid(body) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	h.run(w, r, action, body, ok)
}

func (h *Handler) forUser(w http.ResponseWriter, r *http.Request, action string) {
	data, _ := json.Marshal(map[string]string{"user_id": chi.URLParam(r, "userID")})
	h.run(w, r, action, data, http.StatusOK)
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request, action string, data json.RawMessage, ok int) {
	out, err := h.disp.Execute(r.Context(), action, data)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, ok, out)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrUserNotFound),
		errors.Is(err, book.ErrPositionNotFound),
		errors.Is(err, book.ErrOrderNotFound),
		errors.Is(err, market.ErrPriceUnavailable):
		return http.StatusNotFound
	case errors.Is(err, trade.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrUserExists),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, trade.ErrPositionNotOpen),
		errors.Is(err, trade.ErrTooManyPositions):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
