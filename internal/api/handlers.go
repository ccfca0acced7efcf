package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/xtrntr/lending/internal/auth"
	"github.com/xtrntr/lending/internal/ledger"
	"github.com/xtrntr/lending/internal/models"
)

type contextKey string

const claimsKey contextKey = "claims"

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Engine      *ledger.Engine
	AuthService *auth.AuthService
	Log         *slog.Logger
}

// NewHandler creates a new handler
func NewHandler(engine *ledger.Engine, authService *auth.AuthService, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{Engine: engine, AuthService: authService, Log: log}
}

// NewRouter mounts every exposed operation.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)
	r.Get("/config", h.GetConfig)

	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)

		r.Post("/admin/initialize", h.RequireAdmin(h.Initialize))
		r.Put("/admin/config", h.RequireAdmin(h.SetConfig))

		r.Post("/escrow/deposit", h.Deposit)
		r.Post("/escrow/withdraw", h.Withdraw)
		r.Get("/escrow/balance", h.GetBalances)

		r.Get("/orders", h.GetOpenOrders)
		r.Post("/orders", h.PlaceOrder)
		r.Get("/orders/mine", h.GetUserOrders)
		r.Delete("/orders/{id}", h.CancelOrder)
		r.Post("/orders/{id}/borrow", h.Borrow)

		r.Get("/receipts", h.GetUserReceipts)
		r.Post("/receipts/{id}/repay", h.Repay)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeLedgerError maps the ledger's stable error kinds onto HTTP
// statuses; anything unrecognized is a server fault.
func (h *Handler) writeLedgerError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ledger.ErrOrderNotFound),
		errors.Is(err, ledger.ErrReceiptNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrNoOperationPermission):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ledger.ErrAlreadyInitialized):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInsufficientOrderBalance),
		errors.Is(err, ledger.ErrIllegalInterestRate),
		errors.Is(err, ledger.ErrTransferFailed),
		errors.Is(err, ledger.ErrAmountOverflow),
		errors.Is(err, ledger.ErrNotConfigured),
		errors.Is(err, ledger.ErrNotInitialized):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.Log.Error("operation failed", "op", op, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func claimsFrom(r *http.Request) (auth.Claims, bool) {
	claims, ok := r.Context().Value(claimsKey).(auth.Claims)
	return claims, ok
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.AuthService.Register(r.Context(), models.Principal(req.Name), req.Password)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to register user")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":   user.ID,
		"name": user.Name,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := h.AuthService.Login(r.Context(), models.Principal(req.Name), req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "authorization header required")
			return
		}
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		claims, err := h.AuthService.ClaimsFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin gates admin-only operations on the token's admin claim.
func (h *Handler) RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsFrom(r)
		if !ok || !claims.Admin {
			h.writeLedgerError(w, "admin", ledger.ErrNoOperationPermission)
			return
		}
		next(w, r)
	}
}

// Initialize creates the ledger's sequence counters.
func (h *Handler) Initialize(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Initialize(r.Context()); err != nil {
		h.writeLedgerError(w, "initialize", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"message": "ledger initialized"})
}

// SetConfig upserts the lending bounds.
func (h *Handler) SetConfig(w http.ResponseWriter, r *http.Request) {
	var cfg models.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Engine.SetConfig(r.Context(), cfg); err != nil {
		h.writeLedgerError(w, "set_config", err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// GetConfig returns the current lending bounds. Read access is
// unrestricted.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Engine.Config(r.Context())
	if err != nil {
		h.writeLedgerError(w, "get_config", err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// Deposit credits the caller's escrow from their wallet.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		Amount uint64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Engine.Deposit(r.Context(), claims.Principal, req.Amount); err != nil {
		h.writeLedgerError(w, "deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "deposited"})
}

// Withdraw debits the caller's escrow back to their wallet.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		Amount uint64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Engine.Withdraw(r.Context(), claims.Principal, req.Amount); err != nil {
		h.writeLedgerError(w, "withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "withdrawn"})
}

// GetBalances reports the caller's escrow and wallet balances.
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	escrow, err := h.Engine.EscrowBalance(r.Context(), claims.Principal)
	if err != nil {
		h.writeLedgerError(w, "escrow_balance", err)
		return
	}
	wallet, err := h.Engine.WalletBalance(r.Context(), claims.Principal)
	if err != nil {
		h.writeLedgerError(w, "wallet_balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"escrow": escrow, "wallet": wallet})
}

// PlaceOrder opens a lender offer from the caller's escrow.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		Amount uint64 `json:"amount"`
		Rate   uint16 `json:"rate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	order, err := h.Engine.PlaceOrder(r.Context(), claims.Principal, req.Amount, req.Rate)
	if err != nil {
		h.writeLedgerError(w, "place_order", err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// CancelOrder closes an offer owned by the caller.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	orderID, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	refund, err := h.Engine.CancelOrder(r.Context(), claims.Principal, orderID)
	if err != nil {
		h.writeLedgerError(w, "cancel_order", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"refunded": refund})
}

// Borrow draws funds from an offer to a recipient wallet.
func (h *Handler) Borrow(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	orderID, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	var req struct {
		Amount    uint64 `json:"amount"`
		Recipient string `json:"recipient"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	recipient := models.Principal(req.Recipient)
	if recipient == "" {
		recipient = claims.Principal
	}
	receipt, err := h.Engine.Borrow(r.Context(), claims.Principal, orderID, req.Amount, recipient)
	if err != nil {
		h.writeLedgerError(w, "borrow", err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// Repay settles a receipt owned by the caller.
func (h *Handler) Repay(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	receiptID, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid receipt id")
		return
	}
	due, err := h.Engine.Repay(r.Context(), claims.Principal, receiptID)
	if err != nil {
		h.writeLedgerError(w, "repay", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"paid": due})
}

// GetOpenOrders retrieves every standing offer
func (h *Handler) GetOpenOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Engine.OpenOrders(r.Context())
	if err != nil {
		h.writeLedgerError(w, "open_orders", err)
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetUserOrders retrieves the caller's offers
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	orders, err := h.Engine.OrdersByLender(r.Context(), claims.Principal)
	if err != nil {
		h.writeLedgerError(w, "user_orders", err)
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetUserReceipts retrieves the caller's outstanding receipts
func (h *Handler) GetUserReceipts(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	receipts, err := h.Engine.ReceiptsByBorrower(r.Context(), claims.Principal)
	if err != nil {
		h.writeLedgerError(w, "user_receipts", err)
		return
	}
	if receipts == nil {
		receipts = []models.LoanReceipt{}
	}
	writeJSON(w, http.StatusOK, receipts)
}
