package trade

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stocksim/trading-engine/internal/errs"
)

// Handler exposes the engine over HTTP.
type Handler struct {
	engine *Engine
}

// NewHandler creates HTTP handlers for e.
func NewHandler(e *Engine) *Handler {
	return &Handler{engine: e}
}

// Routes mounts the engine API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/users", h.CreateUser)
	r.Route("/users/{userID}", func(r chi.Router) {
		r.Post("/deposit", h.Deposit)
		r.Get("/portfolio", h.GetPortfolio)
		r.Get("/holdings", h.GetHoldings)
		r.Get("/lots", h.GetLots)
		r.Post("/lots/{ticker}/consolidate", h.ConsolidateLots)

		r.Get("/transfers", h.ListTransfers)
		r.Post("/transfers", h.CreateTransfer)
		r.Post("/transfers/send", h.SendToUser)
		r.Get("/transfers/total", h.TotalTransfers)
		r.Delete("/transfers/{transferID}", h.DeleteTransfer)
	})

	r.Get("/companies", h.ListCompanies)
	r.Post("/companies", h.CreateCompany)
	r.Get("/companies/{ticker}", h.GetCompany)
	r.Get("/companies/{ticker}/history", h.GetHistory)
	r.Put("/companies/{ticker}/price", h.SetPrice)

	r.Post("/trade/buy", h.Buy)
	r.Post("/trade/sell", h.Sell)

	r.Get("/activity", h.Activity)

	r.Post("/admin/recalculate", h.RecalculateAll)
}

// --- Request types ---

// CreateUserRequest is the JSON body for POST /users.
type CreateUserRequest struct {
	Username string          `json:"username"`
	Email    string          `json:"email"`
	Balance  decimal.Decimal `json:"balance"`
}

// AmountRequest carries a USD amount.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// BuyRequest is the JSON body for POST /trade/buy.
type BuyRequest struct {
	UserID    string          `json:"user_id"`
	Ticker    string          `json:"ticker"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
}

// SellRequest is the JSON body for POST /trade/sell.
type SellRequest struct {
	UserID string          `json:"user_id"`
	Ticker string          `json:"ticker"`
	Shares decimal.Decimal `json:"shares"`
}

// TransferRequest is the JSON body for POST /users/{userID}/transfers.
type TransferRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Recipient string          `json:"recipient"`
}

// SendRequest is the JSON body for POST /users/{userID}/transfers/send.
type SendRequest struct {
	ToUserID string          `json:"to_user_id"`
	Amount   decimal.Decimal `json:"amount"`
}

// PriceRequest is the JSON body for PUT /companies/{ticker}/price.
type PriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// --- Users ---

// CreateUser handles POST /api/v1/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !decode(w, r, &req) {
		return
	}
	u, err := h.engine.CreateUser(r.Context(), req.Username, req.Email, req.Balance)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// Deposit handles POST /api/v1/users/{userID}/deposit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	u, err := h.engine.Deposit(r.Context(), chi.URLParam(r, "userID"), req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// GetPortfolio handles GET /api/v1/users/{userID}/portfolio
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.GetPortfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetHoldings handles GET /api/v1/users/{userID}/holdings
func (h *Handler) GetHoldings(w http.ResponseWriter, r *http.Request) {
	holdings, err := h.engine.GetHoldings(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, holdings)
}

// GetLots handles GET /api/v1/users/{userID}/lots
func (h *Handler) GetLots(w http.ResponseWriter, r *http.Request) {
	lots, err := h.engine.GetLots(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lots)
}

// ConsolidateLots handles POST /api/v1/users/{userID}/lots/{ticker}/consolidate
func (h *Handler) ConsolidateLots(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.ConsolidateLots(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "ticker"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// --- Transfers ---

// ListTransfers handles GET /api/v1/users/{userID}/transfers
func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	transfers, err := h.engine.ListTransfers(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transfers)
}

// CreateTransfer handles POST /api/v1/users/{userID}/transfers
func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := h.engine.CreateTransfer(r.Context(), chi.URLParam(r, "userID"), req.Amount, req.Recipient)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// SendToUser handles POST /api/v1/users/{userID}/transfers/send
func (h *Handler) SendToUser(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := h.engine.SendToUser(r.Context(), chi.URLParam(r, "userID"), req.ToUserID, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// TotalTransfers handles GET /api/v1/users/{userID}/transfers/total
func (h *Handler) TotalTransfers(w http.ResponseWriter, r *http.Request) {
	totals, err := h.engine.TotalTransfers(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

// DeleteTransfer handles DELETE /api/v1/users/{userID}/transfers/{transferID}
func (h *Handler) DeleteTransfer(w http.ResponseWriter, r *http.Request) {
	err := h.engine.DeleteTransfer(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "transferID"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Companies ---

// ListCompanies handles GET /api/v1/companies
func (h *Handler) ListCompanies(w http.ResponseWriter, r *http.Request) {
	companies, err := h.engine.ListCompanies(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, companies)
}

// CreateCompany handles POST /api/v1/companies
func (h *Handler) CreateCompany(w http.ResponseWriter, r *http.Request) {
	var req CompanyInput
	if !decode(w, r, &req) {
		return
	}
	c, err := h.engine.CreateCompany(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// GetCompany handles GET /api/v1/companies/{ticker}
func (h *Handler) GetCompany(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.GetCompany(r.Context(), chi.URLParam(r, "ticker"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// GetHistory handles GET /api/v1/companies/{ticker}/history?from=&to=
// Bounds are RFC 3339 timestamps; either may be omitted.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	from, ok := parseTime(w, r, "from")
	if !ok {
		return
	}
	to, ok := parseTime(w, r, "to")
	if !ok {
		return
	}
	points, err := h.engine.GetHistory(r.Context(), chi.URLParam(r, "ticker"), from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

// SetPrice handles PUT /api/v1/companies/{ticker}/price
func (h *Handler) SetPrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if !decode(w, r, &req) {
		return
	}
	price, err := h.engine.SetExternalPrice(r.Context(), chi.URLParam(r, "ticker"), req.Price)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"price": price})
}

// --- Trading ---

// Buy handles POST /api/v1/trade/buy
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	var req BuyRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, errs.E("trade.Buy", errs.InvalidInput, "user_id is required"))
		return
	}
	res, err := h.engine.Buy(r.Context(), req.UserID, req.Ticker, req.AmountUSD)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Sell handles POST /api/v1/trade/sell
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	var req SellRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, errs.E("trade.Sell", errs.InvalidInput, "user_id is required"))
		return
	}
	res, err := h.engine.Sell(r.Context(), req.UserID, req.Ticker, req.Shares)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Activity handles GET /api/v1/activity?after=&limit=
func (h *Handler) Activity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var after uint64
	if raw := q.Get("after"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSONError(w, "after must be a journal index", "invalid_input", http.StatusBadRequest)
			return
		}
		after = v
	}
	var limit int
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			writeJSONError(w, "limit must be an integer", "invalid_input", http.StatusBadRequest)
			return
		}
		limit = v
	}
	records, err := h.engine.Activity(r.Context(), after, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// RecalculateAll handles POST /api/v1/admin/recalculate
func (h *Handler) RecalculateAll(w http.ResponseWriter, r *http.Request) {
	failed, err := h.engine.RecalculateAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"failed": failed})
}

// --- Helpers ---

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, "invalid request body", "invalid_input", http.StatusBadRequest)
		return false
	}
	return true
}

func parseTime(w http.ResponseWriter, r *http.Request, key string) (time.Time, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeJSONError(w, key+" must be an RFC 3339 timestamp", "invalid_input", http.StatusBadRequest)
		return time.Time{}, false
	}
	return t, true
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.NotFound:
		return http.StatusNotFound
	case errs.InvalidInput:
		return http.StatusBadRequest
	case errs.InsufficientFunds, errs.InsufficientShares, errs.InsufficientInventory:
		return http.StatusUnprocessableEntity
	case errs.Unauthorized:
		return http.StatusForbidden
	case errs.Conflict:
		return http.StatusConflict
	case errs.Busy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response classified by kind.
func writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		msg = "internal error"
	}
	if errs.Retryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	writeJSONError(w, msg, errs.KindOf(err).String(), status)
}

func writeJSONError(w http.ResponseWriter, message, kind string, status int) {
	writeJSON(w, status, map[string]string{"error": message, "kind": kind})
}
