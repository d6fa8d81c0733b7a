package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/acmeshop/checkout/internal/checkout"
)

// maxAvailabilityIDs is a simple abuse guard on the public availability endpoint.
const maxAvailabilityIDs = 200

// Reads is the read/admin side of the store the handlers need; *checkout.Repo
// satisfies it.
type Reads interface {
	Availability(ctx context.Context, ids []int64) (map[int64]int, error)
	AdminInventory(ctx context.Context) ([]checkout.AdminInventoryRow, error)
	UpsertOnHand(ctx context.Context, productID int64, onHand int) (*checkout.StockLevel, error)
}

type CheckoutHandler struct {
	Service *checkout.Service
	Store   Reads
}

func (h *CheckoutHandler) Register(r *chi.Mux) {
	r.Post("/checkout", h.checkout)
	r.Get("/availability", h.availability)
	r.Get("/admin/inventory", h.adminInventory)
	r.Put("/admin/inventory/{id}", h.adminUpsert)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the domain taxonomy onto status codes. Infrastructure
// failures stay generic: no stack traces, no query text.
func writeError(w http.ResponseWriter, err error) {
	var (
		notFound *checkout.ProductNotFoundError
		oos      *checkout.OutOfStockError
		limited  *checkout.RateLimitedError
		payErr   *checkout.PaymentError
	)
	switch {
	case errors.Is(err, checkout.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": notFound.Error()})
	case errors.As(err, &oos):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":     "insufficient stock",
			"productId": oos.ProductID,
		})
	case errors.As(err, &limited):
		secs := int(limited.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":      "too many checkout attempts, please try again later",
			"retryAfter": secs,
		})
	case errors.As(err, &payErr):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "failed to create payment session"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (h *CheckoutHandler) checkout(w http.ResponseWriter, r *http.Request) {
	var req checkout.CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	userID := r.Header.Get("X-User-Id")
	identity := identityFor(r, userID)

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	res, err := h.Service.Checkout(ctx, req, userID, identity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": res.URL, "orderId": res.OrderID})
}

// identityFor keys the rate limiter: authenticated user id when present,
// otherwise the origin address (RealIP middleware already rewrote RemoteAddr).
func identityFor(r *http.Request, userID string) string {
	if userID != "" {
		return "user:" + userID
	}
	addr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return "ip:" + addr
}

func (h *CheckoutHandler) availability(w http.ResponseWriter, r *http.Request) {
	var ids []int64
	if raw := r.URL.Query().Get("ids"); raw != "" {
		seen := map[int64]bool{}
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid ids"})
				return
			}
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid ids"})
			return
		}
		if len(ids) > maxAvailabilityIDs {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "too many ids (max 200)"})
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	avail, err := h.Store.Availability(ctx, ids)
	if err != nil {
		writeError(w, err)
		return
	}

	// JSON object keys are strings; mirror that explicitly.
	out := make(map[string]int, len(avail))
	for id, n := range avail {
		out[strconv.FormatInt(id, 10)] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"inventory": out})
}

func (h *CheckoutHandler) adminInventory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	rows, err := h.Store.AdminInventory(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"inventory": rows})
}

type upsertStockReq struct {
	OnHand *int `json:"onHand"`
}

func (h *CheckoutHandler) adminUpsert(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid product id"})
		return
	}

	var req upsertStockReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OnHand == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "onHand must be a non-negative integer"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	lvl, err := h.Store.UpsertOnHand(ctx, id, *req.OnHand)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"inventory": lvl})
}
