package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/matrixise/ethbalance/internal/balance"
	"github.com/matrixise/ethbalance/internal/lock"
	"github.com/matrixise/ethbalance/internal/storage"
)

// addressRecord is the durable row as returned to clients
type addressRecord struct {
	Address    string    `json:"address"`
	UserID     *int64    `json:"user_id"`
	EthBalance string    `json:"eth_balance"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type balanceResponse struct {
	EthBalance string `json:"eth_balance"`
}

// balanceEvent is an externally asserted balance. timestamp is in
// milliseconds.
type balanceEvent struct {
	Address    string `json:"address" validate:"required,eth_addr"`
	UserID     *int64 `json:"user_id" validate:"required,min=1"`
	EthBalance string `json:"eth_balance" validate:"required,number"`
	Timestamp  int64  `json:"timestamp" validate:"required,gt=0"`
	Version    string `json:"version" validate:"required"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handlers) getAddress(w http.ResponseWriter, r *http.Request) {
	addr, err := balance.NormalizeAddress(r.URL.Query().Get("address"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	row, err := h.records.FindByAddress(r.Context(), addr)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		h.logger.Error("Address lookup failed", "address", addr, "error", err)
		h.writeError(w, http.StatusServiceUnavailable, balance.ErrStoreFailure)
		return
	}

	h.writeJSON(w, http.StatusOK, addressRecord{
		Address:    row.Address,
		UserID:     row.UserID,
		EthBalance: row.Balance,
		UpdatedAt:  row.UpdatedAt,
	})
}

func (h *handlers) getBalance(w http.ResponseWriter, r *http.Request) {
	res, err := h.resolver.Resolve(r.Context(), r.URL.Query().Get("address"))
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	h.writeJSON(w, http.StatusOK, balanceResponse{EthBalance: res.Balance})
}

func (h *handlers) postBalanceEvent(w http.ResponseWriter, r *http.Request) {
	var ev balanceEvent
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.validate.Struct(&ev); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	err := h.applier.Apply(r.Context(), storage.AddressBalance{
		Address: ev.Address,
		Balance: ev.EthBalance,
		UserID:  ev.UserID,
	})
	if err != nil {
		h.logger.Warn("Balance event rejected", "address", ev.Address, "version", ev.Version, "timestamp", ev.Timestamp, "error", err)
		h.writeError(w, statusFor(err), err)
		return
	}

	h.logger.Info("Balance event applied", "address", ev.Address, "user_id", *ev.UserID, "version", ev.Version, "timestamp", ev.Timestamp)
	h.writeJSON(w, http.StatusOK, balanceResponse{EthBalance: ev.EthBalance})
}

// statusFor maps the error taxonomy to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, balance.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, balance.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lock.ErrLockTimeout):
		return http.StatusConflict
	case errors.Is(err, balance.ErrUpstreamUnavailable), errors.Is(err, balance.ErrStoreFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *handlers) writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		// Upstream details stay in the logs
		msg = http.StatusText(status)
		if errors.Is(err, balance.ErrUpstreamUnavailable) {
			msg = balance.ErrUpstreamUnavailable.Error()
		} else if errors.Is(err, balance.ErrStoreFailure) {
			msg = balance.ErrStoreFailure.Error()
		}
	}
	h.writeJSON(w, status, errorResponse{Error: msg})
}
