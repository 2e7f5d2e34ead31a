package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/skyfold/skywallet/wallet"
)

const (
	transactionLimit  = 10
	transactionWindow = time.Hour

	defaultDailySpendLimit = 10000
)

// WalletBalance proxies the balance lookup, passing the upstream
// status and JSON body through unchanged.
func (a *API) WalletBalance(w http.ResponseWriter, r *http.Request) {
	sc, _ := sessionFromContext(r.Context())

	result, err := a.walletClient.Balance(r.Context(), sc.Data.DID)
	if err != nil {
		writeWalletError(w, err)
		return
	}
	writeRaw(w, result)
}

// SubmitTransaction forwards a transfer after rate limiting and the
// daily spend cap. A failed upstream call returns the reserved amount
// to the day's budget.
func (a *API) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	sc, _ := sessionFromContext(r.Context())
	did := sc.Data.DID

	if ok, retryAfter := a.limiter.Allow("tx:"+did, transactionLimit, transactionWindow); !ok {
		a.audit.logEvent(AuditWalletRateLimited, r, did)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "too many transactions")
		return
	}

	var req transactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if req.Recipient == "" || req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "recipient and a positive amount are required")
		return
	}

	if !a.spend.Reserve(did, req.Amount, a.dailySpendLimit) {
		a.audit.logEvent(AuditTransactionRejected, r, did, slog.String("reason", "daily limit"))
		writeError(w, http.StatusForbidden, "daily spending limit reached")
		return
	}

	result, err := a.walletClient.SubmitTransaction(r.Context(), wallet.Transaction{
		FromDID:   did,
		Recipient: req.Recipient,
		Amount:    req.Amount,
		Note:      req.Note,
	})
	if err != nil {
		a.spend.Release(did, req.Amount)
		writeWalletError(w, err)
		return
	}
	if result.StatusCode < 200 || result.StatusCode >= 300 {
		a.spend.Release(did, req.Amount)
	} else {
		a.audit.logEvent(AuditTransactionSubmitted, r, did,
			slog.Int64("amount", req.Amount),
			slog.String("recipient", sanitizeForLog(req.Recipient)))
	}
	writeRaw(w, result)
}

func writeWalletError(w http.ResponseWriter, err error) {
	if errors.Is(err, wallet.ErrNotConfigured) {
		writeError(w, http.StatusServiceUnavailable, "wallet service not configured")
		return
	}
	writeError(w, http.StatusBadGateway, "wallet service unavailable")
}

func writeRaw(w http.ResponseWriter, result *wallet.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.StatusCode)
	w.Write(result.Body)
}
