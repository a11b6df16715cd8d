package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/plutus-app/plutus/internal/modules/history"
	"github.com/plutus-app/plutus/internal/modules/ledger"
	"github.com/plutus-app/plutus/internal/modules/platforms"
)

type handlers struct {
	deps      Deps
	log       zerolog.Logger
	startedAt time.Time
}

// actionResponse is the envelope for every mutating endpoint.
type actionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type platformResponse struct {
	ID                 int64                      `json:"id"`
	Name               string                     `json:"name"`
	PlatformType       string                     `json:"platform_type"`
	IsActive           bool                       `json:"is_active"`
	Notes              string                     `json:"notes,omitempty"`
	ManualEarnBalances map[string]decimal.Decimal `json:"manual_earn_balances,omitempty"`
	LastSyncStatus     string                     `json:"last_sync_status,omitempty"`
	LastSyncedAt       *time.Time                 `json:"last_synced_at,omitempty"`
	LastTxSyncedAt     *time.Time                 `json:"last_tx_synced_at,omitempty"`
	CreatedAt          time.Time                  `json:"created_at"`
}

type historyPointResponse struct {
	Date          string          `json:"date"`
	TotalValueRUB decimal.Decimal `json:"total_value_rub"`
}

type jobRunResponse struct {
	ID         string     `json:"id"`
	JobName    string     `json:"job_name"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Success    *bool      `json:"success,omitempty"`
	Message    string     `json:"message,omitempty"`
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (h *handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func (h *handlers) writeAction(w http.ResponseWriter, success bool, message string) {
	status := http.StatusOK
	if !success {
		status = http.StatusInternalServerError
	}
	h.writeJSON(w, status, actionResponse{Success: success, Message: message})
}

// triggerJob runs a registered scheduler job on demand so the run lands in
// job history alongside scheduled executions.
func (h *handlers) triggerJob(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := h.deps.Jobs[name]
		if !ok {
			h.writeError(w, http.StatusNotFound, "unknown job: "+name)
			return
		}
		success, message := h.deps.Scheduler.Execute(r.Context(), job)
		h.writeAction(w, success, message)
	}
}

func (h *handlers) listPlatforms(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.Platforms.GetAll()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list platforms")
		h.writeError(w, http.StatusInternalServerError, "failed to list platforms")
		return
	}
	out := make([]platformResponse, 0, len(list))
	for _, p := range list {
		out = append(out, platformResponse{
			ID:                 p.ID,
			Name:               p.Name,
			PlatformType:       p.Type,
			IsActive:           p.IsActive,
			Notes:              p.Notes,
			ManualEarnBalances: p.ManualEarnBalances,
			LastSyncStatus:     p.LastSyncStatus,
			LastSyncedAt:       p.LastSyncedAt,
			LastTxSyncedAt:     p.LastTxSyncedAt,
			CreatedAt:          p.CreatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *handlers) platformFromURL(w http.ResponseWriter, r *http.Request) (*platforms.Platform, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid platform id")
		return nil, false
	}
	p, err := h.deps.Platforms.GetByID(id)
	if err != nil {
		h.log.Error().Err(err).Int64("platform_id", id).Msg("Failed to load platform")
		h.writeError(w, http.StatusInternalServerError, "failed to load platform")
		return nil, false
	}
	if p == nil {
		h.writeError(w, http.StatusNotFound, "platform not found")
		return nil, false
	}
	return p, true
}

func (h *handlers) syncPlatformBalances(w http.ResponseWriter, r *http.Request) {
	p, ok := h.platformFromURL(w, r)
	if !ok {
		return
	}
	success, message := h.deps.Sync.SyncBalances(r.Context(), *p)
	h.writeAction(w, success, message)
}

func (h *handlers) syncPlatformTransactions(w http.ResponseWriter, r *http.Request) {
	p, ok := h.platformFromURL(w, r)
	if !ok {
		return
	}
	success, message := h.deps.Sync.SyncTransactions(r.Context(), *p)
	h.writeAction(w, success, message)
}

func (h *handlers) getHistory(w http.ResponseWriter, r *http.Request) {
	crypto, err := h.deps.Series.CryptoSeries()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load crypto history")
		h.writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	securities, err := h.deps.Series.SecuritiesSeries()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load securities history")
		h.writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string][]historyPointResponse{
		"crypto":     historyPoints(crypto),
		"securities": historyPoints(securities),
	})
}

func (h *handlers) getPerformanceChart(w http.ResponseWriter, r *http.Request) {
	chart, err := h.deps.History.PerformanceChart()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load performance chart")
		h.writeError(w, http.StatusInternalServerError, "failed to load performance chart")
		return
	}
	h.writeJSON(w, http.StatusOK, chart)
}

func (h *handlers) getPriceChanges(w http.ResponseWriter, r *http.Request) {
	changes, err := h.deps.Pricing.PriceChanges()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load price changes")
		h.writeError(w, http.StatusInternalServerError, "failed to load price changes")
		return
	}
	h.writeJSON(w, http.StatusOK, changes)
}

func (h *handlers) getMarketLeaders(w http.ResponseWriter, r *http.Request) {
	leaders, err := h.deps.History.MarketLeaders()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load market leaders")
		h.writeError(w, http.StatusInternalServerError, "failed to load market leaders")
		return
	}
	h.writeJSON(w, http.StatusOK, leaders)
}

type transactionResponse struct {
	ID             int64           `json:"id"`
	PlatformID     int64           `json:"platform_id"`
	ExternalID     string          `json:"external_id"`
	Timestamp      time.Time       `json:"timestamp"`
	Type           string          `json:"type"`
	RawType        string          `json:"raw_type,omitempty"`
	Asset1         string          `json:"asset1,omitempty"`
	Amount1        decimal.Decimal `json:"amount1"`
	Asset2         string          `json:"asset2,omitempty"`
	Amount2        decimal.Decimal `json:"amount2"`
	FeeAmount      decimal.Decimal `json:"fee_amount"`
	FeeTicker      string          `json:"fee_ticker,omitempty"`
	ExecutionPrice decimal.Decimal `json:"execution_price"`
	Description    string          `json:"description,omitempty"`
}

func (h *handlers) listTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 1000 {
			h.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = parsed
	}

	var (
		txs []ledger.Transaction
		err error
	)
	if raw := r.URL.Query().Get("platform_id"); raw != "" {
		platformID, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil {
			h.writeError(w, http.StatusBadRequest, "invalid platform id")
			return
		}
		txs, err = h.deps.Ledger.GetByPlatform(platformID)
		if err == nil && len(txs) > limit {
			// GetByPlatform is oldest-first; keep the newest entries.
			txs = txs[len(txs)-limit:]
		}
	} else {
		txs, err = h.deps.Ledger.Recent(limit)
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list transactions")
		h.writeError(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}

	out := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, transactionResponse{
			ID:             tx.ID,
			PlatformID:     tx.PlatformID,
			ExternalID:     tx.ExternalID,
			Timestamp:      tx.Timestamp,
			Type:           tx.Type,
			RawType:        tx.RawType,
			Asset1:         tx.Asset1,
			Amount1:        tx.Amount1,
			Asset2:         tx.Asset2,
			Amount2:        tx.Amount2,
			FeeAmount:      tx.FeeAmount,
			FeeTicker:      tx.FeeTicker,
			ExecutionPrice: tx.Price,
			Description:    tx.Description,
		})
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *handlers) recentJobs(w http.ResponseWriter, r *http.Request) {
	runs, err := h.deps.Pricing.RecentJobRuns(50)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load job history")
		h.writeError(w, http.StatusInternalServerError, "failed to load job history")
		return
	}
	out := make([]jobRunResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, jobRunResponse{
			ID:         run.ID,
			JobName:    run.JobName,
			StartedAt:  run.StartedAt,
			FinishedAt: run.FinishedAt,
			Success:    run.Success,
			Message:    run.Message,
		})
	}
	h.writeJSON(w, http.StatusOK, out)
}

func historyPoints(rows []history.Row) []historyPointResponse {
	out := make([]historyPointResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, historyPointResponse{Date: row.Date, TotalValueRUB: row.TotalValueRUB})
	}
	return out
}
