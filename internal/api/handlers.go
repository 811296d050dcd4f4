package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/trogers1052/market-data-ingestor/internal/errs"
	"github.com/trogers1052/market-data-ingestor/internal/ingest"
	"github.com/trogers1052/market-data-ingestor/internal/logging"
	"github.com/trogers1052/market-data-ingestor/internal/models"
	"github.com/trogers1052/market-data-ingestor/internal/scheduler"
)

const healthTimeout = 2 * time.Second

// Triggerer starts an on-demand ingestion run and waits for its outcome
type Triggerer interface {
	Trigger(ctx context.Context, symbol string, period models.Period) (models.Outcome, error)
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	store          ingest.Store
	trigger        Triggerer
	triggerTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// NewHandler creates a new Handler
func NewHandler(store ingest.Store, trigger Triggerer, triggerTimeout time.Duration, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		store:          store,
		trigger:        trigger,
		triggerTimeout: triggerTimeout,
		logger:         logger.With("component", "api"),
		now:            time.Now,
	}
}

type ingestRequest struct {
	Symbol string `json:"symbol"`
	Period string `json:"period"`
}

type ingestResponse struct {
	RunID    string           `json:"run_id"`
	Symbol   string           `json:"symbol"`
	Period   string           `json:"period"`
	Fetched  int              `json:"fetched"`
	Inserted int              `json:"inserted"`
	Skipped  int              `json:"skipped"`
	Invalid  int              `json:"invalid"`
	Status   models.RunStatus `json:"status"`
	Error    string           `json:"error,omitempty"`
	Kind     errs.Kind        `json:"kind,omitempty"`
}

type errorResponse struct {
	Error string    `json:"error"`
	Kind  errs.Kind `json:"kind,omitempty"`
}

// Ingest handles POST /api/v1/ingest
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errs.InvalidRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Symbol) == "" {
		respondError(w, http.StatusBadRequest, errs.InvalidRequest, "symbol is required")
		return
	}
	period, err := models.ParsePeriod(req.Period)
	if err != nil {
		respondError(w, http.StatusBadRequest, errs.InvalidRequest, err.Error())
		return
	}

	ctx := r.Context()
	if h.triggerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.triggerTimeout)
		defer cancel()
	}

	out, err := h.trigger.Trigger(ctx, req.Symbol, period)
	if err != nil {
		status := triggerErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("trigger failed", "symbol", req.Symbol, "error", err)
		}
		respondError(w, status, errs.KindOf(err), err.Error())
		return
	}

	resp := ingestResponse{
		RunID:    out.RunID,
		Symbol:   out.Symbol,
		Period:   out.Period,
		Fetched:  out.Fetched,
		Inserted: out.Inserted,
		Skipped:  out.Skipped,
		Invalid:  out.Invalid,
		Status:   out.Status,
	}
	if out.Err != nil {
		resp.Error = out.Err.Error()
		resp.Kind = errs.KindOf(out.Err)
	}
	respondJSON(w, outcomeStatus(out), resp)
}

func triggerErrorStatus(err error) int {
	if errors.Is(err, scheduler.ErrStopped) {
		return http.StatusServiceUnavailable
	}
	switch errs.KindOf(err) {
	case errs.InvalidRequest:
		return http.StatusBadRequest
	case errs.NotFound:
		return http.StatusNotFound
	case errs.Cancelled:
		return http.StatusGatewayTimeout
	case errs.StoreUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// outcomeStatus maps a finished run onto an HTTP status. Provider-side
// failures are a bad gateway, store-side failures are ours.
func outcomeStatus(out models.Outcome) int {
	switch out.Status {
	case models.RunSucceeded, models.RunPartiallySucceeded:
		return http.StatusOK
	case models.RunCancelled:
		return http.StatusGatewayTimeout
	}
	if out.FailedStage == models.StateFetching {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

type barsResponse struct {
	Symbol string       `json:"symbol"`
	Start  time.Time    `json:"start"`
	End    time.Time    `json:"end"`
	Offset int          `json:"offset"`
	Limit  int          `json:"limit"`
	Count  int          `json:"count"`
	Bars   []models.Bar `json:"bars"`
}

// GetBars handles GET /api/v1/instruments/{symbol}/bars
func (h *Handler) GetBars(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.lookup(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	end := h.now().UTC()
	start := time.Unix(0, 0).UTC()
	var err error
	if v := q.Get("start"); v != "" {
		if start, err = parseTime(v); err != nil {
			respondError(w, http.StatusBadRequest, errs.InvalidRequest, "invalid start: "+err.Error())
			return
		}
	}
	if v := q.Get("end"); v != "" {
		if end, err = parseTime(v); err != nil {
			respondError(w, http.StatusBadRequest, errs.InvalidRequest, "invalid end: "+err.Error())
			return
		}
	}
	if end.Before(start) {
		respondError(w, http.StatusBadRequest, errs.InvalidRequest, "end is before start")
		return
	}

	offset, err := queryInt(q.Get("offset"))
	if err != nil || offset < 0 {
		respondError(w, http.StatusBadRequest, errs.InvalidRequest, "offset must be a non-negative integer")
		return
	}
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errs.InvalidRequest, "limit must be an integer")
		return
	}
	limit = models.ClampPageSize(limit)

	bars, err := h.store.ReadRange(r.Context(), inst.ID, start, end, offset, limit)
	if err != nil {
		h.respondStoreError(w, "read bars", err)
		return
	}

	respondJSON(w, http.StatusOK, barsResponse{
		Symbol: inst.Symbol,
		Start:  start,
		End:    end,
		Offset: offset,
		Limit:  limit,
		Count:  len(bars),
		Bars:   bars,
	})
}

// GetLatestBar handles GET /api/v1/instruments/{symbol}/bars/latest
func (h *Handler) GetLatestBar(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.lookup(w, r)
	if !ok {
		return
	}

	bar, err := h.store.Latest(r.Context(), inst.ID)
	if err != nil {
		h.respondStoreError(w, "read latest bar", err)
		return
	}
	respondJSON(w, http.StatusOK, bar)
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*models.Instrument, bool) {
	symbol, err := models.NormalizeSymbol(mux.Vars(r)["symbol"])
	if err != nil {
		respondError(w, http.StatusBadRequest, errs.InvalidRequest, err.Error())
		return nil, false
	}
	inst, err := h.store.GetInstrumentBySymbol(r.Context(), symbol)
	if err != nil {
		h.respondStoreError(w, "lookup instrument", err)
		return nil, false
	}
	return inst, true
}

func (h *Handler) respondStoreError(w http.ResponseWriter, action string, err error) {
	switch errs.KindOf(err) {
	case errs.NotFound:
		respondError(w, http.StatusNotFound, errs.NotFound, err.Error())
	case errs.StoreUnavailable:
		respondError(w, http.StatusServiceUnavailable, errs.StoreUnavailable, err.Error())
	case errs.Cancelled:
		respondError(w, http.StatusGatewayTimeout, errs.Cancelled, err.Error())
	default:
		h.logger.Error(action+" failed", "error", err)
		respondError(w, http.StatusInternalServerError, errs.KindOf(err), err.Error())
	}
}

// parseTime accepts RFC3339 or a bare date
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, errors.New("expected RFC3339 timestamp or YYYY-MM-DD")
	}
	return t.UTC(), nil
}

func queryInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, kind errs.Kind, msg string) {
	respondJSON(w, status, errorResponse{Error: msg, Kind: kind})
}
