package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"inventory-core/internal/engine"
	"inventory-core/pkg/errs"
	"inventory-core/pkg/types"
)

// Handlers implements the REST endpoints over the core's synchronous API.
type Handlers struct {
	core   *engine.Core
	logger *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(core *engine.Core, logger *slog.Logger) *Handlers {
	return &Handlers{
		core:   core,
		logger: logger.With("component", "api"),
	}
}

// HandleHealth reports liveness.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// HandlePositionsByDate returns all positions for ?date= (default today).
func (h *Handlers) HandlePositionsByDate(w http.ResponseWriter, r *http.Request) {
	date, ok := h.dateParam(w, r)
	if !ok {
		return
	}
	positions, err := h.core.Positions().GetPositionsByDate(r.Context(), date)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// HandlePosition returns one position by (bookId, securityId, date).
func (h *Handlers) HandlePosition(w http.ResponseWriter, r *http.Request) {
	date, ok := h.dateParam(w, r)
	if !ok {
		return
	}
	key := types.PositionKey{
		BookID:       chi.URLParam(r, "bookID"),
		SecurityID:   chi.URLParam(r, "securityID"),
		BusinessDate: date,
	}
	p, err := h.core.Positions().GetPosition(r.Context(), key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleSettlementLadder returns the five-day grid view of one position.
func (h *Handlers) HandleSettlementLadder(w http.ResponseWriter, r *http.Request) {
	date, ok := h.dateParam(w, r)
	if !ok {
		return
	}
	key := types.PositionKey{
		BookID:       chi.URLParam(r, "bookID"),
		SecurityID:   chi.URLParam(r, "securityID"),
		BusinessDate: date,
	}
	ladder, err := h.core.Positions().GetSettlementLadder(r.Context(), key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ladder)
}

// HandleRecalculatePositions reprocesses positions in a calculation status.
func (h *Handlers) HandleRecalculatePositions(w http.ResponseWriter, r *http.Request) {
	var req recalculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errs.E("api.recalculate", errs.Validation, "malformed body", err))
		return
	}
	if req.BusinessDate == "" {
		req.BusinessDate = types.Today()
	}
	if req.Status == "" {
		req.Status = types.CalcPending
	}
	n, err := h.core.Positions().RecalculatePositions(r.Context(), req.BusinessDate, req.Status)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recalculateResponse{Recalculated: n})
}

// ————————————————————————————————————————————————————————————————————————
// Inventory
// ————————————————————————————————————————————————————————————————————————

// HandleInventoryByDate returns all availability records for ?date=.
func (h *Handlers) HandleInventoryByDate(w http.ResponseWriter, r *http.Request) {
	date, ok := h.dateParam(w, r)
	if !ok {
		return
	}
	records, err := h.core.Inventory().GetAvailabilityByDate(r.Context(), date)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// HandleInventoryForSecurity returns one security's records for ?date=.
func (h *Handlers) HandleInventoryForSecurity(w http.ResponseWriter, r *http.Request) {
	date, ok := h.dateParam(w, r)
	if !ok {
		return
	}
	records, err := h.core.Inventory().GetAvailabilityForSecurity(r.Context(), chi.URLParam(r, "securityID"), date)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// HandleInventoryByType returns one category's firm-wide record.
func (h *Handlers) HandleInventoryByType(w http.ResponseWriter, r *http.Request) {
	date, ok := h.dateParam(w, r)
	if !ok {
		return
	}
	rec, err := h.core.Inventory().GetAvailabilityByType(
		r.Context(),
		chi.URLParam(r, "securityID"),
		types.CalculationType(chi.URLParam(r, "calculationType")),
		date,
	)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleApplyLocate consumes locate availability.
func (h *Handlers) HandleApplyLocate(w http.ResponseWriter, r *http.Request) {
	var req locateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errs.E("api.locate", errs.Validation, "malformed body", err))
		return
	}
	if req.BusinessDate == "" {
		req.BusinessDate = types.Today()
	}
	if err := h.core.Inventory().ApplyLocate(r.Context(), req.SecurityID, req.BusinessDate, req.Quantity); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ————————————————————————————————————————————————————————————————————————
// Limits
// ————————————————————————————————————————————————————————————————————————

// HandleValidateOrder answers the synchronous short/long-sell check.
func (h *Handlers) HandleValidateOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errs.E("api.validate", errs.Validation, "malformed body", err))
		return
	}
	ok, err := h.core.ValidateOrder(r.Context(), req.ClientID, req.AggregationUnitID, req.SecurityID, req.OrderType, req.Quantity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, validationResponse{Valid: ok})
}

// HandleUpdateLimitUsage consumes limit capacity after an execution.
func (h *Handlers) HandleUpdateLimitUsage(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errs.E("api.usage", errs.Validation, "malformed body", err))
		return
	}
	if err := h.core.ConsumeLimit(r.Context(), req.ClientID, req.AggregationUnitID, req.SecurityID, req.OrderType, req.Quantity); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleClientLimit returns one client limit.
func (h *Handlers) HandleClientLimit(w http.ResponseWriter, r *http.Request) {
	date, ok := h.dateParam(w, r)
	if !ok {
		return
	}
	l, err := h.core.Limits().GetClientLimit(r.Context(), chi.URLParam(r, "clientID"), chi.URLParam(r, "securityID"), date)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// HandleAULimit returns one aggregation-unit limit.
func (h *Handlers) HandleAULimit(w http.ResponseWriter, r *http.Request) {
	date, ok := h.dateParam(w, r)
	if !ok {
		return
	}
	l, err := h.core.Limits().GetAULimit(r.Context(), chi.URLParam(r, "auID"), chi.URLParam(r, "securityID"), date)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// HandleRecalculateLimits clears and rebuilds limits from today's
// positions.
func (h *Handlers) HandleRecalculateLimits(w http.ResponseWriter, r *http.Request) {
	if err := h.core.Limits().RecalculateLimits(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ————————————————————————————————————————————————————————————————————————
// Rules
// ————————————————————————————————————————————————————————————————————————

// HandleActiveRules lists all rules in force today.
func (h *Handlers) HandleActiveRules(w http.ResponseWriter, r *http.Request) {
	ruleSet, err := h.core.Rules().GetActiveRules(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ruleSet)
}

// HandleRulesByTypeAndMarket filters active rules by type and market.
func (h *Handlers) HandleRulesByTypeAndMarket(w http.ResponseWriter, r *http.Request) {
	ruleSet, err := h.core.Rules().GetActiveRulesByTypeAndMarket(
		r.Context(),
		types.RuleType(chi.URLParam(r, "ruleType")),
		chi.URLParam(r, "market"),
	)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ruleSet)
}

// HandleCreateRule validates and persists a new rule.
func (h *Handlers) HandleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule types.CalculationRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		h.writeError(w, errs.E("api.createRule", errs.Validation, "malformed body", err))
		return
	}
	created, err := h.core.Rules().CreateRule(r.Context(), rule)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// HandleUpdateRule persists a rule change and bumps its version.
func (h *Handlers) HandleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule types.CalculationRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		h.writeError(w, errs.E("api.updateRule", errs.Validation, "malformed body", err))
		return
	}
	rule.ID = chi.URLParam(r, "ruleID")
	updated, err := h.core.Rules().UpdateRule(r.Context(), rule)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// HandleClearRuleCache drops the rule snapshot and the refdata cache.
func (h *Handlers) HandleClearRuleCache(w http.ResponseWriter, r *http.Request) {
	h.core.Rules().Invalidate()
	h.core.RefData().InvalidateCache()
	w.WriteHeader(http.StatusNoContent)
}

// ————————————————————————————————————————————————————————————————————————
// Shared plumbing
// ————————————————————————————————————————————————————————————————————————

// dateParam reads ?date= (default today) and reports malformed input.
func (h *Handlers) dateParam(w http.ResponseWriter, r *http.Request) (types.Date, bool) {
	raw := r.URL.Query().Get("date")
	if raw == "" {
		return types.Today(), true
	}
	date, err := types.ParseDate(raw)
	if err != nil {
		h.writeError(w, errs.E("api.date", errs.Validation, "date must be YYYY-MM-DD", err))
		return "", false
	}
	return date, true
}

// writeError maps error kinds onto HTTP statuses: 400 VALIDATION with
// field errors, 404 NOT_FOUND, 409 CONFLICT, 504 TIMEOUT, 500 otherwise.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)

	status := http.StatusInternalServerError
	switch kind {
	case errs.Validation:
		status = http.StatusBadRequest
	case errs.NotFound:
		status = http.StatusNotFound
	case errs.Conflict:
		status = http.StatusConflict
	case errs.Timeout:
		status = http.StatusGatewayTimeout
	}

	if status >= 500 {
		h.logger.Error("request failed", "kind", kind, "error", err)
	}

	writeJSON(w, status, errorResponse{
		Error:  err.Error(),
		Kind:   string(kind),
		Fields: errs.FieldsOf(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
