package rules

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"inventory-core/pkg/errs"
	"inventory-core/pkg/types"
)

// Store is the persistence contract the engine needs from the repository
// layer. Reads are value-copy; the engine owns no shared references.
type Store interface {
	ListRules(ctx context.Context) ([]types.CalculationRule, error)
	GetRule(ctx context.Context, id string) (types.CalculationRule, error)
	SaveRule(ctx context.Context, r types.CalculationRule) error
}

type cacheKey struct {
	ruleType types.RuleType
	market   string
}

// snapshot is an immutable view of the active rule set. Readers take the
// whole snapshot with one atomic load; writers publish a fresh snapshot and
// never touch a published one, so no reader ever sees a partial update.
type snapshot struct {
	asOf         types.Date
	active       []types.CalculationRule
	byTypeMarket map[cacheKey][]types.CalculationRule
}

// rulesFor returns a fresh slice of the market's rules of one type, with
// GLOBAL rules always included.
func (s *snapshot) rulesFor(ruleType types.RuleType, market string) []types.CalculationRule {
	local := s.byTypeMarket[cacheKey{ruleType, market}]
	global := s.byTypeMarket[cacheKey{ruleType, types.MarketGlobal}]
	out := make([]types.CalculationRule, 0, len(local)+len(global))
	out = append(out, local...)
	if market != types.MarketGlobal {
		out = append(out, global...)
	}
	return out
}

// Engine holds versioned calculation rules and answers verdict queries.
// The (ruleType, market) cache is write-through with explicit invalidation
// on create/update.
type Engine struct {
	store  Store
	logger *slog.Logger

	snap      atomic.Pointer[snapshot]
	rebuildMu sync.Mutex // serializes snapshot rebuilds
}

// NewEngine creates a rule engine backed by the given store.
func NewEngine(store Store, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		logger: logger.With("component", "rules"),
	}
}

// GetActiveRules returns all rules in force today: status ACTIVE and
// effectiveDate <= today < expiryDate.
func (e *Engine) GetActiveRules(ctx context.Context) ([]types.CalculationRule, error) {
	snap, err := e.snapshotFor(ctx, types.Today())
	if err != nil {
		return nil, err
	}
	out := make([]types.CalculationRule, len(snap.active))
	copy(out, snap.active)
	return out, nil
}

// GetActiveRulesByTypeAndMarket filters the active set down to one rule type
// and market. GLOBAL rules are always included alongside the market's own.
func (e *Engine) GetActiveRulesByTypeAndMarket(ctx context.Context, ruleType types.RuleType, market string) ([]types.CalculationRule, error) {
	snap, err := e.snapshotFor(ctx, types.Today())
	if err != nil {
		return nil, err
	}
	return snap.rulesFor(ruleType, market), nil
}

// CreateRule validates and persists a new rule at version 1, then
// invalidates the caches.
func (e *Engine) CreateRule(ctx context.Context, r types.CalculationRule) (types.CalculationRule, error) {
	const op = "rules.CreateRule"
	if err := validateRule(r); err != nil {
		return types.CalculationRule{}, err
	}
	r.Version = 1
	if r.Status == "" {
		r.Status = types.RuleActive
	}
	if err := e.store.SaveRule(ctx, r); err != nil {
		return types.CalculationRule{}, errs.E(op, err)
	}
	e.Invalidate()
	e.logger.Info("rule created", "rule_id", r.ID, "type", r.RuleType, "market", r.Market)
	return r, nil
}

// UpdateRule validates and persists a rule change, increments the version,
// and invalidates the caches.
func (e *Engine) UpdateRule(ctx context.Context, r types.CalculationRule) (types.CalculationRule, error) {
	const op = "rules.UpdateRule"
	if err := validateRule(r); err != nil {
		return types.CalculationRule{}, err
	}
	existing, err := e.store.GetRule(ctx, r.ID)
	if err != nil {
		return types.CalculationRule{}, errs.E(op, err)
	}
	r.Version = existing.Version + 1
	if err := e.store.SaveRule(ctx, r); err != nil {
		return types.CalculationRule{}, errs.E(op, err)
	}
	e.Invalidate()
	e.logger.Info("rule updated", "rule_id", r.ID, "version", r.Version)
	return r, nil
}

// EvaluateRulesByTypeAndMarket applies the market's context adjustments and
// evaluates the cached (ruleType, market) rule set. Evaluation itself never
// fails; the error covers rule-set retrieval only.
func (e *Engine) EvaluateRulesByTypeAndMarket(ctx context.Context, ruleType types.RuleType, market string, rctx Context) (bool, error) {
	ruleSet, err := e.GetActiveRulesByTypeAndMarket(ctx, ruleType, market)
	if err != nil {
		return false, err
	}
	adjusted := ApplyMarketAdjustments(market, rctx)
	return EvaluateRules(ruleSet, adjusted), nil
}

// Verdict evaluates the combined INCLUDE/EXCLUDE set for a calculation
// category in a market and returns the matched rule for stamping outputs.
func (e *Engine) Verdict(ctx context.Context, market string, rctx Context) (bool, types.CalculationRule, error) {
	snap, err := e.snapshotFor(ctx, types.Today())
	if err != nil {
		return false, types.CalculationRule{}, err
	}

	combined := snap.rulesFor(types.RuleInclude, market)
	combined = append(combined, snap.rulesFor(types.RuleExclude, market)...)

	adjusted := ApplyMarketAdjustments(market, rctx)
	ok := EvaluateRules(combined, adjusted)
	matched, _ := MatchingRule(combined, adjusted)
	return ok, matched, nil
}

// Invalidate drops the cached snapshot. The next read rebuilds from the
// store.
func (e *Engine) Invalidate() {
	e.snap.Store(nil)
}

// snapshotFor returns the current snapshot, rebuilding it when missing or
// when the business date rolled over since it was built.
func (e *Engine) snapshotFor(ctx context.Context, today types.Date) (*snapshot, error) {
	if s := e.snap.Load(); s != nil && s.asOf == today {
		return s, nil
	}

	e.rebuildMu.Lock()
	defer e.rebuildMu.Unlock()

	// Another rebuild may have won the race.
	if s := e.snap.Load(); s != nil && s.asOf == today {
		return s, nil
	}

	start := time.Now()
	all, err := e.store.ListRules(ctx)
	if err != nil {
		return nil, errs.E("rules.snapshot", errs.Dependency, err)
	}

	s := &snapshot{
		asOf:         today,
		byTypeMarket: make(map[cacheKey][]types.CalculationRule),
	}
	for _, r := range all {
		if !r.ActiveOn(today) {
			continue
		}
		s.active = append(s.active, r)
		key := cacheKey{r.RuleType, r.Market}
		s.byTypeMarket[key] = append(s.byTypeMarket[key], r)
	}

	e.snap.Store(s)
	e.logger.Debug("rule snapshot rebuilt",
		"active", len(s.active),
		"elapsed", time.Since(start),
	)
	return s, nil
}

// validateRule enforces the creation contract: name, ruleType, market,
// effectiveDate, and at least one condition are required.
func validateRule(r types.CalculationRule) error {
	const op = "rules.validate"
	missing := map[string]string{}
	if r.Name == "" {
		missing["name"] = "required"
	}
	if r.RuleType == "" {
		missing["ruleType"] = "required"
	}
	if r.Market == "" {
		missing["market"] = "required"
	}
	if r.EffectiveDate == "" {
		missing["effectiveDate"] = "required"
	}
	if len(r.Conditions) == 0 {
		missing["conditions"] = "required"
	}
	if len(missing) > 0 {
		return errs.E(op, errs.Validation, "missing required rule fields", missing)
	}
	return nil
}
