package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"inventory-core/pkg/errs"
	"inventory-core/pkg/types"
)

// ListRules returns every calculation rule, any status.
func (s *Store) ListRules(ctx context.Context) ([]types.CalculationRule, error) {
	const op = "store.ListRules"

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, rule_type, market, priority, effective_date, expiry_date,
			status, conditions, actions, version
		FROM calculation_rules`)
	if err != nil {
		return nil, errs.E(op, errs.Dependency, err)
	}
	defer rows.Close()

	var out []types.CalculationRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, errs.E(op, errs.Dependency, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(op, errs.Dependency, err)
	}
	return out, nil
}

// GetRule returns one rule by ID.
func (s *Store) GetRule(ctx context.Context, id string) (types.CalculationRule, error) {
	const op = "store.GetRule"

	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, rule_type, market, priority, effective_date, expiry_date,
			status, conditions, actions, version
		FROM calculation_rules WHERE id = ?`, id)

	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, errs.E(op, errs.NotFound, "rule "+id)
	}
	if err != nil {
		return r, errs.E(op, errs.Dependency, err)
	}
	return r, nil
}

// SaveRule upserts a rule. Conditions and actions are stored as JSON; rule
// versioning is managed by the rule engine, not the store.
func (s *Store) SaveRule(ctx context.Context, r types.CalculationRule) error {
	const op = "store.SaveRule"

	conditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return errs.E(op, errs.Validation, "unserializable conditions", err)
	}
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return errs.E(op, errs.Validation, "unserializable actions", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO calculation_rules
			(id, name, rule_type, market, priority, effective_date, expiry_date,
			 status, conditions, actions, version)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, rule_type = excluded.rule_type, market = excluded.market,
			priority = excluded.priority, effective_date = excluded.effective_date,
			expiry_date = excluded.expiry_date, status = excluded.status,
			conditions = excluded.conditions, actions = excluded.actions,
			version = excluded.version`,
		r.ID, r.Name, string(r.RuleType), r.Market, r.Priority,
		string(r.EffectiveDate), string(r.ExpiryDate), string(r.Status),
		string(conditions), string(actions), r.Version,
	)
	if err != nil {
		return errs.E(op, errs.Dependency, err)
	}
	return nil
}

func scanRule(row rowScanner) (types.CalculationRule, error) {
	var r types.CalculationRule
	var ruleType, effective, expiry, status, conditions, actions string

	err := row.Scan(
		&r.ID, &r.Name, &ruleType, &r.Market, &r.Priority,
		&effective, &expiry, &status, &conditions, &actions, &r.Version,
	)
	if err != nil {
		return r, err
	}

	r.RuleType = types.RuleType(ruleType)
	r.EffectiveDate = types.Date(effective)
	r.ExpiryDate = types.Date(expiry)
	r.Status = types.RuleStatus(status)

	if err := json.Unmarshal([]byte(conditions), &r.Conditions); err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(actions), &r.Actions); err != nil {
		return r, err
	}
	return r, nil
}
