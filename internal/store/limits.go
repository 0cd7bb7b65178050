package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"inventory-core/pkg/errs"
	"inventory-core/pkg/types"
)

// GetClientLimit returns one client limit by composite key.
func (s *Store) GetClientLimit(ctx context.Context, clientID, securityID string, date types.Date) (types.ClientLimit, error) {
	const op = "store.GetClientLimit"

	row := s.db.QueryRowContext(ctx, `
		SELECT client_id, security_id, business_date,
			long_sell_limit, short_sell_limit, long_sell_used, short_sell_used,
			currency, limit_type, market, status, version, last_updated
		FROM client_limits
		WHERE client_id = ? AND security_id = ? AND business_date = ?`,
		clientID, securityID, string(date),
	)

	var l types.ClientLimit
	core, owner, err := scanLimitCore(row)
	if errors.Is(err, sql.ErrNoRows) {
		return l, errs.E(op, errs.NotFound, "client limit absent", map[string]string{
			"clientId": clientID, "securityId": securityID,
		})
	}
	if err != nil {
		return l, errs.E(op, errs.Dependency, err)
	}
	l.ClientID = owner
	l.LimitCore = core
	return l, nil
}

// SaveClientLimit writes a client limit under the optimistic version check.
func (s *Store) SaveClientLimit(ctx context.Context, l types.ClientLimit) error {
	const op = "store.SaveClientLimit"
	err := s.saveLimit(ctx, "client_limits", "client_id", l.ClientID, l.LimitCore, "")
	if err != nil {
		return errs.E(op, err)
	}
	return nil
}

// ListClientLimitsByDate returns every client limit on a date.
func (s *Store) ListClientLimitsByDate(ctx context.Context, date types.Date) ([]types.ClientLimit, error) {
	const op = "store.ListClientLimitsByDate"

	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, security_id, business_date,
			long_sell_limit, short_sell_limit, long_sell_used, short_sell_used,
			currency, limit_type, market, status, version, last_updated
		FROM client_limits WHERE business_date = ?`, string(date))
	if err != nil {
		return nil, errs.E(op, errs.Dependency, err)
	}
	defer rows.Close()

	var out []types.ClientLimit
	for rows.Next() {
		core, owner, err := scanLimitCore(rows)
		if err != nil {
			return nil, errs.E(op, errs.Dependency, err)
		}
		out = append(out, types.ClientLimit{ClientID: owner, LimitCore: core})
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(op, errs.Dependency, err)
	}
	return out, nil
}

// GetAULimit returns one aggregation-unit limit by composite key.
func (s *Store) GetAULimit(ctx context.Context, auID, securityID string, date types.Date) (types.AggregationUnitLimit, error) {
	const op = "store.GetAULimit"

	row := s.db.QueryRowContext(ctx, `
		SELECT au_id, security_id, business_date,
			long_sell_limit, short_sell_limit, long_sell_used, short_sell_used,
			currency, limit_type, market, status, version, last_updated, market_rules
		FROM au_limits
		WHERE au_id = ? AND security_id = ? AND business_date = ?`,
		auID, securityID, string(date),
	)

	l, err := scanAULimit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return l, errs.E(op, errs.NotFound, "AU limit absent", map[string]string{
			"auId": auID, "securityId": securityID,
		})
	}
	if err != nil {
		return l, errs.E(op, errs.Dependency, err)
	}
	return l, nil
}

// SaveAULimit writes an AU limit under the optimistic version check.
func (s *Store) SaveAULimit(ctx context.Context, l types.AggregationUnitLimit) error {
	const op = "store.SaveAULimit"

	rulesJSON, err := json.Marshal(l.MarketSpecificRules)
	if err != nil {
		return errs.E(op, errs.Dependency, err)
	}
	if err := s.saveLimit(ctx, "au_limits", "au_id", l.AggregationUnitID, l.LimitCore, string(rulesJSON)); err != nil {
		return errs.E(op, err)
	}
	return nil
}

// ListAULimitsByDate returns every AU limit on a date.
func (s *Store) ListAULimitsByDate(ctx context.Context, date types.Date) ([]types.AggregationUnitLimit, error) {
	const op = "store.ListAULimitsByDate"

	rows, err := s.db.QueryContext(ctx, `
		SELECT au_id, security_id, business_date,
			long_sell_limit, short_sell_limit, long_sell_used, short_sell_used,
			currency, limit_type, market, status, version, last_updated, market_rules
		FROM au_limits WHERE business_date = ?`, string(date))
	if err != nil {
		return nil, errs.E(op, errs.Dependency, err)
	}
	defer rows.Close()

	var out []types.AggregationUnitLimit
	for rows.Next() {
		l, err := scanAULimit(rows)
		if err != nil {
			return nil, errs.E(op, errs.Dependency, err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(op, errs.Dependency, err)
	}
	return out, nil
}

// saveLimit is the shared versioned upsert for both limit kinds. marketRules
// is only written for AU limits (empty string means no column).
func (s *Store) saveLimit(ctx context.Context, table, ownerCol, ownerID string, core types.LimitCore, marketRules string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.E("store.saveLimit", errs.Dependency, err)
	}
	defer func() { _ = tx.Rollback() }()

	update := `UPDATE ` + table + ` SET
			long_sell_limit = ?, short_sell_limit = ?, long_sell_used = ?, short_sell_used = ?,
			currency = ?, limit_type = ?, market = ?, status = ?, version = ?, last_updated = ?`
	args := []any{
		core.LongSellLimit.String(), core.ShortSellLimit.String(),
		core.LongSellUsed.String(), core.ShortSellUsed.String(),
		core.Currency, string(core.LimitType), core.Market, string(core.Status),
		core.Version, core.LastUpdated.UTC().Format(time.RFC3339Nano),
	}
	if marketRules != "" {
		update += `, market_rules = ?`
		args = append(args, marketRules)
	}
	update += ` WHERE ` + ownerCol + ` = ? AND security_id = ? AND business_date = ? AND version = ?`
	args = append(args, ownerID, core.SecurityID, string(core.BusinessDate), core.Version-1)

	res, err := tx.ExecContext(ctx, update, args...)
	if err != nil {
		return errs.E("store.saveLimit", errs.Dependency, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		if core.Version != 1 {
			return errs.E("store.saveLimit", errs.Conflict, "limit version mismatch", map[string]string{
				"owner": ownerID, "securityId": core.SecurityID, "version": fmt.Sprint(core.Version),
			})
		}

		insert := `INSERT INTO ` + table + ` (` + ownerCol + `, security_id, business_date,
			long_sell_limit, short_sell_limit, long_sell_used, short_sell_used,
			currency, limit_type, market, status, version, last_updated`
		values := `?,?,?,?,?,?,?,?,?,?,?,?,?`
		insArgs := []any{
			ownerID, core.SecurityID, string(core.BusinessDate),
			core.LongSellLimit.String(), core.ShortSellLimit.String(),
			core.LongSellUsed.String(), core.ShortSellUsed.String(),
			core.Currency, string(core.LimitType), core.Market, string(core.Status),
			core.Version, core.LastUpdated.UTC().Format(time.RFC3339Nano),
		}
		if marketRules != "" {
			insert += `, market_rules`
			values += `,?`
			insArgs = append(insArgs, marketRules)
		}
		insert += `) VALUES (` + values + `)`

		if _, err := tx.ExecContext(ctx, insert, insArgs...); err != nil {
			return errs.E("store.saveLimit", errs.Conflict, "concurrent insert", err)
		}
	}

	return tx.Commit()
}

// scanLimitCore reads the shared limit columns plus the owner ID.
func scanLimitCore(row rowScanner) (types.LimitCore, string, error) {
	var core types.LimitCore
	var owner, businessDate, limitType, status, lastUpdated string
	var longLimit, shortLimit, longUsed, shortUsed string

	err := row.Scan(
		&owner, &core.SecurityID, &businessDate,
		&longLimit, &shortLimit, &longUsed, &shortUsed,
		&core.Currency, &limitType, &core.Market, &status,
		&core.Version, &lastUpdated,
	)
	if err != nil {
		return core, "", err
	}

	core.BusinessDate = types.Date(businessDate)
	core.LimitType = types.LimitType(limitType)
	core.Status = types.LimitStatus(status)

	if core.LongSellLimit, err = decimal.NewFromString(longLimit); err != nil {
		return core, "", fmt.Errorf("long_sell_limit: %w", err)
	}
	if core.ShortSellLimit, err = decimal.NewFromString(shortLimit); err != nil {
		return core, "", fmt.Errorf("short_sell_limit: %w", err)
	}
	if core.LongSellUsed, err = decimal.NewFromString(longUsed); err != nil {
		return core, "", fmt.Errorf("long_sell_used: %w", err)
	}
	if core.ShortSellUsed, err = decimal.NewFromString(shortUsed); err != nil {
		return core, "", fmt.Errorf("short_sell_used: %w", err)
	}
	if lastUpdated != "" {
		core.LastUpdated, _ = time.Parse(time.RFC3339Nano, lastUpdated)
	}
	return core, owner, nil
}

func scanAULimit(row rowScanner) (types.AggregationUnitLimit, error) {
	var l types.AggregationUnitLimit
	var core types.LimitCore
	var owner, businessDate, limitType, status, lastUpdated, rulesJSON string
	var longLimit, shortLimit, longUsed, shortUsed string

	err := row.Scan(
		&owner, &core.SecurityID, &businessDate,
		&longLimit, &shortLimit, &longUsed, &shortUsed,
		&core.Currency, &limitType, &core.Market, &status,
		&core.Version, &lastUpdated, &rulesJSON,
	)
	if err != nil {
		return l, err
	}

	core.BusinessDate = types.Date(businessDate)
	core.LimitType = types.LimitType(limitType)
	core.Status = types.LimitStatus(status)

	if core.LongSellLimit, err = decimal.NewFromString(longLimit); err != nil {
		return l, fmt.Errorf("long_sell_limit: %w", err)
	}
	if core.ShortSellLimit, err = decimal.NewFromString(shortLimit); err != nil {
		return l, fmt.Errorf("short_sell_limit: %w", err)
	}
	if core.LongSellUsed, err = decimal.NewFromString(longUsed); err != nil {
		return l, fmt.Errorf("long_sell_used: %w", err)
	}
	if core.ShortSellUsed, err = decimal.NewFromString(shortUsed); err != nil {
		return l, fmt.Errorf("short_sell_used: %w", err)
	}
	if lastUpdated != "" {
		core.LastUpdated, _ = time.Parse(time.RFC3339Nano, lastUpdated)
	}

	l.AggregationUnitID = owner
	l.LimitCore = core
	if rulesJSON != "" {
		_ = json.Unmarshal([]byte(rulesJSON), &l.MarketSpecificRules)
	}
	return l, nil
}
