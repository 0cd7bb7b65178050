package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"inventory-core/pkg/errs"
	"inventory-core/pkg/types"
)

const inventoryColumns = `security_id, calc_type, business_date,
	counterparty_id, au_id, is_external, external_source,
	gross_qty, net_qty, available_qty, reserved_qty, decrement_qty,
	market, temperature, borrow_rate, is_overborrowed, overborrow_qty,
	calc_rule_id, calc_rule_version, status, version, last_modified_at`

// GetAvailability returns one availability record by composite key.
func (s *Store) GetAvailability(ctx context.Context, key types.AvailabilityKey) (types.InventoryAvailability, error) {
	const op = "store.GetAvailability"

	row := s.db.QueryRowContext(ctx,
		`SELECT `+inventoryColumns+` FROM inventory
		 WHERE security_id = ? AND calc_type = ? AND business_date = ?
		   AND counterparty_id = ? AND au_id = ? AND is_external = ? AND external_source = ?`,
		key.SecurityID, string(key.CalculationType), string(key.BusinessDate),
		key.CounterpartyID, key.AggregationUnitID, boolInt(key.IsExternalSource), key.ExternalSourceName,
	)
	a, err := scanAvailability(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.InventoryAvailability{}, errs.E(op, errs.NotFound, "availability absent", map[string]string{
			"securityId": key.SecurityID, "calculationType": string(key.CalculationType),
		})
	}
	if err != nil {
		return types.InventoryAvailability{}, errs.E(op, errs.Dependency, err)
	}
	return a, nil
}

// SaveAvailability writes an availability record under the optimistic
// version check.
func (s *Store) SaveAvailability(ctx context.Context, a types.InventoryAvailability) error {
	const op = "store.SaveAvailability"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.E(op, errs.Dependency, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE inventory SET
			gross_qty = ?, net_qty = ?, available_qty = ?, reserved_qty = ?, decrement_qty = ?,
			market = ?, temperature = ?, borrow_rate = ?, is_overborrowed = ?, overborrow_qty = ?,
			calc_rule_id = ?, calc_rule_version = ?, status = ?, version = ?, last_modified_at = ?
		WHERE security_id = ? AND calc_type = ? AND business_date = ?
		  AND counterparty_id = ? AND au_id = ? AND is_external = ? AND external_source = ?
		  AND version = ?`,
		a.GrossQuantity.String(), a.NetQuantity.String(), a.AvailableQuantity.String(),
		a.ReservedQuantity.String(), a.DecrementQuantity.String(),
		a.Market, string(a.SecurityTemperature), a.BorrowRate.String(),
		boolInt(a.IsOverborrowed), a.OverborrowQuantity.String(),
		a.CalculationRuleID, a.CalculationRuleVersion, string(a.Status),
		a.Version, a.LastModifiedAt.UTC().Format(time.RFC3339Nano),
		a.SecurityID, string(a.CalculationType), string(a.BusinessDate),
		a.CounterpartyID, a.AggregationUnitID, boolInt(a.IsExternalSource), a.ExternalSourceName,
		a.Version-1,
	)
	if err != nil {
		return errs.E(op, errs.Dependency, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		if a.Version != 1 {
			return errs.E(op, errs.Conflict, "availability version mismatch", map[string]string{
				"securityId": a.SecurityID, "calculationType": string(a.CalculationType),
				"version": fmt.Sprint(a.Version),
			})
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO inventory (`+inventoryColumns+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			a.SecurityID, string(a.CalculationType), string(a.BusinessDate),
			a.CounterpartyID, a.AggregationUnitID, boolInt(a.IsExternalSource), a.ExternalSourceName,
			a.GrossQuantity.String(), a.NetQuantity.String(), a.AvailableQuantity.String(),
			a.ReservedQuantity.String(), a.DecrementQuantity.String(),
			a.Market, string(a.SecurityTemperature), a.BorrowRate.String(),
			boolInt(a.IsOverborrowed), a.OverborrowQuantity.String(),
			a.CalculationRuleID, a.CalculationRuleVersion, string(a.Status),
			a.Version, a.LastModifiedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return errs.E(op, errs.Conflict, "concurrent insert", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.E(op, errs.Dependency, err)
	}
	return nil
}

// ListAvailabilityByDate returns every availability record on a date.
func (s *Store) ListAvailabilityByDate(ctx context.Context, date types.Date) ([]types.InventoryAvailability, error) {
	return s.queryAvailability(ctx,
		`SELECT `+inventoryColumns+` FROM inventory WHERE business_date = ?`, string(date))
}

// ListAvailabilityBySecurity returns a security's records on a date.
func (s *Store) ListAvailabilityBySecurity(ctx context.Context, securityID string, date types.Date) ([]types.InventoryAvailability, error) {
	return s.queryAvailability(ctx,
		`SELECT `+inventoryColumns+` FROM inventory WHERE security_id = ? AND business_date = ?`,
		securityID, string(date))
}

// ListAvailabilityByMarketAndDate returns a market's records on a date.
func (s *Store) ListAvailabilityByMarketAndDate(ctx context.Context, market string, date types.Date) ([]types.InventoryAvailability, error) {
	return s.queryAvailability(ctx,
		`SELECT `+inventoryColumns+` FROM inventory WHERE market = ? AND business_date = ?`,
		market, string(date))
}

func (s *Store) queryAvailability(ctx context.Context, query string, args ...any) ([]types.InventoryAvailability, error) {
	const op = "store.queryAvailability"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.E(op, errs.Dependency, err)
	}
	defer rows.Close()

	var out []types.InventoryAvailability
	for rows.Next() {
		a, err := scanAvailability(rows)
		if err != nil {
			return nil, errs.E(op, errs.Dependency, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(op, errs.Dependency, err)
	}
	return out, nil
}

func scanAvailability(row rowScanner) (types.InventoryAvailability, error) {
	var a types.InventoryAvailability
	var calcType, businessDate, temperature, status, lastModified string
	var gross, net, available, reserved, decrement, borrowRate, overborrow string
	var isExternal, isOverborrowed int

	err := row.Scan(
		&a.SecurityID, &calcType, &businessDate,
		&a.CounterpartyID, &a.AggregationUnitID, &isExternal, &a.ExternalSourceName,
		&gross, &net, &available, &reserved, &decrement,
		&a.Market, &temperature, &borrowRate, &isOverborrowed, &overborrow,
		&a.CalculationRuleID, &a.CalculationRuleVersion, &status,
		&a.Version, &lastModified,
	)
	if err != nil {
		return a, err
	}

	a.CalculationType = types.CalculationType(calcType)
	a.BusinessDate = types.Date(businessDate)
	a.IsExternalSource = isExternal != 0
	a.SecurityTemperature = types.SecurityTemperature(temperature)
	a.IsOverborrowed = isOverborrowed != 0
	a.Status = types.InventoryStatus(status)

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
		col string
	}{
		{&a.GrossQuantity, gross, "gross_qty"},
		{&a.NetQuantity, net, "net_qty"},
		{&a.AvailableQuantity, available, "available_qty"},
		{&a.ReservedQuantity, reserved, "reserved_qty"},
		{&a.DecrementQuantity, decrement, "decrement_qty"},
		{&a.BorrowRate, borrowRate, "borrow_rate"},
		{&a.OverborrowQuantity, overborrow, "overborrow_qty"},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return a, fmt.Errorf("%s: %w", f.col, err)
		}
	}
	if lastModified != "" {
		a.LastModifiedAt, _ = time.Parse(time.RFC3339Nano, lastModified)
	}
	return a, nil
}
