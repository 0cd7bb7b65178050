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

const positionColumns = `book_id, security_id, business_date,
	contractual_qty, settled_qty,
	sd0_deliver, sd1_deliver, sd2_deliver, sd3_deliver, sd4_deliver,
	sd0_receipt, sd1_receipt, sd2_receipt, sd3_receipt, sd4_receipt,
	current_net, projected_net, position_type,
	is_hypothecatable, is_reserved, is_start_of_day, has_beyond_ladder,
	calc_status, calc_rule_id, calc_rule_version, calc_date,
	version, last_modified_at`

// GetPosition returns one position by composite key.
func (s *Store) GetPosition(ctx context.Context, key types.PositionKey) (types.Position, error) {
	const op = "store.GetPosition"

	row := s.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE book_id = ? AND security_id = ? AND business_date = ?`,
		key.BookID, key.SecurityID, string(key.BusinessDate),
	)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Position{}, errs.E(op, errs.NotFound, "position absent", map[string]string{
			"bookId": key.BookID, "securityId": key.SecurityID, "businessDate": string(key.BusinessDate),
		})
	}
	if err != nil {
		return types.Position{}, errs.E(op, errs.Dependency, err)
	}
	return p, nil
}

// SavePosition writes a position under the optimistic version check.
func (s *Store) SavePosition(ctx context.Context, p types.Position) error {
	const op = "store.SavePosition"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.E(op, errs.Dependency, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := savePositionTx(ctx, tx, p); err != nil {
		return errs.E(op, err)
	}
	if err := tx.Commit(); err != nil {
		return errs.E(op, errs.Dependency, err)
	}
	return nil
}

// SaveAllPositions writes a batch in one transaction, all-or-nothing within
// the position entity.
func (s *Store) SaveAllPositions(ctx context.Context, list []types.Position) error {
	const op = "store.SaveAllPositions"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.E(op, errs.Dependency, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range list {
		if err := savePositionTx(ctx, tx, p); err != nil {
			return errs.E(op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.E(op, errs.Dependency, err)
	}
	return nil
}

func savePositionTx(ctx context.Context, tx *sql.Tx, p types.Position) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE positions SET
			contractual_qty = ?, settled_qty = ?,
			sd0_deliver = ?, sd1_deliver = ?, sd2_deliver = ?, sd3_deliver = ?, sd4_deliver = ?,
			sd0_receipt = ?, sd1_receipt = ?, sd2_receipt = ?, sd3_receipt = ?, sd4_receipt = ?,
			current_net = ?, projected_net = ?, position_type = ?,
			is_hypothecatable = ?, is_reserved = ?, is_start_of_day = ?, has_beyond_ladder = ?,
			calc_status = ?, calc_rule_id = ?, calc_rule_version = ?, calc_date = ?,
			version = ?, last_modified_at = ?
		WHERE book_id = ? AND security_id = ? AND business_date = ? AND version = ?`,
		p.ContractualQty.String(), p.SettledQty.String(),
		p.Ladder.Deliver[0].String(), p.Ladder.Deliver[1].String(), p.Ladder.Deliver[2].String(),
		p.Ladder.Deliver[3].String(), p.Ladder.Deliver[4].String(),
		p.Ladder.Receipt[0].String(), p.Ladder.Receipt[1].String(), p.Ladder.Receipt[2].String(),
		p.Ladder.Receipt[3].String(), p.Ladder.Receipt[4].String(),
		p.CurrentNetPosition.String(), p.ProjectedNetPosition.String(), string(p.PositionType),
		boolInt(p.IsHypothecatable), boolInt(p.IsReserved), boolInt(p.IsStartOfDay), boolInt(p.HasBeyondLadder),
		string(p.CalculationStatus), p.CalculationRuleID, p.CalculationRuleVersion, string(p.CalculationDate),
		p.Version, p.LastModifiedAt.UTC().Format(time.RFC3339Nano),
		p.BookID, p.SecurityID, string(p.BusinessDate), p.Version-1,
	)
	if err != nil {
		return errs.E("store.savePosition", errs.Dependency, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	if p.Version != 1 {
		return errs.E("store.savePosition", errs.Conflict, "position version mismatch", map[string]string{
			"bookId": p.BookID, "securityId": p.SecurityID, "version": fmt.Sprint(p.Version),
		})
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.BookID, p.SecurityID, string(p.BusinessDate),
		p.ContractualQty.String(), p.SettledQty.String(),
		p.Ladder.Deliver[0].String(), p.Ladder.Deliver[1].String(), p.Ladder.Deliver[2].String(),
		p.Ladder.Deliver[3].String(), p.Ladder.Deliver[4].String(),
		p.Ladder.Receipt[0].String(), p.Ladder.Receipt[1].String(), p.Ladder.Receipt[2].String(),
		p.Ladder.Receipt[3].String(), p.Ladder.Receipt[4].String(),
		p.CurrentNetPosition.String(), p.ProjectedNetPosition.String(), string(p.PositionType),
		boolInt(p.IsHypothecatable), boolInt(p.IsReserved), boolInt(p.IsStartOfDay), boolInt(p.HasBeyondLadder),
		string(p.CalculationStatus), p.CalculationRuleID, p.CalculationRuleVersion, string(p.CalculationDate),
		p.Version, p.LastModifiedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return errs.E("store.savePosition", errs.Conflict, "concurrent insert", err)
	}
	return nil
}

// ListPositionsByDate returns every position on a business date.
func (s *Store) ListPositionsByDate(ctx context.Context, date types.Date) ([]types.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE business_date = ?`, string(date))
}

// ListPositionsByStatus returns positions on a date in one calculation
// status.
func (s *Store) ListPositionsByStatus(ctx context.Context, date types.Date, status types.CalculationStatus) ([]types.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE business_date = ? AND calc_status = ?`,
		string(date), string(status))
}

// ListPositionsBySecurity returns a security's positions across books on a
// date.
func (s *Store) ListPositionsBySecurity(ctx context.Context, securityID string, date types.Date) ([]types.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE security_id = ? AND business_date = ?`,
		securityID, string(date))
}

// RolloverPositions clones one business date's positions onto the next as
// fresh start-of-day records. Already-rolled keys are left alone so the job
// can re-run safely.
func (s *Store) RolloverPositions(ctx context.Context, from, to types.Date) (int, error) {
	const op = "store.RolloverPositions"

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO positions (`+positionColumns+`)
		SELECT book_id, security_id, ?,
			contractual_qty, settled_qty,
			sd0_deliver, sd1_deliver, sd2_deliver, sd3_deliver, sd4_deliver,
			sd0_receipt, sd1_receipt, sd2_receipt, sd3_receipt, sd4_receipt,
			current_net, projected_net, position_type,
			is_hypothecatable, is_reserved, 1, has_beyond_ladder,
			'PENDING', calc_rule_id, calc_rule_version, '',
			1, ?
		FROM positions WHERE business_date = ?`,
		string(to), time.Now().UTC().Format(time.RFC3339Nano), string(from),
	)
	if err != nil {
		return 0, errs.E(op, errs.Dependency, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) queryPositions(ctx context.Context, query string, args ...any) ([]types.Position, error) {
	const op = "store.queryPositions"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.E(op, errs.Dependency, err)
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, errs.E(op, errs.Dependency, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(op, errs.Dependency, err)
	}
	return out, nil
}

// rowScanner lets scanPosition serve both QueryRow and Query results.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (types.Position, error) {
	var p types.Position
	var businessDate, calcDate, positionType, calcStatus, lastModified string
	var contractual, settled, currentNet, projectedNet string
	var deliver, receipt [types.LadderDays]string
	var hyp, res, sod, beyond int

	err := row.Scan(
		&p.BookID, &p.SecurityID, &businessDate,
		&contractual, &settled,
		&deliver[0], &deliver[1], &deliver[2], &deliver[3], &deliver[4],
		&receipt[0], &receipt[1], &receipt[2], &receipt[3], &receipt[4],
		&currentNet, &projectedNet, &positionType,
		&hyp, &res, &sod, &beyond,
		&calcStatus, &p.CalculationRuleID, &p.CalculationRuleVersion, &calcDate,
		&p.Version, &lastModified,
	)
	if err != nil {
		return p, err
	}

	p.BusinessDate = types.Date(businessDate)
	p.CalculationDate = types.Date(calcDate)
	p.PositionType = types.PositionType(positionType)
	p.CalculationStatus = types.CalculationStatus(calcStatus)
	p.IsHypothecatable = hyp != 0
	p.IsReserved = res != 0
	p.IsStartOfDay = sod != 0
	p.HasBeyondLadder = beyond != 0

	if p.ContractualQty, err = decimal.NewFromString(contractual); err != nil {
		return p, fmt.Errorf("contractual_qty: %w", err)
	}
	if p.SettledQty, err = decimal.NewFromString(settled); err != nil {
		return p, fmt.Errorf("settled_qty: %w", err)
	}
	if p.CurrentNetPosition, err = decimal.NewFromString(currentNet); err != nil {
		return p, fmt.Errorf("current_net: %w", err)
	}
	if p.ProjectedNetPosition, err = decimal.NewFromString(projectedNet); err != nil {
		return p, fmt.Errorf("projected_net: %w", err)
	}
	for i := 0; i < types.LadderDays; i++ {
		if p.Ladder.Deliver[i], err = decimal.NewFromString(deliver[i]); err != nil {
			return p, fmt.Errorf("sd%d_deliver: %w", i, err)
		}
		if p.Ladder.Receipt[i], err = decimal.NewFromString(receipt[i]); err != nil {
			return p, fmt.Errorf("sd%d_receipt: %w", i, err)
		}
	}
	if lastModified != "" {
		p.LastModifiedAt, _ = time.Parse(time.RFC3339Nano, lastModified)
	}
	return p, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
