package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/shopspring/decimal"

	"github.com/sakif/trade-accounting/internal/apperror"
	"github.com/sakif/trade-accounting/internal/model"
	"github.com/sakif/trade-accounting/internal/repository"
)

var _ repository.CalculationRepository = (*DB)(nil)

// maxTotal is the storage envelope for the aggregate columns:
// NUMERIC(10,2) semantics, i.e. any total must stay below 10^8.
// Crossing it aborts the whole recompute with apperror.ErrOverflow.
var maxTotal = decimal.New(1, 8)

// oneHundred is hoisted because every markup application divides by it.
var oneHundred = decimal.NewFromInt(100)

// CreateCalculation persists a calculation together with its initial lines in one
// transaction. Totals start at zero; the caller follows up with
// RecomputeTotals as part of the same logical operation.
func (db *DB) CreateCalculation(ctx context.Context, calc *model.Calculation, lines []model.CalculationLine) error {
	calc.ID = xid.New().String()
	calc.CreatedAt = time.Now().UTC()
	calc.TotalPrice = decimal.Zero
	calc.TotalPriceWithMarkup = decimal.Zero

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO calculations (id, owner_id, title, markup, total_price, total_price_with_markup, created_at)
		 VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?)`,
		calc.ID, calc.OwnerID, calc.Title, calc.Markup,
		calc.TotalPrice, calc.TotalPriceWithMarkup, calc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating calculation: %w", err)
	}

	for i := range lines {
		lines[i].ID = xid.New().String()
		lines[i].CalculationID = calc.ID
		_, err = tx.ExecContext(ctx,
			`INSERT INTO calculation_lines (id, calculation_id, item_id, quantity)
			 VALUES (?, ?, ?, ?)`,
			lines[i].ID, calc.ID, lines[i].ItemID, lines[i].Quantity,
		)
		if err != nil {
			if isConstraint(err) {
				return apperror.Conflict("calculation line",
					fmt.Sprintf("item %s invalid or already present", lines[i].ItemID))
			}
			return fmt.Errorf("sqlite: creating calculation line: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing calculation: %w", err)
	}
	calc.Lines = lines
	calc.LineCount = len(lines)
	return nil
}

func (db *DB) GetCalculationByID(ctx context.Context, id string) (*model.Calculation, error) {
	var (
		calc    model.Calculation
		ownerID sql.NullString
		owner   sql.NullString
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT c.id, c.owner_id, u.username, c.title, c.markup,
		        c.total_price, c.total_price_with_markup, c.created_at
		 FROM calculations c
		 LEFT JOIN users u ON u.id = c.owner_id
		 WHERE c.id = ?`,
		id,
	).Scan(&calc.ID, &ownerID, &owner, &calc.Title, &calc.Markup,
		&calc.TotalPrice, &calc.TotalPriceWithMarkup, &calc.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("calculation", id)
		}
		return nil, fmt.Errorf("sqlite: getting calculation %s: %w", id, err)
	}
	calc.OwnerID = ownerID.String
	calc.OwnerName = owner.String

	calc.Lines, err = db.linesFor(ctx, db.conn, calc.ID)
	if err != nil {
		return nil, err
	}
	calc.LineCount = len(calc.Lines)
	return &calc, nil
}

// querier lets linesFor run either on the pool or inside a transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (db *DB) linesFor(ctx context.Context, q querier, calcID string) ([]model.CalculationLine, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT l.id, l.calculation_id, l.item_id, l.quantity, i.name, i.price
		 FROM calculation_lines l
		 JOIN items i ON i.id = l.item_id
		 WHERE l.calculation_id = ?
		 ORDER BY i.name`,
		calcID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing calculation lines: %w", err)
	}
	defer rows.Close()

	var lines []model.CalculationLine
	for rows.Next() {
		var l model.CalculationLine
		if err := rows.Scan(&l.ID, &l.CalculationID, &l.ItemID, &l.Quantity, &l.ItemName, &l.ItemPrice); err != nil {
			return nil, fmt.Errorf("sqlite: scanning calculation line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating calculation lines: %w", err)
	}
	return lines, nil
}

// ListCalculations returns a page of calculations. ownerID narrows the listing to
// one owner; empty means "all" (the admin view).
func (db *DB) ListCalculations(ctx context.Context, opts repository.ListOptions, ownerID string) ([]model.Calculation, error) {
	limit, offset := clampPage(opts.Limit, opts.Offset)
	order := sortClause(map[string]string{
		"title":                   "c.title",
		"created_at":              "c.created_at",
		"total_price":             "CAST(c.total_price AS REAL)",
		"total_price_with_markup": "CAST(c.total_price_with_markup AS REAL)",
	}, opts.Sort, opts.Direction, "c.created_at DESC, c.title")

	rows, err := db.conn.QueryContext(ctx,
		`SELECT c.id, c.owner_id, u.username, c.title, c.markup,
		        c.total_price, c.total_price_with_markup, c.created_at,
		        (SELECT COUNT(*) FROM calculation_lines l WHERE l.calculation_id = c.id)
		 FROM calculations c
		 LEFT JOIN users u ON u.id = c.owner_id
		 WHERE c.title LIKE '%' || ? || '%'
		   AND (? = '' OR c.owner_id = ?)
		 ORDER BY `+order+`
		 LIMIT ? OFFSET ?`,
		opts.Search, ownerID, ownerID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing calculations: %w", err)
	}
	defer rows.Close()

	calcs := make([]model.Calculation, 0, limit)
	for rows.Next() {
		var (
			c     model.Calculation
			oid   sql.NullString
			owner sql.NullString
		)
		if err := rows.Scan(&c.ID, &oid, &owner, &c.Title, &c.Markup,
			&c.TotalPrice, &c.TotalPriceWithMarkup, &c.CreatedAt, &c.LineCount); err != nil {
			return nil, fmt.Errorf("sqlite: scanning calculation row: %w", err)
		}
		c.OwnerID = oid.String
		c.OwnerName = owner.String
		calcs = append(calcs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating calculations: %w", err)
	}
	return calcs, nil
}

// ReplaceCalculationLines updates the calculation's title and markup and swaps the
// entire line set in a single transaction. Totals are left stale on
// purpose: the service calls RecomputeTotals immediately after, and
// doing the swap and the recompute in separate write transactions keeps
// each one short while the trigger contract still holds within the one
// logical operation.
func (db *DB) ReplaceCalculationLines(ctx context.Context, calc *model.Calculation, lines []model.CalculationLine) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE calculations SET title = ?, markup = ? WHERE id = ?`,
		calc.Title, calc.Markup, calc.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: updating calculation %s: %w", calc.ID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound("calculation", calc.ID)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM calculation_lines WHERE calculation_id = ?`, calc.ID); err != nil {
		return fmt.Errorf("sqlite: clearing calculation lines: %w", err)
	}

	for i := range lines {
		lines[i].ID = xid.New().String()
		lines[i].CalculationID = calc.ID
		_, err = tx.ExecContext(ctx,
			`INSERT INTO calculation_lines (id, calculation_id, item_id, quantity)
			 VALUES (?, ?, ?, ?)`,
			lines[i].ID, calc.ID, lines[i].ItemID, lines[i].Quantity,
		)
		if err != nil {
			if isConstraint(err) {
				return apperror.Conflict("calculation line",
					fmt.Sprintf("item %s invalid or already present", lines[i].ItemID))
			}
			return fmt.Errorf("sqlite: inserting calculation line: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing line replacement: %w", err)
	}
	return nil
}

func (db *DB) DeleteCalculation(ctx context.Context, id string) error {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM calculations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: deleting calculation %s: %w", id, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound("calculation", id)
	}
	return nil
}

// RecomputeTotals makes the two cached totals consistent with the
// calculation's current lines, atomically.
//
// The transaction opens with a self-assignment UPDATE on the target
// row. That does two jobs at once: it promotes the transaction to
// writer immediately (so every concurrent recompute serialises behind
// it, the SQLite stand-in for an exclusive row lock), and its
// RowsAffected answers the existence check without a second query.
//
// Everything after the lock reads from the transaction-consistent view:
// subtotal = Σ quantity × price in exact decimal arithmetic (zero for
// an empty line set), then markup applied and the result rounded to 2
// decimal places half-up. Both writes land in the same transaction, so
// on any failure the rollback leaves the previous totals untouched.
func (db *DB) RecomputeTotals(ctx context.Context, id string) (decimal.Decimal, decimal.Decimal, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("sqlite: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	subtotal, totalWithMarkup, err := recomputeInTx(ctx, tx, id)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	if err := tx.Commit(); err != nil {
		if isBusy(err) {
			return decimal.Zero, decimal.Zero, apperror.Conflict("calculation", "commit contention, retry")
		}
		return decimal.Zero, decimal.Zero, fmt.Errorf("sqlite: committing recompute: %w", err)
	}
	return subtotal, totalWithMarkup, nil
}

// recomputeInTx is the lock-read-compute-write core, shared with the
// snapshot freeze so "recompute then archive" can run as one
// transaction. The caller owns commit/rollback.
func recomputeInTx(ctx context.Context, tx *sql.Tx, id string) (decimal.Decimal, decimal.Decimal, error) {
	result, err := tx.ExecContext(ctx,
		`UPDATE calculations SET total_price = total_price WHERE id = ?`, id)
	if err != nil {
		if isBusy(err) {
			return decimal.Zero, decimal.Zero, apperror.Conflict("calculation", "row is locked, retry")
		}
		return decimal.Zero, decimal.Zero, fmt.Errorf("sqlite: locking calculation %s: %w", id, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return decimal.Zero, decimal.Zero, apperror.NotFound("calculation", id)
	}

	var markup decimal.Decimal
	if err := tx.QueryRowContext(ctx,
		`SELECT markup FROM calculations WHERE id = ?`, id).Scan(&markup); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("sqlite: reading markup: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT l.quantity, i.price
		 FROM calculation_lines l
		 JOIN items i ON i.id = l.item_id
		 WHERE l.calculation_id = ?`,
		id,
	)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("sqlite: reading lines: %w", err)
	}

	subtotal := decimal.Zero
	for rows.Next() {
		var (
			quantity int64
			price    decimal.Decimal
		)
		if err := rows.Scan(&quantity, &price); err != nil {
			rows.Close()
			return decimal.Zero, decimal.Zero, fmt.Errorf("sqlite: scanning line: %w", err)
		}
		subtotal = subtotal.Add(price.Mul(decimal.NewFromInt(quantity)))
	}
	if err := rows.Close(); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("sqlite: closing line rows: %w", err)
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("sqlite: iterating lines: %w", err)
	}

	subtotal = subtotal.Round(2)
	totalWithMarkup := subtotal.Mul(oneHundred.Add(markup)).Div(oneHundred).Round(2)

	if subtotal.GreaterThanOrEqual(maxTotal) || totalWithMarkup.GreaterThanOrEqual(maxTotal) {
		return decimal.Zero, decimal.Zero, apperror.Overflow("calculation", id)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE calculations SET total_price = ?, total_price_with_markup = ? WHERE id = ?`,
		subtotal, totalWithMarkup, id,
	); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("sqlite: writing totals: %w", err)
	}

	return subtotal, totalWithMarkup, nil
}

// IDsReferencingItem returns every calculation currently holding a line
// for itemID, the reverse index behind price-change fan-out.
func (db *DB) IDsReferencingItem(ctx context.Context, itemID string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT DISTINCT calculation_id FROM calculation_lines WHERE item_id = ?`,
		itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: reverse item lookup: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scanning calculation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating calculation ids: %w", err)
	}
	return ids, nil
}
