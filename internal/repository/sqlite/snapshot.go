package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/trade-accounting/internal/apperror"
	"github.com/sakif/trade-accounting/internal/model"
	"github.com/sakif/trade-accounting/internal/repository"
)

var _ repository.SnapshotRepository = (*DB)(nil)

// FreezeSnapshot archives a calculation: recompute, then copy.
//
// Both halves run in ONE transaction. The recompute core takes the
// writer lock up front, so the totals it returns and the line rows this
// function copies are the same consistent view: a snapshot can never
// carry totals that disagree with its own line copies, even if another
// request is editing the calculation concurrently.
//
// The line copies are by value: item name and price are duplicated into
// snapshot_lines with no reference back to the catalog. Later item
// repricing or deletion leaves the snapshot untouched.
func (db *DB) FreezeSnapshot(ctx context.Context, calculationID, actorID string) (*model.Snapshot, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	total, totalWithMarkup, err := recomputeInTx(ctx, tx, calculationID)
	if err != nil {
		return nil, err
	}

	snap := &model.Snapshot{
		ID:                         xid.New().String(),
		CalculationID:              calculationID,
		FrozenTotalPrice:           total,
		FrozenTotalPriceWithMarkup: totalWithMarkup,
		CreatedAt:                  time.Now().UTC(),
		CreatedBy:                  actorID,
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (id, calculation_id, frozen_total_price, frozen_total_price_with_markup, created_at, created_by)
		 VALUES (?, ?, ?, ?, ?, NULLIF(?, ''))`,
		snap.ID, snap.CalculationID, snap.FrozenTotalPrice, snap.FrozenTotalPriceWithMarkup,
		snap.CreatedAt, snap.CreatedBy,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: creating snapshot: %w", err)
	}

	lines, err := db.linesFor(ctx, tx, calculationID)
	if err != nil {
		return nil, err
	}
	for _, l := range lines {
		sl := model.SnapshotLine{
			ID:         xid.New().String(),
			SnapshotID: snap.ID,
			ItemName:   l.ItemName,
			ItemPrice:  l.ItemPrice,
			Quantity:   l.Quantity,
			LineTotal:  l.LineTotal(),
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO snapshot_lines (id, snapshot_id, item_name, item_price, quantity, line_total)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			sl.ID, sl.SnapshotID, sl.ItemName, sl.ItemPrice, sl.Quantity, sl.LineTotal,
		)
		if err != nil {
			return nil, fmt.Errorf("sqlite: creating snapshot line: %w", err)
		}
		snap.Lines = append(snap.Lines, sl)
	}

	if err := tx.Commit(); err != nil {
		if isBusy(err) {
			return nil, apperror.Conflict("snapshot", "commit contention, retry")
		}
		return nil, fmt.Errorf("sqlite: committing snapshot: %w", err)
	}
	return snap, nil
}

func (db *DB) GetSnapshotByID(ctx context.Context, id string) (*model.Snapshot, error) {
	var (
		snap      model.Snapshot
		createdBy sql.NullString
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT s.id, s.calculation_id, c.title, s.frozen_total_price,
		        s.frozen_total_price_with_markup, s.created_at, s.created_by
		 FROM snapshots s
		 JOIN calculations c ON c.id = s.calculation_id
		 WHERE s.id = ?`,
		id,
	).Scan(&snap.ID, &snap.CalculationID, &snap.CalculationTitle, &snap.FrozenTotalPrice,
		&snap.FrozenTotalPriceWithMarkup, &snap.CreatedAt, &createdBy)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("snapshot", id)
		}
		return nil, fmt.Errorf("sqlite: getting snapshot %s: %w", id, err)
	}
	snap.CreatedBy = createdBy.String

	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, snapshot_id, item_name, item_price, quantity, line_total
		 FROM snapshot_lines
		 WHERE snapshot_id = ?
		 ORDER BY item_name`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing snapshot lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var l model.SnapshotLine
		if err := rows.Scan(&l.ID, &l.SnapshotID, &l.ItemName, &l.ItemPrice, &l.Quantity, &l.LineTotal); err != nil {
			return nil, fmt.Errorf("sqlite: scanning snapshot line: %w", err)
		}
		snap.Lines = append(snap.Lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating snapshot lines: %w", err)
	}
	return &snap, nil
}

// ListSnapshots returns snapshots newest first, searchable by the
// source calculation's title. Line copies are not loaded for lists.
func (db *DB) ListSnapshots(ctx context.Context, opts repository.ListOptions) ([]model.Snapshot, error) {
	limit, offset := clampPage(opts.Limit, opts.Offset)

	rows, err := db.conn.QueryContext(ctx,
		`SELECT s.id, s.calculation_id, c.title, s.frozen_total_price,
		        s.frozen_total_price_with_markup, s.created_at, s.created_by
		 FROM snapshots s
		 JOIN calculations c ON c.id = s.calculation_id
		 WHERE c.title LIKE '%' || ? || '%'
		 ORDER BY s.created_at DESC
		 LIMIT ? OFFSET ?`,
		opts.Search, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing snapshots: %w", err)
	}
	defer rows.Close()

	snaps := make([]model.Snapshot, 0, limit)
	for rows.Next() {
		var (
			s         model.Snapshot
			createdBy sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.CalculationID, &s.CalculationTitle, &s.FrozenTotalPrice,
			&s.FrozenTotalPriceWithMarkup, &s.CreatedAt, &createdBy); err != nil {
			return nil, fmt.Errorf("sqlite: scanning snapshot row: %w", err)
		}
		s.CreatedBy = createdBy.String
		snaps = append(snaps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating snapshots: %w", err)
	}
	return snaps, nil
}
