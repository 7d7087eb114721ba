package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/trade-accounting/internal/model"
	"github.com/sakif/trade-accounting/internal/repository"
)

var _ repository.PriceHistoryRepository = (*DB)(nil)

// RecordPriceChange appends one immutable log entry. There is no
// update or delete path for price history by design of the schema.
func (db *DB) RecordPriceChange(ctx context.Context, change *model.PriceChange) error {
	change.ID = xid.New().String()
	if change.ChangedAt.IsZero() {
		change.ChangedAt = time.Now().UTC()
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO price_history (id, item_id, old_price, new_price, changed_at, changed_by)
		 VALUES (?, ?, ?, ?, ?, NULLIF(?, ''))`,
		change.ID, change.ItemID, change.OldPrice, change.NewPrice, change.ChangedAt, change.ChangedBy,
	)
	if err != nil {
		return fmt.Errorf("sqlite: recording price change: %w", err)
	}
	return nil
}

// ListPriceChanges returns entries newest first, searchable by item name.
func (db *DB) ListPriceChanges(ctx context.Context, opts repository.ListOptions) ([]model.PriceChange, error) {
	limit, offset := clampPage(opts.Limit, opts.Offset)

	rows, err := db.conn.QueryContext(ctx,
		`SELECT h.id, h.item_id, i.name, h.old_price, h.new_price, h.changed_at, h.changed_by
		 FROM price_history h
		 JOIN items i ON i.id = h.item_id
		 WHERE i.name LIKE '%' || ? || '%'
		 ORDER BY h.changed_at DESC
		 LIMIT ? OFFSET ?`,
		opts.Search, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing price history: %w", err)
	}
	defer rows.Close()

	changes := make([]model.PriceChange, 0, limit)
	for rows.Next() {
		var (
			c         model.PriceChange
			changedBy sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.ItemID, &c.ItemName, &c.OldPrice, &c.NewPrice, &c.ChangedAt, &changedBy); err != nil {
			return nil, fmt.Errorf("sqlite: scanning price change: %w", err)
		}
		c.ChangedBy = changedBy.String
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating price history: %w", err)
	}
	return changes, nil
}
