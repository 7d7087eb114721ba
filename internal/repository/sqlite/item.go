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

var _ repository.ItemRepository = (*DB)(nil)

// CreateItem inserts a new catalog item. The name's case-insensitive UNIQUE
// constraint maps to apperror.ErrConflict.
func (db *DB) CreateItem(ctx context.Context, item *model.Item) error {
	item.ID = xid.New().String()
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO items (id, name, price, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		item.ID, item.Name, item.Price, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		if isConstraint(err) {
			return apperror.Conflict("item", fmt.Sprintf("name %q already exists", item.Name))
		}
		return fmt.Errorf("sqlite: creating item: %w", err)
	}
	return nil
}

func (db *DB) GetItemByID(ctx context.Context, id string) (*model.Item, error) {
	return db.getItem(ctx, `WHERE id = ?`, id)
}

// GetItemByName matches case-insensitively (the name column is COLLATE
// NOCASE), which is what the import upsert path needs.
func (db *DB) GetItemByName(ctx context.Context, name string) (*model.Item, error) {
	return db.getItem(ctx, `WHERE name = ?`, name)
}

func (db *DB) getItem(ctx context.Context, where string, arg any) (*model.Item, error) {
	var item model.Item
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, name, price, created_at, updated_at FROM items `+where,
		arg,
	).Scan(&item.ID, &item.Name, &item.Price, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("item", fmt.Sprint(arg))
		}
		return nil, fmt.Errorf("sqlite: getting item: %w", err)
	}
	return &item, nil
}

// ListItems returns a page of the catalog. Sorting by price CASTs the TEXT
// column to REAL so "9.50" sorts below "10.00".
func (db *DB) ListItems(ctx context.Context, opts repository.ListOptions) ([]model.Item, error) {
	limit, offset := clampPage(opts.Limit, opts.Offset)
	order := sortClause(map[string]string{
		"name":  "name",
		"price": "CAST(price AS REAL)",
	}, opts.Sort, opts.Direction, "name")

	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, name, price, created_at, updated_at
		 FROM items
		 WHERE name LIKE '%' || ? || '%'
		 ORDER BY `+order+`
		 LIMIT ? OFFSET ?`,
		opts.Search, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing items: %w", err)
	}
	defer rows.Close()

	items := make([]model.Item, 0, limit)
	for rows.Next() {
		var item model.Item
		if err := rows.Scan(&item.ID, &item.Name, &item.Price, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scanning item row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating items: %w", err)
	}
	return items, nil
}

// ItemStats sums the filtered catalog in Go with exact decimals; SUM() in
// SQL would coerce the TEXT prices to floats.
func (db *DB) ItemStats(ctx context.Context, search string) (repository.ItemStats, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT price FROM items WHERE name LIKE '%' || ? || '%'`,
		search,
	)
	if err != nil {
		return repository.ItemStats{}, fmt.Errorf("sqlite: item stats: %w", err)
	}
	defer rows.Close()

	stats := repository.ItemStats{}
	for rows.Next() {
		var price decimal.Decimal
		if err := rows.Scan(&price); err != nil {
			return repository.ItemStats{}, fmt.Errorf("sqlite: scanning price: %w", err)
		}
		stats.Count++
		stats.TotalPrice = stats.TotalPrice.Add(price)
	}
	if err := rows.Err(); err != nil {
		return repository.ItemStats{}, fmt.Errorf("sqlite: iterating prices: %w", err)
	}
	if stats.Count > 0 {
		stats.AvgPrice = stats.TotalPrice.DivRound(decimal.NewFromInt(int64(stats.Count)), 2)
	}
	return stats, nil
}

func (db *DB) UpdateItem(ctx context.Context, item *model.Item) error {
	item.UpdatedAt = time.Now().UTC()

	result, err := db.conn.ExecContext(ctx,
		`UPDATE items SET name = ?, price = ?, updated_at = ? WHERE id = ?`,
		item.Name, item.Price, item.UpdatedAt, item.ID,
	)
	if err != nil {
		if isConstraint(err) {
			return apperror.Conflict("item", fmt.Sprintf("name %q already exists", item.Name))
		}
		return fmt.Errorf("sqlite: updating item %s: %w", item.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound("item", item.ID)
	}
	return nil
}

// DeleteItem removes an item. The ON DELETE CASCADE on calculation_lines
// drops every line referencing it; the caller is responsible for
// recomputing the affected calculations afterwards (it must collect
// their ids BEFORE calling Delete, the reverse index is gone after).
func (db *DB) DeleteItem(ctx context.Context, id string) error {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: deleting item %s: %w", id, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound("item", id)
	}
	return nil
}
