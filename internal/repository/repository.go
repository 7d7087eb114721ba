// Package repository declares the storage interfaces the service layer
// programs against. The sqlite subpackage is the only implementation;
// tests substitute in-memory mocks.
package repository

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/sakif/trade-accounting/internal/model"
)

// ListOptions carries the pagination/search/sort parameters shared by
// every listing query. Sort fields are whitelisted per repository; an
// unknown field falls back to the default ordering rather than erroring.
type ListOptions struct {
	Search    string
	Sort      string
	Direction string // "asc" or "desc"
	Limit     int
	Offset    int
}

// ItemStats summarises the catalog under the current search filter
// (ignoring pagination): row count, price sum, and average price.
type ItemStats struct {
	Count      int
	TotalPrice decimal.Decimal
	AvgPrice   decimal.Decimal
}

// Method names carry the entity (CreateItem, not Create) because one
// sqlite.DB implements every interface below and Go has no overloading.
type ItemRepository interface {
	CreateItem(ctx context.Context, item *model.Item) error
	GetItemByID(ctx context.Context, id string) (*model.Item, error)
	// GetItemByName matches case-insensitively; used for upsert-on-import.
	GetItemByName(ctx context.Context, name string) (*model.Item, error)
	ListItems(ctx context.Context, opts ListOptions) ([]model.Item, error)
	ItemStats(ctx context.Context, search string) (ItemStats, error)
	UpdateItem(ctx context.Context, item *model.Item) error
	DeleteItem(ctx context.Context, id string) error
}

// CalculationRepository owns calculations, their lines, and the two
// cached total columns. RecomputeTotals is the only code path that
// writes the totals.
type CalculationRepository interface {
	// CreateCalculation persists the calculation and its lines in one
	// transaction.
	CreateCalculation(ctx context.Context, calc *model.Calculation, lines []model.CalculationLine) error
	GetCalculationByID(ctx context.Context, id string) (*model.Calculation, error)
	// ListCalculations narrows to one owner when ownerID is non-empty.
	ListCalculations(ctx context.Context, opts ListOptions, ownerID string) ([]model.Calculation, error)
	// ReplaceCalculationLines updates title/markup and swaps the line
	// set in one transaction. It does not recompute; the caller must
	// follow up within the same logical operation.
	ReplaceCalculationLines(ctx context.Context, calc *model.Calculation, lines []model.CalculationLine) error
	DeleteCalculation(ctx context.Context, id string) error

	// RecomputeTotals transactionally locks the calculation row, sums
	// quantity × item price over its current lines with exact decimal
	// arithmetic, applies the markup and persists both totals. Returns
	// the committed values. Idempotent: with no intervening mutation a
	// second call stores the same numbers.
	RecomputeTotals(ctx context.Context, id string) (total, totalWithMarkup decimal.Decimal, err error)

	// IDsReferencingItem is the reverse index used for price-change
	// fan-out: every calculation that currently holds a line for the item.
	IDsReferencingItem(ctx context.Context, itemID string) ([]string, error)
}

type SnapshotRepository interface {
	// FreezeSnapshot recomputes the calculation's totals and copies
	// them plus all lines (item name/price by value) into a new
	// snapshot, all in one transaction, so the archived totals and the
	// line copies can never disagree. actorID may be empty.
	FreezeSnapshot(ctx context.Context, calculationID, actorID string) (*model.Snapshot, error)
	GetSnapshotByID(ctx context.Context, id string) (*model.Snapshot, error)
	ListSnapshots(ctx context.Context, opts ListOptions) ([]model.Snapshot, error)
}

type PriceHistoryRepository interface {
	RecordPriceChange(ctx context.Context, change *model.PriceChange) error
	ListPriceChanges(ctx context.Context, opts ListOptions) ([]model.PriceChange, error)
}

type UserRepository interface {
	CreateUser(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	// GetUserByLogin looks a user up by username or email, case-insensitively.
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	ListUsers(ctx context.Context, opts ListOptions) ([]model.User, error)
	CountUsers(ctx context.Context) (int, error)
	UpdateUser(ctx context.Context, user *model.User) error
	DeleteUser(ctx context.Context, id string) error
}
