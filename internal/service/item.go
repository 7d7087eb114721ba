package service

import (
	"context"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/sakif/trade-accounting/internal/apperror"
	"github.com/sakif/trade-accounting/internal/model"
	"github.com/sakif/trade-accounting/internal/repository"
)

const MaxItemNameLength = 255

var maxItemPrice = decimal.New(1, 8) // prices live under the same 10^8 ceiling as totals

// UpsertOutcome reports what a create-or-update actually did, so bulk
// import can keep honest counters.
type UpsertOutcome int

const (
	OutcomeCreated UpsertOutcome = iota
	OutcomeUpdated
	OutcomeUnchanged
)

// ImportRow is one parsed row of an item import file.
type ImportRow struct {
	Name  string
	Price decimal.Decimal
}

// ImportResult summarises a bulk import.
type ImportResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// ItemService manages the price catalog. Because calculations cache
// totals derived from item prices, every price mutation here fans out
// a recompute across all calculations referencing the item.
type ItemService struct {
	items   repository.ItemRepository
	history repository.PriceHistoryRepository
	calcs   repository.CalculationRepository
	logger  *slog.Logger
}

func NewItemService(
	items repository.ItemRepository,
	history repository.PriceHistoryRepository,
	calcs repository.CalculationRepository,
	logger *slog.Logger,
) *ItemService {
	return &ItemService{
		items:   items,
		history: history,
		calcs:   calcs,
		logger:  logger,
	}
}

// NormalizeItemName trims whitespace and capitalizes only the first
// letter, so "  bolt M6 " and "BOLT m6" collapse to the same catalog
// entry ("Bolt m6").
func NormalizeItemName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	first, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToUpper(first)) + strings.ToLower(name[size:])
}

func validateItemName(name string) (string, error) {
	name = NormalizeItemName(name)
	if name == "" {
		return "", apperror.ValidationFailed("name", "name is required")
	}
	if len(name) > MaxItemNameLength {
		return "", apperror.ValidationFailed("name", "name is too long")
	}
	return name, nil
}

func validateItemPrice(price decimal.Decimal) (decimal.Decimal, error) {
	price = price.Round(2)
	if !price.IsPositive() {
		return decimal.Zero, apperror.ValidationFailed("price", "price must be greater than zero")
	}
	if price.GreaterThanOrEqual(maxItemPrice) {
		return decimal.Zero, apperror.ValidationFailed("price", "price exceeds the allowed maximum")
	}
	return price, nil
}

// Upsert implements catalog-friendly creation: if an item with the
// normalized name already exists, its price is updated in place instead
// of failing on the unique constraint. A real price change is logged
// and fanned out like any other.
func (s *ItemService) Upsert(ctx context.Context, name string, price decimal.Decimal, actorID string) (*model.Item, UpsertOutcome, error) {
	name, err := validateItemName(name)
	if err != nil {
		return nil, OutcomeUnchanged, err
	}
	price, err = validateItemPrice(price)
	if err != nil {
		return nil, OutcomeUnchanged, err
	}

	existing, err := s.items.GetItemByName(ctx, name)
	switch {
	case err == nil:
		if existing.Price.Equal(price) {
			return existing, OutcomeUnchanged, nil
		}
		updated, err := s.changePrice(ctx, existing, price, actorID)
		if err != nil {
			return nil, OutcomeUnchanged, err
		}
		return updated, OutcomeUpdated, nil
	case !apperror.IsNotFound(err):
		return nil, OutcomeUnchanged, err
	}

	item := &model.Item{Name: name, Price: price}
	if err := s.items.CreateItem(ctx, item); err != nil {
		s.logger.Error("failed to create item",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
		return nil, OutcomeUnchanged, err
	}
	s.logger.Info("item created",
		slog.String("id", item.ID),
		slog.String("name", item.Name),
		slog.String("price", item.Price.StringFixed(2)),
	)
	return item, OutcomeCreated, nil
}

// Get returns one catalog item.
func (s *ItemService) Get(ctx context.Context, id string) (*model.Item, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperror.ValidationFailed("id", "item ID is required")
	}
	return s.items.GetItemByID(ctx, id)
}

// List returns a page of items plus catalog-wide stats for the same
// search filter.
func (s *ItemService) List(ctx context.Context, opts repository.ListOptions) ([]model.Item, repository.ItemStats, error) {
	items, err := s.items.ListItems(ctx, opts)
	if err != nil {
		s.logger.Error("failed to list items", slog.String("error", err.Error()))
		return nil, repository.ItemStats{}, err
	}
	stats, err := s.items.ItemStats(ctx, opts.Search)
	if err != nil {
		return nil, repository.ItemStats{}, err
	}
	return items, stats, nil
}

// Update renames and/or reprices an item. A price change records a
// history entry and recomputes every calculation referencing the item;
// a pure rename touches nothing downstream since names are resolved at
// read time.
func (s *ItemService) Update(ctx context.Context, id, name string, price decimal.Decimal, actorID string) (*model.Item, error) {
	item, err := s.items.GetItemByID(ctx, id)
	if err != nil {
		return nil, err
	}

	name, err = validateItemName(name)
	if err != nil {
		return nil, err
	}
	price, err = validateItemPrice(price)
	if err != nil {
		return nil, err
	}

	priceChanged := !item.Price.Equal(price)
	oldPrice := item.Price
	item.Name = name

	if !priceChanged {
		if err := s.items.UpdateItem(ctx, item); err != nil {
			return nil, err
		}
		return item, nil
	}

	item.Price = price
	if err := s.items.UpdateItem(ctx, item); err != nil {
		return nil, err
	}
	if err := s.recordAndFanOut(ctx, item, oldPrice, actorID); err != nil {
		return nil, err
	}
	return item, nil
}

func (s *ItemService) changePrice(ctx context.Context, item *model.Item, price decimal.Decimal, actorID string) (*model.Item, error) {
	oldPrice := item.Price
	item.Price = price
	if err := s.items.UpdateItem(ctx, item); err != nil {
		return nil, err
	}
	if err := s.recordAndFanOut(ctx, item, oldPrice, actorID); err != nil {
		return nil, err
	}
	return item, nil
}

// recordAndFanOut logs the price movement and refreshes cached totals
// of every calculation that references the item. History is written
// first so the audit trail survives even if a recompute later fails.
func (s *ItemService) recordAndFanOut(ctx context.Context, item *model.Item, oldPrice decimal.Decimal, actorID string) error {
	change := &model.PriceChange{
		ItemID:    item.ID,
		OldPrice:  oldPrice,
		NewPrice:  item.Price,
		ChangedBy: actorID,
	}
	if err := s.history.RecordPriceChange(ctx, change); err != nil {
		return err
	}

	ids, err := s.calcs.IDsReferencingItem(ctx, item.ID)
	if err != nil {
		return err
	}
	for _, calcID := range ids {
		if _, _, err := recomputeWithRetry(ctx, s.calcs, calcID); err != nil {
			s.logger.Error("failed to recompute calculation after price change",
				slog.String("calculationId", calcID),
				slog.String("itemId", item.ID),
				slog.String("error", err.Error()),
			)
			return err
		}
	}

	s.logger.Info("item price changed",
		slog.String("id", item.ID),
		slog.String("name", item.Name),
		slog.String("oldPrice", oldPrice.StringFixed(2)),
		slog.String("newPrice", item.Price.StringFixed(2)),
		slog.Int("recomputed", len(ids)),
	)
	return nil
}

// Delete removes an item. Affected calculation IDs are collected
// first: after the cascade drops their lines, those calculations get
// recomputed so their cached totals shrink accordingly.
func (s *ItemService) Delete(ctx context.Context, id string) error {
	ids, err := s.calcs.IDsReferencingItem(ctx, id)
	if err != nil {
		return err
	}
	if err := s.items.DeleteItem(ctx, id); err != nil {
		return err
	}
	for _, calcID := range ids {
		if _, _, err := recomputeWithRetry(ctx, s.calcs, calcID); err != nil {
			return err
		}
	}
	s.logger.Info("item deleted",
		slog.String("id", id),
		slog.Int("recomputed", len(ids)),
	)
	return nil
}

// Import bulk-upserts parsed rows. Rows that fail validation are
// skipped and counted rather than aborting the whole file.
func (s *ItemService) Import(ctx context.Context, rows []ImportRow, actorID string) (ImportResult, error) {
	var res ImportResult
	for _, row := range rows {
		_, outcome, err := s.Upsert(ctx, row.Name, row.Price, actorID)
		if err != nil {
			if apperror.IsValidation(err) {
				res.Skipped++
				continue
			}
			return res, err
		}
		switch outcome {
		case OutcomeCreated:
			res.Created++
		case OutcomeUpdated:
			res.Updated++
		default:
			res.Skipped++
		}
	}
	s.logger.Info("item import finished",
		slog.Int("created", res.Created),
		slog.Int("updated", res.Updated),
		slog.Int("skipped", res.Skipped),
	)
	return res, nil
}

// PriceHistory returns the audit log of price movements, newest first.
func (s *ItemService) PriceHistory(ctx context.Context, opts repository.ListOptions) ([]model.PriceChange, error) {
	return s.history.ListPriceChanges(ctx, opts)
}
